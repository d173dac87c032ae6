package cansim

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedRule is returned when a mutation rule string cannot be parsed.
var ErrMalformedRule = errors.New("cansim: malformed mutation rule")

// MutationRule scales one payload byte of every frame carrying MatchID.
// A nil *MutationRule is valid and never mutates anything.
type MutationRule struct {
	MatchID   uint32
	ByteIndex int
	Scale     float64
}

// ParseMutationRule parses the "id:<hex>:byte:<index>:scale:<float>" form.
// The identifier may carry a 0x prefix.
func ParseMutationRule(s string) (*MutationRule, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 || parts[0] != "id" || parts[2] != "byte" || parts[4] != "scale" {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRule, s)
	}
	id, err := parseHexID(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrMalformedRule, err)
	}
	idx, err := strconv.Atoi(parts[3])
	if err != nil || idx < 0 {
		return nil, fmt.Errorf("%w: byte index %q", ErrMalformedRule, parts[3])
	}
	scale, err := strconv.ParseFloat(parts[5], 64)
	if err != nil || math.IsNaN(scale) || math.IsInf(scale, 0) {
		return nil, fmt.Errorf("%w: scale %q", ErrMalformedRule, parts[5])
	}
	return &MutationRule{MatchID: id, ByteIndex: idx, Scale: scale}, nil
}

// LenientMutationRule parses s and returns nil instead of an error. A rule
// that does not parse is logged and treated as "no mutation", so a bad rule
// never stops traffic generation. An empty s yields nil silently.
func LenientMutationRule(s string, logger *slog.Logger) *MutationRule {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	r, err := ParseMutationRule(s)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("mutation rule ignored", "rule", s, "err", err)
		return nil
	}
	return r
}

// Matches reports whether the rule applies to f.
func (r *MutationRule) Matches(f Frame) bool {
	return r != nil && f.ID == r.MatchID && r.ByteIndex < len(f.Data)
}

// Apply returns f with the selected byte replaced by
// trunc(byte*Scale) wrapped into 0..255. Frames the rule does not match are
// returned unchanged. The result never shares Data with f.
//
// Repeated application compounds: scale 0.5 turns 0x80 into 0x40, then 0x20.
func (r *MutationRule) Apply(f Frame) Frame {
	if !r.Matches(f) {
		return f
	}
	out := f.Clone()
	out.Data[r.ByteIndex] = scaleByte(f.Data[r.ByteIndex], r.Scale)
	return out
}

func (r *MutationRule) String() string {
	if r == nil {
		return "none"
	}
	return fmt.Sprintf("id:%X:byte:%d:scale:%g", r.MatchID, r.ByteIndex, r.Scale)
}

// scaleByte mirrors one-byte arithmetic overflow: truncate toward zero, then
// wrap modulo 256 (negative results wrap as two's complement).
func scaleByte(b byte, scale float64) byte {
	v := math.Mod(math.Trunc(float64(b)*scale), 256)
	if v < 0 {
		v += 256
	}
	return byte(v)
}

func parseHexID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	if v > maxExtID {
		return 0, ErrInvalidID
	}
	return uint32(v), nil
}
