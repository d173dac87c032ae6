package cansim

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedGenerator is returned when a generator spec string cannot be parsed.
var ErrMalformedGenerator = errors.New("cansim: malformed generator spec")

// MinFrequency floors the generator rate so a zero or negative frequency
// cannot produce a division by zero or an unbounded rate.
const MinFrequency = 0.0001

// GeneratorSpec describes one frame emitted forever at a fixed rate.
type GeneratorSpec struct {
	ID          uint32
	Data        []byte
	FrequencyHz float64
}

// ParseGeneratorSpec parses "id:<hex>:d1:<hex>:d2:<hex>:...:freq:<float>".
// Each dN token appends one data byte in the order encountered. The
// frequency defaults to 1 Hz when no freq token is present.
func ParseGeneratorSpec(s string) (GeneratorSpec, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || parts[0] != "id" {
		return GeneratorSpec{}, fmt.Errorf("%w: %q", ErrMalformedGenerator, s)
	}
	id, err := parseHexID(parts[1])
	if err != nil {
		return GeneratorSpec{}, fmt.Errorf("%w: id: %v", ErrMalformedGenerator, err)
	}
	spec := GeneratorSpec{ID: id, FrequencyHz: 1}
	for i := 2; i < len(parts); i += 2 {
		if i+1 >= len(parts) {
			return GeneratorSpec{}, fmt.Errorf("%w: token %q has no value", ErrMalformedGenerator, parts[i])
		}
		key, val := parts[i], parts[i+1]
		switch {
		case key == "freq":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
				return GeneratorSpec{}, fmt.Errorf("%w: freq %q", ErrMalformedGenerator, val)
			}
			spec.FrequencyHz = f
		case isDataKey(key):
			b, err := strconv.ParseUint(val, 16, 8)
			if err != nil {
				return GeneratorSpec{}, fmt.Errorf("%w: %s %q", ErrMalformedGenerator, key, val)
			}
			if len(spec.Data) == MaxDataLen {
				return GeneratorSpec{}, fmt.Errorf("%w: more than %d data bytes", ErrMalformedGenerator, MaxDataLen)
			}
			spec.Data = append(spec.Data, byte(b))
		default:
			return GeneratorSpec{}, fmt.Errorf("%w: unknown token %q", ErrMalformedGenerator, key)
		}
	}
	return spec, nil
}

// LenientGeneratorSpec parses s and logs instead of failing. ok is false when
// s is empty or malformed, in which case generation is skipped.
func LenientGeneratorSpec(s string, logger *slog.Logger) (spec GeneratorSpec, ok bool) {
	if strings.TrimSpace(s) == "" {
		return GeneratorSpec{}, false
	}
	spec, err := ParseGeneratorSpec(s)
	if err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("generator spec ignored", "spec", s, "err", err)
		return GeneratorSpec{}, false
	}
	return spec, true
}

func isDataKey(k string) bool {
	if len(k) < 2 || k[0] != 'd' {
		return false
	}
	_, err := strconv.Atoi(k[1:])
	return err == nil
}

// Period is the interval between two emissions.
func (g GeneratorSpec) Period() time.Duration {
	return time.Duration(float64(time.Second) / math.Max(MinFrequency, g.FrequencyHz))
}

// Frame builds the frame to emit. Each call returns its own Data slice.
func (g GeneratorSpec) Frame() Frame {
	return MustFrame(g.ID, g.Data)
}

func (g GeneratorSpec) String() string {
	return fmt.Sprintf("id=%X data=%X freq=%gHz", g.ID, g.Data, g.FrequencyHz)
}
