package cansim

import (
	"fmt"
	"strconv"
	"strings"
)

// FrameFilter decides whether a frame should be delivered to a subscriber.
type FrameFilter func(Frame) bool

// Typed and composable helpers for FrameFilter.

// ByID returns a filter that matches frames with the exact identifier.
func ByID(id uint32) FrameFilter {
	return func(f Frame) bool { return f.ID == id }
}

// ByIDs returns a filter that matches any of the provided identifiers.
func ByIDs(ids ...uint32) FrameFilter {
	m := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return func(f Frame) bool {
		_, ok := m[f.ID]
		return ok
	}
}

// ByRange matches frames whose ID is within [minID, maxID], inclusive.
func ByRange(minID, maxID uint32) FrameFilter {
	if maxID < minID {
		minID, maxID = maxID, minID
	}
	return func(f Frame) bool { return f.ID >= minID && f.ID <= maxID }
}

// ByMask matches when (frame.ID & mask) == (id & mask).
func ByMask(id uint32, mask uint32) FrameFilter {
	want := id & mask
	return func(f Frame) bool { return (f.ID & mask) == want }
}

// StandardOnly matches standard (11-bit) identifiers.
func StandardOnly() FrameFilter {
	return func(f Frame) bool { return !f.Extended }
}

// ExtendedOnly matches extended (29-bit) identifiers.
func ExtendedOnly() FrameFilter {
	return func(f Frame) bool { return f.Extended }
}

// And composes two filters; the result matches when both match.
func And(a, b FrameFilter) FrameFilter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(f Frame) bool { return a(f) && b(f) }
	}
}

// Or composes two filters; the result matches when either matches.
func Or(a, b FrameFilter) FrameFilter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(f Frame) bool { return a(f) || b(f) }
	}
}

// Not inverts a filter.
func Not(a FrameFilter) FrameFilter {
	if a == nil {
		return func(f Frame) bool { return true }
	}
	return func(f Frame) bool { return !a(f) }
}

// ParseFilter builds a filter from a comma-separated expression. Tokens:
//
//	123      exact identifier (hex)
//	100-1FF  inclusive identifier range (hex)
//	100/7F0  identifier and mask (hex)
//	std      standard identifiers
//	ext      extended identifiers
//
// A token prefixed with "!" excludes matching frames. A frame passes when it
// matches any including token (or there are none) and no excluding token.
// An empty expression yields a nil filter, which matches everything.
func ParseFilter(expr string) (FrameFilter, error) {
	var include, exclude FrameFilter
	var includeIDs, excludeIDs []uint32
	for _, tok := range strings.Split(expr, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		neg := strings.HasPrefix(tok, "!")
		body := strings.TrimPrefix(tok, "!")
		// Plain identifiers are gathered into one set lookup.
		if id, err := parseFilterID(body); err == nil {
			if neg {
				excludeIDs = append(excludeIDs, id)
			} else {
				includeIDs = append(includeIDs, id)
			}
			continue
		}
		f, err := parseFilterToken(body)
		if err != nil {
			return nil, fmt.Errorf("cansim: filter token %q: %w", tok, err)
		}
		if neg {
			exclude = Or(exclude, f)
		} else {
			include = Or(include, f)
		}
	}
	if len(includeIDs) > 0 {
		include = Or(include, ByIDs(includeIDs...))
	}
	if len(excludeIDs) > 0 {
		exclude = Or(exclude, ByIDs(excludeIDs...))
	}
	if exclude == nil {
		return include, nil
	}
	return And(include, Not(exclude)), nil
}

func parseFilterToken(tok string) (FrameFilter, error) {
	switch strings.ToLower(tok) {
	case "std":
		return StandardOnly(), nil
	case "ext":
		return ExtendedOnly(), nil
	}
	if lo, hi, ok := strings.Cut(tok, "-"); ok {
		a, err := parseFilterID(lo)
		if err != nil {
			return nil, err
		}
		b, err := parseFilterID(hi)
		if err != nil {
			return nil, err
		}
		return ByRange(a, b), nil
	}
	if id, mask, ok := strings.Cut(tok, "/"); ok {
		a, err := parseFilterID(id)
		if err != nil {
			return nil, err
		}
		m, err := parseFilterID(mask)
		if err != nil {
			return nil, err
		}
		return ByMask(a, m), nil
	}
	return nil, fmt.Errorf("unknown filter token")
}

func parseFilterID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
