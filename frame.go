package cansim

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Frame is one classical CAN (2.0A/2.0B) data frame, either observed on the
// bus or about to be sent.
//
// DLC is the declared length and is kept as-is even when it disagrees with
// len(Data); captures can legitimately carry that mismatch.
//
// A Frame is treated as immutable once built. Code that needs different
// payload bytes builds a new Frame with its own Data slice (see
// MutationRule.Apply) instead of editing a Data slice another holder may
// still reference.
type Frame struct {
	Timestamp float64 // seconds; trace-relative or Unix wall clock
	ID        uint32  // 11-bit (std) or 29-bit (ext)
	Extended  bool    // true for 29-bit identifier
	DLC       uint8   // declared length, 0..8
	Data      []byte  // 0..8 payload bytes
}

// Validation limits.
const (
	MaxDataLen = 8

	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF
)

var (
	ErrInvalidID  = errors.New("cansim: invalid identifier")
	ErrInvalidLen = errors.New("cansim: invalid data length")
)

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.DLC > MaxDataLen || len(f.Data) > MaxDataLen {
		return ErrInvalidLen
	}
	if f.Extended {
		if f.ID > maxExtID {
			return ErrInvalidID
		}
	} else {
		if f.ID > maxStdID {
			return ErrInvalidID
		}
	}
	return nil
}

// MustFrame constructs a Frame and panics if invalid. Identifiers above the
// 11-bit range select the extended format.
func MustFrame(id uint32, data []byte) Frame {
	f := Frame{ID: id, Extended: id > maxStdID}
	if len(data) > MaxDataLen {
		panic(ErrInvalidLen)
	}
	f.DLC = uint8(len(data))
	f.Data = append([]byte(nil), data...)
	if err := f.Validate(); err != nil {
		panic(err)
	}
	return f
}

// Clone returns a copy of f that shares no memory with it.
func (f Frame) Clone() Frame {
	if f.Data != nil {
		f.Data = append([]byte(nil), f.Data...)
	}
	return f
}

// WithTimestamp returns a copy of f stamped with ts. Data is shared since
// neither copy is ever written.
func (f Frame) WithTimestamp(ts float64) Frame {
	f.Timestamp = ts
	return f
}

// Equal reports whether f and g describe the same frame. Timestamps are not
// compared.
func (f Frame) Equal(g Frame) bool {
	return f.ID == g.ID &&
		f.Extended == g.Extended &&
		f.DLC == g.DLC &&
		bytes.Equal(f.Data, g.Data)
}

// String formats the frame as "ID [DLC] B0 B1 ..." with the identifier in
// hex, e.g. "123 [2] DE AD".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	fmt.Fprintf(&b, " [%d]", f.DLC)
	for _, v := range f.Data {
		fmt.Fprintf(&b, " %02X", v)
	}
	return b.String()
}

// UnixSeconds converts t to the floating point seconds used in Frame.Timestamp.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Time converts f.Timestamp, read as Unix seconds, to a time.Time.
func (f Frame) Time() time.Time {
	sec, frac := math.Modf(f.Timestamp)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// Offset returns the duration between two frame timestamps (f.Timestamp - from).
// Results beyond the range of time.Duration saturate; a NaN difference is 0.
func (f Frame) Offset(from float64) time.Duration {
	d := (f.Timestamp - from) * float64(time.Second)
	switch {
	case math.IsNaN(d):
		return 0
	case d >= math.MaxInt64:
		return math.MaxInt64
	case d <= math.MinInt64:
		return math.MinInt64
	}
	return time.Duration(d)
}

// Flags and masks of the Linux can_frame identifier word.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canEffMask = 0x1FFFFFFF
	canStdMask = 0x7FF
)

// MarshalBinary encodes the frame in the 16-byte layout of a
// LINKTYPE_CAN_SOCKETCAN capture record: a Linux "struct can_frame" with the
// identifier word in network byte order. Timestamps are not included.
//
//	0..3  can_id (with EFF flag), big-endian
//	4     can_dlc (declared length)
//	5..7  padding (set to zero)
//	8..15 data bytes, zero padded
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], id)
	buf[4] = f.DLC
	copy(buf[8:16], f.Data)
	return buf, nil
}

// UnmarshalBinary decodes a record written by MarshalBinary. Data receives
// min(DLC, 8) bytes, so a payload shorter than its DLC comes back zero
// padded to the DLC.
func (f *Frame) UnmarshalBinary(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("cansim: need 16 bytes, got %d", len(data))
	}
	id := binary.BigEndian.Uint32(data[0:4])
	if id&canRtrFlag != 0 {
		return fmt.Errorf("cansim: remote frames are not supported (id=0x%X)", id)
	}
	f.Extended = id&canEffFlag != 0
	if f.Extended {
		f.ID = id & canEffMask
	} else {
		f.ID = id & canStdMask
	}
	f.DLC = data[4]
	n := int(f.DLC)
	if n > MaxDataLen {
		n = MaxDataLen
	}
	f.Data = append([]byte(nil), data[8:8+n]...)
	return f.Validate()
}
