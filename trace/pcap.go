package trace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/notnil/cansim"
)

// LinkTypeCANSocketCAN is LINKTYPE_CAN_SOCKETCAN: a can_frame with the
// identifier word in network byte order.
const LinkTypeCANSocketCAN = layers.LinkType(227)

const snapLen = 256

// PcapSink writes frames as a pcap capture readable by Wireshark.
// The declared DLC is kept, but the record always holds exactly DLC payload
// bytes: bytes past the DLC are dropped and a shorter payload is zero padded.
// A frame like "110 [8] 01 02" reads back as "110 [8] 01 02 00 00 00 00 00 00".
type PcapSink struct {
	mu     sync.Mutex
	w      *pcapgo.Writer
	c      io.Closer
	closed bool
}

// NewPcapSink writes the pcap file header to w. If w is an io.Closer, Close
// closes it.
func NewPcapSink(w io.Writer) (*PcapSink, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(snapLen, LinkTypeCANSocketCAN); err != nil {
		return nil, writeErr(err)
	}
	s := &PcapSink{w: pw}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	return s, nil
}

// CreatePcap creates (or truncates) a capture file at path.
func CreatePcap(path string) (*PcapSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s, err := NewPcapSink(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Append writes one packet stamped with the frame's timestamp.
func (s *PcapSink) Append(f cansim.Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return writeErr(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     f.Time(),
		CaptureLength: len(buf),
		Length:        len(buf),
	}
	if err := s.w.WritePacket(ci, buf); err != nil {
		return writeErr(err)
	}
	return nil
}

// Close closes the underlying writer.
func (s *PcapSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.c == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.c.Close()
}

// ReadPcap decodes a LINKTYPE_CAN_SOCKETCAN capture. Packet timestamps become
// frame timestamps in Unix seconds. Each frame carries exactly DLC data
// bytes, see PcapSink.
func ReadPcap(r io.Reader) (Trace, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, err
	}
	if lt := pr.LinkType(); lt != LinkTypeCANSocketCAN {
		return nil, fmt.Errorf("trace: unsupported pcap link type %d", lt)
	}
	var out Trace
	for n := 1; ; n++ {
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, &RowError{Line: n, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)}
		}
		var f cansim.Frame
		if err := f.UnmarshalBinary(data); err != nil {
			return nil, &RowError{Line: n, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)}
		}
		f.Timestamp = cansim.UnixSeconds(ci.Timestamp)
		if len(out) > 0 {
			if err := checkSpan(out[0].Timestamp, f.Timestamp); err != nil {
				return nil, &RowError{Line: n, Err: err}
			}
		}
		out = append(out, f)
	}
}

// ReadPcapFile opens path and decodes it with ReadPcap.
func ReadPcapFile(path string) (Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := ReadPcap(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
