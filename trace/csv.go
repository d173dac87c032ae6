package trace

import (
	"encoding/csv"
	"io"
	"os"
	"sync"

	"github.com/notnil/cansim"
)

// CSVSink appends frames as CSV rows, flushing after each row.
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	c      io.Closer
	closed bool
}

// NewCSVSink writes rows to w, starting with the Header row when header is
// true. If w is an io.Closer, Close closes it.
func NewCSVSink(w io.Writer, header bool) (*CSVSink, error) {
	s := &CSVSink{w: csv.NewWriter(w)}
	if c, ok := w.(io.Closer); ok {
		s.c = c
	}
	if header {
		if err := s.write(Header); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// CreateCSV creates (or truncates) path and writes the header row.
func CreateCSV(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	s, err := NewCSVSink(f, true)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Append writes one row.
func (s *CSVSink) Append(f cansim.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	return s.write(FormatRow(f))
}

func (s *CSVSink) write(rec []string) error {
	if err := s.w.Write(rec); err != nil {
		return writeErr(err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return writeErr(err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.w.Flush()
	err := s.w.Error()
	if s.c != nil {
		if cerr := s.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
