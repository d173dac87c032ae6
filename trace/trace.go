// Package trace reads and writes CAN frame logs.
//
// The text form is one CSV row per frame:
//
//	timestamp,id_hex,is_extended,dlc,data_hex
//
// e.g. "0.500000,110,0,8,0802030405060708". Blank rows and rows whose first
// field starts with '#' are skipped, as is a leading header row. Observation
// output can also go to pcap (LINKTYPE_CAN_SOCKETCAN) or SQLite sinks.
package trace

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/notnil/cansim"
)

// Trace is an ordered, fully loaded sequence of captured frames.
type Trace []cansim.Frame

// Duration is the recorded span between the first and last frame.
func (t Trace) Duration() time.Duration {
	if len(t) == 0 {
		return 0
	}
	return t[len(t)-1].Offset(t[0].Timestamp)
}

// maxSpan is the largest distance in seconds from the first frame that a
// time.Duration can hold.
var maxSpan = float64(math.MaxInt64) / float64(time.Second)

// checkSpan rejects a timestamp whose offset from the first frame of its
// trace cannot be scheduled.
func checkSpan(first, ts float64) error {
	if math.IsNaN(ts) || math.IsInf(ts, 0) {
		return fmt.Errorf("%w: timestamp %v", ErrMalformedRow, ts)
	}
	if math.Abs(ts-first) >= maxSpan {
		return fmt.Errorf("%w: timestamp %v is too far from the first frame at %v", ErrMalformedRow, ts, first)
	}
	return nil
}

// Header names the CSV columns in order.
var Header = []string{"ts", "id_hex", "is_ext", "dlc", "data_hex"}

var (
	// ErrMalformedRow marks a row that cannot be decoded into a frame.
	ErrMalformedRow = errors.New("trace: malformed row")
	// ErrEmptyTrace is returned when a replay input holds no frames.
	ErrEmptyTrace = errors.New("trace: no frames")
)

// RowError reports which input line failed to decode.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("trace: line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Read decodes a CSV frame log. Any malformed row fails the whole read.
func Read(r io.Reader) (Trace, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true
	cr.ReuseRecord = true

	var out Trace
	first := true
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			var pe *csv.ParseError
			line := 0
			if errors.As(err, &pe) {
				line = pe.Line
			}
			return nil, &RowError{Line: line, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)}
		}
		line, _ := cr.FieldPos(0)
		if isBlank(rec) || strings.HasPrefix(strings.TrimSpace(rec[0]), "#") {
			continue
		}
		if first && isHeader(rec) {
			first = false
			continue
		}
		first = false
		f, err := ParseRow(rec)
		if err == nil && len(out) > 0 {
			err = checkSpan(out[0].Timestamp, f.Timestamp)
		}
		if err != nil {
			return nil, &RowError{Line: line, Err: err}
		}
		out = append(out, f)
	}
}

// ReadFile loads a replay input. The extension selects the format: ".pcap"
// for a SocketCAN capture, ".db", ".sqlite" or ".sqlite3" for a SQLite log,
// anything else is CSV.
func ReadFile(path string) (Trace, error) {
	switch kindOf(path) {
	case kindPcap:
		return ReadPcapFile(path)
	case kindSQLite:
		return ReadSQLite(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseRow decodes one CSV record into a frame.
func ParseRow(rec []string) (cansim.Frame, error) {
	if len(rec) < len(Header) {
		return cansim.Frame{}, fmt.Errorf("%w: want %d fields, got %d", ErrMalformedRow, len(Header), len(rec))
	}
	ts, err := strconv.ParseFloat(strings.TrimSpace(rec[0]), 64)
	if err != nil || math.IsNaN(ts) || math.IsInf(ts, 0) {
		return cansim.Frame{}, fmt.Errorf("%w: timestamp %q", ErrMalformedRow, rec[0])
	}
	idStr := strings.TrimSpace(rec[1])
	idStr = strings.TrimPrefix(strings.TrimPrefix(idStr, "0x"), "0X")
	id, err := strconv.ParseUint(idStr, 16, 32)
	if err != nil {
		return cansim.Frame{}, fmt.Errorf("%w: id %q", ErrMalformedRow, rec[1])
	}
	var ext bool
	switch strings.TrimSpace(rec[2]) {
	case "0":
	case "1":
		ext = true
	default:
		return cansim.Frame{}, fmt.Errorf("%w: is_extended %q", ErrMalformedRow, rec[2])
	}
	dlc, err := strconv.ParseUint(strings.TrimSpace(rec[3]), 10, 8)
	if err != nil || dlc > cansim.MaxDataLen {
		return cansim.Frame{}, fmt.Errorf("%w: dlc %q", ErrMalformedRow, rec[3])
	}
	dataStr := strings.TrimSpace(rec[4])
	if len(dataStr) > 2*cansim.MaxDataLen {
		return cansim.Frame{}, fmt.Errorf("%w: data %q longer than %d bytes", ErrMalformedRow, dataStr, cansim.MaxDataLen)
	}
	data, err := hex.DecodeString(dataStr)
	if err != nil {
		return cansim.Frame{}, fmt.Errorf("%w: data %q: %v", ErrMalformedRow, dataStr, err)
	}
	f := cansim.Frame{
		Timestamp: ts,
		ID:        uint32(id),
		Extended:  ext,
		DLC:       uint8(dlc),
		Data:      data,
	}
	if err := f.Validate(); err != nil {
		return cansim.Frame{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	return f, nil
}

// FormatRow encodes a frame as a CSV record.
func FormatRow(f cansim.Frame) []string {
	return []string{
		strconv.FormatFloat(f.Timestamp, 'f', 6, 64),
		strings.ToUpper(strconv.FormatUint(uint64(f.ID), 16)),
		boolDigit(f.Extended),
		strconv.Itoa(int(f.DLC)),
		hex.EncodeToString(f.Data),
	}
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func isHeader(rec []string) bool {
	switch strings.ToLower(strings.TrimSpace(rec[0])) {
	case "ts", "timestamp":
		return true
	}
	return false
}

type fileKind int

const (
	kindCSV fileKind = iota
	kindPcap
	kindSQLite
)

func kindOf(path string) fileKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pcap":
		return kindPcap
	case ".db", ".sqlite", ".sqlite3":
		return kindSQLite
	}
	return kindCSV
}
