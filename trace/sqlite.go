package trace

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/notnil/cansim"
	_ "modernc.org/sqlite"
)

const schema = `CREATE TABLE IF NOT EXISTS frames (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	ts       REAL    NOT NULL,
	can_id   INTEGER NOT NULL,
	extended INTEGER NOT NULL,
	dlc      INTEGER NOT NULL,
	data     BLOB    NOT NULL
)`

// SQLiteSink appends frames to the frames table of a SQLite database.
// Rows keep write order in seq.
type SQLiteSink struct {
	mu     sync.Mutex
	db     *sql.DB
	insert *sql.Stmt
	closed bool
}

func openDB(path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("trace: sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

// OpenSQLite opens or creates the database at path. Existing rows are kept,
// so several sessions can log into one file.
func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	// One writer connection keeps inserts in call order.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create frames table: %w", err)
	}
	stmt, err := db.Prepare(`INSERT INTO frames (ts, can_id, extended, dlc, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	return &SQLiteSink{db: db, insert: stmt}, nil
}

// Append inserts one row.
func (s *SQLiteSink) Append(f cansim.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	data := f.Data
	if data == nil {
		data = []byte{}
	}
	if _, err := s.insert.Exec(f.Timestamp, int64(f.ID), f.Extended, int(f.DLC), data); err != nil {
		return writeErr(err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.insert.Close()
	return s.db.Close()
}

// ReadSQLite loads every row of the frames table in write order. The file
// must already exist.
func ReadSQLite(path string) (Trace, error) {
	// Opening a missing file would create an empty database.
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	rows, err := db.Query(`SELECT ts, can_id, extended, dlc, data FROM frames ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query frames: %w", err)
	}
	defer rows.Close()
	var out Trace
	for n := 1; rows.Next(); n++ {
		var (
			f   cansim.Frame
			id  int64
			dlc int64
		)
		if err := rows.Scan(&f.Timestamp, &id, &f.Extended, &dlc, &f.Data); err != nil {
			return nil, &RowError{Line: n, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)}
		}
		if id < 0 || dlc < 0 || dlc > cansim.MaxDataLen {
			return nil, &RowError{Line: n, Err: fmt.Errorf("%w: id %d dlc %d", ErrMalformedRow, id, dlc)}
		}
		first := f.Timestamp
		if len(out) > 0 {
			first = out[0].Timestamp
		}
		if err := checkSpan(first, f.Timestamp); err != nil {
			return nil, &RowError{Line: n, Err: err}
		}
		f.ID = uint32(id)
		f.DLC = uint8(dlc)
		if err := f.Validate(); err != nil {
			return nil, &RowError{Line: n, Err: fmt.Errorf("%w: %v", ErrMalformedRow, err)}
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
