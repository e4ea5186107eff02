package logstore

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kjk/kvstore/u"
)

const recordPrefix = "SET "

var (
	// ErrInvalidRecord is returned by Append and MarshalRecord for records
	// that can't be represented as a single log line
	ErrInvalidRecord = errors.New("invalid record")

	// ErrClosed is returned by Append after Close
	ErrClosed = errors.New("log is closed")
)

// Record is a single write event
type Record struct {
	Key   string
	Value string
}

// logFile is implemented by *os.File
type logFile interface {
	io.Writer
	io.Closer
	Sync() error
	Truncate(size int64) error
}

// Log is an open append-only log file
type Log struct {
	path string
	file logFile
	// size of the file, always ends with '\n' (or 0)
	size int64
	// bytes of a partial last line removed by Open
	droppedTail int64
	// set when we failed to roll back a failed write. The file might end
	// with a partial line so we can't append after it
	broken error

	mu sync.Mutex
}

// ValidateRecord returns ErrInvalidRecord (wrapped) if rec can't be
// serialized as one line
func ValidateRecord(rec Record) error {
	if rec.Key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidRecord)
	}
	if strings.ContainsAny(rec.Key, " \t\r\n") {
		return fmt.Errorf("%w: key %q contains whitespace", ErrInvalidRecord, rec.Key)
	}
	if strings.Contains(rec.Value, "\n") {
		return fmt.Errorf("%w: value for key %q contains newline", ErrInvalidRecord, rec.Key)
	}
	return nil
}

// MarshalRecord returns rec serialized as a log line, including the
// terminating newline
func MarshalRecord(rec Record) ([]byte, error) {
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}
	n := len(recordPrefix) + len(rec.Key) + 1 + len(rec.Value) + 1
	d := make([]byte, 0, n)
	d = append(d, recordPrefix...)
	d = append(d, rec.Key...)
	d = append(d, ' ')
	d = append(d, rec.Value...)
	d = append(d, '\n')
	return d, nil
}

// ParseLine parses a log line without the terminating newline.
// perf: allows re-using Record
func ParseLine(line string, rec *Record) error {
	rest, ok := strings.CutPrefix(line, recordPrefix)
	if !ok {
		return fmt.Errorf("line doesn't start with %q", recordPrefix)
	}
	key, value, ok := strings.Cut(rest, " ")
	if !ok {
		return fmt.Errorf("missing value separator")
	}
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsAny(key, "\t\r") {
		return fmt.Errorf("invalid key %q", key)
	}
	rec.Key = key
	rec.Value = value
	return nil
}

// completeSize returns the size of the file without a partial last line
// i.e. the offset just past the last '\n'
func completeSize(f *os.File, size int64) (int64, error) {
	var buf [4096]byte
	end := size
	for end > 0 {
		n := min(end, int64(len(buf)))
		start := end - n
		if _, err := f.ReadAt(buf[:n], start); err != nil {
			return 0, err
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			return start + int64(i) + 1, nil
		}
		end = start
	}
	return 0, nil
}

// syncDir makes the creation of a file in dir durable
func syncDir(dir string) error {
	if u.IsWindows() {
		// can't open a directory for sync on windows
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	err = d.Sync()
	err2 := d.Close()
	if err != nil {
		return err
	}
	return err2
}

// Open opens the log at path, creating the directory and an empty file if
// needed. It's safe to call on an existing log.
// If the file ends with a partial line (a crash in the middle of a write
// that was never acknowledged) the partial line is truncated, see DroppedTail.
// Complete lines are never modified.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, fmt.Errorf("log path is empty")
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for '%s': %w", path, err)
	}
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}
	created := !u.PathExists(path)

	// O_RDWR and not O_WRONLY so that we can find the last complete line
	f, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log '%s': %w", path, err)
	}
	if created {
		if err = syncDir(dir); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to sync directory '%s': %w", dir, err)
		}
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat log '%s': %w", path, err)
	}
	if st.IsDir() {
		f.Close()
		return nil, fmt.Errorf("log '%s' is a directory", path)
	}
	size := st.Size()
	complete, err := completeSize(f, size)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read log '%s': %w", path, err)
	}
	if complete != size {
		err = f.Truncate(complete)
		if err == nil {
			err = f.Sync()
		}
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to truncate partial last line of '%s': %w", path, err)
		}
	}
	return &Log{
		path:        path,
		file:        f,
		size:        complete,
		droppedTail: size - complete,
	}, nil
}

// Path returns absolute path of the log file
func (l *Log) Path() string {
	return l.path
}

// Size returns the size of the log file as known to us
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// DroppedTail returns the number of bytes of a partial last line
// removed by Open, 0 if the log ended with a complete line
func (l *Log) DroppedTail() int64 {
	return l.droppedTail
}

// Append writes rec at the end of the log and syncs it to disk.
// When it returns nil, rec survives a crash. When it returns an error,
// the file is rolled back to its size before the call so rec will not
// be replayed. If the roll back fails, all further appends fail.
func (l *Log) Append(rec Record) error {
	d, err := MarshalRecord(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return ErrClosed
	}
	if l.broken != nil {
		return fmt.Errorf("log '%s' can't be appended to: %w", l.path, l.broken)
	}
	n, err := l.file.Write(d)
	if err == nil && n != len(d) {
		err = io.ErrShortWrite
	}
	if err != nil {
		err = fmt.Errorf("failed to write to log '%s': %w", l.path, err)
		return l.rollback(err, n)
	}
	if err = l.file.Sync(); err != nil {
		err = fmt.Errorf("failed to sync log '%s': %w", l.path, err)
		return l.rollback(err, n)
	}
	l.size += int64(n)
	return nil
}

// rollback removes n bytes written by a failed Append. Must hold l.mu
func (l *Log) rollback(err error, n int) error {
	if n == 0 {
		return err
	}
	terr := l.file.Truncate(l.size)
	if terr == nil {
		terr = l.file.Sync()
	}
	if terr != nil {
		l.broken = terr
		return errors.Join(err, fmt.Errorf("failed to roll back partial write: %w", terr))
	}
	return err
}

// Close closes the log file. It's safe to call multiple times.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
