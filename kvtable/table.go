// Package kvtable is an in-memory key/value table backed by an append-only log.
//
// The log is the only source of truth: Load rebuilds the table by replaying
// the log and Set appends to the log (and syncs it) before changing the
// table, so nothing visible in memory is ahead of what is on disk.
package kvtable

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kjk/kvstore/atomicfile"
	"github.com/kjk/kvstore/log"
	"github.com/kjk/kvstore/logstore"
	"github.com/kjk/kvstore/metrics"
	"github.com/kjk/kvstore/u"
)

const (
	DefaultMaxKeyLen = 256

	// suffix of a copy of the log made when replay finds corruption
	BackupSuffix = ".bak"
)

// recordLog is implemented by *logstore.Log
type recordLog interface {
	Append(rec logstore.Record) error
	Size() int64
	Close() error
}

type Options struct {
	// max key length in characters, DefaultMaxKeyLen if 0
	MaxKeyLen int
	// if true and replay skipped malformed lines, copy the log
	// to <path>.bak before serving. The log itself is not changed
	BackupCorrupt bool
	// optional
	Metrics *metrics.Metrics
}

// Table must be created with Load. Using a zero Table panics
type Table struct {
	path      string
	log       recordLog
	m         map[string]string
	stats     *logstore.Stats
	maxKeyLen int
	metrics   *metrics.Metrics
	ready     bool

	mu sync.RWMutex
}

// Load opens (creating if needed) the log at path and replays it
func Load(path string, opts *Options) (*Table, error) {
	if opts == nil {
		opts = &Options{}
	}
	timeStart := time.Now()
	l, err := logstore.Open(path)
	if err != nil {
		return nil, ioErr("load", "", err)
	}
	m := map[string]string{}
	stats, err := logstore.ReplayFile(l.Path(), func(rec logstore.Record) {
		m[rec.Key] = rec.Value
	})
	if err != nil {
		l.Close()
		return nil, ioErr("load", "", err)
	}
	stats.DroppedTail = l.DroppedTail()

	t := &Table{
		path:      l.Path(),
		log:       l,
		m:         m,
		stats:     stats,
		maxKeyLen: opts.MaxKeyLen,
		metrics:   opts.Metrics,
		ready:     true,
	}
	if t.maxKeyLen <= 0 {
		t.maxKeyLen = DefaultMaxKeyLen
	}
	if stats.HasCorruption() {
		reportCorruption(t.path, stats)
		if opts.BackupCorrupt {
			backupCorruptLog(t.path)
		}
	}
	t.metrics.ObserveReplay(stats.Records, stats.SkippedCount)
	t.metrics.SetKeys(len(m))
	t.metrics.SetLogSize(l.Size())

	dur := time.Since(timeStart)
	log.Verbosef("loaded '%s' (%s) in %s, %s, keys: %d\n", t.path, u.FormatSize(stats.Bytes), dur, stats, len(m))
	log.EventWithDuration("load", dur, "path", t.path, "records", stats.Records, "keys", len(m), "skipped", stats.SkippedCount)
	return t, nil
}

func reportCorruption(path string, stats *logstore.Stats) {
	if stats.DroppedTail > 0 {
		log.Logf("warning: removed partial last line (%d bytes) of '%s'\n", stats.DroppedTail, path)
		log.Event("replay_dropped_tail", "path", path, "bytes", stats.DroppedTail)
	}
	if stats.SkippedCount == 0 {
		return
	}
	log.Logf("warning: skipped %d malformed line(s) in '%s'\n", stats.SkippedCount, path)
	for i, sl := range stats.Skipped {
		if i >= 5 {
			log.Logf("  ... and %d more\n", stats.SkippedCount-i)
			break
		}
		log.Logf("  line %d (offset %d): %s: %q\n", sl.LineNo, sl.Offset, sl.Reason, sl.Line)
	}
	first := stats.Skipped[0]
	log.Event("replay_corrupt", "path", path, "skipped", stats.SkippedCount, "first_line", first.LineNo, "first_reason", first.Reason)
}

// best effort: a failed backup doesn't prevent serving
func backupCorruptLog(path string) {
	bak := path + BackupSuffix
	n, err := atomicfile.CopyFile(bak, path)
	if err != nil {
		log.Errorf("failed to back up corrupt log '%s' to '%s': %s", path, bak, err)
		return
	}
	log.Logf("backed up log with malformed lines to '%s' (%s)\n", bak, u.FormatSize(n))
}

func (t *Table) mustBeReady() {
	u.PanicIf(t == nil || !t.ready, "kvtable: Table must be created with Load() and not used after Close()")
}

// shortKey shortens a long key for error messages
func shortKey(key string) string {
	n := 0
	for i := range key {
		if n == 32 {
			return key[:i] + "..."
		}
		n++
	}
	return key
}

func (t *Table) validateKey(op string, key string) error {
	if key == "" {
		return invalidArgf(op, key, "key is empty")
	}
	if n := utf8.RuneCountInString(key); n > t.maxKeyLen {
		return invalidArgf(op, shortKey(key), "key is too long (%d > %d)", n, t.maxKeyLen)
	}
	if strings.ContainsAny(key, " \t\r\n") {
		return invalidArgf(op, key, "key can't contain whitespace")
	}
	return nil
}

// Set durably writes key/value to the log and then updates the table.
// On error the table is not changed
func (t *Table) Set(key string, value string) error {
	t.mustBeReady()
	err := t.validateKey("set", key)
	if err == nil && strings.Contains(value, "\n") {
		err = invalidArgf("set", key, "value can't contain newline")
	}
	if err != nil {
		t.metrics.ObserveSet(KindName(err), 0)
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	timeStart := time.Now()
	err = t.log.Append(logstore.Record{Key: key, Value: value})
	if err != nil {
		if errors.Is(err, logstore.ErrInvalidRecord) {
			err = invalidArgf("set", key, "%w", err)
		} else {
			err = ioErr("set", key, err)
		}
		t.metrics.ObserveSet(KindName(err), 0)
		return err
	}
	t.m[key] = value
	t.metrics.ObserveSet("", time.Since(timeStart))
	t.metrics.SetKeys(len(t.m))
	t.metrics.SetLogSize(t.log.Size())
	return nil
}

// Get returns value for key. found is false if key was never set,
// which is different from a key set to an empty value
func (t *Table) Get(key string) (value string, found bool, err error) {
	t.mustBeReady()
	if err = t.validateKey("get", key); err != nil {
		return "", false, err
	}
	t.mu.RLock()
	value, found = t.m[key]
	t.mu.RUnlock()
	t.metrics.ObserveGet(found)
	return value, found, nil
}

func (t *Table) Len() int {
	t.mustBeReady()
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.m)
}

// Keys returns sorted keys
func (t *Table) Keys() []string {
	t.mustBeReady()
	t.mu.RLock()
	keys := make([]string, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	t.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

// ReplayStats returns the outcome of replaying the log in Load
func (t *Table) ReplayStats() *logstore.Stats {
	t.mustBeReady()
	return t.stats
}

// Path returns absolute path of the log file
func (t *Table) Path() string {
	return t.path
}

// Dump writes the table to w in log format, one line per key, sorted by key.
// The result is a valid log that replays to the same table
func (t *Table) Dump(w io.Writer) error {
	t.mustBeReady()
	bw := bufio.NewWriter(w)
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.m))
	for k := range t.m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		d, err := logstore.MarshalRecord(logstore.Record{Key: k, Value: t.m[k]})
		if err != nil {
			return err
		}
		if _, err = bw.Write(d); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// DumpToFile atomically writes the table to path, see Dump
func (t *Table) DumpToFile(path string) error {
	if abs, err := filepath.Abs(path); err == nil && abs == t.path {
		return fmt.Errorf("can't dump to the log file '%s'", path)
	}
	f, err := atomicfile.New(path)
	if err != nil {
		return err
	}
	defer f.Cancel()
	if err = t.Dump(f); err != nil {
		return err
	}
	return f.Close()
}

// Close closes the log. The table can't be used after Close
func (t *Table) Close() error {
	if t == nil || !t.ready {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ready = false
	return t.log.Close()
}
