package kvtable

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/kjk/kvstore/logstore"
	"github.com/kjk/kvstore/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

func dbPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "data.db")
}

func mustLoad(t *testing.T, path string, opts *Options) *Table {
	tbl, err := Load(path, opts)
	assert.NoError(t, err)
	if err != nil {
		t.FailNow()
	}
	t.Cleanup(func() { tbl.Close() })
	return tbl
}

func mustGet(t *testing.T, tbl *Table, key string) (string, bool) {
	v, found, err := tbl.Get(key)
	assert.NoError(t, err)
	return v, found
}

func readFile(t *testing.T, path string) string {
	d, err := os.ReadFile(path)
	assert.NoError(t, err)
	return string(d)
}

// failingLog fails every Append
type failingLog struct {
	err     error
	appends int
}

func (l *failingLog) Append(rec logstore.Record) error {
	l.appends++
	return l.err
}

func (l *failingLog) Size() int64  { return 0 }
func (l *failingLog) Close() error { return nil }

func TestLoadCreatesLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "dir", "data.db")
	tbl := mustLoad(t, path, nil)
	assert.Equal(t, 0, tbl.Len())
	assert.Equal(t, "", readFile(t, path))
	assert.Equal(t, 0, tbl.ReplayStats().Lines)
}

func TestLoadFails(t *testing.T) {
	dir := t.TempDir()
	notDir := filepath.Join(dir, "file")
	assert.NoError(t, os.WriteFile(notDir, []byte("x"), 0644))
	_, err := Load(filepath.Join(notDir, "data.db"), nil)
	assert.True(t, errors.Is(err, ErrIO))
	assert.Equal(t, "io", KindName(err))

	_, err = Load(dir, nil)
	assert.True(t, errors.Is(err, ErrIO))
}

func TestSetGet(t *testing.T) {
	path := dbPath(t)
	tbl := mustLoad(t, path, nil)
	assert.NoError(t, tbl.Set("foo", "bar"))
	assert.NoError(t, tbl.Set("foo", "baz"))
	assert.NoError(t, tbl.Set("msg", "hello world"))

	v, found := mustGet(t, tbl, "foo")
	assert.True(t, found)
	assert.Equal(t, "baz", v)
	v, _ = mustGet(t, tbl, "msg")
	assert.Equal(t, "hello world", v)
	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, []string{"foo", "msg"}, tbl.Keys())

	assert.Equal(t, "SET foo bar\nSET foo baz\nSET msg hello world\n", readFile(t, path))
}

func TestNotFoundIsNotEmpty(t *testing.T) {
	tbl := mustLoad(t, dbPath(t), nil)
	assert.NoError(t, tbl.Set("present-with-empty-value", ""))

	v, found := mustGet(t, tbl, "present-with-empty-value")
	assert.True(t, found)
	assert.Equal(t, "", v)

	v, found = mustGet(t, tbl, "missing")
	assert.False(t, found)
	assert.Equal(t, "", v)

	// same after reload
	tbl2 := mustLoad(t, tbl.Path(), nil)
	_, found = mustGet(t, tbl2, "present-with-empty-value")
	assert.True(t, found)
	_, found = mustGet(t, tbl2, "missing")
	assert.False(t, found)
}

func TestRoundTripAcrossReload(t *testing.T) {
	path := dbPath(t)
	tbl := mustLoad(t, path, nil)
	rng := rand.New(rand.NewSource(1))
	exp := map[string]string{}
	for i := 0; i < 300; i++ {
		k := fmt.Sprintf("k%d", rng.Intn(40))
		v := strings.Repeat("v", rng.Intn(5)) + fmt.Sprintf(" %d", i)
		assert.NoError(t, tbl.Set(k, v))
		exp[k] = v
	}
	assert.NoError(t, tbl.Close())

	tbl2 := mustLoad(t, path, nil)
	assert.Equal(t, len(exp), tbl2.Len())
	for k, v := range exp {
		got, found := mustGet(t, tbl2, k)
		assert.True(t, found, k)
		assert.Equal(t, v, got, k)
	}
	assert.Equal(t, 300, tbl2.ReplayStats().Records)
}

func TestLastWriteWins(t *testing.T) {
	path := dbPath(t)
	tbl := mustLoad(t, path, nil)
	assert.NoError(t, tbl.Set("a", "1"))
	assert.NoError(t, tbl.Set("a", "2"))
	v, _ := mustGet(t, tbl, "a")
	assert.Equal(t, "2", v)

	recs, _, err := logstore.ReplayAll(path)
	assert.NoError(t, err)
	assert.Equal(t, []logstore.Record{{Key: "a", Value: "1"}, {Key: "a", Value: "2"}}, recs)
}

func TestFailedAppendDoesNotChangeTable(t *testing.T) {
	tbl := mustLoad(t, dbPath(t), nil)
	assert.NoError(t, tbl.Set("a", "1"))

	fl := &failingLog{err: syscall.ENOSPC}
	orig := tbl.log
	tbl.log = fl
	defer func() { tbl.log = orig }()

	err := tbl.Set("a", "2")
	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, syscall.ENOSPC))
	err = tbl.Set("b", "new")
	assert.True(t, errors.Is(err, ErrIO))
	assert.Equal(t, 2, fl.appends)

	v, _ := mustGet(t, tbl, "a")
	assert.Equal(t, "1", v)
	_, found := mustGet(t, tbl, "b")
	assert.False(t, found)
	assert.Equal(t, 1, tbl.Len())
}

func TestSetAfterLogClosedFails(t *testing.T) {
	path := dbPath(t)
	tbl := mustLoad(t, path, nil)
	// the log handle is gone but the table still thinks it's ready
	assert.NoError(t, tbl.log.Close())
	err := tbl.Set("k", "v")
	assert.True(t, errors.Is(err, ErrIO))
	assert.True(t, errors.Is(err, logstore.ErrClosed))
	_, found := mustGet(t, tbl, "k")
	assert.False(t, found)
	assert.Equal(t, "", readFile(t, path))
}

func TestInvalidArguments(t *testing.T) {
	path := dbPath(t)
	tbl := mustLoad(t, path, &Options{MaxKeyLen: 8})

	badKeys := []string{"", "123456789", "a b", "a\tb", "a\nb"}
	for _, k := range badKeys {
		err := tbl.Set(k, "v")
		assert.True(t, errors.Is(err, ErrInvalidArgument), "%q", k)
		assert.Equal(t, "invalid_argument", KindName(err))
		_, _, err = tbl.Get(k)
		assert.True(t, errors.Is(err, ErrInvalidArgument), "%q", k)
	}
	err := tbl.Set("k", "two\nlines")
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	// 8 characters, more bytes
	assert.NoError(t, tbl.Set("ąęółśżźć", "ok"))
	assert.NoError(t, tbl.Set("12345678", "ok"))

	assert.Equal(t, 2, tbl.Len())
	assert.Equal(t, "SET ąęółśżźć ok\nSET 12345678 ok\n", readFile(t, path))
}

func TestDefaultMaxKeyLen(t *testing.T) {
	tbl := mustLoad(t, dbPath(t), nil)
	assert.NoError(t, tbl.Set(strings.Repeat("k", DefaultMaxKeyLen), "v"))
	err := tbl.Set(strings.Repeat("k", DefaultMaxKeyLen+1), "v")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestCorruptionTolerance(t *testing.T) {
	path := dbPath(t)
	content := "SET a 1\nthis is not a record\nSET b 2\nSET a"
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))

	tbl := mustLoad(t, path, nil)
	v, found := mustGet(t, tbl, "a")
	assert.True(t, found)
	assert.Equal(t, "1", v)
	v, _ = mustGet(t, tbl, "b")
	assert.Equal(t, "2", v)
	assert.Equal(t, 2, tbl.Len())

	stats := tbl.ReplayStats()
	assert.True(t, stats.HasCorruption())
	assert.Equal(t, 1, stats.SkippedCount)
	assert.Equal(t, 2, stats.Skipped[0].LineNo)
	// partial last line is removed when the log is opened
	assert.Equal(t, int64(len("SET a")), stats.DroppedTail)
	// no backup unless asked for
	_, err := os.Stat(path + BackupSuffix)
	assert.True(t, os.IsNotExist(err))

	assert.NoError(t, tbl.Set("c", "3"))
	assert.NoError(t, tbl.Close())
	tbl2 := mustLoad(t, path, nil)
	v, _ = mustGet(t, tbl2, "c")
	assert.Equal(t, "3", v)
	v, _ = mustGet(t, tbl2, "a")
	assert.Equal(t, "1", v)
	assert.Equal(t, 1, tbl2.ReplayStats().SkippedCount)
	assert.Equal(t, int64(0), tbl2.ReplayStats().DroppedTail)
}

func TestTornWriteIsNotRecovered(t *testing.T) {
	path := dbPath(t)
	assert.NoError(t, os.WriteFile(path, []byte("SET a 1\nSET b tru"), 0644))

	tbl := mustLoad(t, path, nil)
	_, found := mustGet(t, tbl, "b")
	assert.False(t, found)
	assert.NoError(t, tbl.Set("c", "3"))
	assert.NoError(t, tbl.Close())

	tbl2 := mustLoad(t, path, nil)
	_, found = mustGet(t, tbl2, "b")
	assert.False(t, found)
	assert.Equal(t, []string{"a", "c"}, tbl2.Keys())
	assert.Equal(t, "SET a 1\nSET c 3\n", readFile(t, path))
}

func TestBackupCorrupt(t *testing.T) {
	path := dbPath(t)
	content := "SET a 1\ngarbage\nSET b 2\n"
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))
	tbl := mustLoad(t, path, &Options{BackupCorrupt: true})
	assert.Equal(t, content, readFile(t, path+BackupSuffix))
	// the log isn't modified
	assert.Equal(t, content, readFile(t, path))
	assert.Equal(t, 2, tbl.Len())

	// clean log doesn't get backed up
	path2 := dbPath(t)
	assert.NoError(t, os.WriteFile(path2, []byte("SET a 1\n"), 0644))
	mustLoad(t, path2, &Options{BackupCorrupt: true})
	_, err := os.Stat(path2 + BackupSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestIdempotentReplay(t *testing.T) {
	path := dbPath(t)
	tbl := mustLoad(t, path, nil)
	for i := 0; i < 50; i++ {
		assert.NoError(t, tbl.Set(fmt.Sprintf("k%d", i%7), fmt.Sprintf("v%d", i)))
	}
	assert.NoError(t, tbl.Close())

	t1 := mustLoad(t, path, nil)
	var d1 bytes.Buffer
	assert.NoError(t, t1.Dump(&d1))
	assert.NoError(t, t1.Close())

	t2 := mustLoad(t, path, nil)
	var d2 bytes.Buffer
	assert.NoError(t, t2.Dump(&d2))
	assert.Equal(t, d1.String(), d2.String())
	assert.Equal(t, t1.ReplayStats(), t2.ReplayStats())
}

func TestDump(t *testing.T) {
	path := dbPath(t)
	tbl := mustLoad(t, path, nil)
	assert.NoError(t, tbl.Set("b", "2"))
	assert.NoError(t, tbl.Set("a", "one two"))
	assert.NoError(t, tbl.Set("b", "3"))
	assert.NoError(t, tbl.Set("e", ""))

	var buf bytes.Buffer
	assert.NoError(t, tbl.Dump(&buf))
	exp := "SET a one two\nSET b 3\nSET e \n"
	assert.Equal(t, exp, buf.String())

	dumpPath := filepath.Join(filepath.Dir(path), "dump.db")
	assert.NoError(t, tbl.DumpToFile(dumpPath))
	assert.Equal(t, exp, readFile(t, dumpPath))
	// dump is a valid log
	tbl2 := mustLoad(t, dumpPath, nil)
	assert.Equal(t, tbl.Keys(), tbl2.Keys())

	err := tbl.DumpToFile(path)
	assert.Error(t, err)
}

func TestUseBeforeLoadPanics(t *testing.T) {
	var tbl Table
	defer func() {
		assert.NotNil(t, recover())
	}()
	_, _, _ = tbl.Get("a")
}

func TestUseAfterClosePanics(t *testing.T) {
	tbl := mustLoad(t, dbPath(t), nil)
	assert.NoError(t, tbl.Close())
	assert.NoError(t, tbl.Close())
	defer func() {
		assert.NotNil(t, recover())
	}()
	_ = tbl.Set("a", "b")
}

func TestMetrics(t *testing.T) {
	path := dbPath(t)
	assert.NoError(t, os.WriteFile(path, []byte("SET a 1\nbad\n"), 0644))
	reg := prometheus.NewRegistry()
	tbl := mustLoad(t, path, &Options{Metrics: metrics.New(reg)})
	assert.NoError(t, tbl.Set("b", "2"))
	_ = tbl.Set("", "x")
	_, _, _ = tbl.Get("a")
	_, _, _ = tbl.Get("zz")

	vals, err := metrics.Values(reg)
	assert.NoError(t, err)
	assert.Equal(t, 1.0, vals["kvstore_replayed_records_total"])
	assert.Equal(t, 1.0, vals["kvstore_replay_skipped_lines_total"])
	assert.Equal(t, 1.0, vals["kvstore_sets_total"])
	assert.Equal(t, 1.0, vals["kvstore_set_errors_total{kind=invalid_argument}"])
	assert.Equal(t, 2.0, vals["kvstore_gets_total"])
	assert.Equal(t, 1.0, vals["kvstore_get_misses_total"])
	assert.Equal(t, 2.0, vals["kvstore_keys"])
	assert.Equal(t, float64(len("SET a 1\nbad\nSET b 2\n")), vals["kvstore_log_size_bytes"])
}

func TestErrorMessage(t *testing.T) {
	err := invalidArgf("set", "k", "key is empty")
	assert.Equal(t, "set 'k': invalid argument: key is empty", err.Error())
	err = ioErr("load", "", os.ErrPermission)
	assert.Equal(t, "load: i/o error: permission denied", err.Error())
	assert.True(t, errors.Is(err, os.ErrPermission))
	assert.Equal(t, "", KindName(nil))
	assert.Equal(t, "unknown", KindName(errors.New("x")))
}

func TestShortKey(t *testing.T) {
	assert.Equal(t, "abc", shortKey("abc"))
	long := strings.Repeat("ż", 40)
	assert.Equal(t, strings.Repeat("ż", 32)+"...", shortKey(long))
}
