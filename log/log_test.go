package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert"
)

func readOnlyFile(t *testing.T, dir string) string {
	entries, err := os.ReadDir(dir)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(entries))
	if len(entries) != 1 {
		return ""
	}
	d, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	assert.NoError(t, err)
	return string(d)
}

func TestLogfToConsoleAndFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	var hooked []string
	Init(&Config{
		Dir:     dir,
		Console: &console,
		OnLog: func(s string) {
			hooked = append(hooked, s)
		},
	})
	defer Close()

	Logf("loaded %d keys\n", 3)
	Logf("no args\n")
	Verbose = false
	Verbosef("hidden\n")

	assert.Equal(t, "loaded 3 keys\nno args\n", console.String())
	assert.Equal(t, []string{"loaded 3 keys\n", "no args\n"}, hooked)
	Close()
	assert.Equal(t, "loaded 3 keys\nno args\n", readOnlyFile(t, filepath.Join(dir, "log")))
}

func TestErrorf(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	Init(&Config{Dir: dir, Console: &console})
	defer Close()

	Errorf("append failed: %s", "disk full")
	assert.False(t, IfErrf(nil))
	assert.True(t, IfErrf(os.ErrClosed, "close failed: %v", os.ErrClosed))
	assert.Equal(t, "append failed: disk full\nclose failed: file already closed\n", console.String())
	Close()

	s := readOnlyFile(t, filepath.Join(dir, "errors"))
	assert.True(t, strings.HasPrefix(s, "append failed: disk full\n"))
	// callstack points at the caller
	assert.True(t, strings.Contains(s, "log_test.go:"))
}

func TestNoDir(t *testing.T) {
	var console bytes.Buffer
	Init(&Config{Console: &console})
	defer Close()
	Logf("only console\n")
	Event("test", "k", "v")
	assert.Equal(t, "only console\n", console.String())
}

func TestMarshalEvent(t *testing.T) {
	ts := time.UnixMilli(1704067200000)
	d, err := MarshalEvent("replay", ts)
	assert.NoError(t, err)
	assert.Equal(t, "--- 0 1704067200000 replay\n", string(d))

	d, err = MarshalEvent("replay", ts, "skipped", 2)
	assert.NoError(t, err)
	s := string(d)
	assert.True(t, strings.HasPrefix(s, "--- "))
	assert.True(t, strings.Contains(s, " 1704067200000 replay\n"))
	assert.True(t, strings.Contains(s, "skipped"))
	assert.True(t, strings.HasSuffix(s, "\n"))

	_, err = MarshalEvent("bad", ts, "k")
	assert.Error(t, err)
}

func TestEventWritesFile(t *testing.T) {
	dir := t.TempDir()
	Init(&Config{Dir: dir, Console: &bytes.Buffer{}})
	defer Close()
	Event("load", "records", 10, "path", "/tmp/data.db")
	EventWithDuration("set", time.Millisecond)
	Close()
	s := readOnlyFile(t, filepath.Join(dir, "events"))
	assert.Equal(t, 2, strings.Count(s, "--- "))
	assert.True(t, strings.Contains(s, " load\n"))
	assert.True(t, strings.Contains(s, " set\n"))
	assert.True(t, strings.Contains(s, "durmicro"))
}

func TestWriteDailyNil(t *testing.T) {
	var w *WriteDaily
	assert.NoError(t, w.WriteString("x"))
	assert.NoError(t, w.Sync())
	assert.NoError(t, w.Close())
}
