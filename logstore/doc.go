// Package logstore implements an append-only, line-oriented log of key/value
// writes.
//
// # File Format
//
// Every write is a single line:
//
//	SET <key> <value...>\n
//
// The key is a non-empty token without spaces. The value is the rest of the
// line and may contain spaces or be empty. A file read top to bottom is the
// total order of all acknowledged writes.
//
// # Basic Usage
//
//	l, err := logstore.Open("./data/data.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Close()
//
//	err = l.Append(logstore.Record{Key: "foo", Value: "bar"})
//
//	stats, err := logstore.ReplayFile(l.Path(), func(rec logstore.Record) {
//	    // ...
//	})
//
// # Durability
//
// Append returns only after the line was written with a single write call
// and forced to stable storage with Sync. If the write or the sync fails,
// the file is truncated back to its previous size so a write reported as
// failed is never replayed.
//
// # Recovery
//
// A crash in the middle of a write leaves a last line without a terminating
// newline. That write was never acknowledged: Open truncates it (see
// [Log.DroppedTail]) so it can't be completed into a record by the next
// append.
//
// Replay never fails because of the content of the file. Lines that don't
// parse, including a last line without a terminating newline, are skipped
// and reported in [Stats]. Only a failure to open or read the file is an
// error.
//
// # Thread Safety
//
// A Log is safe for concurrent use within one process but the file is
// assumed to have a single writer process.
package logstore
