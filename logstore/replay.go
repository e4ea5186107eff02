package logstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	// MaxSkippedDetails limits how many skipped lines are remembered in
	// Stats.Skipped. All of them are counted in Stats.SkippedCount
	MaxSkippedDetails = 100

	maxSkippedLineLen = 64
)

// SkippedLine describes a line that was not a valid record
type SkippedLine struct {
	// 1-based line number
	LineNo int
	// offset of the start of the line in the file
	Offset int64
	Reason string
	// beginning of the line, for diagnostics
	Line string
}

// Stats is the outcome of a replay
type Stats struct {
	Lines   int
	Records int
	// empty lines aren't records but aren't corruption either
	BlankLines   int
	SkippedCount int
	Skipped      []SkippedLine
	Bytes        int64
	// bytes of a partial last line removed by Open before replay.
	// Not set by replay functions
	DroppedTail int64
}

// HasCorruption returns true if at least one line was skipped or
// a partial last line was dropped
func (s *Stats) HasCorruption() bool {
	return s != nil && (s.SkippedCount > 0 || s.DroppedTail > 0)
}

func (s *Stats) String() string {
	return fmt.Sprintf("lines: %d, records: %d, skipped: %d, bytes: %d", s.Lines, s.Records, s.SkippedCount, s.Bytes)
}

func (s *Stats) skip(lineNo int, off int64, line string, reason string) {
	s.SkippedCount++
	if len(s.Skipped) >= MaxSkippedDetails {
		return
	}
	if len(line) > maxSkippedLineLen {
		line = line[:maxSkippedLineLen]
	}
	s.Skipped = append(s.Skipped, SkippedLine{
		LineNo: lineNo,
		Offset: off,
		Reason: reason,
		Line:   line,
	})
}

// ReplayReader reads records from r in order and calls fn for each valid one.
// Malformed lines are recorded in returned Stats and skipped.
// Only read errors are returned as errors.
func ReplayReader(r io.Reader, fn func(rec Record)) (*Stats, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	stats := &Stats{}
	var rec Record
	for {
		off := stats.Bytes
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return stats, fmt.Errorf("failed to read log: %w", err)
		}
		if len(line) == 0 {
			// clean end of file
			return stats, nil
		}
		stats.Bytes += int64(len(line))
		stats.Lines++
		if err != nil {
			// io.EOF without newline: partially written last line
			stats.skip(stats.Lines, off, line, "missing terminating newline")
			return stats, nil
		}
		line = line[:len(line)-1]
		if line == "" {
			stats.BlankLines++
			continue
		}
		if perr := ParseLine(line, &rec); perr != nil {
			stats.skip(stats.Lines, off, line, perr.Error())
			continue
		}
		stats.Records++
		if fn != nil {
			fn(rec)
		}
	}
}

// ReplayFile replays the log at path. Failing to open the file
// is an error, malformed content is not.
func ReplayFile(path string, fn func(rec Record)) (*Stats, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	stats, err := ReplayReader(f, fn)
	if err != nil {
		return nil, fmt.Errorf("replay of '%s' failed: %w", path, err)
	}
	return stats, nil
}

// ReplayAll returns all valid records from the log at path, in file order
func ReplayAll(path string) ([]Record, *Stats, error) {
	var res []Record
	stats, err := ReplayFile(path, func(rec Record) {
		res = append(res, rec)
	})
	if err != nil {
		return nil, nil, err
	}
	return res, stats, nil
}
