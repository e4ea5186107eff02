// Package kvcli implements a line-oriented command protocol over a key/value store.
//
// One command per line:
//
//	SET <key> <value...>   => OK
//	GET <key>              => value or NULL
//	EXIT                   => stops reading
//
// Unknown commands and empty lines produce no output. Failed commands
// print ERROR and the session continues.
//
// A key set to the value NULL prints the same as a missing key. Every
// single-line string is a valid value so no token is safe from this.
// Clients that store such values should set Session.NotFound to a token
// they never store, or call Store.Get which reports found separately.
package kvcli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kjk/kvstore/log"
)

const (
	DefaultNotFound   = "NULL"
	DefaultErrorToken = "ERROR"
	okToken           = "OK"
)

// Store is implemented by *kvtable.Table
type Store interface {
	Set(key string, value string) error
	Get(key string) (string, bool, error)
}

type Session struct {
	Store Store
	// printed by GET for missing keys, DefaultNotFound if empty.
	// A stored value equal to NotFound is indistinguishable from it
	NotFound string
	// printed when a command fails, DefaultErrorToken if empty
	ErrorToken string

	// number of commands executed, for diagnostics
	NumCommands int
	NumErrors   int
}

// Command is a parsed input line
type Command struct {
	// upper-cased: SET, GET, EXIT or "" for lines we ignore
	Name  string
	Key   string
	Value string
}

// ParseCommand parses a single line without the line terminator
func ParseCommand(line string) Command {
	line = strings.TrimLeft(line, " \t")
	if line == "" {
		return Command{}
	}
	name, rest, _ := strings.Cut(line, " ")
	switch strings.ToUpper(name) {
	case "SET":
		if rest == "" {
			return Command{}
		}
		// SET <key> with no value sets an empty value
		key, value, _ := strings.Cut(rest, " ")
		return Command{Name: "SET", Key: key, Value: value}
	case "GET":
		if rest == "" {
			return Command{}
		}
		// keys can't contain spaces so "GET a b" is rejected by the store
		return Command{Name: "GET", Key: strings.TrimRight(rest, " \t")}
	case "EXIT":
		if strings.TrimSpace(rest) != "" {
			return Command{}
		}
		return Command{Name: "EXIT"}
	}
	return Command{}
}

func (s *Session) notFound() string {
	if s.NotFound == "" {
		return DefaultNotFound
	}
	return s.NotFound
}

func (s *Session) errorToken() string {
	if s.ErrorToken == "" {
		return DefaultErrorToken
	}
	return s.ErrorToken
}

// Exec executes cmd and returns the response line (without newline).
// ok is false if there's nothing to print
func (s *Session) Exec(cmd Command) (resp string, ok bool) {
	switch cmd.Name {
	case "SET":
		s.NumCommands++
		if err := s.Store.Set(cmd.Key, cmd.Value); err != nil {
			s.NumErrors++
			log.Logf("SET failed: %s\n", err)
			return s.errorToken(), true
		}
		return okToken, true
	case "GET":
		s.NumCommands++
		v, found, err := s.Store.Get(cmd.Key)
		if err != nil {
			s.NumErrors++
			log.Logf("GET failed: %s\n", err)
			return s.errorToken(), true
		}
		if !found {
			return s.notFound(), true
		}
		return v, true
	}
	return "", false
}

// Run executes commands read from r and writes responses to w until
// EXIT or end of input. Returns an error only if reading or writing fails
func (s *Session) Run(r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)
	for {
		line, err := br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read command: %w", err)
		}
		atEOF := err != nil
		if line == "" && atEOF {
			return nil
		}
		line = strings.TrimRight(line, "\r\n")
		cmd := ParseCommand(line)
		if cmd.Name == "EXIT" {
			return nil
		}
		resp, ok := s.Exec(cmd)
		if ok {
			bw.WriteString(resp)
			bw.WriteByte('\n')
			// the other side waits for the response before sending next command
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("failed to write response: %w", err)
			}
		}
		if atEOF {
			return nil
		}
	}
}
