package main

import (
	"bytes"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/spf13/cobra"

	"github.com/kjk/kvstore/logstore"
)

var errLogsDiffer = errors.New("logs differ")

// dumpLog replays the log at path and returns its final state in log
// format, sorted by key. Unlike kvtable.Load it doesn't create the file
func dumpLog(path string) (string, error) {
	m := map[string]string{}
	_, err := logstore.ReplayFile(path, func(rec logstore.Record) {
		m[rec.Key] = rec.Value
	})
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	for _, k := range slices.Sorted(maps.Keys(m)) {
		d, err := logstore.MarshalRecord(logstore.Record{Key: k, Value: m[k]})
		if err != nil {
			return "", err
		}
		buf.Write(d)
	}
	return buf.String(), nil
}

func diffLogs(pathA string, pathB string) (string, error) {
	a, err := dumpLog(pathA)
	if err != nil {
		return "", err
	}
	b, err := dumpLog(pathB)
	if err != nil {
		return "", err
	}
	if a == b {
		return "", nil
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a),
		B:        difflib.SplitLines(b),
		FromFile: pathA,
		ToFile:   pathB,
		Context:  1,
	}
	return difflib.GetUnifiedDiffString(diff)
}

func newDiffCmd(cfg *config) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <other-log>",
		Short: "Compare final keys and values of the log with another log, e.g. a restored backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := diffLogs(cfg.DBPath, args[0])
			if err != nil {
				return err
			}
			if s == "" {
				fmt.Fprintf(cmd.OutOrStdout(), "'%s' and '%s' have the same content\n", cfg.DBPath, args[0])
				return nil
			}
			fmt.Fprint(cmd.OutOrStdout(), s)
			return errLogsDiffer
		},
	}
}
