package main

import (
	"io"
	"os"

	"github.com/kjk/kvstore/log"
)

// run executes the command line and returns process exit code
func run(args []string, stdin io.Reader, stdout io.Writer, stderr io.Writer) int {
	// PersistentPostRun is skipped when a command fails
	defer log.Close()

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetIn(stdin)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
