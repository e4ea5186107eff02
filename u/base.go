package u

import (
	"fmt"
	"runtime"
)

// PanicIf panics if cond is true. args[0] is a format string
// for the rest of args
func PanicIf(cond bool, args ...any) {
	if !cond {
		return
	}
	s := "condition failed"
	if len(args) > 0 {
		s = fmt.Sprintf("%s", args[0])
		if len(args) > 1 {
			s = fmt.Sprintf(s, args[1:]...)
		}
	}
	panic(s)
}

func IsWindows() bool {
	return runtime.GOOS == "windows"
}
