package u

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// NormalizeNewlines converts CRLF and CR line endings to LF
func NormalizeNewlines(d []byte) []byte {
	d = bytes.ReplaceAll(d, []byte{'\r', '\n'}, []byte{'\n'})
	return bytes.ReplaceAll(d, []byte{'\r'}, []byte{'\n'})
}

// ExpandTildeInPath replaces leading ~ with user's home directory
func ExpandTildeInPath(s string) (string, error) {
	if !strings.HasPrefix(s, "~") {
		return s, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return dir + s[1:], nil
}

// ParseEnv parses .env style content: KEY=value lines, # starts a comment
func ParseEnv(d []byte) (map[string]string, error) {
	s := string(NormalizeNewlines(d))
	lines := strings.Split(s, "\n")
	m := make(map[string]string)
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid line %d '%s' in .env", i+1, line)
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)
		m[key] = val
	}
	return m, nil
}
