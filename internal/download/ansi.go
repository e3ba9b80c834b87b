package download

import (
	"bytes"
	"regexp"
	"strings"
)

var ansiEscape = regexp.MustCompile(`\x1b(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI removes terminal escape sequences from one line of child output.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// scanTerminalLines is a bufio split function that breaks on carriage
// returns as well as newlines, so progress bars that rewrite themselves
// with \r surface as individual lines.
func scanTerminalLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// noiseLine reports progress-bar chatter that should not reach clients:
// blank lines, percent gauges, and the SDK's per-file "Downloading" bars.
func noiseLine(s string) bool {
	return s == "" || strings.HasPrefix(s, "%") || strings.Contains(s, "Downloading")
}
