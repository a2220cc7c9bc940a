package agentproc

import (
	"strconv"
	"strings"
)

const trailerMarker = "exit code: "

// IsTrailer reports whether line is the synthetic terminal line of a stream.
func IsTrailer(line string) bool {
	return (strings.HasPrefix(line, "completed, ") || strings.HasPrefix(line, "failed, ")) &&
		strings.Contains(line, trailerMarker)
}

// ParseExitCode extracts the exit code from a trailer line. Unparseable input
// yields 0 so a formatting glitch never masks an otherwise-successful run.
func ParseExitCode(line string) int {
	idx := strings.LastIndex(line, trailerMarker)
	if idx < 0 {
		return 0
	}
	code, err := strconv.Atoi(strings.TrimSpace(line[idx+len(trailerMarker):]))
	if err != nil {
		return 0
	}
	return code
}

// Quote wraps s in single quotes for use as one shell word.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
