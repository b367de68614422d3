package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// truncate shortens output longer than OutputLimit to its head and tail and
// saves the full text to a file, whose path is returned.
func (s *Scheduler) truncate(req Request, output string) (string, string) {
	limit := s.opts.OutputLimit
	if limit <= 0 || len(output) <= limit {
		return output, ""
	}

	dir := s.opts.OutputDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "codeclaw-output")
	}
	name := unsafeFileChars.ReplaceAllString(fmt.Sprintf("%s_%s_%s.txt", s.id, req.Name, req.CallID), "_")
	path := filepath.Join(dir, name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.logger.Warn("Failed to create tool output dir", "dir", dir, "error", err)
		path = ""
	} else if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		s.logger.Warn("Failed to save tool output", "path", path, "error", err)
		path = ""
	}

	head := limit / 5
	tail := limit - head
	omitted := len(output) - head - tail
	note := fmt.Sprintf("\n\n... [%d characters truncated] ...\n\n", omitted)
	if path != "" {
		note = fmt.Sprintf("\n\n... [%d characters truncated; full output saved to %s] ...\n\n", omitted, path)
	}
	return strings.ToValidUTF8(output[:head], "") + note + strings.ToValidUTF8(output[len(output)-tail:], ""), path
}
