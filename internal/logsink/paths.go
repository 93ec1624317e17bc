package logsink

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// maxContextLen bounds the sanitized working-directory slug inside log
// filenames so generated names stay well under platform limits.
const maxContextLen = 40

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]+`)

// sanitizeContext converts an arbitrary string into a safe filename
// component: non-alphanumeric runs become single underscores, the result is
// lowercased and truncated to maxContextLen.
func sanitizeContext(s string) string {
	s = nonAlnum.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		s = "unknown"
	}
	if len(s) > maxContextLen {
		s = strings.TrimRight(s[:maxContextLen], "_")
	}
	return strings.ToLower(s)
}

// contextSlug derives the filename context from a working directory: its
// basename, sanitized.
func contextSlug(workingDir string) string {
	base := filepath.Base(filepath.Clean(workingDir))
	if base == "." || base == string(filepath.Separator) {
		base = "root"
	}
	return sanitizeContext(base)
}

// GeneratePaths computes the summary and detailed log paths for a task.
// The paths embed the task id, the working-directory context slug, and a
// minute-resolution timestamp; they are generated once at task insert and
// never rewritten.
func GeneratePaths(dir string, taskID int64, workingDir string, now time.Time) (summary, detailed string) {
	stamp := now.Format("20060102_1504")
	ctx := contextSlug(workingDir)
	summary = filepath.Join(dir, fmt.Sprintf("task_%d_%s_%s_summary.log", taskID, ctx, stamp))
	detailed = filepath.Join(dir, fmt.Sprintf("task_%d_%s_%s_detailed.log", taskID, ctx, stamp))
	return summary, detailed
}
