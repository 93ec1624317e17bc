// Package logsink owns the per-task log files: an append-only summary log
// of notable events and a detailed log of full agent message payloads.
// Every write ends in a newline and the closer runs exactly once per task.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Summary event tags. Each summary line is `{tag} [{timestamp}] {text}`.
const (
	TagStart    = "🚀"
	TagInfo     = "📝"
	TagTool     = "🔧"
	TagRetry    = "🔁"
	TagWarn     = "⚠️"
	TagDone     = "✅"
	TagFail     = "❌"
	TagSkip     = "⏭️"
	TagCancel   = "🛑"
	TagRecovery = "🔄"
)

// Sink is the pair of append-only writers for one task.
type Sink struct {
	mu        sync.Mutex
	summary   *os.File
	detailed  *os.File
	closeOnce sync.Once
	closeErr  error
}

// Open opens (creating if needed) the task's summary and detailed logs in
// append mode. File descriptors belong to this Sink alone.
func Open(summaryPath, detailedPath string) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(summaryPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}

	sf, err := os.OpenFile(summaryPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening summary log: %w", err)
	}

	df, err := os.OpenFile(detailedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		sf.Close()
		return nil, fmt.Errorf("opening detailed log: %w", err)
	}

	return &Sink{summary: sf, detailed: df}, nil
}

// Summary writes one tagged, timestamped line to the summary log and
// returns the line as written (without the trailing newline) so callers can
// mirror it into the last_action cache.
func (s *Sink) Summary(tag, text string) string {
	line := fmt.Sprintf("%s [%s] %s", tag, time.Now().UTC().Format("15:04:05"), oneLine(text))

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.summary, line)
	return line
}

// Detail writes one line to the detailed log. Multi-line payloads are
// written as-is with a guaranteed trailing newline.
func (s *Sink) Detail(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasSuffix(text, "\n") {
		fmt.Fprint(s.detailed, text)
	} else {
		fmt.Fprintln(s.detailed, text)
	}
}

// Detailf formats into the detailed log.
func (s *Sink) Detailf(format string, args ...any) {
	s.Detail(fmt.Sprintf(format, args...))
}

// Header writes the execution header to both logs.
func (s *Sink) Header(taskID int64, workingDir, tier, systemPrompt, executionPrompt string, timeout time.Duration) {
	s.Summary(TagStart, fmt.Sprintf("task %d started (tier=%s dir=%s)", taskID, tier, workingDir))
	s.Summary(TagInfo, preview(executionPrompt, 100))

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.detailed, strings.Repeat("=", 80))
	fmt.Fprintf(s.detailed, "TASK %d EXECUTION LOG\n", taskID)
	fmt.Fprintln(s.detailed, strings.Repeat("=", 80))
	fmt.Fprintf(s.detailed, "Start Time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(s.detailed, "Working Directory: %s\n", workingDir)
	fmt.Fprintf(s.detailed, "Model Tier: %s\n", tier)
	fmt.Fprintf(s.detailed, "Timeout: %s\n", timeout)
	if systemPrompt != "" {
		fmt.Fprintf(s.detailed, "System Prompt: %s\n", systemPrompt)
	}
	fmt.Fprintf(s.detailed, "Execution Prompt:\n%s\n", executionPrompt)
	fmt.Fprintln(s.detailed, strings.Repeat("-", 80))
}

// Close closes both files. Safe to call multiple times; only the first
// call does work.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		serr := s.summary.Close()
		derr := s.detailed.Close()
		if serr != nil {
			s.closeErr = serr
		} else {
			s.closeErr = derr
		}
	})
	return s.closeErr
}

// oneLine collapses newlines so a summary entry is always a single line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// preview truncates s for summary readability.
func preview(s string, n int) string {
	s = oneLine(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
