package logsink

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestGeneratePaths(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	tests := []struct {
		name       string
		workingDir string
		wantCtx    string
	}{
		{"simple basename", "/home/user/myproject", "myproject"},
		{"special characters replaced", "/srv/My App (v2)!", "my_app_v2"},
		{"root directory", "/", "root"},
		{"long name truncated", "/x/" + strings.Repeat("a", 60), strings.Repeat("a", 40)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary, detailed := GeneratePaths("/logs", 42, tt.workingDir, now)

			wantSummary := filepath.Join("/logs", "task_42_"+tt.wantCtx+"_20250314_0926_summary.log")
			if summary != wantSummary {
				t.Errorf("summary path = %q, want %q", summary, wantSummary)
			}
			if !strings.HasSuffix(detailed, "_detailed.log") {
				t.Errorf("detailed path = %q, want _detailed.log suffix", detailed)
			}
			if filepath.Base(summary) == filepath.Base(detailed) {
				t.Error("summary and detailed filenames must differ")
			}
		})
	}
}

func TestSanitizeContextBounds(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello", "hello"},
		{"Hello World", "hello_world"},
		{"a--b__c", "a_b_c"},
		{"", "unknown"},
		{"///", "unknown"},
	}

	for _, tt := range tests {
		if got := sanitizeContext(tt.in); got != tt.want {
			t.Errorf("sanitizeContext(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func openTestSink(t *testing.T) (*Sink, string, string) {
	t.Helper()
	dir := t.TempDir()
	summary := filepath.Join(dir, "summary.log")
	detailed := filepath.Join(dir, "detailed.log")
	sink, err := Open(summary, detailed)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { sink.Close() })
	return sink, summary, detailed
}

func TestSummaryLinesEndInNewline(t *testing.T) {
	sink, summaryPath, _ := openTestSink(t)

	sink.Summary(TagTool, "Write: /tmp/hello.txt")
	sink.Summary(TagDone, "task completed\nwith embedded newline")

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(summaryPath)
	if err != nil {
		t.Fatalf("reading summary: %v", err)
	}
	content := string(data)

	if !strings.HasSuffix(content, "\n") {
		t.Error("summary log must end in a newline")
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d summary lines, want 2:\n%s", len(lines), content)
	}
	if !strings.Contains(lines[0], "Write: /tmp/hello.txt") {
		t.Errorf("unexpected first line: %q", lines[0])
	}
	// Embedded newlines are collapsed: a summary entry is one line.
	if !strings.Contains(lines[1], "task completed with embedded newline") {
		t.Errorf("embedded newline not collapsed: %q", lines[1])
	}
}

func TestDetailNewlineGuarantee(t *testing.T) {
	sink, _, detailedPath := openTestSink(t)

	sink.Detail("no trailing newline")
	sink.Detail("has trailing newline\n")

	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	data, err := os.ReadFile(detailedPath)
	if err != nil {
		t.Fatalf("reading detailed: %v", err)
	}
	want := "no trailing newline\nhas trailing newline\n"
	if string(data) != want {
		t.Errorf("detailed content = %q, want %q", string(data), want)
	}
}

func TestCloseIdempotent(t *testing.T) {
	sink, _, _ := openTestSink(t)

	if err := sink.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close() should be a no-op, got: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")

	sink, err := Open(filepath.Join(nested, "s.log"), filepath.Join(nested, "d.log"))
	if err != nil {
		t.Fatalf("Open() with missing parent dirs: %v", err)
	}
	sink.Close()

	if _, err := os.Stat(filepath.Join(nested, "s.log")); err != nil {
		t.Errorf("summary log not created: %v", err)
	}
}
