package agent

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Diagnostics captures environmental signals around a failed invocation.
// It is descriptive only: nothing here may influence error classification.
type Diagnostics struct {
	Command       string
	BinaryPresent bool
	BinaryPath    string
	WorkingDirOK  bool
	PathEntries   []string
}

// Diagnose probes the environment for an agent command and working
// directory. Safe to call on any failure path.
func Diagnose(command, workingDir string) Diagnostics {
	d := Diagnostics{Command: command}

	if path, err := exec.LookPath(command); err == nil {
		d.BinaryPresent = true
		d.BinaryPath = path
	}

	if info, err := os.Stat(workingDir); err == nil && info.IsDir() {
		d.WorkingDirOK = true
	}

	// Only PATH entries plausibly holding the agent are worth recording.
	for _, entry := range filepath.SplitList(os.Getenv("PATH")) {
		if entry == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(entry, command)); err == nil {
			d.PathEntries = append(d.PathEntries, entry)
		}
	}

	return d
}

// String renders the diagnostics as a block for the detailed log.
func (d Diagnostics) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "agent binary: %s (present=%v", d.Command, d.BinaryPresent)
	if d.BinaryPath != "" {
		fmt.Fprintf(&b, " at %s", d.BinaryPath)
	}
	b.WriteString(")\n")
	fmt.Fprintf(&b, "working directory ok: %v\n", d.WorkingDirOK)
	if len(d.PathEntries) > 0 {
		fmt.Fprintf(&b, "candidate PATH entries: %s\n", strings.Join(d.PathEntries, string(os.PathListSeparator)))
	}
	return b.String()
}
