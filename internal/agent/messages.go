package agent

import (
	"encoding/json"
	"fmt"
)

// Message is the tagged union of structured messages streamed by the agent.
type Message interface {
	message()
}

// UserText is a user-role text message echoed into the stream.
type UserText struct {
	Text string
}

// AssistantText is a text block produced by the agent.
type AssistantText struct {
	Text string
}

// ToolUse is an agent tool invocation with its raw input payload.
type ToolUse struct {
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of a tool invocation as observed by the agent.
// A tool-level error is agent-observed data, not an invocation failure.
type ToolResult struct {
	Content string
	IsError bool
}

// Final carries the agent's closing summary.
type Final struct {
	Summary string
}

func (UserText) message()      {}
func (AssistantText) message() {}
func (ToolUse) message()       {}
func (ToolResult) message()    {}
func (Final) message()         {}

// Summarize renders a one-line human-readable summary of a message for the
// summary log. The second return is false for messages that should not
// produce a summary line.
func Summarize(m Message) (string, bool) {
	switch v := m.(type) {
	case ToolUse:
		return summarizeToolUse(v), true
	case ToolResult:
		if v.IsError {
			return "tool result: error (observed by agent)", true
		}
		return "", false
	case AssistantText:
		return "text: " + truncate(v.Text, 100), true
	case Final:
		return "result: " + truncate(v.Summary, 100), true
	default:
		return "", false
	}
}

// summarizeToolUse extracts the most meaningful input field per tool.
func summarizeToolUse(t ToolUse) string {
	var input map[string]any
	if err := json.Unmarshal(t.Input, &input); err != nil {
		input = nil
	}

	field := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := input[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	var detail string
	switch t.Name {
	case "Bash":
		detail = field("command")
	case "Read", "Write", "Edit", "MultiEdit":
		detail = field("file_path")
	case "Grep", "Glob":
		detail = field("pattern")
	case "LS":
		detail = field("path")
	case "WebSearch":
		detail = field("query")
	case "WebFetch":
		detail = field("url")
	default:
		detail = truncate(string(t.Input), 80)
	}

	if detail == "" {
		return fmt.Sprintf("tool %s", t.Name)
	}
	return fmt.Sprintf("tool %s: %s", t.Name, truncate(detail, 100))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
