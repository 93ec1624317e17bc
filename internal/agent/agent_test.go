package agent

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestMessagesFromEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    []Message
		wantErr bool
	}{
		{
			name: "assistant text",
			line: `{"type":"assistant","message":{"content":[{"type":"text","text":"working on it"}]}}`,
			want: []Message{AssistantText{Text: "working on it"}},
		},
		{
			name: "tool use",
			line: `{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Write","input":{"file_path":"/tmp/hello.txt"}}]}}`,
			want: []Message{ToolUse{Name: "Write"}},
		},
		{
			name: "tool result error is data, not failure",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","content":"exit 1","is_error":true}]}}`,
			want: []Message{ToolResult{Content: "exit 1", IsError: true}},
		},
		{
			name: "final result",
			line: `{"type":"result","result":"all done"}`,
			want: []Message{Final{Summary: "all done"}},
		},
		{
			name: "system envelope produces nothing",
			line: `{"type":"system","subtype":"init"}`,
			want: nil,
		},
		{
			name:    "unknown envelope type",
			line:    `{"type":"banana"}`,
			wantErr: true,
		},
		{
			name:    "assistant without message body",
			line:    `{"type":"assistant"}`,
			wantErr: true,
		},
		{
			name:    "unknown content block",
			line:    `{"type":"assistant","message":{"content":[{"type":"hologram"}]}}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env streamEnvelope
			if err := json.Unmarshal([]byte(tt.line), &env); err != nil {
				t.Fatalf("test input is not valid JSON: %v", err)
			}

			msgs, err := messagesFromEnvelope(&env)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected a protocol error")
				}
				var perr *ProtocolError
				if !errors.As(err, &perr) {
					t.Fatalf("expected *ProtocolError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(msgs) != len(tt.want) {
				t.Fatalf("got %d messages, want %d", len(msgs), len(tt.want))
			}
			for i := range msgs {
				switch want := tt.want[i].(type) {
				case AssistantText:
					got := msgs[i].(AssistantText)
					if got.Text != want.Text {
						t.Errorf("text = %q, want %q", got.Text, want.Text)
					}
				case ToolUse:
					got := msgs[i].(ToolUse)
					if got.Name != want.Name {
						t.Errorf("tool name = %q, want %q", got.Name, want.Name)
					}
				case ToolResult:
					got := msgs[i].(ToolResult)
					if got.IsError != want.IsError || got.Content != want.Content {
						t.Errorf("tool result = %+v, want %+v", got, want)
					}
				case Final:
					got := msgs[i].(Final)
					if got.Summary != want.Summary {
						t.Errorf("summary = %q, want %q", got.Summary, want.Summary)
					}
				}
			}
		})
	}
}

func TestConsumeStream(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init"}`,
		`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash","input":{"command":"ls"}}]}}`,
		`{"type":"user","message":{"content":[{"type":"tool_result","content":"ok","is_error":false}]}}`,
		`{"type":"result","result":"did the thing"}`,
	}, "\n")

	inv := &CLIInvoker{Command: "agent"}
	var seen []Message
	summary, sawFinal, err := inv.consumeStream(strings.NewReader(stream), func(m Message) {
		seen = append(seen, m)
	})
	if err != nil {
		t.Fatalf("consumeStream error: %v", err)
	}
	if !sawFinal {
		t.Fatal("expected a final message")
	}
	if summary != "did the thing" {
		t.Errorf("summary = %q", summary)
	}
	if len(seen) != 3 {
		t.Errorf("saw %d messages, want 3", len(seen))
	}
}

func TestConsumeStreamMalformedJSON(t *testing.T) {
	inv := &CLIInvoker{Command: "agent"}
	_, _, err := inv.consumeStream(strings.NewReader(`{"type":"result","resu`), func(Message) {})
	var jerr *JSONError
	if !errors.As(err, &jerr) {
		t.Fatalf("expected *JSONError, got %v", err)
	}
	if jerr.Fragment == "" {
		t.Error("JSONError should retain the offending fragment")
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want string
		ok   bool
	}{
		{
			name: "bash tool",
			msg:  ToolUse{Name: "Bash", Input: json.RawMessage(`{"command":"go test ./..."}`)},
			want: "tool Bash: go test ./...",
			ok:   true,
		},
		{
			name: "write tool",
			msg:  ToolUse{Name: "Write", Input: json.RawMessage(`{"file_path":"/tmp/hello.txt"}`)},
			want: "tool Write: /tmp/hello.txt",
			ok:   true,
		},
		{
			name: "successful tool result is silent",
			msg:  ToolResult{Content: "ok"},
			ok:   false,
		},
		{
			name: "failed tool result is observed data",
			msg:  ToolResult{Content: "exit 1", IsError: true},
			want: "tool result: error (observed by agent)",
			ok:   true,
		},
		{
			name: "final",
			msg:  Final{Summary: "done"},
			want: "result: done",
			ok:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Summarize(tt.msg)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("summary = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildArgsForbidsPrompting(t *testing.T) {
	inv := NewCLIInvoker("claude", nil)
	args := inv.buildArgs(Request{
		ExecutionPrompt: "do something",
		SystemPrompt:    "be careful",
		ModelTier:       "deep",
	})

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--dangerously-skip-permissions") {
		t.Error("agent must be forbidden from prompting for confirmations")
	}
	if !strings.Contains(joined, "--model opus") {
		t.Errorf("deep tier should map to the opus model, args: %s", joined)
	}
	if !strings.Contains(joined, "--system-prompt be careful") {
		t.Errorf("missing system prompt, args: %s", joined)
	}
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	for _, l := range []string{"a", "b", "c", "d", "e"} {
		tb.Add(l)
	}
	if got := tb.String(); got != "c\nd\ne" {
		t.Errorf("tail = %q, want last 3 lines", got)
	}
}
