// Package agent spawns the external coding agent CLI per task and streams
// its structured message log back to the caller.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
)

// Request describes one agent invocation.
type Request struct {
	WorkingDir      string
	SystemPrompt    string
	ExecutionPrompt string
	ModelTier       string
}

// Invoker runs the agent once and streams each parsed message to onMessage.
// It returns the agent's final textual summary on a clean exit.
type Invoker interface {
	Invoke(ctx context.Context, req Request, onMessage func(Message)) (string, error)
}

// modelForTier maps abstract tiers to the agent CLI's model names.
var modelForTier = map[string]string{
	"fast":     "haiku",
	"balanced": "sonnet",
	"deep":     "opus",
}

// CLIInvoker invokes the agent command-line tool with stream-json output.
type CLIInvoker struct {
	Command string
	ProcMgr *ProcessManager
}

// NewCLIInvoker creates an invoker for the given agent binary. The
// ProcessManager is optional; if nil, subprocesses are not tracked for
// shutdown kill-all.
func NewCLIInvoker(command string, pm *ProcessManager) *CLIInvoker {
	return &CLIInvoker{Command: command, ProcMgr: pm}
}

// streamEnvelope is one line of the agent's stream-json output.
type streamEnvelope struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
	Message *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
	ToolUseID string          `json:"tool_use_id"`
}

// Invoke spawns the agent, streams its messages, and returns the final
// summary. Confirmation prompts are disabled so the run is fully headless.
func (c *CLIInvoker) Invoke(ctx context.Context, req Request, onMessage func(Message)) (string, error) {
	if _, err := exec.LookPath(c.Command); err != nil {
		return "", &NotFoundError{Command: c.Command}
	}

	args := c.buildArgs(req)
	cmd := newCommand(ctx, c.Command, args...)
	cmd.Dir = req.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", &ConnectError{Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", &ConnectError{Err: err}
	}

	if err := cmd.Start(); err != nil {
		return "", &ConnectError{Err: err}
	}
	if c.ProcMgr != nil {
		c.ProcMgr.Track(cmd)
		defer c.ProcMgr.Untrack(cmd)
	}

	// Drain stderr concurrently, keeping a bounded tail for diagnostics.
	// Both pipes must be fully drained before cmd.Wait.
	var wg sync.WaitGroup
	tail := newTailBuffer(20)
	wg.Add(1)
	go func() {
		defer wg.Done()
		drainLines(stderr, tail.Add)
	}()

	finalSummary, sawFinal, streamErr := c.consumeStream(stdout, onMessage)

	// If the stream was abandoned early, keep draining so Wait can't block
	// on a full pipe.
	_, _ = io.Copy(io.Discard, stdout)
	wg.Wait()
	waitErr := cmd.Wait()

	// The per-task deadline and explicit cancel surface as context errors,
	// not process errors.
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return "", &ProcessError{ExitCode: exitErr.ExitCode(), Stderr: tail.String()}
		}
		return "", &ConnectError{Err: waitErr}
	}

	if streamErr != nil {
		return "", streamErr
	}
	if !sawFinal {
		return "", &ProtocolError{Detail: "stream ended without a result message"}
	}

	return finalSummary, nil
}

// consumeStream parses the agent's stdout line by line, forwarding each
// recognized message. Returns the final summary once a result envelope is
// seen.
func (c *CLIInvoker) consumeStream(r io.Reader, onMessage func(Message)) (summary string, sawFinal bool, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var env streamEnvelope
		if jerr := json.Unmarshal(line, &env); jerr != nil {
			return "", false, &JSONError{Fragment: string(line), Err: jerr}
		}

		msgs, perr := messagesFromEnvelope(&env)
		if perr != nil {
			return "", false, perr
		}
		for _, m := range msgs {
			if f, ok := m.(Final); ok {
				summary = f.Summary
				sawFinal = true
			}
			onMessage(m)
		}
	}

	if serr := scanner.Err(); serr != nil {
		return "", false, &ConnectError{Err: serr}
	}
	return summary, sawFinal, nil
}

// messagesFromEnvelope converts one stream envelope into zero or more
// messages of the tagged union.
func messagesFromEnvelope(env *streamEnvelope) ([]Message, error) {
	switch env.Type {
	case "system":
		// Init/config chatter carries no task-visible content.
		return nil, nil
	case "result":
		return []Message{Final{Summary: env.Result}}, nil
	case "assistant", "user":
		if env.Message == nil {
			return nil, &ProtocolError{Detail: fmt.Sprintf("%s envelope without message body", env.Type)}
		}
		var msgs []Message
		for _, block := range env.Message.Content {
			switch block.Type {
			case "text":
				if env.Type == "user" {
					msgs = append(msgs, UserText{Text: block.Text})
				} else {
					msgs = append(msgs, AssistantText{Text: block.Text})
				}
			case "tool_use":
				msgs = append(msgs, ToolUse{Name: block.Name, Input: block.Input})
			case "tool_result":
				msgs = append(msgs, ToolResult{Content: flattenContent(block.Content), IsError: block.IsError})
			case "thinking":
				// Internal reasoning is not surfaced.
			default:
				return nil, &ProtocolError{Detail: fmt.Sprintf("unknown content block type %q", block.Type)}
			}
		}
		return msgs, nil
	default:
		return nil, &ProtocolError{Detail: fmt.Sprintf("unknown envelope type %q", env.Type)}
	}
}

// flattenContent renders a tool_result content payload (string or block
// list) as plain text.
func flattenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

// buildArgs constructs the CLI arguments. The permission bypass is what
// makes the run fire-and-forget: the agent must never stop to ask.
func (c *CLIInvoker) buildArgs(req Request) []string {
	args := []string{
		"-p", req.ExecutionPrompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--session-id", uuid.NewString(),
	}
	if model, ok := modelForTier[req.ModelTier]; ok {
		args = append(args, "--model", model)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--system-prompt", req.SystemPrompt)
	}
	return args
}

// drainLines reads r line by line, passing each line to fn.
func drainLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}
