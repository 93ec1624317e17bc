// Package classify maps agent invocation failures onto a closed kind set
// and decides whether each failure is transient. Classification is a pure
// function over the error value so it can be tested against synthetic
// inputs; environment probing lives in the agent package and is attached
// as debug context only.
package classify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/taskd/internal/agent"
	"github.com/aristath/taskd/internal/breaker"
)

// Kind is one of the closed set of failure kinds.
type Kind string

const (
	KindAgentMissing    Kind = "AgentMissing"
	KindAgentConnect    Kind = "AgentConnect"
	KindAgentProtocol   Kind = "AgentProtocol"
	KindAgentJSON       Kind = "AgentJson"
	KindAgentProcess    Kind = "AgentProcess"
	KindRateLimit       Kind = "RateLimit"
	KindInternalTimeout Kind = "InternalTimeout"
	KindBreakerOpen     Kind = "BreakerOpen"
	KindAgentGeneric    Kind = "AgentGeneric"
)

// Record is the classification outcome.
type Record struct {
	Kind         Kind
	Transient    bool
	HTTPStatus   int
	Description  string
	RecoveryHint string
	DebugContext string
}

// ClassifiedError carries a Record alongside the original error. Classify
// returns the embedded record unchanged when handed one of these, which
// makes classification idempotent.
type ClassifiedError struct {
	Record Record
	Err    error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Record.Kind, e.Record.Description)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Wrap classifies err and returns it wrapped with its record.
func Wrap(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	return &ClassifiedError{Record: Classify(err), Err: err}
}

var (
	rateLimitRe = regexp.MustCompile(`(?i)rate.?limit|\b429\b`)
	transientRe = regexp.MustCompile(`(?i)timeout|connection|network|temporary|unavailable`)
)

// Exit codes that indicate the process was killed by timeout or signal
// rather than failing on its own: 124 timeout, 137 SIGKILL, 143 SIGTERM.
var transientExitCodes = map[int]bool{124: true, 137: true, 143: true}

// Classify maps an error to its failure record. It is deterministic and
// side-effect free; classifying an already-classified error returns the
// identical record.
func Classify(err error) Record {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Record
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Record{
			Kind:         KindInternalTimeout,
			Transient:    true,
			HTTPStatus:   504,
			Description:  "task exceeded its timeout budget",
			RecoveryHint: "resubmit with a deeper model tier or a smaller task",
		}
	}

	if errors.Is(err, breaker.ErrOpen) {
		return Record{
			Kind:         KindBreakerOpen,
			Transient:    false,
			HTTPStatus:   503,
			Description:  "circuit breaker is open for the agent dependency",
			RecoveryHint: "wait for the breaker cooldown to elapse, then resubmit",
		}
	}

	var notFound *agent.NotFoundError
	if errors.As(err, &notFound) {
		return Record{
			Kind:         KindAgentMissing,
			Transient:    false,
			HTTPStatus:   503,
			Description:  notFound.Error(),
			RecoveryHint: "install the agent CLI and ensure it is on PATH",
		}
	}

	// An explicit rate-limit signal anywhere in the error text overrides
	// the structural kinds: the retry controller applies a long fixed wait.
	if rateLimitRe.MatchString(errorText(err)) {
		return Record{
			Kind:         KindRateLimit,
			Transient:    true,
			HTTPStatus:   429,
			Description:  "agent reported a rate limit",
			RecoveryHint: "the task will be retried after a fixed delay",
		}
	}

	var connErr *agent.ConnectError
	if errors.As(err, &connErr) {
		return Record{
			Kind:         KindAgentConnect,
			Transient:    true,
			HTTPStatus:   502,
			Description:  connErr.Error(),
			RecoveryHint: "verify the agent CLI is authenticated and responsive",
		}
	}

	var jsonErr *agent.JSONError
	if errors.As(err, &jsonErr) {
		transient := looksTruncated(jsonErr)
		return Record{
			Kind:         KindAgentJSON,
			Transient:    transient,
			HTTPStatus:   502,
			Description:  jsonErr.Error(),
			RecoveryHint: "retry; if persistent, update the agent CLI",
		}
	}

	var procErr *agent.ProcessError
	if errors.As(err, &procErr) {
		transient := transientExitCodes[procErr.ExitCode] || transientRe.MatchString(procErr.Stderr)
		return Record{
			Kind:         KindAgentProcess,
			Transient:    transient,
			HTTPStatus:   500,
			Description:  procErr.Error(),
			RecoveryHint: "check the detailed log's stderr tail for the root cause",
		}
	}

	var protoErr *agent.ProtocolError
	if errors.As(err, &protoErr) {
		return Record{
			Kind:         KindAgentProtocol,
			Transient:    false,
			HTTPStatus:   502,
			Description:  protoErr.Error(),
			RecoveryHint: "check compatibility between the service and the agent CLI version",
		}
	}

	// Network-looking text in an otherwise untyped error is worth a retry.
	if transientRe.MatchString(errorText(err)) {
		return Record{
			Kind:         KindAgentConnect,
			Transient:    true,
			HTTPStatus:   502,
			Description:  errorText(err),
			RecoveryHint: "verify network connectivity and agent authentication",
		}
	}

	return Record{
		Kind:         KindAgentGeneric,
		Transient:    false,
		HTTPStatus:   500,
		Description:  errorText(err),
		RecoveryHint: "review the detailed log for the full error context",
	}
}

// FormatMessage renders the user-visible error_message for a failed task:
// `[{kind}] {one-line description} | hint: {recovery_hint}`.
func FormatMessage(r Record) string {
	desc := r.Description
	if i := strings.IndexByte(desc, '\n'); i >= 0 {
		desc = desc[:i]
	}
	return fmt.Sprintf("[%s] %s | hint: %s", r.Kind, desc, r.RecoveryHint)
}

// looksTruncated decides whether a JSON framing failure was caused by a
// truncated fragment (transient stream interruption) rather than
// structurally malformed output.
func looksTruncated(e *agent.JSONError) bool {
	msg := strings.ToLower(e.Err.Error())
	if strings.Contains(msg, "unexpected end of json input") {
		return true
	}
	frag := strings.TrimSpace(e.Fragment)
	return frag != "" && !strings.HasSuffix(frag, "}")
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
