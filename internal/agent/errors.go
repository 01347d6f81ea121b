package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations.
var (
	// ErrAborted indicates the run was cancelled, either by abort or by the
	// ambient caller context.
	ErrAborted = errors.New("operation aborted")

	// ErrNoProvider indicates no streaming function is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrRunNotFound indicates an abort targeted an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrSubagentSpawnRejected indicates a spawn attempt from within a
	// subagent session.
	ErrSubagentSpawnRejected = errors.New("subagent sessions cannot spawn subagents")
)

// Phase identifies where in the run lifecycle an error occurred.
type Phase string

const (
	PhaseInit    Phase = "init"
	PhaseStream  Phase = "stream"
	PhaseTools   Phase = "execute_tools"
	PhasePersist Phase = "persist"
	PhaseCompact Phase = "compact"
)

// RunError wraps a failure with the phase and turn it happened in.
type RunError struct {
	Phase Phase
	Turn  int
	Cause error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("run failed at %s (turn %d): %v", e.Phase, e.Turn, e.Cause)
	}
	return fmt.Sprintf("run failed at %s (turn %d)", e.Phase, e.Turn)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error { return e.Cause }

func runError(phase Phase, turn int, cause error) *RunError {
	return &RunError{Phase: phase, Turn: turn, Cause: cause}
}

// rateLimitMarkers match the provider error messages that warrant a retry.
var rateLimitMarkers = []string{"429", "rate limit", "too many requests", "quota"}

// overflowMarkers match provider errors caused by an over-long context.
var overflowMarkers = []string{"context length", "too long", "maximum context"}

// IsRateLimit reports whether the error looks like a transient rate limit.
func IsRateLimit(err error) bool {
	return matchesAnyMarker(err, rateLimitMarkers)
}

// IsContextOverflow reports whether the error indicates the request exceeded
// the model's context window.
func IsContextOverflow(err error) bool {
	return matchesAnyMarker(err, overflowMarkers)
}

func matchesAnyMarker(err error, markers []string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range markers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// isCancellation reports whether the error stems from context cancellation.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrAborted)
}

// errorKind maps an error to the kind string carried by agent_error events.
func errorKind(err error) string {
	switch {
	case isCancellation(err):
		return "cancelled"
	case IsRateLimit(err):
		return "rate_limit"
	case IsContextOverflow(err):
		return "context_overflow"
	default:
		var re *RunError
		if errors.As(err, &re) {
			return string(re.Phase)
		}
		return "internal"
	}
}
