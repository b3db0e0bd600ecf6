package bridge

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

// Commands understood by the engine side of the subprocess protocol.
const (
	CommandAnonymize        = "anonymize_student"
	CommandParse            = "parse_tma"
	CommandGenerateFeedback = "generate_feedback"
	CommandQueryEvents      = "query_events"
	CommandHealthCheck      = "health_check"
	CommandPoolHealth       = "pool_health"
)

// request is one framed call. Data carries the command-specific payload.
type request struct {
	RequestID string          `json:"request_id"`
	Command   string          `json:"command"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// response answers exactly one request, matched by RequestID. Responses may
// arrive out of order; the id is the only correlation.
type response struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *wireError      `json:"error,omitempty"`
}

// Error kinds carried across the process boundary so the caller keeps its
// sentinel taxonomy (and its retry policy) on both transports.
const (
	errKindInvalid        = "invalid_request"
	errKindQueueFull      = "queue_full"
	errKindModelNotLoaded = "model_not_loaded"
	errKindInference      = "inference_error"
	errKindInternal       = "internal"
	// errKindUnavailable is synthesized locally when the child dies with
	// calls in flight; the child never sends it.
	errKindUnavailable = "unavailable"
)

type wireError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Validation failures are the caller's fault and must never be retried, so
// they keep their kind across the boundary.
var validationSentinels = []error{
	sandbox.ErrInvalidRequest,
	engine.ErrEmptyStudentID,
	engine.ErrEmptyModuleCode,
	engine.ErrInvalidQuestion,
	engine.ErrEmptyContent,
	engine.ErrEmptyRubric,
	engine.ErrInvalidModuleCode,
	engine.ErrContentTooLong,
	engine.ErrMissingAnonymizing,
}

func classifyError(err error) *wireError {
	w := &wireError{Message: err.Error()}
	switch {
	case errors.Is(err, sandbox.ErrQueueFull):
		w.Kind = errKindQueueFull
	case errors.Is(err, sandbox.ErrModelNotLoaded):
		w.Kind = errKindModelNotLoaded
	case errors.Is(err, sandbox.ErrInference):
		w.Kind = errKindInference
	default:
		w.Kind = errKindInternal
		for _, sentinel := range validationSentinels {
			if errors.Is(err, sentinel) {
				w.Kind = errKindInvalid
				break
			}
		}
	}
	return w
}

// asError maps a wire error back onto the sentinel the caller would have
// seen on the in-process transport.
func (w wireError) asError() error {
	switch w.Kind {
	case errKindInvalid:
		return fmt.Errorf("%w: %s", sandbox.ErrInvalidRequest, w.Message)
	case errKindQueueFull:
		return fmt.Errorf("%w: %s", sandbox.ErrQueueFull, w.Message)
	case errKindModelNotLoaded:
		return fmt.Errorf("%w: %s", sandbox.ErrModelNotLoaded, w.Message)
	case errKindInference:
		return fmt.Errorf("%w: %s", sandbox.ErrInference, w.Message)
	case errKindUnavailable:
		return ErrUnavailable
	default:
		return fmt.Errorf("bridge: engine error: %s", w.Message)
	}
}

// queryEventsResult wraps the event slice so the payload stays an object.
type queryEventsResult struct {
	Events []engine.Event `json:"events"`
}
