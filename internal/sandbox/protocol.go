// Package sandbox owns the pool of isolated inference processes and the
// stdio protocol spoken with them. Each sandbox is an external process
// launched under a jail command with network access disabled and a read-only
// filesystem; this package configures that policy but relies on the host
// jail to enforce it.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Protocol limits. Requests outside these bounds are rejected before they
// reach a sandbox.
const (
	MaxTokensLimit     = 4096
	DefaultMaxTokens   = 512
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
)

var (
	// ErrInvalidRequest marks caller errors; never retried.
	ErrInvalidRequest = errors.New("sandbox: invalid request")
	// ErrInference marks a sandbox-side generation failure.
	ErrInference = errors.New("sandbox: inference failed")
	// ErrModelNotLoaded means the sandbox started but has no usable model.
	ErrModelNotLoaded = errors.New("sandbox: model not loaded")
	// ErrQueueFull is backpressure, distinct from a failed inference.
	ErrQueueFull = errors.New("sandbox: request queue full")
	// ErrPoolClosed is returned once the manager is shutting down.
	ErrPoolClosed = errors.New("sandbox: pool closed")
)

// Request is one inference call, written to the sandbox as a single JSON
// line. Content and rubric must already be anonymized; the sandbox trusts
// its caller on that and the engine re-checks the response.
type Request struct {
	Content        string   `json:"tma_content"`
	Rubric         string   `json:"rubric"`
	QuestionNumber int      `json:"question_number"`
	StudentAnswer  string   `json:"student_answer,omitempty"`
	MaxTokens      int      `json:"max_tokens"`
	Temperature    float64  `json:"temperature"`
	TopP           float64  `json:"top_p"`
	StopSequences  []string `json:"stop_sequences,omitempty"`
}

// ApplyDefaults fills generation controls left at their zero value. Only
// for requests constructed in Go, where the caller never set the fields;
// wire decoding keeps explicit zeros so Validate can rule on them.
func (r *Request) ApplyDefaults() {
	if r.MaxTokens == 0 {
		r.MaxTokens = DefaultMaxTokens
	}
	if r.Temperature == 0 {
		r.Temperature = DefaultTemperature
	}
	if r.TopP == 0 {
		r.TopP = DefaultTopP
	}
}

type wireRequest struct {
	Content        string   `json:"tma_content"`
	Rubric         string   `json:"rubric"`
	QuestionNumber int      `json:"question_number"`
	StudentAnswer  string   `json:"student_answer"`
	MaxTokens      *int     `json:"max_tokens"`
	Temperature    *float64 `json:"temperature"`
	TopP           *float64 `json:"top_p"`
	StopSequences  []string `json:"stop_sequences"`
}

// UnmarshalJSON defaults only the generation controls the wire object
// omits. An explicit zero survives decoding: max_tokens 0 must reach
// Validate and fail there, and temperature 0 legitimately selects greedy
// decoding rather than the default temperature.
func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Content = w.Content
	r.Rubric = w.Rubric
	r.QuestionNumber = w.QuestionNumber
	r.StudentAnswer = w.StudentAnswer
	r.StopSequences = w.StopSequences
	r.MaxTokens = DefaultMaxTokens
	if w.MaxTokens != nil {
		r.MaxTokens = *w.MaxTokens
	}
	r.Temperature = DefaultTemperature
	if w.Temperature != nil {
		r.Temperature = *w.Temperature
	}
	r.TopP = DefaultTopP
	if w.TopP != nil {
		r.TopP = *w.TopP
	}
	return nil
}

// Validate rejects malformed requests before they reach the generation
// loop. Error messages never echo request content.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return fmt.Errorf("%w: tma_content is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Rubric) == "" {
		return fmt.Errorf("%w: rubric is required", ErrInvalidRequest)
	}
	if r.QuestionNumber <= 0 {
		return fmt.Errorf("%w: question_number must be positive", ErrInvalidRequest)
	}
	if r.MaxTokens <= 0 || r.MaxTokens > MaxTokensLimit {
		return fmt.Errorf("%w: max_tokens must be in (0, %d]", ErrInvalidRequest, MaxTokensLimit)
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return fmt.Errorf("%w: temperature must be in [0, 2]", ErrInvalidRequest)
	}
	if r.TopP < 0 || r.TopP > 1 {
		return fmt.Errorf("%w: top_p must be in [0, 1]", ErrInvalidRequest)
	}
	return nil
}

// Prompt renders the request into the chat template the model was tuned on.
func (r Request) Prompt() string {
	var b strings.Builder
	b.WriteString("<|im_start|>system\n")
	b.WriteString("You are an expert academic grader assistant. ")
	b.WriteString("Your task is to provide constructive feedback on student answers ")
	b.WriteString("based on the provided rubric. Be objective, specific, and helpful.\n")
	b.WriteString("<|im_end|>\n")
	b.WriteString("<|im_start|>user\n")
	fmt.Fprintf(&b, "Question %d\n\n", r.QuestionNumber)
	b.WriteString("TMA Context:\n")
	b.WriteString(r.Content)
	b.WriteString("\n\nGrading Rubric:\n")
	b.WriteString(r.Rubric)
	if r.StudentAnswer != "" {
		b.WriteString("\n\nStudent Answer:\n")
		b.WriteString(r.StudentAnswer)
	}
	b.WriteString("\n\nProvide detailed feedback based on the rubric:\n")
	b.WriteString("<|im_end|>\n")
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}

// Result is a successful inference. Confidence and RubricAlignment are
// bounded to [0, 1] by the generator.
type Result struct {
	Feedback        string  `json:"feedback"`
	Confidence      float64 `json:"confidence"`
	RubricAlignment float64 `json:"rubric_alignment"`
	TokensGenerated int     `json:"tokens_generated"`
	InferenceTimeMS int64   `json:"inference_time_ms"`
}

// Error kinds carried on the wire.
const (
	ErrorKindInvalidRequest = "invalid_request"
	ErrorKindInference      = "inference_error"
	ErrorKindModelNotLoaded = "model_not_loaded"
)

// ResponseError is the failure half of the wire protocol. Message is
// human-readable and must never contain raw request content.
type ResponseError struct {
	Kind    string `json:"error_type"`
	Message string `json:"message"`
}

// Response is the envelope written back by the sandbox: exactly one of
// Result or Err is populated, discriminated by Status.
type Response struct {
	Status string `json:"status"`
	Result *Result
	Err    *ResponseError
}

type wireResponse struct {
	Status string `json:"status"`

	Feedback        *string `json:"feedback,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	RubricAlignment float64 `json:"rubric_alignment,omitempty"`
	TokensGenerated int     `json:"tokens_generated,omitempty"`
	InferenceTimeMS int64   `json:"inference_time_ms,omitempty"`

	ErrorType string `json:"error_type,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MarshalJSON flattens the envelope into the single-object wire shape.
func (r Response) MarshalJSON() ([]byte, error) {
	w := wireResponse{Status: r.Status}
	switch {
	case r.Result != nil:
		w.Feedback = &r.Result.Feedback
		w.Confidence = r.Result.Confidence
		w.RubricAlignment = r.Result.RubricAlignment
		w.TokensGenerated = r.Result.TokensGenerated
		w.InferenceTimeMS = r.Result.InferenceTimeMS
	case r.Err != nil:
		w.ErrorType = r.Err.Kind
		w.Message = r.Err.Message
	}
	return json.Marshal(w)
}

// UnmarshalJSON reverses MarshalJSON.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w wireResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Status = w.Status
	r.Result = nil
	r.Err = nil
	switch w.Status {
	case "success":
		if w.Feedback == nil {
			return fmt.Errorf("sandbox: success response missing feedback")
		}
		r.Result = &Result{
			Feedback:        *w.Feedback,
			Confidence:      w.Confidence,
			RubricAlignment: w.RubricAlignment,
			TokensGenerated: w.TokensGenerated,
			InferenceTimeMS: w.InferenceTimeMS,
		}
	case "error":
		r.Err = &ResponseError{Kind: w.ErrorType, Message: w.Message}
	case StatusPong:
		// Liveness reply; both halves stay nil.
	default:
		return fmt.Errorf("sandbox: unknown response status %q", w.Status)
	}
	return nil
}

// StatusPong is the reply status for a liveness probe.
const StatusPong = "pong"

type probeEnvelope struct {
	Ping bool `json:"ping"`
}

// PingLine is the probe request written to a sandbox's stdin.
func PingLine() []byte {
	return []byte(`{"ping":true}` + "\n")
}

// IsPing reports whether a request line is a liveness probe rather than an
// inference request.
func IsPing(line []byte) bool {
	var probe probeEnvelope
	if err := json.Unmarshal(line, &probe); err != nil {
		return false
	}
	return probe.Ping
}

// PongResponse is the reply to a probe.
func PongResponse() Response {
	return Response{Status: StatusPong}
}

// SuccessResponse wraps a result in the wire envelope.
func SuccessResponse(res Result) Response {
	return Response{Status: "success", Result: &res}
}

// ErrorResponse wraps a failure in the wire envelope.
func ErrorResponse(kind, message string) Response {
	return Response{Status: "error", Err: &ResponseError{Kind: kind, Message: message}}
}

// ErrorFor converts a generation error into its wire kind.
func ErrorFor(err error) Response {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return ErrorResponse(ErrorKindInvalidRequest, err.Error())
	case errors.Is(err, ErrModelNotLoaded):
		return ErrorResponse(ErrorKindModelNotLoaded, err.Error())
	default:
		return ErrorResponse(ErrorKindInference, err.Error())
	}
}

// AsError maps a wire error response back onto the sentinel taxonomy.
func (e ResponseError) AsError() error {
	switch e.Kind {
	case ErrorKindInvalidRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, e.Message)
	case ErrorKindModelNotLoaded:
		return fmt.Errorf("%w: %s", ErrModelNotLoaded, e.Message)
	default:
		return fmt.Errorf("%w: %s", ErrInference, e.Message)
	}
}
