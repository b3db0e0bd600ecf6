package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

// Inferrer is the slice of the sandbox pool the engine depends on. The pool
// manager satisfies it; tests use fakes.
type Inferrer interface {
	Infer(ctx context.Context, req sandbox.Request) (sandbox.Result, error)
}

// Formatter rewrites generated feedback before it is surfaced. Plugin-backed
// formatters satisfy this; a nil formatter leaves feedback untouched.
type Formatter interface {
	FormatFeedback(feedback string) (string, error)
}

// Feedback is the product of the pipeline's final stage.
type Feedback struct {
	Text            string  `json:"text"`
	Confidence      float64 `json:"confidence"`
	RubricAlignment float64 `json:"rubric_alignment"`
	TokensGenerated int     `json:"tokens_generated"`
	InferenceTimeMS int64   `json:"inference_time_ms"`
}

// Engine runs the marking pipeline: anonymize, parse, generate feedback.
// Within one job the stages are strictly sequential; the engine itself is
// safe for concurrent use by many workers because all its state is either
// immutable or behind the event store's own lock.
type Engine struct {
	anonymizer *Anonymizer
	events     *EventStore
	inferrer   Inferrer
	formatter  Formatter
	logger     logging.Printer
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger overrides the default no-op logger.
func WithLogger(l logging.Printer) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithFormatter installs a feedback formatter. Formatter failures are
// logged and the unformatted feedback is used; a cosmetic plugin must not
// fail a marking job.
func WithFormatter(f Formatter) Option {
	return func(e *Engine) {
		e.formatter = f
	}
}

// WithAnonymizerSalt sets the salt mixed into identity hashes.
func WithAnonymizerSalt(salt string) Option {
	return func(e *Engine) {
		e.anonymizer = NewAnonymizer(salt)
	}
}

// New builds an engine around the given inferrer.
func New(inferrer Inferrer, opts ...Option) (*Engine, error) {
	if inferrer == nil {
		return nil, fmt.Errorf("engine: inferrer is required")
	}
	e := &Engine{
		anonymizer: NewAnonymizer(""),
		events:     NewEventStore(),
		inferrer:   inferrer,
		logger:     logging.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Events exposes the audit store for the bridge's query_events command.
func (e *Engine) Events() *EventStore {
	return e.events
}

// AnonymizedSubmission is a submission whose identity has been hashed and
// whose content has been scrubbed of detectable PII.
type AnonymizedSubmission struct {
	AnonymizedID   string `json:"anonymized_id"`
	ModuleCode     string `json:"module_code"`
	QuestionNumber int    `json:"question_number"`
	Content        string `json:"content"`
	Rubric         string `json:"rubric"`
}

// Anonymize validates the raw submission, hashes the student identity, and
// strips PII from the content. Nothing downstream of this stage ever sees
// the raw identifier.
func (e *Engine) Anonymize(sub Submission) (AnonymizedSubmission, error) {
	if err := sub.Validate(); err != nil {
		return AnonymizedSubmission{}, err
	}
	anonID, err := e.anonymizer.AnonymizeStudentID(sub.StudentID)
	if err != nil {
		return AnonymizedSubmission{}, err
	}
	content := e.anonymizer.Sanitize(sub.Content)
	if err := e.anonymizer.ValidateOutput(content); err != nil {
		return AnonymizedSubmission{}, fmt.Errorf("engine: content still carries pii after sanitization: %w", err)
	}
	e.events.Append(EventStudentAnonymized, anonID, "")
	return AnonymizedSubmission{
		AnonymizedID:   anonID,
		ModuleCode:     sub.ModuleCode,
		QuestionNumber: sub.QuestionNumber,
		Content:        content,
		Rubric:         sub.Rubric,
	}, nil
}

// Parse extracts the structured rubric criteria from an anonymized
// submission.
func (e *Engine) Parse(anon AnonymizedSubmission) (ParsedSubmission, error) {
	if strings.TrimSpace(anon.AnonymizedID) == "" {
		return ParsedSubmission{}, ErrMissingAnonymizing
	}
	if strings.TrimSpace(anon.Rubric) == "" {
		return ParsedSubmission{}, ErrEmptyRubric
	}
	return ParsedSubmission{
		AnonymizedID:   anon.AnonymizedID,
		ModuleCode:     anon.ModuleCode,
		QuestionNumber: anon.QuestionNumber,
		Content:        anon.Content,
		Rubric:         anon.Rubric,
		Criteria:       ParseRubricCriteria(anon.Rubric),
	}, nil
}

// GenerateFeedback sends the parsed submission to an isolated sandbox and
// validates what comes back. The returned feedback is PII-checked; a leak
// fails the call rather than shipping.
func (e *Engine) GenerateFeedback(ctx context.Context, parsed ParsedSubmission) (Feedback, error) {
	if strings.TrimSpace(parsed.AnonymizedID) == "" {
		return Feedback{}, ErrMissingAnonymizing
	}
	req := sandbox.Request{
		Content:        parsed.Content,
		Rubric:         parsed.Rubric,
		QuestionNumber: parsed.QuestionNumber,
	}
	req.ApplyDefaults()

	result, err := e.inferrer.Infer(ctx, req)
	if err != nil {
		e.events.Append(EventMarkingFailed, parsed.AnonymizedID, redactedDetail(err))
		return Feedback{}, err
	}

	if err := e.anonymizer.ValidateOutput(result.Feedback); err != nil {
		e.events.Append(EventMarkingFailed, parsed.AnonymizedID, "generated feedback rejected by pii gate")
		return Feedback{}, err
	}

	text := result.Feedback
	if e.formatter != nil {
		formatted, err := e.formatter.FormatFeedback(text)
		if err != nil {
			e.logger.Printf("engine: feedback formatter failed, using raw feedback: %v", err)
		} else {
			text = formatted
		}
	}

	e.events.Append(EventFeedbackGenerated, parsed.AnonymizedID, "")
	return Feedback{
		Text:            text,
		Confidence:      result.Confidence,
		RubricAlignment: result.RubricAlignment,
		TokensGenerated: result.TokensGenerated,
		InferenceTimeMS: result.InferenceTimeMS,
	}, nil
}

// QueryEvents serves the audit trail.
func (e *Engine) QueryEvents(q EventQuery) []Event {
	return e.events.Query(q)
}

// HealthCheck reports whether the engine can take work. The inferrer's own
// health surfaces through Infer errors; here we only confirm wiring.
func (e *Engine) HealthCheck() error {
	if e.inferrer == nil {
		return errors.New("engine: no inferrer configured")
	}
	return nil
}

// redactedDetail runs an error message through the PII gate before it is
// recorded anywhere.
func redactedDetail(err error) string {
	if err == nil {
		return ""
	}
	return NewAnonymizer("").Sanitize(err.Error())
}
