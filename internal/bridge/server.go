package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/engine"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

// ServeOption customizes the child-side loop.
type ServeOption func(*server)

// WithServePoolHealth exposes the child's sandbox pool snapshot through the
// pool_health command.
func WithServePoolHealth(fn func() sandbox.Health) ServeOption {
	return func(s *server) {
		s.poolHealth = fn
	}
}

type server struct {
	engine     *engine.Engine
	poolHealth func() sandbox.Health
}

// Serve is the child side of the subprocess protocol: it reads framed
// requests from r, dispatches them to the engine, and writes framed
// responses to w. It returns nil on clean stream end (the parent closed
// stdin) and the stream error otherwise. Requests are handled one at a
// time; the parent multiplexes, the child does not have to.
func Serve(ctx context.Context, e *engine.Engine, r io.Reader, w io.Writer, logger logging.Printer, opts ...ServeOption) error {
	if logger == nil {
		logger = logging.Nop{}
	}
	srv := &server{engine: e}
	for _, opt := range opts {
		opt(srv)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := ReadFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			logger.Printf("bridge: dropping malformed request frame: %v", err)
			continue
		}

		resp := srv.dispatch(ctx, req)
		out, err := json.Marshal(resp)
		if err != nil {
			logger.Printf("bridge: encode response for %s: %v", req.Command, err)
			continue
		}
		if err := WriteFrame(w, out); err != nil {
			return err
		}
	}
}

func (s *server) dispatch(ctx context.Context, req request) response {
	data, err := s.handle(ctx, req)
	if err != nil {
		return response{RequestID: req.RequestID, Error: classifyError(err)}
	}
	return response{RequestID: req.RequestID, Success: true, Data: data}
}

func (s *server) handle(ctx context.Context, req request) (json.RawMessage, error) {
	e := s.engine
	switch req.Command {
	case CommandAnonymize:
		var sub engine.Submission
		if err := json.Unmarshal(req.Data, &sub); err != nil {
			return nil, fmt.Errorf("bridge: decode %s: %w", req.Command, err)
		}
		anon, err := e.Anonymize(sub)
		if err != nil {
			return nil, err
		}
		return json.Marshal(anon)

	case CommandParse:
		var anon engine.AnonymizedSubmission
		if err := json.Unmarshal(req.Data, &anon); err != nil {
			return nil, fmt.Errorf("bridge: decode %s: %w", req.Command, err)
		}
		parsed, err := e.Parse(anon)
		if err != nil {
			return nil, err
		}
		return json.Marshal(parsed)

	case CommandGenerateFeedback:
		var parsed engine.ParsedSubmission
		if err := json.Unmarshal(req.Data, &parsed); err != nil {
			return nil, fmt.Errorf("bridge: decode %s: %w", req.Command, err)
		}
		fb, err := e.GenerateFeedback(ctx, parsed)
		if err != nil {
			return nil, err
		}
		return json.Marshal(fb)

	case CommandQueryEvents:
		var q engine.EventQuery
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &q); err != nil {
				return nil, fmt.Errorf("bridge: decode %s: %w", req.Command, err)
			}
		}
		return json.Marshal(queryEventsResult{Events: e.QueryEvents(q)})

	case CommandHealthCheck:
		if err := e.HealthCheck(); err != nil {
			return nil, err
		}
		return json.Marshal(struct{}{})

	case CommandPoolHealth:
		if s.poolHealth == nil {
			return json.Marshal(sandbox.Health{})
		}
		return json.Marshal(s.poolHealth())

	default:
		return nil, fmt.Errorf("bridge: unknown command %q", req.Command)
	}
}
