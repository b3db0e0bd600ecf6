package inference

import (
	"fmt"
	"strings"
	"time"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

// Default stop sequences appended to whatever the request carries.
var defaultStopSequences = []string{"</s>", "<|im_end|>"}

// Generator drives the model through one bounded generation per request.
type Generator struct {
	model Model
	seed  uint64
	clock func() time.Time
}

// GeneratorOption customizes generator construction.
type GeneratorOption func(*Generator)

// WithSeed fixes the sampling seed (tests rely on this).
func WithSeed(seed uint64) GeneratorOption {
	return func(g *Generator) {
		g.seed = seed
	}
}

// WithGeneratorClock injects a deterministic clock.
func WithGeneratorClock(clock func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGenerator wires a generator to a loaded model.
func NewGenerator(model Model, opts ...GeneratorOption) (*Generator, error) {
	if model == nil {
		return nil, sandbox.ErrModelNotLoaded
	}
	g := &Generator{model: model, clock: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Generate validates the request, runs the sampling loop, and derives the
// response scores. The loop halts on EOS, a stop-sequence match, or the
// max-token cap; nothing in it recurses or touches I/O.
func (g *Generator) Generate(req sandbox.Request) (sandbox.Result, error) {
	started := g.clock()

	if err := req.Validate(); err != nil {
		return sandbox.Result{}, err
	}

	stops := append([]string{}, defaultStopSequences...)
	stops = append(stops, req.StopSequences...)

	prompt := req.Prompt()
	context := g.model.Encode(prompt)
	sampler := NewSampler(req.Temperature, req.TopP, g.seed)

	var generated []int
	for step := 0; step < req.MaxTokens; step++ {
		logits, err := g.model.Logits(context)
		if err != nil {
			return sandbox.Result{}, fmt.Errorf("%w: logits at step %d: %v", sandbox.ErrInference, step, err)
		}
		tok, err := sampler.Sample(logits)
		if err != nil {
			return sandbox.Result{}, fmt.Errorf("%w: %v", sandbox.ErrInference, err)
		}
		if tok == g.model.EOSToken() {
			break
		}
		generated = append(generated, tok)
		context = append(context, tok)

		if text := g.model.Decode(generated); hasStopSuffix(text, stops) {
			break
		}
	}

	feedback := strings.TrimSpace(g.model.Decode(generated))
	elapsed := g.clock().Sub(started)

	return sandbox.Result{
		Feedback:        feedback,
		Confidence:      clamp01(sampler.MeanChosenProbability()),
		RubricAlignment: clamp01(rubricAlignment(feedback, req.Rubric)),
		TokensGenerated: len(generated),
		InferenceTimeMS: elapsed.Milliseconds(),
	}, nil
}

func hasStopSuffix(text string, stops []string) bool {
	for _, stop := range stops {
		if stop != "" && strings.HasSuffix(text, stop) {
			return true
		}
	}
	return false
}

// rubricAlignment estimates how much of the rubric's vocabulary the
// feedback picked up: the fraction of distinctive rubric terms (longer than
// four characters) that appear in the feedback.
func rubricAlignment(feedback, rubric string) float64 {
	feedbackLower := strings.ToLower(feedback)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(rubric)) {
		if len(w) > 4 {
			terms = append(terms, w)
		}
	}
	if len(terms) == 0 {
		return 0.5
	}
	matched := 0
	for _, term := range terms {
		if strings.Contains(feedbackLower, term) {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
