package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/inference"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/logging"
	"github.com/hyperpolymath/academic-workflow-suite-sub002/internal/sandbox"
)

func newGenerator(t *testing.T) *inference.Generator {
	t.Helper()
	model, err := inference.Load(inference.ModelConfig{})
	if err != nil {
		t.Fatal(err)
	}
	gen, err := inference.NewGenerator(model)
	if err != nil {
		t.Fatal(err)
	}
	return gen
}

func runLines(t *testing.T, gen *inference.Generator, loadErr error, lines ...string) []sandbox.Response {
	t.Helper()
	in := strings.NewReader(strings.Join(lines, "\n") + "\n")
	var out bytes.Buffer
	if err := serve(in, &out, gen, loadErr, logging.Nop{}); err != nil {
		t.Fatalf("serve: %v", err)
	}
	var responses []sandbox.Response
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		var resp sandbox.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func requestLine(t *testing.T) string {
	t.Helper()
	data, err := json.Marshal(sandbox.Request{
		Content:        "Rainfall returns ocean water to the land.",
		Rubric:         "Award marks for describing the cycle stages.",
		QuestionNumber: 1,
		MaxTokens:      30,
	})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestServeAnswersInferenceRequest(t *testing.T) {
	responses := runLines(t, newGenerator(t), nil, requestLine(t))
	if len(responses) != 1 {
		t.Fatalf("got %d responses", len(responses))
	}
	if responses[0].Result == nil {
		t.Fatalf("expected success, got %+v", responses[0])
	}
	if responses[0].Result.TokensGenerated > 30 {
		t.Fatalf("token budget exceeded")
	}
}

func TestServeRejectsZeroTokenBudget(t *testing.T) {
	line := `{"tma_content":"Rainfall returns ocean water to the land.","rubric":"Award marks for describing the cycle stages.","question_number":1,"max_tokens":0}`
	responses := runLines(t, newGenerator(t), nil, line)
	if len(responses) != 1 || responses[0].Err == nil {
		t.Fatalf("expected error response, got %+v", responses)
	}
	if responses[0].Err.Kind != sandbox.ErrorKindInvalidRequest {
		t.Fatalf("wrong error kind: %+v", responses[0].Err)
	}
	if !errors.Is(responses[0].Err.AsError(), sandbox.ErrInvalidRequest) {
		t.Fatalf("error does not map to ErrInvalidRequest: %+v", responses[0].Err)
	}
}

func TestServeAcceptsGreedyTemperature(t *testing.T) {
	line := `{"tma_content":"Rainfall returns ocean water to the land.","rubric":"Award marks for describing the cycle stages.","question_number":1,"max_tokens":30,"temperature":0}`
	responses := runLines(t, newGenerator(t), nil, line)
	if len(responses) != 1 || responses[0].Result == nil {
		t.Fatalf("expected success for temperature 0, got %+v", responses)
	}
}

func TestServeAnswersPing(t *testing.T) {
	responses := runLines(t, newGenerator(t), nil, `{"ping":true}`)
	if len(responses) != 1 || responses[0].Status != sandbox.StatusPong {
		t.Fatalf("expected pong, got %+v", responses)
	}
}

func TestServeRejectsMalformedLine(t *testing.T) {
	responses := runLines(t, newGenerator(t), nil, `{not json`)
	if len(responses) != 1 || responses[0].Err == nil {
		t.Fatalf("expected error response, got %+v", responses)
	}
	if !errors.Is(responses[0].Err.AsError(), sandbox.ErrInvalidRequest) {
		t.Fatalf("wrong error kind: %+v", responses[0].Err)
	}
}

func TestServeReportsModelNotLoaded(t *testing.T) {
	responses := runLines(t, nil, sandbox.ErrModelNotLoaded, requestLine(t))
	if len(responses) != 1 || responses[0].Err == nil {
		t.Fatalf("expected error response, got %+v", responses)
	}
	if !errors.Is(responses[0].Err.AsError(), sandbox.ErrModelNotLoaded) {
		t.Fatalf("wrong error kind: %+v", responses[0].Err)
	}
}

func TestServeHandlesRequestStream(t *testing.T) {
	responses := runLines(t, newGenerator(t), nil, `{"ping":true}`, requestLine(t), `{"ping":true}`)
	if len(responses) != 3 {
		t.Fatalf("got %d responses, want 3", len(responses))
	}
	if responses[0].Status != sandbox.StatusPong || responses[2].Status != sandbox.StatusPong {
		t.Fatalf("probe replies out of order: %+v", responses)
	}
	if responses[1].Result == nil {
		t.Fatalf("middle request did not succeed: %+v", responses[1])
	}
}
