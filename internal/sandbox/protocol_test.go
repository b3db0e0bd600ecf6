package sandbox

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestRequestApplyDefaults(t *testing.T) {
	var r Request
	r.ApplyDefaults()
	if r.MaxTokens != DefaultMaxTokens {
		t.Fatalf("max_tokens default: %d", r.MaxTokens)
	}
	if r.Temperature != DefaultTemperature {
		t.Fatalf("temperature default: %f", r.Temperature)
	}
	if r.TopP != DefaultTopP {
		t.Fatalf("top_p default: %f", r.TopP)
	}

	set := Request{MaxTokens: 64, Temperature: 1.2, TopP: 0.5}
	set.ApplyDefaults()
	if set.MaxTokens != 64 || set.Temperature != 1.2 || set.TopP != 0.5 {
		t.Fatalf("defaults overwrote explicit values: %+v", set)
	}
}

func TestRequestDecodeDefaultsOnlyMissingFields(t *testing.T) {
	var r Request
	line := `{"tma_content":"essay","rubric":"guide","question_number":1}`
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		t.Fatal(err)
	}
	if r.MaxTokens != DefaultMaxTokens || r.Temperature != DefaultTemperature || r.TopP != DefaultTopP {
		t.Fatalf("omitted fields not defaulted: %+v", r)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("defaulted request rejected: %v", err)
	}
}

func TestRequestDecodeKeepsExplicitZeros(t *testing.T) {
	var zeroBudget Request
	line := `{"tma_content":"essay","rubric":"guide","question_number":1,"max_tokens":0}`
	if err := json.Unmarshal([]byte(line), &zeroBudget); err != nil {
		t.Fatal(err)
	}
	if zeroBudget.MaxTokens != 0 {
		t.Fatalf("explicit max_tokens 0 rewritten to %d", zeroBudget.MaxTokens)
	}
	if err := zeroBudget.Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("explicit max_tokens 0 accepted: %v", err)
	}

	// Temperature 0 is a legal request for greedy decoding.
	var greedy Request
	line = `{"tma_content":"essay","rubric":"guide","question_number":1,"max_tokens":32,"temperature":0}`
	if err := json.Unmarshal([]byte(line), &greedy); err != nil {
		t.Fatal(err)
	}
	if greedy.Temperature != 0 {
		t.Fatalf("explicit temperature 0 rewritten to %f", greedy.Temperature)
	}
	if err := greedy.Validate(); err != nil {
		t.Fatalf("greedy request rejected: %v", err)
	}
}

func TestRequestValidateBoundaries(t *testing.T) {
	valid := Request{
		Content:        "content",
		Rubric:         "rubric",
		QuestionNumber: 1,
		MaxTokens:      MaxTokensLimit,
		Temperature:    2,
		TopP:           1,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("boundary values rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"blank content", func(r *Request) { r.Content = "  " }},
		{"blank rubric", func(r *Request) { r.Rubric = "" }},
		{"zero question", func(r *Request) { r.QuestionNumber = 0 }},
		{"zero tokens", func(r *Request) { r.MaxTokens = 0 }},
		{"tokens over cap", func(r *Request) { r.MaxTokens = MaxTokensLimit + 1 }},
		{"negative temperature", func(r *Request) { r.Temperature = -0.1 }},
		{"temperature over 2", func(r *Request) { r.Temperature = 2.1 }},
		{"top_p over 1", func(r *Request) { r.TopP = 1.1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestPromptCarriesTemplateAndFields(t *testing.T) {
	r := Request{
		Content:        "essay body",
		Rubric:         "marking guide",
		QuestionNumber: 3,
		StudentAnswer:  "the student wrote this",
	}
	p := r.Prompt()
	for _, want := range []string{
		"<|im_start|>system", "<|im_start|>user", "<|im_start|>assistant",
		"Question 3", "essay body", "marking guide", "the student wrote this",
	} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}

func TestResponseSuccessWireShape(t *testing.T) {
	resp := SuccessResponse(Result{
		Feedback:        "good work",
		Confidence:      0.9,
		RubricAlignment: 0.75,
		TokensGenerated: 40,
		InferenceTimeMS: 120,
	})
	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatal(err)
	}

	// The wire object is flat, not nested under a result key.
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if raw["status"] != "success" || raw["feedback"] != "good work" {
		t.Fatalf("unexpected wire object: %v", raw)
	}

	var back Response
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Result == nil || back.Result.TokensGenerated != 40 {
		t.Fatalf("round trip lost result: %+v", back)
	}
}

func TestResponseErrorMapsToSentinels(t *testing.T) {
	cases := []struct {
		in   error
		kind string
		want error
	}{
		{ErrInvalidRequest, ErrorKindInvalidRequest, ErrInvalidRequest},
		{ErrModelNotLoaded, ErrorKindModelNotLoaded, ErrModelNotLoaded},
		{errors.New("gpu on fire"), ErrorKindInference, ErrInference},
	}
	for _, tc := range cases {
		resp := ErrorFor(tc.in)
		if resp.Err == nil || resp.Err.Kind != tc.kind {
			t.Fatalf("ErrorFor(%v) kind = %+v, want %s", tc.in, resp.Err, tc.kind)
		}
		data, err := json.Marshal(resp)
		if err != nil {
			t.Fatal(err)
		}
		var back Response
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatal(err)
		}
		if got := back.Err.AsError(); !errors.Is(got, tc.want) {
			t.Fatalf("AsError() = %v, want %v", got, tc.want)
		}
	}
}

func TestResponseRejectsUnknownStatus(t *testing.T) {
	var resp Response
	if err := json.Unmarshal([]byte(`{"status":"maybe"}`), &resp); err == nil {
		t.Fatalf("unknown status accepted")
	}
}

func TestPingProtocol(t *testing.T) {
	if !IsPing(PingLine()) {
		t.Fatalf("PingLine not recognized as a probe")
	}
	if IsPing([]byte(`{"tma_content":"x"}`)) {
		t.Fatalf("inference request misread as a probe")
	}

	data, err := json.Marshal(PongResponse())
	if err != nil {
		t.Fatal(err)
	}
	var back Response
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.Status != StatusPong || back.Result != nil || back.Err != nil {
		t.Fatalf("pong round trip: %+v", back)
	}
}
