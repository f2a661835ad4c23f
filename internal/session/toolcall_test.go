package session

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestParseToolCall(t *testing.T) {
	req, ok := ParseToolCall(`{"kind":"vision_analysis","question":"what is this"}`)
	if !ok || req.Kind != ToolVisionAnalysis || req.Question != "what is this" {
		t.Fatalf("unexpected parse %+v %v", req, ok)
	}

	req, ok = ParseToolCall("```json\n{\"kind\":\"vision_analysis\"}\n```")
	if !ok || req.Question != defaultVisionQuestion {
		t.Fatalf("expected fenced call with default question, got %+v %v", req, ok)
	}

	for _, text := range []string{
		"Sure, I can help with that.",
		`{"kind":"weather","question":"today"}`,
		`{"kind":"vision_analysis"`,
		"",
	} {
		if _, ok := ParseToolCall(text); ok {
			t.Fatalf("expected %q to be conversational text", text)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Category
	}{
		{context.DeadlineExceeded, CategoryTimeout},
		{fmt.Errorf("open dialogue session: %w", context.DeadlineExceeded), CategoryTimeout},
		{errResponseTimeout, CategoryTimeout},
		{errors.New("websocket: i/o timeout"), CategoryTimeout},
		{errors.New("Error 429, Message: Resource has been exhausted (e.g. check quota)."), CategoryRateLimit},
		{errors.New("rate limit exceeded"), CategoryRateLimit},
		{errors.New("models/gemini-x is not found for API version v1beta"), CategoryModelUnavailable},
		{errors.New("503 Service Unavailable"), CategoryModelUnavailable},
		{errors.New("connection reset by peer"), CategoryOther},
		{nil, CategoryOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
	for _, c := range []Category{CategoryTimeout, CategoryRateLimit, CategoryModelUnavailable, CategoryOther} {
		if DiagnosticMessage(c) == "" {
			t.Errorf("missing diagnostic for %s", c)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateDelegatingVision.String() != "delegating_vision" || State(42).String() != "unknown" {
		t.Fatalf("unexpected state names")
	}
}
