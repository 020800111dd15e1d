package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

func feedbackRequest() *FeedbackRequest {
	return &FeedbackRequest{
		SystemPrompt: "You are a math tutor.",
		Prompt:       "Is this step correct?",
		Images:       []Image{{MIMEType: "image/jpeg", Data: pngBytes}},
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
}

func TestFeedbackRequestValidation(t *testing.T) {
	t.Parallel()

	cases := map[string]*FeedbackRequest{
		"no prompt":   {Images: []Image{{MIMEType: "image/png", Data: pngBytes}}},
		"no images":   {Prompt: "hi"},
		"empty image": {Prompt: "hi", Images: []Image{{MIMEType: "image/png"}}},
		"not image":   {Prompt: "hi", Images: []Image{{MIMEType: "text/plain", Data: pngBytes}}},
		"temperature": {Prompt: "hi", Images: []Image{{MIMEType: "image/png", Data: pngBytes}}, Temperature: 3},
	}
	for name, req := range cases {
		if err := req.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if err := feedbackRequest().Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestFeedbackSuccess(t *testing.T) {
	t.Parallel()

	var raw map[string]any
	var gotAuth string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &raw); err != nil {
			t.Errorf("unmarshal request: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "  Looks right.  "}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 300, "completion_tokens": 4, "total_tokens": 304}
		}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "sk-test"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Feedback(context.Background(), feedbackRequest())
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}

	if gotAuth != "Bearer sk-test" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if resp.Text != "Looks right." {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.PromptTokens != 300 || resp.Usage.TotalTokens != 304 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}
	if raw["model"] != "gpt-4o-mini" {
		t.Errorf("model = %v, want default", raw["model"])
	}

	messages := raw["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	system := messages[0].(map[string]any)
	if system["role"] != "system" || system["content"] != "You are a math tutor." {
		t.Errorf("system message = %v", system)
	}

	parts := messages[1].(map[string]any)["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if parts[0].(map[string]any)["text"] != "Is this step correct?" {
		t.Errorf("text part = %v", parts[0])
	}
	imageURL := parts[1].(map[string]any)["image_url"].(map[string]any)["url"].(string)
	want := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(pngBytes)
	if imageURL != want {
		t.Errorf("image url = %q, want %q", imageURL, want)
	}
}

func TestFeedbackRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"id":"x","model":"m","choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{
		BaseURL:     srv.URL,
		APIKey:      "k",
		MaxRetries:  2,
		BaseBackoff: time.Millisecond,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := c.Feedback(context.Background(), feedbackRequest())
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if resp.Text != "ok" {
		t.Errorf("text = %q", resp.Text)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestFeedbackProviderError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"image too small","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, APIKey: "k"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = c.Feedback(context.Background(), feedbackRequest())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "image too small") {
		t.Errorf("error = %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("4xx should not be retried, calls = %d", got)
	}
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	resp := &http.Response{Header: http.Header{}}
	if d := parseRetryAfter(resp); d != 0 {
		t.Errorf("absent header = %v", d)
	}
	resp.Header.Set("Retry-After", "3")
	if d := parseRetryAfter(resp); d != 3*time.Second {
		t.Errorf("seconds = %v", d)
	}
	resp.Header.Set("Retry-After", "99999")
	if d := parseRetryAfter(resp); d != maxRetryAfter {
		t.Errorf("capped = %v", d)
	}
}

func TestComputeBackoffBounds(t *testing.T) {
	t.Parallel()

	for attempt := 0; attempt < 20; attempt++ {
		d := computeBackoff(100*time.Millisecond, attempt)
		if d < 0 || d > maxBackoff {
			t.Fatalf("attempt %d: backoff %v out of range", attempt, d)
		}
	}
}
