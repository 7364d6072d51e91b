package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"uirunner/internal/config"
	"uirunner/internal/events"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

func testClient(t *testing.T, handler http.HandlerFunc, opts Options) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := config.DefaultLLMConfig()
	cfg.APIURL = srv.URL
	cfg.VisionEndpoint = srv.URL
	cfg.APIKey = "test-key"
	if opts.RetryInitial == 0 {
		opts.RetryInitial = time.Millisecond
	}
	return NewClient(cfg, opts), srv
}

func okResponse(content string) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]any{"role": "assistant", "content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 20, "total_tokens": 120},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestCallSuccessAccountsUsage(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, okResponse(`{"ok":true}`))
	}, Options{})

	out, err := c.Call(context.Background(), "prompt", "system", tokens.CallAction)
	if err != nil {
		t.Fatal(err)
	}
	if out != `{"ok":true}` {
		t.Errorf("content = %q", out)
	}
	m := c.Metrics()
	if m.TotalCalls != 1 || m.Successes != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if m.PromptTokens != 100 || m.CompletionTokens != 20 || m.TotalTokens != 120 {
		t.Errorf("token accounting = %+v", m)
	}
	if m.SuccessRate != 1 {
		t.Errorf("success rate = %v", m.SuccessRate)
	}
}

func TestStructuredTaskSetsResponseFormat(t *testing.T) {
	var captured chatRequest
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		fmt.Fprint(w, okResponse("{}"))
	}, Options{})

	if _, err := c.Call(context.Background(), "p", "s", tokens.CallPlanning); err != nil {
		t.Fatal(err)
	}
	if captured.ResponseFormat == nil || captured.ResponseFormat.Type != "json_object" {
		t.Errorf("response_format = %+v", captured.ResponseFormat)
	}
	// Decoding into the same struct would keep the previous request's
	// non-nil response_format; start from zero for the second capture.
	captured = chatRequest{}
	if _, err := c.Call(context.Background(), "p", "s", tokens.CallSummary); err != nil {
		t.Fatal(err)
	}
	if captured.ResponseFormat != nil {
		t.Error("summary task should not request json_object")
	}
}

func TestRetryOn429ThreeAttempts(t *testing.T) {
	attempts := 0
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limit"}}`)
	}, Options{})

	_, err := c.Call(context.Background(), "p", "s", tokens.CallAction)
	if err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("err = %v", err)
	}
	if m := c.Metrics(); m.Failures != 1 {
		t.Errorf("failures = %d, want 1 (envelope counts once)", m.Failures)
	}
}

func TestNoRetryOn401(t *testing.T) {
	attempts := 0
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	}, Options{})

	_, err := c.Call(context.Background(), "p", "s", tokens.CallAction)
	if err == nil {
		t.Fatal("expected failure")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRecoversAfterTransient(t *testing.T) {
	attempts := 0
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, okResponse("recovered"))
	}, Options{})

	out, err := c.Call(context.Background(), "p", "s", tokens.CallAction)
	if err != nil {
		t.Fatal(err)
	}
	if out != "recovered" || attempts != 3 {
		t.Errorf("out=%q attempts=%d", out, attempts)
	}
}

func TestVisionWireFormat(t *testing.T) {
	var raw map[string]any
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&raw)
		fmt.Fprint(w, okResponse(`{"visible":false}`))
	}, Options{})

	png := []byte{0x89, 'P', 'N', 'G'}
	if _, err := c.CallWithVision(context.Background(), png, "banner visible?", "sys"); err != nil {
		t.Fatal(err)
	}

	msgs := raw["messages"].([]any)
	user := msgs[1].(map[string]any)
	parts := user["content"].([]any)
	if len(parts) != 2 {
		t.Fatalf("content parts = %d, want 2", len(parts))
	}
	img := parts[1].(map[string]any)
	if img["type"] != "image_url" {
		t.Errorf("part type = %v", img["type"])
	}
	iu := img["image_url"].(map[string]any)
	url := iu["url"].(string)
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("image url prefix = %q", url[:30])
	}
	if iu["detail"] != "high" {
		t.Errorf("detail = %v", iu["detail"])
	}
}

type denyLimiter struct{}

func (denyLimiter) Allow(model, userID string, tier types.UserTier, est int) error {
	return errors.New("quota")
}

func TestRateLimiterRejectionNotRetried(t *testing.T) {
	hits := 0
	sink := &events.MemorySink{}
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, okResponse("x"))
	}, Options{RateLimiter: denyLimiter{}, Sink: sink, Tier: types.TierGuest})

	_, err := c.Call(context.Background(), "p", "s", tokens.CallAction)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}
	if hits != 0 {
		t.Errorf("provider hit %d times despite limiter rejection", hits)
	}
	evs := sink.Events()
	if len(evs) != 1 || evs[0].State != "RATE_LIMITED" {
		t.Errorf("events = %+v", evs)
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(&APIError{StatusCode: http.StatusTooManyRequests}) {
		t.Error("bare 429 not recognized")
	}
	if !IsRateLimited(fmt.Errorf("plan action: %w", &APIError{StatusCode: http.StatusTooManyRequests})) {
		t.Error("wrapped 429 not recognized")
	}
	if !IsRateLimited(fmt.Errorf("%w: quota", ErrRateLimited)) {
		t.Error("limiter rejection not recognized")
	}
	if IsRateLimited(&APIError{StatusCode: http.StatusInternalServerError}) {
		t.Error("500 misread as rate limit")
	}
	if IsRateLimited(errors.New("boom")) {
		t.Error("plain error misread as rate limit")
	}
}

func TestForModeOverridesModelAndTemperature(t *testing.T) {
	var captured chatRequest
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		fmt.Fprint(w, okResponse("{}"))
	}, Options{})

	tuned := c.ForMode("gpt-4o", 0.4)
	if _, err := tuned.Call(context.Background(), "p", "s", tokens.CallAction); err != nil {
		t.Fatal(err)
	}
	if captured.Model != "gpt-4o" || captured.Temperature != 0.4 {
		t.Errorf("tuned request: model %q temperature %v", captured.Model, captured.Temperature)
	}

	// The base client keeps its configured defaults.
	captured = chatRequest{}
	if _, err := c.Call(context.Background(), "p", "s", tokens.CallAction); err != nil {
		t.Fatal(err)
	}
	def := config.DefaultLLMConfig()
	if captured.Model != def.Model || captured.Temperature != def.Temperature {
		t.Errorf("base request: model %q temperature %v", captured.Model, captured.Temperature)
	}

	// No-op overrides return the same caller.
	if same, ok := c.ForMode("", 0).(*Client); !ok || same != c {
		t.Error("zero overrides should not allocate a derived client")
	}
}

func TestEmptyChoicesIsError(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}, Options{})
	if _, err := c.Call(context.Background(), "p", "s", tokens.CallAction); err == nil {
		t.Fatal("expected error on empty choices")
	}
}
