package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAIInvokeSendsJSONModeAndParsesContent(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"summary\":\"ok\"}"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAI("key", srv.URL+"/", "gpt-test", 0.1, 0, srv.Client())
	raw, err := c.Invoke(context.Background(), Request{Kind: KindSearch, Prompt: "find"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(raw) != `{"summary":"ok"}` {
		t.Fatalf("unexpected payload %s", raw)
	}
	if got.Model != "gpt-test" || got.ResponseFormat == nil || got.ResponseFormat.Type != "json_object" {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Content != "find" {
		t.Fatalf("unexpected messages %+v", got.Messages)
	}
}

func TestOpenAIInvokeStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAI("key", srv.URL, "m", 0, 0, srv.Client())
	_, err := c.Invoke(context.Background(), Request{Kind: KindSearch, Prompt: "x"})
	if err == nil || errors.Is(err, ErrTimeout) {
		t.Fatalf("expected non-timeout error, got %v", err)
	}
}

func TestOpenAIInvokeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewOpenAI("key", srv.URL, "m", 0, 0, srv.Client())
	_, err := c.Invoke(context.Background(), Request{Kind: KindSearch, Prompt: "x", Timeout: 50 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}
