package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestOpenRouterChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s, want /chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req openRouterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.Model != "anthropic/claude-3.5-haiku" || len(req.Messages) != 2 {
			t.Errorf("request = %+v", req)
		}
		if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_object" {
			t.Errorf("response_format = %+v, want json_object", req.ResponseFormat)
		}
		fmt.Fprint(w, `{"id":"gen-1","choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenRouterWithBaseURL("test-key", srv.URL)
	reply, err := c.Chat(context.Background(), Request{
		Model:    "anthropic/claude-3.5-haiku",
		Messages: []Message{System("be brief"), User("hi")},
		JSON:     true,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != `{"ok":true}` {
		t.Errorf("reply = %q", reply)
	}
}

func TestOpenRouterChat_RateLimitRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"0.8"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenRouterWithBaseURL("k", srv.URL)
	c.backoff = 0
	reply, err := c.Chat(context.Background(), Request{Model: "m", Messages: []Message{User("x")}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "0.8" || calls.Load() != 3 {
		t.Errorf("reply = %q after %d calls, want 0.8 after 3", reply, calls.Load())
	}
}

func TestOpenRouterChat_RateLimitExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenRouterWithBaseURL("k", srv.URL)
	c.backoff = 0
	_, err := c.Chat(context.Background(), Request{Model: "m"})
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestOpenRouterChat_ServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewOpenRouterWithBaseURL("k", srv.URL).Chat(context.Background(), Request{Model: "m"})
	if err == nil {
		t.Fatal("Chat error = nil, want status error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want no retry on 400", calls.Load())
	}
}

func TestOpenRouterChat_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	if _, err := NewOpenRouterWithBaseURL("k", srv.URL).Chat(context.Background(), Request{Model: "m"}); err == nil {
		t.Error("Chat error = nil, want error for empty choices")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(ProviderOpenRouter, "", ""); err == nil {
		t.Error("openrouter without key accepted")
	}
	if c, err := New(ProviderOpenRouter, "k", ""); err != nil {
		t.Errorf("New(openrouter): %v", err)
	} else if _, ok := c.(*OpenRouter); !ok {
		t.Errorf("New(openrouter) = %T", c)
	}
	if c, err := New(ProviderOllama, "", ""); err != nil {
		t.Errorf("New(ollama): %v", err)
	} else if o, ok := c.(*Ollama); !ok || o.baseURL != DefaultOllamaURL {
		t.Errorf("New(ollama) = %#v", c)
	}
	if _, err := New("gpt4all", "", ""); err == nil {
		t.Error("unknown provider accepted")
	}
}
