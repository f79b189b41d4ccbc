package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nugget/planwright/internal/fault"
)

func TestOllamaChat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"model":             "llama3",
			"message":           map[string]any{"role": "assistant", "content": `{"ok":true}`},
			"done":              true,
			"prompt_eval_count": 12,
			"eval_count":        5,
			"total_duration":    int64(2 * time.Second),
		})
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(t.Context(), "llama3", []Message{System("be brief"), User("hi")}, Options{JSON: true, Temperature: 0.2})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if got.Format != "json" || got.Stream {
		t.Errorf("request format=%q stream=%v, want json/false", got.Format, got.Stream)
	}
	if got.Options == nil || got.Options.Temperature != 0.2 {
		t.Errorf("request options = %+v", got.Options)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" {
		t.Errorf("request messages = %+v", got.Messages)
	}
	if resp.Message.Content != `{"ok":true}` {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 5 || resp.TotalDuration != 2*time.Second {
		t.Errorf("usage = %d/%d %v", resp.InputTokens, resp.OutputTokens, resp.TotalDuration)
	}
}

func TestOllamaChat_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   fault.Kind
	}{
		{http.StatusTooManyRequests, fault.KindTransient},
		{http.StatusBadGateway, fault.KindTransient},
		{http.StatusNotFound, fault.KindInvalid},
		{http.StatusBadRequest, fault.KindInvalid},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := NewOllamaClient(srv.URL, nil).Chat(t.Context(), "m", []Message{User("x")}, Options{})
			if got := fault.KindOf(err); got != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", err, got, tt.want)
			}
		})
	}
}

func TestOllamaChat_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := NewOllamaClient(srv.URL, nil).Chat(ctx, "m", []Message{User("x")}, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if fault.KindOf(err) != fault.KindTimeout {
		t.Errorf("KindOf = %q, want timeout", fault.KindOf(err))
	}
}

func TestOllamaPing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"models":[]}`)) //nolint:errcheck
	}))
	defer srv.Close()

	if err := NewOllamaClient(srv.URL, nil).Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
