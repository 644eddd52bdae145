package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func modelServer(t *testing.T, ids ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		data := make([]map[string]any, 0, len(ids))
		for _, id := range ids {
			data = append(data, map[string]any{"id": id, "object": "model"})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCheck(t *testing.T) {
	srv := modelServer(t, "small", "large")
	c := New(srv.URL+"/v1", "", srv.Client())

	if err := Check(context.Background(), c, "large"); err != nil {
		t.Fatalf("check listed model: %v", err)
	}
	if err := Check(context.Background(), c, ""); err != nil {
		t.Fatalf("check without model: %v", err)
	}
	if err := Check(context.Background(), c, "missing"); !errors.Is(err, ErrModelNotServed) {
		t.Fatalf("expected ErrModelNotServed, got %v", err)
	}
	if err := Check(context.Background(), nil, "x"); err == nil {
		t.Fatalf("nil client accepted")
	}
}

func TestCheck_Unreachable(t *testing.T) {
	srv := modelServer(t)
	url := srv.URL
	srv.Close()
	if err := Check(context.Background(), New(url+"/v1", "", nil), ""); err == nil {
		t.Fatalf("expected error for closed endpoint")
	}
}

type chatOnly struct{}

func (chatOnly) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, nil
}

func TestCheck_ClientWithoutLister(t *testing.T) {
	if err := Check(context.Background(), chatOnly{}, "any"); err != nil {
		t.Fatalf("chat-only client rejected: %v", err)
	}
}
