package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// Client is the minimal interface needed to call a chat model. Any
// OpenAI-compatible or local backend can be adapted to it.
type Client interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ModelLister is an optional capability that allows listing available models.
// Providers that do not support this can omit it; callers should use a type
// assertion to detect availability.
type ModelLister interface {
	ListModels(ctx context.Context) (openai.ModelsList, error)
}

// ErrModelNotServed is returned by Check when the endpoint answers but does
// not list the configured model.
var ErrModelNotServed = errors.New("model not served by endpoint")

// OpenAIProvider adapts *openai.Client to the Client/ModelLister interfaces.
type OpenAIProvider struct {
	Inner *openai.Client
}

// New builds a provider for an OpenAI-compatible endpoint. An empty baseURL
// uses the library default.
func New(baseURL, apiKey string, httpClient *http.Client) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIProvider{Inner: openai.NewClientWithConfig(cfg)}
}

func (p *OpenAIProvider) CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return p.Inner.CreateChatCompletion(ctx, request)
}

func (p *OpenAIProvider) ListModels(ctx context.Context) (openai.ModelsList, error) {
	return p.Inner.ListModels(ctx)
}

// Check reports whether c is usable. Clients that cannot list models are assumed
// usable; otherwise the endpoint must answer and, when model is set, list it.
func Check(ctx context.Context, c Client, model string) error {
	if c == nil {
		return errors.New("no LLM endpoint configured")
	}
	ml, ok := c.(ModelLister)
	if !ok {
		return nil
	}
	models, err := ml.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	if model == "" {
		return nil
	}
	for _, m := range models.Models {
		if m.ID == model {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrModelNotServed, model)
}
