package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"

	"DiffBuddy/internal/config"
	"DiffBuddy/internal/ports"
)

// OllamaClient implements ports.Provider against a local Ollama server.
type OllamaClient struct {
	client *api.Client
	model  string
	system string
}

var _ ports.Provider = (*OllamaClient)(nil)

// NewOllamaClient parses the configured host; httpClient may be nil.
func NewOllamaClient(cfg config.OllamaConfig, systemPrompt string, httpClient *http.Client) (*OllamaClient, error) {
	base, err := url.Parse(cfg.Host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama host %q: %w", cfg.Host, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	return &OllamaClient{
		client: api.NewClient(base, httpClient),
		model:  cfg.Model,
		system: strings.TrimSpace(systemPrompt),
	}, nil
}

// Name identifies the provider inside the registry.
func (o *OllamaClient) Name() string {
	return "ollama"
}

// Complete runs one non-streaming generate call.
func (o *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	if o.model == "" {
		return "", fmt.Errorf("ollama client misconfigured")
	}

	stream := false
	req := &api.GenerateRequest{
		Model:  o.model,
		Prompt: prompt,
		System: o.system,
		Stream: &stream,
	}

	var out strings.Builder
	err := o.client.Generate(ctx, req, func(resp api.GenerateResponse) error {
		out.WriteString(resp.Response)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}

	if strings.TrimSpace(out.String()) == "" {
		return "", fmt.Errorf("ollama returned an empty response")
	}
	return out.String(), nil
}
