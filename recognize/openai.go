package recognize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/capsolve/capture"
)

// openAIAdapter speaks the OpenAI-compatible chat completions protocol:
// bearer auth, image as a data-URI image_url content part, answer in the
// flat choices array. Most self-hosted gateways (ollama, vllm, openrouter)
// expose this shape, which is why BaseURL is fully configurable.
type openAIAdapter struct {
	core
}

func (a *openAIAdapter) Recognize(ctx context.Context, img capture.Payload, instruction string) (string, error) {
	cfg := a.config()

	body := map[string]any{
		"model": cfg.Model,
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "text", "text": instruction},
					map[string]any{"type": "image_url", "image_url": map[string]any{"url": img.DataURI()}},
				},
			},
		},
	}
	if cfg.MaxTokens > 0 {
		body["max_tokens"] = cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		body["temperature"] = *cfg.Temperature
	}

	raw, err := a.post(ctx, cfg.BaseURL+"/chat/completions", a.authHeaders(cfg), body)
	if err != nil {
		return "", err
	}
	return extractChoicesText(raw)
}

func (a *openAIAdapter) TestConnection(ctx context.Context) (string, error) {
	cfg := a.config()

	body := map[string]any{
		"model": cfg.Model,
		"messages": []any{
			map[string]any{"role": "user", "content": "Reply with the single word OK."},
		},
		"max_tokens": 8,
	}

	raw, err := a.post(ctx, cfg.BaseURL+"/chat/completions", a.authHeaders(cfg), body)
	if err != nil {
		return "", err
	}

	var env struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.Model != "" {
		return env.Model, nil
	}
	return cfg.Model, nil
}

func (a *openAIAdapter) authHeaders(cfg ProviderConfig) map[string]string {
	if cfg.APIKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + cfg.APIKey}
}

// extractChoicesText pulls the first non-empty message content from the
// choices array.
func extractChoicesText(raw []byte) (string, error) {
	var env struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: unparseable response: %s", ErrTransport, err.Error())
	}
	for _, ch := range env.Choices {
		if text := strings.TrimSpace(ch.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyResult
}
