package recognize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/capsolve/capture"
)

// claudeAdapter speaks the Anthropic messages protocol: vendor header auth
// (x-api-key plus a pinned anthropic-version), image as a typed base64
// source block, answer in typed content blocks.
type claudeAdapter struct {
	core
}

const anthropicVersion = "2023-06-01"

// claudeDefaultMaxTokens applies when the config leaves MaxTokens unset;
// the messages protocol requires the field.
const claudeDefaultMaxTokens = 1024

func (a *claudeAdapter) Recognize(ctx context.Context, img capture.Payload, instruction string) (string, error) {
	cfg := a.config()

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxTokens
	}
	body := map[string]any{
		"model":      cfg.Model,
		"max_tokens": maxTokens,
		"messages": []any{
			map[string]any{
				"role": "user",
				"content": []any{
					map[string]any{"type": "image", "source": map[string]any{
						"type":       "base64",
						"media_type": img.MIME,
						"data":       img.Base64(),
					}},
					map[string]any{"type": "text", "text": instruction},
				},
			},
		},
	}
	if cfg.Temperature != nil {
		body["temperature"] = *cfg.Temperature
	}

	raw, err := a.post(ctx, cfg.BaseURL+"/messages", a.authHeaders(cfg), body)
	if err != nil {
		return "", err
	}
	text, _, err := extractContentBlocks(raw)
	return text, err
}

func (a *claudeAdapter) TestConnection(ctx context.Context) (string, error) {
	cfg := a.config()

	body := map[string]any{
		"model":      cfg.Model,
		"max_tokens": 8,
		"messages": []any{
			map[string]any{"role": "user", "content": "Reply with the single word OK."},
		},
	}

	raw, err := a.post(ctx, cfg.BaseURL+"/messages", a.authHeaders(cfg), body)
	if err != nil {
		return "", err
	}
	_, model, err := extractContentBlocks(raw)
	if err != nil {
		return "", err
	}
	if model == "" {
		model = cfg.Model
	}
	return model, nil
}

func (a *claudeAdapter) authHeaders(cfg ProviderConfig) map[string]string {
	h := map[string]string{"anthropic-version": anthropicVersion}
	if cfg.APIKey != "" {
		h["x-api-key"] = cfg.APIKey
	}
	return h
}

// extractContentBlocks pulls the first non-empty text block and the echoed
// model identifier.
func extractContentBlocks(raw []byte) (text, model string, err error) {
	var env struct {
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", "", fmt.Errorf("%w: unparseable response: %s", ErrTransport, err.Error())
	}
	for _, block := range env.Content {
		if block.Type != "text" && block.Type != "" {
			continue
		}
		if t := strings.TrimSpace(block.Text); t != "" {
			return t, env.Model, nil
		}
	}
	return "", env.Model, ErrEmptyResult
}
