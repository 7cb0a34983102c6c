package recognize

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/capsolve/capture"
)

// geminiAdapter speaks the Google generateContent protocol: API key header,
// image as an inline_data part, answer nested in candidate/content/parts.
type geminiAdapter struct {
	core
}

func (a *geminiAdapter) Recognize(ctx context.Context, img capture.Payload, instruction string) (string, error) {
	cfg := a.config()

	body := map[string]any{
		"contents": []any{
			map[string]any{
				"parts": []any{
					map[string]any{"text": instruction},
					map[string]any{"inline_data": map[string]any{
						"mime_type": img.MIME,
						"data":      img.Base64(),
					}},
				},
			},
		},
	}
	gen := map[string]any{}
	if cfg.MaxTokens > 0 {
		gen["maxOutputTokens"] = cfg.MaxTokens
	}
	if cfg.Temperature != nil {
		gen["temperature"] = *cfg.Temperature
	}
	if len(gen) > 0 {
		body["generationConfig"] = gen
	}

	raw, err := a.post(ctx, a.endpoint(cfg), a.authHeaders(cfg), body)
	if err != nil {
		return "", err
	}
	return extractCandidateParts(raw)
}

func (a *geminiAdapter) TestConnection(ctx context.Context) (string, error) {
	cfg := a.config()

	body := map[string]any{
		"contents": []any{
			map[string]any{"parts": []any{map[string]any{"text": "Reply with the single word OK."}}},
		},
		"generationConfig": map[string]any{"maxOutputTokens": 8},
	}

	raw, err := a.post(ctx, a.endpoint(cfg), a.authHeaders(cfg), body)
	if err != nil {
		return "", err
	}

	var env struct {
		ModelVersion string `json:"modelVersion"`
	}
	if err := json.Unmarshal(raw, &env); err == nil && env.ModelVersion != "" {
		return env.ModelVersion, nil
	}
	return cfg.Model, nil
}

func (a *geminiAdapter) endpoint(cfg ProviderConfig) string {
	return fmt.Sprintf("%s/models/%s:generateContent", cfg.BaseURL, cfg.Model)
}

func (a *geminiAdapter) authHeaders(cfg ProviderConfig) map[string]string {
	if cfg.APIKey == "" {
		return nil
	}
	return map[string]string{"x-goog-api-key": cfg.APIKey}
}

// extractCandidateParts pulls the first non-empty text part from the nested
// candidates/content/parts structure.
func extractCandidateParts(raw []byte) (string, error) {
	var env struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: unparseable response: %s", ErrTransport, err.Error())
	}
	for _, cand := range env.Candidates {
		for _, part := range cand.Content.Parts {
			if text := strings.TrimSpace(part.Text); text != "" {
				return text, nil
			}
		}
	}
	return "", ErrEmptyResult
}
