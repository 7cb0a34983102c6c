package recognize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/hazyhaar/capsolve/horosafe"
)

// Family discriminates the three wire protocols the adapters speak. The
// single dispatch point on this tag is NewAdapter; adding a fourth provider
// is a localized change there.
type Family string

const (
	FamilyOpenAI Family = "openai" // OpenAI-compatible chat completions
	FamilyGemini Family = "gemini" // Google generateContent
	FamilyClaude Family = "claude" // Anthropic messages
)

// Default base endpoints per family, used when the config leaves BaseURL
// empty. Self-hosted gateways override with their own URL.
var defaultBaseURLs = map[Family]string{
	FamilyOpenAI: "https://api.openai.com/v1",
	FamilyGemini: "https://generativelanguage.googleapis.com/v1beta",
	FamilyClaude: "https://api.anthropic.com/v1",
}

// DefaultInstruction is the prompt sent with every image unless the provider
// config carries its own.
const DefaultInstruction = "Recognize the characters shown in this CAPTCHA image. " +
	"Reply with the characters only - no explanation, no punctuation, no whitespace."

// ProviderConfig describes one configured vision-model endpoint. The core
// treats it as an immutable value per call: adapters clone-and-normalize
// internally and never mutate the caller's copy.
type ProviderConfig struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name" yaml:"name"`
	Family      Family            `json:"family" yaml:"family"`
	BaseURL     string            `json:"base_url" yaml:"base_url"`
	Model       string            `json:"model" yaml:"model"`
	APIKey      string            `json:"api_key,omitempty" yaml:"api_key"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers"`
	MaxTokens   int               `json:"max_tokens,omitempty" yaml:"max_tokens"`
	Temperature *float64          `json:"temperature,omitempty" yaml:"temperature"`
	Instruction string            `json:"instruction,omitempty" yaml:"instruction"`

	// AllowPrivateEndpoint permits base URLs resolving to private or
	// loopback addresses (self-hosted models).
	AllowPrivateEndpoint bool `json:"allow_private_endpoint,omitempty" yaml:"allow_private_endpoint"`
}

// normalized returns a deep copy with whitespace trimmed, trailing slashes
// stripped from the base URL, and the family default applied when the base
// URL is empty.
func (c ProviderConfig) normalized() ProviderConfig {
	out := c
	out.BaseURL = strings.TrimSpace(out.BaseURL)
	if out.BaseURL == "" {
		out.BaseURL = defaultBaseURLs[out.Family]
	}
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	out.Model = strings.TrimSpace(out.Model)
	out.APIKey = strings.TrimSpace(out.APIKey)
	out.Headers = maps.Clone(out.Headers)
	if out.Temperature != nil {
		t := *out.Temperature
		out.Temperature = &t
	}
	return out
}

// instruction returns the effective prompt text.
func (c ProviderConfig) instruction() string {
	if s := strings.TrimSpace(c.Instruction); s != "" {
		return s
	}
	return DefaultInstruction
}

// Validate checks the config is usable before an adapter is built for it.
func (c ProviderConfig) Validate() error {
	switch c.Family {
	case FamilyOpenAI, FamilyGemini, FamilyClaude:
	default:
		return fmt.Errorf("recognize: unknown provider family %q", c.Family)
	}
	n := c.normalized()
	if n.Model == "" {
		return fmt.Errorf("recognize: model is required")
	}
	if err := horosafe.ValidateEndpointURL(n.BaseURL, n.AllowPrivateEndpoint); err != nil {
		return fmt.Errorf("recognize: base URL: %w", err)
	}
	return nil
}

// Identity is a stable digest of everything an adapter normalizes from the
// config. The dispatcher's adapter cache is keyed by it, so two configs that
// would behave identically share one adapter.
func (c ProviderConfig) Identity() string {
	n := c.normalized()
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|", n.Family, n.BaseURL, n.Model, n.APIKey, n.MaxTokens)
	if n.Temperature != nil {
		fmt.Fprintf(h, "%g|", *n.Temperature)
	}
	fmt.Fprintf(h, "%s|", n.Instruction)
	keys := make([]string, 0, len(n.Headers))
	for k := range n.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s|", k, n.Headers[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}
