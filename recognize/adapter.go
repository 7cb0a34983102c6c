// Package recognize sends captured CAPTCHA images to a configured
// multimodal model endpoint and returns the transcribed text. Three wire
// protocols (OpenAI-compatible, Gemini-style, Claude-style) hide behind one
// Adapter contract; the Dispatcher owns selection, timeout, retry and
// outcome bookkeeping.
package recognize

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/capsolve/capture"
	"github.com/hazyhaar/capsolve/horosafe"
)

// Adapter is the contract every provider family implements. Implementations
// are safe for concurrent use and tolerate reconfiguration after
// construction without being rebuilt.
type Adapter interface {
	// Recognize sends the image with the instruction text and returns the
	// first non-empty textual answer.
	Recognize(ctx context.Context, img capture.Payload, instruction string) (string, error)
	// TestConnection performs a minimal round trip and returns the model
	// identifier echoed by the provider.
	TestConnection(ctx context.Context) (string, error)
	// Reconfigure swaps the adapter's configuration, re-normalizing
	// immediately.
	Reconfigure(cfg ProviderConfig)
}

// NewAdapter builds the adapter for a config's provider family. This is the
// single point dispatching on the family tag.
func NewAdapter(cfg ProviderConfig) (Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Family {
	case FamilyOpenAI:
		return &openAIAdapter{core: newCore(cfg)}, nil
	case FamilyGemini:
		return &geminiAdapter{core: newCore(cfg)}, nil
	case FamilyClaude:
		return &claudeAdapter{core: newCore(cfg)}, nil
	default:
		return nil, fmt.Errorf("recognize: unknown provider family %q", cfg.Family)
	}
}

// sharedClient is reused by all adapters. Timeout stays 0: per-attempt
// deadlines come from the request context so the dispatcher controls them,
// and cancellation actually aborts the transport. The generous response
// header timeout absorbs slow model TTFB.
var sharedClient = &http.Client{
	Transport: &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 120 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	},
}

// core holds the pieces common to all three adapters: the mutable
// re-normalized config and the HTTP plumbing.
type core struct {
	mu  sync.RWMutex
	cfg ProviderConfig
	hc  *http.Client
}

func newCore(cfg ProviderConfig) core {
	return core{cfg: cfg.normalized(), hc: sharedClient}
}

func (c *core) Reconfigure(cfg ProviderConfig) {
	c.mu.Lock()
	c.cfg = cfg.normalized()
	c.mu.Unlock()
}

func (c *core) config() ProviderConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// post sends a JSON body. Built-in headers are applied first, then the
// caller-configured custom headers: applied last, they win key collisions.
// Non-2xx responses are parsed for a structured provider error message with
// an "HTTP status: statusText" fallback.
func (c *core) post(ctx context.Context, url string, headers map[string]string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("recognize: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("recognize: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for k, v := range c.config().Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrTimeout, err.Error())
		}
		return nil, fmt.Errorf("%w: %s", ErrTransport, err.Error())
	}
	defer resp.Body.Close()

	raw, err := horosafe.LimitedReadAll(resp.Body, horosafe.MaxResponseBody)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %s", ErrTransport, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s", ErrTransport, apiErrorMessage(resp, raw))
	}
	return raw, nil
}

// apiErrorMessage extracts {"error":{"message":...}} — the shape all three
// families share — falling back to the status line when the body is not
// parseable JSON or lacks the field.
func apiErrorMessage(resp *http.Response, raw []byte) string {
	var env struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err == nil {
		if msg := strings.TrimSpace(env.Error.Message); msg != "" {
			return msg
		}
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
}
