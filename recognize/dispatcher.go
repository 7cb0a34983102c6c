package recognize

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/capsolve/capture"
)

// Settings are the dispatch-relevant global settings resolved per call.
type Settings struct {
	TimeoutMs  int
	RetryCount int
}

func (s *Settings) defaults() {
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = 30_000
	}
	if s.RetryCount <= 0 {
		s.RetryCount = 1
	}
}

// ConfigSource resolves the active provider configuration and global
// settings from the persisted store. ActiveProvider returns (nil, nil) when
// nothing is configured.
type ConfigSource interface {
	ActiveProvider(ctx context.Context) (*ProviderConfig, error)
	Settings(ctx context.Context) (Settings, error)
}

// Recorder receives exactly one outcome per top-level recognize call,
// success or terminal failure. Implementations must not block the dispatch
// path on their own failures (record, log, move on).
type Recorder interface {
	RecordOutcome(ctx context.Context, o Outcome)
}

// Outcome is the structured result of one dispatch. The dispatcher never
// lets an error escape past this boundary: UI layers branch on OK and
// ErrKind instead of handling exceptions.
type Outcome struct {
	OK        bool   `json:"ok"`
	Text      string `json:"text,omitempty"`
	ErrKind   string `json:"error_kind,omitempty"`
	Message   string `json:"message,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Attempts  int    `json:"attempts"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
}

// connectionTestTimeout is fixed and generous, independent of the
// user-configured per-attempt budget: a diagnostic action should not fail
// just because the user tuned recognition aggressively.
const connectionTestTimeout = 30 * time.Second

// backoffStep is the linear backoff unit between attempts.
const backoffStep = time.Second

// Dispatcher owns adapter selection, prompt construction, per-attempt
// timeout, retry with linear backoff, and outcome bookkeeping. It keeps no
// state across calls beyond the adapter cache keyed by config identity.
type Dispatcher struct {
	src ConfigSource
	rec Recorder
	log *slog.Logger

	// Injectable for tests.
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	newAdapter func(ProviderConfig) (Adapter, error)

	mu       sync.Mutex
	adapters map[string]Adapter
}

// NewDispatcher creates a Dispatcher over the given config source and
// outcome recorder. A nil logger falls back to slog.Default.
func NewDispatcher(src ConfigSource, rec Recorder, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		src:        src,
		rec:        rec,
		log:        log,
		sleep:      sleepCtx,
		now:        time.Now,
		newAdapter: NewAdapter,
		adapters:   make(map[string]Adapter),
	}
}

// Recognize runs one end-to-end dispatch: resolve config, pick the adapter,
// loop attempts under the per-attempt timeout with linear backoff, and
// record the outcome exactly once. Attempts are strictly sequential; a
// second concurrent Recognize proceeds independently (callers wanting
// serialization must arrange it themselves).
func (d *Dispatcher) Recognize(ctx context.Context, img capture.Payload) Outcome {
	start := d.now()
	out := d.dispatch(ctx, img)
	out.ElapsedMs = d.now().Sub(start).Milliseconds()

	if d.rec != nil {
		d.rec.RecordOutcome(ctx, out)
	}
	if out.OK {
		d.log.Info("recognize: success", "attempts", out.Attempts, "elapsed_ms", out.ElapsedMs)
	} else {
		d.log.Warn("recognize: failed", "kind", out.ErrKind, "message", out.Message,
			"attempts", out.Attempts, "elapsed_ms", out.ElapsedMs)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, img capture.Payload) Outcome {
	cfg, err := d.src.ActiveProvider(ctx)
	if err != nil {
		return failure(err, 0, "", "")
	}
	if cfg == nil {
		return failure(ErrNotConfigured, 0, "", "")
	}

	settings, err := d.src.Settings(ctx)
	if err != nil {
		return failure(err, 0, string(cfg.Family), cfg.Model)
	}
	settings.defaults()

	adapter, err := d.adapter(*cfg)
	if err != nil {
		return failure(err, 0, string(cfg.Family), cfg.Model)
	}

	instruction := cfg.instruction()
	timeout := time.Duration(settings.TimeoutMs) * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < settings.RetryCount; attempt++ {
		text, err := d.attempt(ctx, adapter, img, instruction, timeout)
		if err == nil {
			return Outcome{
				OK:       true,
				Text:     text,
				Attempts: attempt + 1,
				Provider: string(cfg.Family),
				Model:    cfg.Model,
			}
		}
		lastErr = err
		d.log.Debug("recognize: attempt failed", "attempt", attempt+1, "error", err)

		if !retryable(err) {
			return failure(err, attempt+1, string(cfg.Family), cfg.Model)
		}
		if attempt < settings.RetryCount-1 {
			// Linear backoff: 1000ms, 2000ms, ...
			if err := d.sleep(ctx, time.Duration(attempt+1)*backoffStep); err != nil {
				return failure(lastErr, attempt+1, string(cfg.Family), cfg.Model)
			}
		}
	}
	return failure(lastErr, settings.RetryCount, string(cfg.Family), cfg.Model)
}

// attempt runs a single adapter call under a hard deadline. The context
// deadline propagates into the HTTP transport, so an expired attempt aborts
// the request itself rather than merely ignoring a late result.
func (d *Dispatcher) attempt(ctx context.Context, adapter Adapter, img capture.Payload, instruction string, timeout time.Duration) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	text, err := adapter.Recognize(attemptCtx, img, instruction)
	if err != nil {
		if attemptCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return "", err
	}
	return text, nil
}

// TestConnection checks a (possibly unsaved) configuration with a single
// attempt under the fixed diagnostic timeout. No retry, no outcome
// recording.
func (d *Dispatcher) TestConnection(ctx context.Context, cfg ProviderConfig) Outcome {
	start := d.now()

	adapter, err := d.newAdapter(cfg)
	if err != nil {
		out := failure(err, 0, string(cfg.Family), cfg.Model)
		out.ElapsedMs = d.now().Sub(start).Milliseconds()
		return out
	}

	testCtx, cancel := context.WithTimeout(ctx, connectionTestTimeout)
	defer cancel()

	model, err := adapter.TestConnection(testCtx)
	out := Outcome{Provider: string(cfg.Family), Model: cfg.Model, Attempts: 1}
	if err != nil {
		out.ErrKind = KindOf(err)
		out.Message = err.Error()
	} else {
		out.OK = true
		out.Text = model
	}
	out.ElapsedMs = d.now().Sub(start).Milliseconds()
	return out
}

// adapter returns the cached adapter for the config identity, building one
// on first use. Adapters are stateless beyond their re-normalizable config,
// so concurrent reuse needs no further locking.
func (d *Dispatcher) adapter(cfg ProviderConfig) (Adapter, error) {
	key := cfg.Identity()

	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.adapters[key]; ok {
		return a, nil
	}
	a, err := d.newAdapter(cfg)
	if err != nil {
		return nil, err
	}
	d.adapters[key] = a
	return a, nil
}

func failure(err error, attempts int, provider, model string) Outcome {
	return Outcome{
		ErrKind:  KindOf(err),
		Message:  err.Error(),
		Attempts: attempts,
		Provider: provider,
		Model:    model,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
