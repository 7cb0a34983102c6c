// Package fill types recognized text into a page input the way a person
// would: focus, per-character key events with jittered delays, then the
// change/blur pair frameworks listen for. Everything the page actually sees
// goes through the Target capability, so the sequencing logic stays
// testable without a browser.
package fill

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Key phases dispatched around each appended character.
const (
	KeyDown = "keydown"
	KeyUp   = "keyup"
)

// Delay bounds between simulated keystrokes, in milliseconds.
const (
	minKeyDelayMs = 50
	maxKeyDelayMs = 150
)

// highlightDuration is how long the filled input stays visually marked.
const highlightDuration = 2 * time.Second

// Target is the surface the engine drives. Implementations dispatch real
// DOM events against a live element; tests substitute a recorder. Every
// method may fail if the element detached mid-sequence.
type Target interface {
	Focus(ctx context.Context) error
	// SetValue replaces the element's whole value. SetValue(ctx, "")
	// clears it.
	SetValue(ctx context.Context, value string) error
	// AppendChar appends one character to the current value without
	// replacing what is already there.
	AppendChar(ctx context.Context, ch rune) error
	// DispatchKey fires a keyboard event of the given phase for ch.
	DispatchKey(ctx context.Context, phase string, ch rune) error
	DispatchInput(ctx context.Context) error
	DispatchChange(ctx context.Context) error
	Blur(ctx context.Context) error
	// Highlight marks the element for roughly d; purely cosmetic.
	Highlight(ctx context.Context, d time.Duration) error

	// SubmitForm fires a cancelable submit event on the enclosing form
	// and, when no listener cancels it, submits natively. Returns false
	// when the element has no enclosing form.
	SubmitForm(ctx context.Context) (bool, error)
	// ClickSubmitControl clicks a submit-typed control found near the
	// element. Returns false when none exists.
	ClickSubmitControl(ctx context.Context) (bool, error)
	// PressEnter runs the full Enter key sequence on the element.
	PressEnter(ctx context.Context) error
}

// Options select the typing style and what happens after the value lands.
type Options struct {
	// SimulateKeystrokes types character by character with key events
	// and human-ish delays instead of assigning the value at once.
	SimulateKeystrokes bool
	// AutoSubmit tries to submit the surrounding form once the value is
	// in place.
	AutoSubmit bool
}

// Engine fills inputs. The zero value is not usable; construct with New.
type Engine struct {
	log *slog.Logger

	// keyDelay returns the pause before the next keystroke. Injectable
	// so tests run instantly.
	keyDelay func() time.Duration
	sleep    func(ctx context.Context, d time.Duration)
}

func New(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log: log,
		keyDelay: func() time.Duration {
			ms := minKeyDelayMs + rand.IntN(maxKeyDelayMs-minKeyDelayMs+1)
			return time.Duration(ms) * time.Millisecond
		},
		sleep: sleepCtx,
	}
}

// Fill writes text into target and reports whether the whole sequence
// landed. Failures are logged, never raised: a fill that dies halfway
// must not take the caller down with it.
func (e *Engine) Fill(ctx context.Context, target Target, text string, opts Options) bool {
	if target == nil {
		e.log.Warn("fill: no target element")
		return false
	}

	if err := target.Focus(ctx); err != nil {
		e.log.Error("fill: focus failed", "error", err)
		return false
	}
	// Clear first so retries on a half-filled input start clean. The
	// input event tells reactive frameworks the old value is gone.
	if err := target.SetValue(ctx, ""); err != nil {
		e.log.Error("fill: clear failed", "error", err)
		return false
	}
	if err := target.DispatchInput(ctx); err != nil {
		e.log.Error("fill: input event after clear failed", "error", err)
		return false
	}

	var err error
	if opts.SimulateKeystrokes {
		err = e.typeText(ctx, target, text)
	} else {
		err = setText(ctx, target, text)
	}
	if err != nil {
		e.log.Error("fill: writing value failed", "error", err)
		return false
	}

	if err := target.DispatchChange(ctx); err != nil {
		e.log.Error("fill: change event failed", "error", err)
		return false
	}
	if err := target.Blur(ctx); err != nil {
		e.log.Error("fill: blur failed", "error", err)
		return false
	}

	// Cosmetic; a failed highlight does not fail the fill.
	if err := target.Highlight(ctx, highlightDuration); err != nil {
		e.log.Debug("fill: highlight failed", "error", err)
	}

	if opts.AutoSubmit {
		if err := e.submit(ctx, target); err != nil {
			e.log.Error("fill: auto-submit failed", "error", err)
			return false
		}
	}
	return true
}

// typeText sends one keydown/append/input/keyup round per character with a
// jittered pause between characters, matching how pages observe a human
// typist.
func (e *Engine) typeText(ctx context.Context, target Target, text string) error {
	runes := []rune(text)
	for i, ch := range runes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := target.DispatchKey(ctx, KeyDown, ch); err != nil {
			return err
		}
		if err := target.AppendChar(ctx, ch); err != nil {
			return err
		}
		if err := target.DispatchInput(ctx); err != nil {
			return err
		}
		if err := target.DispatchKey(ctx, KeyUp, ch); err != nil {
			return err
		}
		if i < len(runes)-1 {
			e.sleep(ctx, e.keyDelay())
		}
	}
	return nil
}

func setText(ctx context.Context, target Target, text string) error {
	if err := target.SetValue(ctx, text); err != nil {
		return err
	}
	return target.DispatchInput(ctx)
}

// submit walks the fallback chain: form submit, then a nearby submit
// control, then Enter on the input itself.
func (e *Engine) submit(ctx context.Context, target Target) error {
	done, err := target.SubmitForm(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}
	clicked, err := target.ClickSubmitControl(ctx)
	if err != nil {
		return err
	}
	if clicked {
		return nil
	}
	return target.PressEnter(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
