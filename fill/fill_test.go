package fill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// fakeTarget records every call as a compact event string so tests can
// assert on exact ordering.
type fakeTarget struct {
	events []string
	value  string

	failOn string // method name that returns an error

	hasForm       bool
	formCancelled bool
	hasControl    bool
}

func (f *fakeTarget) fail(method string) error {
	if f.failOn == method {
		return errors.New("fakeTarget: " + method + " failed")
	}
	return nil
}

func (f *fakeTarget) Focus(ctx context.Context) error {
	f.events = append(f.events, "focus")
	return f.fail("focus")
}

func (f *fakeTarget) SetValue(ctx context.Context, value string) error {
	f.events = append(f.events, "set:"+value)
	f.value = value
	return f.fail("set")
}

func (f *fakeTarget) AppendChar(ctx context.Context, ch rune) error {
	f.events = append(f.events, "append:"+string(ch))
	f.value += string(ch)
	return f.fail("append")
}

func (f *fakeTarget) DispatchKey(ctx context.Context, phase string, ch rune) error {
	f.events = append(f.events, phase+":"+string(ch))
	return f.fail(phase)
}

func (f *fakeTarget) DispatchInput(ctx context.Context) error {
	f.events = append(f.events, "input")
	return f.fail("input")
}

func (f *fakeTarget) DispatchChange(ctx context.Context) error {
	f.events = append(f.events, "change")
	return f.fail("change")
}

func (f *fakeTarget) Blur(ctx context.Context) error {
	f.events = append(f.events, "blur")
	return f.fail("blur")
}

func (f *fakeTarget) Highlight(ctx context.Context, d time.Duration) error {
	f.events = append(f.events, "highlight")
	return f.fail("highlight")
}

func (f *fakeTarget) SubmitForm(ctx context.Context) (bool, error) {
	f.events = append(f.events, "submitForm")
	if err := f.fail("submitForm"); err != nil {
		return false, err
	}
	return f.hasForm && !f.formCancelled, nil
}

func (f *fakeTarget) ClickSubmitControl(ctx context.Context) (bool, error) {
	f.events = append(f.events, "clickSubmit")
	if err := f.fail("clickSubmit"); err != nil {
		return false, err
	}
	return f.hasControl, nil
}

func (f *fakeTarget) PressEnter(ctx context.Context) error {
	f.events = append(f.events, "enter")
	return f.fail("enter")
}

func (f *fakeTarget) count(event string) int {
	n := 0
	for _, e := range f.events {
		if e == event {
			n++
		}
	}
	return n
}

func newTestEngine() (*Engine, *[]time.Duration) {
	e := New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var delays []time.Duration
	e.keyDelay = func() time.Duration { return 75 * time.Millisecond }
	e.sleep = func(ctx context.Context, d time.Duration) { delays = append(delays, d) }
	return e, &delays
}

func TestNew_KeyDelayWithinTypingBounds(t *testing.T) {
	e := New(nil)
	for range 200 {
		d := e.keyDelay()
		if d < minKeyDelayMs*time.Millisecond || d > maxKeyDelayMs*time.Millisecond {
			t.Fatalf("key delay %v outside %d-%dms", d, minKeyDelayMs, maxKeyDelayMs)
		}
	}
}

func TestEngine_Fill_KeystrokeSequence(t *testing.T) {
	e, delays := newTestEngine()
	tgt := &fakeTarget{}

	ok := e.Fill(context.Background(), tgt, "AB3x", Options{SimulateKeystrokes: true})
	if !ok {
		t.Fatal("fill: got false, want true")
	}
	if tgt.value != "AB3x" {
		t.Errorf("final value: got %q, want AB3x", tgt.value)
	}

	// Each character gets its own keydown/append/input/keyup round, in
	// order.
	for _, ch := range "AB3x" {
		s := string(ch)
		wanted := []string{"keydown:" + s, "append:" + s, "keyup:" + s}
		idx := -1
		for _, w := range wanted {
			next := indexAfter(tgt.events, w, idx)
			if next < 0 {
				t.Fatalf("missing or out-of-order event %q in %v", w, tgt.events)
			}
			idx = next
		}
	}
	if got := tgt.count("keydown:A") + tgt.count("keydown:B") + tgt.count("keydown:3") + tgt.count("keydown:x"); got != 4 {
		t.Errorf("keydown count: got %d, want 4", got)
	}
	if got := tgt.count("change"); got != 1 {
		t.Errorf("change count: got %d, want 1", got)
	}
	if got := tgt.count("blur"); got != 1 {
		t.Errorf("blur count: got %d, want 1", got)
	}
	// Change fires before blur.
	if indexAfter(tgt.events, "blur", indexAfter(tgt.events, "change", -1)) < 0 {
		t.Errorf("blur did not follow change: %v", tgt.events)
	}
	// Three inter-character pauses for four characters.
	if len(*delays) != 3 {
		t.Errorf("pauses: got %d, want 3", len(*delays))
	}
}

func TestEngine_Fill_ClearsBeforeTyping(t *testing.T) {
	e, _ := newTestEngine()
	tgt := &fakeTarget{value: "stale"}

	if ok := e.Fill(context.Background(), tgt, "Z9", Options{SimulateKeystrokes: true}); !ok {
		t.Fatal("fill: got false, want true")
	}
	if tgt.events[1] != "set:" {
		t.Errorf("second event: got %q, want clearing set", tgt.events[1])
	}
	if tgt.events[2] != "input" {
		t.Errorf("third event: got %q, want input after clear", tgt.events[2])
	}
	if tgt.value != "Z9" {
		t.Errorf("final value: got %q, want Z9", tgt.value)
	}
}

func TestEngine_Fill_DirectMode(t *testing.T) {
	e, delays := newTestEngine()
	tgt := &fakeTarget{}

	if ok := e.Fill(context.Background(), tgt, "QW12", Options{}); !ok {
		t.Fatal("fill: got false, want true")
	}
	if tgt.value != "QW12" {
		t.Errorf("final value: got %q, want QW12", tgt.value)
	}
	for _, ev := range tgt.events {
		if strings.HasPrefix(ev, "keydown") || strings.HasPrefix(ev, "append") {
			t.Errorf("direct mode dispatched key event %q", ev)
		}
	}
	if len(*delays) != 0 {
		t.Errorf("direct mode paused %d times", len(*delays))
	}
	if got := tgt.count("change"); got != 1 {
		t.Errorf("change count: got %d, want 1", got)
	}
}

func TestEngine_Fill_NilTarget(t *testing.T) {
	e, _ := newTestEngine()
	if ok := e.Fill(context.Background(), nil, "AB", Options{}); ok {
		t.Fatal("fill with nil target: got true, want false")
	}
}

func TestEngine_Fill_ErrorsReturnFalse(t *testing.T) {
	for _, method := range []string{"focus", "set", "input", "change", "blur"} {
		e, _ := newTestEngine()
		tgt := &fakeTarget{failOn: method}
		if ok := e.Fill(context.Background(), tgt, "AB", Options{}); ok {
			t.Errorf("fill with failing %s: got true, want false", method)
		}
	}
}

func TestEngine_Fill_HighlightFailureIsNotFatal(t *testing.T) {
	e, _ := newTestEngine()
	tgt := &fakeTarget{failOn: "highlight"}
	if ok := e.Fill(context.Background(), tgt, "AB", Options{}); !ok {
		t.Fatal("fill: highlight failure should not fail the fill")
	}
}

func TestEngine_Fill_AutoSubmitFallbackChain(t *testing.T) {
	cases := []struct {
		name string
		tgt  *fakeTarget
		want []string
	}{
		{"form submits", &fakeTarget{hasForm: true}, []string{"submitForm"}},
		{"cancelled form falls to control", &fakeTarget{hasForm: true, formCancelled: true, hasControl: true}, []string{"submitForm", "clickSubmit"}},
		{"no form clicks control", &fakeTarget{hasControl: true}, []string{"submitForm", "clickSubmit"}},
		{"nothing found presses enter", &fakeTarget{}, []string{"submitForm", "clickSubmit", "enter"}},
	}
	for _, tc := range cases {
		e, _ := newTestEngine()
		if ok := e.Fill(context.Background(), tc.tgt, "AB", Options{AutoSubmit: true}); !ok {
			t.Fatalf("%s: fill returned false", tc.name)
		}
		// The submit chain runs after blur.
		start := indexAfter(tc.tgt.events, "blur", -1)
		got := tc.tgt.events[start+1:]
		// Highlight sits between blur and the chain.
		if len(got) > 0 && got[0] == "highlight" {
			got = got[1:]
		}
		if fmt.Sprint(got) != fmt.Sprint(tc.want) {
			t.Errorf("%s: submit chain got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestEngine_Fill_ContextCancelledMidType(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithCancel(context.Background())
	tgt := &fakeTarget{}
	e.sleep = func(ctx context.Context, d time.Duration) { cancel() }

	if ok := e.Fill(ctx, tgt, "ABCDEF", Options{SimulateKeystrokes: true}); ok {
		t.Fatal("fill: got true after cancellation mid-type")
	}
	if tgt.value == "ABCDEF" {
		t.Error("typing ran to completion despite cancellation")
	}
}

// indexAfter returns the index of the first occurrence of event strictly
// after position from, or -1.
func indexAfter(events []string, event string, from int) int {
	for i := from + 1; i < len(events); i++ {
		if events[i] == event {
			return i
		}
	}
	return -1
}
