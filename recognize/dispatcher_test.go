package recognize

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/capsolve/capture"
)

type fakeSource struct {
	cfg      *ProviderConfig
	settings Settings
}

func (f *fakeSource) ActiveProvider(ctx context.Context) (*ProviderConfig, error) {
	return f.cfg, nil
}
func (f *fakeSource) Settings(ctx context.Context) (Settings, error) {
	return f.settings, nil
}

type fakeRecorder struct {
	mu    sync.Mutex
	calls []Outcome
}

func (f *fakeRecorder) RecordOutcome(ctx context.Context, o Outcome) {
	f.mu.Lock()
	f.calls = append(f.calls, o)
	f.mu.Unlock()
}

type scriptedAdapter struct {
	failures int // fail this many times before succeeding
	calls    int
	err      error
	text     string
}

func (s *scriptedAdapter) Recognize(ctx context.Context, img capture.Payload, instruction string) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", s.err
	}
	return s.text, nil
}
func (s *scriptedAdapter) TestConnection(ctx context.Context) (string, error) { return "m", nil }
func (s *scriptedAdapter) Reconfigure(cfg ProviderConfig)                     {}

func testConfig() *ProviderConfig {
	return &ProviderConfig{
		ID: "cfg1", Family: FamilyOpenAI, Model: "gpt-4o-mini",
		BaseURL: "https://api.example.com/v1",
	}
}

func newTestDispatcher(t *testing.T, adapter Adapter, src ConfigSource, rec Recorder) (*Dispatcher, *[]time.Duration) {
	t.Helper()
	d := NewDispatcher(src, rec, nil)
	var slept []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) error {
		slept = append(slept, dur)
		return nil
	}
	d.newAdapter = func(cfg ProviderConfig) (Adapter, error) { return adapter, nil }
	return d, &slept
}

func TestRecognize_ExhaustsRetriesWithLinearBackoff(t *testing.T) {
	adapter := &scriptedAdapter{failures: 99, err: ErrTransport}
	rec := &fakeRecorder{}
	d, slept := newTestDispatcher(t, adapter,
		&fakeSource{cfg: testConfig(), settings: Settings{TimeoutMs: 5000, RetryCount: 3}}, rec)

	out := d.Recognize(context.Background(), capture.Payload{MIME: "image/png", Data: []byte("x")})

	if out.OK {
		t.Fatal("outcome: got OK, want failure")
	}
	if adapter.calls != 3 {
		t.Errorf("attempts: got %d, want exactly 3", adapter.calls)
	}
	if out.Attempts != 3 {
		t.Errorf("outcome attempts: got %d, want 3", out.Attempts)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second}
	if len(*slept) != len(want) {
		t.Fatalf("backoff sleeps: got %v, want %v", *slept, want)
	}
	for i, dur := range want {
		if (*slept)[i] != dur {
			t.Errorf("backoff[%d]: got %v, want %v", i, (*slept)[i], dur)
		}
	}
	if len(rec.calls) != 1 {
		t.Errorf("outcome records: got %d, want exactly 1", len(rec.calls))
	}
	if out.ErrKind != KindTransport {
		t.Errorf("error kind: got %q, want %q", out.ErrKind, KindTransport)
	}
}

func TestRecognize_SucceedsOnThirdAttempt(t *testing.T) {
	adapter := &scriptedAdapter{failures: 2, err: ErrEmptyResult, text: "AB3X"}
	rec := &fakeRecorder{}
	d, _ := newTestDispatcher(t, adapter,
		&fakeSource{cfg: testConfig(), settings: Settings{TimeoutMs: 5000, RetryCount: 3}}, rec)

	out := d.Recognize(context.Background(), capture.Payload{MIME: "image/png", Data: []byte("x")})

	if !out.OK {
		t.Fatalf("outcome: got failure (%s), want success", out.Message)
	}
	if out.Text != "AB3X" {
		t.Errorf("text: got %q, want AB3X", out.Text)
	}
	if out.Attempts != 3 {
		t.Errorf("attempts: got %d, want 3", out.Attempts)
	}
	if len(rec.calls) != 1 {
		t.Errorf("outcome records: got %d, want exactly 1", len(rec.calls))
	}
}

func TestOutcome_ElapsedReportedInMilliseconds(t *testing.T) {
	adapter := &scriptedAdapter{text: "AB3X"}
	d, _ := newTestDispatcher(t, adapter,
		&fakeSource{cfg: testConfig(), settings: Settings{TimeoutMs: 5000, RetryCount: 1}}, nil)

	base := time.Unix(100, 0)
	calls := 0
	d.now = func() time.Time {
		calls++
		if calls == 1 {
			return base
		}
		return base.Add(1500 * time.Millisecond)
	}

	out := d.Recognize(context.Background(), capture.Payload{MIME: "image/png", Data: []byte("x")})
	if out.ElapsedMs != 1500 {
		t.Errorf("elapsed: got %d, want 1500 milliseconds", out.ElapsedMs)
	}

	b, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(b), `"elapsed_ms":1500`) {
		t.Errorf("wire form %s: elapsed_ms not in milliseconds", b)
	}
}

func TestRecognize_NotConfigured(t *testing.T) {
	rec := &fakeRecorder{}
	d, _ := newTestDispatcher(t, &scriptedAdapter{}, &fakeSource{cfg: nil}, rec)

	out := d.Recognize(context.Background(), capture.Payload{})

	if out.OK {
		t.Fatal("outcome: got OK, want failure")
	}
	if out.ErrKind != KindNotConfigured {
		t.Errorf("error kind: got %q, want %q", out.ErrKind, KindNotConfigured)
	}
	if len(rec.calls) != 1 {
		t.Errorf("outcome records: got %d, want exactly 1", len(rec.calls))
	}
}

func TestRecognize_NeverPanicsOrThrowsPastBoundary(t *testing.T) {
	// Adapter errors of every retryable kind must come back as outcomes.
	for _, kindErr := range []error{ErrTransport, ErrEmptyResult, ErrTimeout} {
		adapter := &scriptedAdapter{failures: 99, err: kindErr}
		d, _ := newTestDispatcher(t, adapter,
			&fakeSource{cfg: testConfig(), settings: Settings{RetryCount: 2}}, &fakeRecorder{})

		out := d.Recognize(context.Background(), capture.Payload{})
		if out.OK {
			t.Errorf("%v: got OK, want failure outcome", kindErr)
		}
		if out.Message == "" {
			t.Errorf("%v: outcome carries no message", kindErr)
		}
	}
}

func TestAdapterCache_ReusedByIdentity(t *testing.T) {
	built := 0
	d := NewDispatcher(&fakeSource{cfg: testConfig(), settings: Settings{RetryCount: 1}}, nil, nil)
	d.newAdapter = func(cfg ProviderConfig) (Adapter, error) {
		built++
		return &scriptedAdapter{text: "ok"}, nil
	}
	d.sleep = func(ctx context.Context, dur time.Duration) error { return nil }

	cfg := *testConfig()
	if _, err := d.adapter(cfg); err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if _, err := d.adapter(cfg); err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if built != 1 {
		t.Errorf("adapters built for identical config: got %d, want 1", built)
	}

	cfg.Model = "different-model"
	if _, err := d.adapter(cfg); err != nil {
		t.Fatalf("adapter: %v", err)
	}
	if built != 2 {
		t.Errorf("adapters built after config change: got %d, want 2", built)
	}
}

func TestTestConnection_SingleAttemptNoRecording(t *testing.T) {
	adapter := &scriptedAdapter{}
	rec := &fakeRecorder{}
	d, _ := newTestDispatcher(t, adapter, &fakeSource{cfg: testConfig()}, rec)

	out := d.TestConnection(context.Background(), *testConfig())

	if !out.OK {
		t.Fatalf("outcome: got failure (%s), want success", out.Message)
	}
	if out.Text != "m" {
		t.Errorf("model echo: got %q, want m", out.Text)
	}
	if out.Attempts != 1 {
		t.Errorf("attempts: got %d, want 1", out.Attempts)
	}
	if len(rec.calls) != 0 {
		t.Errorf("diagnostic action recorded %d outcomes, want 0", len(rec.calls))
	}
}

func TestKindOf_CaptureErrors(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{capture.ErrCrossOrigin, KindCapture},
		{capture.ErrDetached, KindCapture},
		{capture.ErrInvalidCapture, KindInvalidCapture},
		{ErrNotConfigured, KindNotConfigured},
		{ErrTimeout, KindTimeout},
		{ErrEmptyResult, KindEmptyResult},
		{errors.New("weird"), KindTransport},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v): got %q, want %q", tc.err, got, tc.want)
		}
	}
}
