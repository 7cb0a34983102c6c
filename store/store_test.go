package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hazyhaar/capsolve/dbopen"
	"github.com/hazyhaar/capsolve/kit"
	"github.com/hazyhaar/capsolve/recognize"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	sealer, err := NewSealer("test-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return NewWithDB(db, sealer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testConfig(name string) recognize.ProviderConfig {
	return recognize.ProviderConfig{
		Name:   name,
		Family: recognize.FamilyOpenAI,
		Model:  "gpt-4o-mini",
		APIKey: "sk-secret-" + name,
	}
}

func TestSealer_RoundTrip(t *testing.T) {
	s, err := NewSealer("hunter2")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	sealed, err := s.Seal("sk-proj-abc123")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "sk-proj-abc123" || sealed == "" {
		t.Fatalf("sealed value looks like plaintext: %q", sealed)
	}
	got, err := s.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "sk-proj-abc123" {
		t.Errorf("open: got %q", got)
	}

	// Wrong secret must not open it.
	other, _ := NewSealer("different")
	if _, err := other.Open(sealed); !errors.Is(err, ErrSealCorrupt) {
		t.Errorf("open with wrong secret: got %v, want ErrSealCorrupt", err)
	}
}

func TestSealer_EmptyValuesStayEmpty(t *testing.T) {
	s, _ := NewSealer("x")
	sealed, err := s.Seal("")
	if err != nil || sealed != "" {
		t.Fatalf("seal empty: got %q, %v", sealed, err)
	}
	got, err := s.Open("")
	if err != nil || got != "" {
		t.Fatalf("open empty: got %q, %v", got, err)
	}
}

func TestStore_ProviderLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveProvider(ctx, testConfig("primary"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if id == "" {
		t.Fatal("save returned empty id")
	}

	// Reads never expose the key.
	p, err := s.GetProvider(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.Config.APIKey != "" {
		t.Error("get exposed the API key")
	}
	if !p.HasAPIKey {
		t.Error("HasAPIKey: got false, want true")
	}
	if p.Active {
		t.Error("new provider should not be active")
	}

	// Nothing active yet: the dispatcher sees (nil, nil).
	if cfg, err := s.ActiveProvider(ctx); err != nil || cfg != nil {
		t.Fatalf("active before activation: got %v, %v", cfg, err)
	}

	if err := s.SetActiveProvider(ctx, id); err != nil {
		t.Fatalf("activate: %v", err)
	}
	cfg, err := s.ActiveProvider(ctx)
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if cfg == nil {
		t.Fatal("active: got nil after activation")
	}
	if cfg.APIKey != "sk-secret-primary" {
		t.Errorf("active key: got %q, want unsealed original", cfg.APIKey)
	}

	if err := s.DeleteProvider(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteProvider(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateKeepsKeyWhenOmitted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.SaveProvider(ctx, testConfig("p"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	upd := testConfig("p-renamed")
	upd.ID = id
	upd.APIKey = "" // edit without re-entering the credential
	if _, err := s.SaveProvider(ctx, upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.SetActiveProvider(ctx, id); err != nil {
		t.Fatalf("activate: %v", err)
	}

	cfg, err := s.ActiveProvider(ctx)
	if err != nil || cfg == nil {
		t.Fatalf("active: %v %v", cfg, err)
	}
	if cfg.APIKey != "sk-secret-p" {
		t.Errorf("key after update: got %q, want original preserved", cfg.APIKey)
	}
	if cfg.Name != "p-renamed" {
		t.Errorf("name after update: got %q", cfg.Name)
	}
}

func TestProviderByID_UnsealsInactiveProvider(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.SaveProvider(ctx, testConfig("a"))
	b, _ := s.SaveProvider(ctx, testConfig("b"))
	if err := s.SetActiveProvider(ctx, a); err != nil {
		t.Fatalf("activate a: %v", err)
	}

	cfg, err := s.ProviderByID(ctx, b)
	if err != nil {
		t.Fatalf("provider by id: %v", err)
	}
	if cfg.APIKey != "sk-secret-b" {
		t.Errorf("api key: got %q, want the unsealed key of the inactive provider", cfg.APIKey)
	}

	if _, err := s.ProviderByID(ctx, "prov_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing id: got %v, want ErrNotFound", err)
	}
}

func TestStore_SetActiveSwitchesExclusively(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.SaveProvider(ctx, testConfig("a"))
	b, _ := s.SaveProvider(ctx, testConfig("b"))

	if err := s.SetActiveProvider(ctx, a); err != nil {
		t.Fatalf("activate a: %v", err)
	}
	if err := s.SetActiveProvider(ctx, b); err != nil {
		t.Fatalf("activate b: %v", err)
	}

	list, err := s.ListProviders(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	actives := 0
	for _, p := range list {
		if p.Active {
			actives++
			if p.Config.Name != "b" {
				t.Errorf("active provider: got %q, want b", p.Config.Name)
			}
		}
	}
	if actives != 1 {
		t.Errorf("active count: got %d, want 1", actives)
	}

	// Deactivate everything.
	if err := s.SetActiveProvider(ctx, ""); err != nil {
		t.Fatalf("deactivate all: %v", err)
	}
	if cfg, _ := s.ActiveProvider(ctx); cfg != nil {
		t.Error("still an active provider after deactivation")
	}
}

func TestStore_SettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if got.TimeoutMs != 30000 || got.RetryCount != 1 || !got.SimulateKeystrokes {
		t.Errorf("defaults: got %+v", got)
	}

	want := Settings{TimeoutMs: 45000, RetryCount: 3, SimulateKeystrokes: false,
		AutoSubmit: true, HistoryRetentionDays: 7, DebugMode: true}
	if err := s.SaveSettings(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Errorf("settings: got %+v, want %+v", got, want)
	}

	// Dispatcher view picks up the same values.
	ds, err := s.Settings(ctx)
	if err != nil {
		t.Fatalf("dispatcher settings: %v", err)
	}
	if ds.TimeoutMs != 45000 || ds.RetryCount != 3 {
		t.Errorf("dispatcher settings: got %+v", ds)
	}
}

func TestStore_SiteRuleRegistrableDomainFallback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSiteRule(ctx, "Example.com", "#captcha-img"); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Exact match, case-insensitive.
	r, err := s.SiteRule(ctx, "EXAMPLE.COM")
	if err != nil {
		t.Fatalf("exact lookup: %v", err)
	}
	if r.Selector != "#captcha-img" {
		t.Errorf("selector: got %q", r.Selector)
	}

	// Subdomain falls back to the registrable domain.
	r, err = s.SiteRule(ctx, "login.example.com")
	if err != nil {
		t.Fatalf("subdomain lookup: %v", err)
	}
	if r.Hostname != "example.com" {
		t.Errorf("fallback hostname: got %q", r.Hostname)
	}

	// Unrelated host misses.
	if _, err := s.SiteRule(ctx, "other.org"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unrelated lookup: got %v, want ErrNotFound", err)
	}

	if err := s.DeleteSiteRule(ctx, "example.com"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.SiteRule(ctx, "example.com"); !errors.Is(err, ErrNotFound) {
		t.Errorf("lookup after delete: got %v, want ErrNotFound", err)
	}
}

func TestStore_RecordOutcomeUpdatesHistoryAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := kit.WithHostname(context.Background(), "example.com")

	s.RecordOutcome(ctx, recognize.Outcome{
		OK: true, Text: "AB3X", Provider: "primary", Model: "gpt-4o-mini",
		ElapsedMs: 1200, Attempts: 1,
	})
	s.RecordOutcome(ctx, recognize.Outcome{
		OK: false, ErrKind: "timeout", Message: "deadline exceeded",
		ElapsedMs: 30000, Attempts: 2,
	})

	hist, err := s.History(ctx, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 2 {
		t.Fatalf("history length: got %d, want 2", len(hist))
	}
	// Newest first.
	if hist[0].OK || hist[0].ErrKind != "timeout" {
		t.Errorf("newest entry: got %+v", hist[0])
	}
	if !hist[1].OK || hist[1].Text != "AB3X" || hist[1].Hostname != "example.com" {
		t.Errorf("oldest entry: got %+v", hist[1])
	}

	st, err := s.LoadStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Requests != 2 || st.Success != 1 || st.Fail != 1 {
		t.Errorf("stats: got %+v", st)
	}
	if st.TotalMs != 1200+30000 {
		t.Errorf("total ms: got %d, want 31200", st.TotalMs)
	}

	if err := s.ClearHistory(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	hist, _ = s.History(ctx, 10)
	if len(hist) != 0 {
		t.Errorf("history after clear: got %d entries", len(hist))
	}
	// Clearing history keeps the counters.
	st, _ = s.LoadStats(ctx)
	if st.Requests != 2 {
		t.Errorf("stats after clear: got %+v", st)
	}

	if err := s.ResetStats(ctx); err != nil {
		t.Fatalf("reset stats: %v", err)
	}
	st, _ = s.LoadStats(ctx)
	if st.Requests != 0 || st.TotalMs != 0 {
		t.Errorf("stats after reset: got %+v", st)
	}
}

func TestStore_HistoryCapEnforced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < maxHistoryRows+25; i++ {
		s.RecordOutcome(ctx, recognize.Outcome{OK: true, Text: "x", Attempts: 1})
	}
	hist, err := s.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != maxHistoryRows {
		t.Errorf("history length: got %d, want cap %d", len(hist), maxHistoryRows)
	}
}

func TestStore_SaveProviderValidates(t *testing.T) {
	s := newTestStore(t)
	bad := recognize.ProviderConfig{Family: "bogus", Model: "m"}
	if _, err := s.SaveProvider(context.Background(), bad); err == nil {
		t.Fatal("save invalid config: got nil error")
	}
}
