package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/hazyhaar/capsolve/dbopen"
	"github.com/hazyhaar/capsolve/recognize"
	"github.com/hazyhaar/capsolve/solver"
	"github.com/hazyhaar/capsolve/store"
	_ "modernc.org/sqlite"
)

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema))
	sealer, err := store.NewSealer("test-secret")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewWithDB(db, sealer, log)
	ctrl := solver.NewController(nil, st, log)
	cfg.Logger = log
	srv := httptest.NewServer(New(ctrl, st, cfg).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestServer_HealthAndStatus(t *testing.T) {
	srv := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status: got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var st solver.Status
	decodeBody(t, resp, &st)
	if st.TabOpen || st.Busy {
		t.Errorf("fresh status: got %+v", st)
	}
}

func TestServer_ScanWithoutTabIsBadRequest(t *testing.T) {
	srv := newTestServer(t, Config{})

	resp := postJSON(t, srv.URL+"/api/scan", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("scan without tab: got %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["error"] == "" {
		t.Error("error body lacks an error field")
	}
}

func TestServer_ConfigCRUD(t *testing.T) {
	srv := newTestServer(t, Config{})

	resp := postJSON(t, srv.URL+"/api/configs/", map[string]any{
		"name": "primary", "family": "openai", "model": "gpt-4o-mini", "api_key": "sk-test",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save config: got %d", resp.StatusCode)
	}
	var saved map[string]string
	decodeBody(t, resp, &saved)
	id := saved["id"]
	if id == "" {
		t.Fatal("save returned empty id")
	}

	resp = postJSON(t, srv.URL+"/api/configs/"+id+"/activate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/configs/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var list []store.Provider
	decodeBody(t, resp, &list)
	if len(list) != 1 || !list[0].Active {
		t.Fatalf("list: got %+v", list)
	}
	if list[0].Config.APIKey != "" {
		t.Error("list exposed the API key")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/configs/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("delete: got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, _ = http.Get(srv.URL + "/api/configs/" + id)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: got %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	// Saving an invalid config fails before touching the database.
	resp = postJSON(t, srv.URL+"/api/configs/", map[string]any{"family": "bogus", "model": "m"})
	if resp.StatusCode == http.StatusOK {
		t.Error("save invalid config: got 200")
	}
	resp.Body.Close()
}

func TestServer_TestConfigByIDUsesStoredKey(t *testing.T) {
	var gotAuth string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"model":"gpt-4o-mini"}`))
	}))
	defer backend.Close()

	srv := newTestServer(t, Config{})

	resp := postJSON(t, srv.URL+"/api/configs/", map[string]any{
		"name": "aside", "family": "openai", "model": "gpt-4o-mini",
		"api_key": "sk-stored", "base_url": backend.URL,
		"allow_private_endpoint": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save config: got %d", resp.StatusCode)
	}
	var saved map[string]string
	decodeBody(t, resp, &saved)

	// Never activated: the id alone must still resolve the stored key.
	resp = postJSON(t, srv.URL+"/api/configs/test", map[string]any{"id": saved["id"]})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test config: got %d", resp.StatusCode)
	}
	var out recognize.Outcome
	decodeBody(t, resp, &out)
	if !out.OK {
		t.Fatalf("test config outcome: %+v", out)
	}
	if gotAuth != "Bearer sk-stored" {
		t.Errorf("auth header: got %q, want the stored key", gotAuth)
	}

	resp = postJSON(t, srv.URL+"/api/configs/test", map[string]any{"id": "prov_missing"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing id: got %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServer_SettingsRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{})

	raw, _ := json.Marshal(store.Settings{
		TimeoutMs: 45000, RetryCount: 2, SimulateKeystrokes: true,
		AutoSubmit: true, HistoryRetentionDays: 14,
	})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/settings", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put settings: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put settings: got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/settings")
	if err != nil {
		t.Fatalf("get settings: %v", err)
	}
	var got store.Settings
	decodeBody(t, resp, &got)
	if got.TimeoutMs != 45000 || !got.AutoSubmit || got.HistoryRetentionDays != 14 {
		t.Errorf("settings: got %+v", got)
	}
}

func TestServer_BasicAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	srv := newTestServer(t, Config{BasicAuthUser: "ops", BasicAuthHash: string(hash)})

	// No credentials.
	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("unauthenticated: got %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Wrong password.
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.SetBasicAuth("ops", "wrong")
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong password: got %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	// Correct credentials.
	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/status", nil)
	req.SetBasicAuth("ops", "s3cret")
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated: got %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	// Health stays public.
	resp, _ = http.Get(srv.URL + "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health with auth enabled: got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServer_SiteRules(t *testing.T) {
	srv := newTestServer(t, Config{})

	// Applying a rule needs a tab; without one the controller refuses.
	resp := postJSON(t, srv.URL+"/api/site-rules/", map[string]string{"selector": "#captcha"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("apply without tab: got %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err := http.Get(srv.URL + "/api/site-rules/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("list rules: got %d", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/site-rules/nosuch.example", nil)
	resp, _ = http.DefaultClient.Do(req)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("delete missing rule: got %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestServer_HistoryAndStats(t *testing.T) {
	srv := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/api/history")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("history: got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var st store.Stats
	decodeBody(t, resp, &st)
	if st.Requests != 0 {
		t.Errorf("fresh stats: got %+v", st)
	}
}
