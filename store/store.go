// Package store persists everything the solver needs across restarts:
// provider configurations (API keys sealed at rest), global settings,
// per-site selector rules, recognition history and counters. One SQLite
// file, WAL mode, opened through dbopen.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/capsolve/dbopen"
	"github.com/hazyhaar/capsolve/idgen"
	"github.com/hazyhaar/capsolve/recognize"
)

// ErrNotFound is returned when a lookup by id or hostname matches nothing.
var ErrNotFound = errors.New("store: not found")

// maxHistoryRows caps the history table regardless of retention days.
const maxHistoryRows = 500

// Store is the persistence layer. It implements recognize.ConfigSource and
// recognize.Recorder so the dispatcher reads and writes straight through it.
type Store struct {
	db     *sql.DB
	sealer *Sealer
	log    *slog.Logger
	newID  idgen.Generator
}

// Open opens (creating if needed) the database at path and applies the
// schema. The sealer is required: provider rows cannot be read or written
// without it.
func Open(path string, sealer *Sealer, log *slog.Logger) (*Store, error) {
	if sealer == nil {
		return nil, errors.New("store: nil sealer")
	}
	if log == nil {
		log = slog.Default()
	}
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return &Store{db: db, sealer: sealer, log: log, newID: idgen.Prefixed("prov_", idgen.NanoID(12))}, nil
}

// NewWithDB wraps an already-open database (tests use dbopen.OpenMemory).
// The schema must have been applied.
func NewWithDB(db *sql.DB, sealer *Sealer, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, sealer: sealer, log: log, newID: idgen.Prefixed("prov_", idgen.NanoID(12))}
}

func (s *Store) Close() error { return s.db.Close() }

// providerOptions is the JSON shape of the options column: the tuning
// fields that do not deserve their own columns.
type providerOptions struct {
	MaxTokens            int      `json:"max_tokens,omitempty"`
	Temperature          *float64 `json:"temperature,omitempty"`
	Instruction          string   `json:"instruction,omitempty"`
	AllowPrivateEndpoint bool     `json:"allow_private_endpoint,omitempty"`
}

// Provider is a stored provider row as exposed to callers. APIKey is never
// populated on reads; HasAPIKey says whether one is stored.
type Provider struct {
	Config    recognize.ProviderConfig `json:"config"`
	HasAPIKey bool                     `json:"has_api_key"`
	Active    bool                     `json:"active"`
	CreatedAt int64                    `json:"created_at"`
	UpdatedAt int64                    `json:"updated_at"`
}

// SaveProvider inserts or updates a provider configuration and returns its
// id. An empty cfg.ID means insert. An empty APIKey on update keeps the
// stored key, so edits do not force re-entering credentials.
func (s *Store) SaveProvider(ctx context.Context, cfg recognize.ProviderConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	opts, err := json.Marshal(providerOptions{
		MaxTokens:            cfg.MaxTokens,
		Temperature:          cfg.Temperature,
		Instruction:          cfg.Instruction,
		AllowPrivateEndpoint: cfg.AllowPrivateEndpoint,
	})
	if err != nil {
		return "", fmt.Errorf("store: marshal options: %w", err)
	}
	headers, err := json.Marshal(cfg.Headers)
	if err != nil {
		return "", fmt.Errorf("store: marshal headers: %w", err)
	}

	if cfg.ID == "" {
		cfg.ID = s.newID()
		sealed, err := s.sealer.Seal(cfg.APIKey)
		if err != nil {
			return "", err
		}
		_, err = dbopen.Exec(ctx, s.db,
			`INSERT INTO provider_configs (id, name, family, base_url, model, api_key, headers, options)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			cfg.ID, cfg.Name, string(cfg.Family), cfg.BaseURL, cfg.Model, sealed, string(headers), string(opts))
		if err != nil {
			return "", fmt.Errorf("store: insert provider: %w", err)
		}
		return cfg.ID, nil
	}

	return cfg.ID, dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		var sealed string
		err := tx.QueryRowContext(ctx,
			`SELECT api_key FROM provider_configs WHERE id = ?`, cfg.ID).Scan(&sealed)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: load provider key: %w", err)
		}
		if cfg.APIKey != "" {
			if sealed, err = s.sealer.Seal(cfg.APIKey); err != nil {
				return err
			}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE provider_configs
			 SET name = ?, family = ?, base_url = ?, model = ?, api_key = ?,
			     headers = ?, options = ?, updated_at = strftime('%s','now')
			 WHERE id = ?`,
			cfg.Name, string(cfg.Family), cfg.BaseURL, cfg.Model, sealed,
			string(headers), string(opts), cfg.ID)
		if err != nil {
			return fmt.Errorf("store: update provider: %w", err)
		}
		return nil
	})
}

// ListProviders returns all stored providers, keys redacted, active first.
func (s *Store) ListProviders(ctx context.Context) ([]Provider, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, family, base_url, model, api_key, headers, options, active, created_at, updated_at
		 FROM provider_configs ORDER BY active DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	defer rows.Close()

	var out []Provider
	for rows.Next() {
		p, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetProvider returns one provider by id, key redacted.
func (s *Store) GetProvider(ctx context.Context, id string) (Provider, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, family, base_url, model, api_key, headers, options, active, created_at, updated_at
		 FROM provider_configs WHERE id = ?`, id)
	p, err := scanProvider(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Provider{}, ErrNotFound
	}
	return p, err
}

// DeleteProvider removes a provider row.
func (s *Store) DeleteProvider(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM provider_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete provider: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetActiveProvider marks one provider active and deactivates the rest.
// An empty id deactivates everything.
func (s *Store) SetActiveProvider(ctx context.Context, id string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE provider_configs SET active = 0 WHERE active = 1`); err != nil {
			return fmt.Errorf("store: deactivate providers: %w", err)
		}
		if id == "" {
			return nil
		}
		res, err := tx.ExecContext(ctx, `UPDATE provider_configs SET active = 1 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("store: activate provider: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ActiveProvider returns the active provider's full config with the API key
// unsealed, or (nil, nil) when no provider is active. This is the
// dispatcher's ConfigSource.
func (s *Store) ActiveProvider(ctx context.Context) (*recognize.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, family, base_url, model, api_key, headers, options, active, created_at, updated_at
		 FROM provider_configs WHERE active = 1`)
	p, err := scanProviderKeyed(row.Scan, s.sealer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := p.Config
	return &cfg, nil
}

// ProviderByID returns one provider's full config with the API key
// unsealed, active or not. Server-side connection tests use this so a
// stored key never has to travel back through a client.
func (s *Store) ProviderByID(ctx context.Context, id string) (*recognize.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, family, base_url, model, api_key, headers, options, active, created_at, updated_at
		 FROM provider_configs WHERE id = ?`, id)
	p, err := scanProviderKeyed(row.Scan, s.sealer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg := p.Config
	return &cfg, nil
}

type scanFn func(dest ...any) error

func scanProvider(scan scanFn) (Provider, error) {
	return scanProviderKeyed(scan, nil)
}

// scanProviderKeyed scans one provider row. With a sealer the API key is
// unsealed into the config; without one it is redacted to HasAPIKey.
func scanProviderKeyed(scan scanFn, sealer *Sealer) (Provider, error) {
	var p Provider
	var family, sealed, headers, options string
	var active int
	err := scan(&p.Config.ID, &p.Config.Name, &family, &p.Config.BaseURL, &p.Config.Model,
		&sealed, &headers, &options, &active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Provider{}, err
		}
		return Provider{}, fmt.Errorf("store: scan provider: %w", err)
	}
	p.Config.Family = recognize.Family(family)
	p.Active = active == 1
	p.HasAPIKey = sealed != ""
	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &p.Config.Headers); err != nil {
			return Provider{}, fmt.Errorf("store: decode headers: %w", err)
		}
	}
	var opts providerOptions
	if options != "" && options != "{}" {
		if err := json.Unmarshal([]byte(options), &opts); err != nil {
			return Provider{}, fmt.Errorf("store: decode options: %w", err)
		}
	}
	p.Config.MaxTokens = opts.MaxTokens
	p.Config.Temperature = opts.Temperature
	p.Config.Instruction = opts.Instruction
	p.Config.AllowPrivateEndpoint = opts.AllowPrivateEndpoint
	if sealer != nil {
		key, err := sealer.Open(sealed)
		if err != nil {
			return Provider{}, err
		}
		p.Config.APIKey = key
	}
	return p, nil
}

// Settings are the persisted global knobs.
type Settings struct {
	TimeoutMs            int  `json:"timeout_ms"`
	RetryCount           int  `json:"retry_count"`
	SimulateKeystrokes   bool `json:"simulate_keystrokes"`
	AutoSubmit           bool `json:"auto_submit"`
	HistoryRetentionDays int  `json:"history_retention_days"`
	DebugMode            bool `json:"debug_mode"`
}

// LoadSettings reads the single settings row.
func (s *Store) LoadSettings(ctx context.Context) (Settings, error) {
	var out Settings
	var sim, auto, debug int
	err := s.db.QueryRowContext(ctx,
		`SELECT timeout_ms, retry_count, simulate_keystrokes, auto_submit, history_retention_days, debug_mode
		 FROM settings WHERE id = 1`).
		Scan(&out.TimeoutMs, &out.RetryCount, &sim, &auto, &out.HistoryRetentionDays, &debug)
	if err != nil {
		return Settings{}, fmt.Errorf("store: load settings: %w", err)
	}
	out.SimulateKeystrokes = sim == 1
	out.AutoSubmit = auto == 1
	out.DebugMode = debug == 1
	return out, nil
}

// SaveSettings replaces the settings row wholesale.
func (s *Store) SaveSettings(ctx context.Context, in Settings) error {
	_, err := dbopen.Exec(ctx, s.db,
		`UPDATE settings SET timeout_ms = ?, retry_count = ?, simulate_keystrokes = ?,
		 auto_submit = ?, history_retention_days = ?, debug_mode = ? WHERE id = 1`,
		in.TimeoutMs, in.RetryCount, b2i(in.SimulateKeystrokes), b2i(in.AutoSubmit),
		in.HistoryRetentionDays, b2i(in.DebugMode))
	if err != nil {
		return fmt.Errorf("store: save settings: %w", err)
	}
	return nil
}

// Settings adapts the persisted row to the dispatcher's view of it.
func (s *Store) Settings(ctx context.Context) (recognize.Settings, error) {
	st, err := s.LoadSettings(ctx)
	if err != nil {
		return recognize.Settings{}, err
	}
	return recognize.Settings{TimeoutMs: st.TimeoutMs, RetryCount: st.RetryCount}, nil
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SiteRule is a remembered selector for a hostname.
type SiteRule struct {
	Hostname string `json:"hostname"`
	Selector string `json:"selector"`
	SavedAt  int64  `json:"saved_at"`
}

// SaveSiteRule upserts the selector for a hostname.
func (s *Store) SaveSiteRule(ctx context.Context, hostname, selector string) error {
	hostname = normalizeHost(hostname)
	if hostname == "" || strings.TrimSpace(selector) == "" {
		return errors.New("store: site rule needs hostname and selector")
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO site_rules (hostname, selector, saved_at) VALUES (?, ?, strftime('%s','now'))
		 ON CONFLICT(hostname) DO UPDATE SET selector = excluded.selector, saved_at = excluded.saved_at`,
		hostname, strings.TrimSpace(selector))
	if err != nil {
		return fmt.Errorf("store: save site rule: %w", err)
	}
	return nil
}

// SiteRule looks a rule up by exact hostname first, then by the hostname's
// registrable domain so a rule saved for example.com also serves
// login.example.com. Returns ErrNotFound when neither matches.
func (s *Store) SiteRule(ctx context.Context, hostname string) (SiteRule, error) {
	hostname = normalizeHost(hostname)
	rule, err := s.siteRuleExact(ctx, hostname)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return rule, err
	}
	base, perr := publicsuffix.EffectiveTLDPlusOne(hostname)
	if perr != nil || base == hostname {
		return SiteRule{}, ErrNotFound
	}
	return s.siteRuleExact(ctx, base)
}

func (s *Store) siteRuleExact(ctx context.Context, hostname string) (SiteRule, error) {
	var r SiteRule
	err := s.db.QueryRowContext(ctx,
		`SELECT hostname, selector, saved_at FROM site_rules WHERE hostname = ?`, hostname).
		Scan(&r.Hostname, &r.Selector, &r.SavedAt)
	if err == sql.ErrNoRows {
		return SiteRule{}, ErrNotFound
	}
	if err != nil {
		return SiteRule{}, fmt.Errorf("store: site rule: %w", err)
	}
	return r, nil
}

// DeleteSiteRule removes the exact hostname's rule.
func (s *Store) DeleteSiteRule(ctx context.Context, hostname string) error {
	res, err := dbopen.Exec(ctx, s.db, `DELETE FROM site_rules WHERE hostname = ?`, normalizeHost(hostname))
	if err != nil {
		return fmt.Errorf("store: delete site rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSiteRules returns all rules, newest first.
func (s *Store) ListSiteRules(ctx context.Context) ([]SiteRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT hostname, selector, saved_at FROM site_rules ORDER BY saved_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list site rules: %w", err)
	}
	defer rows.Close()
	var out []SiteRule
	for rows.Next() {
		var r SiteRule
		if err := rows.Scan(&r.Hostname, &r.Selector, &r.SavedAt); err != nil {
			return nil, fmt.Errorf("store: scan site rule: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
