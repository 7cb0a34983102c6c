package store

// Schema holds everything the solver persists: provider configurations with
// one active row, a single-row settings table, per-site selector rules,
// capped recognition history, and running counters.
//
// API keys are never stored in the clear — the api_key column carries the
// sealed ciphertext (see Sealer). The active flag lives on the config row
// itself; the partial unique index guarantees at most one active provider.
const Schema = `
CREATE TABLE IF NOT EXISTS provider_configs (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    family     TEXT NOT NULL CHECK(family IN ('openai','gemini','claude')),
    base_url   TEXT NOT NULL DEFAULT '',
    model      TEXT NOT NULL,
    api_key    TEXT NOT NULL DEFAULT '',
    headers    TEXT NOT NULL DEFAULT '{}',
    options    TEXT NOT NULL DEFAULT '{}',
    active     INTEGER NOT NULL DEFAULT 0 CHECK(active IN (0, 1)),
    created_at INTEGER NOT NULL DEFAULT (strftime('%s','now')),
    updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_provider_active
    ON provider_configs(active) WHERE active = 1;

CREATE TABLE IF NOT EXISTS settings (
    id                     INTEGER PRIMARY KEY CHECK(id = 1),
    timeout_ms             INTEGER NOT NULL DEFAULT 30000,
    retry_count            INTEGER NOT NULL DEFAULT 1,
    simulate_keystrokes    INTEGER NOT NULL DEFAULT 1 CHECK(simulate_keystrokes IN (0, 1)),
    auto_submit            INTEGER NOT NULL DEFAULT 0 CHECK(auto_submit IN (0, 1)),
    history_retention_days INTEGER NOT NULL DEFAULT 30,
    debug_mode             INTEGER NOT NULL DEFAULT 0 CHECK(debug_mode IN (0, 1))
);

CREATE TABLE IF NOT EXISTS site_rules (
    hostname   TEXT PRIMARY KEY,
    selector   TEXT NOT NULL,
    saved_at   INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE TABLE IF NOT EXISTS history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    hostname    TEXT NOT NULL DEFAULT '',
    ok          INTEGER NOT NULL CHECK(ok IN (0, 1)),
    text        TEXT NOT NULL DEFAULT '',
    error_kind  TEXT NOT NULL DEFAULT '',
    message     TEXT NOT NULL DEFAULT '',
    provider    TEXT NOT NULL DEFAULT '',
    model       TEXT NOT NULL DEFAULT '',
    elapsed_ms  INTEGER NOT NULL DEFAULT 0,
    attempts    INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);

CREATE INDEX IF NOT EXISTS idx_history_created ON history(created_at);

CREATE TABLE IF NOT EXISTS stats (
    id         INTEGER PRIMARY KEY CHECK(id = 1),
    requests   INTEGER NOT NULL DEFAULT 0,
    success    INTEGER NOT NULL DEFAULT 0,
    fail       INTEGER NOT NULL DEFAULT 0,
    total_ms   INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO settings (id) VALUES (1);
INSERT OR IGNORE INTO stats (id) VALUES (1);
`
