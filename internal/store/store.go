// Package store is the sqlite-backed persistence layer for API keys,
// deployments, pricing rules, and committed spend. The schema is bootstrapped
// on open; there is no separate migration step.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/conduithq/conduit/internal/auth"
	"github.com/conduithq/conduit/internal/pricing"
	"github.com/conduithq/conduit/internal/providers"
)

const schema = `
CREATE TABLE IF NOT EXISTS api_keys (
	id               TEXT PRIMARY KEY,
	key_hash         TEXT NOT NULL UNIQUE,
	key_prefix       TEXT NOT NULL,
	alias            TEXT NOT NULL DEFAULT '',
	owner            TEXT NOT NULL DEFAULT '',
	team_id          TEXT NOT NULL DEFAULT '',
	scopes           TEXT NOT NULL DEFAULT '',
	budget_limit_usd REAL NOT NULL DEFAULT 0,
	spent_usd        REAL NOT NULL DEFAULT 0,
	rpm_limit        INTEGER NOT NULL DEFAULT 0,
	tpm_limit        INTEGER NOT NULL DEFAULT 0,
	enabled          INTEGER NOT NULL DEFAULT 1,
	expires_at       TIMESTAMP,
	created_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS deployments (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	kind         TEXT NOT NULL,
	model_alias  TEXT NOT NULL,
	target_model TEXT NOT NULL,
	endpoint     TEXT NOT NULL DEFAULT '',
	api_key      TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL DEFAULT 0,
	seq          INTEGER NOT NULL,
	active       INTEGER NOT NULL DEFAULT 1,
	created_at   TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_deployments_alias ON deployments(model_alias);

CREATE TABLE IF NOT EXISTS pricing_rules (
	model              TEXT NOT NULL,
	provider           TEXT NOT NULL DEFAULT '',
	input_cost_per_1m  REAL NOT NULL,
	output_cost_per_1m REAL NOT NULL,
	PRIMARY KEY (model, provider)
);
`

// Store wraps the sqlite database. Safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// Open opens (or creates) the database at path and bootstraps the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		// WAL keeps readers unblocked during spend write-through.
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// sqlite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: bootstrap schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- API keys ---

type keyRow struct {
	ID             string     `db:"id"`
	KeyHash        string     `db:"key_hash"`
	KeyPrefix      string     `db:"key_prefix"`
	Alias          string     `db:"alias"`
	Owner          string     `db:"owner"`
	TeamID         string     `db:"team_id"`
	Scopes         string     `db:"scopes"`
	BudgetLimitUSD float64    `db:"budget_limit_usd"`
	SpentUSD       float64    `db:"spent_usd"`
	RPMLimit       int        `db:"rpm_limit"`
	TPMLimit       int        `db:"tpm_limit"`
	Enabled        bool       `db:"enabled"`
	ExpiresAt      *time.Time `db:"expires_at"`
	CreatedAt      time.Time  `db:"created_at"`
}

func (r *keyRow) toKey() *auth.Key {
	k := &auth.Key{
		ID:             r.ID,
		Prefix:         r.KeyPrefix,
		Alias:          r.Alias,
		Owner:          r.Owner,
		TeamID:         r.TeamID,
		BudgetLimitUSD: r.BudgetLimitUSD,
		RPMLimit:       r.RPMLimit,
		TPMLimit:       r.TPMLimit,
		Enabled:        r.Enabled,
		CreatedAt:      r.CreatedAt,
	}
	if r.Scopes != "" {
		k.Scopes = strings.Split(r.Scopes, ",")
	}
	if r.ExpiresAt != nil {
		k.ExpiresAt = *r.ExpiresAt
	}
	return k
}

// CreateKey persists a new key record. The raw token is never stored, only
// its SHA-256 hash.
func (s *Store) CreateKey(ctx context.Context, k *auth.Key, keyHash string) error {
	var expires *time.Time
	if !k.ExpiresAt.IsZero() {
		expires = &k.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys
			(id, key_hash, key_prefix, alias, owner, team_id, scopes,
			 budget_limit_usd, rpm_limit, tpm_limit, enabled, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, keyHash, k.Prefix, k.Alias, k.Owner, k.TeamID, strings.Join(k.Scopes, ","),
		k.BudgetLimitUSD, k.RPMLimit, k.TPMLimit, k.Enabled, expires, k.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create key: %w", err)
	}
	return nil
}

// KeyByHash loads a key by its token hash. Returns (nil, nil) when no key
// matches.
func (s *Store) KeyByHash(ctx context.Context, hash string) (*auth.Key, error) {
	var row keyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM api_keys WHERE key_hash = ?`, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: key by hash: %w", err)
	}
	return row.toKey(), nil
}

// ListKeys returns all keys, newest first. Hashes are not exposed.
func (s *Store) ListKeys(ctx context.Context) ([]*auth.Key, error) {
	var rows []keyRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list keys: %w", err)
	}
	keys := make([]*auth.Key, len(rows))
	for i := range rows {
		keys[i] = rows[i].toKey()
	}
	return keys, nil
}

// SetKeyEnabled flips the enabled flag. Returns false when the key does not
// exist.
func (s *Store) SetKeyEnabled(ctx context.Context, id string, enabled bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return false, fmt.Errorf("store: set key enabled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: set key enabled: %w", err)
	}
	return n > 0, nil
}

// --- Spend ---

// AddSpend accumulates committed spend for a key.
func (s *Store) AddSpend(ctx context.Context, keyID string, amount float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET spent_usd = spent_usd + ? WHERE id = ?`, amount, keyID)
	if err != nil {
		return fmt.Errorf("store: add spend: %w", err)
	}
	return nil
}

// GetSpend returns the committed spend for a key; zero for unknown keys.
func (s *Store) GetSpend(ctx context.Context, keyID string) (float64, error) {
	var spent float64
	err := s.db.GetContext(ctx, &spent, `SELECT spent_usd FROM api_keys WHERE id = ?`, keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: get spend: %w", err)
	}
	return spent, nil
}

// SpendRow is one key's committed spend, for the analytics surface.
type SpendRow struct {
	KeyID          string  `db:"id" json:"key_id"`
	Alias          string  `db:"alias" json:"alias,omitempty"`
	Owner          string  `db:"owner" json:"owner,omitempty"`
	TeamID         string  `db:"team_id" json:"team_id,omitempty"`
	SpentUSD       float64 `db:"spent_usd" json:"spent_usd"`
	BudgetLimitUSD float64 `db:"budget_limit_usd" json:"budget_limit_usd"`
}

// SpendSummary returns committed spend per key, biggest spender first. Keys
// that never spent are included so a zero row is visible next to its budget.
func (s *Store) SpendSummary(ctx context.Context) ([]SpendRow, error) {
	var rows []SpendRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, alias, owner, team_id, spent_usd, budget_limit_usd
		FROM api_keys
		ORDER BY spent_usd DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: spend summary: %w", err)
	}
	return rows, nil
}

// --- Deployments ---

type deploymentRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Kind        string    `db:"kind"`
	ModelAlias  string    `db:"model_alias"`
	TargetModel string    `db:"target_model"`
	Endpoint    string    `db:"endpoint"`
	APIKey      string    `db:"api_key"`
	Priority    int       `db:"priority"`
	Seq         int64     `db:"seq"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r *deploymentRow) toDeployment() *providers.Deployment {
	return &providers.Deployment{
		ID:          r.ID,
		Name:        r.Name,
		Kind:        r.Kind,
		ModelAlias:  r.ModelAlias,
		TargetModel: r.TargetModel,
		Endpoint:    r.Endpoint,
		APIKey:      r.APIKey,
		Priority:    r.Priority,
		Seq:         r.Seq,
		Active:      r.Active,
		CreatedAt:   r.CreatedAt,
	}
}

// CreateDeployment persists a deployment record.
func (s *Store) CreateDeployment(ctx context.Context, d *providers.Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments
			(id, name, kind, model_alias, target_model, endpoint, api_key,
			 priority, seq, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Kind, d.ModelAlias, d.TargetModel, d.Endpoint, d.APIKey,
		d.Priority, d.Seq, d.Active, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: create deployment: %w", err)
	}
	return nil
}

// ListDeployments returns all deployments in creation order.
func (s *Store) ListDeployments(ctx context.Context) ([]*providers.Deployment, error) {
	var rows []deploymentRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM deployments ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list deployments: %w", err)
	}
	out := make([]*providers.Deployment, len(rows))
	for i := range rows {
		out[i] = rows[i].toDeployment()
	}
	return out, nil
}

// SetDeploymentActive flips the active flag. Returns false when the
// deployment does not exist.
func (s *Store) SetDeploymentActive(ctx context.Context, id string, active bool) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE deployments SET active = ? WHERE id = ?`, active, id)
	if err != nil {
		return false, fmt.Errorf("store: set deployment active: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: set deployment active: %w", err)
	}
	return n > 0, nil
}

// MaxDeploymentSeq returns the highest persisted seq, zero when empty.
func (s *Store) MaxDeploymentSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.GetContext(ctx, &seq, `SELECT MAX(seq) FROM deployments`)
	if err != nil {
		return 0, fmt.Errorf("store: max deployment seq: %w", err)
	}
	return seq.Int64, nil
}

// --- Pricing rules ---

type pricingRow struct {
	Model         string  `db:"model"`
	Provider      string  `db:"provider"`
	InputPerMTok  float64 `db:"input_cost_per_1m"`
	OutputPerMTok float64 `db:"output_cost_per_1m"`
}

// UpsertPricingRule inserts or replaces a pricing rule.
func (s *Store) UpsertPricingRule(ctx context.Context, r pricing.Rule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pricing_rules (model, provider, input_cost_per_1m, output_cost_per_1m)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (model, provider) DO UPDATE SET
			input_cost_per_1m = excluded.input_cost_per_1m,
			output_cost_per_1m = excluded.output_cost_per_1m`,
		r.Model, r.Provider, r.InputPerMTok, r.OutputPerMTok,
	)
	if err != nil {
		return fmt.Errorf("store: upsert pricing rule: %w", err)
	}
	return nil
}

// ListPricingRules returns all persisted pricing overrides.
func (s *Store) ListPricingRules(ctx context.Context) ([]pricing.Rule, error) {
	var rows []pricingRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM pricing_rules ORDER BY model, provider`)
	if err != nil {
		return nil, fmt.Errorf("store: list pricing rules: %w", err)
	}
	out := make([]pricing.Rule, len(rows))
	for i, r := range rows {
		out[i] = pricing.Rule{
			Model:         r.Model,
			Provider:      r.Provider,
			InputPerMTok:  r.InputPerMTok,
			OutputPerMTok: r.OutputPerMTok,
		}
	}
	return out, nil
}
