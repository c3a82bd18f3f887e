// Package database persists WAF rules and attacker profiles to Postgres.
// Persistence is an archive alongside the in-memory stores that serve the
// data path: services boot without a database and load what exists when one
// is configured.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/cerberus-defense/cerberus/internal/profiler"
	"github.com/cerberus-defense/cerberus/internal/waf"
)

const schema = `
CREATE TABLE IF NOT EXISTS waf_rules (
    rule_id    TEXT PRIMARY KEY,
    action     TEXT NOT NULL,
    priority   INTEGER NOT NULL,
    enabled    BOOLEAN NOT NULL,
    rule       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS attacker_profiles (
    profile_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    intent     TEXT NOT NULL,
    profile    JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS attacker_profiles_session_idx ON attacker_profiles (session_id);
`

// Postgres wraps the shared connection pool.
type Postgres struct {
	db *sql.DB
}

// Connect opens the pool, verifies the connection and ensures the schema.
func Connect(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error { return p.db.Close() }

// RuleRepo archives WAF rules. Implements the gatekeeper's RuleArchiver.
type RuleRepo struct {
	pg *Postgres
}

func (p *Postgres) Rules() *RuleRepo { return &RuleRepo{pg: p} }

func (r *RuleRepo) SaveRule(ctx context.Context, rule waf.Rule) error {
	blob, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule %s: %w", rule.RuleID, err)
	}
	_, err = r.pg.db.ExecContext(ctx, `
		INSERT INTO waf_rules (rule_id, action, priority, enabled, rule, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (rule_id) DO UPDATE
		SET action = $2, priority = $3, enabled = $4, rule = $5, updated_at = now()`,
		rule.RuleID, rule.Action, rule.Priority, rule.Enabled, blob)
	if err != nil {
		return fmt.Errorf("save rule %s: %w", rule.RuleID, err)
	}
	return nil
}

func (r *RuleRepo) DeleteRule(ctx context.Context, ruleID string) error {
	if _, err := r.pg.db.ExecContext(ctx, `DELETE FROM waf_rules WHERE rule_id = $1`, ruleID); err != nil {
		return fmt.Errorf("delete rule %s: %w", ruleID, err)
	}
	return nil
}

// LoadRules returns every archived rule, for seeding the in-memory store at
// boot.
func (r *RuleRepo) LoadRules(ctx context.Context) ([]waf.Rule, error) {
	rows, err := r.pg.db.QueryContext(ctx, `SELECT rule FROM waf_rules ORDER BY priority, rule_id`)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	defer rows.Close()

	var rules []waf.Rule
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var rule waf.Rule
		if err := json.Unmarshal(blob, &rule); err != nil {
			return nil, fmt.Errorf("parse archived rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// ProfileRepo persists attacker profiles. Implements sentinel's
// ProfileStore so the pipeline can run durable when Postgres is wired.
type ProfileRepo struct {
	pg *Postgres
}

func (p *Postgres) Profiles() *ProfileRepo { return &ProfileRepo{pg: p} }

func (r *ProfileRepo) Save(ctx context.Context, prof *profiler.Profile) error {
	blob, err := json.Marshal(prof)
	if err != nil {
		return fmt.Errorf("marshal profile %s: %w", prof.ProfileID, err)
	}
	// A session has one current profile; redelivered evidence replaces it.
	if _, err := r.pg.db.ExecContext(ctx,
		`DELETE FROM attacker_profiles WHERE session_id = $1 AND profile_id <> $2`,
		prof.SessionID, prof.ProfileID); err != nil {
		return fmt.Errorf("evict stale profiles for %s: %w", prof.SessionID, err)
	}
	_, err = r.pg.db.ExecContext(ctx, `
		INSERT INTO attacker_profiles (profile_id, session_id, intent, profile, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (profile_id) DO UPDATE
		SET session_id = $2, intent = $3, profile = $4, updated_at = now()`,
		prof.ProfileID, prof.SessionID, prof.Intent, blob)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", prof.ProfileID, err)
	}
	return nil
}

func (r *ProfileRepo) Get(ctx context.Context, profileID string) (*profiler.Profile, bool) {
	return r.one(ctx, `SELECT profile FROM attacker_profiles WHERE profile_id = $1`, profileID)
}

func (r *ProfileRepo) GetBySession(ctx context.Context, sessionID string) (*profiler.Profile, bool) {
	return r.one(ctx, `SELECT profile FROM attacker_profiles WHERE session_id = $1
		ORDER BY updated_at DESC LIMIT 1`, sessionID)
}

func (r *ProfileRepo) one(ctx context.Context, query, arg string) (*profiler.Profile, bool) {
	var blob []byte
	if err := r.pg.db.QueryRowContext(ctx, query, arg).Scan(&blob); err != nil {
		return nil, false
	}
	var prof profiler.Profile
	if err := json.Unmarshal(blob, &prof); err != nil {
		return nil, false
	}
	return &prof, true
}

func (r *ProfileRepo) List(ctx context.Context) ([]*profiler.Profile, error) {
	rows, err := r.pg.db.QueryContext(ctx,
		`SELECT profile FROM attacker_profiles ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []*profiler.Profile
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, err
		}
		var prof profiler.Profile
		if err := json.Unmarshal(blob, &prof); err != nil {
			return nil, fmt.Errorf("parse archived profile: %w", err)
		}
		out = append(out, &prof)
	}
	return out, rows.Err()
}

func (r *ProfileRepo) Count(ctx context.Context) int {
	var n int
	if err := r.pg.db.QueryRowContext(ctx, `SELECT count(*) FROM attacker_profiles`).Scan(&n); err != nil {
		return 0
	}
	return n
}
