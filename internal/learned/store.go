// Package learned persists actions that previously worked on a page
// component, so later runs can replay them without spending an LLM call,
// plus a log of cookie consent failures for selector-table tuning.
package learned

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"uirunner/internal/logging"
	"uirunner/internal/types"
)

// ReliabilityThreshold is the minimum success ratio a learned action
// needs before the planner will replay it instead of asking the model.
const ReliabilityThreshold = 0.75

// cookieFailureSamples caps stored failures per hostname.
const cookieFailureSamples = 5

// LearnedAction is a replayable action with its track record.
type LearnedAction struct {
	ComponentHash string
	Action        types.Action
	Successes     int
	Failures      int
	UpdatedAt     time.Time
}

// Reliability is the success ratio over all recorded outcomes.
func (la *LearnedAction) Reliability() float64 {
	total := la.Successes + la.Failures
	if total == 0 {
		return 0
	}
	return float64(la.Successes) / float64(total)
}

// Reliable reports whether the action clears the replay threshold.
func (la *LearnedAction) Reliable() bool {
	return la.Reliability() >= ReliabilityThreshold
}

// CookieFailure is one logged consent resolution failure.
type CookieFailure struct {
	Hostname   string
	Region     string
	Platform   string
	Selectors  []string
	RecordedAt time.Time
}

// Store is the sqlite-backed persistence layer.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS learned_actions (
	component_hash TEXT PRIMARY KEY,
	url_host       TEXT NOT NULL,
	url_path       TEXT NOT NULL,
	action_kind    TEXT NOT NULL,
	selector       TEXT NOT NULL,
	value          TEXT NOT NULL DEFAULT '',
	successes      INTEGER NOT NULL DEFAULT 0,
	failures       INTEGER NOT NULL DEFAULT 0,
	updated_at     TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS cookie_failures (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	hostname   TEXT NOT NULL,
	region     TEXT NOT NULL,
	platform   TEXT NOT NULL,
	selectors  TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cookie_failures_host ON cookie_failures(hostname);
`

// Open creates or opens the store at path. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open learned store: %w", err)
	}
	// modernc sqlite serializes access; a single connection avoids
	// table-lock errors under concurrent runs.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init learned store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ComponentHash identifies a page component by URL host+path and the
// first selector the component resolves to.
func ComponentHash(rawURL, selector string) string {
	host, path := splitURL(rawURL)
	sum := sha1.Sum([]byte(host + path + "|" + selector))
	return hex.EncodeToString(sum[:])
}

func splitURL(rawURL string) (host, path string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL, ""
	}
	return u.Host, u.Path
}

// Lookup returns the learned action for the component, or nil when none
// is recorded. Callers check Reliable() before replaying.
func (s *Store) Lookup(ctx context.Context, rawURL, selector string) (*LearnedAction, error) {
	hash := ComponentHash(rawURL, selector)
	row := s.db.QueryRowContext(ctx, `
		SELECT component_hash, action_kind, selector, value, successes, failures, updated_at
		FROM learned_actions WHERE component_hash = ?`, hash)

	var la LearnedAction
	var kind string
	if err := row.Scan(&la.ComponentHash, &kind, &la.Action.Selector, &la.Action.Value,
		&la.Successes, &la.Failures, &la.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup learned action: %w", err)
	}
	la.Action.Kind = types.ActionKind(kind)
	return &la, nil
}

// Record upserts an action outcome for the component. Healed actions are
// recorded with success=true so the repaired selector becomes the learned
// one.
func (s *Store) Record(ctx context.Context, rawURL string, action types.Action, success bool) error {
	hash := ComponentHash(rawURL, action.Selector)
	host, path := splitURL(rawURL)
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learned_actions
			(component_hash, url_host, url_path, action_kind, selector, value, successes, failures, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(component_hash) DO UPDATE SET
			action_kind = excluded.action_kind,
			selector    = excluded.selector,
			value       = excluded.value,
			successes   = successes + excluded.successes,
			failures    = failures + excluded.failures,
			updated_at  = excluded.updated_at`,
		hash, host, path, string(action.Kind), action.Selector, action.Value,
		succ, fail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record learned action: %w", err)
	}
	return nil
}

// RecordReuse bumps the freshness timestamp when a learned action is
// replayed. Outcome counters are updated later by Record once the replay
// resolves.
func (s *Store) RecordReuse(ctx context.Context, componentHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE learned_actions SET updated_at = ? WHERE component_hash = ?`,
		time.Now().UTC(), componentHash)
	return err
}

// LogCookieFailure stores a consent resolution failure, keeping at most
// cookieFailureSamples rows per hostname (oldest dropped).
func (s *Store) LogCookieFailure(ctx context.Context, f CookieFailure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cookie_failures (hostname, region, platform, selectors, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.Hostname, f.Region, f.Platform, strings.Join(f.Selectors, ","), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log cookie failure: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM cookie_failures WHERE hostname = ? AND id NOT IN (
			SELECT id FROM cookie_failures WHERE hostname = ? ORDER BY id DESC LIMIT ?
		)`, f.Hostname, f.Hostname, cookieFailureSamples)
	if err != nil {
		logging.Get(logging.CategoryCookie).Warnw("cookie failure log trim failed", "err", err)
	}
	return nil
}

// CookieFailures returns the stored failures for a hostname, newest first.
func (s *Store) CookieFailures(ctx context.Context, hostname string) ([]CookieFailure, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hostname, region, platform, selectors, created_at
		FROM cookie_failures WHERE hostname = ? ORDER BY id DESC`, hostname)
	if err != nil {
		return nil, fmt.Errorf("query cookie failures: %w", err)
	}
	defer rows.Close()

	var out []CookieFailure
	for rows.Next() {
		var f CookieFailure
		var selectors string
		if err := rows.Scan(&f.Hostname, &f.Region, &f.Platform, &selectors, &f.RecordedAt); err != nil {
			return nil, err
		}
		if selectors != "" {
			f.Selectors = strings.Split(selectors, ",")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
