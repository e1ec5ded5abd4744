package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"

	"github.com/mbd888/settle/internal/keys"
)

const subscriptionColumns = `id, owner, url, secret, events, active, created_at, last_success, last_error, consecutive_failures`

// PostgresStore persists webhook subscriptions in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed webhook store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts sub unless its owner already has MaxSubscriptionsPerOwner.
func (p *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	events := sub.Events
	if events == nil {
		events = []string{}
	}
	eventsJSON, err := json.Marshal(events)
	if err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO webhooks (id, owner, url, secret, events, active, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7
		WHERE (SELECT COUNT(*) FROM webhooks WHERE owner = $2) < $8
	`, sub.ID, sub.Owner, sub.URL, sub.Secret, eventsJSON, sub.Active, sub.CreatedAt, MaxSubscriptionsPerOwner)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrLimitReached
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM webhooks WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sub, err
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner keys.PublicKey) ([]*Subscription, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks
		WHERE owner = $1 ORDER BY created_at DESC, id
	`, owner)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context, owners ...keys.PublicKey) ([]*Subscription, error) {
	if len(owners) == 0 {
		return nil, nil
	}
	strs := make([]string, len(owners))
	for i, o := range owners {
		strs[i] = o.String()
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+` FROM webhooks
		WHERE active AND owner = ANY($1) ORDER BY created_at DESC, id
	`, pq.Array(strs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordResult updates delivery bookkeeping in one statement so concurrent
// workers cannot lose failure counts.
func (p *PostgresStore) RecordResult(ctx context.Context, id string, r Result) (bool, error) {
	if r.Err == "" {
		res, err := p.db.ExecContext(ctx, `
			UPDATE webhooks SET last_success = $2, last_error = '', consecutive_failures = 0
			WHERE id = $1
		`, id, r.At)
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return false, ErrNotFound
		}
		return false, nil
	}

	var wasActive, active bool
	err := p.db.QueryRowContext(ctx, `
		UPDATE webhooks w SET
			last_error = $2,
			consecutive_failures = w.consecutive_failures + 1,
			active = w.active AND NOT ($3 > 0 AND w.consecutive_failures + 1 >= $3)
		FROM (SELECT id, active FROM webhooks WHERE id = $1 FOR UPDATE) prev
		WHERE w.id = prev.id
		RETURNING prev.active, w.active
	`, id, r.Err, r.DisableAfter).Scan(&wasActive, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return wasActive && !active, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var eventsJSON []byte
	var lastSuccess sql.NullTime

	if err := row.Scan(
		&sub.ID, &sub.Owner, &sub.URL, &sub.Secret, &eventsJSON,
		&sub.Active, &sub.CreatedAt, &lastSuccess, &sub.LastError, &sub.ConsecutiveFailures,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(eventsJSON, &sub.Events); err != nil {
		return nil, err
	}
	if len(sub.Events) == 0 {
		sub.Events = nil
	}
	if lastSuccess.Valid {
		t := lastSuccess.Time
		sub.LastSuccess = &t
	}
	return sub, nil
}

func scanSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
