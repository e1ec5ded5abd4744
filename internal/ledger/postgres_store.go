package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"
	"github.com/mbd888/settle/internal/keys"
	"github.com/mbd888/settle/internal/pagination"
)

const accountColumns = `key, owner, lamports::TEXT, data, created_at, updated_at`

// PostgresStore implements Store with PostgreSQL. Balances are NUMERIC(20,0)
// so the full uint64 range fits; they travel as decimal strings.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Begin opens a serializable transaction. Accounts read inside it are locked
// with SELECT ... FOR UPDATE.
func (p *PostgresStore) Begin(ctx context.Context) (StoreTx, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

func (p *PostgresStore) GetAccount(ctx context.Context, key keys.PublicKey) (*Account, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE key = $1`, key)
	return scanAccount(row)
}

func (p *PostgresStore) ListByOwner(ctx context.Context, owner keys.PublicKey, cursor *pagination.Cursor, limit int) ([]*Account, error) {
	query := `SELECT ` + accountColumns + ` FROM ledger_accounts WHERE owner = $1`
	args := []interface{}{owner}
	if cursor != nil {
		query += ` AND (created_at < $2 OR (created_at = $2 AND key COLLATE "C" < $3))`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, key COLLATE "C" DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, acct)
	}
	return result, rows.Err()
}

func (p *PostgresStore) History(ctx context.Context, key keys.PublicKey, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, COALESCE(reference, ''), kind, from_key, to_key, amount::TEXT, created_at
		FROM ledger_entries
		WHERE from_key = $1 OR to_key = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, key, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var amount string
		if err := rows.Scan(&e.ID, &e.Reference, &e.Kind, &e.From, &e.To, &amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("entry %s amount %q: %w", e.ID, amount, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetAccount(ctx context.Context, key keys.PublicKey) (*Account, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM ledger_accounts WHERE key = $1 FOR UPDATE`, key)
	acct, err := scanAccount(row)
	return acct, classify(err)
}

func (t *postgresTx) InsertAccount(ctx context.Context, acct *Account) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (key, owner, lamports, data, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)
	`, acct.Key, acct.Owner, strconv.FormatUint(acct.Lamports, 10), dataBytes(acct.Data), acct.CreatedAt, acct.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrAccountExists
	}
	return classify(err)
}

func (t *postgresTx) PutAccount(ctx context.Context, acct *Account) error {
	result, err := t.tx.ExecContext(ctx, `
		UPDATE ledger_accounts
		SET owner = $2, lamports = $3::NUMERIC, data = $4, updated_at = $5
		WHERE key = $1
	`, acct.Key, acct.Owner, strconv.FormatUint(acct.Lamports, 10), dataBytes(acct.Data), acct.UpdatedAt)
	if err != nil {
		return classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *postgresTx) AppendEntry(ctx context.Context, e *Entry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, reference, kind, from_key, to_key, amount, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6::NUMERIC, $7)
	`, e.ID, e.Reference, e.Kind, e.From, e.To, strconv.FormatUint(e.Amount, 10), e.CreatedAt)
	return classify(err)
}

func (t *postgresTx) Commit() error {
	return classify(t.tx.Commit())
}

func (t *postgresTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(s scanner) (*Account, error) {
	acct := &Account{}
	var lamports string
	err := s.Scan(&acct.Key, &acct.Owner, &lamports, &acct.Data, &acct.CreatedAt, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	if acct.Lamports, err = strconv.ParseUint(lamports, 10, 64); err != nil {
		return nil, fmt.Errorf("account %s lamports %q: %w", acct.Key, lamports, err)
	}
	if len(acct.Data) == 0 {
		acct.Data = nil
	}
	return acct, nil
}

func dataBytes(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// classify maps serialization failures and deadlocks to ErrConflict so the
// unit of work is retried.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && (pqErr.Code == "40001" || pqErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
