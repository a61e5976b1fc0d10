package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"WalletLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

// PostgresStore implements ledger.Store on Postgres.
// Serialization per wallet is the row lock taken by SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping reports whether the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

const walletColumns = `wallet_id, owner_scope, owner_id, currency, balance, locked_balance,
	bonus_balance, rollover_total, rollover_remaining, version, created_at, updated_at`

func scanWallet(r rowScanner) (*ledger.Wallet, error) {
	var w ledger.Wallet
	var scope string
	if err := r.Scan(
		&w.WalletID, &scope, &w.Key.OwnerID, &w.Currency, &w.Balance, &w.LockedBalance,
		&w.BonusBalance, &w.RolloverTotal, &w.RolloverRemaining, &w.Version, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s, ok := ledger.ParseOwnerScope(scope)
	if !ok {
		return nil, fmt.Errorf("wallet %s has unknown owner scope %q", w.WalletID, scope)
	}
	w.Key.Scope = s
	return &w, nil
}

const entryColumns = `entry_id, wallet_id, owner_scope, owner_id, type, amount, balance_before,
	balance_after, status, reference_id, description, metadata, created_at`

func scanEntry(r rowScanner) (*ledger.Entry, error) {
	var e ledger.Entry
	var scope, typ, status string
	var meta []byte
	if err := r.Scan(
		&e.EntryID, &e.WalletID, &scope, &e.Wallet.OwnerID, &typ, &e.Amount, &e.BalanceBefore,
		&e.BalanceAfter, &status, &e.ReferenceID, &e.Description, &meta, &e.CreatedAt,
	); err != nil {
		return nil, err
	}
	e.Wallet.Scope, _ = ledger.ParseOwnerScope(scope)
	e.Type = ledger.TransactionType(typ)
	e.Status = ledger.EntryStatus(status)

	m, err := ledger.DecodeMetadata(meta)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", e.ReferenceID, err)
	}
	e.Metadata = m
	return &e, nil
}

const grantColumns = `grant_id, owner_scope, owner_id, bonus_amount, rollover_total, rollover_remaining,
	max_withdrawal, status, reference_id, conversion_ref, expires_at, created_at, updated_at`

func scanGrant(r rowScanner) (*ledger.BonusGrant, error) {
	var g ledger.BonusGrant
	var scope, status string
	var expires sql.NullTime
	if err := r.Scan(
		&g.GrantID, &scope, &g.Wallet.OwnerID, &g.BonusAmount, &g.RolloverTotal, &g.RolloverRemaining,
		&g.MaxWithdrawal, &status, &g.ReferenceID, &g.ConversionRef, &expires, &g.CreatedAt, &g.UpdatedAt,
	); err != nil {
		return nil, err
	}
	g.Wallet.Scope, _ = ledger.ParseOwnerScope(scope)
	g.Status = ledger.GrantStatus(status)
	if expires.Valid {
		t := expires.Time
		g.ExpiresAt = &t
	}
	return &g, nil
}

// CreateWallet inserts w, or returns the existing wallet for the same owner
func (s *PostgresStore) CreateWallet(ctx context.Context, w *ledger.Wallet) (*ledger.Wallet, error) {
	id := w.WalletID
	if id == uuid.Nil {
		id = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet.wallets (wallet_id, owner_scope, owner_id, currency, balance, locked_balance,
			bonus_balance, rollover_total, rollover_remaining)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_scope, owner_id) DO NOTHING`,
		id, w.Key.Scope.String(), w.Key.OwnerID, w.Currency, w.Balance, w.LockedBalance,
		w.BonusBalance, w.RolloverTotal, w.RolloverRemaining,
	)
	if err != nil {
		return nil, fmt.Errorf("insert wallet: %w", err)
	}
	return s.GetWallet(ctx, w.Key)
}

// GetWallet reads a wallet without locking it
func (s *PostgresStore) GetWallet(ctx context.Context, key ledger.WalletKey) (*ledger.Wallet, error) {
	w, err := scanWallet(s.db.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallet.wallets WHERE owner_scope = $1 AND owner_id = $2`,
		key.Scope.String(), key.OwnerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", key, err)
	}
	return w, nil
}

// FindEntry looks up an entry by its idempotency reference
func (s *PostgresStore) FindEntry(ctx context.Context, referenceID string) (*ledger.Entry, error) {
	return findEntry(ctx, s.db, referenceID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findEntry(ctx context.Context, q queryer, referenceID string) (*ledger.Entry, error) {
	e, err := scanEntry(q.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM wallet.ledger_entries WHERE reference_id = $1`, referenceID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entry %s: %w", referenceID, err)
	}
	return e, nil
}

// ListEntries returns a wallet's entries, newest first
func (s *PostgresStore) ListEntries(ctx context.Context, key ledger.WalletKey, filter ledger.EntryFilter) ([]*ledger.Entry, error) {
	types := make([]string, 0, len(filter.Types))
	for _, t := range filter.Types {
		types = append(types, string(t))
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM wallet.ledger_entries
		WHERE owner_scope = $1 AND owner_id = $2
		  AND (cardinality($3::text[]) = 0 OR type = ANY($3))
		ORDER BY created_at DESC, entry_id DESC
		LIMIT $4`,
		key.Scope.String(), key.OwnerID, pq.Array(types), filter.EffectiveLimit(),
	)
	if err != nil {
		return nil, fmt.Errorf("list entries %s: %w", key, err)
	}
	defer rows.Close()

	var out []*ledger.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListGrants returns a wallet's bonus grants ordered by creation time
func (s *PostgresStore) ListGrants(ctx context.Context, key ledger.WalletKey) ([]*ledger.BonusGrant, error) {
	return listGrants(ctx, s.db, key)
}

func listGrants(ctx context.Context, q queryer, key ledger.WalletKey) ([]*ledger.BonusGrant, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM wallet.bonus_grants
		WHERE owner_scope = $1 AND owner_id = $2
		ORDER BY created_at, grant_id`,
		key.Scope.String(), key.OwnerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list grants %s: %w", key, err)
	}
	defer rows.Close()

	var out []*ledger.BonusGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Explicit ordering; never rely on storage order
	ledger.SortGrantsByCreation(out)
	return out, nil
}

// GetGrant reads one bonus grant
func (s *PostgresStore) GetGrant(ctx context.Context, grantID uuid.UUID) (*ledger.BonusGrant, error) {
	g, err := scanGrant(s.db.QueryRowContext(ctx,
		`SELECT `+grantColumns+` FROM wallet.bonus_grants WHERE grant_id = $1`, grantID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrGrantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get grant %s: %w", grantID, err)
	}
	return g, nil
}

// DueGrants returns ACTIVE grants whose expiry is at or before now
func (s *PostgresStore) DueGrants(ctx context.Context, now time.Time, limit int) ([]*ledger.BonusGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+grantColumns+`
		FROM wallet.bonus_grants
		WHERE status = 'ACTIVE' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY created_at, grant_id
		LIMIT $2`, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due grants: %w", err)
	}
	defer rows.Close()

	var out []*ledger.BonusGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

const walletPageSize = 500

// ForEachWallet visits every wallet, paging by (owner_scope, owner_id)
func (s *PostgresStore) ForEachWallet(ctx context.Context, fn func(w *ledger.Wallet) error) error {
	lastScope, lastOwner := "", uuid.Nil

	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+walletColumns+`
			FROM wallet.wallets
			WHERE (owner_scope, owner_id) > ($1, $2)
			ORDER BY owner_scope, owner_id
			LIMIT $3`, lastScope, lastOwner, walletPageSize,
		)
		if err != nil {
			return fmt.Errorf("scan wallets: %w", err)
		}

		page := make([]*ledger.Wallet, 0, walletPageSize)
		for rows.Next() {
			w, err := scanWallet(rows)
			if err != nil {
				rows.Close()
				return err
			}
			page = append(page, w)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, w := range page {
			if err := fn(w); err != nil {
				return err
			}
		}
		if len(page) < walletPageSize {
			return nil
		}
		last := page[len(page)-1]
		lastScope, lastOwner = last.Key.Scope.String(), last.Key.OwnerID
	}
}

// WithWalletLock runs fn inside a transaction holding the wallet's row lock
func (s *PostgresStore) WithWalletLock(ctx context.Context, key ledger.WalletKey, fn func(tx ledger.WalletTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	w, err := scanWallet(tx.QueryRowContext(ctx,
		`SELECT `+walletColumns+` FROM wallet.wallets WHERE owner_scope = $1 AND owner_id = $2 FOR UPDATE`,
		key.Scope.String(), key.OwnerID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ErrWalletNotFound
	}
	if err != nil {
		return fmt.Errorf("lock wallet %s: %w", key, err)
	}

	if err := fn(&pgWalletTx{tx: tx, wallet: *w}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit wallet %s: %w", key, err)
	}
	committed = true
	return nil
}

type pgWalletTx struct {
	tx        *sql.Tx
	wallet    ledger.Wallet
	committed bool
}

func (t *pgWalletTx) Wallet() ledger.Wallet {
	return t.wallet
}

func (t *pgWalletTx) FindEntry(ctx context.Context, referenceID string) (*ledger.Entry, error) {
	return findEntry(ctx, t.tx, referenceID)
}

func (t *pgWalletTx) Grants(ctx context.Context) ([]*ledger.BonusGrant, error) {
	return listGrants(ctx, t.tx, t.wallet.Key)
}

// Commit writes wallet, entry and grants on the open transaction.
// They become visible when WithWalletLock commits.
func (t *pgWalletTx) Commit(ctx context.Context, change ledger.Change) error {
	if t.committed {
		return fmt.Errorf("wallet %s: change already committed in this lock", t.wallet.Key)
	}
	t.committed = true

	w := change.Wallet
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE wallet.wallets
		SET balance = $2, locked_balance = $3, bonus_balance = $4, rollover_total = $5,
			rollover_remaining = $6, version = $7, updated_at = NOW()
		WHERE wallet_id = $1`,
		w.WalletID, w.Balance, w.LockedBalance, w.BonusBalance, w.RolloverTotal,
		w.RolloverRemaining, w.Version,
	); err != nil {
		return fmt.Errorf("update wallet %s: %w", w.Key, err)
	}

	if e := change.Entry; e != nil {
		meta, err := ledger.EncodeMetadata(e.Metadata)
		if err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO wallet.ledger_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			e.EntryID, w.WalletID, e.Wallet.Scope.String(), e.Wallet.OwnerID, string(e.Type), e.Amount,
			e.BalanceBefore, e.BalanceAfter, string(e.Status), e.ReferenceID, e.Description, nullJSON(meta), e.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: reference %s already recorded", ledger.ErrDuplicateTransaction, e.ReferenceID)
			}
			return fmt.Errorf("insert entry %s: %w", e.ReferenceID, err)
		}
	}

	for _, g := range change.Grants {
		if err := upsertGrant(ctx, t.tx, w.WalletID, g); err != nil {
			return err
		}
	}
	return nil
}

func upsertGrant(ctx context.Context, tx *sql.Tx, walletID uuid.UUID, g *ledger.BonusGrant) error {
	var expires sql.NullTime
	if g.ExpiresAt != nil {
		expires = sql.NullTime{Time: *g.ExpiresAt, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet.bonus_grants (grant_id, wallet_id, owner_scope, owner_id, bonus_amount,
			rollover_total, rollover_remaining, max_withdrawal, status, reference_id, conversion_ref,
			expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (grant_id) DO UPDATE
		SET rollover_remaining = EXCLUDED.rollover_remaining,
			status = EXCLUDED.status,
			conversion_ref = EXCLUDED.conversion_ref,
			updated_at = NOW()`,
		g.GrantID, walletID, g.Wallet.Scope.String(), g.Wallet.OwnerID, g.BonusAmount,
		g.RolloverTotal, g.RolloverRemaining, g.MaxWithdrawal, string(g.Status), g.ReferenceID,
		g.ConversionRef, expires, g.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: grant reference %s already recorded", ledger.ErrDuplicateTransaction, g.ReferenceID)
		}
		return fmt.Errorf("upsert grant %s: %w", g.GrantID, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
