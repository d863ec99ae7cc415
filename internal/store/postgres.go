package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	typeDeposit        = "deposit"
	statusCompleted    = "completed"
	depositDescription = "ATM Cash Deposit"

	uniqueViolation = "23505"

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.Db.Ping(ctx)
}

// Record writes the deposit row for rec. The reference number is unique, so
// a replayed commit for the same session returns domain.ErrDuplicateKey
// instead of inserting a second row.
func (s *Store) Record(ctx context.Context, rec domain.LedgerRecord) error {
	const op = "store.Record"

	if rec.SessionID == "" {
		return domain.E(domain.KindInvalidRequest, op, "session id is required")
	}
	if !domain.ValidAmount(rec.Amount) {
		return domain.E(domain.KindInvalidRequest, op, "amount %s must be positive with at most %d decimal places", rec.Amount, domain.MoneyPlaces)
	}

	_, err := s.Db.Exec(ctx,
		`INSERT INTO transactions (reference_number, user_identifier, terminal_id, transaction_type, amount, status, description)
		 VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)`,
		rec.SessionID, rec.UserIdentifier, rec.TerminalID, typeDeposit, rec.Amount.String(), statusCompleted, depositDescription,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Wrap(domain.KindDuplicateKey, op, err, "session %s already recorded", rec.SessionID)
		}
		return fmt.Errorf("ledger insert failed: %w", err)
	}
	return nil
}

// GetTransaction retrieves one ledger row by reference number.
func (s *Store) GetTransaction(ctx context.Context, referenceNumber string) (*domain.Transaction, error) {
	row := s.Db.QueryRow(ctx,
		`SELECT reference_number, user_identifier, terminal_id, transaction_type, amount::text, status, description, created_at
		 FROM transactions WHERE reference_number = $1`,
		referenceNumber)

	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.E(domain.KindNotFound, "store.GetTransaction", "transaction %s not found", referenceNumber)
		}
		return nil, err
	}
	return t, nil
}

// ListTransactions returns a user's ledger rows, newest first.
func (s *Store) ListTransactions(ctx context.Context, userIdentifier string, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := s.Db.Query(ctx,
		`SELECT reference_number, user_identifier, terminal_id, transaction_type, amount::text, status, description, created_at
		 FROM transactions WHERE user_identifier = $1
		 ORDER BY created_at DESC, id DESC LIMIT $2`,
		userIdentifier, limit)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	defer rows.Close()

	txs := []domain.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history scan failed: %w", err)
	}
	return txs, nil
}

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	var amount string
	err := row.Scan(&t.ReferenceNumber, &t.UserIdentifier, &t.TerminalID, &t.Type, &amount, &t.Status, &t.Description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
