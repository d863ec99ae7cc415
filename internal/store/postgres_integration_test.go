//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(
		ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("atm"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	require.NoError(t, Migrate(dsn))
	require.NoError(t, Migrate(dsn), "migrations are re-runnable")

	s, err := NewStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestStore_RecordIsIdempotentOnSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := domain.LedgerRecord{
		SessionID:      "0b7c5a52-2d5e-4a4e-9a51-6a2f5c0f9a01",
		UserIdentifier: "+201000000001",
		TerminalID:     "ATM-001",
		Amount:         decimal.NewFromInt(350),
	}
	require.NoError(t, s.Record(ctx, rec))

	err := s.Record(ctx, rec)
	assert.ErrorIs(t, err, domain.ErrDuplicateKey)

	got, err := s.GetTransaction(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.True(t, got.Amount.Equal(decimal.NewFromInt(350)))
	assert.Equal(t, "deposit", got.Type)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "ATM Cash Deposit", got.Description)

	var count int
	require.NoError(t, s.Db.QueryRow(ctx, "SELECT COUNT(*) FROM transactions WHERE reference_number = $1", rec.SessionID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestStore_ListTransactions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, amount := range []int64{100, 250, 999} {
		require.NoError(t, s.Record(ctx, domain.LedgerRecord{
			SessionID:      "session-" + string(rune('a'+i)),
			UserIdentifier: "user-1",
			TerminalID:     "ATM-001",
			Amount:         decimal.NewFromInt(amount),
		}))
	}
	require.NoError(t, s.Record(ctx, domain.LedgerRecord{
		SessionID: "other", UserIdentifier: "user-2", TerminalID: "ATM-002", Amount: decimal.NewFromInt(5),
	}))

	txs, err := s.ListTransactions(ctx, "user-1", 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "session-c", txs[0].ReferenceNumber)
	assert.Equal(t, "session-b", txs[1].ReferenceNumber)

	_, err = s.GetTransaction(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
