package guildbot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t testing.TB) *Ledger {
	t.Helper()
	tmpdir := t.TempDir()
	dbfile := filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))

	db, err := CreateDB(context.Background(), "sqlite", dbfile)
	if err != nil {
		t.Fatalf("error creating db: %v", err)
	}
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return NewLedger(NewDatabase(db, nil, false), nil)
}

func TestLedgerGetBalanceMissingAccount(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	balance, err := ledger.GetBalance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	// reads must not create account rows
	count, err := ledger.AccountCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestLedgerTransfer(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	initialized, err := ledger.InitializeMembers(
		ctx,
		[]string{"alice", "bob"},
		10000,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, initialized)

	record, err := ledger.Transfer(ctx, "alice", "bob", 1000, DefaultTransferCap)
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NotNil(t, record.FromUserID)
	assert.Equal(t, "alice", *record.FromUserID)
	assert.Equal(t, "bob", record.ToUserID)
	assert.Equal(t, int64(1000), record.Amount)
	assert.Equal(t, TransactionTypeTransfer, record.Type)

	fromBalance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(9000), fromBalance)

	toBalance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(11000), toBalance)
}

func TestLedgerTransferInsufficientFunds(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.SetBalance(ctx, "alice", 500)
	require.NoError(t, err)

	_, err = ledger.Transfer(ctx, "alice", "bob", 1000, DefaultTransferCap)
	require.Error(t, err)

	var fundsErr InsufficientFundsError
	require.True(t, errors.As(err, &fundsErr))
	assert.Equal(t, "alice", fundsErr.UserID)
	assert.Equal(t, int64(500), fundsErr.Balance)
	assert.Equal(t, int64(1000), fundsErr.Requested)

	// neither balance should have changed
	fromBalance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(500), fromBalance)

	toBalance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(0), toBalance)

	history, err := ledger.TransactionHistory(ctx, "bob", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLedgerTransferCap(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.SetBalance(ctx, "alice", 5_000_000)
	require.NoError(t, err)

	// a transfer of exactly the cap is allowed
	_, err = ledger.Transfer(
		ctx, "alice", "bob", DefaultTransferCap, DefaultTransferCap,
	)
	require.NoError(t, err)

	// one over the cap is not
	_, err = ledger.Transfer(
		ctx, "alice", "bob", DefaultTransferCap+1, DefaultTransferCap,
	)
	require.Error(t, err)
	var validationErr ValidationError
	assert.True(t, errors.As(err, &validationErr))

	balance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, DefaultTransferCap, balance)
}

func TestLedgerTransferValidation(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	var validationErr ValidationError

	_, err := ledger.Transfer(ctx, "alice", "alice", 100, 0)
	require.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))

	_, err = ledger.Transfer(ctx, "alice", "bob", 0, 0)
	require.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))

	_, err = ledger.Transfer(ctx, "alice", "bob", -50, 0)
	require.Error(t, err)
	assert.True(t, errors.As(err, &validationErr))
}

func TestLedgerSetBalance(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	record, err := ledger.SetBalance(ctx, "alice", 2500)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), record.Amount)
	assert.Equal(t, TransactionTypeGrant, record.Type)

	// the recorded delta reflects the previous balance
	record, err = ledger.SetBalance(ctx, "alice", 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(-500), record.Amount)

	balance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), balance)

	_, err = ledger.SetBalance(ctx, "alice", -1)
	require.Error(t, err)
	var validationErr ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestLedgerCredit(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	record, err := ledger.Credit(
		ctx, "alice", 150, TransactionTypeSystem, "work reward",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(150), record.Amount)
	assert.Equal(t, TransactionTypeSystem, record.Type)
	assert.Equal(t, "work reward", record.Note)

	balance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	_, err = ledger.Credit(ctx, "alice", 0, TransactionTypeSystem, "")
	require.Error(t, err)
}

func TestLedgerInitializeMembers(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	// alice already has funds and should be skipped; bob's balance is
	// zero and carol has no account at all
	_, err := ledger.SetBalance(ctx, "alice", 777)
	require.NoError(t, err)
	_, err = ledger.SetBalance(ctx, "bob", 0)
	require.NoError(t, err)

	initialized, err := ledger.InitializeMembers(
		ctx,
		[]string{"alice", "bob", "carol"},
		DefaultInitialBalance,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, initialized)

	aliceBalance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(777), aliceBalance)

	bobBalance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, DefaultInitialBalance, bobBalance)

	carolBalance, err := ledger.GetBalance(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, DefaultInitialBalance, carolBalance)

	// a second sweep is a no-op
	initialized, err = ledger.InitializeMembers(
		ctx,
		[]string{"alice", "bob", "carol"},
		DefaultInitialBalance,
	)
	require.NoError(t, err)
	assert.Equal(t, 0, initialized)
}

func TestLedgerGrantToMembers(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	granted, err := ledger.GrantToMembers(
		ctx,
		[]string{"alice", "bob"},
		5000,
		DefaultBulkGrantCap,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, granted)

	for _, userID := range []string{"alice", "bob"} {
		balance, balanceErr := ledger.GetBalance(ctx, userID)
		require.NoError(t, balanceErr)
		assert.Equal(t, int64(5000), balance)
	}

	_, err = ledger.GrantToMembers(
		ctx,
		[]string{"alice"},
		DefaultBulkGrantCap+1,
		DefaultBulkGrantCap,
	)
	require.Error(t, err)
	var validationErr ValidationError
	assert.True(t, errors.As(err, &validationErr))
}

func TestLedgerTopBalances(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	for i, userID := range []string{"alice", "bob", "carol", "dave"} {
		_, err := ledger.SetBalance(ctx, userID, int64((i+1)*100))
		require.NoError(t, err)
	}

	accounts, err := ledger.TopBalances(ctx, 3)
	require.NoError(t, err)
	require.Len(t, accounts, 3)
	assert.Equal(t, "dave", accounts[0].UserID)
	assert.Equal(t, int64(400), accounts[0].Balance)
	assert.Equal(t, "carol", accounts[1].UserID)
	assert.Equal(t, "bob", accounts[2].UserID)

	_, err = ledger.TopBalances(ctx, 0)
	require.Error(t, err)
}

func TestLedgerTransactionHistory(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.SetBalance(ctx, "alice", 10000)
	require.NoError(t, err)
	_, err = ledger.Transfer(ctx, "alice", "bob", 100, 0)
	require.NoError(t, err)
	_, err = ledger.Credit(ctx, "bob", 50, TransactionTypeSystem, "work reward")
	require.NoError(t, err)

	history, err := ledger.TransactionHistory(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// newest first
	assert.Equal(t, TransactionTypeSystem, history[0].Type)
	assert.Equal(t, TransactionTypeTransfer, history[1].Type)

	history, err = ledger.TransactionHistory(ctx, "bob", 1)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	history, err = ledger.TransactionHistory(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, TransactionTypeTransfer, history[0].Type)
	assert.Equal(t, TransactionTypeGrant, history[1].Type)
}

func TestLedgerConcurrentTransfers(t *testing.T) {
	t.Parallel()
	ledger := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.SetBalance(ctx, "alice", 10000)
	require.NoError(t, err)
	_, err = ledger.SetBalance(ctx, "bob", 10000)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = ledger.Transfer(ctx, "alice", "bob", 100, 0)
		}()
		go func() {
			defer wg.Done()
			_, _ = ledger.Transfer(ctx, "bob", "alice", 100, 0)
		}()
	}
	wg.Wait()

	aliceBalance, err := ledger.GetBalance(ctx, "alice")
	require.NoError(t, err)
	bobBalance, err := ledger.GetBalance(ctx, "bob")
	require.NoError(t, err)

	// transfers only move currency, never create or destroy it
	assert.Equal(t, int64(20000), aliceBalance+bobBalance)
	assert.GreaterOrEqual(t, aliceBalance, int64(0))
	assert.GreaterOrEqual(t, bobBalance, int64(0))
}
