package guildbot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	columnAccountBalance = "balance"
)

// TransactionType categorizes ledger transaction records.
type TransactionType string

const (
	// TransactionTypeTransfer is a user-to-user transfer via /pay.
	TransactionTypeTransfer TransactionType = "transfer"

	// TransactionTypeGrant is an administrative balance adjustment.
	TransactionTypeGrant TransactionType = "grant"

	// TransactionTypeSystem is a bot-initiated credit, such as /work
	// rewards or the initial balance granted to new members.
	TransactionTypeSystem TransactionType = "system"
)

// Account holds a single user's currency balance. Accounts are created
// lazily: reading a balance for a user with no account returns zero
// without creating a row.
type Account struct {
	// UserID is the Discord user ID owning this account
	UserID string `json:"user_id" gorm:"primaryKey;type:string"`

	// Balance is the current balance. Never negative.
	Balance int64 `json:"balance" gorm:"not null;default:0"`

	ModelUnixTime
}

// TransactionRecord is an immutable audit entry for a single ledger
// mutation.
//
//nolint:lll // struct tags can't be split
type TransactionRecord struct {
	ModelUintID

	// FromUserID is the sending user, or nil for grants and system
	// credits that have no sender.
	FromUserID *string `json:"from_user_id" gorm:"index;type:string"`

	// ToUserID is the receiving user.
	ToUserID string `json:"to_user_id" gorm:"index;not null"`

	// Amount is the transaction delta. Positive for transfers and
	// credits; administrative adjustments may be negative.
	Amount int64 `json:"amount" gorm:"not null"`

	// Type is one of transfer, grant or system.
	Type TransactionType `json:"type" gorm:"type:string;not null"`

	// Note is optional human-readable context ("work reward", etc.)
	Note string `json:"note" gorm:"type:string"`

	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// Ledger performs all currency mutations. Every write path takes the
// ledger mutex and runs in a database transaction, so a debit, its
// matching credit and the audit record land together or not at all, and
// concurrent transfers are serialized rather than interleaved.
type Ledger struct {
	db     DBI
	logger *slog.Logger
	mu     sync.Mutex
}

func NewLedger(db DBI, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		db:     db,
		logger: logger.With(loggerNameKey, "ledger"),
	}
}

// GetBalance returns the user's current balance. A user with no account
// has a balance of zero; no account row is created by reads.
func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	var account Account
	err := l.db.DB().WithContext(ctx).Where(
		"user_id = ?", userID,
	).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return account.Balance, nil
}

// SetBalance sets the user's balance to an absolute amount, creating the
// account if needed, and records a grant for the delta between the old
// and new balance.
func (l *Ledger) SetBalance(
	ctx context.Context,
	userID string,
	amount int64,
) (*TransactionRecord, error) {
	if amount < 0 {
		return nil, newValidationError("balance cannot be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var record *TransactionRecord
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var account Account
			err := tx.Where("user_id = ?", userID).First(&account).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			previous := account.Balance

			account.UserID = userID
			account.Balance = amount
			if err = tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{columnAccountBalance}),
				},
			).Create(&account).Error; err != nil {
				return err
			}

			record = &TransactionRecord{
				ToUserID: userID,
				Amount:   amount - previous,
				Type:     TransactionTypeGrant,
			}
			return tx.Create(record).Error
		},
	)
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(
		ctx,
		"set balance",
		"user_id", userID,
		"balance", amount,
		"delta", record.Amount,
	)
	return record, nil
}

// Transfer moves amount from one user to another. The debit, credit and
// transaction record are committed atomically; on any error, including
// insufficient funds, neither balance changes.
//
// maxAmount bounds a single transfer; a transfer of exactly maxAmount is
// allowed.
func (l *Ledger) Transfer(
	ctx context.Context,
	fromUserID string,
	toUserID string,
	amount int64,
	maxAmount int64,
) (*TransactionRecord, error) {
	if amount <= 0 {
		return nil, newValidationError("transfer amount must be positive")
	}
	if maxAmount > 0 && amount > maxAmount {
		return nil, newValidationError(
			"transfer amount cannot exceed %d", maxAmount,
		)
	}
	if fromUserID == toUserID {
		return nil, newValidationError("you can't pay yourself")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var record *TransactionRecord
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var from Account
			err := tx.Where("user_id = ?", fromUserID).First(&from).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			if from.Balance < amount {
				return InsufficientFundsError{
					UserID:    fromUserID,
					Balance:   from.Balance,
					Requested: amount,
				}
			}

			var to Account
			err = tx.Where("user_id = ?", toUserID).First(&to).Error
			if err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
				to = Account{UserID: toUserID}
			}

			from.Balance -= amount
			to.Balance += amount

			if err = tx.Model(&Account{}).Where(
				"user_id = ?", fromUserID,
			).Update(columnAccountBalance, from.Balance).Error; err != nil {
				return err
			}
			if err = tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{columnAccountBalance}),
				},
			).Create(&to).Error; err != nil {
				return err
			}

			record = &TransactionRecord{
				FromUserID: &fromUserID,
				ToUserID:   toUserID,
				Amount:     amount,
				Type:       TransactionTypeTransfer,
			}
			return tx.Create(record).Error
		},
	)
	if err != nil {
		return nil, err
	}
	l.logger.InfoContext(
		ctx,
		"transfer complete",
		"from_user_id", fromUserID,
		"to_user_id", toUserID,
		"amount", amount,
	)
	return record, nil
}

// Credit adds amount to the user's balance, creating the account if
// needed, and records a transaction of the given type.
func (l *Ledger) Credit(
	ctx context.Context,
	userID string,
	amount int64,
	transactionType TransactionType,
	note string,
) (*TransactionRecord, error) {
	if amount <= 0 {
		return nil, newValidationError("credit amount must be positive")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.credit(ctx, userID, amount, transactionType, note)
}

// credit is the unexported single-account credit path. Callers must hold
// l.mu.
func (l *Ledger) credit(
	ctx context.Context,
	userID string,
	amount int64,
	transactionType TransactionType,
	note string,
) (*TransactionRecord, error) {
	var record *TransactionRecord
	err := l.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var account Account
			err := tx.Where("user_id = ?", userID).First(&account).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			account.UserID = userID
			account.Balance += amount
			if err = tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "user_id"}},
					DoUpdates: clause.AssignmentColumns([]string{columnAccountBalance}),
				},
			).Create(&account).Error; err != nil {
				return err
			}
			record = &TransactionRecord{
				ToUserID: userID,
				Amount:   amount,
				Type:     transactionType,
				Note:     note,
			}
			return tx.Create(record).Error
		},
	)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// TopBalances returns up to n accounts ordered by balance, descending.
func (l *Ledger) TopBalances(ctx context.Context, n int) ([]Account, error) {
	if n <= 0 {
		return nil, newValidationError("count must be positive")
	}
	var accounts []Account
	err := l.db.DB().WithContext(ctx).Order(
		"balance desc",
	).Limit(n).Find(&accounts).Error
	return accounts, err
}

// AccountCount returns the number of accounts in the ledger.
func (l *Ledger) AccountCount(ctx context.Context) (int64, error) {
	var count int64
	err := l.db.DB().WithContext(ctx).Model(&Account{}).Count(&count).Error
	return count, err
}

// InitializeMembers grants initialAmount to each of the given users that
// has no account, or whose balance is zero. Members with a positive
// balance are left untouched. A failure for one member is logged and the
// sweep continues; the returned count is the number of members that
// actually received the grant.
func (l *Ledger) InitializeMembers(
	ctx context.Context,
	userIDs []string,
	initialAmount int64,
) (int, error) {
	if initialAmount < 0 {
		return 0, newValidationError("initial amount cannot be negative")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	started := time.Now()
	initialized := 0
	var errs []error
	for _, userID := range userIDs {
		balance, err := l.GetBalance(ctx, userID)
		if err != nil {
			l.logger.ErrorContext(
				ctx,
				"error reading balance during initialization",
				"user_id", userID,
				tint.Err(err),
			)
			errs = append(errs, err)
			continue
		}
		if balance > 0 {
			continue
		}
		if _, err = l.credit(
			ctx,
			userID,
			initialAmount,
			TransactionTypeSystem,
			"initial balance",
		); err != nil {
			l.logger.ErrorContext(
				ctx,
				"error granting initial balance",
				"user_id", userID,
				tint.Err(err),
			)
			errs = append(errs, err)
			continue
		}
		initialized++
	}
	l.logger.InfoContext(
		ctx,
		"member initialization finished",
		"initialized", initialized,
		"members", len(userIDs),
		"errors", len(errs),
		"duration", time.Since(started),
	)
	return initialized, errors.Join(errs...)
}

// GrantToMembers credits amount to every given user. Failures for
// individual members are logged and the sweep continues.
func (l *Ledger) GrantToMembers(
	ctx context.Context,
	userIDs []string,
	amount int64,
	maxAmount int64,
) (int, error) {
	if amount <= 0 {
		return 0, newValidationError("grant amount must be positive")
	}
	if maxAmount > 0 && amount > maxAmount {
		return 0, newValidationError("grant amount cannot exceed %d", maxAmount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	granted := 0
	var errs []error
	for _, userID := range userIDs {
		if _, err := l.credit(
			ctx,
			userID,
			amount,
			TransactionTypeGrant,
			"bulk grant",
		); err != nil {
			l.logger.ErrorContext(
				ctx,
				"error granting to member",
				"user_id", userID,
				tint.Err(err),
			)
			errs = append(errs, err)
			continue
		}
		granted++
	}
	l.logger.InfoContext(
		ctx,
		"bulk grant finished",
		"granted", granted,
		"members", len(userIDs),
		"errors", len(errs),
	)
	return granted, errors.Join(errs...)
}

// TransactionHistory returns up to limit transaction records involving
// the given user, newest first.
func (l *Ledger) TransactionHistory(
	ctx context.Context,
	userID string,
	limit int,
) ([]TransactionRecord, error) {
	var records []TransactionRecord
	q := l.db.DB().WithContext(ctx).Where(
		"to_user_id = ? OR from_user_id = ?", userID, userID,
	).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}
