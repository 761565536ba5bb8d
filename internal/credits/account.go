package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

var errMissingDatabase = errors.New("credits: database connection required")

// AccountConfig describes the dependencies of the credit account.
type AccountConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Account maintains the shared credit balance and its ledger.
type Account struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewAccount constructs the credit account.
func NewAccount(cfg AccountConfig) (*Account, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Account{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Balance returns the current balance, zero when nothing was ever recorded.
func (a *Account) Balance(ctx context.Context) (int64, error) {
	var balance Balance
	err := a.db.WithContext(ctx).Where("id = ?", balanceRowID).Take(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("credits: load balance: %w", err)
	}
	return balance.Amount, nil
}

// AddCredits loads credits onto the account. It is the only way to raise the balance.
func (a *Account) AddCredits(ctx context.Context, amount int64) (LedgerEntry, error) {
	var entry LedgerEntry
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		applied, applyErr := a.apply(tx, EntryTypeAdd, amount, ReasonLoad, nil)
		if applyErr != nil {
			return applyErr
		}
		entry = applied
		return nil
	})
	if err != nil {
		return LedgerEntry{}, err
	}
	a.logger.Info("credits loaded",
		zap.Int64("amount", amount),
		zap.Int64("balance_after", entry.BalanceAfter))
	return entry, nil
}

// Debit subtracts credits inside the caller's transaction so that the debit commits or
// rolls back together with the message it pays for. The balance may go negative.
func (a *Account) Debit(tx *gorm.DB, amount int64, reason Reason, messageRecordID *uint) (LedgerEntry, error) {
	if tx == nil {
		return LedgerEntry{}, errMissingDatabase
	}
	entry, err := a.apply(tx, EntryTypeSubtract, amount, reason, messageRecordID)
	if err != nil {
		return LedgerEntry{}, err
	}
	if entry.BalanceAfter < 0 {
		a.logger.Warn("credit balance is negative",
			zap.Int64("balance_after", entry.BalanceAfter),
			zap.String("reason", string(reason)))
	}
	return entry, nil
}

// EnsureAvailable is the advisory pre-send check. It returns a *ShortfallError wrapping
// ErrInsufficientCredits when the balance does not cover the estimate.
func (a *Account) EnsureAvailable(ctx context.Context, required int64) error {
	if required <= 0 {
		return nil
	}
	balance, err := a.Balance(ctx)
	if err != nil {
		return err
	}
	if balance < required {
		return &ShortfallError{Balance: balance, Required: required}
	}
	return nil
}

// History returns the most recent ledger entries, newest first.
func (a *Account) History(ctx context.Context, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	var entries []LedgerEntry
	if err := a.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("credits: list history: %w", err)
	}
	return entries, nil
}

func (a *Account) apply(tx *gorm.DB, entryType EntryType, amount int64, reason Reason, messageRecordID *uint) (LedgerEntry, error) {
	if amount <= 0 {
		return LedgerEntry{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if err := validateReason(entryType, reason); err != nil {
		return LedgerEntry{}, err
	}

	balance, err := lockBalance(tx)
	if err != nil {
		return LedgerEntry{}, err
	}

	after, err := nextBalance(entryType, balance.Amount, amount)
	if err != nil {
		return LedgerEntry{}, err
	}

	nowSeconds := a.clock().UTC().Unix()
	entry := LedgerEntry{
		Type:             entryType,
		Amount:           amount,
		BalanceBefore:    balance.Amount,
		BalanceAfter:     after,
		Reason:           reason,
		MessageRecordID:  messageRecordID,
		CreatedAtSeconds: nowSeconds,
	}
	if err := tx.Model(&Balance{}).
		Where("id = ?", balanceRowID).
		Updates(map[string]interface{}{"amount": after, "updated_at_s": nowSeconds}).Error; err != nil {
		return LedgerEntry{}, fmt.Errorf("credits: update balance: %w", err)
	}
	if err := tx.Create(&entry).Error; err != nil {
		return LedgerEntry{}, fmt.Errorf("credits: insert ledger entry: %w", err)
	}
	return entry, nil
}

func lockBalance(tx *gorm.DB) (Balance, error) {
	var balance Balance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", balanceRowID).
		Take(&balance).Error
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{}, fmt.Errorf("credits: lock balance: %w", err)
	}

	seed := Balance{ID: balanceRowID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return Balance{}, fmt.Errorf("credits: seed balance: %w", err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", balanceRowID).
		Take(&balance).Error; err != nil {
		return Balance{}, fmt.Errorf("credits: lock balance: %w", err)
	}
	return balance, nil
}
