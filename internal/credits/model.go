package credits

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// CharactersPerCredit is the number of message characters covered by one credit.
const CharactersPerCredit = 160

// balanceRowID pins the single balance row.
const balanceRowID uint = 1

// EntryType enumerates the direction of a ledger entry.
type EntryType string

const (
	// EntryTypeAdd raises the balance.
	EntryTypeAdd EntryType = "add"
	// EntryTypeSubtract lowers the balance.
	EntryTypeSubtract EntryType = "subtract"
)

// Reason records why the balance changed.
type Reason string

const (
	// ReasonLoad marks a manual credit top-up.
	ReasonLoad Reason = "load"
	// ReasonSMSSent marks the cost of an outbound message.
	ReasonSMSSent Reason = "sms_sent"
	// ReasonSMSReceived marks the cost of an inbound message.
	ReasonSMSReceived Reason = "sms_received"
)

var (
	// ErrInvalidAmount indicates a non-positive credit amount.
	ErrInvalidAmount = errors.New("credits: amount must be positive")
	// ErrInvalidReason indicates a reason that does not match the entry type.
	ErrInvalidReason = errors.New("credits: invalid reason")
	// ErrInsufficientCredits indicates that a pre-send estimate exceeds the balance.
	ErrInsufficientCredits = errors.New("credits: insufficient credits")
)

// Calculate returns the credits consumed by a message: one per started block of
// CharactersPerCredit characters, never less than one.
func Calculate(message string) int64 {
	length := utf8.RuneCountInString(message)
	blocks := (length + CharactersPerCredit - 1) / CharactersPerCredit
	if blocks < 1 {
		return 1
	}
	return int64(blocks)
}

// Balance is the single mutable balance row.
type Balance struct {
	ID               uint  `gorm:"column:id;primaryKey"`
	Amount           int64 `gorm:"column:amount;not null;default:0"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Balance) TableName() string {
	return "credit_balances"
}

// LedgerEntry is an append-only audit record of a balance change.
type LedgerEntry struct {
	ID               uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Type             EntryType `gorm:"column:type;size:16;not null"`
	Amount           int64     `gorm:"column:amount;not null"`
	BalanceBefore    int64     `gorm:"column:balance_before;not null"`
	BalanceAfter     int64     `gorm:"column:balance_after;not null"`
	Reason           Reason    `gorm:"column:reason;size:32;not null;index"`
	MessageRecordID  *uint     `gorm:"column:message_record_id;index"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (LedgerEntry) TableName() string {
	return "credit_ledger_entries"
}

// ShortfallError reports how far a balance falls short of an estimate.
type ShortfallError struct {
	Balance  int64
	Required int64
}

// Shortfall returns the missing credits.
func (e *ShortfallError) Shortfall() int64 {
	return e.Required - e.Balance
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("%v: balance %d, required %d, shortfall %d", ErrInsufficientCredits, e.Balance, e.Required, e.Shortfall())
}

func (e *ShortfallError) Unwrap() error {
	return ErrInsufficientCredits
}

func nextBalance(entryType EntryType, before, amount int64) (int64, error) {
	switch entryType {
	case EntryTypeAdd:
		return before + amount, nil
	case EntryTypeSubtract:
		return before - amount, nil
	default:
		return 0, fmt.Errorf("credits: unknown entry type %q", entryType)
	}
}

func validateReason(entryType EntryType, reason Reason) error {
	switch {
	case entryType == EntryTypeAdd && reason == ReasonLoad:
		return nil
	case entryType == EntryTypeSubtract && (reason == ReasonSMSSent || reason == ReasonSMSReceived):
		return nil
	default:
		return fmt.Errorf("%w: %s for %s", ErrInvalidReason, reason, entryType)
	}
}
