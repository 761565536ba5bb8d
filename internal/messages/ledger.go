package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("messages: database connection required")
	errMissingAccount  = errors.New("messages: credit account required")
	// ErrEmptyMessage indicates an attempt to enqueue a blank message.
	ErrEmptyMessage = errors.New("messages: message text is empty")
	// ErrNotFound indicates that the referenced message does not exist.
	ErrNotFound = errors.New("messages: record not found")
)

const (
	columnStatus         = "status"
	columnUpdatedAt      = "updated_at_s"
	queryOutboundPending = "direction = ? AND status = ?"
)

// LedgerConfig describes the dependencies of the message ledger.
type LedgerConfig struct {
	Database *gorm.DB
	Credits  *credits.Account
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Ledger owns every write to message_records and pairs each insert with its credit debit.
type Ledger struct {
	db      *gorm.DB
	credits *credits.Account
	clock   func() time.Time
	logger  *zap.Logger
}

// NewLedger constructs the message ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Credits == nil {
		return nil, errMissingAccount
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: cfg.Database, credits: cfg.Credits, clock: clock, logger: logger}, nil
}

// Enqueue inserts a pending outbound message and debits its credits inside tx.
func (l *Ledger) Enqueue(tx *gorm.DB, draft Draft) (Record, error) {
	return l.insert(tx, draft, DirectionOutbound, StatusPending, credits.ReasonSMSSent)
}

// RecordInbound stores a received message as sent and debits the receiving cost inside tx.
func (l *Ledger) RecordInbound(tx *gorm.DB, draft Draft) (Record, error) {
	return l.insert(tx, draft, DirectionInbound, StatusSent, credits.ReasonSMSReceived)
}

func (l *Ledger) insert(tx *gorm.DB, draft Draft, direction Direction, status Status, reason credits.Reason) (Record, error) {
	if tx == nil {
		return Record{}, errMissingDatabase
	}
	if strings.TrimSpace(draft.Message) == "" {
		return Record{}, ErrEmptyMessage
	}
	channel := draft.Channel
	if channel == "" {
		channel = ChannelSMS
	}

	nowSeconds := l.clock().UTC().Unix()
	record := Record{
		ParticipantID:    draft.ParticipantID,
		ProgressID:       draft.ProgressID,
		QuestionID:       draft.QuestionID,
		Direction:        direction,
		Channel:          channel,
		PhoneNumber:      strings.TrimSpace(draft.PhoneNumber),
		Message:          draft.Message,
		IsReminder:       draft.IsReminder,
		Status:           status,
		CreditsCount:     credits.Calculate(draft.Message),
		CreatedAtSeconds: nowSeconds,
		UpdatedAtSeconds: nowSeconds,
	}
	if status == StatusSent {
		record.SentAtSeconds = &nowSeconds
	}
	if err := tx.Create(&record).Error; err != nil {
		return Record{}, fmt.Errorf("messages: insert: %w", err)
	}
	recordID := record.ID
	if _, err := l.credits.Debit(tx, record.CreditsCount, reason, &recordID); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Get loads a message by id.
func (l *Ledger) Get(ctx context.Context, id uint) (Record, error) {
	var record Record
	err := l.db.WithContext(ctx).Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("messages: load %d: %w", id, err)
	}
	return record, nil
}

// Pending returns up to limit outbound pending messages, oldest first.
func (l *Ledger) Pending(ctx context.Context, limit int) ([]Record, error) {
	var records []Record
	if err := l.db.WithContext(ctx).
		Where(queryOutboundPending, DirectionOutbound, StatusPending).
		Order("created_at_s ASC, id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("messages: list pending: %w", err)
	}
	return records, nil
}

// SendOutcome describes what the transport said about a send.
type SendOutcome struct {
	UniqueID           string
	ProviderStatusCode string
	Payload            []byte
}

// MarkSent transitions a pending message to sent. It reports false when the row was no
// longer pending, which happens when another dispatcher got there first.
func (l *Ledger) MarkSent(ctx context.Context, id uint, outcome SendOutcome) (bool, error) {
	nowSeconds := l.clock().UTC().Unix()
	updates := map[string]interface{}{
		columnStatus:     StatusSent,
		"sent_at_s":      nowSeconds,
		"failure_reason": nil,
		columnUpdatedAt:  nowSeconds,
	}
	if outcome.UniqueID != "" {
		updates["unique_id"] = outcome.UniqueID
	}
	if outcome.ProviderStatusCode != "" {
		updates["provider_status_code"] = outcome.ProviderStatusCode
	}
	if len(outcome.Payload) > 0 {
		updates["provider_payload"] = datatypes.JSON(outcome.Payload)
	}
	result := l.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("messages: mark sent %d: %w", id, result.Error)
	}
	return result.RowsAffected == 1, nil
}

// RecordAttemptFailure counts a failed attempt. The message stays pending until it has
// used maxAttempts, or fails immediately when permanent is set. It returns the status the
// row ended up in.
func (l *Ledger) RecordAttemptFailure(ctx context.Context, id uint, reason, providerStatusCode string, permanent bool, maxAttempts int) (Status, error) {
	var final Status
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		if err := tx.Where("id = ?", id).Take(&record).Error; err != nil {
			return fmt.Errorf("messages: load %d: %w", id, err)
		}
		if record.Status != StatusPending {
			final = record.Status
			return nil
		}
		retries := record.Retries + 1
		final = StatusPending
		if permanent || (maxAttempts > 0 && retries >= maxAttempts) {
			final = StatusFailed
		}
		updates := map[string]interface{}{
			"retries":        retries,
			"failure_reason": reason,
			columnStatus:     final,
			columnUpdatedAt:  l.clock().UTC().Unix(),
		}
		if providerStatusCode != "" {
			updates["provider_status_code"] = providerStatusCode
		}
		return tx.Model(&Record{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return "", err
	}
	return final, nil
}

// AwaitingDelivery returns sent outbound messages that carry a transport id and have no
// terminal delivery status yet, oldest first.
func (l *Ledger) AwaitingDelivery(ctx context.Context, sinceSeconds int64, limit int) ([]Record, error) {
	var records []Record
	if err := l.db.WithContext(ctx).
		Where("direction = ? AND status = ? AND unique_id IS NOT NULL AND unique_id <> ''", DirectionOutbound, StatusSent).
		Where("sent_at_s >= ?", sinceSeconds).
		Where("(delivery_status IS NULL OR LOWER(TRIM(delivery_status)) NOT IN ?)", terminalDeliveryStatuses).
		Order("sent_at_s ASC, id ASC").
		Limit(limit).
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("messages: list awaiting delivery: %w", err)
	}
	return records, nil
}

// UpdateDelivery stores a provider delivery receipt on a message.
func (l *Ledger) UpdateDelivery(ctx context.Context, id uint, status, description string) error {
	result := l.db.WithContext(ctx).
		Model(&Record{}).
		Where("id = ?", id).
		Updates(deliveryUpdates(status, description, l.clock()))
	if result.Error != nil {
		return fmt.Errorf("messages: update delivery %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

// UpdateDeliveryByUniqueID stores a receipt addressed by the transport id.
func (l *Ledger) UpdateDeliveryByUniqueID(ctx context.Context, uniqueID, status, description string) error {
	trimmed := strings.TrimSpace(uniqueID)
	if trimmed == "" {
		return fmt.Errorf("%w: empty unique id", ErrNotFound)
	}
	result := l.db.WithContext(ctx).
		Model(&Record{}).
		Where("unique_id = ?", trimmed).
		Updates(deliveryUpdates(status, description, l.clock()))
	if result.Error != nil {
		return fmt.Errorf("messages: update delivery %s: %w", trimmed, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: unique id %s", ErrNotFound, trimmed)
	}
	return nil
}

func deliveryUpdates(status, description string, now time.Time) map[string]interface{} {
	updates := map[string]interface{}{
		"delivery_status": strings.TrimSpace(status),
		columnUpdatedAt:   now.UTC().Unix(),
	}
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		updates["delivery_description"] = trimmed
	}
	return updates
}
