// Package dispatch hands pending ledger messages to the gateway transport and keeps their
// delivery receipts current.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is the number of messages claimed per batch.
	DefaultBatchSize = 10
	// DefaultMaxAttempts is how many failed sends a message gets before it is failed.
	DefaultMaxAttempts = 3

	reasonMissingPhone = "missing phone number"
)

var (
	errMissingLedger    = errors.New("dispatch: message ledger is required")
	errMissingTransport = errors.New("dispatch: transport is required")
	// ErrMessagesDisabled indicates that outbound messaging is switched off.
	ErrMessagesDisabled = errors.New("dispatch: outbound messages are disabled")
)

// SendResult is what the gateway reported for one send.
type SendResult struct {
	Success            bool
	ProviderStatusCode string
	UniqueID           string
	// Permanent marks a rejection that will not succeed on retry.
	Permanent bool
	Payload   []byte
}

// DeliveryReport is a provider receipt for a previously sent message.
type DeliveryReport struct {
	Status      string
	Description string
}

// Transport is the gateway capability the dispatcher sends through.
type Transport interface {
	Send(ctx context.Context, phoneNumber, message string, channel messages.Channel) (SendResult, error)
	FetchDeliveryStatus(ctx context.Context, uniqueID string) (DeliveryReport, error)
}

// FeatureFlags exposes the global outbound kill switch.
type FeatureFlags interface {
	MessagesEnabled() bool
}

// Config describes the dependencies of the dispatcher and the delivery poller.
type Config struct {
	Ledger      *messages.Ledger
	Transport   Transport
	Flags       FeatureFlags
	BatchSize   int
	MaxAttempts int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Dispatcher drains outbound pending messages in small batches.
type Dispatcher struct {
	ledger      *messages.Ledger
	transport   Transport
	flags       FeatureFlags
	batchSize   int
	maxAttempts int
	clock       func() time.Time
	logger      *zap.Logger
}

// Report counts what one dispatch run did.
type Report struct {
	Batches  int
	Selected int
	Sent     int
	Retrying int
	Failed   int
	Skipped  int
}

// New constructs a dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ledger:      cfg.Ledger,
		transport:   cfg.Transport,
		flags:       cfg.Flags,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Run drains up to batches batches; zero means one. A message is attempted at most once
// per run even when it stays pending.
func (d *Dispatcher) Run(ctx context.Context, batches int) (Report, error) {
	var report Report
	if d.flags != nil && !d.flags.MessagesEnabled() {
		return report, ErrMessagesDisabled
	}
	if batches <= 0 {
		batches = 1
	}

	attempted := make(map[uint]struct{})
	for report.Batches < batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		candidates, err := d.ledger.Pending(ctx, d.batchSize+len(attempted))
		if err != nil {
			d.logError("select_failed", err)
			return report, err
		}
		batch := make([]messages.Record, 0, d.batchSize)
		for _, candidate := range candidates {
			if _, seen := attempted[candidate.ID]; seen {
				continue
			}
			batch = append(batch, candidate)
			if len(batch) == d.batchSize {
				break
			}
		}
		if len(batch) == 0 {
			break
		}
		report.Batches++
		report.Selected += len(batch)
		for _, record := range batch {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			attempted[record.ID] = struct{}{}
			d.sendOne(ctx, record, &report)
		}
	}

	d.logger.Info("dispatch finished",
		zap.Int("batches", report.Batches),
		zap.Int("selected", report.Selected),
		zap.Int("sent", report.Sent),
		zap.Int("retrying", report.Retrying),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped))
	return report, nil
}

func (d *Dispatcher) sendOne(ctx context.Context, record messages.Record, report *Report) {
	fields := []zap.Field{zap.Uint("message_id", record.ID)}
	if strings.TrimSpace(record.PhoneNumber) == "" {
		d.recordFailure(ctx, record, reasonMissingPhone, "", true, report)
		return
	}

	result, err := d.transport.Send(ctx, record.PhoneNumber, record.Message, record.Channel)
	if err != nil {
		d.logError("send_failed", err, fields...)
		d.recordFailure(ctx, record, err.Error(), "", false, report)
		return
	}
	if !result.Success {
		reason := fmt.Sprintf("gateway rejected message (status %s)", result.ProviderStatusCode)
		d.recordFailure(ctx, record, reason, result.ProviderStatusCode, result.Permanent, report)
		return
	}

	updated, err := d.ledger.MarkSent(ctx, record.ID, messages.SendOutcome{
		UniqueID:           result.UniqueID,
		ProviderStatusCode: result.ProviderStatusCode,
		Payload:            result.Payload,
	})
	if err != nil {
		report.Failed++
		d.logError("mark_sent_failed", err, fields...)
		return
	}
	if !updated {
		report.Skipped++
		return
	}
	report.Sent++
}

func (d *Dispatcher) recordFailure(ctx context.Context, record messages.Record, reason, providerStatusCode string, permanent bool, report *Report) {
	status, err := d.ledger.RecordAttemptFailure(ctx, record.ID, reason, providerStatusCode, permanent, d.maxAttempts)
	if err != nil {
		report.Failed++
		d.logError("record_failure_failed", err, zap.Uint("message_id", record.ID))
		return
	}
	switch status {
	case messages.StatusFailed:
		report.Failed++
	case messages.StatusPending:
		report.Retrying++
	default:
		report.Skipped++
	}
}

func (d *Dispatcher) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "dispatch.run"),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	d.logger.Error("dispatch error", attrs...)
}
