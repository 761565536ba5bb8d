package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"go.uber.org/zap"
)

const (
	// DefaultPollLimit caps receipts fetched per poll.
	DefaultPollLimit = 100
	// DefaultPollWindow is how far back sent messages are still polled.
	DefaultPollWindow = 72 * time.Hour
)

// PollReport counts what one delivery poll did.
type PollReport struct {
	Selected int
	Updated  int
	Skipped  int
	Failed   int
}

// DeliveryPoller refreshes provider receipts of sent messages.
type DeliveryPoller struct {
	ledger    *messages.Ledger
	transport Transport
	clock     func() time.Time
	logger    *zap.Logger
}

// NewPoller constructs a delivery poller from the dispatcher configuration.
func NewPoller(cfg Config) (*DeliveryPoller, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveryPoller{ledger: cfg.Ledger, transport: cfg.Transport, clock: clock, logger: logger}, nil
}

// Poll fetches receipts for sent messages inside window that have no terminal delivery
// status yet.
func (p *DeliveryPoller) Poll(ctx context.Context, limit int, window time.Duration) (PollReport, error) {
	var report PollReport
	if limit <= 0 {
		limit = DefaultPollLimit
	}
	if window <= 0 {
		window = DefaultPollWindow
	}
	since := p.clock().Add(-window).UTC().Unix()
	records, err := p.ledger.AwaitingDelivery(ctx, since, limit)
	if err != nil {
		p.logError("select_failed", err)
		return report, err
	}
	report.Selected = len(records)

	for _, record := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fields := []zap.Field{zap.Uint("message_id", record.ID)}
		if record.UniqueID == nil {
			report.Skipped++
			continue
		}
		receipt, err := p.transport.FetchDeliveryStatus(ctx, *record.UniqueID)
		if err != nil {
			report.Failed++
			p.logError("fetch_failed", err, fields...)
			continue
		}
		if strings.TrimSpace(receipt.Status) == "" {
			report.Skipped++
			continue
		}
		if err := p.ledger.UpdateDelivery(ctx, record.ID, receipt.Status, receipt.Description); err != nil {
			report.Failed++
			p.logError("update_failed", err, fields...)
			continue
		}
		report.Updated++
	}

	p.logger.Info("delivery poll finished",
		zap.Int("selected", report.Selected),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, nil
}

func (p *DeliveryPoller) logError(reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", "dispatch.poll"),
		zap.String("reason", reason),
		zap.Error(err),
	}
	attrs = append(attrs, fields...)
	p.logger.Error("delivery poll error", attrs...)
}
