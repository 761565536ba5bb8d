package credits

import (
	"context"
	"fmt"
)

const auditPageSize = 500

// ChainBreak describes a ledger entry that does not follow from its predecessor.
type ChainBreak struct {
	EntryID       uint
	ExpectedAfter int64
	ActualAfter   int64
	PreviousAfter int64
	ActualBefore  int64
}

// AuditReport summarizes a full walk of the credit ledger.
type AuditReport struct {
	Entries        int
	StoredBalance  int64
	DerivedBalance int64
	Breaks         []ChainBreak
}

// Consistent reports whether the ledger reproduces the stored balance without gaps.
func (r AuditReport) Consistent() bool {
	return len(r.Breaks) == 0 && r.StoredBalance == r.DerivedBalance
}

// Audit re-walks every ledger entry in insertion order and checks that each entry starts
// where the previous one ended and that its arithmetic holds.
func (a *Account) Audit(ctx context.Context) (AuditReport, error) {
	stored, err := a.Balance(ctx)
	if err != nil {
		return AuditReport{}, err
	}

	report := AuditReport{StoredBalance: stored}
	var previousAfter int64
	var lastID uint
	for {
		var page []LedgerEntry
		if err := a.db.WithContext(ctx).
			Where("id > ?", lastID).
			Order("id ASC").
			Limit(auditPageSize).
			Find(&page).Error; err != nil {
			return AuditReport{}, fmt.Errorf("credits: audit page: %w", err)
		}
		if len(page) == 0 {
			break
		}
		for _, entry := range page {
			expected, nextErr := nextBalance(entry.Type, entry.BalanceBefore, entry.Amount)
			if nextErr != nil {
				return AuditReport{}, nextErr
			}
			if entry.BalanceBefore != previousAfter || entry.BalanceAfter != expected {
				report.Breaks = append(report.Breaks, ChainBreak{
					EntryID:       entry.ID,
					ExpectedAfter: expected,
					ActualAfter:   entry.BalanceAfter,
					PreviousAfter: previousAfter,
					ActualBefore:  entry.BalanceBefore,
				})
			}
			previousAfter = entry.BalanceAfter
			lastID = entry.ID
			report.Entries++
		}
	}
	report.DerivedBalance = previousAfter
	return report, nil
}
