package jobs

import (
	"context"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RetryFailed recycles participants whose every message failed by putting their earliest
// message back in the pending queue. No rows are created.
func (e *Engine) RetryFailed(ctx context.Context, options Options) (Summary, error) {
	summary := e.newSummary(opRetryFailed, options)
	if err := options.validate(opRetryFailed); err != nil {
		return summary, err
	}
	if err := e.checkScope(ctx, opRetryFailed, options); err != nil {
		return summary, err
	}
	limit, err := options.effectiveLimit(opRetryFailed, e.retryCeiling)
	if err != nil {
		return summary, err
	}

	participantIDs, err := e.ledger.FailedOnlyParticipants(ctx, messages.ParticipantScope{
		SurveyID: options.SurveyID,
		GroupID:  options.GroupID,
	}, limit)
	if err != nil {
		e.logError(opRetryFailed, "select_failed", err)
		return summary, newJobError(opRetryFailed, "select_failed", err)
	}
	summary.Selected = len(participantIDs)

	if options.DryRun {
		for _, participantID := range participantIDs {
			earliest, err := messages.Earliest(e.db.WithContext(ctx), participantID)
			if err != nil {
				summary.Failed++
				e.logError(opRetryFailed, "earliest_failed", err, zap.Uint("participant_id", participantID))
				continue
			}
			summary.preview(PreviewRow{
				ParticipantID: participantID,
				ProgressID:    derefUint(earliest.ProgressID),
				QuestionID:    derefUint(earliest.QuestionID),
				MessageID:     earliest.ID,
				Action:        "retry",
				Detail:        derefString(earliest.FailureReason),
			})
		}
		e.logSummary(summary)
		return summary, nil
	}

	actor := options.actorOr(messages.ProvenanceRetryCommand)
	for _, participantID := range participantIDs {
		if err := ctx.Err(); err != nil {
			e.logSummary(summary)
			return summary, newJobError(opRetryFailed, "cancelled", err)
		}
		e.applyUnit(ctx, opRetryFailed, &summary, func(tx *gorm.DB) error {
			allFailed, err := messages.AllFailed(tx, participantID)
			if err != nil {
				return err
			}
			if !allFailed {
				return errStale
			}
			earliest, err := messages.Earliest(tx, participantID)
			if err != nil {
				return err
			}
			return messages.ResetForRetry(tx, earliest.ID, actor, e.now())
		}, zap.Uint("participant_id", participantID))
	}

	e.logSummary(summary)
	return summary, nil
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
