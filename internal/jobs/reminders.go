package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/catalog"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingWatermark = errors.New("jobs: resume requires a since watermark")

// Remind re-sends the current question to records that stayed silent past the grace period.
func (e *Engine) Remind(ctx context.Context, options Options) (Summary, error) {
	options.Since = nil
	return e.remind(ctx, opRemind, options)
}

// ResumeReminders is Remind restricted to records without a reminder at or after
// options.Since, so overlapping invocations do not double-send.
func (e *Engine) ResumeReminders(ctx context.Context, options Options) (Summary, error) {
	if options.Since == nil {
		return e.newSummary(opResumeReminders, options), newJobError(opResumeReminders, "missing_since", errMissingWatermark)
	}
	return e.remind(ctx, opResumeReminders, options)
}

func (e *Engine) remind(ctx context.Context, operation string, options Options) (Summary, error) {
	summary := e.newSummary(operation, options)
	if err := options.validate(operation); err != nil {
		return summary, err
	}
	if err := e.requireMessaging(operation); err != nil {
		return summary, err
	}
	if err := e.checkScope(ctx, operation, options); err != nil {
		return summary, err
	}
	limit, err := options.effectiveLimit(operation, e.batchCeiling)
	if err != nil {
		return summary, err
	}

	now := e.now()
	records, err := e.progress.ReminderCandidates(ctx, progress.ReminderQuery{
		Policy: e.policy,
		Now:    now,
		Scope:  progress.Scope{SurveyID: options.SurveyID, GroupID: options.GroupID},
		Since:  options.Since,
		Limit:  limit,
	})
	if err != nil {
		e.logError(operation, "select_failed", err)
		return summary, newJobError(operation, "select_failed", err)
	}
	summary.Selected = len(records)

	participantIDs := make([]uint, 0, len(records))
	for _, record := range records {
		participantIDs = append(participantIDs, record.ParticipantID)
	}
	participants, err := e.members.Participants(ctx, participantIDs)
	if err != nil {
		e.logError(operation, "participants_failed", err)
		return summary, newJobError(operation, "participants_failed", err)
	}

	surveys := make(map[uint]catalog.Survey)
	plans := make([]outboundPlan, 0, len(records))
	for _, record := range records {
		fields := []zap.Field{zap.Uint("progress_id", record.ID), zap.Uint("participant_id", record.ParticipantID)}
		participant, ok := participants[record.ParticipantID]
		if !ok {
			summary.Failed++
			e.logError(operation, "participant_missing", nil, fields...)
			continue
		}
		if record.CurrentQuestionID == nil {
			summary.Skipped++
			continue
		}
		question, err := e.catalog.Question(ctx, *record.CurrentQuestionID)
		if err != nil {
			summary.Failed++
			e.logError(operation, "question_lookup_failed", err, fields...)
			continue
		}
		survey, err := e.cachedSurvey(ctx, surveys, record.SurveyID)
		if err != nil {
			summary.Failed++
			e.logError(operation, "survey_lookup_failed", err, fields...)
			continue
		}
		text, err := e.formatter.Render(question, participant, survey, true)
		if err != nil {
			summary.Failed++
			e.logError(operation, "render_failed", err, fields...)
			continue
		}
		plans = append(plans, outboundPlan{participant: participant, record: record, question: question, text: text, action: actionRemind})
	}

	if options.DryRun {
		for _, plan := range plans {
			summary.preview(plan.previewRow())
		}
		e.logSummary(summary)
		return summary, nil
	}
	if err := e.precheckCredits(ctx, operation, estimateCredits(plans)); err != nil {
		return summary, err
	}

	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			e.logSummary(summary)
			return summary, newJobError(operation, "cancelled", err)
		}
		e.applyUnit(ctx, operation, &summary, func(tx *gorm.DB) error {
			return e.applyReminder(tx, plan, options.Since)
		}, zap.Uint("progress_id", plan.record.ID))
	}

	e.logSummary(summary)
	return summary, nil
}

func (e *Engine) applyReminder(tx *gorm.DB, plan outboundPlan, since *time.Time) error {
	fresh, err := progress.Load(tx, plan.record.ID)
	if err != nil {
		return err
	}
	now := e.now()
	if !e.policy.Eligible(fresh, now) || derefUint(fresh.CurrentQuestionID) != plan.question.ID {
		return errStale
	}
	if since != nil {
		reminded, err := progress.HasReminderSince(tx, fresh.ID, *since)
		if err != nil {
			return err
		}
		if reminded {
			return errStale
		}
	}
	if _, err := e.ledger.Enqueue(tx, plan.draft(fresh.ID, true)); err != nil {
		return err
	}
	updated, err := progress.Remind(fresh, now)
	if err != nil {
		return err
	}
	return progress.Save(tx, &updated)
}
