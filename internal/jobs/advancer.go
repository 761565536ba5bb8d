package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/catalog"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Advance moves every answered record to its next question, repeats recurring questions
// that are due again, and completes records that ran out of questions.
func (e *Engine) Advance(ctx context.Context, options Options) (Summary, error) {
	summary := e.newSummary(opAdvance, options)
	if err := options.validate(opAdvance); err != nil {
		return summary, err
	}
	if err := e.checkScope(ctx, opAdvance, options); err != nil {
		return summary, err
	}
	limit, err := options.effectiveLimit(opAdvance, e.batchCeiling)
	if err != nil {
		return summary, err
	}

	scope := progress.Scope{SurveyID: options.SurveyID, GroupID: options.GroupID}
	records, err := e.progress.AwaitingAdvance(ctx, scope, limit)
	if err != nil {
		e.logError(opAdvance, "select_failed", err)
		return summary, newJobError(opAdvance, "select_failed", err)
	}
	summary.Selected = len(records)

	participantIDs := make([]uint, 0, len(records))
	for _, record := range records {
		participantIDs = append(participantIDs, record.ParticipantID)
	}
	participants, err := e.members.Participants(ctx, participantIDs)
	if err != nil {
		e.logError(opAdvance, "participants_failed", err)
		return summary, newJobError(opAdvance, "participants_failed", err)
	}

	now := e.now()
	surveys := make(map[uint]catalog.Survey)
	plans := make([]outboundPlan, 0, len(records))
	for _, record := range records {
		fields := []zap.Field{zap.Uint("progress_id", record.ID), zap.Uint("participant_id", record.ParticipantID)}
		participant, ok := participants[record.ParticipantID]
		if !ok {
			summary.Failed++
			e.logError(opAdvance, "participant_missing", members.ErrParticipantNotFound, fields...)
			continue
		}
		survey, err := e.cachedSurvey(ctx, surveys, record.SurveyID)
		if err != nil {
			summary.Failed++
			e.logError(opAdvance, "survey_lookup_failed", err, fields...)
			continue
		}
		plan, due, err := e.planAdvance(ctx, record, participant, survey, now)
		if err != nil {
			summary.Failed++
			e.logError(opAdvance, "plan_failed", err, fields...)
			continue
		}
		if !due {
			summary.Skipped++
			continue
		}
		plans = append(plans, plan)
	}

	if options.DryRun {
		for _, plan := range plans {
			summary.preview(plan.previewRow())
		}
		e.logSummary(summary)
		return summary, nil
	}
	if err := e.precheckCredits(ctx, opAdvance, estimateCredits(plans)); err != nil {
		return summary, err
	}

	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			e.logSummary(summary)
			return summary, newJobError(opAdvance, "cancelled", err)
		}
		e.applyUnit(ctx, opAdvance, &summary, func(tx *gorm.DB) error {
			return e.applyAdvance(tx, plan)
		}, zap.Uint("progress_id", plan.record.ID), zap.String("action", plan.action))
	}

	e.logSummary(summary)
	return summary, nil
}

// planAdvance decides what an answered record needs. It reports false when the record
// has to wait, which only happens while a recurring question is not due yet.
func (e *Engine) planAdvance(ctx context.Context, record progress.Record, participant members.Participant, survey catalog.Survey, now time.Time) (outboundPlan, bool, error) {
	plan := outboundPlan{participant: participant, record: record}
	currentID := derefUint(record.CurrentQuestionID)

	if currentID != 0 {
		current, err := e.catalog.Question(ctx, currentID)
		if err != nil {
			return plan, false, err
		}
		if repeat, err := e.shouldRepeat(e.db.WithContext(ctx), record, current); err != nil {
			return plan, false, err
		} else if repeat {
			due, err := current.Recurrence.Due(record.LastDispatchedAt(), now)
			if err != nil {
				return plan, false, err
			}
			if !due {
				return plan, false, nil
			}
			text, err := e.formatter.Render(current, participant, survey, false)
			if err != nil {
				return plan, false, err
			}
			plan.question = current
			plan.text = text
			plan.action = actionRepeat
			return plan, true, nil
		}
	}

	next, err := e.resolver.Next(ctx, record.SurveyID, currentID)
	if err != nil {
		return plan, false, err
	}
	if next == nil {
		plan.action = actionComplete
		return plan, true, nil
	}
	text, err := e.formatter.Render(*next, participant, survey, false)
	if err != nil {
		return plan, false, err
	}
	plan.question = *next
	plan.text = text
	plan.action = actionAdvance
	return plan, true, nil
}

// shouldRepeat reports whether a recurring question still has repeats left.
func (e *Engine) shouldRepeat(db *gorm.DB, record progress.Record, question catalog.QuestionRef) (bool, error) {
	if question.Recurrence == nil || question.Recurrence.RepeatCount <= 0 {
		return false, nil
	}
	sends, err := messages.CountQuestionSends(db, record.ID, question.ID)
	if err != nil {
		return false, err
	}
	return sends < int64(question.Recurrence.RepeatCount), nil
}

func (e *Engine) applyAdvance(tx *gorm.DB, plan outboundPlan) error {
	fresh, err := progress.Load(tx, plan.record.ID)
	if err != nil {
		return err
	}
	if !stillAwaitingAdvance(fresh, plan.record) {
		return errStale
	}
	now := e.now()

	var updated progress.Record
	switch plan.action {
	case actionComplete:
		updated, err = progress.Complete(fresh, now)
	case actionAdvance:
		updated, err = progress.Advance(fresh, plan.question.ID, now)
	case actionRepeat:
		repeat, checkErr := e.shouldRepeat(tx, fresh, plan.question)
		if checkErr != nil {
			return checkErr
		}
		if !repeat {
			return errStale
		}
		updated, err = progress.Repeat(fresh, now)
	default:
		return fmt.Errorf("jobs: unknown advance action %q", plan.action)
	}
	if err != nil {
		return err
	}
	if err := progress.Save(tx, &updated); err != nil {
		return err
	}
	if plan.action == actionComplete {
		return nil
	}
	_, err = e.ledger.Enqueue(tx, plan.draft(updated.ID, false))
	return err
}

func stillAwaitingAdvance(fresh, selected progress.Record) bool {
	return fresh.Status == progress.StatusActive &&
		fresh.HasResponded &&
		fresh.CompletedAtSeconds == nil &&
		derefUint(fresh.CurrentQuestionID) == derefUint(selected.CurrentQuestionID)
}

func (e *Engine) cachedSurvey(ctx context.Context, cache map[uint]catalog.Survey, surveyID uint) (catalog.Survey, error) {
	if survey, ok := cache[surveyID]; ok {
		return survey, nil
	}
	survey, err := e.catalog.Survey(ctx, surveyID)
	if err != nil {
		return catalog.Survey{}, err
	}
	cache[surveyID] = survey
	return survey, nil
}
