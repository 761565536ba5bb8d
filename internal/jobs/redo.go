package jobs

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingParticipant = errors.New("jobs: participant is required")

// RedoRequest asks for a participant to restart a survey from its first question.
type RedoRequest struct {
	SurveyID      uint `validate:"gt=0"`
	ParticipantID uint `validate:"gt=0"`
	DryRun        bool
}

// RedoOutcome describes the record a redo produced.
type RedoOutcome struct {
	Summary
	CancelledIDs []uint
	ProgressID   uint
	MessageID    uint
}

// Redo cancels the participant's open records for the survey and starts a fresh one at
// the first question, enqueueing its message.
func (e *Engine) Redo(ctx context.Context, request RedoRequest) (RedoOutcome, error) {
	outcome := RedoOutcome{Summary: e.newSummary(opRedo, Options{DryRun: request.DryRun})}
	if err := optionsValidator.Struct(request); err != nil {
		if request.ParticipantID == 0 {
			return outcome, newJobError(opRedo, "missing_participant", errMissingParticipant)
		}
		return outcome, newJobError(opRedo, "missing_survey", ErrSurveyRequired)
	}
	if err := e.requireMessaging(opRedo); err != nil {
		return outcome, err
	}
	survey, err := e.loadSurvey(ctx, opRedo, request.SurveyID)
	if err != nil {
		return outcome, err
	}
	first, err := e.catalog.First(ctx, survey.ID)
	if err != nil {
		e.logError(opRedo, "first_question_failed", err, zap.Uint("survey_id", survey.ID))
		return outcome, newJobError(opRedo, "first_question_failed", err)
	}
	if first == nil {
		return outcome, newJobError(opRedo, "no_questions", ErrSurveyHasNoQuestions)
	}
	participant, err := e.members.Participant(ctx, request.ParticipantID)
	if errors.Is(err, members.ErrParticipantNotFound) {
		return outcome, newJobError(opRedo, "participant_not_found", err)
	}
	if err != nil {
		e.logError(opRedo, "participant_lookup_failed", err, zap.Uint("participant_id", request.ParticipantID))
		return outcome, newJobError(opRedo, "participant_lookup_failed", err)
	}
	text, err := e.formatter.Render(*first, participant, survey, false)
	if err != nil {
		e.logError(opRedo, "render_failed", err, zap.Uint("participant_id", participant.ID))
		return outcome, newJobError(opRedo, "render_failed", err)
	}
	plan := outboundPlan{participant: participant, question: *first, text: text, action: actionStart}
	outcome.Selected = 1

	if request.DryRun {
		outcome.preview(plan.previewRow())
		e.logSummary(outcome.Summary)
		return outcome, nil
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		open, err := progress.OpenRecords(tx, survey.ID, participant.ID)
		if err != nil {
			return err
		}
		now := e.now()
		for _, record := range open {
			cancelled, err := progress.Cancel(record, now)
			if err != nil {
				return err
			}
			if err := progress.Save(tx, &cancelled); err != nil {
				return err
			}
			outcome.CancelledIDs = append(outcome.CancelledIDs, cancelled.ID)
		}
		record := progress.Start(survey.ID, participant.ID, first.ID, channelFor(participant), messages.ProvenanceRedoApproval, now)
		if err := progress.Create(tx, &record); err != nil {
			return err
		}
		message, err := e.ledger.Enqueue(tx, plan.draft(record.ID, false))
		if err != nil {
			return err
		}
		outcome.ProgressID = record.ID
		outcome.MessageID = message.ID
		return members.StampStage(tx, participant.ID, members.StageSurveyInvited)
	})
	if err != nil {
		outcome.Failed++
		outcome.CancelledIDs = nil
		e.logError(opRedo, "redo_failed", err, zap.Uint("participant_id", participant.ID))
		return outcome, newJobError(opRedo, "redo_failed", err)
	}
	outcome.Processed++
	e.logSummary(outcome.Summary)
	return outcome, nil
}
