package jobs

import (
	"context"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/catalog"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	actionStart    = "start"
	actionAdvance  = "advance"
	actionRepeat   = "repeat"
	actionComplete = "complete"
	actionRemind   = "remind"
)

// outboundPlan is a rendered message waiting for its unit of work.
type outboundPlan struct {
	participant members.Participant
	record      progress.Record
	question    catalog.QuestionRef
	text        string
	action      string
}

func (p outboundPlan) draft(progressID uint, isReminder bool) messages.Draft {
	return messages.Draft{
		ParticipantID: uintPtr(p.participant.ID),
		ProgressID:    uintPtr(progressID),
		QuestionID:    uintPtr(p.question.ID),
		Channel:       channelFor(p.participant),
		PhoneNumber:   p.participant.PhoneNumber,
		Message:       p.text,
		IsReminder:    isReminder,
	}
}

func (p outboundPlan) previewRow() PreviewRow {
	return PreviewRow{
		ProgressID:    p.record.ID,
		ParticipantID: p.participant.ID,
		QuestionID:    p.question.ID,
		Action:        p.action,
		Detail:        p.text,
	}
}

func channelFor(participant members.Participant) messages.Channel {
	channel, err := messages.ParseChannel(participant.PreferredChannel)
	if err != nil {
		return messages.ChannelSMS
	}
	return channel
}

func estimateCredits(plans []outboundPlan) int64 {
	var total int64
	for _, plan := range plans {
		if plan.text != "" {
			total += credits.Calculate(plan.text)
		}
	}
	return total
}

// Initialize invites active participants that have never been enrolled in any survey to
// the survey in options.SurveyID.
func (e *Engine) Initialize(ctx context.Context, options Options) (Summary, error) {
	summary := e.newSummary(opInitialize, options)
	if err := options.validate(opInitialize); err != nil {
		return summary, err
	}
	if err := e.requireMessaging(opInitialize); err != nil {
		return summary, err
	}
	survey, err := e.loadSurvey(ctx, opInitialize, options.SurveyID)
	if err != nil {
		return summary, err
	}
	if err := e.checkScope(ctx, opInitialize, Options{GroupID: options.GroupID}); err != nil {
		return summary, err
	}
	first, err := e.catalog.First(ctx, survey.ID)
	if err != nil {
		e.logError(opInitialize, "first_question_failed", err, zap.Uint("survey_id", survey.ID))
		return summary, newJobError(opInitialize, "first_question_failed", err)
	}
	if first == nil {
		return summary, newJobError(opInitialize, "no_questions", ErrSurveyHasNoQuestions)
	}
	limit, err := options.effectiveLimit(opInitialize, e.batchCeiling)
	if err != nil {
		return summary, err
	}

	candidates, err := e.members.Uninvited(ctx, options.GroupID, limit)
	if err != nil {
		e.logError(opInitialize, "select_failed", err)
		return summary, newJobError(opInitialize, "select_failed", err)
	}
	summary.Selected = len(candidates)

	plans := make([]outboundPlan, 0, len(candidates))
	for _, participant := range candidates {
		text, err := e.formatter.Render(*first, participant, survey, false)
		if err != nil {
			summary.Failed++
			e.logError(opInitialize, "render_failed", err, zap.Uint("participant_id", participant.ID))
			continue
		}
		plans = append(plans, outboundPlan{participant: participant, question: *first, text: text, action: actionStart})
	}

	if options.DryRun {
		for _, plan := range plans {
			summary.preview(plan.previewRow())
		}
		e.logSummary(summary)
		return summary, nil
	}
	if err := e.precheckCredits(ctx, opInitialize, estimateCredits(plans)); err != nil {
		return summary, err
	}

	source := options.actorOr(messages.ProvenanceCommand)
	for _, plan := range plans {
		if err := ctx.Err(); err != nil {
			e.logSummary(summary)
			return summary, newJobError(opInitialize, "cancelled", err)
		}
		e.applyUnit(ctx, opInitialize, &summary, func(tx *gorm.DB) error {
			exists, err := progress.ExistsForParticipant(tx, plan.participant.ID)
			if err != nil {
				return err
			}
			if exists {
				return errStale
			}
			record := progress.Start(survey.ID, plan.participant.ID, plan.question.ID, channelFor(plan.participant), source, e.now())
			if err := progress.Create(tx, &record); err != nil {
				return err
			}
			if _, err := e.ledger.Enqueue(tx, plan.draft(record.ID, false)); err != nil {
				return err
			}
			return members.StampStage(tx, plan.participant.ID, members.StageSurveyInvited)
		}, zap.Uint("participant_id", plan.participant.ID))
	}

	e.logSummary(summary)
	return summary, nil
}
