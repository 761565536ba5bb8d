package jobs

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrMissingSender indicates a response that names neither a participant nor a phone number.
var ErrMissingSender = errors.New("jobs: participant id or phone number is required")

// InboundResponse is an answer received from a participant.
type InboundResponse struct {
	ParticipantID uint
	PhoneNumber   string
	Message       string
	Channel       messages.Channel
}

// ResponseOutcome reports what the recorder stored.
type ResponseOutcome struct {
	MessageID     uint
	ParticipantID uint
	ProgressID    uint
	// Marked is false when the participant had no open record to flag.
	Marked bool
}

// RecordResponse stores an inbound answer, debits its receiving cost, and flags the
// participant's open record as responded so the advancer can move it on.
func (e *Engine) RecordResponse(ctx context.Context, response InboundResponse) (ResponseOutcome, error) {
	var outcome ResponseOutcome
	if strings.TrimSpace(response.Message) == "" {
		return outcome, newJobError(opRecordResponse, "empty_message", messages.ErrEmptyMessage)
	}
	participant, err := e.resolveSender(ctx, response)
	if err != nil {
		return outcome, err
	}
	outcome.ParticipantID = participant.ID

	record, err := e.progress.LatestOpenForParticipant(ctx, participant.ID)
	hasRecord := err == nil
	if err != nil && !errors.Is(err, progress.ErrNotFound) {
		e.logError(opRecordResponse, "progress_lookup_failed", err, zap.Uint("participant_id", participant.ID))
		return outcome, newJobError(opRecordResponse, "progress_lookup_failed", err)
	}

	channel := response.Channel
	if channel == "" {
		channel = channelFor(participant)
	}
	phone := strings.TrimSpace(response.PhoneNumber)
	if phone == "" {
		phone = participant.PhoneNumber
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		draft := messages.Draft{
			ParticipantID: uintPtr(participant.ID),
			Channel:       channel,
			PhoneNumber:   phone,
			Message:       response.Message,
		}
		var fresh progress.Record
		if hasRecord {
			loaded, err := progress.Load(tx, record.ID)
			if err != nil {
				return err
			}
			fresh = loaded
			draft.ProgressID = uintPtr(fresh.ID)
			draft.QuestionID = fresh.CurrentQuestionID
		}
		inbound, err := e.ledger.RecordInbound(tx, draft)
		if err != nil {
			return err
		}
		outcome.MessageID = inbound.ID
		if !hasRecord || !fresh.Status.Open() {
			return nil
		}
		responded, err := progress.MarkResponded(fresh, e.now())
		if err != nil {
			return err
		}
		if err := progress.Save(tx, &responded); err != nil {
			return err
		}
		outcome.ProgressID = responded.ID
		outcome.Marked = true
		return nil
	})
	if err != nil {
		e.logError(opRecordResponse, "record_failed", err, zap.Uint("participant_id", participant.ID))
		return ResponseOutcome{}, newJobError(opRecordResponse, "record_failed", err)
	}
	e.logger.Info("response recorded",
		zap.Uint("participant_id", outcome.ParticipantID),
		zap.Uint("progress_id", outcome.ProgressID),
		zap.Uint("message_id", outcome.MessageID),
		zap.Bool("marked", outcome.Marked))
	return outcome, nil
}

func (e *Engine) resolveSender(ctx context.Context, response InboundResponse) (members.Participant, error) {
	var (
		participant members.Participant
		err         error
	)
	switch {
	case response.ParticipantID != 0:
		participant, err = e.members.Participant(ctx, response.ParticipantID)
	case strings.TrimSpace(response.PhoneNumber) != "":
		participant, err = e.members.ByPhoneNumber(ctx, strings.TrimSpace(response.PhoneNumber))
	default:
		return members.Participant{}, newJobError(opRecordResponse, "missing_sender", ErrMissingSender)
	}
	if errors.Is(err, members.ErrParticipantNotFound) {
		return members.Participant{}, newJobError(opRecordResponse, "participant_not_found", err)
	}
	if err != nil {
		e.logError(opRecordResponse, "participant_lookup_failed", err)
		return members.Participant{}, newJobError(opRecordResponse, "participant_lookup_failed", err)
	}
	return participant, nil
}
