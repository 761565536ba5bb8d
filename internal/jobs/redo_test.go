package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/testutil"
)

func TestRedoCancelsOpenRecordsAndRestarts(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Q1", "Q2")
	participant := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	previous := seedWaitingRecord(testContext, stack, survey.ID, participant.ID, questions[1].ID, testutil.FixedNow.Add(-48*time.Hour), 1)
	engine := newTestEngine(testContext, stack)

	outcome, err := engine.Redo(context.Background(), RedoRequest{SurveyID: survey.ID, ParticipantID: participant.ID})
	if err != nil {
		testContext.Fatalf("redo failed: %v", err)
	}
	if len(outcome.CancelledIDs) != 1 || outcome.CancelledIDs[0] != previous.ID {
		testContext.Fatalf("expected previous record cancelled, got %v", outcome.CancelledIDs)
	}
	if loadProgress(testContext, stack, previous.ID).Status != progress.StatusCancelled {
		testContext.Fatalf("expected CANCELLED on the previous record")
	}
	restarted := loadProgress(testContext, stack, outcome.ProgressID)
	if restarted.Status != progress.StatusActive || derefUint(restarted.CurrentQuestionID) != questions[0].ID {
		testContext.Fatalf("expected fresh record at Q1, got %+v", restarted)
	}
	if restarted.Source != messages.ProvenanceRedoApproval {
		testContext.Fatalf("expected redo_approval provenance, got %s", restarted.Source)
	}
	pending := outboundPending(stack.Messages(testContext))
	if len(pending) != 1 || pending[0].ID != outcome.MessageID || derefUint(pending[0].ProgressID) != restarted.ID {
		testContext.Fatalf("expected one pending Q1 message for the new record, got %+v", pending)
	}
	reloaded, err := stack.Members.Participant(context.Background(), participant.ID)
	if err != nil {
		testContext.Fatalf("failed to reload participant: %v", err)
	}
	if reloaded.Stage != members.StageSurveyInvited {
		testContext.Fatalf("expected stage survey_invited, got %s", reloaded.Stage)
	}
}

func TestRedoDryRunAndValidation(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, _ := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	participant := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	engine := newTestEngine(testContext, stack)
	ctx := context.Background()

	outcome, err := engine.Redo(ctx, RedoRequest{SurveyID: survey.ID, ParticipantID: participant.ID, DryRun: true})
	if err != nil {
		testContext.Fatalf("dry run failed: %v", err)
	}
	if len(outcome.Preview) != 1 || outcome.ProgressID != 0 {
		testContext.Fatalf("unexpected dry run outcome %+v", outcome)
	}
	if len(stack.ProgressRecords(testContext)) != 0 {
		testContext.Fatalf("expected dry run to create nothing")
	}

	_, err = engine.Redo(ctx, RedoRequest{SurveyID: survey.ID})
	expectJobError(testContext, err, errMissingParticipant, "jobs.redo.missing_participant")

	_, err = engine.Redo(ctx, RedoRequest{SurveyID: survey.ID, ParticipantID: 999})
	expectJobError(testContext, err, members.ErrParticipantNotFound, "jobs.redo.participant_not_found")
}

func TestRecordResponseMarksOpenRecord(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	participant := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	record := seedWaitingRecord(testContext, stack, survey.ID, participant.ID, questions[0].ID, testutil.FixedNow.Add(-time.Hour), 0)
	engine := newTestEngine(testContext, stack)

	outcome, err := engine.RecordResponse(context.Background(), InboundResponse{PhoneNumber: " +254700000001 ", Message: "Yes"})
	if err != nil {
		testContext.Fatalf("record response failed: %v", err)
	}
	if !outcome.Marked || outcome.ProgressID != record.ID {
		testContext.Fatalf("expected the open record to be marked, got %+v", outcome)
	}
	if !loadProgress(testContext, stack, record.ID).HasResponded {
		testContext.Fatalf("expected has_responded set")
	}
	stored := stack.Messages(testContext)
	if len(stored) != 1 {
		testContext.Fatalf("expected one inbound message, got %d", len(stored))
	}
	inbound := stored[0]
	if inbound.Direction != messages.DirectionInbound || inbound.Status != messages.StatusSent {
		testContext.Fatalf("unexpected inbound row %+v", inbound)
	}
	if derefUint(inbound.QuestionID) != questions[0].ID || derefUint(inbound.ProgressID) != record.ID {
		testContext.Fatalf("expected inbound row tied to the current question")
	}
	balance, err := stack.Credits.Balance(context.Background())
	if err != nil {
		testContext.Fatalf("balance failed: %v", err)
	}
	if balance != -1 {
		testContext.Fatalf("expected receiving cost debited, got %d", balance)
	}
}

func TestRecordResponseWithoutOpenRecord(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	participant := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	engine := newTestEngine(testContext, stack)
	ctx := context.Background()

	outcome, err := engine.RecordResponse(ctx, InboundResponse{ParticipantID: participant.ID, Message: "hello"})
	if err != nil {
		testContext.Fatalf("record response failed: %v", err)
	}
	if outcome.Marked || outcome.MessageID == 0 {
		testContext.Fatalf("expected the message stored without marking, got %+v", outcome)
	}

	_, err = engine.RecordResponse(ctx, InboundResponse{ParticipantID: participant.ID, Message: "  "})
	expectJobError(testContext, err, messages.ErrEmptyMessage, "jobs.record_response.empty_message")

	_, err = engine.RecordResponse(ctx, InboundResponse{PhoneNumber: "+254799999999", Message: "hi"})
	expectJobError(testContext, err, members.ErrParticipantNotFound, "jobs.record_response.participant_not_found")
}
