package jobs

import (
	"context"
	"testing"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/testutil"
)

func TestInitializeIsIdempotent(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Q1", "Q2")
	first := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	second := stack.SeedParticipant(testContext, "Baraka", "+254700000002", nil)
	engine := newTestEngine(testContext, stack)

	summary, err := engine.Initialize(context.Background(), Options{SurveyID: survey.ID})
	if err != nil {
		testContext.Fatalf("initialize failed: %v", err)
	}
	expectCounts(testContext, summary, 2, 0, 0)

	records := stack.ProgressRecords(testContext)
	if len(records) != 2 {
		testContext.Fatalf("expected 2 progress records, got %d", len(records))
	}
	for _, record := range records {
		if record.Status != progress.StatusActive {
			testContext.Fatalf("expected ACTIVE, got %s", record.Status)
		}
		if derefUint(record.CurrentQuestionID) != questions[0].ID {
			testContext.Fatalf("expected pointer at first question")
		}
		if record.LastDispatchedAt() != testutil.FixedNow {
			testContext.Fatalf("expected dispatch stamped at now")
		}
		if record.Source != messages.ProvenanceCommand {
			testContext.Fatalf("expected command provenance, got %s", record.Source)
		}
	}
	pending := outboundPending(stack.Messages(testContext))
	if len(pending) != 2 {
		testContext.Fatalf("expected 2 pending messages, got %d", len(pending))
	}
	for _, participantID := range []uint{first.ID, second.ID} {
		participant, err := stack.Members.Participant(context.Background(), participantID)
		if err != nil {
			testContext.Fatalf("failed to reload participant: %v", err)
		}
		if participant.Stage != members.StageSurveyInvited {
			testContext.Fatalf("expected stage %s, got %s", members.StageSurveyInvited, participant.Stage)
		}
	}
	balance, err := stack.Credits.Balance(context.Background())
	if err != nil {
		testContext.Fatalf("balance failed: %v", err)
	}
	if balance != -2 {
		testContext.Fatalf("expected two credits debited, got balance %d", balance)
	}

	again, err := engine.Initialize(context.Background(), Options{SurveyID: survey.ID})
	if err != nil {
		testContext.Fatalf("second initialize failed: %v", err)
	}
	if again.Selected != 0 {
		testContext.Fatalf("expected no candidates on rerun, got %d", again.Selected)
	}
	if len(stack.ProgressRecords(testContext)) != 2 {
		testContext.Fatalf("expected rerun to create nothing")
	}
}

func TestInitializeScopesToGroup(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, _ := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	group := stack.SeedGroup(testContext, "Mwangaza")
	inGroup := stack.SeedParticipant(testContext, "Amina", "+254700000001", &group.ID)
	stack.SeedParticipant(testContext, "Baraka", "+254700000002", nil)
	engine := newTestEngine(testContext, stack)

	summary, err := engine.Initialize(context.Background(), Options{SurveyID: survey.ID, GroupID: group.ID})
	if err != nil {
		testContext.Fatalf("initialize failed: %v", err)
	}
	expectCounts(testContext, summary, 1, 0, 0)
	records := stack.ProgressRecords(testContext)
	if len(records) != 1 || records[0].ParticipantID != inGroup.ID {
		testContext.Fatalf("expected only the group member to be enrolled, got %+v", records)
	}
}

func TestInitializeSkipsInactiveParticipants(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, _ := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	inactive := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	if err := stack.DB.Model(&members.Participant{}).Where("id = ?", inactive.ID).Update("active", false).Error; err != nil {
		testContext.Fatalf("failed to deactivate participant: %v", err)
	}
	engine := newTestEngine(testContext, stack)

	summary, err := engine.Initialize(context.Background(), Options{SurveyID: survey.ID})
	if err != nil {
		testContext.Fatalf("initialize failed: %v", err)
	}
	if summary.Selected != 0 {
		testContext.Fatalf("expected inactive participant to be ignored")
	}
}

func TestInitializeRefusesWhenMessagesDisabled(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, _ := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	engine := newTestEngine(testContext, stack, func(cfg *EngineConfig) {
		cfg.Flags = StaticFlags{Messages: false}
	})

	_, err := engine.Initialize(context.Background(), Options{SurveyID: survey.ID})
	expectJobError(testContext, err, ErrMessagesDisabled, "jobs.initialize.messages_disabled")
	if len(stack.ProgressRecords(testContext)) != 0 || len(stack.Messages(testContext)) != 0 {
		testContext.Fatalf("expected no side effects")
	}
}

func TestInitializeValidation(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, _ := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	empty, _ := stack.SeedSurvey(testContext, "Empty")
	engine := newTestEngine(testContext, stack)

	_, err := engine.Initialize(context.Background(), Options{SurveyID: 999})
	expectJobError(testContext, err, ErrSurveyNotFound, "jobs.initialize.survey_not_found")

	_, err = engine.Initialize(context.Background(), Options{SurveyID: empty.ID})
	expectJobError(testContext, err, ErrSurveyHasNoQuestions, "jobs.initialize.no_questions")

	_, err = engine.Initialize(context.Background(), Options{SurveyID: survey.ID, GroupID: 42})
	expectJobError(testContext, err, ErrGroupNotFound, "jobs.initialize.group_not_found")

	_, err = engine.Initialize(context.Background(), Options{})
	expectJobError(testContext, err, ErrSurveyRequired, "jobs.initialize.missing_survey")

	_, err = engine.Initialize(context.Background(), Options{SurveyID: survey.ID, Limit: -1})
	expectJobError(testContext, err, ErrInvalidOptions, "jobs.initialize.invalid_options")

	_, err = engine.Initialize(context.Background(), Options{SurveyID: survey.ID, Limit: DefaultBatchCeiling + 1})
	expectJobError(testContext, err, ErrUnsafeLimit, "jobs.initialize.unsafe_limit")
}

func TestInitializeDryRunDoesNotMutate(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Hello {name}")
	participant := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	engine := newTestEngine(testContext, stack)

	summary, err := engine.Initialize(context.Background(), Options{SurveyID: survey.ID, DryRun: true})
	if err != nil {
		testContext.Fatalf("dry run failed: %v", err)
	}
	if summary.Selected != 1 || summary.Processed != 0 {
		testContext.Fatalf("unexpected summary %+v", summary)
	}
	if len(summary.Preview) != 1 {
		testContext.Fatalf("expected one preview row, got %d", len(summary.Preview))
	}
	row := summary.Preview[0]
	if row.ParticipantID != participant.ID || row.QuestionID != questions[0].ID || row.Detail != "Hello Amina" {
		testContext.Fatalf("unexpected preview %+v", row)
	}
	if len(stack.ProgressRecords(testContext)) != 0 || len(stack.Messages(testContext)) != 0 {
		testContext.Fatalf("expected dry run to leave the database untouched")
	}
}

func TestInitializeCreditPrecheckAbortsBeforeMutation(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, _ := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	stack.SeedParticipant(testContext, "Baraka", "+254700000002", nil)
	if _, err := stack.Credits.AddCredits(context.Background(), 1); err != nil {
		testContext.Fatalf("failed to load credits: %v", err)
	}
	engine := newTestEngine(testContext, stack, func(cfg *EngineConfig) {
		cfg.CreditPrecheck = true
	})

	_, err := engine.Initialize(context.Background(), Options{SurveyID: survey.ID})
	expectJobError(testContext, err, credits.ErrInsufficientCredits, "jobs.initialize.insufficient_credits")
	if len(stack.ProgressRecords(testContext)) != 0 {
		testContext.Fatalf("expected shortfall to abort before mutation")
	}
}

func TestScenarioWalksSurveyToCompletion(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Q1", "Q2")
	participant := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	engine := newTestEngine(testContext, stack)
	ctx := context.Background()

	if _, err := engine.Initialize(ctx, Options{SurveyID: survey.ID}); err != nil {
		testContext.Fatalf("initialize failed: %v", err)
	}
	records := stack.ProgressRecords(testContext)
	if len(records) != 1 || derefUint(records[0].CurrentQuestionID) != questions[0].ID {
		testContext.Fatalf("expected one record at Q1, got %+v", records)
	}
	recordID := records[0].ID
	pending := outboundPending(stack.Messages(testContext))
	if len(pending) != 1 || derefUint(pending[0].QuestionID) != questions[0].ID {
		testContext.Fatalf("expected one pending Q1 message, got %+v", pending)
	}

	if _, err := engine.RecordResponse(ctx, InboundResponse{PhoneNumber: participant.PhoneNumber, Message: "500"}); err != nil {
		testContext.Fatalf("record response failed: %v", err)
	}
	summary, err := engine.Advance(ctx, Options{})
	if err != nil {
		testContext.Fatalf("advance failed: %v", err)
	}
	expectCounts(testContext, summary, 1, 0, 0)
	record := loadProgress(testContext, stack, recordID)
	if derefUint(record.CurrentQuestionID) != questions[1].ID || record.HasResponded {
		testContext.Fatalf("expected record at Q2 awaiting a response, got %+v", record)
	}
	pending = outboundPending(stack.Messages(testContext))
	if len(pending) != 2 || derefUint(pending[1].QuestionID) != questions[1].ID {
		testContext.Fatalf("expected a pending Q2 message, got %+v", pending)
	}

	if _, err := engine.RecordResponse(ctx, InboundResponse{ParticipantID: participant.ID, Message: "weekly"}); err != nil {
		testContext.Fatalf("record response failed: %v", err)
	}
	if _, err := engine.Advance(ctx, Options{}); err != nil {
		testContext.Fatalf("advance failed: %v", err)
	}
	record = loadProgress(testContext, stack, recordID)
	if record.Status != progress.StatusCompleted || record.CompletedAtSeconds == nil {
		testContext.Fatalf("expected COMPLETED with completion time, got %+v", record)
	}
	if len(outboundPending(stack.Messages(testContext))) != 2 {
		testContext.Fatalf("expected completion to enqueue nothing")
	}
}
