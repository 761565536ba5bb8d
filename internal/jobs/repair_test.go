package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/testutil"
)

func seedReminder(testContext *testing.T, stack *testutil.Stack, record progress.Record, status messages.Status, createdAt time.Time) messages.Record {
	testContext.Helper()

	return stack.SeedMessage(testContext, messages.Record{
		ParticipantID:    &record.ParticipantID,
		ProgressID:       &record.ID,
		QuestionID:       record.CurrentQuestionID,
		IsReminder:       true,
		Status:           status,
		CreatedAtSeconds: createdAt.Unix(),
	})
}

func TestRetryFailedResetsEarliestMessageInScope(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	other, otherQuestions := stack.SeedSurvey(testContext, "Loans", "Q1")
	failing := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	mixed := stack.SeedParticipant(testContext, "Baraka", "+254700000002", nil)
	elsewhere := stack.SeedParticipant(testContext, "Chebet", "+254700000003", nil)
	seedWaitingRecord(testContext, stack, survey.ID, failing.ID, questions[0].ID, testutil.FixedNow, 0)
	seedWaitingRecord(testContext, stack, survey.ID, mixed.ID, questions[0].ID, testutil.FixedNow, 0)
	seedWaitingRecord(testContext, stack, other.ID, elsewhere.ID, otherQuestions[0].ID, testutil.FixedNow, 0)

	earliest := stack.SeedMessage(testContext, messages.Record{ParticipantID: &failing.ID, Status: messages.StatusFailed, Retries: 3, CreatedAtSeconds: testutil.FixedNow.Add(-2 * time.Hour).Unix()})
	later := stack.SeedMessage(testContext, messages.Record{ParticipantID: &failing.ID, Status: messages.StatusFailed, Retries: 3, CreatedAtSeconds: testutil.FixedNow.Add(-time.Hour).Unix()})
	stack.SeedMessage(testContext, messages.Record{ParticipantID: &mixed.ID, Status: messages.StatusFailed, CreatedAtSeconds: testutil.FixedNow.Add(-time.Hour).Unix()})
	stack.SeedMessage(testContext, messages.Record{ParticipantID: &mixed.ID, Status: messages.StatusSent, CreatedAtSeconds: testutil.FixedNow.Unix()})
	outside := stack.SeedMessage(testContext, messages.Record{ParticipantID: &elsewhere.ID, Status: messages.StatusFailed, CreatedAtSeconds: testutil.FixedNow.Unix()})
	engine := newTestEngine(testContext, stack)

	summary, err := engine.RetryFailed(context.Background(), Options{SurveyID: survey.ID})
	if err != nil {
		testContext.Fatalf("retry failed: %v", err)
	}
	if summary.Selected != 1 {
		testContext.Fatalf("expected one failed-only participant in scope, got %d", summary.Selected)
	}
	expectCounts(testContext, summary, 1, 0, 0)

	byID := make(map[uint]messages.Record)
	for _, record := range stack.Messages(testContext) {
		byID[record.ID] = record
	}
	reset := byID[earliest.ID]
	if reset.Status != messages.StatusPending || reset.Retries != 0 || reset.FailureReason != nil {
		testContext.Fatalf("expected earliest message reset to pending, got %+v", reset)
	}
	if reset.Amended == nil || *reset.Amended != messages.ProvenanceRetryCommand {
		testContext.Fatalf("expected retry_command provenance, got %v", reset.Amended)
	}
	if byID[later.ID].Status != messages.StatusFailed {
		testContext.Fatalf("expected later message left failed")
	}
	if byID[outside.ID].Status != messages.StatusFailed {
		testContext.Fatalf("expected participant outside the survey left alone")
	}

	again, err := engine.RetryFailed(context.Background(), Options{SurveyID: survey.ID})
	if err != nil {
		testContext.Fatalf("second retry failed: %v", err)
	}
	if again.Selected != 0 {
		testContext.Fatalf("expected participant with a pending message to drop out, got %d", again.Selected)
	}
}

func TestRetryFailedRejectsUnsafeLimit(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	engine := newTestEngine(testContext, stack)

	_, err := engine.RetryFailed(context.Background(), Options{Limit: DefaultRetryCeiling + 1})
	expectJobError(testContext, err, ErrUnsafeLimit, "jobs.retry_failed.unsafe_limit")
}

func TestReconcileFixesCountersAndIsIdempotent(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	first := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	second := stack.SeedParticipant(testContext, "Baraka", "+254700000002", nil)
	third := stack.SeedParticipant(testContext, "Chebet", "+254700000003", nil)
	missed := seedWaitingRecord(testContext, stack, survey.ID, first.ID, questions[0].ID, testutil.FixedNow, 0)
	under := seedWaitingRecord(testContext, stack, survey.ID, second.ID, questions[0].ID, testutil.FixedNow, 1)
	inFlight := seedWaitingRecord(testContext, stack, survey.ID, third.ID, questions[0].ID, testutil.FixedNow, 2)

	seedReminder(testContext, stack, missed, messages.StatusSent, testutil.FixedNow.Add(-30*time.Hour))
	seedReminder(testContext, stack, missed, messages.StatusSent, testutil.FixedNow.Add(-28*time.Hour))
	seedReminder(testContext, stack, under, messages.StatusSent, testutil.FixedNow.Add(-100*time.Hour))
	seedReminder(testContext, stack, under, messages.StatusSent, testutil.FixedNow.Add(-70*time.Hour))
	seedReminder(testContext, stack, under, messages.StatusSent, testutil.FixedNow.Add(-40*time.Hour))
	seedReminder(testContext, stack, inFlight, messages.StatusSent, testutil.FixedNow.Add(-50*time.Hour))
	seedReminder(testContext, stack, inFlight, messages.StatusPending, testutil.FixedNow.Add(-time.Hour))
	engine := newTestEngine(testContext, stack)
	ctx := context.Background()

	report, err := engine.Reconcile(ctx, Options{SurveyID: survey.ID})
	if err != nil {
		testContext.Fatalf("reconcile failed: %v", err)
	}
	if len(report.Drifts) != 3 {
		testContext.Fatalf("expected 3 drifts, got %+v", report.Drifts)
	}
	if len(report.UnderCounted()) != 2 || len(report.Missed()) != 1 || report.Missed()[0].ProgressID != missed.ID {
		testContext.Fatalf("unexpected drift classification %+v", report.Drifts)
	}
	if len(report.Clusters) != 1 || report.Clusters[0].ProgressID != missed.ID || len(report.Clusters[0].MessageIDs) != 2 {
		testContext.Fatalf("expected one duplicate cluster for the missed record, got %+v", report.Clusters)
	}
	if report.Processed != 0 || loadProgress(testContext, stack, missed.ID).NumberOfReminders != 0 {
		testContext.Fatalf("expected report mode to change nothing")
	}

	fixed, err := engine.Reconcile(ctx, Options{SurveyID: survey.ID, Fix: true})
	if err != nil {
		testContext.Fatalf("reconcile fix failed: %v", err)
	}
	expectCounts(testContext, fixed.Summary, 2, 1, 0)
	if loadProgress(testContext, stack, missed.ID).NumberOfReminders != 2 {
		testContext.Fatalf("expected missed counter set to 2")
	}
	if loadProgress(testContext, stack, under.ID).NumberOfReminders != 3 {
		testContext.Fatalf("expected under-counted counter set to 3")
	}
	if loadProgress(testContext, stack, inFlight.ID).NumberOfReminders != 2 {
		testContext.Fatalf("expected record with pending reminders left alone")
	}
	if len(stack.Messages(testContext)) != 7 {
		testContext.Fatalf("expected reconcile never to delete messages")
	}

	again, err := engine.Reconcile(ctx, Options{SurveyID: survey.ID, Fix: true})
	if err != nil {
		testContext.Fatalf("second reconcile failed: %v", err)
	}
	if len(again.Drifts) != 1 || again.Drifts[0].ProgressID != inFlight.ID {
		testContext.Fatalf("expected only the in-flight drift to remain, got %+v", again.Drifts)
	}
	expectCounts(testContext, again.Summary, 0, 1, 0)
}

func TestResolveDuplicatesKeepsLowestIDAndReopensIt(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Q1", "Q2")
	participant := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	single := stack.SeedParticipant(testContext, "Baraka", "+254700000002", nil)

	completedAt := testutil.FixedNow.Add(-time.Hour).Unix()
	keep := progress.Start(survey.ID, participant.ID, questions[1].ID, messages.ChannelSMS, messages.ProvenanceCommand, testutil.FixedNow.Add(-48*time.Hour))
	keep.ID = 10
	keep.Status = progress.StatusCompleted
	keep.CompletedAtSeconds = &completedAt
	stack.SeedProgress(testContext, keep)
	for _, id := range []uint{11, 12} {
		duplicate := progress.Start(survey.ID, participant.ID, questions[0].ID, messages.ChannelSMS, messages.ProvenanceCommand, testutil.FixedNow)
		duplicate.ID = id
		stack.SeedProgress(testContext, duplicate)
	}
	lone := seedWaitingRecord(testContext, stack, survey.ID, single.ID, questions[0].ID, testutil.FixedNow, 0)
	engine := newTestEngine(testContext, stack)
	ctx := context.Background()

	report, err := engine.ResolveDuplicates(ctx, Options{SurveyID: survey.ID})
	if err != nil {
		testContext.Fatalf("dedupe report failed: %v", err)
	}
	if len(report.Sets) != 1 {
		testContext.Fatalf("expected one duplicate set, got %+v", report.Sets)
	}
	set := report.Sets[0]
	if set.KeepID != 10 || len(set.DeleteIDs) != 2 || set.DeleteIDs[0] != 11 || set.DeleteIDs[1] != 12 {
		testContext.Fatalf("unexpected duplicate set %+v", set)
	}
	if len(stack.ProgressRecords(testContext)) != 4 {
		testContext.Fatalf("expected report mode to delete nothing")
	}

	fixed, err := engine.ResolveDuplicates(ctx, Options{SurveyID: survey.ID, Fix: true})
	if err != nil {
		testContext.Fatalf("dedupe fix failed: %v", err)
	}
	expectCounts(testContext, fixed.Summary, 1, 0, 0)
	remaining := stack.ProgressRecords(testContext)
	if len(remaining) != 2 || remaining[0].ID != 10 || remaining[1].ID != lone.ID {
		testContext.Fatalf("expected records 10 and %d to remain, got %+v", lone.ID, remaining)
	}
	reopened := remaining[0]
	if reopened.Status != progress.StatusActive || reopened.CompletedAtSeconds != nil {
		testContext.Fatalf("expected kept record forced ACTIVE, got %+v", reopened)
	}
	if derefUint(reopened.CurrentQuestionID) != questions[1].ID {
		testContext.Fatalf("expected kept record to keep its question pointer")
	}

	_, err = engine.ResolveDuplicates(ctx, Options{})
	expectJobError(testContext, err, ErrSurveyRequired, "jobs.dedupe.missing_survey")
}

func TestCleanupRemindersKeepsOldestAndDecrementsCounter(testContext *testing.T) {
	stack := testutil.NewStack(testContext)
	survey, questions := stack.SeedSurvey(testContext, "Savings habits", "Q1")
	participant := stack.SeedParticipant(testContext, "Amina", "+254700000001", nil)
	record := seedWaitingRecord(testContext, stack, survey.ID, participant.ID, questions[0].ID, testutil.FixedNow, 3)
	oldest := seedReminder(testContext, stack, record, messages.StatusPending, testutil.FixedNow.Add(-3*time.Hour))
	seedReminder(testContext, stack, record, messages.StatusPending, testutil.FixedNow.Add(-2*time.Hour))
	seedReminder(testContext, stack, record, messages.StatusPending, testutil.FixedNow.Add(-time.Hour))
	engine := newTestEngine(testContext, stack)
	ctx := context.Background()

	preview, err := engine.CleanupReminders(ctx, Options{})
	if err != nil {
		testContext.Fatalf("cleanup report failed: %v", err)
	}
	if preview.Selected != 1 || len(stack.Messages(testContext)) != 3 {
		testContext.Fatalf("expected report mode to select one record and delete nothing")
	}

	summary, err := engine.CleanupReminders(ctx, Options{Fix: true})
	if err != nil {
		testContext.Fatalf("cleanup failed: %v", err)
	}
	expectCounts(testContext, summary, 1, 0, 0)
	remaining := stack.Messages(testContext)
	if len(remaining) != 1 || remaining[0].ID != oldest.ID {
		testContext.Fatalf("expected only the oldest reminder to remain, got %+v", remaining)
	}
	if loadProgress(testContext, stack, record.ID).NumberOfReminders != 1 {
		testContext.Fatalf("expected counter decremented to 1")
	}

	again, err := engine.CleanupReminders(ctx, Options{Fix: true})
	if err != nil {
		testContext.Fatalf("second cleanup failed: %v", err)
	}
	if again.Selected != 0 {
		testContext.Fatalf("expected nothing left to clean")
	}
}
