// Package testutil builds an in-memory engine stack for package tests.
package testutil

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/catalog"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/credits"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/database"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/members"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/progress"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// FixedNow is the reference instant tests start from.
var FixedNow = time.Unix(1700000000, 0).UTC()

var databaseCounter atomic.Int64

// Clock is a settable clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts a clock at FixedNow.
func NewClock() *Clock {
	return &Clock{now: FixedNow}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(duration)
}

// Stack bundles the stores the engine and its adapters run on.
type Stack struct {
	DB       *gorm.DB
	Clock    *Clock
	Credits  *credits.Account
	Ledger   *messages.Ledger
	Catalog  *catalog.Catalog
	Members  *members.Directory
	Progress *progress.Store
}

// NewStack opens a private in-memory database with the full schema.
func NewStack(testContext *testing.T) *Stack {
	testContext.Helper()

	dsn := fmt.Sprintf("file:stack_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	clock := NewClock()
	account, err := credits.NewAccount(credits.AccountConfig{Database: db, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to construct credit account: %v", err)
	}
	ledger, err := messages.NewLedger(messages.LedgerConfig{Database: db, Credits: account, Clock: clock.Now})
	if err != nil {
		testContext.Fatalf("failed to construct ledger: %v", err)
	}
	questionCatalog, err := catalog.New(db)
	if err != nil {
		testContext.Fatalf("failed to construct catalog: %v", err)
	}
	directory, err := members.NewDirectory(db)
	if err != nil {
		testContext.Fatalf("failed to construct directory: %v", err)
	}
	store, err := progress.NewStore(db)
	if err != nil {
		testContext.Fatalf("failed to construct progress store: %v", err)
	}

	return &Stack{
		DB:       db,
		Clock:    clock,
		Credits:  account,
		Ledger:   ledger,
		Catalog:  questionCatalog,
		Members:  directory,
		Progress: store,
	}
}

// SeedSurvey creates an active survey with the given questions in order.
func (s *Stack) SeedSurvey(testContext *testing.T, name string, questionTexts ...string) (catalog.Survey, []catalog.Question) {
	testContext.Helper()

	survey := catalog.Survey{Name: name, Status: catalog.SurveyStatusActive, CreatedAtSeconds: FixedNow.Unix()}
	if err := s.DB.Create(&survey).Error; err != nil {
		testContext.Fatalf("failed to seed survey: %v", err)
	}
	questions := make([]catalog.Question, 0, len(questionTexts))
	for index, text := range questionTexts {
		question := catalog.Question{SurveyID: survey.ID, Position: index + 1, Text: text}
		if err := s.DB.Create(&question).Error; err != nil {
			testContext.Fatalf("failed to seed question: %v", err)
		}
		questions = append(questions, question)
	}
	return survey, questions
}

// SeedGroup creates a member group.
func (s *Stack) SeedGroup(testContext *testing.T, name string) members.Group {
	testContext.Helper()

	group := members.Group{Name: name}
	if err := s.DB.Create(&group).Error; err != nil {
		testContext.Fatalf("failed to seed group: %v", err)
	}
	return group
}

// SeedParticipant creates an active SMS participant.
func (s *Stack) SeedParticipant(testContext *testing.T, name, phoneNumber string, groupID *uint) members.Participant {
	testContext.Helper()

	participant := members.Participant{
		Name:             name,
		PhoneNumber:      phoneNumber,
		GroupID:          groupID,
		PreferredChannel: string(messages.ChannelSMS),
		Active:           true,
		Stage:            members.StageRegistered,
		CreatedAtSeconds: FixedNow.Unix(),
	}
	if err := s.DB.Create(&participant).Error; err != nil {
		testContext.Fatalf("failed to seed participant: %v", err)
	}
	return participant
}

// SeedProgress inserts a progress record as-is.
func (s *Stack) SeedProgress(testContext *testing.T, record progress.Record) progress.Record {
	testContext.Helper()

	if err := s.DB.Create(&record).Error; err != nil {
		testContext.Fatalf("failed to seed progress: %v", err)
	}
	return record
}

// SeedMessage inserts a message record as-is, bypassing credit accounting.
func (s *Stack) SeedMessage(testContext *testing.T, record messages.Record) messages.Record {
	testContext.Helper()

	if record.Direction == "" {
		record.Direction = messages.DirectionOutbound
	}
	if record.Channel == "" {
		record.Channel = messages.ChannelSMS
	}
	if record.Message == "" {
		record.Message = "seeded"
	}
	if record.CreditsCount == 0 {
		record.CreditsCount = credits.Calculate(record.Message)
	}
	if err := s.DB.Create(&record).Error; err != nil {
		testContext.Fatalf("failed to seed message: %v", err)
	}
	return record
}

// Messages returns every message ordered by id.
func (s *Stack) Messages(testContext *testing.T) []messages.Record {
	testContext.Helper()

	var records []messages.Record
	if err := s.DB.Order("id ASC").Find(&records).Error; err != nil {
		testContext.Fatalf("failed to list messages: %v", err)
	}
	return records
}

// ProgressRecords returns every progress record ordered by id.
func (s *Stack) ProgressRecords(testContext *testing.T) []progress.Record {
	testContext.Helper()

	var records []progress.Record
	if err := s.DB.Order("id ASC").Find(&records).Error; err != nil {
		testContext.Fatalf("failed to list progress: %v", err)
	}
	return records
}
