package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/sacco-surveys/internal/messages"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("progress: database connection required")
	errMissingSurvey   = errors.New("progress: survey scope required")
	// ErrNotFound indicates an unknown progress record.
	ErrNotFound = errors.New("progress: record not found")
)

const (
	orderOldestDispatch = "survey_progress.last_dispatched_at_s ASC, survey_progress.id ASC"
	queryOpenStatus     = "survey_progress.status IN ?"
	queryNotCompleted   = "survey_progress.completed_at_s IS NULL"
)

var openStatuses = []Status{StatusActive, StatusUpdatingDetails}

// Scope narrows a selection to one survey and/or one member group. Zero values mean
// no restriction.
type Scope struct {
	SurveyID uint
	GroupID  uint
}

func (s Scope) apply(query *gorm.DB) *gorm.DB {
	if s.SurveyID != 0 {
		query = query.Where("survey_progress.survey_id = ?", s.SurveyID)
	}
	if s.GroupID != 0 {
		query = query.Where("survey_progress.participant_id IN (SELECT id FROM participants WHERE group_id = ?)", s.GroupID)
	}
	return query
}

// Store runs the selection queries of the scheduler jobs. Mutations happen through the
// transaction-scoped helpers so they share the caller's unit of work.
type Store struct {
	db *gorm.DB
}

// NewStore constructs a progress store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id uint) (Record, error) {
	return Load(s.db.WithContext(ctx), id)
}

// ReminderQuery describes a reminder selection.
type ReminderQuery struct {
	Policy ReminderPolicy
	Now    time.Time
	Scope  Scope
	// Since excludes records that already got a reminder at or after the watermark.
	Since *time.Time
	Limit int
}

// ReminderCandidates selects records eligible for a reminder, oldest dispatch first.
func (s *Store) ReminderCandidates(ctx context.Context, query ReminderQuery) ([]Record, error) {
	statement := s.db.WithContext(ctx).
		Model(&Record{}).
		Where(queryOpenStatus, openStatuses).
		Where("survey_progress.has_responded = ?", false).
		Where(queryNotCompleted).
		Where("survey_progress.last_dispatched_at_s < ?", query.Policy.Cutoff(query.Now).UTC().Unix()).
		Where("survey_progress.number_of_reminders < ?", query.Policy.MaxReminders)
	if query.Since != nil {
		statement = statement.Where(
			"NOT EXISTS (SELECT 1 FROM message_records WHERE message_records.progress_id = survey_progress.id AND message_records.is_reminder = ? AND message_records.created_at_s >= ?)",
			true, query.Since.UTC().Unix())
	}
	statement = query.Scope.apply(statement).Order(orderOldestDispatch)
	if query.Limit > 0 {
		statement = statement.Limit(query.Limit)
	}

	var records []Record
	if err := statement.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("progress: reminder candidates: %w", err)
	}
	return records, nil
}

// AwaitingAdvance selects ACTIVE records whose participant answered the current question.
func (s *Store) AwaitingAdvance(ctx context.Context, scope Scope, limit int) ([]Record, error) {
	statement := s.db.WithContext(ctx).
		Model(&Record{}).
		Where("survey_progress.status = ?", StatusActive).
		Where("survey_progress.has_responded = ?", true).
		Where(queryNotCompleted)
	statement = scope.apply(statement).Order(orderOldestDispatch)
	if limit > 0 {
		statement = statement.Limit(limit)
	}

	var records []Record
	if err := statement.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("progress: awaiting advance: %w", err)
	}
	return records, nil
}

// List returns records in scope ordered by id.
func (s *Store) List(ctx context.Context, scope Scope, limit int) ([]Record, error) {
	statement := scope.apply(s.db.WithContext(ctx).Model(&Record{})).Order("survey_progress.id ASC")
	if limit > 0 {
		statement = statement.Limit(limit)
	}
	var records []Record
	if err := statement.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("progress: list: %w", err)
	}
	return records, nil
}

// DuplicateSet holds every record a participant has for one survey, lowest id first.
type DuplicateSet struct {
	ParticipantID uint
	Records       []Record
}

// Duplicates finds participants holding more than one record for scope.SurveyID.
func (s *Store) Duplicates(ctx context.Context, scope Scope, limit int) ([]DuplicateSet, error) {
	if scope.SurveyID == 0 {
		return nil, errMissingSurvey
	}
	statement := scope.apply(s.db.WithContext(ctx).Model(&Record{})).
		Select("survey_progress.participant_id").
		Group("survey_progress.participant_id").
		Having("COUNT(*) > 1").
		Order("survey_progress.participant_id ASC")
	if limit > 0 {
		statement = statement.Limit(limit)
	}
	var participantIDs []uint
	if err := statement.Pluck("survey_progress.participant_id", &participantIDs).Error; err != nil {
		return nil, fmt.Errorf("progress: duplicate participants: %w", err)
	}
	if len(participantIDs) == 0 {
		return nil, nil
	}

	var records []Record
	if err := s.db.WithContext(ctx).
		Where("survey_id = ? AND participant_id IN ?", scope.SurveyID, participantIDs).
		Order("participant_id ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("progress: duplicate records: %w", err)
	}

	sets := make([]DuplicateSet, 0, len(participantIDs))
	index := make(map[uint]int, len(participantIDs))
	for _, record := range records {
		position, ok := index[record.ParticipantID]
		if !ok {
			position = len(sets)
			index[record.ParticipantID] = position
			sets = append(sets, DuplicateSet{ParticipantID: record.ParticipantID})
		}
		sets[position].Records = append(sets[position].Records, record)
	}
	return sets, nil
}

// LatestOpenForParticipant returns the participant's most recently dispatched open record.
func (s *Store) LatestOpenForParticipant(ctx context.Context, participantID uint) (Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).
		Where("participant_id = ?", participantID).
		Where("status IN ?", openStatuses).
		Where("completed_at_s IS NULL").
		Order("last_dispatched_at_s DESC, id DESC").
		Limit(1).
		Find(&records).Error; err != nil {
		return Record{}, fmt.Errorf("progress: open record for participant %d: %w", participantID, err)
	}
	if len(records) == 0 {
		return Record{}, fmt.Errorf("%w: no open record for participant %d", ErrNotFound, participantID)
	}
	return records[0], nil
}

// Load reads a record inside tx.
func Load(tx *gorm.DB, id uint) (Record, error) {
	var record Record
	err := tx.Where("id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("progress: load %d: %w", id, err)
	}
	return record, nil
}

// Save writes every column of record inside tx.
func Save(tx *gorm.DB, record *Record) error {
	if err := tx.Save(record).Error; err != nil {
		return fmt.Errorf("progress: save %d: %w", record.ID, err)
	}
	return nil
}

// Create inserts a new record inside tx.
func Create(tx *gorm.DB, record *Record) error {
	if err := tx.Create(record).Error; err != nil {
		return fmt.Errorf("progress: create: %w", err)
	}
	return nil
}

// ExistsForParticipant reports whether the participant has any record for any survey.
func ExistsForParticipant(tx *gorm.DB, participantID uint) (bool, error) {
	var count int64
	if err := tx.Model(&Record{}).Where("participant_id = ?", participantID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("progress: count for participant %d: %w", participantID, err)
	}
	return count > 0, nil
}

// OpenRecords returns the participant's open records for a survey inside tx.
func OpenRecords(tx *gorm.DB, surveyID, participantID uint) ([]Record, error) {
	var records []Record
	if err := tx.Where("survey_id = ? AND participant_id = ?", surveyID, participantID).
		Where("status IN ?", openStatuses).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("progress: open records: %w", err)
	}
	return records, nil
}

// HasReminderSince reports whether a reminder for the record was created at or after since.
func HasReminderSince(tx *gorm.DB, progressID uint, since time.Time) (bool, error) {
	var count int64
	if err := tx.Model(&messages.Record{}).
		Where("progress_id = ? AND is_reminder = ? AND created_at_s >= ?", progressID, true, since.UTC().Unix()).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("progress: reminders since for %d: %w", progressID, err)
	}
	return count > 0, nil
}

// SetReminderCount overwrites the materialized reminder counter inside tx.
func SetReminderCount(tx *gorm.DB, id uint, count uint, now time.Time) error {
	if err := tx.Model(&Record{}).Where("id = ?", id).Updates(map[string]interface{}{
		"number_of_reminders": count,
		"updated_at_s":        now.UTC().Unix(),
	}).Error; err != nil {
		return fmt.Errorf("progress: set reminder count %d: %w", id, err)
	}
	return nil
}

// Delete removes records by id inside tx.
func Delete(tx *gorm.DB, ids []uint) error {
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Where("id IN ?", ids).Delete(&Record{}).Error; err != nil {
		return fmt.Errorf("progress: delete: %w", err)
	}
	return nil
}
