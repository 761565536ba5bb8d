package messages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

const (
	queryParticipantInGroup  = "participant_id IN (SELECT id FROM participants WHERE group_id = ?)"
	queryParticipantInSurvey = "participant_id IN (SELECT participant_id FROM survey_progress WHERE survey_id = ?)"
)

// ParticipantScope narrows participant-level selections. Zero values mean no restriction.
type ParticipantScope struct {
	SurveyID uint
	GroupID  uint
}

func (s ParticipantScope) apply(query *gorm.DB) *gorm.DB {
	if s.SurveyID != 0 {
		query = query.Where(queryParticipantInSurvey, s.SurveyID)
	}
	if s.GroupID != 0 {
		query = query.Where(queryParticipantInGroup, s.GroupID)
	}
	return query
}

// FailedOnlyParticipants returns participants whose every message failed, ordered by
// their earliest message.
func (l *Ledger) FailedOnlyParticipants(ctx context.Context, scope ParticipantScope, limit int) ([]uint, error) {
	statement := scope.apply(l.db.WithContext(ctx).Model(&Record{})).
		Where("participant_id IS NOT NULL").
		Group("participant_id").
		Having("SUM(CASE WHEN status <> ? THEN 1 ELSE 0 END) = 0", StatusFailed).
		Order("MIN(created_at_s) ASC, participant_id ASC")
	if limit > 0 {
		statement = statement.Limit(limit)
	}
	var participantIDs []uint
	if err := statement.Pluck("participant_id", &participantIDs).Error; err != nil {
		return nil, fmt.Errorf("messages: failed-only participants: %w", err)
	}
	return participantIDs, nil
}

// ReminderCounts counts reminders per progress record in the given status.
func (l *Ledger) ReminderCounts(ctx context.Context, progressIDs []uint, status Status) (map[uint]int64, error) {
	return ReminderCounts(l.db.WithContext(ctx), progressIDs, status)
}

// SentReminders lists the sent reminders of the given progress records, oldest first
// within each record.
func (l *Ledger) SentReminders(ctx context.Context, progressIDs []uint) ([]Record, error) {
	var records []Record
	if len(progressIDs) == 0 {
		return records, nil
	}
	if err := l.db.WithContext(ctx).
		Where("progress_id IN ? AND is_reminder = ? AND status = ?", progressIDs, true, StatusSent).
		Order("progress_id ASC, created_at_s ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("messages: sent reminders: %w", err)
	}
	return records, nil
}

// PendingReminderGroups returns, per progress record, its pending reminders when there is
// more than one, oldest first.
func (l *Ledger) PendingReminderGroups(ctx context.Context, progressIDs []uint) (map[uint][]Record, error) {
	groups := make(map[uint][]Record)
	if len(progressIDs) == 0 {
		return groups, nil
	}
	var records []Record
	if err := l.db.WithContext(ctx).
		Where("progress_id IN ? AND is_reminder = ? AND status = ?", progressIDs, true, StatusPending).
		Order("progress_id ASC, created_at_s ASC, id ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("messages: pending reminders: %w", err)
	}
	for _, record := range records {
		groups[*record.ProgressID] = append(groups[*record.ProgressID], record)
	}
	for progressID, group := range groups {
		if len(group) < 2 {
			delete(groups, progressID)
		}
	}
	return groups, nil
}

// ReminderCounts counts reminders per progress record in the given status using db.
func ReminderCounts(db *gorm.DB, progressIDs []uint, status Status) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(progressIDs))
	if len(progressIDs) == 0 {
		return counts, nil
	}
	type row struct {
		ProgressID uint
		Total      int64
	}
	var rows []row
	if err := db.Model(&Record{}).
		Select("progress_id, COUNT(*) AS total").
		Where("progress_id IN ? AND is_reminder = ? AND status = ?", progressIDs, true, status).
		Group("progress_id").
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("messages: reminder counts: %w", err)
	}
	for _, r := range rows {
		counts[r.ProgressID] = r.Total
	}
	return counts, nil
}

// CountQuestionSends counts outbound, non-failed messages carrying a question for a
// progress record.
func CountQuestionSends(tx *gorm.DB, progressID, questionID uint) (int64, error) {
	var count int64
	if err := tx.Model(&Record{}).
		Where("progress_id = ? AND question_id = ? AND direction = ? AND status <> ?",
			progressID, questionID, DirectionOutbound, StatusFailed).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("messages: count sends of question %d: %w", questionID, err)
	}
	return count, nil
}

// AllFailed reports whether the participant has messages and every one of them failed.
func AllFailed(tx *gorm.DB, participantID uint) (bool, error) {
	type row struct {
		Total  int64
		Failed int64
	}
	var result row
	if err := tx.Model(&Record{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed", StatusFailed).
		Where("participant_id = ?", participantID).
		Scan(&result).Error; err != nil {
		return false, fmt.Errorf("messages: failure check for participant %d: %w", participantID, err)
	}
	return result.Total > 0 && result.Total == result.Failed, nil
}

// Earliest returns the participant's oldest message.
func Earliest(tx *gorm.DB, participantID uint) (Record, error) {
	var record Record
	err := tx.Where("participant_id = ?", participantID).Order("created_at_s ASC, id ASC").Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, fmt.Errorf("%w: participant %d has no messages", ErrNotFound, participantID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("messages: earliest for participant %d: %w", participantID, err)
	}
	return record, nil
}

// ResetForRetry puts a failed message back in the pending queue and tags who did it.
func ResetForRetry(tx *gorm.DB, id uint, actor Provenance, now time.Time) error {
	result := tx.Model(&Record{}).
		Where("id = ? AND status = ?", id, StatusFailed).
		Updates(map[string]interface{}{
			columnStatus:     StatusPending,
			"retries":        0,
			"failure_reason": nil,
			"amended":        actor,
			columnUpdatedAt:  now.UTC().Unix(),
		})
	if result.Error != nil {
		return fmt.Errorf("messages: reset %d for retry: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d is no longer failed", ErrNotFound, id)
	}
	return nil
}

// DeletePending removes pending messages by id inside tx and reports how many went.
func DeletePending(tx *gorm.DB, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := tx.Where("id IN ? AND status = ?", ids, StatusPending).Delete(&Record{})
	if result.Error != nil {
		return 0, fmt.Errorf("messages: delete pending: %w", result.Error)
	}
	return result.RowsAffected, nil
}
