package members

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Stage tags mark how far a participant has come in the survey funnel.
const (
	StageRegistered    = "registered"
	StageSurveyInvited = "survey_invited"
)

var (
	errMissingDatabase = errors.New("members: database connection required")
	// ErrParticipantNotFound indicates an unknown participant.
	ErrParticipantNotFound = errors.New("members: participant not found")
	// ErrGroupNotFound indicates an unknown group.
	ErrGroupNotFound = errors.New("members: group not found")
)

// Group is a SACCO member group.
type Group struct {
	ID   uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name string `gorm:"column:name;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Group) TableName() string {
	return "member_groups"
}

// Participant is a SACCO member reachable by the survey engine.
type Participant struct {
	ID               uint   `gorm:"column:id;primaryKey;autoIncrement"`
	Name             string `gorm:"column:name;size:190;not null;default:''"`
	PhoneNumber      string `gorm:"column:phone_number;size:32;not null;default:'';index"`
	GroupID          *uint  `gorm:"column:group_id;index"`
	PreferredChannel string `gorm:"column:preferred_channel;size:16;not null;default:'sms'"`
	Active           bool   `gorm:"column:active;not null;default:true"`
	Stage            string `gorm:"column:stage;size:64;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Participant) TableName() string {
	return "participants"
}

// Directory reads participants and groups and stamps participant stages.
type Directory struct {
	db *gorm.DB
}

// NewDirectory constructs a participant directory.
func NewDirectory(db *gorm.DB) (*Directory, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Directory{db: db}, nil
}

// Participant loads a participant by id.
func (d *Directory) Participant(ctx context.Context, participantID uint) (Participant, error) {
	var participant Participant
	err := d.db.WithContext(ctx).Where("id = ?", participantID).Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, fmt.Errorf("%w: %d", ErrParticipantNotFound, participantID)
	}
	if err != nil {
		return Participant{}, fmt.Errorf("members: load participant %d: %w", participantID, err)
	}
	return participant, nil
}

// Participants loads several participants keyed by id. Unknown ids are omitted.
func (d *Directory) Participants(ctx context.Context, participantIDs []uint) (map[uint]Participant, error) {
	result := make(map[uint]Participant, len(participantIDs))
	if len(participantIDs) == 0 {
		return result, nil
	}
	var participants []Participant
	if err := d.db.WithContext(ctx).Where("id IN ?", participantIDs).Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("members: load participants: %w", err)
	}
	for _, participant := range participants {
		result[participant.ID] = participant
	}
	return result, nil
}

// ByPhoneNumber finds the active participant registered with a phone number.
func (d *Directory) ByPhoneNumber(ctx context.Context, phoneNumber string) (Participant, error) {
	var participant Participant
	err := d.db.WithContext(ctx).
		Where("phone_number = ? AND active = ?", phoneNumber, true).
		Order("id ASC").
		Take(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Participant{}, fmt.Errorf("%w: phone %s", ErrParticipantNotFound, phoneNumber)
	}
	if err != nil {
		return Participant{}, fmt.Errorf("members: lookup phone: %w", err)
	}
	return participant, nil
}

// Uninvited returns active participants without a progress record for any survey,
// optionally restricted to a group, lowest id first.
func (d *Directory) Uninvited(ctx context.Context, groupID uint, limit int) ([]Participant, error) {
	query := d.db.WithContext(ctx).
		Where("active = ?", true).
		Where("NOT EXISTS (SELECT 1 FROM survey_progress WHERE survey_progress.participant_id = participants.id)")
	if groupID != 0 {
		query = query.Where("group_id = ?", groupID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var participants []Participant
	if err := query.Order("id ASC").Find(&participants).Error; err != nil {
		return nil, fmt.Errorf("members: list uninvited: %w", err)
	}
	return participants, nil
}

// Group loads a group by id.
func (d *Directory) Group(ctx context.Context, groupID uint) (Group, error) {
	var group Group
	err := d.db.WithContext(ctx).Where("id = ?", groupID).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Group{}, fmt.Errorf("%w: %d", ErrGroupNotFound, groupID)
	}
	if err != nil {
		return Group{}, fmt.Errorf("members: load group %d: %w", groupID, err)
	}
	return group, nil
}

// StampStage sets the participant-level stage tag inside tx.
func StampStage(tx *gorm.DB, participantID uint, stage string) error {
	return tx.Model(&Participant{}).Where("id = ?", participantID).Update("stage", stage).Error
}
