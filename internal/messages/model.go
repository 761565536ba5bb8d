package messages

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

// Channel enumerates the transports a message can travel on.
type Channel string

const (
	// ChannelSMS sends plain SMS.
	ChannelSMS Channel = "sms"
	// ChannelWhatsApp sends through WhatsApp.
	ChannelWhatsApp Channel = "whatsapp"
	// ChannelUSSD pushes a USSD session prompt.
	ChannelUSSD Channel = "ussd"
)

// Status enumerates the dispatch lifecycle of a message.
type Status string

const (
	// StatusPending messages wait for the dispatcher.
	StatusPending Status = "pending"
	// StatusSent messages were accepted by the transport.
	StatusSent Status = "sent"
	// StatusFailed messages were given up on.
	StatusFailed Status = "failed"
)

// Direction separates messages we send from answers we receive.
type Direction string

const (
	// DirectionOutbound is a message sent to a participant.
	DirectionOutbound Direction = "outbound"
	// DirectionInbound is a message received from a participant.
	DirectionInbound Direction = "inbound"
)

// Provenance tags who or what created or amended a row. The string values are stored
// verbatim and must stay stable for audit history.
type Provenance string

const (
	ProvenanceCommand      Provenance = "command"
	ProvenanceRedoApproval Provenance = "redo_approval"
	ProvenanceRetryCommand Provenance = "retry_command"
	ProvenanceAdmin        Provenance = "admin"
	ProvenanceWebhook      Provenance = "webhook"
	ProvenanceScheduler    Provenance = "scheduler"
)

var (
	// ErrInvalidChannel indicates an unknown channel value.
	ErrInvalidChannel = errors.New("messages: invalid channel")
	// ErrInvalidProvenance indicates an unknown provenance value.
	ErrInvalidProvenance = errors.New("messages: invalid provenance")
)

// ParseChannel validates raw input and returns a Channel.
func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelWhatsApp:
		return ChannelWhatsApp, nil
	case ChannelUSSD:
		return ChannelUSSD, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, raw)
	}
}

// ParseProvenance validates raw input and returns a Provenance.
func ParseProvenance(raw string) (Provenance, error) {
	candidate := Provenance(strings.ToLower(strings.TrimSpace(raw)))
	switch candidate {
	case ProvenanceCommand, ProvenanceRedoApproval, ProvenanceRetryCommand,
		ProvenanceAdmin, ProvenanceWebhook, ProvenanceScheduler:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidProvenance, raw)
	}
}

// String returns the stored value.
func (p Provenance) String() string {
	return string(p)
}

// Record is one outbound or inbound message.
type Record struct {
	ID                  uint           `gorm:"column:id;primaryKey;autoIncrement"`
	ParticipantID       *uint          `gorm:"column:participant_id;index:idx_messages_participant_status,priority:1"`
	ProgressID          *uint          `gorm:"column:progress_id;index:idx_messages_progress_reminder,priority:1"`
	QuestionID          *uint          `gorm:"column:question_id"`
	Direction           Direction      `gorm:"column:direction;size:16;not null;default:'outbound'"`
	Channel             Channel        `gorm:"column:channel;size:16;not null"`
	PhoneNumber         string         `gorm:"column:phone_number;size:32;not null;default:''"`
	Message             string         `gorm:"column:message;type:text;not null"`
	IsReminder          bool           `gorm:"column:is_reminder;not null;default:false;index:idx_messages_progress_reminder,priority:2"`
	Status              Status         `gorm:"column:status;size:16;not null;index:idx_messages_status_created,priority:1;index:idx_messages_participant_status,priority:2;index:idx_messages_progress_reminder,priority:3"`
	DeliveryStatus      *string        `gorm:"column:delivery_status;size:64"`
	DeliveryDescription *string        `gorm:"column:delivery_description;type:text"`
	UniqueID            *string        `gorm:"column:unique_id;size:190;index"`
	ProviderStatusCode  *string        `gorm:"column:provider_status_code;size:32"`
	ProviderPayload     datatypes.JSON `gorm:"column:provider_payload"`
	CreditsCount        int64          `gorm:"column:credits_count;not null;default:1"`
	Retries             int            `gorm:"column:retries;not null;default:0"`
	FailureReason       *string        `gorm:"column:failure_reason;type:text"`
	Amended             *Provenance    `gorm:"column:amended;size:32"`
	CreatedAtSeconds    int64          `gorm:"column:created_at_s;not null;index:idx_messages_status_created,priority:2"`
	SentAtSeconds       *int64         `gorm:"column:sent_at_s"`
	UpdatedAtSeconds    int64          `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "message_records"
}

// Draft carries the caller-supplied fields of a new message.
type Draft struct {
	ParticipantID *uint
	ProgressID    *uint
	QuestionID    *uint
	Channel       Channel
	PhoneNumber   string
	Message       string
	IsReminder    bool
}

// terminalDeliveryStatuses are the lower-cased provider receipts that will not change anymore.
var terminalDeliveryStatuses = []string{"delivered", "success", "failed", "rejected", "expired", "undelivered", "blacklisted"}

// IsTerminalDelivery reports whether a provider delivery status will not change anymore.
func IsTerminalDelivery(status string) bool {
	normalized := strings.ToLower(strings.TrimSpace(status))
	for _, terminal := range terminalDeliveryStatuses {
		if normalized == terminal {
			return true
		}
	}
	return false
}
