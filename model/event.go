package model

import (
	"time"

	"gorm.io/datatypes"
)

// Event types emitted by the journey engine. Each row is written in the
// same transaction as the state change it describes, so a logical
// transition produces exactly one row.
const (
	EventRequirementCompleted = "requirement_completed"
	EventStageTransitioned    = "stage_transitioned"
	EventJourneyCompleted     = "journey_completed"
	EventWithdrawalStarted    = "withdrawal_started"
	EventCoolingOffResumed    = "cooling_off_resumed"
	EventRelationshipEnded    = "relationship_ended"
)

// RelationshipEvent is an append-only outbox row for a logical engine event.
// Delivery (SSE, push) is the notifier's concern; this table is the record.
type RelationshipEvent struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	RelationshipID int64          `gorm:"index:idx_event_rel;not null" json:"relationship_id"`
	Type           string         `gorm:"size:32;not null" json:"type"`
	Payload        datatypes.JSON `json:"payload"`
	CreatedAt      time.Time      `gorm:"index:idx_event_created;autoCreateTime:milli" json:"created_at"`
}
