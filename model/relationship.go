package model

import "time"

// RelationshipStatus is the lifecycle state of a relationship record.
type RelationshipStatus = int

const (
	RelationshipActive    RelationshipStatus = 0
	RelationshipCompleted RelationshipStatus = 1
	RelationshipEnded     RelationshipStatus = 2
)

// Relationship pairs a younger initiator with an elder partner and tracks
// their journey stage. Rows are never deleted; a finished journey or an
// ended relationship keeps its row with a terminal status.
type Relationship struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	InitiatorID    int64      `gorm:"index:idx_rel_initiator;not null" json:"initiator_id"` // younger party
	PartnerID      int64      `gorm:"index:idx_rel_partner;not null" json:"partner_id"`     // elder party
	CurrentStage   string     `gorm:"size:32;not null;default:getting_to_know" json:"current_stage"`
	Status         int        `gorm:"default:0" json:"status"` // 0=active 1=completed 2=ended
	IsFrozen       bool       `gorm:"default:false" json:"is_frozen"`
	FrozenProgress int        `gorm:"default:0" json:"frozen_progress"`
	// Version is bumped on every state-changing write; mutations are
	// conditioned on it so concurrent writers retry instead of clobbering.
	Version     int64      `gorm:"default:1;not null" json:"version"`
	StartedAt   time.Time  `gorm:"autoCreateTime" json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	EndedAt     *time.Time `json:"ended_at"`
}

// Member reports whether the given account is one of the two parties.
func (r *Relationship) Member(accountID int64) bool {
	return r.InitiatorID == accountID || r.PartnerID == accountID
}

// CoolingOffResolution is the outcome of a cooling-off period.
type CoolingOffResolution = int

const (
	CoolingOffActive            CoolingOffResolution = 0
	CoolingOffResumed           CoolingOffResolution = 1
	CoolingOffEndedRelationship CoolingOffResolution = 2
)

// CoolingOffPeriod is the freeze window opened by a withdrawal request.
// At most one row per relationship may have Resolution = active.
type CoolingOffPeriod struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RelationshipID int64      `gorm:"index:idx_cooloff_rel;not null" json:"relationship_id"`
	RequestedBy    int64      `gorm:"not null" json:"requested_by"`
	Reason         string     `gorm:"type:text" json:"reason"`
	FrozenStage    string     `gorm:"size:32;not null" json:"frozen_stage"`
	FrozenProgress int        `gorm:"not null" json:"frozen_progress"`
	StartedAt      time.Time  `gorm:"not null" json:"started_at"`
	EndsAt         time.Time  `gorm:"not null" json:"ends_at"`
	Resolution     int        `gorm:"default:0" json:"resolution"` // 0=active 1=resumed 2=relationship_ended
	ResolvedAt     *time.Time `json:"resolved_at"`
}
