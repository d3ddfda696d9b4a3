package model

import "time"

// RequirementProgress tracks one stage requirement for one relationship.
// Completed is monotonic: once true it is never written back to false.
type RequirementProgress struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	RelationshipID int64      `gorm:"uniqueIndex:idx_rel_requirement;not null" json:"relationship_id"`
	RequirementKey string     `gorm:"uniqueIndex:idx_rel_requirement;size:64;not null" json:"requirement_key"`
	Stage          string     `gorm:"size:32;not null" json:"stage"`
	Mode           string     `gorm:"size:16;not null" json:"mode"` // automatic | manual
	CurrentValue   int        `gorm:"default:0" json:"current_value"`
	RequiredValue  int        `gorm:"default:0" json:"required_value"`
	Completed      bool       `gorm:"default:false" json:"completed"`
	CompletedAt    *time.Time `json:"completed_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Attestation is one party's sign-off on a manual requirement. Append-only;
// the unique index makes re-signing a no-op instead of a duplicate row.
type Attestation struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RelationshipID int64     `gorm:"uniqueIndex:idx_attest_once;not null" json:"relationship_id"`
	RequirementKey string    `gorm:"uniqueIndex:idx_attest_once;size:64;not null" json:"requirement_key"`
	PartyID        int64     `gorm:"uniqueIndex:idx_attest_once;not null" json:"party_id"`
	SignedAt       time.Time `gorm:"autoCreateTime" json:"signed_at"`
}
