package model

import "time"

// Activity kinds recorded by the collaborating surfaces.
const (
	ActivityChatDay  = "chat_day"  // a day with qualifying conversation
	ActivityShared   = "shared"    // a completed shared calendar activity
	ActivityCall     = "call"      // a completed voice/video call
)

// ActivityRecord is written by the external chat/calendar/call surfaces and
// read-only for the journey engine, which derives automatic requirement
// counts from it.
type ActivityRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	RelationshipID int64     `gorm:"index:idx_activity_rel;not null" json:"relationship_id"`
	Kind           string    `gorm:"index:idx_activity_rel;size:32;not null" json:"kind"`
	Day            string    `gorm:"size:10;not null" json:"day"` // YYYY-MM-DD
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
