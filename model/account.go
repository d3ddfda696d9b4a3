package model

import "time"

// Account roles. Every party is either the younger initiator side or the
// elder partner side of a relationship.
const (
	RoleYounger = "younger"
	RoleElder   = "elder"
)

// Account represents a party's login account.
type Account struct {
	ID           int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username     string     `gorm:"uniqueIndex;size:32;not null" json:"username"`
	PasswordHash string     `gorm:"size:64;not null" json:"-"`
	DisplayName  string     `gorm:"size:64" json:"display_name"`
	Role         string     `gorm:"size:16;not null;default:younger" json:"role"` // younger | elder
	Status       int        `gorm:"default:1" json:"status"`                      // 0=banned 1=normal
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastLoginAt  *time.Time `json:"last_login_at"`
	LastLoginIP  string     `gorm:"size:45" json:"last_login_ip"`
}
