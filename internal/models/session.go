package models

import "time"

// RelaySession is the SQL form of a reply-token session. Token is stored
// upper-case so lookups can use the unique index.
type RelaySession struct {
	ID            string `gorm:"primaryKey;size:36"`
	Token         string `gorm:"size:16;not null;uniqueIndex"`
	TargetSession string `gorm:"size:128;not null;index"`
	Status        string `gorm:"size:16;default:active;index"`
	Metadata      string `gorm:"type:text"` // JSON object
	CreatedAt     time.Time
	ExpiresAt     time.Time `gorm:"not null;index"`
}
