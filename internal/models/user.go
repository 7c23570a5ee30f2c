package models

import "time"

// User is an account the proxy fronts requests for.
type User struct {
	ID string `gorm:"primaryKey;type:text"` // URL-safe identity string.

	APIKey string `gorm:"type:text;not null;uniqueIndex"` // Bearer credential, sk-{id}-{random}.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
}

// TableName overrides the default table name.
func (User) TableName() string {
	return "users"
}
