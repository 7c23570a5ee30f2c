package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditLog records one administrative mutation: who did what, with the
// request payload captured as JSON.
type AuditLog struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Actor  string `gorm:"type:text;not null"`       // Admin actor identity.
	Action string `gorm:"type:text;not null;index"` // Action name, e.g. "user.create".

	Detail datatypes.JSON `gorm:"type:jsonb"` // Structured mutation detail.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Mutation timestamp.
}

// TableName overrides the default table name.
func (AuditLog) TableName() string {
	return "audit_logs"
}
