package models

import "time"

// Usage records metering data for a single completed request. Rows are
// written once and never updated; cost reflects the pricing active at
// write time.
type Usage struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	UserID string `gorm:"type:text;not null;index;index:idx_usage_user_timestamp,priority:1"` // Owning user identity.
	Model  string `gorm:"type:text;not null;index"`                                           // Model name.

	PromptTokens     int64 `gorm:"not null;default:0"` // Input token count.
	CompletionTokens int64 `gorm:"not null;default:0"` // Output token count.
	TotalTokens      int64 `gorm:"not null;default:0"` // Sum of input and output tokens.

	Cost float64 `gorm:"not null;default:0"` // Cost in currency units, frozen at write time.

	RequestID     string `gorm:"type:text"` // Correlation identity from X-Request-Id.
	PromptPreview string `gorm:"type:text"` // Truncated prompt text for operator diagnostics.

	Timestamp time.Time `gorm:"not null;index;index:idx_usage_user_timestamp,priority:2;autoCreateTime"` // Completion timestamp.
}

// TableName overrides the default table name.
func (Usage) TableName() string {
	return "usage"
}
