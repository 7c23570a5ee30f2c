package models

import "time"

// PriceHistory is the append-only record of one price-book change. Rows
// are never modified or deleted except by full wipe.
type PriceHistory struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"` // Primary key.

	Model string `gorm:"type:text;not null;index:idx_pricing_history_model_changed,priority:1"` // Model name.

	InputCostPerMillion  float64 `gorm:"not null"` // Input rate per 1M tokens at change time.
	OutputCostPerMillion float64 `gorm:"not null"` // Output rate per 1M tokens at change time.

	ChangedBy string    `gorm:"type:text;not null;default:admin"`                                             // Actor identity.
	ChangedAt time.Time `gorm:"not null;index:idx_pricing_history_model_changed,priority:2;autoCreateTime"` // Change timestamp.
}

// TableName overrides the default table name.
func (PriceHistory) TableName() string {
	return "pricing_history"
}
