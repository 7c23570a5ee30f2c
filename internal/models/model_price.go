package models

import "time"

// ModelPrice is the current price-book row for one model. Rates are
// currency units per one million tokens.
type ModelPrice struct {
	Model string `gorm:"primaryKey;type:text"` // Model name.

	InputCostPerMillion  float64 `gorm:"not null;default:0"` // Input rate per 1M tokens.
	OutputCostPerMillion float64 `gorm:"not null;default:0"` // Output rate per 1M tokens.

	CreatedAt time.Time `gorm:"not null;autoCreateTime"` // Creation timestamp.
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime"` // Last update timestamp.
}

// TableName overrides the default table name.
func (ModelPrice) TableName() string {
	return "model_pricing"
}
