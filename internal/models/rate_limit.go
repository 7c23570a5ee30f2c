package models

// RateLimit holds the per-user admission ceilings. Nil fields mean the
// dimension is unbounded; a missing row falls back to coded defaults.
type RateLimit struct {
	UserID string `gorm:"primaryKey;type:text"` // Owning user identity.

	RequestsPerMinute *int64 // Requests allowed per sliding 60s window.
	RequestsPerDay    *int64 // Requests allowed per sliding 24h window.
	TokensPerMinute   *int64 // Tokens allowed per sliding 60s window.
	TokensPerDay      *int64 // Tokens allowed per sliding 24h window.
	TotalTokenLimit   *int64 // Lifetime token cap.
}

// TableName overrides the default table name.
func (RateLimit) TableName() string {
	return "rate_limits"
}
