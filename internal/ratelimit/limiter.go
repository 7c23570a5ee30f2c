package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokenrelay/internal/models"

	"gorm.io/gorm"
)

// Window lengths for the sliding dimensions.
const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Dimension names surfaced in rejection messages.
const (
	DimensionRequestsPerMinute = "requests per minute"
	DimensionRequestsPerDay    = "requests per day"
	DimensionTokensPerMinute   = "tokens per minute"
	DimensionTokensPerDay      = "tokens per day"
	DimensionTotalTokens       = "total token limit"
)

// LimitError reports which dimension tripped an admission check.
type LimitError struct {
	Dimension  string
	Limit      int64
	RetryAfter int // seconds; 0 when retrying will not help
}

// Error renders the user-facing rejection message; it names the dimension.
func (e *LimitError) Error() string {
	if e.Dimension == DimensionTotalTokens {
		return fmt.Sprintf("Total token limit exceeded: %d tokens", e.Limit)
	}
	return fmt.Sprintf("Rate limit exceeded: %d %s", e.Limit, e.Dimension)
}

// Defaults are the coded limits applied when a user has no limits row.
type Defaults struct {
	RequestsPerMinute int64
	RequestsPerDay    int64
	TokensPerMinute   int64
	TokensPerDay      int64
	TotalTokenLimit   *int64 // nil means unbounded
}

// Limiter performs the five-dimensional admission evaluation: minute
// windows from the in-memory counters, day windows and the lifetime cap
// from the store.
type Limiter struct {
	db       *gorm.DB
	counters *CounterBank
	defaults Defaults

	now func() time.Time
}

// NewLimiter constructs a Limiter over the store and an owned counter bank.
func NewLimiter(db *gorm.DB, counters *CounterBank, defaults Defaults) *Limiter {
	return &Limiter{
		db:       db,
		counters: counters,
		defaults: defaults,
		now:      time.Now,
	}
}

// Counters exposes the owned counter bank, e.g. to start its pruner.
func (l *Limiter) Counters() *CounterBank { return l.counters }

// Admit runs the pre-admission check for a user and, when allowed, charges
// the request probe into the minute window. Token dimensions are checked
// against current consumption only; a single request may still overshoot a
// token ceiling, and the next admission blocks it.
func (l *Limiter) Admit(ctx context.Context, userID string) error {
	limits, errLimits := l.effectiveLimits(ctx, userID)
	if errLimits != nil {
		return errLimits
	}

	if limits.RequestsPerMinute != nil && *limits.RequestsPerMinute > 0 {
		if l.counters.RequestCount(userID, minuteWindow) >= *limits.RequestsPerMinute {
			return &LimitError{Dimension: DimensionRequestsPerMinute, Limit: *limits.RequestsPerMinute, RetryAfter: 60}
		}
	}

	if limits.RequestsPerDay != nil && *limits.RequestsPerDay > 0 {
		count, errCount := l.requestsInWindow(ctx, userID, dayWindow)
		if errCount != nil {
			return errCount
		}
		if count >= *limits.RequestsPerDay {
			return &LimitError{Dimension: DimensionRequestsPerDay, Limit: *limits.RequestsPerDay, RetryAfter: 3600}
		}
	}

	if limits.TokensPerMinute != nil && *limits.TokensPerMinute > 0 {
		if l.counters.TokenSum(userID, minuteWindow) >= *limits.TokensPerMinute {
			return &LimitError{Dimension: DimensionTokensPerMinute, Limit: *limits.TokensPerMinute, RetryAfter: 60}
		}
	}

	if limits.TokensPerDay != nil && *limits.TokensPerDay > 0 {
		tokens, errTokens := l.tokensInWindow(ctx, userID, dayWindow)
		if errTokens != nil {
			return errTokens
		}
		if tokens >= *limits.TokensPerDay {
			return &LimitError{Dimension: DimensionTokensPerDay, Limit: *limits.TokensPerDay, RetryAfter: 3600}
		}
	}

	if limits.TotalTokenLimit != nil && *limits.TotalTokenLimit > 0 {
		total, errTotal := l.lifetimeTokens(ctx, userID)
		if errTotal != nil {
			return errTotal
		}
		if total >= *limits.TotalTokenLimit {
			return &LimitError{Dimension: DimensionTotalTokens, Limit: *limits.TotalTokenLimit}
		}
	}

	l.counters.RecordRequest(userID)
	return nil
}

// RecordTokens charges a completed request's tokens into the minute window.
// The day and lifetime dimensions read the usage rows written by the
// tracker, so no store write happens here.
func (l *Limiter) RecordTokens(userID string, tokens int64) {
	l.counters.RecordTokens(userID, tokens)
}

// effectiveLimits loads the user's limits row, falling back to the coded
// defaults when none exists. Writes to the row take effect on the next
// admission because this reads the store every time.
func (l *Limiter) effectiveLimits(ctx context.Context, userID string) (models.RateLimit, error) {
	var row models.RateLimit
	errFirst := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errFirst == nil {
		return row, nil
	}
	if !errors.Is(errFirst, gorm.ErrRecordNotFound) {
		return models.RateLimit{}, fmt.Errorf("rate limit: load limits: %w", errFirst)
	}

	rpm := l.defaults.RequestsPerMinute
	rpd := l.defaults.RequestsPerDay
	tpm := l.defaults.TokensPerMinute
	tpd := l.defaults.TokensPerDay
	return models.RateLimit{
		UserID:            userID,
		RequestsPerMinute: &rpm,
		RequestsPerDay:    &rpd,
		TokensPerMinute:   &tpm,
		TokensPerDay:      &tpd,
		TotalTokenLimit:   l.defaults.TotalTokenLimit,
	}, nil
}

// requestsInWindow counts usage rows newer than now-window.
func (l *Limiter) requestsInWindow(ctx context.Context, userID string, window time.Duration) (int64, error) {
	var count int64
	errCount := l.db.WithContext(ctx).Model(&models.Usage{}).
		Where("user_id = ? AND timestamp > ?", userID, l.now().Add(-window)).
		Count(&count).Error
	if errCount != nil {
		return 0, fmt.Errorf("rate limit: count requests: %w", errCount)
	}
	return count, nil
}

// tokensInWindow sums usage tokens newer than now-window.
func (l *Limiter) tokensInWindow(ctx context.Context, userID string, window time.Duration) (int64, error) {
	var total int64
	errScan := l.db.WithContext(ctx).Model(&models.Usage{}).
		Where("user_id = ? AND timestamp > ?", userID, l.now().Add(-window)).
		Select("COALESCE(SUM(total_tokens), 0)").
		Scan(&total).Error
	if errScan != nil {
		return 0, fmt.Errorf("rate limit: sum window tokens: %w", errScan)
	}
	return total, nil
}

// lifetimeTokens sums all usage tokens for a user.
func (l *Limiter) lifetimeTokens(ctx context.Context, userID string) (int64, error) {
	var total int64
	errScan := l.db.WithContext(ctx).Model(&models.Usage{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(total_tokens), 0)").
		Scan(&total).Error
	if errScan != nil {
		return 0, fmt.Errorf("rate limit: sum lifetime tokens: %w", errScan)
	}
	return total, nil
}
