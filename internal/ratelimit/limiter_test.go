package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokenrelay/internal/db"
	"tokenrelay/internal/models"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestLimiter(t *testing.T, defaults Defaults) (*Limiter, *gorm.DB) {
	t.Helper()

	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return NewLimiter(conn, NewCounterBank(), defaults), conn
}

func int64Ptr(v int64) *int64 { return &v }

func seedLimits(t *testing.T, conn *gorm.DB, row models.RateLimit) {
	t.Helper()
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed limits: %v", errCreate)
	}
}

func seedUsage(t *testing.T, conn *gorm.DB, userID string, tokens int64, at time.Time) {
	t.Helper()
	row := models.Usage{
		UserID:           userID,
		Model:            "m1",
		PromptTokens:     tokens / 2,
		CompletionTokens: tokens - tokens/2,
		TotalTokens:      tokens,
		Timestamp:        at,
	}
	if errCreate := conn.Create(&row).Error; errCreate != nil {
		t.Fatalf("seed usage: %v", errCreate)
	}
}

func TestAdmitRejectsOverRequestsPerMinute(t *testing.T) {
	limiter, conn := newTestLimiter(t, Defaults{})
	seedLimits(t, conn, models.RateLimit{UserID: "alice", RequestsPerMinute: int64Ptr(2)})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if errAdmit := limiter.Admit(ctx, "alice"); errAdmit != nil {
			t.Fatalf("request %d unexpectedly rejected: %v", i+1, errAdmit)
		}
	}

	errAdmit := limiter.Admit(ctx, "alice")
	if errAdmit == nil {
		t.Fatalf("expected third request to be rejected")
	}
	var limitErr *LimitError
	if !errors.As(errAdmit, &limitErr) {
		t.Fatalf("expected LimitError, got %T", errAdmit)
	}
	if limitErr.Dimension != DimensionRequestsPerMinute {
		t.Fatalf("expected requests-per-minute dimension, got %q", limitErr.Dimension)
	}
	if limitErr.RetryAfter != 60 {
		t.Fatalf("expected retry-after 60, got %d", limitErr.RetryAfter)
	}
}

func TestAdmitRejectsOverRequestsPerDay(t *testing.T) {
	limiter, conn := newTestLimiter(t, Defaults{})
	seedLimits(t, conn, models.RateLimit{UserID: "alice", RequestsPerDay: int64Ptr(2)})

	now := time.Now()
	seedUsage(t, conn, "alice", 10, now.Add(-2*time.Hour))
	seedUsage(t, conn, "alice", 10, now.Add(-1*time.Hour))

	errAdmit := limiter.Admit(context.Background(), "alice")
	var limitErr *LimitError
	if !errors.As(errAdmit, &limitErr) || limitErr.Dimension != DimensionRequestsPerDay {
		t.Fatalf("expected requests-per-day rejection, got %v", errAdmit)
	}
}

func TestAdmitIgnoresUsageOutsideDayWindow(t *testing.T) {
	limiter, conn := newTestLimiter(t, Defaults{})
	seedLimits(t, conn, models.RateLimit{UserID: "alice", RequestsPerDay: int64Ptr(2)})

	now := time.Now()
	seedUsage(t, conn, "alice", 10, now.Add(-25*time.Hour))
	seedUsage(t, conn, "alice", 10, now.Add(-1*time.Hour))

	if errAdmit := limiter.Admit(context.Background(), "alice"); errAdmit != nil {
		t.Fatalf("expected admission, got %v", errAdmit)
	}
}

func TestAdmitRejectsOverTokensPerMinute(t *testing.T) {
	limiter, conn := newTestLimiter(t, Defaults{})
	seedLimits(t, conn, models.RateLimit{UserID: "alice", TokensPerMinute: int64Ptr(100)})

	limiter.RecordTokens("alice", 150)

	errAdmit := limiter.Admit(context.Background(), "alice")
	var limitErr *LimitError
	if !errors.As(errAdmit, &limitErr) || limitErr.Dimension != DimensionTokensPerMinute {
		t.Fatalf("expected tokens-per-minute rejection, got %v", errAdmit)
	}
}

func TestAdmitRejectsOverTokensPerDay(t *testing.T) {
	limiter, conn := newTestLimiter(t, Defaults{})
	seedLimits(t, conn, models.RateLimit{UserID: "alice", TokensPerDay: int64Ptr(100)})

	seedUsage(t, conn, "alice", 150, time.Now().Add(-3*time.Hour))

	errAdmit := limiter.Admit(context.Background(), "alice")
	var limitErr *LimitError
	if !errors.As(errAdmit, &limitErr) || limitErr.Dimension != DimensionTokensPerDay {
		t.Fatalf("expected tokens-per-day rejection, got %v", errAdmit)
	}
}

func TestAdmitRejectsOverLifetimeCap(t *testing.T) {
	limiter, conn := newTestLimiter(t, Defaults{})
	seedLimits(t, conn, models.RateLimit{UserID: "alice", TotalTokenLimit: int64Ptr(1000)})

	seedUsage(t, conn, "alice", 600, time.Now().Add(-40*24*time.Hour))
	seedUsage(t, conn, "alice", 500, time.Now().Add(-1*time.Hour))

	errAdmit := limiter.Admit(context.Background(), "alice")
	var limitErr *LimitError
	if !errors.As(errAdmit, &limitErr) || limitErr.Dimension != DimensionTotalTokens {
		t.Fatalf("expected lifetime rejection, got %v", errAdmit)
	}
	if limitErr.RetryAfter != 0 {
		t.Fatalf("expected no retry-after for lifetime cap, got %d", limitErr.RetryAfter)
	}
}

func TestAdmitAppliesDefaultsWhenNoRow(t *testing.T) {
	limiter, _ := newTestLimiter(t, Defaults{
		RequestsPerMinute: 1,
		RequestsPerDay:    1000,
		TokensPerMinute:   100000,
		TokensPerDay:      1000000,
	})

	ctx := context.Background()
	if errAdmit := limiter.Admit(ctx, "ghost"); errAdmit != nil {
		t.Fatalf("first request unexpectedly rejected: %v", errAdmit)
	}
	errAdmit := limiter.Admit(ctx, "ghost")
	var limitErr *LimitError
	if !errors.As(errAdmit, &limitErr) || limitErr.Dimension != DimensionRequestsPerMinute {
		t.Fatalf("expected default requests-per-minute rejection, got %v", errAdmit)
	}
}

func TestAdmitNullFieldsAreUnbounded(t *testing.T) {
	limiter, conn := newTestLimiter(t, Defaults{RequestsPerMinute: 1})
	// An explicit row with all fields null lifts every ceiling.
	seedLimits(t, conn, models.RateLimit{UserID: "alice"})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if errAdmit := limiter.Admit(ctx, "alice"); errAdmit != nil {
			t.Fatalf("request %d unexpectedly rejected: %v", i+1, errAdmit)
		}
	}
}

func TestLimitErrorMessageNamesDimension(t *testing.T) {
	err := &LimitError{Dimension: DimensionRequestsPerMinute, Limit: 2, RetryAfter: 60}
	if got := err.Error(); got != "Rate limit exceeded: 2 requests per minute" {
		t.Fatalf("unexpected message %q", got)
	}

	lifetime := &LimitError{Dimension: DimensionTotalTokens, Limit: 1000}
	if got := lifetime.Error(); got != "Total token limit exceeded: 1000 tokens" {
		t.Fatalf("unexpected message %q", got)
	}
}
