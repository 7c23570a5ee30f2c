package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tokenrelay/internal/backend"
	"tokenrelay/internal/db"
	"tokenrelay/internal/models"
	"tokenrelay/internal/openai"
	"tokenrelay/internal/pricing"
	"tokenrelay/internal/ratelimit"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestTracker(t *testing.T) (*Tracker, *gorm.DB, *ratelimit.Limiter) {
	t.Helper()

	conn, errOpen := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if errOpen != nil {
		t.Fatalf("open sqlite: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	book := pricing.NewBook(conn)
	limiter := ratelimit.NewLimiter(conn, ratelimit.NewCounterBank(), ratelimit.Defaults{})
	return New(conn, book, limiter), conn, limiter
}

func TestRecordFreezesCostAtWriteTime(t *testing.T) {
	trk, conn, _ := newTestTracker(t)
	ctx := context.Background()

	book := pricing.NewBook(conn)
	if _, errSet := book.Set(ctx, "m1", 1.0, 2.0, "admin"); errSet != nil {
		t.Fatalf("set price: %v", errSet)
	}

	row, errRecord := trk.Record(ctx, Request{UserID: "alice", Model: "m1", RequestID: "req-1"}, 1_000_000, 500_000)
	if errRecord != nil {
		t.Fatalf("record: %v", errRecord)
	}
	if row.Cost != 2.0 {
		t.Fatalf("expected cost 2.00, got %v", row.Cost)
	}
	if row.TotalTokens != 1_500_000 {
		t.Errorf("expected total 1500000, got %d", row.TotalTokens)
	}

	// A later price change never mutates the stored row.
	if _, errSet := book.Set(ctx, "m1", 10, 20, "admin"); errSet != nil {
		t.Fatalf("update price: %v", errSet)
	}
	var stored models.Usage
	if errFind := conn.First(&stored, row.ID).Error; errFind != nil {
		t.Fatalf("reload row: %v", errFind)
	}
	if stored.Cost != 2.0 {
		t.Errorf("cost mutated after price change: %v", stored.Cost)
	}
}

func TestRecordZeroCostWhenUnpriced(t *testing.T) {
	trk, _, _ := newTestTracker(t)

	row, errRecord := trk.Record(context.Background(), Request{UserID: "alice", Model: "unpriced"}, 10, 20)
	if errRecord != nil {
		t.Fatalf("record: %v", errRecord)
	}
	if row.Cost != 0 {
		t.Errorf("expected zero cost for unpriced model, got %v", row.Cost)
	}
}

func TestRecordChargesMinuteWindow(t *testing.T) {
	trk, _, limiter := newTestTracker(t)

	if _, errRecord := trk.Record(context.Background(), Request{UserID: "alice", Model: "m1"}, 30, 70); errRecord != nil {
		t.Fatalf("record: %v", errRecord)
	}
	if sum := limiter.Counters().TokenSum("alice", time.Minute); sum != 100 {
		t.Errorf("expected 100 tokens in minute window, got %d", sum)
	}
}

// streamFromBackend builds a real backend stream fed by a mock server so
// Relay is exercised end to end.
func streamFromBackend(t *testing.T, lines []string) *backend.Stream {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, line := range lines {
			_, _ = fmt.Fprintf(w, "%s\n", line)
		}
	}))
	t.Cleanup(server.Close)

	client := backend.NewClient(server.URL, 1)
	req := &openai.ChatRequest{
		Model:    "m1",
		Stream:   true,
		Messages: []openai.Message{{Role: "user", Content: openai.MessageContent{Text: "hi"}}},
	}
	stream, errStream := client.ChatStream(context.Background(), req)
	if errStream != nil {
		t.Fatalf("chat stream: %v", errStream)
	}
	return stream
}

func sseEvents(t *testing.T, raw string) []string {
	t.Helper()
	trimmed := strings.TrimSuffix(raw, "\n\n")
	var events []string
	for _, block := range strings.Split(trimmed, "\n\n") {
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("malformed frame %q", block)
		}
		events = append(events, strings.TrimPrefix(block, "data: "))
	}
	return events
}

func TestRelayForwardsFramesAndRecordsUsage(t *testing.T) {
	trk, conn, _ := newTestTracker(t)

	stream := streamFromBackend(t, []string{
		`{"message":{"role":"assistant","content":"Hel"},"done":false}`,
		`{"message":{"content":"lo"},"done":false}`,
		`{"done":true,"prompt_eval_count":12,"eval_count":8}`,
	})

	var sink strings.Builder
	trk.Relay(context.Background(), &sink, stream, Request{UserID: "alice", Model: "m1", RequestID: "req-9"})

	events := sseEvents(t, sink.String())
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("stream must end with [DONE], got %q", events[len(events)-1])
	}
	if len(events) != 4 {
		t.Fatalf("expected 3 frames + terminator, got %d", len(events))
	}

	var terminal openai.Chunk
	if errDecode := json.Unmarshal([]byte(events[2]), &terminal); errDecode != nil {
		t.Fatalf("decode terminal frame: %v", errDecode)
	}
	if terminal.Usage == nil || terminal.Usage.PromptTokens != 12 || terminal.Usage.CompletionTokens != 8 {
		t.Fatalf("terminal frame usage missing: %+v", terminal.Usage)
	}

	var rows []models.Usage
	if errFind := conn.Find(&rows).Error; errFind != nil {
		t.Fatalf("load usage: %v", errFind)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one usage row, got %d", len(rows))
	}
	if rows[0].TotalTokens != 20 || rows[0].RequestID != "req-9" {
		t.Errorf("unexpected usage row: %+v", rows[0])
	}
}

func TestRelayInterruptedStreamWritesNoRow(t *testing.T) {
	trk, conn, _ := newTestTracker(t)

	stream := streamFromBackend(t, []string{
		`{"message":{"content":"partial"},"done":false}`,
	})

	var sink strings.Builder
	trk.Relay(context.Background(), &sink, stream, Request{UserID: "alice", Model: "m1"})

	events := sseEvents(t, sink.String())
	if events[len(events)-1] != "[DONE]" {
		t.Fatalf("interrupted stream must still terminate, got %q", events[len(events)-1])
	}
	var envelope openai.ErrorEnvelope
	if errDecode := json.Unmarshal([]byte(events[len(events)-2]), &envelope); errDecode != nil || envelope.Error.Message == "" {
		t.Fatalf("expected error frame before terminator, got %q", events[len(events)-2])
	}

	var count int64
	if errCount := conn.Model(&models.Usage{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count usage: %v", errCount)
	}
	if count != 0 {
		t.Errorf("partial stream must not write usage rows, got %d", count)
	}
}

// failAfterWriter simulates a client that disconnects after n writes.
type failAfterWriter struct {
	writes int
	limit  int
}

func (w *failAfterWriter) Write(p []byte) (int, error) {
	w.writes++
	if w.writes > w.limit {
		return 0, fmt.Errorf("client gone")
	}
	return len(p), nil
}

func TestRelayClientDisconnectWritesNoRow(t *testing.T) {
	trk, conn, _ := newTestTracker(t)

	stream := streamFromBackend(t, []string{
		`{"message":{"content":"a"},"done":false}`,
		`{"message":{"content":"b"},"done":false}`,
		`{"done":true,"prompt_eval_count":3,"eval_count":4}`,
	})

	trk.Relay(context.Background(), &failAfterWriter{limit: 1}, stream, Request{UserID: "alice", Model: "m1"})

	var count int64
	if errCount := conn.Model(&models.Usage{}).Count(&count).Error; errCount != nil {
		t.Fatalf("count usage: %v", errCount)
	}
	if count != 0 {
		t.Errorf("disconnected client must not produce usage rows, got %d", count)
	}
}

func TestUserStatsAggregatesByModel(t *testing.T) {
	trk, _, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, errRecord := trk.Record(ctx, Request{UserID: "alice", Model: "m1"}, 10, 5); errRecord != nil {
			t.Fatalf("record: %v", errRecord)
		}
	}
	if _, errRecord := trk.Record(ctx, Request{UserID: "alice", Model: "m2"}, 100, 50); errRecord != nil {
		t.Fatalf("record: %v", errRecord)
	}
	if _, errRecord := trk.Record(ctx, Request{UserID: "bob", Model: "m1"}, 1, 1); errRecord != nil {
		t.Fatalf("record: %v", errRecord)
	}

	total, byModel, errStats := trk.UserStats(ctx, "alice")
	if errStats != nil {
		t.Fatalf("stats: %v", errStats)
	}
	if total.RequestCount != 4 {
		t.Errorf("expected 4 requests, got %d", total.RequestCount)
	}
	if total.TotalTokens != 195 {
		t.Errorf("expected 195 tokens, got %d", total.TotalTokens)
	}
	if byModel["m1"].RequestCount != 3 || byModel["m2"].TotalTokens != 150 {
		t.Errorf("unexpected per-model stats: %+v", byModel)
	}
}

func TestHistoryPaginates(t *testing.T) {
	trk, _, _ := newTestTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, errRecord := trk.Record(ctx, Request{UserID: "alice", Model: "m1"}, int64(i), 0); errRecord != nil {
			t.Fatalf("record: %v", errRecord)
		}
	}

	rows, count, errHistory := trk.History(ctx, "alice", 2, 1)
	if errHistory != nil {
		t.Fatalf("history: %v", errHistory)
	}
	if count != 5 {
		t.Errorf("expected total 5, got %d", count)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 rows, got %d", len(rows))
	}
}
