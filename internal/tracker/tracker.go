package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tokenrelay/internal/backend"
	"tokenrelay/internal/models"
	"tokenrelay/internal/openai"
	"tokenrelay/internal/pricing"
	"tokenrelay/internal/ratelimit"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// sseTerminator closes every stream, successful or not.
const sseTerminator = "data: [DONE]\n\n"

// Tracker records token counts and cost per completed request. Cost is
// read from the price book at write time and never recomputed.
type Tracker struct {
	db      *gorm.DB
	book    *pricing.Book
	limiter *ratelimit.Limiter
}

// New constructs a Tracker.
func New(db *gorm.DB, book *pricing.Book, limiter *ratelimit.Limiter) *Tracker {
	return &Tracker{db: db, book: book, limiter: limiter}
}

// Request carries the per-request identity the tracker persists alongside
// token counts.
type Request struct {
	UserID        string
	Model         string
	RequestID     string
	PromptPreview string
}

// Record writes one immutable usage row and charges the tokens into the
// user's minute window. Exactly one row is written per completed request.
func (t *Tracker) Record(ctx context.Context, req Request, promptTokens, completionTokens int64) (*models.Usage, error) {
	cost, errCost := t.book.CostFor(ctx, req.Model, promptTokens, completionTokens)
	if errCost != nil {
		return nil, errCost
	}

	row := models.Usage{
		UserID:           req.UserID,
		Model:            req.Model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		Cost:             cost,
		RequestID:        req.RequestID,
		PromptPreview:    req.PromptPreview,
		Timestamp:        time.Now().UTC(),
	}
	if errCreate := t.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		return nil, fmt.Errorf("tracker: record usage: %w", errCreate)
	}

	t.limiter.RecordTokens(req.UserID, row.TotalTokens)
	return &row, nil
}

// Relay forwards stream frames to the client as server-sent events while
// watching for the terminal usage frame. Frames pass through in order and
// are never buffered; only the terminal frame is interpreted. On a clean
// finish it writes the terminator and then exactly one usage row. On a
// mid-stream backend failure it emits an error frame plus the terminator
// and writes no row. On client disconnect it stops silently with no row.
func (t *Tracker) Relay(ctx context.Context, w io.Writer, stream *backend.Stream, req Request) {
	defer stream.Close()

	for {
		frame, errRecv := stream.Recv()
		if errRecv != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(errRecv, io.EOF) {
				// Backend closed without a done frame; the partial
				// response is not charged.
				writeErrorFrame(w, "Stream interrupted", backend.ErrorTypeServer)
				return
			}
			var backendErr *backend.Error
			if errors.As(errRecv, &backendErr) {
				writeErrorFrame(w, backendErr.Message, backendErr.Type)
				return
			}
			writeErrorFrame(w, "Stream interrupted", backend.ErrorTypeServer)
			return
		}

		if errWrite := writeFrame(w, frame.Chunk); errWrite != nil {
			return
		}

		if !frame.Final {
			continue
		}

		if _, errWrite := io.WriteString(w, sseTerminator); errWrite != nil {
			return
		}
		flush(w)

		if _, errRecord := t.Record(ctx, req, frame.Usage.PromptTokens, frame.Usage.CompletionTokens); errRecord != nil {
			log.WithError(errRecord).WithField("user_id", req.UserID).Error("tracker: record streaming usage")
		}
		return
	}
}

// writeFrame emits one data: <json> frame followed by the blank line the
// client's line parser depends on.
func writeFrame(w io.Writer, chunk *openai.Chunk) error {
	payload, errMarshal := json.Marshal(chunk)
	if errMarshal != nil {
		return errMarshal
	}
	if _, errWrite := fmt.Fprintf(w, "data: %s\n\n", payload); errWrite != nil {
		return errWrite
	}
	flush(w)
	return nil
}

// writeErrorFrame emits a JSON error frame followed by the terminator so
// the stream always ends cleanly.
func writeErrorFrame(w io.Writer, message, errType string) {
	envelope := openai.ErrorEnvelope{Error: openai.ErrorDetail{Message: message, Type: errType}}
	payload, errMarshal := json.Marshal(envelope)
	if errMarshal != nil {
		return
	}
	if _, errWrite := fmt.Fprintf(w, "data: %s\n\n", payload); errWrite != nil {
		return
	}
	_, _ = io.WriteString(w, sseTerminator)
	flush(w)
}

func flush(w io.Writer) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
