package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/models"
	"tokenrelay/internal/tracker"

	"github.com/gin-gonic/gin"
)

// History pagination bounds.
const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// UsageHandler serves the caller's own usage statistics.
type UsageHandler struct {
	tracker *tracker.Tracker
}

// NewUsageHandler constructs a UsageHandler.
func NewUsageHandler(usage *tracker.Tracker) *UsageHandler {
	return &UsageHandler{tracker: usage}
}

// usageRow is one history entry in wire shape.
type usageRow struct {
	Model            string    `json:"model"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	RequestID        string    `json:"request_id,omitempty"`
	PromptPreview    string    `json:"prompt_preview,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Get handles GET /v1/usage: totals plus the per-model breakdown.
func (h *UsageHandler) Get(c *gin.Context) {
	user, okUser := relayhttp.UserFrom(c)
	if !okUser {
		relayhttp.WriteError(c, http.StatusUnauthorized, "Missing Authorization header", relayhttp.ErrorTypeAuthentication)
		return
	}

	total, byModel, errStats := h.tracker.UserStats(c.Request.Context(), user.ID)
	if errStats != nil {
		relayhttp.WriteTypedError(c, errStats)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":           user.ID,
		"total_tokens":      total.TotalTokens,
		"prompt_tokens":     total.PromptTokens,
		"completion_tokens": total.CompletionTokens,
		"total_cost":        total.TotalCost,
		"request_count":     total.RequestCount,
		"by_model":          byModel,
	})
}

// Summary handles GET /v1/usage/summary: the condensed per-model view.
func (h *UsageHandler) Summary(c *gin.Context) {
	user, okUser := relayhttp.UserFrom(c)
	if !okUser {
		relayhttp.WriteError(c, http.StatusUnauthorized, "Missing Authorization header", relayhttp.ErrorTypeAuthentication)
		return
	}

	total, byModel, errStats := h.tracker.UserStats(c.Request.Context(), user.ID)
	if errStats != nil {
		relayhttp.WriteTypedError(c, errStats)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":      user.ID,
		"total_tokens": total.TotalTokens,
		"total_cost":   total.TotalCost,
		"by_model":     byModel,
	})
}

// History handles GET /v1/usage/history?limit&offset.
func (h *UsageHandler) History(c *gin.Context) {
	user, okUser := relayhttp.UserFrom(c)
	if !okUser {
		relayhttp.WriteError(c, http.StatusUnauthorized, "Missing Authorization header", relayhttp.ErrorTypeAuthentication)
		return
	}

	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if v, errParse := strconv.Atoi(raw); errParse == nil && v > 0 {
			if v > maxHistoryLimit {
				v = maxHistoryLimit
			}
			limit = v
		}
	}
	offset := 0
	if raw := strings.TrimSpace(c.Query("offset")); raw != "" {
		if v, errParse := strconv.Atoi(raw); errParse == nil && v > 0 {
			offset = v
		}
	}

	rows, count, errHistory := h.tracker.History(c.Request.Context(), user.ID, limit, offset)
	if errHistory != nil {
		relayhttp.WriteTypedError(c, errHistory)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id": user.ID,
		"total":   count,
		"limit":   limit,
		"offset":  offset,
		"history": usageRows(rows),
	})
}

// usageRows maps stored usage rows to wire shape.
func usageRows(rows []models.Usage) []usageRow {
	out := make([]usageRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, usageRow{
			Model:            row.Model,
			PromptTokens:     row.PromptTokens,
			CompletionTokens: row.CompletionTokens,
			TotalTokens:      row.TotalTokens,
			Cost:             row.Cost,
			RequestID:        row.RequestID,
			PromptPreview:    row.PromptPreview,
			Timestamp:        row.Timestamp,
		})
	}
	return out
}
