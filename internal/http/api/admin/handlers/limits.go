package handlers

import (
	"errors"
	"net/http"
	"strings"

	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// LimitHandler manages per-user rate-limit rows. Writes take effect on the
// next admission check; nothing is cached.
type LimitHandler struct {
	db      *gorm.DB
	auditor *Auditor
}

// NewLimitHandler constructs a LimitHandler.
func NewLimitHandler(db *gorm.DB, auditor *Auditor) *LimitHandler {
	return &LimitHandler{db: db, auditor: auditor}
}

// limitUpdateRequest captures the mutable limit fields; omitted fields are
// left unchanged.
type limitUpdateRequest struct {
	RequestsPerMinute *int64 `json:"requests_per_minute"`
	RequestsPerDay    *int64 `json:"requests_per_day"`
	TokensPerMinute   *int64 `json:"tokens_per_minute"`
	TokensPerDay      *int64 `json:"tokens_per_day"`
	TotalTokenLimit   *int64 `json:"total_token_limit"`
}

// limitsResponse maps a limits row to wire shape.
func limitsResponse(row models.RateLimit) gin.H {
	return gin.H{
		"user_id":             row.UserID,
		"requests_per_minute": row.RequestsPerMinute,
		"requests_per_day":    row.RequestsPerDay,
		"tokens_per_minute":   row.TokensPerMinute,
		"tokens_per_day":      row.TokensPerDay,
		"total_token_limit":   row.TotalTokenLimit,
	}
}

// Get handles GET /admin/users/:id/limits.
func (h *LimitHandler) Get(c *gin.Context) {
	userID, okUser := h.requireUser(c)
	if !okUser {
		return
	}

	var row models.RateLimit
	errFind := h.db.WithContext(c.Request.Context()).Where("user_id = ?", userID).First(&row).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			relayhttp.WriteError(c, http.StatusNotFound, "Rate limits not found", relayhttp.ErrorTypeInvalidRequest)
			return
		}
		relayhttp.WriteTypedError(c, errFind)
		return
	}
	c.JSON(http.StatusOK, limitsResponse(row))
}

// Put handles PUT /admin/users/:id/limits: only the provided fields are
// updated.
func (h *LimitHandler) Put(c *gin.Context) {
	userID, okUser := h.requireUser(c)
	if !okUser {
		return
	}

	var body limitUpdateRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		relayhttp.WriteError(c, http.StatusBadRequest, "Invalid request body", relayhttp.ErrorTypeInvalidRequest)
		return
	}
	if body.RequestsPerMinute == nil && body.RequestsPerDay == nil &&
		body.TokensPerMinute == nil && body.TokensPerDay == nil && body.TotalTokenLimit == nil {
		relayhttp.WriteError(c, http.StatusBadRequest, "No fields to update", relayhttp.ErrorTypeInvalidRequest)
		return
	}

	ctx := c.Request.Context()

	var row models.RateLimit
	errFind := h.db.WithContext(ctx).Where("user_id = ?", userID).First(&row).Error
	if errFind != nil && !errors.Is(errFind, gorm.ErrRecordNotFound) {
		relayhttp.WriteTypedError(c, errFind)
		return
	}
	row.UserID = userID

	if body.RequestsPerMinute != nil {
		row.RequestsPerMinute = body.RequestsPerMinute
	}
	if body.RequestsPerDay != nil {
		row.RequestsPerDay = body.RequestsPerDay
	}
	if body.TokensPerMinute != nil {
		row.TokensPerMinute = body.TokensPerMinute
	}
	if body.TokensPerDay != nil {
		row.TokensPerDay = body.TokensPerDay
	}
	if body.TotalTokenLimit != nil {
		row.TotalTokenLimit = body.TotalTokenLimit
	}

	if errSave := h.db.WithContext(ctx).Save(&row).Error; errSave != nil {
		relayhttp.WriteTypedError(c, errSave)
		return
	}

	h.auditor.Record(ctx, actorAdmin, "limits.update", gin.H{
		"user_id":             userID,
		"requests_per_minute": row.RequestsPerMinute,
		"requests_per_day":    row.RequestsPerDay,
		"tokens_per_minute":   row.TokensPerMinute,
		"tokens_per_day":      row.TokensPerDay,
		"total_token_limit":   row.TotalTokenLimit,
	})
	c.JSON(http.StatusOK, limitsResponse(row))
}

// requireUser confirms the :id path parameter names an extant user.
func (h *LimitHandler) requireUser(c *gin.Context) (string, bool) {
	userID := strings.TrimSpace(c.Param("id"))
	var user models.User
	errFind := h.db.WithContext(c.Request.Context()).Where("id = ?", userID).First(&user).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			relayhttp.WriteError(c, http.StatusNotFound, "User not found", relayhttp.ErrorTypeInvalidRequest)
			return "", false
		}
		relayhttp.WriteTypedError(c, errFind)
		return "", false
	}
	return userID, true
}
