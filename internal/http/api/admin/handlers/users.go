package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/models"
	"tokenrelay/internal/ratelimit"
	"tokenrelay/internal/security"
	"tokenrelay/internal/tracker"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// UserHandler manages the admin user surface.
type UserHandler struct {
	db       *gorm.DB
	tracker  *tracker.Tracker
	auditor  *Auditor
	defaults ratelimit.Defaults
}

// NewUserHandler constructs a UserHandler.
func NewUserHandler(db *gorm.DB, usage *tracker.Tracker, auditor *Auditor, defaults ratelimit.Defaults) *UserHandler {
	return &UserHandler{db: db, tracker: usage, auditor: auditor, defaults: defaults}
}

// createUserRequest captures the payload for creating a user.
type createUserRequest struct {
	UserID string `json:"user_id"` // URL-safe identity string.
}

// userResponse is one user in wire shape. The credential is stored verbatim
// and is returned on create, list, and get alike.
type userResponse struct {
	UserID    string    `json:"user_id"`
	APIKey    string    `json:"api_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Create handles POST /admin/users: mints a credential and persists the
// user together with a default limits row.
func (h *UserHandler) Create(c *gin.Context) {
	var body createUserRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		relayhttp.WriteError(c, http.StatusBadRequest, "Invalid request body", relayhttp.ErrorTypeInvalidRequest)
		return
	}
	body.UserID = strings.TrimSpace(body.UserID)
	if !security.ValidUserID(body.UserID) {
		relayhttp.WriteError(c, http.StatusBadRequest, "user_id must be a non-empty URL-safe string", relayhttp.ErrorTypeInvalidRequest)
		return
	}

	ctx := c.Request.Context()

	var existing models.User
	errFind := h.db.WithContext(ctx).Where("id = ?", body.UserID).First(&existing).Error
	if errFind == nil {
		relayhttp.WriteError(c, http.StatusConflict, "User already exists", relayhttp.ErrorTypeInvalidRequest)
		return
	}
	if !errors.Is(errFind, gorm.ErrRecordNotFound) {
		relayhttp.WriteTypedError(c, errFind)
		return
	}

	apiKey, errKey := security.GenerateAPIKey(body.UserID)
	if errKey != nil {
		relayhttp.WriteTypedError(c, errKey)
		return
	}

	user := models.User{ID: body.UserID, APIKey: apiKey}
	limits := h.defaultLimitsRow(body.UserID)
	if errTx := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errCreate := tx.Create(&user).Error; errCreate != nil {
			return errCreate
		}
		return tx.Create(&limits).Error
	}); errTx != nil {
		relayhttp.WriteTypedError(c, errTx)
		return
	}

	h.auditor.Record(ctx, actorAdmin, "user.create", gin.H{"user_id": user.ID})
	c.JSON(http.StatusCreated, userResponse{UserID: user.ID, APIKey: user.APIKey, CreatedAt: user.CreatedAt})
}

// List handles GET /admin/users.
func (h *UserHandler) List(c *gin.Context) {
	var rows []models.User
	if errFind := h.db.WithContext(c.Request.Context()).Order("created_at ASC").Find(&rows).Error; errFind != nil {
		relayhttp.WriteTypedError(c, errFind)
		return
	}

	users := make([]userResponse, 0, len(rows))
	for _, row := range rows {
		users = append(users, userResponse{UserID: row.ID, APIKey: row.APIKey, CreatedAt: row.CreatedAt})
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

// Get handles GET /admin/users/:id.
func (h *UserHandler) Get(c *gin.Context) {
	user, okUser := h.loadUser(c)
	if !okUser {
		return
	}
	c.JSON(http.StatusOK, userResponse{UserID: user.ID, APIKey: user.APIKey, CreatedAt: user.CreatedAt})
}

// Delete handles DELETE /admin/users/:id: removing a user cascades to
// their usage rows and limits row, leaving other users untouched.
func (h *UserHandler) Delete(c *gin.Context) {
	user, okUser := h.loadUser(c)
	if !okUser {
		return
	}

	ctx := c.Request.Context()
	if errTx := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errUsage := tx.Where("user_id = ?", user.ID).Delete(&models.Usage{}).Error; errUsage != nil {
			return errUsage
		}
		if errLimits := tx.Where("user_id = ?", user.ID).Delete(&models.RateLimit{}).Error; errLimits != nil {
			return errLimits
		}
		return tx.Delete(&models.User{ID: user.ID}).Error
	}); errTx != nil {
		relayhttp.WriteTypedError(c, errTx)
		return
	}

	h.auditor.Record(ctx, actorAdmin, "user.delete", gin.H{"user_id": user.ID})
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("User %s deleted successfully", user.ID)})
}

// DeleteAll handles DELETE /admin/users: the full wipe, reporting how many
// users were removed.
func (h *UserHandler) DeleteAll(c *gin.Context) {
	ctx := c.Request.Context()

	var count int64
	if errCount := h.db.WithContext(ctx).Model(&models.User{}).Count(&count).Error; errCount != nil {
		relayhttp.WriteTypedError(c, errCount)
		return
	}

	if errTx := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errUsage := tx.Where("1 = 1").Delete(&models.Usage{}).Error; errUsage != nil {
			return errUsage
		}
		if errLimits := tx.Where("1 = 1").Delete(&models.RateLimit{}).Error; errLimits != nil {
			return errLimits
		}
		return tx.Where("1 = 1").Delete(&models.User{}).Error
	}); errTx != nil {
		relayhttp.WriteTypedError(c, errTx)
		return
	}

	h.auditor.Record(ctx, actorAdmin, "user.delete_all", gin.H{"count": count})
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Deleted %d users and all associated data", count)})
}

// Usage handles GET /admin/users/:id/usage: per-user statistics plus the
// effective limits row when one exists.
func (h *UserHandler) Usage(c *gin.Context) {
	user, okUser := h.loadUser(c)
	if !okUser {
		return
	}

	ctx := c.Request.Context()
	total, byModel, errStats := h.tracker.UserStats(ctx, user.ID)
	if errStats != nil {
		relayhttp.WriteTypedError(c, errStats)
		return
	}

	response := gin.H{
		"user_id": user.ID,
		"usage": gin.H{
			"total_tokens":      total.TotalTokens,
			"prompt_tokens":     total.PromptTokens,
			"completion_tokens": total.CompletionTokens,
			"total_cost":        total.TotalCost,
			"request_count":     total.RequestCount,
			"by_model":          byModel,
		},
	}

	var limits models.RateLimit
	errLimits := h.db.WithContext(ctx).Where("user_id = ?", user.ID).First(&limits).Error
	if errLimits == nil {
		response["rate_limits"] = limitsResponse(limits)
	} else if !errors.Is(errLimits, gorm.ErrRecordNotFound) {
		relayhttp.WriteTypedError(c, errLimits)
		return
	}

	c.JSON(http.StatusOK, response)
}

// loadUser resolves the :id path parameter, writing the 404 itself.
func (h *UserHandler) loadUser(c *gin.Context) (models.User, bool) {
	userID := strings.TrimSpace(c.Param("id"))
	var user models.User
	errFind := h.db.WithContext(c.Request.Context()).Where("id = ?", userID).First(&user).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			relayhttp.WriteError(c, http.StatusNotFound, "User not found", relayhttp.ErrorTypeInvalidRequest)
			return models.User{}, false
		}
		relayhttp.WriteTypedError(c, errFind)
		return models.User{}, false
	}
	return user, true
}

// defaultLimitsRow materializes the coded defaults for a new user.
func (h *UserHandler) defaultLimitsRow(userID string) models.RateLimit {
	rpm := h.defaults.RequestsPerMinute
	rpd := h.defaults.RequestsPerDay
	tpm := h.defaults.TokensPerMinute
	tpd := h.defaults.TokensPerDay
	return models.RateLimit{
		UserID:            userID,
		RequestsPerMinute: &rpm,
		RequestsPerDay:    &rpd,
		TokensPerMinute:   &tpm,
		TokensPerDay:      &tpd,
		TotalTokenLimit:   h.defaults.TotalTokenLimit,
	}
}
