package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/models"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// actorAdmin is the recorded identity for the shared admin credential.
const actorAdmin = "admin"

// Auditor appends one audit row per administrative mutation. A failed
// append is logged, not surfaced; the mutation itself already committed.
type Auditor struct {
	db *gorm.DB
}

// NewAuditor constructs an Auditor.
func NewAuditor(db *gorm.DB) *Auditor {
	return &Auditor{db: db}
}

// Record writes one audit row with the mutation detail as JSON.
func (a *Auditor) Record(ctx context.Context, actor, action string, detail any) {
	payload, errMarshal := json.Marshal(detail)
	if errMarshal != nil {
		log.WithError(errMarshal).WithField("action", action).Warn("audit: marshal detail")
		payload = []byte("{}")
	}
	row := models.AuditLog{Actor: actor, Action: action, Detail: payload}
	if errCreate := a.db.WithContext(ctx).Create(&row).Error; errCreate != nil {
		log.WithError(errCreate).WithField("action", action).Error("audit: append")
	}
}

// AuditHandler serves the audit log to admins.
type AuditHandler struct {
	db *gorm.DB
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(db *gorm.DB) *AuditHandler {
	return &AuditHandler{db: db}
}

// List handles GET /admin/audit with optional action filter and limit.
func (h *AuditHandler) List(c *gin.Context) {
	limit := 100
	if raw := strings.TrimSpace(c.Query("limit")); raw != "" {
		if v, errParse := strconv.Atoi(raw); errParse == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	q := h.db.WithContext(c.Request.Context()).Model(&models.AuditLog{})
	if action := strings.TrimSpace(c.Query("action")); action != "" {
		q = q.Where("action = ?", action)
	}

	var rows []models.AuditLog
	if errFind := q.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; errFind != nil {
		relayhttp.WriteTypedError(c, errFind)
		return
	}

	entries := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, gin.H{
			"actor":      row.Actor,
			"action":     row.Action,
			"detail":     json.RawMessage(row.Detail),
			"created_at": row.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}
