package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/models"
	"tokenrelay/internal/pricing"

	"github.com/gin-gonic/gin"
)

// PricingHandler manages the admin price-book surface. Every create or
// update appends a history row; deleting a row appends none. History is
// append-only and survives row deletion.
type PricingHandler struct {
	book    *pricing.Book
	auditor *Auditor

	// allowedModels restricts which models may be priced; empty allows any.
	allowedModels []string
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(book *pricing.Book, auditor *Auditor, allowedModels []string) *PricingHandler {
	return &PricingHandler{book: book, auditor: auditor, allowedModels: allowedModels}
}

// pricingWriteRequest captures the payload for setting model pricing.
type pricingWriteRequest struct {
	Model                string   `json:"model"`
	InputCostPerMillion  *float64 `json:"input_cost_per_million"`
	OutputCostPerMillion *float64 `json:"output_cost_per_million"`
}

// pricingResponse maps a price row to wire shape.
func pricingResponse(row *models.ModelPrice) gin.H {
	return gin.H{
		"model":                   row.Model,
		"input_cost_per_million":  row.InputCostPerMillion,
		"output_cost_per_million": row.OutputCostPerMillion,
		"created_at":              row.CreatedAt,
		"updated_at":              row.UpdatedAt,
	}
}

// historyEntry is one price-history row in wire shape.
type historyEntry struct {
	Model                string    `json:"model"`
	InputCostPerMillion  float64   `json:"input_cost_per_million"`
	OutputCostPerMillion float64   `json:"output_cost_per_million"`
	ChangedBy            string    `json:"changed_by"`
	ChangedAt            time.Time `json:"changed_at"`
}

// Create handles POST /admin/pricing. Creation validates the model against
// the configured allow-list.
func (h *PricingHandler) Create(c *gin.Context) {
	body, okBody := h.bindWrite(c)
	if !okBody {
		return
	}
	if body.Model == "" {
		relayhttp.WriteError(c, http.StatusBadRequest, "model is required", relayhttp.ErrorTypeInvalidRequest)
		return
	}
	if !h.modelAllowed(body.Model) {
		relayhttp.WriteError(c, http.StatusBadRequest,
			fmt.Sprintf("Model must be one of: %s", strings.Join(h.allowedModels, ", ")),
			relayhttp.ErrorTypeInvalidRequest)
		return
	}
	h.write(c, body, http.StatusCreated, "pricing.create")
}

// Update handles PUT /admin/pricing/:model: the row must already exist.
func (h *PricingHandler) Update(c *gin.Context) {
	model := strings.TrimSpace(c.Param("model"))
	body, okBody := h.bindWrite(c)
	if !okBody {
		return
	}
	body.Model = model

	existing, errGet := h.book.Get(c.Request.Context(), model)
	if errGet != nil {
		relayhttp.WriteTypedError(c, errGet)
		return
	}
	if existing == nil {
		relayhttp.WriteError(c, http.StatusNotFound,
			fmt.Sprintf("Pricing not found for model: %s", model), relayhttp.ErrorTypeInvalidRequest)
		return
	}
	h.write(c, body, http.StatusOK, "pricing.update")
}

// write runs the shared upsert-plus-history path.
func (h *PricingHandler) write(c *gin.Context, body pricingWriteRequest, status int, action string) {
	ctx := c.Request.Context()
	row, errSet := h.book.Set(ctx, body.Model, *body.InputCostPerMillion, *body.OutputCostPerMillion, actorAdmin)
	if errSet != nil {
		if errors.Is(errSet, pricing.ErrNegativeRate) {
			relayhttp.WriteError(c, http.StatusBadRequest, errSet.Error(), relayhttp.ErrorTypeInvalidRequest)
			return
		}
		relayhttp.WriteTypedError(c, errSet)
		return
	}

	h.auditor.Record(ctx, actorAdmin, action, gin.H{
		"model":                   body.Model,
		"input_cost_per_million":  *body.InputCostPerMillion,
		"output_cost_per_million": *body.OutputCostPerMillion,
	})
	c.JSON(status, pricingResponse(row))
}

// List handles GET /admin/pricing.
func (h *PricingHandler) List(c *gin.Context) {
	rows, errList := h.book.List(c.Request.Context())
	if errList != nil {
		relayhttp.WriteTypedError(c, errList)
		return
	}
	pricingRows := make([]gin.H, 0, len(rows))
	for idx := range rows {
		pricingRows = append(pricingRows, pricingResponse(&rows[idx]))
	}
	c.JSON(http.StatusOK, gin.H{"pricing": pricingRows})
}

// Get handles GET /admin/pricing/:model.
func (h *PricingHandler) Get(c *gin.Context) {
	model := strings.TrimSpace(c.Param("model"))
	row, errGet := h.book.Get(c.Request.Context(), model)
	if errGet != nil {
		relayhttp.WriteTypedError(c, errGet)
		return
	}
	if row == nil {
		relayhttp.WriteError(c, http.StatusNotFound,
			fmt.Sprintf("Pricing not found for model: %s", model), relayhttp.ErrorTypeInvalidRequest)
		return
	}
	c.JSON(http.StatusOK, pricingResponse(row))
}

// Delete handles DELETE /admin/pricing/:model. History rows are kept.
func (h *PricingHandler) Delete(c *gin.Context) {
	model := strings.TrimSpace(c.Param("model"))
	ctx := c.Request.Context()

	deleted, errDelete := h.book.Delete(ctx, model)
	if errDelete != nil {
		relayhttp.WriteTypedError(c, errDelete)
		return
	}
	if !deleted {
		relayhttp.WriteError(c, http.StatusNotFound,
			fmt.Sprintf("Pricing not found for model: %s", model), relayhttp.ErrorTypeInvalidRequest)
		return
	}

	h.auditor.Record(ctx, actorAdmin, "pricing.delete", gin.H{"model": model})
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Pricing for model %s deleted successfully", model)})
}

// History handles GET /admin/pricing/history/all and
// GET /admin/pricing/history/:model. Both share the /admin/pricing/:model
// prefix in the route tree, so the first segment is dispatched here.
func (h *PricingHandler) History(c *gin.Context) {
	if strings.TrimSpace(c.Param("model")) != "history" {
		relayhttp.WriteError(c, http.StatusNotFound, "Not found", relayhttp.ErrorTypeInvalidRequest)
		return
	}
	model := strings.TrimSpace(c.Param("sub"))
	if model == "all" {
		model = ""
	}
	h.history(c, model)
}

func (h *PricingHandler) history(c *gin.Context, model string) {
	rows, errHistory := h.book.History(c.Request.Context(), model)
	if errHistory != nil {
		relayhttp.WriteTypedError(c, errHistory)
		return
	}
	entries := make([]historyEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, historyEntry{
			Model:                row.Model,
			InputCostPerMillion:  row.InputCostPerMillion,
			OutputCostPerMillion: row.OutputCostPerMillion,
			ChangedBy:            row.ChangedBy,
			ChangedAt:            row.ChangedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"history": entries})
}

// bindWrite validates the shared pricing payload.
func (h *PricingHandler) bindWrite(c *gin.Context) (pricingWriteRequest, bool) {
	var body pricingWriteRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		relayhttp.WriteError(c, http.StatusBadRequest, "Invalid request body", relayhttp.ErrorTypeInvalidRequest)
		return body, false
	}
	body.Model = strings.TrimSpace(body.Model)
	if body.InputCostPerMillion == nil || body.OutputCostPerMillion == nil {
		relayhttp.WriteError(c, http.StatusBadRequest,
			"input_cost_per_million and output_cost_per_million are required", relayhttp.ErrorTypeInvalidRequest)
		return body, false
	}
	if *body.InputCostPerMillion < 0 || *body.OutputCostPerMillion < 0 {
		relayhttp.WriteError(c, http.StatusBadRequest, "rates must be non-negative", relayhttp.ErrorTypeInvalidRequest)
		return body, false
	}
	return body, true
}

// modelAllowed applies the configured pricing allow-list.
func (h *PricingHandler) modelAllowed(model string) bool {
	if len(h.allowedModels) == 0 {
		return true
	}
	for _, allowed := range h.allowedModels {
		if allowed == model {
			return true
		}
	}
	return false
}
