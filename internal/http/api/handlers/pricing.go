package handlers

import (
	"net/http"
	"time"

	relayhttp "tokenrelay/internal/http"
	"tokenrelay/internal/models"
	"tokenrelay/internal/pricing"

	"github.com/gin-gonic/gin"
)

// PricingHandler serves the read-only price book to users.
type PricingHandler struct {
	book *pricing.Book
}

// NewPricingHandler constructs a PricingHandler.
func NewPricingHandler(book *pricing.Book) *PricingHandler {
	return &PricingHandler{book: book}
}

// priceRow is one price-book entry in wire shape.
type priceRow struct {
	Model                string    `json:"model"`
	InputCostPerMillion  float64   `json:"input_cost_per_million"`
	OutputCostPerMillion float64   `json:"output_cost_per_million"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// List handles GET /v1/pricing.
func (h *PricingHandler) List(c *gin.Context) {
	rows, errList := h.book.List(c.Request.Context())
	if errList != nil {
		relayhttp.WriteTypedError(c, errList)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pricing": priceRows(rows)})
}

// priceRows maps stored pricing rows to wire shape.
func priceRows(rows []models.ModelPrice) []priceRow {
	out := make([]priceRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, priceRow{
			Model:                row.Model,
			InputCostPerMillion:  row.InputCostPerMillion,
			OutputCostPerMillion: row.OutputCostPerMillion,
			UpdatedAt:            row.UpdatedAt,
		})
	}
	return out
}
