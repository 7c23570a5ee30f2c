package pricing

import (
	"context"
	"errors"
	"fmt"

	"tokenrelay/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNegativeRate rejects price writes with a negative rate.
var ErrNegativeRate = errors.New("pricing: rates must be non-negative")

// Book is the read-through price lookup backed by the store. There is no
// caching layer; the store is the cache.
type Book struct {
	db *gorm.DB
}

// NewBook constructs a Book backed by GORM.
func NewBook(db *gorm.DB) *Book { return &Book{db: db} }

// Get returns the current row for a model, or nil when no pricing is
// configured; cost then evaluates to zero.
func (b *Book) Get(ctx context.Context, model string) (*models.ModelPrice, error) {
	var row models.ModelPrice
	errFirst := b.db.WithContext(ctx).Where("model = ?", model).First(&row).Error
	if errFirst != nil {
		if errors.Is(errFirst, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("pricing: get %s: %w", model, errFirst)
	}
	return &row, nil
}

// List returns all price-book rows ordered by model.
func (b *Book) List(ctx context.Context) ([]models.ModelPrice, error) {
	var rows []models.ModelPrice
	if errFind := b.db.WithContext(ctx).Order("model ASC").Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("pricing: list: %w", errFind)
	}
	return rows, nil
}

// Set upserts the row for a model and appends a history entry in the same
// transaction; if the history append fails the upsert is rolled back.
func (b *Book) Set(ctx context.Context, model string, inputCost, outputCost float64, actor string) (*models.ModelPrice, error) {
	if inputCost < 0 || outputCost < 0 {
		return nil, ErrNegativeRate
	}

	row := models.ModelPrice{
		Model:                model,
		InputCostPerMillion:  inputCost,
		OutputCostPerMillion: outputCost,
	}
	if errTx := b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if errUpsert := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "model"}},
			DoUpdates: clause.AssignmentColumns([]string{"input_cost_per_million", "output_cost_per_million", "updated_at"}),
		}).Create(&row).Error; errUpsert != nil {
			return errUpsert
		}

		history := models.PriceHistory{
			Model:                model,
			InputCostPerMillion:  inputCost,
			OutputCostPerMillion: outputCost,
			ChangedBy:            actor,
		}
		return tx.Create(&history).Error
	}); errTx != nil {
		return nil, fmt.Errorf("pricing: set %s: %w", model, errTx)
	}

	return b.Get(ctx, model)
}

// Delete removes the price-book row for a model. History rows are kept.
func (b *Book) Delete(ctx context.Context, model string) (bool, error) {
	result := b.db.WithContext(ctx).Where("model = ?", model).Delete(&models.ModelPrice{})
	if result.Error != nil {
		return false, fmt.Errorf("pricing: delete %s: %w", model, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// History returns the change log, newest first, optionally filtered by model.
func (b *Book) History(ctx context.Context, model string) ([]models.PriceHistory, error) {
	q := b.db.WithContext(ctx).Model(&models.PriceHistory{}).Order("changed_at DESC, id DESC")
	if model != "" {
		q = q.Where("model = ?", model)
	}
	var rows []models.PriceHistory
	if errFind := q.Find(&rows).Error; errFind != nil {
		return nil, fmt.Errorf("pricing: history: %w", errFind)
	}
	return rows, nil
}

// CostFor computes the cost of a request against the currently configured
// rates. Rates are read once per computation so the result is frozen at the
// moment the usage row is written.
func (b *Book) CostFor(ctx context.Context, model string, promptTokens, completionTokens int64) (float64, error) {
	price, errGet := b.Get(ctx, model)
	if errGet != nil {
		return 0, errGet
	}
	return Cost(price, promptTokens, completionTokens), nil
}

// Cost applies the per-million rate formula. A nil price means no pricing is
// configured and the cost is zero.
func Cost(price *models.ModelPrice, promptTokens, completionTokens int64) float64 {
	if price == nil {
		return 0
	}
	return (float64(promptTokens)/1_000_000)*price.InputCostPerMillion +
		(float64(completionTokens)/1_000_000)*price.OutputCostPerMillion
}
