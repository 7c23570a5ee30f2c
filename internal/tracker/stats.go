package tracker

import (
	"context"
	"fmt"

	"tokenrelay/internal/models"
)

// Stats summarizes recorded usage, in total or for one model.
type Stats struct {
	TotalTokens      int64   `json:"total_tokens"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalCost        float64 `json:"total_cost"`
	RequestCount     int64   `json:"request_count"`
}

// modelStats is one per-model aggregation row.
type modelStats struct {
	Model string
	Stats
}

// UserStats aggregates a user's usage rows in total and per model.
func (t *Tracker) UserStats(ctx context.Context, userID string) (Stats, map[string]Stats, error) {
	var total Stats
	errTotal := t.db.WithContext(ctx).Model(&models.Usage{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(total_tokens), 0) AS total_tokens",
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens",
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens",
			"COALESCE(SUM(cost), 0.0) AS total_cost",
			"COUNT(*) AS request_count").
		Scan(&total).Error
	if errTotal != nil {
		return Stats{}, nil, fmt.Errorf("tracker: user stats: %w", errTotal)
	}

	var rows []modelStats
	errByModel := t.db.WithContext(ctx).Model(&models.Usage{}).
		Where("user_id = ?", userID).
		Select("model",
			"COALESCE(SUM(total_tokens), 0) AS total_tokens",
			"COALESCE(SUM(prompt_tokens), 0) AS prompt_tokens",
			"COALESCE(SUM(completion_tokens), 0) AS completion_tokens",
			"COALESCE(SUM(cost), 0.0) AS total_cost",
			"COUNT(*) AS request_count").
		Group("model").
		Scan(&rows).Error
	if errByModel != nil {
		return Stats{}, nil, fmt.Errorf("tracker: user stats by model: %w", errByModel)
	}

	byModel := make(map[string]Stats, len(rows))
	for _, row := range rows {
		byModel[row.Model] = row.Stats
	}
	return total, byModel, nil
}

// History returns a user's usage rows newest first, paginated.
func (t *Tracker) History(ctx context.Context, userID string, limit, offset int) ([]models.Usage, int64, error) {
	var count int64
	if errCount := t.db.WithContext(ctx).Model(&models.Usage{}).
		Where("user_id = ?", userID).
		Count(&count).Error; errCount != nil {
		return nil, 0, fmt.Errorf("tracker: history count: %w", errCount)
	}

	var rows []models.Usage
	if errFind := t.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC, id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error; errFind != nil {
		return nil, 0, fmt.Errorf("tracker: history: %w", errFind)
	}
	return rows, count, nil
}
