package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/InvoiceFox/app/models"
)

// checkpointRepository keeps polling cursors in system_configs
type checkpointRepository struct {
	db *gorm.DB
}

// NewCheckpointRepository creates a new checkpoint repository instance
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{db: db}
}

func (r *checkpointRepository) Get(ctx context.Context, provider string) (models.Checkpoint, bool, error) {
	var row models.SystemConfig
	err := r.db.WithContext(ctx).Where("config_key = ?", models.CheckpointKey(provider)).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Checkpoint{}, false, nil
		}
		return models.Checkpoint{}, false, err
	}
	cp, err := models.DecodeCheckpoint(row.Value)
	if err != nil {
		return models.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (r *checkpointRepository) Advance(ctx context.Context, provider string, cp models.Checkpoint) error {
	value, err := cp.Encode()
	if err != nil {
		return err
	}
	key := models.CheckpointKey(provider)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.SystemConfig
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("config_key = ?", key).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&models.SystemConfig{Key: key, Value: value}).Error
		}
		if err != nil {
			return err
		}

		current, err := models.DecodeCheckpoint(row.Value)
		if err == nil && !cp.After(current) {
			return fmt.Errorf("%s: stored %s, proposed %s: %w", provider, current, cp, ErrCheckpointRegression)
		}
		return tx.Model(&row).Update("value", value).Error
	})
}
