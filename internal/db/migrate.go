package db

import (
	"fmt"
	"strings"

	"github.com/zulandar/podyard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model the Message Store persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.StoredMessage{},
		&models.PodRecord{},
	}
}

// AutoMigrate creates or updates the store tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// SeedPods inserts a pod row for each name that has none yet. Existing rows
// are left as they are. Blank names are skipped.
func SeedPods(db *gorm.DB, names []string) error {
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		pod := models.PodRecord{PodID: name, Status: models.PodInactive}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pod_id"}},
			DoNothing: true,
		}).Create(&pod)
		if result.Error != nil {
			return fmt.Errorf("db: seed pod %q: %w", name, result.Error)
		}
	}
	return nil
}
