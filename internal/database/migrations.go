package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/internal/grid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationPruneOutOfBoundsCells = "2026-09-14_prune_out_of_bounds_cells"
	migrationClearUnknownColors    = "2026-09-14_clear_unknown_colors"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPruneOutOfBoundsCells, apply: pruneOutOfBoundsCells},
		{name: migrationClearUnknownColors, apply: clearUnknownColors},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Earlier canvases were larger; positions outside the current bounds are unreachable.
func pruneOutOfBoundsCells(db *gorm.DB) error {
	return db.
		Where("row_index < 0 OR row_index >= ? OR col_index < 0 OR col_index >= ?", grid.Rows, grid.Columns).
		Delete(&grid.Cell{}).Error
}

func clearUnknownColors(db *gorm.DB) error {
	return db.Model(&grid.Cell{}).
		Where("color_index IS NOT NULL AND (color_index < 0 OR color_index >= ?)", grid.ColorCount).
		Update("color_index", nil).Error
}
