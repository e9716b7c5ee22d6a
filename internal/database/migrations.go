package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/l2hub/internal/ledger"
	"github.com/MarcoPoloResearchLab/l2hub/internal/registry"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRecountVoteTallies = "2024-06-01_recount_vote_tallies"
	migrationSyncDisplayCounts  = "2024-06-01_sync_display_vote_counts"
	migrationEpochScopedCap     = "2024-07-01_epoch_scoped_daily_cap"

	legacyUserDayIndex = "idx_vote_records_user_day"
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
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRecountVoteTallies, apply: recountVoteTallies},
		{name: migrationSyncDisplayCounts, apply: syncDisplayVoteCounts},
		{name: migrationEpochScopedCap, apply: dropLegacyUserDayIndex},
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
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

func recountVoteTallies(db *gorm.DB, logger *zap.Logger) error {
	corrected, err := ledger.Recount(db)
	if err != nil {
		return err
	}
	for _, discrepancy := range corrected {
		logger.Warn("vote tally corrected",
			zap.String("server_id", discrepancy.ServerID),
			zap.Int64("cached", discrepancy.Cached),
			zap.Int64("counted", discrepancy.Counted))
	}
	return nil
}

// syncDisplayVoteCounts copies the ledger totals onto the registry display counts.
func syncDisplayVoteCounts(db *gorm.DB, _ *zap.Logger) error {
	return db.Transaction(func(tx *gorm.DB) error {
		var tallies []ledger.VoteTally
		if err := tx.Find(&tallies).Error; err != nil {
			return err
		}
		for _, tally := range tallies {
			if err := tx.Model(&registry.Server{}).
				Where("server_id = ?", tally.ServerID).
				Update("votes", tally.Total).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// dropLegacyUserDayIndex removes the cross-epoch (user_id, day) unique index; the cap is now
// enforced per epoch by idx_vote_records_epoch_user_day.
func dropLegacyUserDayIndex(db *gorm.DB, logger *zap.Logger) error {
	migrator := db.Migrator()
	if !migrator.HasIndex(&ledger.VoteRecord{}, legacyUserDayIndex) {
		return nil
	}
	if err := migrator.DropIndex(&ledger.VoteRecord{}, legacyUserDayIndex); err != nil {
		return err
	}
	logger.Info("legacy vote index dropped", zap.String("index", legacyUserDayIndex))
	return nil
}
