package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillMessageSeq   = "2026-09-01_backfill_room_message_seq"
	migrationClearStaleCountdowns = "2026-09-14_clear_stale_countdowns"
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
		{name: migrationBackfillMessageSeq, apply: backfillMessageSeq},
		{name: migrationClearStaleCountdowns, apply: clearStaleCountdowns},
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

// backfillMessageSeq raises each room's message counter to its highest stored
// sequence so new messages never reuse a number.
func backfillMessageSeq(db *gorm.DB) error {
	return db.Exec(`UPDATE race_rooms SET message_seq = (
		SELECT MAX(race_messages.seq) FROM race_messages WHERE race_messages.room_id = race_rooms.id
	) WHERE message_seq < (
		SELECT COALESCE(MAX(race_messages.seq), 0) FROM race_messages WHERE race_messages.room_id = race_rooms.id
	)`).Error
}

// clearStaleCountdowns drops countdown deadlines left on rooms that are no longer pending.
func clearStaleCountdowns(db *gorm.DB) error {
	return db.Model(&races.Room{}).
		Where("state <> ? AND countdown_ends_at IS NOT NULL", races.StatePending).
		Update("countdown_ends_at", nil).Error
}
