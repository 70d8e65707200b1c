package testutil

import (
	"testing"
	"time"

	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// OpenTestDB returns an in-memory sqlite DB with migrations applied. The
// pool is pinned to one connection so concurrent writers queue instead of
// tripping shared-cache table locks.
func OpenTestDB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		tb.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(models.All...); err != nil {
		tb.Fatalf("migrate: %v", err)
	}

	tb.Cleanup(func() {
		CloseDB(db)
	})

	return db
}

// CloseDB closes the underlying sql.DB if available.
func CloseDB(db *gorm.DB) {
	if db == nil {
		return
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// AssertCount asserts a count for the provided model using the supplied DB.
func AssertCount(tb testing.TB, db *gorm.DB, model any, expected int64) {
	tb.Helper()

	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		tb.Fatalf("count: %v", err)
	}
	if count != expected {
		tb.Fatalf("expected %d records, got %d", expected, count)
	}
}

// NewGeneration builds an unsaved queued generation with one URL input.
func NewGeneration(slot string) *models.Generation {
	return &models.Generation{
		ID:         uuid.New(),
		ProviderID: "mock",
		Slot:       slot,
		Status:     models.StatusQueued,
		Prompt:     "a red cube",
		InputSources: datatypes.JSONSlice[models.InputReference]{
			{Type: models.InputURL, Value: "https://example.com/in.png"},
		},
		RequestOptions: datatypes.JSONMap{"numImages": 1, "maxImages": 1},
		CreatedAt:      time.Now().UTC(),
	}
}
