package db

import (
	"fmt"
	"sync"

	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/env"
	"github.com/caesium-cloud/pigment/pkg/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	conn     *gorm.DB
	connOnce sync.Once
	connErr  error
)

// Connection returns the process-wide database handle,
// opening it on first use according to the environment.
func Connection() (*gorm.DB, error) {
	connOnce.Do(func() {
		conn, connErr = Open(env.Variables())
	})

	return conn, connErr
}

// Open connects to the database described by vars.
func Open(vars env.Environment) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	switch vars.DatabaseType {
	case "postgres":
		log.Info("connecting to postgres")
		return gorm.Open(postgres.Open(vars.DatabaseDSN), cfg)
	case "sqlite", "":
		log.Info("connecting to sqlite", "path", vars.DBPath)
		// foreign keys are off by default in sqlite; output rows rely on
		// the cascade from their generation.
		dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", vars.DBPath)
		return gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database type %q", vars.DatabaseType)
	}
}

// Migrate applies the schema for every persisted model.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(models.All...)
}
