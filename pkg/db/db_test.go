package db

import (
	"path/filepath"
	"testing"

	"github.com/caesium-cloud/pigment/internal/models"
	"github.com/caesium-cloud/pigment/pkg/env"
	"github.com/stretchr/testify/suite"
)

type DBTestSuite struct {
	suite.Suite
}

func TestDBTestSuite(t *testing.T) {
	suite.Run(t, new(DBTestSuite))
}

func (s *DBTestSuite) TestOpenSQLiteAndMigrate() {
	gdb, err := Open(env.Environment{
		DatabaseType: "sqlite",
		DBPath:       filepath.Join(s.T().TempDir(), "pigment.db"),
	})
	s.Require().NoError(err)

	sqlDB, err := gdb.DB()
	s.Require().NoError(err)
	defer sqlDB.Close()

	s.Require().NoError(Migrate(gdb))
	s.True(gdb.Migrator().HasTable(&models.Generation{}))
	s.True(gdb.Migrator().HasTable(&models.Output{}))

	var fk int
	s.Require().NoError(gdb.Raw("PRAGMA foreign_keys").Scan(&fk).Error)
	s.Equal(1, fk)
}

func (s *DBTestSuite) TestOpenUnsupported() {
	_, err := Open(env.Environment{DatabaseType: "oracle"})
	s.Require().Error(err)
	s.Contains(err.Error(), "unsupported database type")
}
