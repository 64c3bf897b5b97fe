package database

import (
	"github.com/junfuture1103/kAFL/config"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// NewDBConnection opens the campaign database. The database is optional for a
// worker: without DATABASE_URL a nil handle is returned and crashes are only
// kept on disk.
func NewDBConnection(appConfig *config.AppConfig, logger *zap.Logger) *gorm.DB {
	connectionString := appConfig.DatabaseURL
	if connectionString == "" {
		logger.Info("DATABASE_URL not set, crash records stay on disk only")
		return nil
	}
	db, err := gorm.Open(postgres.Open(connectionString), &gorm.Config{})
	if err != nil {
		logger.Fatal("failed to connect database", zap.Error(err))
	}
	logger.Debug("connected to database")
	return db
}
