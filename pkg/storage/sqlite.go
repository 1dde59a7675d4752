package storage

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/tphan267/guggleweed-client/pkg/logger"
	"github.com/tphan267/guggleweed-client/pkg/storage/repositories"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// SQLiteStorage implements Storage interface using SQLite
type SQLiteStorage struct {
	db     *gorm.DB
	logger *logger.Logger

	journalRepo *repositories.JournalRepository
}

// NewSQLiteStorage opens the journal database. ":memory:" keeps the journal
// inside the process.
func NewSQLiteStorage(dbPath string, appLogger *logger.Logger) (Storage, error) {
	if appLogger == nil {
		appLogger = logger.Discard()
	}
	gormLogger := gormlogger.Default.LogMode(gormlogger.Silent)

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every pooled connection to :memory: would get its own database
	if dbPath == ":memory:" {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	appLogger.Info("SQLite database opened: %s", dbPath)

	return &SQLiteStorage{
		db:          db,
		logger:      appLogger,
		journalRepo: repositories.NewJournalRepository(db),
	}, nil
}

// DB returns the underlying GORM database instance
func (s *SQLiteStorage) DB() *gorm.DB {
	return s.db
}

// JournalRepo returns the chat and notification journal
func (s *SQLiteStorage) JournalRepo() *repositories.JournalRepository {
	return s.journalRepo
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.logger.Info("SQLite database closed")
	return nil
}
