package storage

import (
	"github.com/tphan267/guggleweed-client/pkg/storage/repositories"
	"gorm.io/gorm"
)

// Storage is the database storage interface
type Storage interface {
	// DB returns the underlying GORM database instance
	DB() *gorm.DB

	JournalRepo() *repositories.JournalRepository

	Close() error
}
