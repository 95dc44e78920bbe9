package database

import (
	"gorm.io/gorm"

	"github.com/objectwire/objectwire/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Record{},
		&models.Client{},
		&models.User{},
		&models.Session{},
	)
}
