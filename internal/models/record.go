package models

import (
	"time"

	"gorm.io/datatypes"
)

// Record is the persisted form of one resource instance. Attribute and
// relationship values live in the Data document; dates are stored as RFC3339
// strings, to-one relationships as an integer ID and to-many relationships as
// an array of integer IDs.
type Record struct {
	ID         uint              `gorm:"primaryKey" json:"-"`
	EntityName string            `gorm:"not null;uniqueIndex:idx_records_identity;index" json:"entity_name"`
	ResourceID int64             `gorm:"not null;uniqueIndex:idx_records_identity" json:"resource_id"`
	Data       datatypes.JSONMap `gorm:"not null" json:"data"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}
