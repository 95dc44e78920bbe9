package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Client is an application identity that may open sessions against the server.
type Client struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	Name       string    `gorm:"not null" json:"name"`
	Secret     string    `gorm:"not null" json:"-"`
	FirstParty bool      `json:"first_party"`
	Users      []*User   `gorm:"many2many:client_users" json:"users,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (c *Client) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}
