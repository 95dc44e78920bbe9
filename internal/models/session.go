package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Session binds an opaque bearer token to a client and, when the login carried
// user credentials, a user. Only LastUsedAt mutates after creation.
type Session struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	Token      string    `gorm:"uniqueIndex;not null" json:"-"`
	ClientID   string    `gorm:"type:uuid;not null;index" json:"client_id"`
	Client     *Client   `gorm:"foreignKey:ClientID" json:"client,omitempty"`
	UserID     *string   `gorm:"type:uuid;index" json:"user_id,omitempty"`
	User       *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

func (s *Session) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// Authenticated reports whether the session carries a user identity.
func (s *Session) Authenticated() bool {
	return s != nil && s.UserID != nil && *s.UserID != ""
}
