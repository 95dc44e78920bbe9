package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/objectwire/objectwire/pkg/crypto"
)

// User holds login credentials. Clients a user has logged in through are
// recorded as authorized clients.
type User struct {
	ID           string    `gorm:"primaryKey;type:uuid" json:"id"`
	Username     string    `gorm:"uniqueIndex;not null" json:"username"`
	PasswordHash string    `gorm:"not null" json:"-"`
	Clients      []*Client `gorm:"many2many:client_users" json:"clients,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// SetPassword stores a bcrypt hash of the supplied password.
func (u *User) SetPassword(password string) error {
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

// VerifyPassword checks a candidate password against the stored hash.
func (u *User) VerifyPassword(password string) bool {
	return crypto.VerifyPassword(u.PasswordHash, password)
}
