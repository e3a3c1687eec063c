package domain

import (
	"errors"
	"time"
)

var ErrUserNotFound = errors.New("user_not_found")

// User mirrors the account record owned by the external identity provider.
// IDs are the provider's UUIDs, not locally minted.
type User struct {
	ID          string `gorm:"primaryKey;type:uuid"`
	Email       string `gorm:"index"`
	FullName    string
	Phone       string
	CompanyName string

	// Gateway customer identifier, learned from the first webhook or
	// checkout that carries one.
	CustomerUID string `gorm:"index"`

	Plan string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (User) TableName() string { return "users" }
