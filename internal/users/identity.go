package users

import (
	"strings"
)

// User is a registered identity. The id and username are stable once issued.
type User struct {
	ID             string `gorm:"column:id;primaryKey;size:64;not null"`
	Username       string `gorm:"column:username;size:50;not null;uniqueIndex"`
	Email          string `gorm:"column:email;size:255;not null;uniqueIndex"`
	PasswordHash   string `gorm:"column:password_hash;type:text;not null"`
	CreatedAtMilli int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing identities.
func (User) TableName() string {
	return "users"
}

// normalize value helper used across service implementation.
func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeEmail(value string) string {
	return strings.ToLower(normalize(value))
}
