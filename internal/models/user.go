package models

import (
	"time"

	"github.com/google/uuid"
)

// User roles.
const (
	RoleTeacher = "teacher"
	RoleStudent = "student"
)

// User is a platform account.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}
