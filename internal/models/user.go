package models

import "time"

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is what the coordinator knows about a caller.
type Identity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (u *User) Identity() Identity {
	return Identity{UserID: u.ID, DisplayName: u.DisplayName}
}

type RegisterRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=6,max=72"`
	DisplayName string `json:"display_name" validate:"required,min=2,max=50"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	Token     string `json:"access_token"`
	TokenType string `json:"token_type"`
	User      User   `json:"user"`
}
