package main

import "time"

const (
	minPasswordLength = 8
	maxPasswordLength = 128
)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type passwordChangeRequest struct {
	Email           string `json:"email"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// authResponse is returned by register, login and refresh. Tokens travel in
// cookies; the body only carries their lifetimes in seconds.
type authResponse struct {
	Detail           string `json:"detail"`
	AccessExpiresIn  int64  `json:"access_expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
}

type detailResponse struct {
	Detail string `json:"detail"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	IsActive    bool      `json:"is_active"`
	IsSuperuser bool      `json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
}

type validateResponse struct {
	Valid   bool   `json:"valid"`
	Subject string `json:"sub"`
}

type revokeAllResponse struct {
	Detail  string `json:"detail"`
	Revoked int64  `json:"revoked"`
}
