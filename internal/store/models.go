package store

import "time"

// User represents a principal in the system
type User struct {
	ID           string
	Email        string
	PasswordHash string
	Active       bool
	Superuser    bool
	CreatedAt    time.Time
}

// RefreshRecord tracks one issued refresh token identity.
// RevokedAt is write-once.
type RefreshRecord struct {
	JTI          string
	UserID       string
	IssuedAt     time.Time
	ExpiresAt    time.Time
	RevokedAt    *time.Time
	RevokeReason *string
	IP           *string
	UserAgent    *string
}

// Revoked reports whether the record has been revoked.
func (r *RefreshRecord) Revoked() bool { return r.RevokedAt != nil }

// Usable reports whether the record can still be rotated at now.
func (r *RefreshRecord) Usable(now time.Time) bool {
	return r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

func (r RefreshRecord) clone() *RefreshRecord {
	out := r
	if r.RevokedAt != nil {
		t := *r.RevokedAt
		out.RevokedAt = &t
	}
	out.RevokeReason = cloneString(r.RevokeReason)
	out.IP = cloneString(r.IP)
	out.UserAgent = cloneString(r.UserAgent)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns nil for an empty string and a pointer otherwise.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
