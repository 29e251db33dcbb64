package auth

import "time"

// User is an account row. The password hash never leaves this package.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Profile is the public identity attached to a user, including the
// home cell the feed resolver works from.
type Profile struct {
	UserID          string    `json:"user_id"`
	DisplayName     string    `json:"display_name"`
	HomeIndex       *string   `json:"home_h3_index"`
	NearbyIndexes   []string  `json:"nearby_h3_indexes"`
	HomeLat         *float64  `json:"home_lat,omitempty"`
	HomeLng         *float64  `json:"home_lng,omitempty"`
	IsStaff         bool      `json:"is_staff"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TokenPair is what login, register and refresh hand back to clients.
type TokenPair struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}
