package auth

import "time"

type Role string

const (
	// RoleAdmin may mount bases and read or write keys.
	RoleAdmin Role = "admin"
	// RoleVendor may only exchange backup frames.
	RoleVendor Role = "vendor"
)

// Claims is what the bridge keeps from a verified token.
type Claims struct {
	Principal string    `json:"principal"`
	Roles     []Role    `json:"roles"`
	TokenID   string    `json:"token_id"`
	Expires   time.Time `json:"expires"`
}

func (c *Claims) Has(role Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type LoginRequest struct {
	Principal string `json:"principal"`
	Password  string `json:"password"`
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}
