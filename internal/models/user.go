package models

import "time"

// User is the directory record used for sender identity resolution. Addresses
// are stored normalized (E.164 without the protocol suffix).
type User struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	Address   string    `json:"address"`
	FirstName string    `json:"first_name,omitempty"`
	LastName  string    `json:"last_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
