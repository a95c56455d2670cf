package models

import "github.com/google/uuid"

// User represents a customer synced from the identity provider.
type User struct {
	BaseModel
	ClerkID   string    `gorm:"uniqueIndex" json:"clerk_id"`
	Username  string    `gorm:"uniqueIndex" json:"username"`
	Email     string    `gorm:"index" json:"email"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Avatar    string    `json:"avatar"`
	Addresses []Address `json:"addresses,omitempty"`
	Orders    []Order   `json:"orders,omitempty"`
	Reviews   []Review  `json:"reviews,omitempty"`
}

// Address is a shipping destination owned by a user.
type Address struct {
	BaseModel
	UserID     uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	Label      string    `json:"label"`
	FullName   string    `json:"full_name"`
	Street     string    `json:"street"`
	City       string    `json:"city"`
	State      string    `json:"state"`
	PostalCode string    `json:"postal_code"`
	Country    string    `json:"country"`
	Phone      string    `json:"phone"`
	IsDefault  bool      `json:"is_default"`
}
