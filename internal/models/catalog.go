package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Category struct {
	BaseModel
	Name         string    `json:"name"`
	Slug         string    `gorm:"uniqueIndex" json:"slug"`
	Description  string    `json:"description"`
	Image        string    `json:"image"`
	// Computed from active products at read time, never stored.
	ProductCount int       `gorm:"-" json:"product_count"`
	Products     []Product `json:"products,omitempty"`
}

type Product struct {
	BaseModel
	Slug           string          `gorm:"uniqueIndex" json:"slug"`
	Name           string          `json:"name"`
	SKU            string          `gorm:"uniqueIndex" json:"sku"`
	Description    string          `json:"description"`
	Specifications string          `json:"specifications"`
	Price          decimal.Decimal `gorm:"type:decimal(10,2)" json:"price"`
	Stock          int             `json:"stock"`
	Featured       bool            `json:"featured"`
	IsActive       bool            `gorm:"default:true" json:"is_active"`
	RatingAverage  float64         `json:"rating_average"`
	RatingCount    int             `json:"rating_count"`
	CategoryID     *uuid.UUID      `gorm:"type:uuid" json:"category_id"`
	Category       *Category       `json:"category,omitempty"`
	Images         []ProductImage  `json:"images,omitempty"`
	Reviews        []Review        `json:"reviews,omitempty"`
}

type ProductImage struct {
	BaseModel
	ProductID    uuid.UUID `gorm:"type:uuid;index" json:"product_id"`
	URL          string    `json:"url"`
	AltText      string    `json:"alt_text"`
	IsPrimary    bool      `json:"is_primary"`
	DisplayOrder int       `json:"display_order"`
}

// Review holds one rating per user per product.
type Review struct {
	BaseModel
	ProductID uuid.UUID `gorm:"type:uuid;index:idx_reviews_product_user,unique" json:"product_id"`
	UserID    uuid.UUID `gorm:"type:uuid;index:idx_reviews_product_user,unique" json:"user_id"`
	User      *User     `json:"user,omitempty"`
	Rating    int       `json:"rating"`
	Comment   string    `json:"comment"`
}
