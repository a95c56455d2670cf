package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/nexadevices/internal/middleware"
	"github.com/example/nexadevices/internal/models"
	"github.com/example/nexadevices/internal/utils"
)

// CatalogHandler serves the public category and product surface.
type CatalogHandler struct {
	db *gorm.DB
}

// NewCatalogHandler constructs CatalogHandler.
func NewCatalogHandler(db *gorm.DB) *CatalogHandler {
	return &CatalogHandler{db: db}
}

// ListCategories returns all categories with their active product counts.
func (h *CatalogHandler) ListCategories(c *fiber.Ctx) error {
	var categories []models.Category
	if err := h.db.Order("name asc").Find(&categories).Error; err != nil {
		return err
	}

	counts, err := h.productCounts()
	if err != nil {
		return err
	}
	for i := range categories {
		categories[i].ProductCount = counts[categories[i].ID]
	}

	return c.JSON(fiber.Map{"data": categories})
}

// GetCategory returns a single category by slug.
func (h *CatalogHandler) GetCategory(c *fiber.Ctx) error {
	var category models.Category
	if err := h.db.First(&category, "slug = ?", c.Params("slug")).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "category not found")
		}
		return err
	}

	var count int64
	if err := h.db.Model(&models.Product{}).
		Where("category_id = ? AND is_active = ?", category.ID, true).
		Count(&count).Error; err != nil {
		return err
	}
	category.ProductCount = int(count)

	return c.JSON(category)
}

func (h *CatalogHandler) productCounts() (map[uuid.UUID]int, error) {
	var rows []struct {
		CategoryID uuid.UUID
		Count      int
	}
	if err := h.db.Model(&models.Product{}).
		Select("category_id, COUNT(*) as count").
		Where("is_active = ? AND category_id IS NOT NULL", true).
		Group("category_id").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[uuid.UUID]int, len(rows))
	for _, row := range rows {
		counts[row.CategoryID] = row.Count
	}
	return counts, nil
}

var productOrderings = map[string]string{
	"price":       "price asc",
	"-price":      "price desc",
	"name":        "name asc",
	"-name":       "name desc",
	"created_at":  "created_at asc",
	"-created_at": "created_at desc",
}

// ListProducts returns active products with catalog filters applied.
func (h *CatalogHandler) ListProducts(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	query := h.db.Model(&models.Product{}).Where("is_active = ?", true)

	if slug := c.Query("category"); slug != "" {
		query = query.Joins("JOIN categories ON categories.id = products.category_id").
			Where("categories.slug = ?", slug)
	}
	if q := c.Query("search"); q != "" {
		pattern := "%" + q + "%"
		query = query.Where("products.name ILIKE ? OR products.description ILIKE ?", pattern, pattern)
	}
	if min := c.Query("min_price"); min != "" {
		query = query.Where("price >= ?", min)
	}
	if max := c.Query("max_price"); max != "" {
		query = query.Where("price <= ?", max)
	}
	if c.Query("in_stock") == "true" {
		query = query.Where("stock > 0")
	}
	if c.Query("featured") == "true" {
		query = query.Where("featured = ?", true)
	}

	ordering := "created_at desc"
	if requested, ok := productOrderings[c.Query("ordering")]; ok {
		ordering = requested
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return err
	}

	var products []models.Product
	if err := query.Preload("Images").Preload("Category").
		Order(ordering).
		Limit(pg.Limit).Offset(pg.Offset).
		Find(&products).Error; err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"data": products,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// FeaturedProducts returns up to eight featured products.
func (h *CatalogHandler) FeaturedProducts(c *fiber.Ctx) error {
	var products []models.Product
	if err := h.db.Preload("Images").
		Where("is_active = ? AND featured = ?", true, true).
		Order("created_at desc").
		Limit(8).
		Find(&products).Error; err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": products})
}

// GetProduct returns a single active product by slug.
func (h *CatalogHandler) GetProduct(c *fiber.Ctx) error {
	var product models.Product
	if err := h.db.Preload("Images").Preload("Category").
		Preload("Reviews").Preload("Reviews.User").
		First(&product, "slug = ? AND is_active = ?", c.Params("slug"), true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fiber.NewError(fiber.StatusNotFound, "product not found")
		}
		return err
	}
	return c.JSON(product)
}

// ListReviews returns reviews for a product.
func (h *CatalogHandler) ListReviews(c *fiber.Ctx) error {
	product, err := h.findProduct(c.Params("slug"))
	if err != nil {
		return err
	}

	var reviews []models.Review
	if err := h.db.Preload("User").
		Where("product_id = ?", product.ID).
		Order("created_at desc").
		Find(&reviews).Error; err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": reviews})
}

type createReviewRequest struct {
	Rating  int    `json:"rating"`
	Comment string `json:"comment"`
}

// CreateReview adds the authenticated user's review, one per product, and
// refreshes the product's rating aggregates.
func (h *CatalogHandler) CreateReview(c *fiber.Ctx) error {
	userID, ok := middleware.GetCurrentUserID(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	product, err := h.findProduct(c.Params("slug"))
	if err != nil {
		return err
	}

	var req createReviewRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Rating < 1 || req.Rating > 5 {
		return fiber.NewError(fiber.StatusBadRequest, "rating must be between 1 and 5")
	}

	var existing int64
	if err := h.db.Model(&models.Review{}).
		Where("product_id = ? AND user_id = ?", product.ID, userID).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return fiber.NewError(fiber.StatusBadRequest, "you have already reviewed this product")
	}

	review := models.Review{
		ProductID: product.ID,
		UserID:    userID,
		Rating:    req.Rating,
		Comment:   req.Comment,
	}

	if err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&review).Error; err != nil {
			return err
		}

		var stats struct {
			Avg   float64
			Count int64
		}
		if err := tx.Model(&models.Review{}).
			Select("AVG(rating) as avg, COUNT(*) as count").
			Where("product_id = ?", product.ID).
			Scan(&stats).Error; err != nil {
			return err
		}

		return tx.Model(&models.Product{}).
			Where("id = ?", product.ID).
			Updates(map[string]any{
				"rating_average": stats.Avg,
				"rating_count":   stats.Count,
			}).Error
	}); err != nil {
		return err
	}

	return c.Status(fiber.StatusCreated).JSON(review)
}

func (h *CatalogHandler) findProduct(slug string) (*models.Product, error) {
	var product models.Product
	if err := h.db.First(&product, "slug = ? AND is_active = ?", slug, true).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.NewError(fiber.StatusNotFound, "product not found")
		}
		return nil, err
	}
	return &product, nil
}
