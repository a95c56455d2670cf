package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// HealthHandler exposes liveness and dependency probes.
type HealthHandler struct {
	db *gorm.DB
}

// NewHealthHandler constructs HealthHandler.
func NewHealthHandler(db *gorm.DB) *HealthHandler {
	return &HealthHandler{db: db}
}

// Check reports that the process is up.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "nexadevices-backend",
	})
}

// DatabaseCheck probes database connectivity.
func (h *HealthHandler) DatabaseCheck(c *fiber.Ctx) error {
	if err := h.db.WithContext(c.UserContext()).Exec("SELECT 1").Error; err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     err.Error(),
			"timestamp": time.Now().Unix(),
		})
	}

	return c.JSON(fiber.Map{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().Unix(),
	})
}
