package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/example/nexadevices/internal/models"
	"github.com/example/nexadevices/internal/services"
)

const userContextKey = "currentUser"

// AuthMiddleware verifies the bearer token with the identity provider and
// loads the authenticated user into context.
func AuthMiddleware(clerk *services.ClerkService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
		}

		user, err := clerk.Authenticate(c.UserContext(), parts[1])
		if err != nil {
			if errors.Is(err, services.ErrAuthUnavailable) {
				return fiber.NewError(fiber.StatusServiceUnavailable, "authentication service unavailable")
			}
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(userContextKey, user)
		return c.Next()
	}
}

// GetCurrentUser extracts the authenticated user from context.
func GetCurrentUser(c *fiber.Ctx) (*models.User, bool) {
	value := c.Locals(userContextKey)
	if value == nil {
		return nil, false
	}

	if user, ok := value.(*models.User); ok {
		return user, true
	}
	return nil, false
}

// GetCurrentUserID extracts the authenticated user ID from context.
func GetCurrentUserID(c *fiber.Ctx) (uuid.UUID, bool) {
	user, ok := GetCurrentUser(c)
	if !ok {
		return uuid.Nil, false
	}
	return user.ID, true
}
