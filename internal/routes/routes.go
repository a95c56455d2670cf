package routes

import (
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/example/nexadevices/internal/config"
	"github.com/example/nexadevices/internal/handlers"
	"github.com/example/nexadevices/internal/middleware"
	"github.com/example/nexadevices/internal/services"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, db *gorm.DB, cfg *config.Config, checkoutService *services.CheckoutService) {
	clerkService := services.NewClerkService(db, cfg.ClerkAPIURL, cfg.ClerkSecretKey, cfg.AuthCacheTTL)
	stripeWebhookService := services.NewStripeWebhookService(db)

	catalogHandler := handlers.NewCatalogHandler(db)
	orderHandler := handlers.NewOrderHandler(checkoutService)
	addressHandler := handlers.NewAddressHandler(db)
	webhookHandler := handlers.NewWebhookHandler(stripeWebhookService, clerkService, cfg.StripeWebhookSecret)
	healthHandler := handlers.NewHealthHandler(db)

	api := app.Group("/api")

	// Public catalog
	categories := api.Group("/categories")
	categories.Get("/", catalogHandler.ListCategories)
	categories.Get("/:slug", catalogHandler.GetCategory)

	products := api.Group("/products")
	products.Get("/", catalogHandler.ListProducts)
	products.Get("/featured", catalogHandler.FeaturedProducts)
	products.Get("/:slug", catalogHandler.GetProduct)
	products.Get("/:slug/reviews", catalogHandler.ListReviews)

	// Webhooks (authenticated by their own signatures, not bearer tokens)
	webhooks := api.Group("/webhooks")
	webhooks.Post("/stripe", webhookHandler.Stripe)
	webhooks.Post("/clerk", webhookHandler.Clerk)

	// Protected routes
	protected := api.Group("", middleware.AuthMiddleware(clerkService))

	protected.Post("/orders", orderHandler.CreateOrder)
	protected.Get("/orders", orderHandler.ListOrders)
	protected.Get("/orders/:id", orderHandler.GetOrder)

	protected.Post("/products/:slug/reviews", catalogHandler.CreateReview)

	protected.Get("/addresses", addressHandler.ListAddresses)
	protected.Post("/addresses", addressHandler.CreateAddress)
	protected.Put("/addresses/:id", addressHandler.UpdateAddress)
	protected.Delete("/addresses/:id", addressHandler.DeleteAddress)

	// Health probes
	health := app.Group("/health")
	health.Get("/", healthHandler.Check)
	health.Get("/db", healthHandler.DatabaseCheck)
}
