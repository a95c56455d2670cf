package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/nexadevices/internal/config"
	"github.com/example/nexadevices/internal/database"
	"github.com/example/nexadevices/internal/routes"
	"github.com/example/nexadevices/internal/services"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg := config.Load()
	db := database.Connect(cfg.DatabaseURL)

	gateway := services.NewStripeGateway(cfg.StripeSecretKey)
	checkout := services.NewCheckoutService(db, gateway)

	app := fiber.New(fiber.Config{
		AppName:      "NexaDevices Backend",
		ErrorHandler: errorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New())

	routes.Register(app, db, cfg, checkout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go checkout.RunSweep(ctx, cfg.SweepInterval, cfg.PendingOrderMaxAge)

	log.Info().Str("port", cfg.AppPort).Msg("starting server")
	if err := app.Listen(":" + cfg.AppPort); err != nil {
		log.Fatal().Err(err).Msg("fiber.Listen error")
	}
}

// errorHandler shapes every error as {"error": "..."} with its status code.
func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	}

	return c.Status(code).JSON(fiber.Map{"error": message})
}
