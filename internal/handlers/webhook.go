package handlers

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"github.com/example/nexadevices/internal/services"
)

// WebhookHandler ingests asynchronous provider events.
type WebhookHandler struct {
	stripe        *services.StripeWebhookService
	clerk         *services.ClerkService
	webhookSecret string
}

// NewWebhookHandler constructs WebhookHandler.
func NewWebhookHandler(stripe *services.StripeWebhookService, clerk *services.ClerkService, webhookSecret string) *WebhookHandler {
	return &WebhookHandler{stripe: stripe, clerk: clerk, webhookSecret: webhookSecret}
}

// Stripe authenticates and dispatches a payment-provider event. The signature
// is checked before anything else; no state changes on a rejected payload.
// Unknown order references still answer 200 so the provider stops retrying;
// a processing failure answers 500 to trigger redelivery.
func (h *WebhookHandler) Stripe(c *fiber.Ctx) error {
	payload := c.Body()
	sigHeader := c.Get("Stripe-Signature")

	if sigHeader == "" {
		log.Warn().Msg("missing webhook signature header")
		return fiber.NewError(fiber.StatusBadRequest, "missing signature")
	}

	if err := services.VerifySignature(payload, sigHeader, h.webhookSecret, time.Now()); err != nil {
		log.Error().Err(err).Msg("webhook signature verification failed")
		return fiber.NewError(fiber.StatusBadRequest, "invalid signature")
	}

	event, err := services.ParseEvent(payload)
	if err != nil {
		log.Error().Err(err).Msg("invalid webhook payload")
		return fiber.NewError(fiber.StatusBadRequest, "invalid payload")
	}

	if err := h.stripe.HandleEvent(c.UserContext(), event); err != nil {
		log.Error().Err(err).Str("type", event.Type).Msg("webhook processing failed")
		return fiber.NewError(fiber.StatusInternalServerError, "processing failed")
	}

	return c.SendStatus(fiber.StatusOK)
}

type clerkWebhookRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Clerk syncs identity-provider user lifecycle events onto local users.
func (h *WebhookHandler) Clerk(c *fiber.Ctx) error {
	var req clerkWebhookRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	if req.Type == "" {
		return fiber.NewError(fiber.StatusBadRequest, "no event type found")
	}
	if len(req.Data) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "no data found")
	}

	var data services.ClerkUserData
	if err := json.Unmarshal(req.Data, &data); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid event data")
	}
	if data.ID == "" {
		return fiber.NewError(fiber.StatusBadRequest, "no user id found")
	}

	ctx := c.UserContext()
	var err error
	switch req.Type {
	case "user.created":
		err = h.clerk.SyncUserCreated(ctx, &data)
	case "user.updated":
		err = h.clerk.SyncUserUpdated(ctx, &data)
	case "user.deleted":
		err = h.clerk.SyncUserDeleted(ctx, data.ID)
	default:
		log.Info().Str("type", req.Type).Msg("unhandled identity webhook event")
	}
	if err != nil {
		log.Error().Err(err).Str("type", req.Type).Msg("identity webhook sync failed")
		return fiber.NewError(fiber.StatusInternalServerError, "sync failed")
	}

	return c.JSON(fiber.Map{"status": "success"})
}
