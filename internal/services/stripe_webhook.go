package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/example/nexadevices/internal/models"
)

// signatureTolerance rejects replayed webhook payloads older than this.
const signatureTolerance = 5 * time.Minute

// EventKind is the closed set of provider events the reconciler acts on.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventPaymentSucceeded
	EventPaymentFailed
	EventChargeRefunded
)

// IntentPayload is the payment_intent object slice carried by intent events.
type IntentPayload struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

// ChargePayload is the charge object slice carried by charge events.
type ChargePayload struct {
	ID            string `json:"id"`
	PaymentIntent string `json:"payment_intent"`
}

// WebhookEvent is a provider event decoded once, after signature
// verification, into the payload its kind carries.
type WebhookEvent struct {
	Kind   EventKind
	Type   string
	Intent *IntentPayload
	Charge *ChargePayload
}

// VerifySignature authenticates a webhook payload against the provider
// signature header (t=<unix>,v1=<hex hmac-sha256 of "<t>.<payload>">).
func VerifySignature(payload []byte, header, secret string, now time.Time) error {
	if header == "" {
		return &SignatureError{Reason: "missing signature header"}
	}

	var timestamp int64
	var candidates []string

	for _, element := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(element), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			parsed, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return &SignatureError{Reason: "malformed timestamp"}
			}
			timestamp = parsed
		case "v1":
			candidates = append(candidates, parts[1])
		}
	}

	if timestamp == 0 || len(candidates) == 0 {
		return &SignatureError{Reason: "malformed signature header"}
	}

	age := now.Sub(time.Unix(timestamp, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return &SignatureError{Reason: "timestamp outside tolerance"}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, candidate := range candidates {
		if hmac.Equal([]byte(candidate), []byte(expected)) {
			return nil
		}
	}
	return &SignatureError{Reason: "signature mismatch"}
}

type rawEvent struct {
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a verified payload into a typed event. Unrecognized
// event types come back as EventUnknown with only Type populated.
func ParseEvent(payload []byte) (*WebhookEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	if raw.Type == "" {
		return nil, errors.New("event payload has no type")
	}

	event := &WebhookEvent{Type: raw.Type}

	switch raw.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var intent IntentPayload
		if err := json.Unmarshal(raw.Data.Object, &intent); err != nil {
			return nil, err
		}
		event.Intent = &intent
		if raw.Type == "payment_intent.succeeded" {
			event.Kind = EventPaymentSucceeded
		} else {
			event.Kind = EventPaymentFailed
		}
	case "charge.refunded":
		var charge ChargePayload
		if err := json.Unmarshal(raw.Data.Object, &charge); err != nil {
			return nil, err
		}
		event.Charge = &charge
		event.Kind = EventChargeRefunded
	default:
		event.Kind = EventUnknown
	}

	return event, nil
}

// StripeWebhookService reconciles provider events onto order state.
type StripeWebhookService struct {
	db *gorm.DB
}

// NewStripeWebhookService constructs StripeWebhookService.
func NewStripeWebhookService(db *gorm.DB) *StripeWebhookService {
	return &StripeWebhookService{db: db}
}

// HandleEvent applies a verified event to the matching order. An event that
// references an order the system does not know is logged and swallowed so
// the provider stops redelivering it; a storage failure propagates so the
// caller answers 500 and the provider retries.
func (s *StripeWebhookService) HandleEvent(ctx context.Context, event *WebhookEvent) error {
	switch event.Kind {
	case EventPaymentSucceeded:
		return s.updateByMetadata(ctx, event.Intent, map[string]any{
			"payment_status": models.PaymentStatusPaid,
			"status":         models.OrderStatusProcessing,
		})
	case EventPaymentFailed:
		return s.updateByMetadata(ctx, event.Intent, map[string]any{
			"payment_status": models.PaymentStatusFailed,
		})
	case EventChargeRefunded:
		return s.refund(ctx, event.Charge)
	default:
		log.Info().Str("type", event.Type).Msg("unhandled webhook event type")
		return nil
	}
}

func (s *StripeWebhookService) updateByMetadata(ctx context.Context, intent *IntentPayload, updates map[string]any) error {
	raw := intent.Metadata["order_id"]
	if raw == "" {
		log.Warn().Str("intent", intent.ID).Msg("no order_id in payment intent metadata")
		return nil
	}
	orderID, err := uuid.Parse(raw)
	if err != nil {
		log.Error().Str("order_id", raw).Str("intent", intent.ID).
			Msg("malformed order_id in payment intent metadata")
		return nil
	}

	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", orderID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		log.Error().Str("order_id", orderID.String()).Str("intent", intent.ID).
			Msg("order not found for payment intent event")
		return nil
	}

	log.Info().Str("order_id", orderID.String()).Str("intent", intent.ID).
		Msg("payment event reconciled")
	return nil
}

func (s *StripeWebhookService) refund(ctx context.Context, charge *ChargePayload) error {
	if charge.PaymentIntent == "" {
		log.Warn().Str("charge", charge.ID).Msg("refunded charge has no payment intent")
		return nil
	}

	result := s.db.WithContext(ctx).Model(&models.Order{}).
		Where("stripe_payment_intent = ?", charge.PaymentIntent).
		Updates(map[string]any{
			"payment_status": models.PaymentStatusRefunded,
			"status":         models.OrderStatusCancelled,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		log.Error().Str("intent", charge.PaymentIntent).
			Msg("order not found for refunded charge")
		return nil
	}

	log.Info().Str("intent", charge.PaymentIntent).Msg("refund reconciled")
	return nil
}
