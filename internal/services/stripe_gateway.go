package services

import (
	"context"
	"errors"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
)

// PaymentIntent is the slice of the provider intent the checkout flow needs.
type PaymentIntent struct {
	ID           string
	ClientSecret string
}

// PaymentGateway opens payment intents with an external provider.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*PaymentIntent, error)
}

// StripeGateway implements PaymentGateway against the Stripe API.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway builds a gateway bound to the given secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

// CreateIntent opens a payment intent for the given minor-unit amount.
func (g *StripeGateway) CreateIntent(ctx context.Context, amountMinor int64, currency string, metadata map[string]string) (*PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
	}
	params.Context = ctx
	for key, value := range metadata {
		params.AddMetadata(key, value)
	}

	intent, err := g.api.PaymentIntents.New(params)
	if err != nil {
		msg := err.Error()
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Msg != "" {
			msg = stripeErr.Msg
		}
		return nil, &GatewayError{Message: msg, Err: err}
	}

	return &PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}
