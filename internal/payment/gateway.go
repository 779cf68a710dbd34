package payment

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/paymentintent"
	"github.com/stripe/stripe-go/v79/refund"
)

// Intent is the gateway order reference handed back to the caller so it can
// complete the payment client-side.
type Intent struct {
	Ref          string
	ClientSecret string
}

// Gateway abstracts the external payment provider. The Stripe implementation
// is the production one; tests inject fakes.
type Gateway interface {
	CreateIntent(ctx context.Context, appointmentID uuid.UUID, amountMinor int64, currency string) (*Intent, error)
	Refund(ctx context.Context, paymentRef string, amountMinor int64) (string, error)
}

type stripeGateway struct{}

// NewStripeGateway configures the package-level Stripe client.
func NewStripeGateway(secretKey string) Gateway {
	stripe.Key = secretKey
	return &stripeGateway{}
}

func (g *stripeGateway) CreateIntent(ctx context.Context, appointmentID uuid.UUID, amountMinor int64, currency string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountMinor),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	// One intent per appointment: retries of this call must not mint a second
	// charge for the same booking.
	params.IdempotencyKey = stripe.String("appt-intent-" + appointmentID.String())
	params.AddMetadata("appointment_id", appointmentID.String())

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	return &Intent{Ref: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (g *stripeGateway) Refund(ctx context.Context, paymentRef string, amountMinor int64) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(paymentRef),
		Amount:        stripe.Int64(amountMinor),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String("appt-refund-" + paymentRef)

	r, err := refund.New(params)
	if err != nil {
		return "", fmt.Errorf("create refund: %w", err)
	}

	return r.ID, nil
}
