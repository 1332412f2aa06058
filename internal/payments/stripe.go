package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	ProviderStripe = "stripe"

	StripeSignatureHeader = "Stripe-Signature"

	stripeSessionLifetime = 30 * time.Minute
)

type stripeCheckoutSession struct {
	ID              string            `json:"id"`
	AmountTotal     int64             `json:"amount_total"`
	Currency        string            `json:"currency"`
	ClientReference string            `json:"client_reference_id"`
	Customer        string            `json:"customer"`
	PaymentStatus   string            `json:"payment_status"`
	Metadata        map[string]string `json:"metadata"`
}

type StripeProvider struct {
	secret    string
	api       *stripe.Client
	returnURL string
}

func NewStripeProvider(webhookSecret string) *StripeProvider {
	return &StripeProvider{secret: webhookSecret}
}

// WithCheckout enables Create and Poll through the Checkout Sessions API.
// apiURL overrides the Stripe endpoint and is empty in production. Retries
// are left to the caller so a request never outlives its context.
func (p *StripeProvider) WithCheckout(apiKey, returnURL, apiURL string) *StripeProvider {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: 10 * time.Second},
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if apiURL != "" {
		cfg.URL = stripe.String(apiURL)
	}
	p.api = stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(cfg)))
	p.returnURL = returnURL
	return p
}

func (p *StripeProvider) Name() string { return ProviderStripe }

func (p *StripeProvider) APIEnabled() bool { return p.api != nil }

func (p *StripeProvider) Verify(raw RawPayload) (VerifiedPayload, error) {
	sig := raw.Header.Get(StripeSignatureHeader)
	if strings.TrimSpace(sig) == "" {
		return VerifiedPayload{}, types.NewAuthenticityError(ProviderStripe, "missing signature")
	}
	if _, err := webhook.ConstructEventWithOptions(raw.Body, sig, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		return VerifiedPayload{}, &types.AuthenticityError{Provider: ProviderStripe, Reason: "invalid signature", Err: err}
	}
	return VerifiedPayload{Provider: ProviderStripe, Body: raw.Body}, nil
}

func (p *StripeProvider) Normalize(v VerifiedPayload) (types.PaymentEvent, error) {
	var event stripe.Event
	if err := json.Unmarshal(v.Body, &event); err != nil {
		return types.PaymentEvent{}, &types.AuthenticityError{Provider: ProviderStripe, Reason: "invalid event", Err: err}
	}
	if event.Data == nil {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderStripe, "event without data")
	}

	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return types.PaymentEvent{}, &types.AuthenticityError{Provider: ProviderStripe, Reason: "invalid checkout session", Err: err}
	}

	var status types.PaymentStatus
	switch event.Type {
	case "checkout.session.completed":
		status = types.PaymentPending
		if session.PaymentStatus == "paid" || session.PaymentStatus == "no_payment_required" {
			status = types.PaymentConfirmed
		}
	case "checkout.session.async_payment_succeeded":
		status = types.PaymentConfirmed
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		status = types.PaymentFailed
	default:
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderStripe, "unhandled event type "+string(event.Type))
	}

	// The session id is the transaction key so the async follow-ups finalize
	// the row written by checkout.session.completed.
	return types.PaymentEvent{
		Provider:      ProviderStripe,
		TransactionID: session.ID,
		Amount:        session.AmountTotal,
		Currency:      strings.ToUpper(session.Currency),
		SubscriberID:  strings.TrimSpace(session.ClientReference),
		PlanID:        strings.TrimSpace(session.Metadata["plan_id"]),
		Status:        status,
		PayerRef:      session.Customer,
	}, nil
}

var errStripeCheckoutDisabled = errors.New("stripe api key not configured")

// Create opens a Checkout Session. The session id is the transaction id the
// webhooks carry, and the nonce makes a retried create return the same one.
func (p *StripeProvider) Create(ctx context.Context, o Order) (Checkout, error) {
	if p.api == nil {
		return Checkout{}, errStripeCheckoutDisabled
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(o.SubscriberID),
		Metadata:          map[string]string{"plan_id": o.Plan.ID},
		SuccessURL:        stripe.String(p.returnURL),
		CancelURL:         stripe.String(p.returnURL),
		ExpiresAt:         stripe.Int64(time.Now().Add(stripeSessionLifetime).Unix()),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionCreateLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(o.Plan.Currency)),
				UnitAmount: stripe.Int64(o.Plan.PriceMinor),
				ProductData: &stripe.CheckoutSessionCreateLineItemPriceDataProductDataParams{
					Name: stripe.String(o.Plan.Name),
				},
			},
		}},
	}
	if o.Nonce != "" {
		params.SetIdempotencyKey("checkout-" + o.Nonce)
	}
	sess, err := p.api.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return Checkout{}, fmt.Errorf("stripe create session: %w", err)
	}
	return Checkout{
		Provider:      ProviderStripe,
		URL:           sess.URL,
		TransactionID: sess.ID,
		Amount:        o.Plan.PriceMinor,
		Currency:      strings.ToUpper(o.Plan.Currency),
	}, nil
}

// Poll retrieves the session and wraps it in the event its current status
// would have produced. An open session stays pending; an expired one failed.
func (p *StripeProvider) Poll(ctx context.Context, transactionID string) (VerifiedPayload, error) {
	if p.api == nil {
		return VerifiedPayload{}, errStripeCheckoutDisabled
	}
	sess, err := p.api.V1CheckoutSessions.Retrieve(ctx, transactionID, nil)
	if err != nil {
		return VerifiedPayload{}, fmt.Errorf("stripe retrieve session: %w", err)
	}
	if sess.LastResponse == nil || len(sess.LastResponse.RawJSON) == 0 {
		return VerifiedPayload{}, errors.New("stripe retrieve session: empty response")
	}
	eventType := "checkout.session.completed"
	if sess.Status == stripe.CheckoutSessionStatusExpired {
		eventType = "checkout.session.expired"
	}
	body, err := json.Marshal(map[string]any{
		"type": eventType,
		"data": map[string]json.RawMessage{"object": sess.LastResponse.RawJSON},
	})
	if err != nil {
		return VerifiedPayload{}, err
	}
	return VerifiedPayload{Provider: ProviderStripe, Body: body}, nil
}
