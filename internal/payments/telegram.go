package payments

import (
	"crypto/subtle"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot/models"
)

const (
	ProviderTelegram = "telegram"

	// TelegramSecretHeader carries the webhook secret set with setWebhook.
	TelegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

	invoicePayloadPrefix = "plan:"
)

// InvoicePayload is the payload attached to a Telegram invoice for a plan.
func InvoicePayload(planID string) string {
	return invoicePayloadPrefix + planID
}

// PlanFromInvoicePayload extracts the plan id from an invoice payload.
func PlanFromInvoicePayload(payload string) (string, bool) {
	payload = strings.TrimSpace(payload)
	if !strings.HasPrefix(payload, invoicePayloadPrefix) {
		return "", false
	}
	planID := strings.TrimPrefix(payload, invoicePayloadPrefix)
	return planID, planID != ""
}

// TelegramProvider handles successful_payment updates from Telegram Payments.
// Updates pulled by the bot arrive over the authenticated Bot API and go
// through Event. Updates pushed to the HTTP webhook must carry the secret
// token, so an empty secret rejects every webhook request.
type TelegramProvider struct {
	secret string
}

func NewTelegramProvider(secret string) *TelegramProvider {
	return &TelegramProvider{secret: strings.TrimSpace(secret)}
}

func (p *TelegramProvider) Name() string { return ProviderTelegram }

// HasSecret reports whether the provider can accept webhook requests.
func (p *TelegramProvider) HasSecret() bool { return p.secret != "" }

func (p *TelegramProvider) Verify(raw RawPayload) (VerifiedPayload, error) {
	if p.secret == "" {
		return VerifiedPayload{}, types.NewAuthenticityError(ProviderTelegram, "webhook secret not configured")
	}
	got := raw.Header.Get(TelegramSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(p.secret)) != 1 {
		return VerifiedPayload{}, types.NewAuthenticityError(ProviderTelegram, "secret token mismatch")
	}
	return VerifiedPayload{Provider: ProviderTelegram, Body: raw.Body}, nil
}

// Event normalizes an update the bot received from the Bot API itself.
func (p *TelegramProvider) Event(update *models.Update) (types.PaymentEvent, error) {
	body, err := json.Marshal(update)
	if err != nil {
		return types.PaymentEvent{}, err
	}
	ev, err := p.Normalize(VerifiedPayload{Provider: ProviderTelegram, Body: body})
	if err != nil {
		return types.PaymentEvent{}, err
	}
	fp, err := Fingerprint(ev)
	if err != nil {
		return types.PaymentEvent{}, err
	}
	ev.Fingerprint = fp
	return ev, nil
}

func (p *TelegramProvider) Normalize(v VerifiedPayload) (types.PaymentEvent, error) {
	var update models.Update
	if err := json.Unmarshal(v.Body, &update); err != nil {
		return types.PaymentEvent{}, &types.AuthenticityError{Provider: ProviderTelegram, Reason: "invalid update", Err: err}
	}
	msg := update.Message
	if msg == nil || msg.SuccessfulPayment == nil {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderTelegram, "update carries no successful payment")
	}
	if msg.From == nil || msg.From.ID == 0 {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderTelegram, "payment without sender")
	}
	sp := msg.SuccessfulPayment
	planID, ok := PlanFromInvoicePayload(sp.InvoicePayload)
	if !ok {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderTelegram, "unknown invoice payload")
	}
	charge := strings.TrimSpace(sp.TelegramPaymentChargeID)
	if charge == "" {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderTelegram, "missing charge id")
	}
	return types.PaymentEvent{
		Provider:      ProviderTelegram,
		TransactionID: charge,
		Amount:        int64(sp.TotalAmount),
		Currency:      strings.ToUpper(strings.TrimSpace(sp.Currency)),
		SubscriberID:  strconv.FormatInt(msg.From.ID, 10),
		PlanID:        planID,
		Status:        types.PaymentConfirmed,
		PayerRef:      strings.TrimSpace(sp.ProviderPaymentChargeID),
	}, nil
}
