package payments

import (
	"context"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/types"
)

const (
	ProviderYooMoney = "yoomoney"

	yoomoneyQuickpayURL = "https://yoomoney.ru/quickpay/confirm"

	// yoomoneyCardFeePercent is withheld from card payments before the
	// notification amount is reported.
	yoomoneyCardFeePercent = 3
)

// ISO 4217 numeric codes used by YooMoney notifications.
var yoomoneyCurrencies = map[string]string{
	"643": "RUB",
	"840": "USD",
	"978": "EUR",
}

// Label builds the YooMoney label attached to a payment form.
func Label(subscriberID, planID string) string {
	return subscriberID + ":" + planID
}

type YooMoneyProvider struct {
	secret    string
	wallet    string
	returnURL string
}

func NewYooMoneyProvider(notificationSecret string) *YooMoneyProvider {
	return &YooMoneyProvider{secret: notificationSecret}
}

// WithWallet enables Create with quickpay links paying into wallet.
func (p *YooMoneyProvider) WithWallet(wallet, returnURL string) *YooMoneyProvider {
	p.wallet = wallet
	p.returnURL = returnURL
	return p
}

func (p *YooMoneyProvider) Name() string { return ProviderYooMoney }

func (p *YooMoneyProvider) APIEnabled() bool { return p.wallet != "" }

// grossUp is the sum to request so that the amount left after the card fee
// still covers price.
func grossUp(price int64) int64 {
	keep := int64(100 - yoomoneyCardFeePercent)
	return (price*100 + keep - 1) / keep
}

// Create builds a quickpay card payment link. YooMoney assigns the operation
// id only once the payer pays, so the checkout carries no transaction id and
// the payment first appears with its notification.
func (p *YooMoneyProvider) Create(_ context.Context, o Order) (Checkout, error) {
	if p.wallet == "" {
		return Checkout{}, errors.New("yoomoney wallet not configured")
	}
	if yoomoneyCurrencyCode(o.Plan.Currency) != "643" {
		return Checkout{}, errors.New("yoomoney accepts only RUB plans")
	}
	sum := grossUp(o.Plan.PriceMinor)
	q := url.Values{
		"receiver":      {p.wallet},
		"quickpay-form": {"button"},
		"paymentType":   {"AC"},
		"sum":           {formatMinorUnits(sum)},
		"label":         {Label(o.SubscriberID, o.Plan.ID)},
	}
	if p.returnURL != "" {
		q.Set("successURL", p.returnURL)
	}
	return Checkout{
		Provider: ProviderYooMoney,
		URL:      yoomoneyQuickpayURL + "?" + q.Encode(),
		Amount:   sum,
		Currency: o.Plan.Currency,
	}, nil
}

func yoomoneyCurrencyCode(currency string) string {
	for code, c := range yoomoneyCurrencies {
		if strings.EqualFold(c, currency) {
			return code
		}
	}
	return ""
}

func yoomoneyHash(form url.Values, secret string) string {
	parts := []string{
		form.Get("notification_type"),
		form.Get("operation_id"),
		form.Get("amount"),
		form.Get("currency"),
		form.Get("datetime"),
		form.Get("sender"),
		form.Get("codepro"),
		secret,
		form.Get("label"),
	}
	sum := sha1.Sum([]byte(strings.Join(parts, "&")))
	return hex.EncodeToString(sum[:])
}

func (p *YooMoneyProvider) Verify(raw RawPayload) (VerifiedPayload, error) {
	form, err := url.ParseQuery(string(raw.Body))
	if err != nil {
		return VerifiedPayload{}, &types.AuthenticityError{Provider: ProviderYooMoney, Reason: "invalid form", Err: err}
	}
	got := strings.ToLower(form.Get("sha1_hash"))
	if got == "" {
		return VerifiedPayload{}, types.NewAuthenticityError(ProviderYooMoney, "missing sha1_hash")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(yoomoneyHash(form, p.secret))) != 1 {
		return VerifiedPayload{}, types.NewAuthenticityError(ProviderYooMoney, "signature mismatch")
	}
	return VerifiedPayload{Provider: ProviderYooMoney, Body: raw.Body}, nil
}

func (p *YooMoneyProvider) Normalize(v VerifiedPayload) (types.PaymentEvent, error) {
	form, err := url.ParseQuery(string(v.Body))
	if err != nil {
		return types.PaymentEvent{}, &types.AuthenticityError{Provider: ProviderYooMoney, Reason: "invalid form", Err: err}
	}
	subscriberID, planID, ok := strings.Cut(form.Get("label"), ":")
	if !ok || subscriberID == "" || planID == "" {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderYooMoney, "unrecognized label")
	}
	currency, ok := yoomoneyCurrencies[form.Get("currency")]
	if !ok {
		return types.PaymentEvent{}, types.NewAuthenticityError(ProviderYooMoney, "unknown currency "+form.Get("currency"))
	}
	// Only amount is covered by sha1_hash. withdraw_amount is unsigned and
	// never trusted.
	amount, err := parseMinorUnits(form.Get("amount"))
	if err != nil {
		return types.PaymentEvent{}, &types.AuthenticityError{Provider: ProviderYooMoney, Reason: "invalid amount", Err: err}
	}
	status := types.PaymentConfirmed
	if form.Get("unaccepted") == "true" || form.Get("codepro") == "true" {
		status = types.PaymentPending
	}
	return types.PaymentEvent{
		Provider:      ProviderYooMoney,
		TransactionID: form.Get("operation_id"),
		Amount:        amount,
		Currency:      currency,
		SubscriberID:  subscriberID,
		PlanID:        planID,
		Status:        status,
		PayerRef:      form.Get("sender"),
	}, nil
}
