package messages

import (
	"testing"

	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/stretchr/testify/assert"
)

func TestFormatPrice(t *testing.T) {
	assert.Equal(t, "299.00 RUB", FormatPrice(29900, "RUB"))
	assert.Equal(t, "4.99 USD", FormatPrice(499, "USD"))
}

func TestNotificationRendersData(t *testing.T) {
	msg := Notification(i18n.EN, types.Notification{
		Kind: types.NotifyActivated,
		Data: map[string]string{
			"plan":           "1 <month>",
			"expires_at":     "2026-04-01T12:00:00Z",
			"credential_ref": "vless://abc",
		},
	})
	assert.Contains(t, msg, "Plan: 1 &lt;month&gt;")
	assert.Contains(t, msg, "Valid until: 01.04.2026 12:00 UTC")
	assert.Contains(t, msg, "vless://abc")
}

func TestNotificationDropsMissingFields(t *testing.T) {
	msg := Notification(i18n.RU, types.Notification{
		Kind: types.NotifyRenewed,
		Data: map[string]string{"expires_at": "2026-04-01T12:00:00Z"},
	})
	assert.NotContains(t, msg, "{plan}")
	assert.Contains(t, msg, "01.04.2026")
}

func TestNotificationReviewAmount(t *testing.T) {
	msg := Notification(i18n.EN, types.Notification{
		Kind: types.NotifyPaymentReview,
		Data: map[string]string{"amount": "100", "currency": "RUB"},
	})
	assert.Contains(t, msg, "1.00 RUB")
}

func TestNotificationUnknownKind(t *testing.T) {
	assert.Empty(t, Notification(i18n.EN, types.Notification{Kind: "nope"}))
}

func TestLanguageFallback(t *testing.T) {
	assert.Equal(t, i18n.RU, i18n.FromLanguageCode("ru-RU"))
	assert.Equal(t, i18n.EN, i18n.FromLanguageCode("de"))
	assert.Equal(t, i18n.Default, i18n.Parse("xx"))
	assert.True(t, i18n.Supported("EN"))
}

func TestBroadcastKeepsAdminText(t *testing.T) {
	msg := Notification(i18n.EN, types.Notification{
		Kind: types.NotifyBroadcast,
		Data: map[string]string{"text": "Maintenance {tonight}\nat <02:00>"},
	})
	assert.Equal(t, "📣 Maintenance {tonight}\nat &lt;02:00&gt;", msg)
}

func TestPaymentCheck(t *testing.T) {
	assert.Contains(t, PaymentCheck(i18n.EN, 1, 1), "Payment received")
	assert.Contains(t, PaymentCheck(i18n.EN, 0, 2), "not received yet")
	assert.Contains(t, PaymentCheck(i18n.EN, 0, 0), "No open payments")
}

func TestCheckoutOpened(t *testing.T) {
	plan := types.Plan{Name: "1 month", PriceMinor: 29900, Currency: "RUB"}
	msg := CheckoutOpened(i18n.EN, plan, 30825, "RUB", false)
	assert.Contains(t, msg, "308.25 RUB")
	assert.NotContains(t, msg, "Check payment")
	assert.Contains(t, CheckoutOpened(i18n.EN, plan, 29900, "RUB", true), "Check payment")
	assert.Equal(t, "Crypto", MethodButton(i18n.EN, "cryptomus"))
	assert.Equal(t, "paypal", MethodButton(i18n.EN, "paypal"))
}
