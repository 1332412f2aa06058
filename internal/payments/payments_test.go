package payments

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

func TestParseMinorUnits(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "299", want: 29900},
		{in: "299.5", want: 29950},
		{in: "299.50", want: 29950},
		{in: "2.990", want: 299},
		{in: ".5", want: 50},
		{in: "1.005", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseMinorUnits(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestGatewayUnknownProvider(t *testing.T) {
	g := NewGateway(NewYooMoneyProvider("s"))
	_, err := g.Parse(RawPayload{Provider: "qiwi", Body: []byte("{}")})
	require.Error(t, err)
	assert.True(t, types.IsAuthenticityError(err))
	assert.Equal(t, []string{"yoomoney"}, g.Providers())
}

func TestGatewayPollers(t *testing.T) {
	g := NewGateway(
		NewTelegramProvider("hook-secret"),
		NewCryptomusProvider("k", "m", ""),
		NewYooMoneyProvider("s"),
		NewStripeProvider("whsec"),
	)
	assert.Equal(t, []string{"cryptomus"}, g.Pollers())
	assert.Equal(t, []string{"cryptomus", "stripe", "telegram", "yoomoney"}, g.Providers())
}

func telegramUpdate(payload, charge string) *models.Update {
	return &models.Update{
		ID: 1,
		Message: &models.Message{
			ID:   10,
			From: &models.User{ID: 777},
			Chat: models.Chat{ID: 777},
			SuccessfulPayment: &models.SuccessfulPayment{
				Currency:                "RUB",
				TotalAmount:             29900,
				InvoicePayload:          payload,
				TelegramPaymentChargeID: charge,
				ProviderPaymentChargeID: "yk-1",
			},
		},
	}
}

func telegramRaw(t *testing.T, update *models.Update, secret string) RawPayload {
	t.Helper()
	body, err := json.Marshal(update)
	require.NoError(t, err)
	h := http.Header{}
	if secret != "" {
		h.Set(TelegramSecretHeader, secret)
	}
	return RawPayload{Provider: "telegram", Header: h, Body: body}
}

func TestTelegramProvider(t *testing.T) {
	p := NewTelegramProvider("hook-secret")
	g := NewGateway(p)

	raw := telegramRaw(t, telegramUpdate(InvoicePayload("m1"), "tg-charge-1"), "hook-secret")
	ev, err := g.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, types.PaymentEvent{
		Provider:      "telegram",
		TransactionID: "tg-charge-1",
		Amount:        29900,
		Currency:      "RUB",
		SubscriberID:  "777",
		PlanID:        "m1",
		Status:        types.PaymentConfirmed,
		PayerRef:      "yk-1",
		Fingerprint:   ev.Fingerprint,
	}, ev)
	assert.Len(t, ev.Fingerprint, 64)

	raw.Header.Set(TelegramSecretHeader, "wrong")
	_, err = g.Parse(raw)
	assert.True(t, types.IsAuthenticityError(err))

	_, err = g.Parse(telegramRaw(t, telegramUpdate("sub_unlimited_month", "tg-charge-2"), "hook-secret"))
	assert.True(t, types.IsAuthenticityError(err))
}

func TestTelegramWebhookNeedsSecret(t *testing.T) {
	p := NewTelegramProvider("")
	assert.False(t, p.HasSecret())

	// Without a configured secret no request is authentic, headers or not.
	for _, header := range []string{"", "anything"} {
		_, err := p.Verify(telegramRaw(t, telegramUpdate(InvoicePayload("m1"), "tg-charge-1"), header))
		assert.True(t, types.IsAuthenticityError(err), header)
	}

	// Updates the bot pulled itself still normalize.
	ev, err := p.Event(telegramUpdate(InvoicePayload("m1"), "tg-charge-1"))
	require.NoError(t, err)
	assert.Equal(t, "tg-charge-1", ev.TransactionID)
	assert.Equal(t, "777", ev.SubscriberID)
	assert.Len(t, ev.Fingerprint, 64)

	_, err = p.Event(telegramUpdate("bogus", "tg-charge-3"))
	assert.True(t, types.IsAuthenticityError(err))
}

func TestNormalizationIsDeterministic(t *testing.T) {
	p := NewTelegramProvider("hook-secret")
	g := NewGateway(p)
	raw := telegramRaw(t, telegramUpdate(InvoicePayload("m3"), "tg-charge-9"), "hook-secret")

	first, err := g.Parse(raw)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := g.Parse(raw)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, first.Fingerprint, second.Fingerprint)
	assert.True(t, first.ReceivedAt.IsZero())

	inProcess, err := p.Event(telegramUpdate(InvoicePayload("m3"), "tg-charge-9"))
	require.NoError(t, err)
	assert.Equal(t, first.Fingerprint, inProcess.Fingerprint)
}

func cryptomusSignFor(unsigned, apiKey string) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString([]byte(unsigned)) + apiKey))
	return hex.EncodeToString(sum[:])
}

// cryptomusUnsigned lays the fields out in the order Cryptomus sends them.
func cryptomusUnsigned(status string) string {
	return `{"type":"payment","uuid":"c-uuid-1","order_id":"sub-42-m1-n1","amount":"299.00",` +
		`"payment_amount":"3.30","is_final":true,"status":"` + status + `","currency":"RUB",` +
		`"from":"TXabc","url":"https:\/\/pay.example\/x","comment":"Оплата",` +
		`"convert":{"to_currency":"USDT","commission":null,"rate":"0.0110","amount":"3.30"}}`
}

// cryptomusBody appends the sign as the last field, like the provider does.
func cryptomusBody(t *testing.T, apiKey, status string) []byte {
	t.Helper()
	unsigned := cryptomusUnsigned(status)
	return []byte(strings.TrimSuffix(unsigned, "}") + `,"sign":"` + cryptomusSignFor(unsigned, apiKey) + `"}`)
}

func TestCryptomusProvider(t *testing.T) {
	g := NewGateway(NewCryptomusProvider("api-key", "merchant", ""))

	tests := []struct {
		status string
		want   types.PaymentStatus
	}{
		{"paid", types.PaymentConfirmed},
		{"paid_over", types.PaymentConfirmed},
		{"cancel", types.PaymentFailed},
		{"process", types.PaymentPending},
	}
	for _, tt := range tests {
		ev, err := g.Parse(RawPayload{Provider: "cryptomus", Body: cryptomusBody(t, "api-key", tt.status)})
		require.NoError(t, err, tt.status)
		assert.Equal(t, tt.want, ev.Status, tt.status)
		assert.Equal(t, "c-uuid-1", ev.TransactionID)
		assert.Equal(t, "42", ev.SubscriberID)
		assert.Equal(t, "m1", ev.PlanID)
		assert.Equal(t, int64(29900), ev.Amount)
	}

	_, err := g.Parse(RawPayload{Provider: "cryptomus", Body: cryptomusBody(t, "other-key", "paid")})
	assert.True(t, types.IsAuthenticityError(err), "wrong key")

	_, err = g.Parse(RawPayload{Provider: "cryptomus", Body: cryptomusBody(t, "api-key", "mystery")})
	assert.True(t, types.IsAuthenticityError(err), "unknown status")
}

func TestCryptomusSignatureKeepsKeyOrder(t *testing.T) {
	p := NewCryptomusProvider("api-key", "merchant", "")

	// The sign may sit anywhere in the body; the rest keeps its order.
	unsigned := cryptomusUnsigned("paid")
	signFirst := `{"sign":"` + cryptomusSignFor(unsigned, "api-key") + `",` + strings.TrimPrefix(unsigned, "{")
	_, err := p.Verify(RawPayload{Provider: "cryptomus", Body: []byte(signFirst)})
	require.NoError(t, err)

	// A signature over alphabetically sorted keys does not match the body.
	var fields map[string]any
	require.NoError(t, json.Unmarshal([]byte(unsigned), &fields))
	sorted, err := json.Marshal(fields)
	require.NoError(t, err)
	fields["sign"] = cryptomusSignFor(string(sorted), "api-key")
	reordered, err := json.Marshal(fields)
	require.NoError(t, err)
	_, err = p.Verify(RawPayload{Provider: "cryptomus", Body: reordered})
	assert.True(t, types.IsAuthenticityError(err))

	canonical, sign, err := cryptomusCanonical(cryptomusBody(t, "api-key", "paid"))
	require.NoError(t, err)
	assert.Equal(t, unsigned, string(canonical))
	assert.Equal(t, cryptomusSignFor(unsigned, "api-key"), sign)

	_, _, err = cryptomusCanonical([]byte(`["not","an","object"]`))
	assert.Error(t, err)
	_, _, err = cryptomusCanonical([]byte(`{"a":1}{"b":2}`))
	assert.Error(t, err)
}

func TestCryptomusPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment/info", r.URL.Path)
		assert.Equal(t, "merchant", r.Header.Get("merchant"))
		assert.NotEmpty(t, r.Header.Get("sign"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"state":0,"result":{"uuid":"c-uuid-2","order_id":"sub-42-m3-n2","amount":"799","currency":"RUB","status":"paid"}}`))
	}))
	defer srv.Close()

	g := NewGateway(NewCryptomusProvider("api-key", "merchant", srv.URL))
	ev, err := g.Poll(t.Context(), "cryptomus", "c-uuid-2")
	require.NoError(t, err)
	assert.Equal(t, types.PaymentConfirmed, ev.Status)
	assert.Equal(t, int64(79900), ev.Amount)
	assert.Equal(t, "m3", ev.PlanID)

	_, err = g.Poll(t.Context(), "stripe", "x")
	assert.Error(t, err)
}

func yoomoneyForm(secret string, extra map[string]string) url.Values {
	form := url.Values{
		"notification_type": {"p2p-incoming"},
		"operation_id":      {"op-1"},
		"amount":            {"291.03"},
		"withdraw_amount":   {"299.00"},
		"currency":          {"643"},
		"datetime":          {"2024-01-01T10:00:00Z"},
		"sender":            {"41001000040"},
		"codepro":           {"false"},
		"label":             {"42:m1"},
	}
	for k, v := range extra {
		form.Set(k, v)
	}
	line := form.Get("notification_type") + "&" + form.Get("operation_id") + "&" + form.Get("amount") + "&" +
		form.Get("currency") + "&" + form.Get("datetime") + "&" + form.Get("sender") + "&" + form.Get("codepro") + "&" +
		secret + "&" + form.Get("label")
	sum := sha1.Sum([]byte(line))
	form.Set("sha1_hash", hex.EncodeToString(sum[:]))
	return form
}

func TestYooMoneyProvider(t *testing.T) {
	g := NewGateway(NewYooMoneyProvider("notif-secret"))

	ev, err := g.Parse(RawPayload{Provider: "yoomoney", Body: []byte(yoomoneyForm("notif-secret", nil).Encode())})
	require.NoError(t, err)
	assert.Equal(t, "op-1", ev.TransactionID)
	assert.Equal(t, int64(29103), ev.Amount)
	assert.Equal(t, "RUB", ev.Currency)
	assert.Equal(t, types.PaymentConfirmed, ev.Status)
	assert.Equal(t, "42", ev.SubscriberID)

	ev, err = g.Parse(RawPayload{Provider: "yoomoney", Body: []byte(yoomoneyForm("notif-secret", map[string]string{"unaccepted": "true"}).Encode())})
	require.NoError(t, err)
	assert.Equal(t, types.PaymentPending, ev.Status)

	tampered := yoomoneyForm("notif-secret", nil)
	tampered.Set("amount", "1.00")
	_, err = g.Parse(RawPayload{Provider: "yoomoney", Body: []byte(tampered.Encode())})
	assert.True(t, types.IsAuthenticityError(err))
}

func TestYooMoneyIgnoresUnsignedWithdrawAmount(t *testing.T) {
	g := NewGateway(NewYooMoneyProvider("notif-secret"))

	// withdraw_amount is outside sha1_hash, so raising it must not change the
	// amount the coordinator checks against the plan price.
	form := yoomoneyForm("notif-secret", map[string]string{"amount": "1.00"})
	form.Set("withdraw_amount", "299.00")
	ev, err := g.Parse(RawPayload{Provider: "yoomoney", Body: []byte(form.Encode())})
	require.NoError(t, err)
	assert.Equal(t, int64(100), ev.Amount)
}

func stripeRaw(t *testing.T, secret, eventType, paymentStatus string) RawPayload {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        eventType,
		"api_version": "2020-08-27",
		"data": map[string]any{
			"object": map[string]any{
				"id":                  "cs_test_1",
				"object":              "checkout.session",
				"amount_total":        500,
				"currency":            "usd",
				"client_reference_id": "42",
				"customer":            "cus_1",
				"payment_status":      paymentStatus,
				"metadata":            map[string]string{"plan_id": "m1"},
			},
		},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set(StripeSignatureHeader, signed.Header)
	return RawPayload{Provider: "stripe", Header: h, Body: payload}
}

func TestStripeProvider(t *testing.T) {
	g := NewGateway(NewStripeProvider("whsec_test"))

	tests := []struct {
		eventType     string
		paymentStatus string
		want          types.PaymentStatus
	}{
		{"checkout.session.completed", "paid", types.PaymentConfirmed},
		{"checkout.session.completed", "unpaid", types.PaymentPending},
		{"checkout.session.async_payment_succeeded", "paid", types.PaymentConfirmed},
		{"checkout.session.async_payment_failed", "unpaid", types.PaymentFailed},
	}
	for _, tt := range tests {
		ev, err := g.Parse(stripeRaw(t, "whsec_test", tt.eventType, tt.paymentStatus))
		require.NoError(t, err, tt.eventType)
		assert.Equal(t, tt.want, ev.Status, tt.eventType)
		assert.Equal(t, "cs_test_1", ev.TransactionID)
		assert.Equal(t, "USD", ev.Currency)
		assert.Equal(t, int64(500), ev.Amount)
		assert.Equal(t, "cus_1", ev.PayerRef)
	}

	_, err := g.Parse(stripeRaw(t, "whsec_other", "checkout.session.completed", "paid"))
	assert.True(t, types.IsAuthenticityError(err))

	_, err = g.Parse(stripeRaw(t, "whsec_test", "invoice.paid", "paid"))
	assert.True(t, types.IsAuthenticityError(err))
}

func testOrder() Order {
	return Order{
		SubscriberID: "42",
		Plan:         types.Plan{ID: "1_month_v2", Name: "1 month", PriceMinor: 29900, Currency: "RUB", DurationDays: 30},
		Nonce:        "a1b2c3",
	}
}

func TestGatewayMethods(t *testing.T) {
	g := NewGateway(
		NewTelegramProvider("hook-secret"),
		NewCryptomusProvider("k", "m", ""),
		NewYooMoneyProvider("s").WithWallet("4100100", ""),
		NewStripeProvider("whsec"),
	)
	assert.Equal(t, []string{"cryptomus", "yoomoney"}, g.Methods())
	assert.Equal(t, []string{"cryptomus"}, g.Pollers())

	_, err := g.Create(t.Context(), "telegram", testOrder())
	assert.Error(t, err)
	_, err = g.Create(t.Context(), "paypal", testOrder())
	assert.Error(t, err)
	// Registered for webhooks only, so creation is refused.
	_, err = g.Create(t.Context(), "stripe", testOrder())
	assert.ErrorIs(t, err, errStripeCheckoutDisabled)
}

func TestCryptomusOrderIDRoundTrip(t *testing.T) {
	id := OrderID("42", "1_month_v2", "a1b2c3")
	assert.Equal(t, "sub-42-1_month_v2-a1b2c3", id)
	assert.Regexp(t, `^[A-Za-z0-9_-]+$`, id)

	sub, plan, ok := parseOrderID(id)
	require.True(t, ok)
	assert.Equal(t, "42", sub)
	assert.Equal(t, "1_month_v2", plan)

	_, _, ok = parseOrderID("sub:42:m1:n1")
	assert.False(t, ok)
}

func TestCryptomusCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment", r.URL.Path)
		assert.Equal(t, "merchant", r.Header.Get("merchant"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, cryptomusSignFor(string(body), "api-key"), r.Header.Get("sign"))

		var inv map[string]any
		require.NoError(t, json.Unmarshal(body, &inv))
		assert.Equal(t, "299.00", inv["amount"])
		assert.Equal(t, "RUB", inv["currency"])
		assert.Equal(t, "sub-42-1_month_v2-a1b2c3", inv["order_id"])
		assert.Equal(t, "https://bot.example/webhooks/cryptomus", inv["url_callback"])
		assert.Equal(t, "https://t.me/vpn_bot", inv["url_success"])
		_, _ = w.Write([]byte(`{"state":0,"result":{"uuid":"c-uuid-7","url":"https://pay.cryptomus.com/pay/c-uuid-7"}}`))
	}))
	defer srv.Close()

	p := NewCryptomusProvider("api-key", "merchant", srv.URL).
		WithCheckout("https://bot.example/webhooks/cryptomus", "https://t.me/vpn_bot")
	g := NewGateway(p)
	co, err := g.Create(t.Context(), "cryptomus", testOrder())
	require.NoError(t, err)
	assert.Equal(t, Checkout{
		Provider:      "cryptomus",
		URL:           "https://pay.cryptomus.com/pay/c-uuid-7",
		TransactionID: "c-uuid-7",
		Amount:        29900,
		Currency:      "RUB",
	}, co)

	ev, ok, err := co.PendingEvent(testOrder())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.PaymentPending, ev.Status)
	assert.Equal(t, "1_month_v2", ev.PlanID)
	assert.Len(t, ev.Fingerprint, 64)

	o := testOrder()
	o.Nonce = "has-dash"
	_, err = p.Create(t.Context(), o)
	assert.Error(t, err)
}

func TestCryptomusCreateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":1,"message":"merchant blocked"}`))
	}))
	defer srv.Close()

	_, err := NewCryptomusProvider("api-key", "merchant", srv.URL).Create(t.Context(), testOrder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "merchant blocked")
}

func TestYooMoneyCreate(t *testing.T) {
	p := NewYooMoneyProvider("notif-secret").WithWallet("410011234", "https://t.me/vpn_bot")
	co, err := p.Create(t.Context(), testOrder())
	require.NoError(t, err)
	assert.Empty(t, co.TransactionID)
	assert.Equal(t, int64(30825), co.Amount)

	_, ok, err := co.PendingEvent(testOrder())
	require.NoError(t, err)
	assert.False(t, ok)

	u, err := url.Parse(co.URL)
	require.NoError(t, err)
	assert.Equal(t, "yoomoney.ru", u.Host)
	q := u.Query()
	assert.Equal(t, "410011234", q.Get("receiver"))
	assert.Equal(t, "308.25", q.Get("sum"))
	assert.Equal(t, "AC", q.Get("paymentType"))
	assert.Equal(t, "42:1_month_v2", q.Get("label"))
	assert.Equal(t, "https://t.me/vpn_bot", q.Get("successURL"))

	o := testOrder()
	o.Plan.Currency = "USD"
	_, err = p.Create(t.Context(), o)
	assert.Error(t, err)

	_, err = NewYooMoneyProvider("notif-secret").Create(t.Context(), testOrder())
	assert.Error(t, err)
}

func TestYooMoneyGrossUpCoversFee(t *testing.T) {
	for _, price := range []int64{1, 97, 100, 29900, 79900, 150000} {
		sum := grossUp(price)
		// YooMoney rounds the credited amount down to a whole minor unit.
		assert.GreaterOrEqual(t, sum*97/100, price, price)
	}
}

func TestStripeCreateAndPoll(t *testing.T) {
	status, paymentStatus := "open", "unpaid"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/sessions":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "payment", r.PostForm.Get("mode"))
			assert.Equal(t, "42", r.PostForm.Get("client_reference_id"))
			assert.Equal(t, "1_month_v2", r.PostForm.Get("metadata[plan_id]"))
			assert.Equal(t, "29900", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
			assert.Equal(t, "rub", r.PostForm.Get("line_items[0][price_data][currency]"))
			assert.Equal(t, "checkout-a1b2c3", r.Header.Get("Idempotency-Key"))
			_, _ = w.Write([]byte(`{"id":"cs_test_9","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_9","status":"open"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions/cs_test_9":
			_, _ = w.Write([]byte(`{"id":"cs_test_9","object":"checkout.session","status":"` + status +
				`","payment_status":"` + paymentStatus + `","amount_total":29900,"currency":"rub",` +
				`"client_reference_id":"42","customer":"cus_9","metadata":{"plan_id":"1_month_v2"}}`))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	g := NewGateway(NewStripeProvider("whsec_test").WithCheckout("sk_test_1", "https://t.me/vpn_bot", srv.URL))
	assert.Equal(t, []string{"stripe"}, g.Pollers())

	co, err := g.Create(t.Context(), "stripe", testOrder())
	require.NoError(t, err)
	assert.Equal(t, "cs_test_9", co.TransactionID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_9", co.URL)

	tests := []struct {
		status, paymentStatus string
		want                  types.PaymentStatus
	}{
		{"open", "unpaid", types.PaymentPending},
		{"complete", "paid", types.PaymentConfirmed},
		{"expired", "unpaid", types.PaymentFailed},
	}
	for _, tt := range tests {
		status, paymentStatus = tt.status, tt.paymentStatus
		ev, err := g.Poll(t.Context(), "stripe", "cs_test_9")
		require.NoError(t, err, tt.status)
		assert.Equal(t, tt.want, ev.Status, tt.status)
		assert.Equal(t, "42", ev.SubscriberID)
		assert.Equal(t, "1_month_v2", ev.PlanID)
		assert.Equal(t, int64(29900), ev.Amount)
		assert.Equal(t, "RUB", ev.Currency)
	}
}

func TestStripeExpiredWebhookFails(t *testing.T) {
	g := NewGateway(NewStripeProvider("whsec_test"))
	ev, err := g.Parse(stripeRaw(t, "whsec_test", "checkout.session.expired", "unpaid"))
	require.NoError(t, err)
	assert.Equal(t, types.PaymentFailed, ev.Status)
}
