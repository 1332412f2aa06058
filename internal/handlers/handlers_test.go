package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/bat-vpn-bot/internal/coordinator"
	"github.com/BatmanBruc/bat-vpn-bot/internal/payments"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBot struct {
	mu        sync.Mutex
	messages  []*bot.SendMessageParams
	invoices  []*bot.SendInvoiceParams
	checkouts []*bot.AnswerPreCheckoutQueryParams
	callbacks []string
}

func (f *fakeBot) SendMessage(_ context.Context, p *bot.SendMessageParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, p)
	return &models.Message{}, nil
}

func (f *fakeBot) SendInvoice(_ context.Context, p *bot.SendInvoiceParams) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices = append(f.invoices, p)
	return &models.Message{}, nil
}

func (f *fakeBot) AnswerPreCheckoutQuery(_ context.Context, p *bot.AnswerPreCheckoutQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkouts = append(f.checkouts, p)
	return true, nil
}

func (f *fakeBot) AnswerCallbackQuery(_ context.Context, p *bot.AnswerCallbackQueryParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, p.CallbackQueryID)
	return true, nil
}

func (f *fakeBot) lastText(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.messages)
	return f.messages[len(f.messages)-1].Text
}

type fakeService struct {
	plans      []types.Plan
	check      coordinator.PaymentCheck
	checked    []string
	broadcasts []string
	status   coordinator.StatusView
	payments []types.PaymentEvent
	payErr   error
	revoked  []string
	locale   string
	reviews  []types.RefundReview
	resolved []string
}

func (s *fakeService) Plans(context.Context) ([]types.Plan, error) { return s.plans, nil }

func (s *fakeService) Status(context.Context, string) (coordinator.StatusView, error) {
	return s.status, nil
}

func (s *fakeService) SetLocale(_ context.Context, _ string, locale string) error {
	s.locale = locale
	return nil
}

func (s *fakeService) HandlePayment(_ context.Context, ev types.PaymentEvent) (coordinator.PaymentOutcome, error) {
	s.payments = append(s.payments, ev)
	if s.payErr != nil {
		return coordinator.PaymentOutcome{}, s.payErr
	}
	return coordinator.PaymentOutcome{Result: types.RecordAccepted, Action: coordinator.ActionCreated}, nil
}

func (s *fakeService) AdminRevoke(_ context.Context, subscriberID, _ string) (*types.Subscription, error) {
	s.revoked = append(s.revoked, subscriberID)
	if subscriberID == "missing" {
		return nil, types.ErrNotFound
	}
	return &types.Subscription{ID: "sub-1", SubscriberID: subscriberID, State: types.StateRevoked}, nil
}

func (s *fakeService) OpenRefundReviews(context.Context) ([]types.RefundReview, error) {
	return s.reviews, nil
}

func (s *fakeService) ResolveRefundReview(_ context.Context, id string) error {
	s.resolved = append(s.resolved, id)
	return nil
}

func (s *fakeService) CheckPayments(_ context.Context, _ coordinator.PaymentPoller, subscriberID string) (coordinator.PaymentCheck, error) {
	s.checked = append(s.checked, subscriberID)
	return s.check, nil
}

func (s *fakeService) Broadcast(_ context.Context, text string) (int, error) {
	s.broadcasts = append(s.broadcasts, text)
	return 3, nil
}

type fakeGateway struct {
	methods   []string
	pollers   []string
	checkouts map[string]payments.Checkout
	orders    []payments.Order
}

func (g *fakeGateway) Pollers() []string { return g.pollers }

func (g *fakeGateway) Poll(context.Context, string, string) (types.PaymentEvent, error) {
	return types.PaymentEvent{}, errors.New("not polled in handler tests")
}

func (g *fakeGateway) Methods() []string { return g.methods }

func (g *fakeGateway) Create(_ context.Context, provider string, o payments.Order) (payments.Checkout, error) {
	g.orders = append(g.orders, o)
	co, ok := g.checkouts[provider]
	if !ok {
		return payments.Checkout{}, errors.New("provider down")
	}
	co.Provider = provider
	return co, nil
}

type fakeJobs struct{ ran []string }

func (j *fakeJobs) RunNow(_ context.Context, name string) (bool, error) {
	j.ran = append(j.ran, name)
	return true, nil
}

var monthPlan = types.Plan{ID: "1_month", Name: "1 month", PriceMinor: 29900, Currency: "RUB", DurationDays: 30}

func newTestHandlers() (*Handlers, *fakeService, *fakeJobs) {
	svc := &fakeService{plans: []types.Plan{monthPlan}}
	jobs := &fakeJobs{}
	tg := payments.NewTelegramProvider("")
	h := NewHandlers(svc, payments.NewGateway(tg), tg, jobs, Options{
		ProviderToken: "provider-token",
		AdminIDs:      []string{"1"},
		SweepJob:      "sweep",
	})
	return h, svc, jobs
}

func newCheckoutHandlers() (*Handlers, *fakeService, *fakeGateway) {
	svc := &fakeService{plans: []types.Plan{monthPlan}}
	gw := &fakeGateway{
		methods: []string{"cryptomus", "yoomoney"},
		pollers: []string{"cryptomus"},
		checkouts: map[string]payments.Checkout{
			"cryptomus": {URL: "https://pay.cryptomus.com/pay/c-1", TransactionID: "c-1", Amount: 29900, Currency: "RUB"},
			"yoomoney":  {URL: "https://yoomoney.ru/quickpay/confirm?sum=308.25", Amount: 30825, Currency: "RUB"},
		},
	}
	h := NewHandlers(svc, gw, payments.NewTelegramProvider(""), &fakeJobs{}, Options{AdminIDs: []string{"1"}})
	return h, svc, gw
}

func clickCtx(data string) context.Context {
	return contextkeys.WithCallbackData(updateCtx(contextkeys.MessageTypeClickButton, "42", "en"), data)
}

func click(data string) *models.Update {
	return &models.Update{CallbackQuery: &models.CallbackQuery{ID: "cb", From: models.User{ID: 42}, Data: data}}
}

func keyboardOf(t *testing.T, p *bot.SendMessageParams) [][]models.InlineKeyboardButton {
	t.Helper()
	kb, ok := p.ReplyMarkup.(*models.InlineKeyboardMarkup)
	require.True(t, ok)
	return kb.InlineKeyboard
}

func updateCtx(msgType contextkeys.MessageType, subscriberID, lang string) context.Context {
	ctx := contextkeys.WithMessageType(context.Background(), msgType)
	ctx = contextkeys.WithSubscriberID(ctx, subscriberID)
	return contextkeys.WithLang(ctx, lang)
}

func commandUpdate(chatID int64, text string) *models.Update {
	return &models.Update{Message: &models.Message{
		From: &models.User{ID: chatID},
		Chat: models.Chat{ID: chatID},
		Text: text,
	}}
}

func TestPlansCommandListsBuyButtons(t *testing.T) {
	h, _, _ := newTestHandlers()
	b := &fakeBot{}

	h.Dispatch(updateCtx(contextkeys.MessageTypeCommand, "42", "en"), b, commandUpdate(42, "/plans"))

	require.Len(t, b.messages, 1)
	kb, ok := b.messages[0].ReplyMarkup.(*models.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, kb.InlineKeyboard, 1)
	assert.Equal(t, "buy:1_month", kb.InlineKeyboard[0][0].CallbackData)
	assert.Contains(t, kb.InlineKeyboard[0][0].Text, "299.00 RUB")
}

func TestStatusCommand(t *testing.T) {
	h, svc, _ := newTestHandlers()
	b := &fakeBot{}
	ctx := updateCtx(contextkeys.MessageTypeCommand, "42", "en")

	h.Dispatch(ctx, b, commandUpdate(42, "/status"))
	assert.Contains(t, b.lastText(t), "No active subscription")

	exp := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	svc.status = coordinator.StatusView{
		Subscription: &types.Subscription{ID: "s", State: types.StateActive, ExpiresAt: &exp},
		Plan:         &monthPlan,
	}
	h.Dispatch(ctx, b, commandUpdate(42, "/status"))
	assert.Contains(t, b.lastText(t), "01.04.2026 00:00 UTC")
	assert.Contains(t, b.lastText(t), "1 month")
}

func TestLangCommand(t *testing.T) {
	h, svc, _ := newTestHandlers()
	b := &fakeBot{}
	ctx := updateCtx(contextkeys.MessageTypeCommand, "42", "ru")

	h.Dispatch(ctx, b, commandUpdate(42, "/lang de"))
	assert.Empty(t, svc.locale)

	h.Dispatch(ctx, b, commandUpdate(42, "/lang en"))
	assert.Equal(t, "en", svc.locale)
	assert.Contains(t, b.lastText(t), "English")
}

func TestUnknownCommand(t *testing.T) {
	h, _, _ := newTestHandlers()
	b := &fakeBot{}

	h.Dispatch(updateCtx(contextkeys.MessageTypeCommand, "42", "en"), b, commandUpdate(42, "/nope@vpn_bot"))
	assert.Contains(t, b.lastText(t), "Unknown command")
}

func TestAdminCommandsAreGated(t *testing.T) {
	h, svc, jobs := newTestHandlers()
	b := &fakeBot{}

	h.Dispatch(updateCtx(contextkeys.MessageTypeCommand, "42", "en"), b, commandUpdate(42, "/revoke 7"))
	assert.Contains(t, b.lastText(t), "Admins only")
	assert.Empty(t, svc.revoked)

	admin := updateCtx(contextkeys.MessageTypeCommand, "1", "en")
	h.Dispatch(admin, b, commandUpdate(1, "/revoke 7 chargeback"))
	assert.Equal(t, []string{"7"}, svc.revoked)
	assert.Contains(t, b.lastText(t), "revoked")

	h.Dispatch(admin, b, commandUpdate(1, "/revoke missing"))
	assert.Contains(t, b.lastText(t), "No active subscription")

	h.Dispatch(admin, b, commandUpdate(1, "/sweep"))
	assert.Equal(t, []string{"sweep"}, jobs.ran)
	assert.Contains(t, b.lastText(t), "Sweep finished")
}

func TestRefundsCommand(t *testing.T) {
	h, svc, _ := newTestHandlers()
	b := &fakeBot{}
	admin := updateCtx(contextkeys.MessageTypeCommand, "1", "en")

	h.Dispatch(admin, b, commandUpdate(1, "/refunds"))
	assert.Contains(t, b.lastText(t), "No open refund reviews")

	svc.reviews = []types.RefundReview{{ID: "r-1", SubscriberID: "7", Provider: "telegram", TransactionID: "tx", Reason: "underpaid"}}
	h.Dispatch(admin, b, commandUpdate(1, "/refunds"))
	assert.Contains(t, b.lastText(t), "r-1")
	assert.Contains(t, b.lastText(t), "underpaid")

	h.Dispatch(admin, b, commandUpdate(1, "/refunds resolve r-1"))
	assert.Equal(t, []string{"r-1"}, svc.resolved)
}

func TestBuyButtonSendsInvoice(t *testing.T) {
	h, _, _ := newTestHandlers()
	b := &fakeBot{}
	update := &models.Update{CallbackQuery: &models.CallbackQuery{
		ID:   "cb-1",
		From: models.User{ID: 42},
		Data: "buy:1_month",
	}}
	ctx := contextkeys.WithCallbackData(updateCtx(contextkeys.MessageTypeClickButton, "42", "en"), "buy:1_month")

	h.Dispatch(ctx, b, update)

	assert.Equal(t, []string{"cb-1"}, b.callbacks)
	require.Len(t, b.invoices, 1)
	inv := b.invoices[0]
	assert.Equal(t, int64(42), inv.ChatID)
	assert.Equal(t, "plan:1_month", inv.Payload)
	assert.Equal(t, "provider-token", inv.ProviderToken)
	assert.Equal(t, "RUB", inv.Currency)
	assert.Equal(t, 29900, inv.Prices[0].Amount)
}

func TestBuyButtonUnknownPlan(t *testing.T) {
	h, _, _ := newTestHandlers()
	b := &fakeBot{}
	update := &models.Update{CallbackQuery: &models.CallbackQuery{ID: "cb-2", From: models.User{ID: 42}}}
	ctx := contextkeys.WithCallbackData(updateCtx(contextkeys.MessageTypeClickButton, "42", "en"), "buy:99_months")

	h.Dispatch(ctx, b, update)

	assert.Empty(t, b.invoices)
	assert.Contains(t, b.lastText(t), "Plan not found")
}

func TestPreCheckout(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		currency string
		amount   int
		ok       bool
	}{
		{"matching plan", "plan:1_month", "RUB", 29900, true},
		{"wrong amount", "plan:1_month", "RUB", 100, false},
		{"wrong currency", "plan:1_month", "USD", 29900, false},
		{"unknown plan", "plan:2_years", "RUB", 29900, false},
		{"foreign payload", "sub_unlimited_month", "RUB", 29900, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _, _ := newTestHandlers()
			b := &fakeBot{}
			update := &models.Update{PreCheckoutQuery: &models.PreCheckoutQuery{
				ID:             "q",
				From:           &models.User{ID: 42},
				Currency:       tt.currency,
				TotalAmount:    tt.amount,
				InvoicePayload: tt.payload,
			}}

			h.Dispatch(updateCtx(contextkeys.MessageTypePreCheckout, "42", "en"), b, update)

			require.Len(t, b.checkouts, 1)
			assert.Equal(t, tt.ok, b.checkouts[0].OK)
			if !tt.ok {
				assert.NotEmpty(t, b.checkouts[0].ErrorMessage)
			}
		})
	}
}

func paymentUpdate(charge string) *models.Update {
	return &models.Update{Message: &models.Message{
		From: &models.User{ID: 42},
		Chat: models.Chat{ID: 42},
		SuccessfulPayment: &models.SuccessfulPayment{
			Currency:                "RUB",
			TotalAmount:             29900,
			InvoicePayload:          "plan:1_month",
			TelegramPaymentChargeID: charge,
		},
	}}
}

func TestSuccessfulPaymentReachesCoordinator(t *testing.T) {
	h, svc, _ := newTestHandlers()
	b := &fakeBot{}

	h.Dispatch(updateCtx(contextkeys.MessageTypePayment, "42", "en"), b, paymentUpdate("charge-1"))

	require.Len(t, svc.payments, 1)
	ev := svc.payments[0]
	assert.Equal(t, "telegram", ev.Provider)
	assert.Equal(t, "charge-1", ev.TransactionID)
	assert.Equal(t, "42", ev.SubscriberID)
	assert.Equal(t, "1_month", ev.PlanID)
	assert.Equal(t, types.PaymentConfirmed, ev.Status)
	assert.Contains(t, b.lastText(t), "Payment received")
}

func TestSuccessfulPaymentStoreFailure(t *testing.T) {
	h, svc, _ := newTestHandlers()
	svc.payErr = errors.Join(types.ErrStoreUnavailable, errors.New("db down"))
	b := &fakeBot{}

	h.Dispatch(updateCtx(contextkeys.MessageTypePayment, "42", "en"), b, paymentUpdate("charge-2"))

	require.Len(t, svc.payments, 1)
	assert.Contains(t, b.lastText(t), "Something went wrong")
}

func TestUnsupportedMessage(t *testing.T) {
	h, _, _ := newTestHandlers()
	b := &fakeBot{}

	h.Dispatch(updateCtx(contextkeys.MessageTypeText, "42", "en"), b, commandUpdate(42, "hello"))
	assert.Contains(t, b.lastText(t), "/plans")
}

func TestDispatchWithoutSubscriberIsIgnored(t *testing.T) {
	h, _, _ := newTestHandlers()
	b := &fakeBot{}
	ctx := contextkeys.WithMessageType(context.Background(), contextkeys.MessageTypeCommand)

	h.Dispatch(ctx, b, commandUpdate(42, "/start"))
	assert.Empty(t, b.messages)
}

func TestBuyButtonOffersPaymentMethods(t *testing.T) {
	h, _, _ := newCheckoutHandlers()
	b := &fakeBot{}

	h.Dispatch(clickCtx("buy:1_month"), b, click("buy:1_month"))

	assert.Empty(t, b.invoices)
	require.Len(t, b.messages, 1)
	var data []string
	for _, row := range keyboardOf(t, b.messages[0]) {
		data = append(data, row[0].CallbackData)
	}
	assert.Equal(t, []string{"pay:telegram:1_month", "pay:cryptomus:1_month", "pay:yoomoney:1_month"}, data)
	assert.Contains(t, b.messages[0].Text, "299.00 RUB")
}

func TestPayWithTelegramSendsInvoice(t *testing.T) {
	h, _, gw := newCheckoutHandlers()
	b := &fakeBot{}

	h.Dispatch(clickCtx("pay:telegram:1_month"), b, click("pay:telegram:1_month"))

	require.Len(t, b.invoices, 1)
	assert.Equal(t, "plan:1_month", b.invoices[0].Payload)
	assert.Empty(t, gw.orders)
}

func TestCheckoutRecordsPendingPayment(t *testing.T) {
	h, svc, gw := newCheckoutHandlers()
	b := &fakeBot{}

	h.Dispatch(clickCtx("pay:cryptomus:1_month"), b, click("pay:cryptomus:1_month"))

	require.Len(t, gw.orders, 1)
	assert.Equal(t, "42", gw.orders[0].SubscriberID)
	assert.Equal(t, "1_month", gw.orders[0].Plan.ID)
	assert.Regexp(t, `^[0-9a-f]{32}$`, gw.orders[0].Nonce)

	require.Len(t, svc.payments, 1)
	ev := svc.payments[0]
	assert.Equal(t, "cryptomus", ev.Provider)
	assert.Equal(t, "c-1", ev.TransactionID)
	assert.Equal(t, types.PaymentPending, ev.Status)
	assert.NotEmpty(t, ev.Fingerprint)

	require.Len(t, b.messages, 1)
	rows := keyboardOf(t, b.messages[0])
	require.Len(t, rows, 2)
	assert.Equal(t, "https://pay.cryptomus.com/pay/c-1", rows[0][0].URL)
	assert.Equal(t, "check", rows[1][0].CallbackData)
	assert.Contains(t, b.messages[0].Text, "Check payment")
}

func TestCheckoutWithoutTransactionID(t *testing.T) {
	h, svc, _ := newCheckoutHandlers()
	b := &fakeBot{}

	h.Dispatch(clickCtx("pay:yoomoney:1_month"), b, click("pay:yoomoney:1_month"))

	assert.Empty(t, svc.payments)
	require.Len(t, b.messages, 1)
	rows := keyboardOf(t, b.messages[0])
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0][0].URL, "yoomoney.ru")
	assert.Contains(t, b.messages[0].Text, "308.25 RUB")
}

func TestCheckoutProviderFailure(t *testing.T) {
	h, svc, _ := newCheckoutHandlers()
	b := &fakeBot{}

	h.Dispatch(clickCtx("pay:stripe:1_month"), b, click("pay:stripe:1_month"))

	assert.Empty(t, svc.payments)
	assert.Contains(t, b.lastText(t), "Something went wrong")

	h.Dispatch(clickCtx("pay:cryptomus:2_years"), b, click("pay:cryptomus:2_years"))
	assert.Contains(t, b.lastText(t), "Plan not found")
}

func TestCheckButton(t *testing.T) {
	h, svc, _ := newCheckoutHandlers()
	b := &fakeBot{}

	svc.check = coordinator.PaymentCheck{Pending: 1}
	h.Dispatch(clickCtx("check"), b, click("check"))
	assert.Equal(t, []string{"42"}, svc.checked)
	assert.Contains(t, b.lastText(t), "not received yet")

	svc.check = coordinator.PaymentCheck{Settled: 1}
	h.Dispatch(clickCtx("check"), b, click("check"))
	assert.Contains(t, b.lastText(t), "Payment received")
}

func TestBroadcastCommand(t *testing.T) {
	h, svc, _ := newTestHandlers()
	b := &fakeBot{}

	h.Dispatch(updateCtx(contextkeys.MessageTypeCommand, "42", "en"), b, commandUpdate(42, "/broadcast hi"))
	assert.Contains(t, b.lastText(t), "Admins only")
	assert.Empty(t, svc.broadcasts)

	admin := updateCtx(contextkeys.MessageTypeCommand, "1", "en")
	h.Dispatch(admin, b, commandUpdate(1, "/broadcast"))
	assert.Contains(t, b.lastText(t), "Usage")

	h.Dispatch(admin, b, commandUpdate(1, "/broadcast@vpn_bot  Server move tonight.\nExpect a short outage."))
	assert.Equal(t, []string{"Server move tonight.\nExpect a short outage."}, svc.broadcasts)
	assert.Contains(t, b.lastText(t), "queued for 3")
}
