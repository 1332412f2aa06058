package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/bat-vpn-bot/internal/coordinator"
	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/internal/messages"
	"github.com/BatmanBruc/bat-vpn-bot/internal/payments"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

// BotAPI is the subset of *bot.Bot the handlers call.
type BotAPI interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendInvoice(ctx context.Context, params *bot.SendInvoiceParams) (*models.Message, error)
	AnswerPreCheckoutQuery(ctx context.Context, params *bot.AnswerPreCheckoutQueryParams) (bool, error)
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Service is what chat intents need from the coordinator.
type Service interface {
	Plans(ctx context.Context) ([]types.Plan, error)
	Status(ctx context.Context, subscriberID string) (coordinator.StatusView, error)
	SetLocale(ctx context.Context, subscriberID, locale string) error
	HandlePayment(ctx context.Context, ev types.PaymentEvent) (coordinator.PaymentOutcome, error)
	AdminRevoke(ctx context.Context, subscriberID, reason string) (*types.Subscription, error)
	OpenRefundReviews(ctx context.Context) ([]types.RefundReview, error)
	ResolveRefundReview(ctx context.Context, id string) error
	CheckPayments(ctx context.Context, poller coordinator.PaymentPoller, subscriberID string) (coordinator.PaymentCheck, error)
	Broadcast(ctx context.Context, text string) (int, error)
}

// PaymentGateway opens hosted checkouts and polls their status.
type PaymentGateway interface {
	coordinator.PaymentPoller
	Methods() []string
	Create(ctx context.Context, provider string, o payments.Order) (payments.Checkout, error)
}

// JobRunner triggers a scheduled job out of band.
type JobRunner interface {
	RunNow(ctx context.Context, name string) (bool, error)
}

type Options struct {
	// ProviderToken is the Telegram Payments provider token; empty sells in
	// Telegram Stars.
	ProviderToken string
	AdminIDs      []string
	SweepJob      string
}

type Handlers struct {
	svc      Service
	gateway  PaymentGateway
	telegram *payments.TelegramProvider
	jobs     JobRunner
	opts     Options
	admins   map[string]struct{}
}

func NewHandlers(svc Service, gateway PaymentGateway, telegram *payments.TelegramProvider, jobs JobRunner, opts Options) *Handlers {
	admins := make(map[string]struct{}, len(opts.AdminIDs))
	for _, id := range opts.AdminIDs {
		admins[strings.TrimSpace(id)] = struct{}{}
	}
	return &Handlers{
		svc:      svc,
		gateway:  gateway,
		telegram: telegram,
		jobs:     jobs,
		opts:     opts,
		admins:   admins,
	}
}

func (bh *Handlers) isAdmin(subscriberID string) bool {
	_, ok := bh.admins[subscriberID]
	return ok
}

func langFromCtx(ctx context.Context) i18n.Lang {
	if v, ok := contextkeys.GetLang(ctx); ok {
		return i18n.Parse(v)
	}
	return i18n.Default
}

// MainHandler is registered with the bot behind the middlewares.
func (bh *Handlers) MainHandler(ctx context.Context, b *bot.Bot, update *models.Update) {
	bh.Dispatch(ctx, b, update)
}

func (bh *Handlers) Dispatch(ctx context.Context, b BotAPI, update *models.Update) {
	messageType, _ := contextkeys.GetMessageType(ctx)
	subscriberID, ok := contextkeys.GetSubscriberID(ctx)
	if !ok {
		log.Warn().Str("type", string(messageType)).Msg("Update without subscriber id")
		return
	}

	switch messageType {
	case contextkeys.MessageTypeCommand:
		bh.HandleCommand(ctx, b, update, subscriberID)
	case contextkeys.MessageTypeClickButton:
		bh.HandleClickButton(ctx, b, update, subscriberID)
	case contextkeys.MessageTypePreCheckout:
		bh.HandlePreCheckout(ctx, b, update)
	case contextkeys.MessageTypePayment:
		bh.HandleSuccessfulPayment(ctx, b, update, subscriberID)
	default:
		if chatID := getChatIDFromUpdate(update); chatID != 0 {
			bh.reply(ctx, b, chatID, messages.ErrorUnsupportedMessageType(langFromCtx(ctx)))
		}
	}
}

func (bh *Handlers) reply(ctx context.Context, b BotAPI, chatID int64, text string) {
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: messages.ParseModeHTML,
	})
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send reply")
	}
}

func getChatIDFromUpdate(update *models.Update) int64 {
	switch {
	case update.Message != nil:
		return update.Message.Chat.ID
	case update.CallbackQuery != nil:
		if m := update.CallbackQuery.Message.Message; m != nil {
			return m.Chat.ID
		}
		if m := update.CallbackQuery.Message.InaccessibleMessage; m != nil {
			return m.Chat.ID
		}
		return update.CallbackQuery.From.ID
	default:
		return 0
	}
}

func chatIDOf(update *models.Update, subscriberID string) int64 {
	if id := getChatIDFromUpdate(update); id != 0 {
		return id
	}
	id, _ := strconv.ParseInt(subscriberID, 10, 64)
	return id
}

func findPlan(plans []types.Plan, id string) (types.Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return types.Plan{}, false
}
