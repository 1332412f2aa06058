package middleware

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"

	"github.com/BatmanBruc/bat-vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/types"
)

// SubscriberRegistry registers chat users on first contact.
type SubscriberRegistry interface {
	EnsureSubscriber(ctx context.Context, subscriberID, locale string) (*types.Subscriber, error)
}

type Middlewares struct {
	registry SubscriberRegistry
}

func NewMiddlewares(registry SubscriberRegistry) *Middlewares {
	return &Middlewares{
		registry: registry,
	}
}

// SubscriberMiddleware resolves the sender, makes sure a subscriber row exists
// and puts the subscriber id and language into ctx. Updates without a sender
// are dropped.
func (m *Middlewares) SubscriberMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		userID, langCode := sender(update)
		if userID == 0 {
			return
		}
		id := strconv.FormatInt(userID, 10)
		lang := i18n.FromLanguageCode(langCode)

		sub, err := m.registry.EnsureSubscriber(ctx, id, string(lang))
		if err != nil {
			// Payments must still reach the coordinator; fall back to the client language.
			log.Error().Err(err).Str("subscriber_id", id).Msg("Failed to register subscriber")
		} else if sub.Locale != "" {
			lang = i18n.Parse(sub.Locale)
		}

		ctx = contextkeys.WithSubscriberID(ctx, id)
		ctx = contextkeys.WithLang(ctx, string(lang))
		next(ctx, b, update)
	}
}

func sender(update *models.Update) (int64, string) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID, update.Message.From.LanguageCode
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From.ID, update.CallbackQuery.From.LanguageCode
	case update.PreCheckoutQuery != nil && update.PreCheckoutQuery.From != nil:
		return update.PreCheckoutQuery.From.ID, update.PreCheckoutQuery.From.LanguageCode
	default:
		return 0, ""
	}
}

func (m *Middlewares) AnalyzeMessageMiddleware(next bot.HandlerFunc) bot.HandlerFunc {
	return func(ctx context.Context, b *bot.Bot, update *models.Update) {
		next(Classify(ctx, update), b, update)
	}
}

// Classify tags ctx with the kind of update.
func Classify(ctx context.Context, update *models.Update) context.Context {
	switch {
	case update.CallbackQuery != nil && update.CallbackQuery.Data != "":
		ctx = contextkeys.WithMessageType(ctx, contextkeys.MessageTypeClickButton)
		return contextkeys.WithCallbackData(ctx, update.CallbackQuery.Data)
	case update.PreCheckoutQuery != nil:
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypePreCheckout)
	case update.Message == nil:
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeUnknown)
	case update.Message.SuccessfulPayment != nil:
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypePayment)
	case strings.HasPrefix(update.Message.Text, "/"):
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeCommand)
	case update.Message.Text != "":
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeText)
	default:
		return contextkeys.WithMessageType(ctx, contextkeys.MessageTypeUnknown)
	}
}
