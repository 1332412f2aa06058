package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/BatmanBruc/bat-vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		update *models.Update
		want   contextkeys.MessageType
	}{
		{"command", &models.Update{Message: &models.Message{Text: "/plans"}}, contextkeys.MessageTypeCommand},
		{"text", &models.Update{Message: &models.Message{Text: "hello"}}, contextkeys.MessageTypeText},
		{"payment", &models.Update{Message: &models.Message{SuccessfulPayment: &models.SuccessfulPayment{}}}, contextkeys.MessageTypePayment},
		{"pre-checkout", &models.Update{PreCheckoutQuery: &models.PreCheckoutQuery{ID: "q"}}, contextkeys.MessageTypePreCheckout},
		{"button", &models.Update{CallbackQuery: &models.CallbackQuery{Data: "buy:1_month"}}, contextkeys.MessageTypeClickButton},
		{"sticker", &models.Update{Message: &models.Message{}}, contextkeys.MessageTypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := contextkeys.GetMessageType(Classify(context.Background(), tt.update))
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

type registry struct {
	locale string
	err    error
	seen   []string
}

func (r *registry) EnsureSubscriber(_ context.Context, id, locale string) (*types.Subscriber, error) {
	r.seen = append(r.seen, id+"/"+locale)
	if r.err != nil {
		return nil, r.err
	}
	if r.locale != "" {
		locale = r.locale
	}
	return &types.Subscriber{ID: id, Locale: locale}, nil
}

func run(m *Middlewares, update *models.Update) (context.Context, bool) {
	var got context.Context
	m.SubscriberMiddleware(func(ctx context.Context, _ *bot.Bot, _ *models.Update) {
		got = ctx
	})(context.Background(), nil, update)
	return got, got != nil
}

func TestSubscriberMiddlewareUsesStoredLocale(t *testing.T) {
	r := &registry{locale: "en"}
	ctx, called := run(NewMiddlewares(r), &models.Update{Message: &models.Message{From: &models.User{ID: 42, LanguageCode: "ru"}}})
	assert.True(t, called)

	id, _ := contextkeys.GetSubscriberID(ctx)
	lang, _ := contextkeys.GetLang(ctx)
	assert.Equal(t, "42", id)
	assert.Equal(t, "en", lang)
	assert.Equal(t, []string{"42/ru"}, r.seen)
}

func TestSubscriberMiddlewareContinuesOnStoreError(t *testing.T) {
	r := &registry{err: errors.New("db down")}
	ctx, called := run(NewMiddlewares(r), &models.Update{CallbackQuery: &models.CallbackQuery{From: models.User{ID: 7, LanguageCode: "en-US"}}})
	assert.True(t, called)
	lang, _ := contextkeys.GetLang(ctx)
	assert.Equal(t, "en", lang)
}

func TestSubscriberMiddlewareDropsAnonymous(t *testing.T) {
	_, called := run(NewMiddlewares(&registry{}), &models.Update{Message: &models.Message{Text: "hi"}})
	assert.False(t, called)
}
