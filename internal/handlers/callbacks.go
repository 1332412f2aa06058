package handlers

import (
	"context"
	"slices"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/internal/contextkeys"
	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/internal/messages"
	"github.com/BatmanBruc/bat-vpn-bot/internal/payments"
	"github.com/BatmanBruc/bat-vpn-bot/internal/utils"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Callback data: buy:<plan>, pay:<provider>:<plan> and check. Telegram caps
// callback data at 64 bytes, so check is scoped to the subscriber rather
// than carrying a transaction id.
const (
	buyPrefix    = "buy:"
	payPrefix    = "pay:"
	checkPayment = "check"
)

func (bh *Handlers) answerCallback(ctx context.Context, b BotAPI, id string) {
	if _, err := b.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{CallbackQueryID: id}); err != nil {
		log.Debug().Err(err).Msg("Failed to answer callback query")
	}
}

func (bh *Handlers) HandleClickButton(ctx context.Context, b BotAPI, update *models.Update, subscriberID string) {
	if update.CallbackQuery == nil {
		return
	}
	bh.answerCallback(ctx, b, update.CallbackQuery.ID)

	data, _ := contextkeys.GetCallbackData(ctx)
	data = strings.TrimSpace(data)
	chatID := chatIDOf(update, subscriberID)

	switch {
	case strings.HasPrefix(data, buyPrefix):
		bh.choosePaymentMethod(ctx, b, chatID, strings.TrimPrefix(data, buyPrefix))
	case strings.HasPrefix(data, payPrefix):
		provider, planID, ok := strings.Cut(strings.TrimPrefix(data, payPrefix), ":")
		if !ok {
			return
		}
		if provider == payments.ProviderTelegram {
			bh.sendInvoice(ctx, b, chatID, planID)
			return
		}
		bh.openCheckout(ctx, b, chatID, subscriberID, provider, planID)
	case data == checkPayment:
		bh.checkPayments(ctx, b, chatID, subscriberID)
	}
}

func (bh *Handlers) planByID(ctx context.Context, b BotAPI, chatID int64, planID string) (types.Plan, bool) {
	lang := langFromCtx(ctx)
	plans, err := bh.svc.Plans(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list plans")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return types.Plan{}, false
	}
	plan, ok := findPlan(plans, planID)
	if !ok {
		bh.reply(ctx, b, chatID, messages.ErrorUnknownPlan(lang))
		return types.Plan{}, false
	}
	return plan, true
}

// choosePaymentMethod offers Telegram alongside every provider able to open
// a checkout. With no such provider the invoice goes out directly.
func (bh *Handlers) choosePaymentMethod(ctx context.Context, b BotAPI, chatID int64, planID string) {
	methods := bh.gateway.Methods()
	if len(methods) == 0 {
		bh.sendInvoice(ctx, b, chatID, planID)
		return
	}
	plan, ok := bh.planByID(ctx, b, chatID, planID)
	if !ok {
		return
	}
	lang := langFromCtx(ctx)
	buttons := make([]utils.Button, 0, len(methods)+1)
	for _, m := range append([]string{payments.ProviderTelegram}, methods...) {
		buttons = append(buttons, utils.Button{
			Text:         messages.MethodButton(lang, m),
			CallbackData: payPrefix + m + ":" + plan.ID,
		})
	}
	kb := utils.BuildInlineKeyboard(buttons, 1)
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        messages.PaymentMethods(lang, plan),
		ParseMode:   messages.ParseModeHTML,
		ReplyMarkup: &kb,
	})
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send payment methods")
	}
}

// openCheckout creates a hosted checkout and records it as a pending payment
// when the provider already assigned a transaction id, so the poll job and
// the check button can follow it.
func (bh *Handlers) openCheckout(ctx context.Context, b BotAPI, chatID int64, subscriberID, provider, planID string) {
	lang := langFromCtx(ctx)
	plan, ok := bh.planByID(ctx, b, chatID, planID)
	if !ok {
		return
	}
	logger := log.With().Str("subscriber_id", subscriberID).Str("provider", provider).Str("plan_id", plan.ID).Logger()

	order := payments.Order{
		SubscriberID: subscriberID,
		Plan:         plan,
		Nonce:        strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
	co, err := bh.gateway.Create(ctx, provider, order)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open checkout")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}
	ev, tracked, err := co.PendingEvent(order)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build pending payment")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}
	if tracked {
		if _, err := bh.svc.HandlePayment(ctx, ev); err != nil {
			// The provider webhook still records the payment.
			logger.Warn().Err(err).Str("tx_id", ev.TransactionID).Msg("Failed to record pending payment")
		}
	}
	logger.Info().Str("tx_id", co.TransactionID).Msg("Checkout opened")

	checkable := tracked && slices.Contains(bh.gateway.Pollers(), co.Provider)
	bh.sendCheckout(ctx, b, chatID, lang, plan, co, checkable)
}

func (bh *Handlers) sendCheckout(ctx context.Context, b BotAPI, chatID int64, lang i18n.Lang, plan types.Plan, co payments.Checkout, checkable bool) {
	buttons := []utils.Button{{Text: messages.PayButton(lang), URL: co.URL}}
	if checkable {
		buttons = append(buttons, utils.Button{Text: messages.CheckButton(lang), CallbackData: checkPayment})
	}
	kb := utils.BuildInlineKeyboard(buttons, 1)
	_, err := b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        messages.CheckoutOpened(lang, plan, co.Amount, co.Currency, checkable),
		ParseMode:   messages.ParseModeHTML,
		ReplyMarkup: &kb,
	})
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send checkout link")
	}
}

func (bh *Handlers) checkPayments(ctx context.Context, b BotAPI, chatID int64, subscriberID string) {
	lang := langFromCtx(ctx)
	check, err := bh.svc.CheckPayments(ctx, bh.gateway, subscriberID)
	if err != nil {
		log.Error().Err(err).Str("subscriber_id", subscriberID).Msg("Payment check failed")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}
	bh.reply(ctx, b, chatID, messages.PaymentCheck(lang, check.Settled, check.Pending))
}

func (bh *Handlers) sendInvoice(ctx context.Context, b BotAPI, chatID int64, planID string) {
	lang := langFromCtx(ctx)
	plan, ok := bh.planByID(ctx, b, chatID, planID)
	if !ok {
		return
	}

	_, err := b.SendInvoice(ctx, &bot.SendInvoiceParams{
		ChatID:         chatID,
		Title:          messages.InvoiceTitle(lang, plan),
		Description:    messages.InvoiceDescription(lang, plan),
		Payload:        payments.InvoicePayload(plan.ID),
		ProviderToken:  bh.opts.ProviderToken,
		Currency:       plan.Currency,
		Prices:         []models.LabeledPrice{{Label: plan.Name, Amount: int(plan.PriceMinor)}},
		StartParameter: plan.ID,
	})
	if err != nil {
		log.Error().Err(err).Str("plan_id", plan.ID).Int64("chat_id", chatID).Msg("Failed to send invoice")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
	}
}
