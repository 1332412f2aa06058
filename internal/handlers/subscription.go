package handlers

import (
	"context"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/internal/messages"
	"github.com/BatmanBruc/bat-vpn-bot/internal/payments"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

// HandlePreCheckout approves a checkout only for a plan on sale at its
// current price.
func (bh *Handlers) HandlePreCheckout(ctx context.Context, b BotAPI, update *models.Update) {
	if update == nil || update.PreCheckoutQuery == nil {
		return
	}
	q := update.PreCheckoutQuery
	lang := langFromCtx(ctx)

	ok := false
	if planID, found := payments.PlanFromInvoicePayload(q.InvoicePayload); found {
		plans, err := bh.svc.Plans(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to list plans for pre-checkout")
		}
		if plan, known := findPlan(plans, planID); known {
			ok = strings.EqualFold(q.Currency, plan.Currency) && int64(q.TotalAmount) == plan.PriceMinor
		}
	}

	params := &bot.AnswerPreCheckoutQueryParams{PreCheckoutQueryID: q.ID, OK: ok}
	if !ok {
		params.ErrorMessage = "Invalid payment"
		if lang == i18n.RU {
			params.ErrorMessage = "Некорректный платеж"
		}
	}
	if _, err := b.AnswerPreCheckoutQuery(ctx, params); err != nil {
		log.Error().Err(err).Str("query_id", q.ID).Msg("Failed to answer pre-checkout query")
	}
}

// HandleSuccessfulPayment feeds a Telegram successful_payment into the
// coordinator. The update came from the Bot API itself, so it needs no
// webhook secret. Access is announced by the coordinator's notifications.
func (bh *Handlers) HandleSuccessfulPayment(ctx context.Context, b BotAPI, update *models.Update, subscriberID string) {
	if update == nil || update.Message == nil || update.Message.SuccessfulPayment == nil {
		return
	}
	lang := langFromCtx(ctx)
	chatID := chatIDOf(update, subscriberID)
	charge := update.Message.SuccessfulPayment.TelegramPaymentChargeID
	logger := log.With().Str("subscriber_id", subscriberID).Str("tx_id", charge).Logger()

	ev, err := bh.telegram.Event(update)
	if err != nil {
		logger.Error().Err(err).Msg("Telegram payment rejected")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}

	bh.reply(ctx, b, chatID, messages.PaymentReceived(lang))
	out, err := bh.svc.HandlePayment(ctx, ev)
	if err != nil {
		logger.Error().Err(err).Msg("Telegram payment could not be applied")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}
	logger.Info().Str("result", string(out.Result)).Str("action", out.Action).Msg("Telegram payment handled")
}
