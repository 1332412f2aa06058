package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/internal/messages"
	"github.com/BatmanBruc/bat-vpn-bot/internal/utils"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

func (bh *Handlers) HandleCommand(ctx context.Context, b BotAPI, update *models.Update, subscriberID string) {
	lang := langFromCtx(ctx)
	chatID := update.Message.Chat.ID
	fields := strings.Fields(strings.TrimSpace(update.Message.Text))
	if len(fields) == 0 {
		return
	}
	cmd := fields[0]
	if strings.Contains(cmd, "@") {
		cmd = strings.SplitN(cmd, "@", 2)[0]
	}
	args := fields[1:]

	switch cmd {
	case "/start", "/help":
		bh.reply(ctx, b, chatID, messages.StartWelcome(lang))
	case "/plans":
		bh.sendPlans(ctx, b, chatID, lang)
	case "/status":
		bh.sendStatus(ctx, b, chatID, subscriberID, lang)
	case "/lang":
		bh.setLang(ctx, b, chatID, subscriberID, args)
	case "/revoke", "/refunds", "/sweep", "/broadcast":
		if !bh.isAdmin(subscriberID) {
			bh.reply(ctx, b, chatID, messages.AdminOnly(lang))
			return
		}
		if cmd == "/broadcast" {
			bh.broadcast(ctx, b, chatID, update.Message.Text, lang)
			return
		}
		bh.handleAdmin(ctx, b, chatID, cmd, args, lang)
	default:
		bh.reply(ctx, b, chatID, messages.ErrorUnknownCommand(lang))
	}
}

func (bh *Handlers) sendPlans(ctx context.Context, b BotAPI, chatID int64, lang i18n.Lang) {
	plans, err := bh.svc.Plans(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list plans")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}
	if len(plans) == 0 {
		bh.reply(ctx, b, chatID, messages.PlansEmpty(lang))
		return
	}
	buttons := make([]utils.Button, 0, len(plans))
	for _, p := range plans {
		buttons = append(buttons, utils.Button{Text: messages.PlanButton(p), CallbackData: buyPrefix + p.ID})
	}
	kb := utils.BuildInlineKeyboard(buttons, 1)
	_, err = b.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:      chatID,
		Text:        messages.PlansHeader(lang),
		ParseMode:   messages.ParseModeHTML,
		ReplyMarkup: &kb,
	})
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("Failed to send plans")
	}
}

func (bh *Handlers) sendStatus(ctx context.Context, b BotAPI, chatID int64, subscriberID string, lang i18n.Lang) {
	view, err := bh.svc.Status(ctx, subscriberID)
	if err != nil {
		log.Error().Err(err).Str("subscriber_id", subscriberID).Msg("Failed to load status")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}
	if view.Subscription == nil {
		bh.reply(ctx, b, chatID, messages.StatusNone(lang))
		return
	}
	bh.reply(ctx, b, chatID, messages.Status(lang, view.Subscription, view.Plan))
}

func (bh *Handlers) setLang(ctx context.Context, b BotAPI, chatID int64, subscriberID string, args []string) {
	if len(args) != 1 || !i18n.Supported(args[0]) {
		bh.reply(ctx, b, chatID, messages.LangUsage(langFromCtx(ctx)))
		return
	}
	lang := i18n.Parse(args[0])
	if err := bh.svc.SetLocale(ctx, subscriberID, string(lang)); err != nil {
		log.Error().Err(err).Str("subscriber_id", subscriberID).Msg("Failed to set locale")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}
	bh.reply(ctx, b, chatID, messages.LangChanged(lang))
}

func (bh *Handlers) handleAdmin(ctx context.Context, b BotAPI, chatID int64, cmd string, args []string, lang i18n.Lang) {
	switch cmd {
	case "/revoke":
		if len(args) == 0 {
			bh.reply(ctx, b, chatID, messages.RevokeUsage())
			return
		}
		reason := strings.Join(args[1:], " ")
		if reason == "" {
			reason = "admin"
		}
		sub, err := bh.svc.AdminRevoke(ctx, args[0], reason)
		switch {
		case errors.Is(err, types.ErrNotFound):
			bh.reply(ctx, b, chatID, messages.StatusNone(lang))
		case err != nil:
			log.Error().Err(err).Str("subscriber_id", args[0]).Msg("Admin revoke failed")
			bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		default:
			bh.reply(ctx, b, chatID, messages.RevokeDone(args[0], sub))
		}

	case "/refunds":
		if len(args) == 2 && args[0] == "resolve" {
			if err := bh.svc.ResolveRefundReview(ctx, args[1]); err != nil {
				bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
				return
			}
			bh.reply(ctx, b, chatID, messages.RefundResolved(args[1]))
			return
		}
		reviews, err := bh.svc.OpenRefundReviews(ctx)
		if err != nil {
			bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
			return
		}
		if len(reviews) == 0 {
			bh.reply(ctx, b, chatID, messages.RefundsEmpty())
			return
		}
		lines := make([]string, 0, len(reviews))
		for _, r := range reviews {
			lines = append(lines, messages.RefundLine(r))
		}
		bh.reply(ctx, b, chatID, strings.Join(lines, "\n"))

	case "/sweep":
		if bh.jobs == nil {
			bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
			return
		}
		ran, err := bh.jobs.RunNow(ctx, bh.opts.SweepJob)
		if err != nil {
			log.Error().Err(err).Msg("Manual sweep failed")
			bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
			return
		}
		bh.reply(ctx, b, chatID, messages.SweepFinished(ran))
	}
}

// broadcast sends the rest of the command text, line breaks kept, to every
// subscriber through the notification queue.
func (bh *Handlers) broadcast(ctx context.Context, b BotAPI, chatID int64, raw string, lang i18n.Lang) {
	raw = strings.TrimSpace(raw)
	text := ""
	if i := strings.IndexAny(raw, " \t\n"); i > 0 {
		text = strings.TrimSpace(raw[i:])
	}
	if text == "" {
		bh.reply(ctx, b, chatID, messages.BroadcastUsage())
		return
	}
	n, err := bh.svc.Broadcast(ctx, text)
	if err != nil {
		log.Error().Err(err).Int("queued", n).Msg("Broadcast failed")
		bh.reply(ctx, b, chatID, messages.ErrorDefault(lang))
		return
	}
	bh.reply(ctx, b, chatID, messages.BroadcastQueued(n))
}
