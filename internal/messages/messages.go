package messages

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/types"
)

const ParseModeHTML = "HTML"

func Escape(s string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&#39;",
	)
	return replacer.Replace(strings.TrimSpace(s))
}

func Title(text string) string {
	return fmt.Sprintf("✨ <b>%s</b>", Escape(text))
}

type text struct {
	ru string
	en string
}

func (t text) in(lang i18n.Lang) string {
	if lang == i18n.EN {
		return t.en
	}
	return t.ru
}

// FormatPrice renders minor units as "299.00 RUB".
func FormatPrice(minor int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", minor/100, minor%100, currency)
}

// FormatDate accepts an RFC3339 timestamp and renders it for chat.
func FormatDate(ts string) string {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return Escape(ts)
	}
	return t.UTC().Format("02.01.2006 15:04 UTC")
}

func ErrorDefault(lang i18n.Lang) string {
	return text{
		ru: "🚫 <b>Ошибка</b>\nПопробуйте ещё раз.",
		en: "🚫 <b>Something went wrong</b>\nPlease try again.",
	}.in(lang)
}

func ErrorUnknownCommand(lang i18n.Lang) string {
	return text{
		ru: "❓ <b>Команда не найдена</b>\nСписок команд: /help",
		en: "❓ <b>Unknown command</b>\nSee /help",
	}.in(lang)
}

func ErrorUnsupportedMessageType(lang i18n.Lang) string {
	return text{
		ru: "🤖 <b>Я так не умею</b>\nВыберите тариф: /plans",
		en: "🤖 <b>I can't do that</b>\nPick a plan: /plans",
	}.in(lang)
}

func ErrorUnknownPlan(lang i18n.Lang) string {
	return text{
		ru: "🚫 <b>Тариф не найден</b>\nОткройте /plans и выберите снова.",
		en: "🚫 <b>Plan not found</b>\nOpen /plans and pick again.",
	}.in(lang)
}

func StartWelcome(lang i18n.Lang) string {
	return text{
		ru: "👋 <b>Привет!</b>\nЗдесь можно купить доступ к VPN.\n\n" +
			"💳 /plans — тарифы и оплата\n" +
			"📊 /status — ваша подписка\n" +
			"🌐 /lang ru|en — язык",
		en: "👋 <b>Hi!</b>\nThis bot sells VPN access.\n\n" +
			"💳 /plans — plans and checkout\n" +
			"📊 /status — your subscription\n" +
			"🌐 /lang ru|en — language",
	}.in(lang)
}

func PlansHeader(lang i18n.Lang) string {
	return text{
		ru: "💳 <b>Тарифы</b>\nВыберите срок подписки:",
		en: "💳 <b>Plans</b>\nChoose a subscription term:",
	}.in(lang)
}

func PlansEmpty(lang i18n.Lang) string {
	return text{
		ru: "😔 <b>Тарифов пока нет</b>",
		en: "😔 <b>No plans on sale yet</b>",
	}.in(lang)
}

func PlanButton(p types.Plan) string {
	return fmt.Sprintf("%s · %s", p.Name, FormatPrice(p.PriceMinor, p.Currency))
}

func InvoiceTitle(lang i18n.Lang, p types.Plan) string {
	return text{ru: "VPN: ", en: "VPN: "}.in(lang) + p.Name
}

func InvoiceDescription(lang i18n.Lang, p types.Plan) string {
	if p.Description != "" {
		return p.Description
	}
	return fmt.Sprintf(text{
		ru: "Доступ к VPN на %d дн.",
		en: "VPN access for %d days",
	}.in(lang), p.DurationDays)
}

func PaymentReceived(lang i18n.Lang) string {
	return text{
		ru: "✅ <b>Оплата получена</b>\nПодключаем доступ…",
		en: "✅ <b>Payment received</b>\nSetting up your access…",
	}.in(lang)
}

func PaymentMethods(lang i18n.Lang, p types.Plan) string {
	return fmt.Sprintf(text{
		ru: "💳 <b>%s</b> · %s\nВыберите способ оплаты:",
		en: "💳 <b>%s</b> · %s\nChoose how to pay:",
	}.in(lang), Escape(p.Name), FormatPrice(p.PriceMinor, p.Currency))
}

var methodNames = map[string]text{
	"telegram":  {ru: "Telegram", en: "Telegram"},
	"cryptomus": {ru: "Криптовалюта", en: "Crypto"},
	"yoomoney":  {ru: "Карта (ЮMoney)", en: "Card (YooMoney)"},
	"stripe":    {ru: "Карта (Stripe)", en: "Card (Stripe)"},
}

func MethodButton(lang i18n.Lang, provider string) string {
	if t, ok := methodNames[provider]; ok {
		return t.in(lang)
	}
	return provider
}

func CheckoutOpened(lang i18n.Lang, p types.Plan, amount int64, currency string, checkable bool) string {
	msg := fmt.Sprintf(text{
		ru: "🧾 <b>Счёт на оплату</b>\nТариф: %s\nК оплате: %s",
		en: "🧾 <b>Payment link</b>\nPlan: %s\nAmount due: %s",
	}.in(lang), Escape(p.Name), FormatPrice(amount, currency))
	if checkable {
		msg += text{
			ru: "\n\nПосле оплаты нажмите «Проверить оплату».",
			en: "\n\nTap “Check payment” once you have paid.",
		}.in(lang)
	}
	return msg
}

func PayButton(lang i18n.Lang) string {
	return text{ru: "Оплатить", en: "Pay"}.in(lang)
}

func CheckButton(lang i18n.Lang) string {
	return text{ru: "Проверить оплату", en: "Check payment"}.in(lang)
}

func PaymentCheck(lang i18n.Lang, settled, pending int) string {
	switch {
	case settled > 0:
		return PaymentReceived(lang)
	case pending > 0:
		return text{
			ru: "⏳ <b>Оплата ещё не поступила</b>\nПроверьте чуть позже.",
			en: "⏳ <b>Payment not received yet</b>\nPlease check again shortly.",
		}.in(lang)
	default:
		return text{
			ru: "📭 <b>Неоплаченных счетов нет</b>\nОформить: /plans",
			en: "📭 <b>No open payments</b>\nSubscribe: /plans",
		}.in(lang)
	}
}

func StatusNone(lang i18n.Lang) string {
	return text{
		ru: "📭 <b>Активной подписки нет</b>\nОформить: /plans",
		en: "📭 <b>No active subscription</b>\nSubscribe: /plans",
	}.in(lang)
}

func Status(lang i18n.Lang, sub *types.Subscription, plan *types.Plan) string {
	var b strings.Builder
	b.WriteString(text{ru: "📊 <b>Ваша подписка</b>\n", en: "📊 <b>Your subscription</b>\n"}.in(lang))
	if plan != nil {
		b.WriteString(text{ru: "Тариф: ", en: "Plan: "}.in(lang) + Escape(plan.Name) + "\n")
	}
	b.WriteString(text{ru: "Статус: ", en: "State: "}.in(lang) + stateLabel(lang, sub.State) + "\n")
	if sub.ExpiresAt != nil {
		b.WriteString(text{ru: "Действует до: ", en: "Valid until: "}.in(lang) + FormatDate(sub.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func stateLabel(lang i18n.Lang, s types.SubscriptionState) string {
	switch s {
	case types.StateConfirmed:
		return text{ru: "⏳ подключается", en: "⏳ activating"}.in(lang)
	case types.StateActive:
		return text{ru: "✅ активна", en: "✅ active"}.in(lang)
	case types.StateExpiring:
		return text{ru: "⚠️ скоро истекает", en: "⚠️ expiring soon"}.in(lang)
	default:
		return string(s)
	}
}

func LangUsage(lang i18n.Lang) string {
	return text{
		ru: "🌐 Использование: <code>/lang ru</code> или <code>/lang en</code>",
		en: "🌐 Usage: <code>/lang ru</code> or <code>/lang en</code>",
	}.in(lang)
}

func LangChanged(lang i18n.Lang) string {
	return text{
		ru: "🌐 Язык: русский",
		en: "🌐 Language: English",
	}.in(lang)
}

func AdminOnly(lang i18n.Lang) string {
	return text{
		ru: "⛔ Команда доступна только администраторам.",
		en: "⛔ Admins only.",
	}.in(lang)
}

func RevokeUsage() string {
	return "Usage: <code>/revoke &lt;subscriber_id&gt; [reason]</code>"
}

func RevokeDone(subscriberID string, sub *types.Subscription) string {
	return fmt.Sprintf("🛑 Subscription <code>%s</code> of <code>%s</code> is %s", Escape(sub.ID), Escape(subscriberID), sub.State)
}

func RefundsEmpty() string {
	return "✅ No open refund reviews"
}

func RefundLine(r types.RefundReview) string {
	return fmt.Sprintf("• <code>%s</code> subscriber %s %s/%s: %s",
		Escape(r.ID), Escape(r.SubscriberID), Escape(r.Provider), Escape(r.TransactionID), Escape(r.Reason))
}

func RefundResolved(id string) string {
	return fmt.Sprintf("✅ Review <code>%s</code> resolved", Escape(id))
}

func BroadcastUsage() string {
	return "Usage: <code>/broadcast &lt;text&gt;</code>"
}

func BroadcastQueued(n int) string {
	return fmt.Sprintf("📣 Broadcast queued for %d subscribers", n)
}

func SweepFinished(ran bool) string {
	if !ran {
		return "⏳ Sweep is already running"
	}
	return "🧹 Sweep finished"
}

var notificationTexts = map[types.NotificationKind]text{
	types.NotifyActivated: {
		ru: "✅ <b>VPN подключён</b>\nТариф: {plan}\nДействует до: {expires_at}\nКлюч: <code>{credential_ref}</code>",
		en: "✅ <b>VPN is on</b>\nPlan: {plan}\nValid until: {expires_at}\nKey: <code>{credential_ref}</code>",
	},
	types.NotifyRenewed: {
		ru: "🔄 <b>Подписка продлена</b>\nТариф: {plan}\nДействует до: {expires_at}",
		en: "🔄 <b>Subscription renewed</b>\nPlan: {plan}\nValid until: {expires_at}",
	},
	types.NotifyGrantDelayed: {
		ru: "⏳ <b>Оплата получена</b>\nVPN-сервер временно недоступен, подключим доступ автоматически.",
		en: "⏳ <b>Payment received</b>\nThe VPN server is busy; access will be set up automatically.",
	},
	types.NotifyActivationFailed: {
		ru: "🚫 <b>Не удалось подключить VPN</b>\nМы разберёмся с оплатой и свяжемся с вами.",
		en: "🚫 <b>Could not set up VPN access</b>\nWe will review your payment and get back to you.",
	},
	types.NotifyRenewalFailed: {
		ru: "⚠️ <b>Продление не удалось</b>\nТекущий доступ действует до {expires_at}. Мы проверим оплату.",
		en: "⚠️ <b>Renewal failed</b>\nYour current access lasts until {expires_at}. We will review the payment.",
	},
	types.NotifyExpiringSoon: {
		ru: "⏰ <b>Подписка скоро закончится</b>\nДействует до: {expires_at}\nПродлить: /plans",
		en: "⏰ <b>Subscription ends soon</b>\nValid until: {expires_at}\nRenew: /plans",
	},
	types.NotifyExpired: {
		ru: "⌛ <b>Подписка закончилась</b>\nОформить новую: /plans",
		en: "⌛ <b>Subscription expired</b>\nSubscribe again: /plans",
	},
	types.NotifyRevoked: {
		ru: "🛑 <b>Доступ к VPN отключён</b>",
		en: "🛑 <b>VPN access revoked</b>",
	},
	types.NotifyPaymentFailed: {
		ru: "🚫 <b>Оплата не прошла</b>\nПопробуйте ещё раз: /plans",
		en: "🚫 <b>Payment failed</b>\nTry again: /plans",
	},
	types.NotifyPaymentReview: {
		ru: "🔎 <b>Оплата на проверке</b>\nСумма: {amount_fmt}\nМы свяжемся с вами.",
		en: "🔎 <b>Payment under review</b>\nAmount: {amount_fmt}\nWe will get back to you.",
	},
	types.NotifyAdminRefund: {
		ru: "💸 <b>Нужна проверка возврата</b>\nID: <code>{review_id}</code>\nПодписчик: {subscriber_id}\nПлатёж: {provider}/{tx_id}\nПричина: {reason}",
		en: "💸 <b>Refund review needed</b>\nID: <code>{review_id}</code>\nSubscriber: {subscriber_id}\nPayment: {provider}/{tx_id}\nReason: {reason}",
	},
}

// Notification renders a coordinator notification. Unknown kinds render as
// an empty string.
func Notification(lang i18n.Lang, n types.Notification) string {
	if n.Kind == types.NotifyBroadcast {
		// Admin text is sent as written, braces included.
		return "📣 " + Escape(n.Data["text"])
	}
	t, ok := notificationTexts[n.Kind]
	if !ok {
		return ""
	}
	pairs := make([]string, 0, 2*len(n.Data)+2)
	for k, v := range n.Data {
		if k == "expires_at" {
			v = FormatDate(v)
		} else {
			v = Escape(v)
		}
		pairs = append(pairs, "{"+k+"}", v)
	}
	if amount, err := strconv.ParseInt(n.Data["amount"], 10, 64); err == nil {
		pairs = append(pairs, "{amount_fmt}", Escape(FormatPrice(amount, n.Data["currency"])))
	}
	msg := strings.NewReplacer(pairs...).Replace(t.in(lang))
	return stripPlaceholders(msg)
}

// stripPlaceholders drops lines whose placeholder had no data.
func stripPlaceholders(msg string) string {
	lines := strings.Split(msg, "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.Contains(l, "{") && strings.Contains(l, "}") {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
