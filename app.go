package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/config"
	"github.com/BatmanBruc/bat-vpn-bot/internal/coordinator"
	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/internal/logging"
	"github.com/BatmanBruc/bat-vpn-bot/internal/notify"
	"github.com/BatmanBruc/bat-vpn-bot/internal/payments"
	"github.com/BatmanBruc/bat-vpn-bot/internal/pricing"
	"github.com/BatmanBruc/bat-vpn-bot/internal/provisioning"
	"github.com/BatmanBruc/bat-vpn-bot/store"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/rs/zerolog/log"
)

// app holds the collaborators shared by every command.
type app struct {
	cfg      *config.Config
	ledger   *store.Ledger
	gateway  *payments.Gateway
	telegram *payments.TelegramProvider
	bot      *bot.Bot
	sink     *notify.Sink
	coord    *coordinator.Coordinator
	redis    *store.RedisClient
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "vpn-bot",
	})
	return cfg, nil
}

func openLedger(ctx context.Context, cfg *config.Config) (*store.Ledger, error) {
	switch cfg.DBDriver {
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.SQLitePath)
	default:
		return store.OpenPostgres(ctx, cfg.PostgresDSN)
	}
}

// newGateway registers the providers that have credentials. The Telegram
// provider is always returned for in-bot payments, but its webhook route is
// registered only with a secret to check.
func newGateway(cfg *config.Config) (*payments.Gateway, *payments.TelegramProvider) {
	telegram := payments.NewTelegramProvider(cfg.TelegramWebhookSecret)
	gw := payments.NewGateway()
	if telegram.HasSecret() {
		gw.Register(telegram)
	}
	if cfg.CryptomusAPIKey != "" {
		callback := ""
		if cfg.PublicURL != "" {
			callback = cfg.PublicURL + "/webhooks/" + payments.ProviderCryptomus
		}
		gw.Register(payments.NewCryptomusProvider(cfg.CryptomusAPIKey, cfg.CryptomusMerchantID, "").
			WithCheckout(callback, cfg.PaymentReturnURL))
	}
	if cfg.YooMoneyNotificationSecret != "" {
		yoomoney := payments.NewYooMoneyProvider(cfg.YooMoneyNotificationSecret)
		if cfg.YooMoneyWallet != "" {
			yoomoney.WithWallet(cfg.YooMoneyWallet, cfg.PaymentReturnURL)
		}
		gw.Register(yoomoney)
	}
	if cfg.StripeWebhookSecret != "" {
		stripeProvider := payments.NewStripeProvider(cfg.StripeWebhookSecret)
		if cfg.StripeAPIKey != "" {
			stripeProvider.WithCheckout(cfg.StripeAPIKey, cfg.PaymentReturnURL, "")
		}
		gw.Register(stripeProvider)
	}
	if !telegram.HasSecret() {
		log.Info().Msg("TELEGRAM_WEBHOOK_SECRET empty; Telegram payments arrive through the bot only")
	}
	return gw, telegram
}

// newApp opens the ledger, syncs the plan catalog and builds the
// coordinator with its notification sink. The sink is not started.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if err := pricing.Sync(ctx, ledger, pricing.Catalog(cfg.PlanPrices, cfg.PlanCurrency)); err != nil {
		_ = ledger.Close()
		return nil, err
	}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	b, err := bot.New(cfg.BotToken, bot.WithHTTPClient(50*time.Second, httpClient))
	if err != nil {
		_ = ledger.Close()
		return nil, fmt.Errorf("create bot: %w", err)
	}

	sink := notify.NewSink(b, ledger, notify.Config{
		Timeout:     cfg.NotifyTimeout,
		DefaultLang: i18n.Parse(cfg.DefaultLanguage),
	})
	prov := provisioning.NewClient(cfg.VPNServerURL, cfg.VPNAPIKey, cfg.VPNTimeout)
	coord := coordinator.New(ledger, prov, sink, coordinator.Config{
		WarningWindow:      cfg.WarningWindow,
		GrantMaxAttempts:   cfg.GrantMaxAttempts,
		RetryBase:          cfg.RetryBase,
		RetryCap:           cfg.RetryCap,
		RenewAttempts:      cfg.RenewAttempts,
		RenewRetryBase:     cfg.RenewRetryBase,
		RenewBudget:        cfg.RenewBudget,
		SweepConcurrency:   cfg.SweepConcurrency,
		StoreRetryAttempts: cfg.StoreRetryAttempts,
		RefundPolicy:       types.RefundPolicy(cfg.RefundPolicy),
		AdminIDs:           cfg.AdminIDs,
	})
	gw, telegram := newGateway(cfg)

	a := &app{
		cfg:      cfg,
		ledger:   ledger,
		gateway:  gw,
		telegram: telegram,
		bot:      b,
		sink:     sink,
		coord:    coord,
	}
	if cfg.RedisAddr != "" {
		a.redis, err = store.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "vpn_bot")
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	log.Info().
		Str("db_driver", cfg.DBDriver).
		Str("refund_policy", cfg.RefundPolicy).
		Strs("providers", gw.Providers()).
		Strs("checkout_methods", gw.Methods()).
		Bool("redis_lease", a.redis != nil).
		Msg("Coordinator ready")
	return a, nil
}

// drain flushes queued notifications before exit.
func (a *app) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.sink.Stop(ctx); err != nil {
		log.Warn().Err(err).Msg("Notifications not fully delivered")
	}
}

func (a *app) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if err := a.ledger.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close ledger")
	}
}
