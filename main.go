package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/BatmanBruc/bat-vpn-bot/internal/handlers"
	"github.com/BatmanBruc/bat-vpn-bot/internal/middleware"
	"github.com/BatmanBruc/bat-vpn-bot/internal/scheduler"
	"github.com/BatmanBruc/bat-vpn-bot/store"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:           "vpn-bot",
	Short:         "Telegram bot selling VPN subscriptions",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, payment webhooks and scheduled jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply ledger migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, err := openLedger(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer ledger.Close()
		v, err := ledger.SchemaVersion(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("ledger schema at version %d\n", v)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			report, err := a.coord.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("scanned %d, warned %d, expired %d, failed %d, restored %d\n",
				report.Scanned, report.Warned, report.Expired, report.Failed, report.Restored)
			return nil
		})
	},
}

var revokeReason string

var revokeCmd = &cobra.Command{
	Use:   "revoke <subscriber_id>",
	Short: "Revoke a subscriber's live subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			sub, err := a.coord.AdminRevoke(ctx, args[0], revokeReason)
			if err != nil {
				return err
			}
			fmt.Printf("subscription %s is %s\n", sub.ID, sub.State)
			return nil
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vpn-bot %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.env", "env file loaded before the environment")
	revokeCmd.Flags().StringVar(&revokeReason, "reason", "cli", "reason recorded in the audit trail")
	rootCmd.AddCommand(serveCmd, migrateCmd, sweepCmd, revokeCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp runs a one-shot command with notifications delivered before exit.
func withApp(ctx context.Context, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	a.sink.Start(ctx)
	defer a.drain()
	return fn(ctx, a)
}

func runServe(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("version", Version).Msg("Starting VPN bot")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.sink.Start(ctx)
	defer a.drain()

	var lease scheduler.Lease
	if a.redis != nil {
		lease = store.NewRedisLease(a.redis, 2*cfg.SweepInterval)
	}
	jobs := scheduler.NewScheduler(lease)
	if err := jobs.AddCoordinatorJobs(a.coord, a.gateway, scheduler.Intervals{
		Sweep: cfg.SweepInterval,
		Retry: cfg.RetryInterval,
		Poll:  cfg.PollInterval,
	}); err != nil {
		return err
	}
	jobs.Start()
	defer jobs.Stop()

	h := handlers.NewHandlers(a.coord, a.gateway, a.telegram, jobs, handlers.Options{
		ProviderToken: cfg.TelegramProviderToken,
		AdminIDs:      cfg.AdminIDs,
		SweepJob:      scheduler.JobSweep,
	})
	mw := middleware.NewMiddlewares(a.coord)
	handlerChain := mw.SubscriberMiddleware(
		mw.AnalyzeMessageMiddleware(
			h.MainHandler,
		),
	)

	a.bot.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.Message != nil
	}, handlerChain)
	a.bot.RegisterHandler(bot.HandlerTypeCallbackQueryData, "", bot.MatchTypePrefix, handlerChain)
	a.bot.RegisterHandlerMatchFunc(func(update *models.Update) bool {
		return update.PreCheckoutQuery != nil
	}, handlerChain)

	web := handlers.NewWebhookServer(a.gateway, a.coord, a.ledger.Ping)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := web.Serve(gctx, cfg.HTTPAddr)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info().Msg("Bot started. Press Ctrl+C to stop.")
		a.bot.Start(gctx)
		return nil
	})
	err = g.Wait()
	log.Info().Msg("Shutting down")
	return err
}
