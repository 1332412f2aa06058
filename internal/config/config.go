package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the whole runtime configuration, read from the environment.
type Config struct {
	BotToken string   `validate:"required"`
	AdminIDs []string `validate:"dive,numeric"`

	DBDriver    string `validate:"oneof=postgres sqlite"`
	PostgresDSN string
	SQLitePath  string `validate:"required_if=DBDriver sqlite"`

	// RedisAddr empty disables the cross-instance job lease.
	RedisAddr     string
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	HTTPAddr string `validate:"required"`

	VPNServerURL string        `validate:"required,url"`
	VPNAPIKey    string        `validate:"required"`
	VPNTimeout   time.Duration `validate:"gt=0"`

	SweepInterval      time.Duration `validate:"gt=0"`
	RetryInterval      time.Duration `validate:"gt=0"`
	PollInterval       time.Duration `validate:"gte=0"`
	WarningWindow      time.Duration `validate:"gt=0"`
	GrantMaxAttempts   int           `validate:"gte=1"`
	RetryBase          time.Duration `validate:"gt=0"`
	RetryCap           time.Duration `validate:"gtefield=RetryBase"`
	RenewAttempts      int           `validate:"gte=1"`
	RenewRetryBase     time.Duration `validate:"gt=0"`
	RenewBudget        time.Duration `validate:"gt=0,ltfield=RetryCap"`
	SweepConcurrency   int           `validate:"gte=1,lte=64"`
	StoreRetryAttempts int           `validate:"gte=0"`
	NotifyTimeout      time.Duration `validate:"gt=0"`

	RefundPolicy    string `validate:"oneof=review none"`
	DefaultLanguage string `validate:"oneof=ru en"`

	// PlanPrices maps plan length in months to its price in minor units.
	PlanPrices   map[int]int64 `validate:"required,dive,gt=0"`
	PlanCurrency string        `validate:"len=3,uppercase"`

	// PublicURL is where providers reach the webhook server; empty leaves
	// callback URLs to the provider's merchant settings.
	PublicURL string `validate:"omitempty,url"`
	// PaymentReturnURL is where hosted checkout pages send the payer back.
	PaymentReturnURL string `validate:"url"`

	TelegramProviderToken string
	// TelegramWebhookSecret empty disables the /webhooks/telegram route.
	TelegramWebhookSecret      string
	CryptomusAPIKey            string
	CryptomusMerchantID        string `validate:"required_with=CryptomusAPIKey"`
	YooMoneyNotificationSecret string `validate:"required_with=YooMoneyWallet"`
	// YooMoneyWallet enables YooMoney checkout links.
	YooMoneyWallet      string `validate:"omitempty,numeric"`
	StripeAPIKey        string
	StripeWebhookSecret string `validate:"required_with=StripeAPIKey"`

	LogLevel  string `validate:"oneof=debug info warn warning error"`
	LogFormat string `validate:"oneof=json console"`
}

// PlanMonths lists the plan lengths on sale.
var PlanMonths = []int{1, 3, 6, 12}

var defaultPlanPrices = map[int]int64{1: 29900, 3: 79900, 6: 149900, 12: 269900}

// Load reads path into the environment without overriding variables that are
// already set, then builds and validates the Config. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	if path = strings.TrimSpace(path); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}
	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv builds a Config from the environment, applying defaults. It fails
// only on values that cannot be parsed.
func FromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		BotToken: p.str("BOT_TOKEN", ""),
		AdminIDs: p.list("ADMIN_IDS"),

		DBDriver:    strings.ToLower(p.str("DB_DRIVER", "postgres")),
		PostgresDSN: p.str("POSTGRES_DSN", ""),
		SQLitePath:  p.str("SQLITE_PATH", "data/ledger.db"),

		RedisAddr:     p.str("REDIS_ADDR", ""),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       p.num("REDIS_DB", 0),

		HTTPAddr: p.str("HTTP_ADDR", ":8080"),

		VPNServerURL: p.str("VPN_SERVER_URL", ""),
		VPNAPIKey:    p.str("VPN_API_KEY", ""),
		VPNTimeout:   p.dur("VPN_TIMEOUT", 10*time.Second),

		SweepInterval:      p.dur("SWEEP_INTERVAL", 10*time.Minute),
		RetryInterval:      p.dur("RETRY_INTERVAL", time.Minute),
		PollInterval:       p.dur("POLL_INTERVAL", 5*time.Minute),
		WarningWindow:      p.dur("WARNING_WINDOW", 72*time.Hour),
		GrantMaxAttempts:   p.num("GRANT_MAX_ATTEMPTS", 5),
		RetryBase:          p.dur("RETRY_BASE", 30*time.Second),
		RetryCap:           p.dur("RETRY_CAP", 30*time.Minute),
		RenewAttempts:      p.num("RENEW_ATTEMPTS", 3),
		RenewRetryBase:     p.dur("RENEW_RETRY_BASE", 500*time.Millisecond),
		RenewBudget:        p.dur("RENEW_BUDGET", 20*time.Second),
		SweepConcurrency:   p.num("SWEEP_CONCURRENCY", 4),
		StoreRetryAttempts: p.num("STORE_RETRY_ATTEMPTS", 3),
		NotifyTimeout:      p.dur("NOTIFY_TIMEOUT", 10*time.Second),

		RefundPolicy:    strings.ToLower(p.str("REFUND_POLICY", "review")),
		DefaultLanguage: strings.ToLower(p.str("DEFAULT_LANGUAGE", "ru")),

		PlanPrices:   map[int]int64{},
		PlanCurrency: strings.ToUpper(p.str("PLAN_CURRENCY", "RUB")),

		PublicURL:        strings.TrimRight(p.str("PUBLIC_URL", ""), "/"),
		PaymentReturnURL: p.str("PAYMENT_RETURN_URL", "https://t.me"),

		TelegramProviderToken:      p.str("TELEGRAM_PROVIDER_TOKEN", ""),
		TelegramWebhookSecret:      p.str("TELEGRAM_WEBHOOK_SECRET", ""),
		CryptomusAPIKey:            p.str("CRYPTOMUS_API_KEY", ""),
		CryptomusMerchantID:        p.str("CRYPTOMUS_MERCHANT_ID", ""),
		YooMoneyNotificationSecret: p.str("YOOMONEY_NOTIFICATION_SECRET", ""),
		YooMoneyWallet:             p.str("YOOMONEY_WALLET", ""),
		StripeAPIKey:               p.str("STRIPE_API_KEY", ""),
		StripeWebhookSecret:        p.str("STRIPE_WEBHOOK_SECRET", ""),

		LogLevel:  strings.ToLower(p.str("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(p.str("LOG_FORMAT", "json")),
	}
	for _, m := range PlanMonths {
		cfg.PlanPrices[m] = p.num64(fmt.Sprintf("PLAN_%d_MONTH_PRICE", m), defaultPlanPrices[m])
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type parser struct {
	errs []error
}

func (p *parser) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) list(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) num(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) num64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (p *parser) dur(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
