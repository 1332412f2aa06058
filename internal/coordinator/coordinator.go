package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/metrics"
	"github.com/BatmanBruc/bat-vpn-bot/internal/provisioning"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// Provisioner is the VPN server account API, keyed by correlation id.
type Provisioner interface {
	Grant(ctx context.Context, req provisioning.GrantRequest) (provisioning.Account, error)
	Renew(ctx context.Context, correlationID string, expiresAt time.Time) (provisioning.Account, error)
	Revoke(ctx context.Context, correlationID string) error
	Lookup(ctx context.Context, correlationID string) (provisioning.Account, error)
}

// Notifier queues a subscriber-facing notification. It must not block on
// delivery.
type Notifier interface {
	Notify(ctx context.Context, n types.Notification)
}

// Enqueuer is a Notifier that can wait for queue space. Broadcast prefers it
// so a large audience is not dropped.
type Enqueuer interface {
	Enqueue(ctx context.Context, n types.Notification) error
}

type Config struct {
	WarningWindow      time.Duration
	GrantMaxAttempts   int
	RetryBase          time.Duration
	RetryCap           time.Duration
	RenewAttempts      int
	RenewRetryBase     time.Duration
	RenewBudget        time.Duration
	SweepConcurrency   int
	ClaimLease         time.Duration
	StoreRetryAttempts int
	StoreRetryBase     time.Duration
	RefundPolicy       types.RefundPolicy
	AdminIDs           []string
}

func (c Config) withDefaults() Config {
	if c.WarningWindow <= 0 {
		c.WarningWindow = 72 * time.Hour
	}
	if c.GrantMaxAttempts <= 0 {
		c.GrantMaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 30 * time.Minute
	}
	if c.RenewAttempts <= 0 {
		c.RenewAttempts = 3
	}
	if c.RenewRetryBase <= 0 {
		c.RenewRetryBase = 500 * time.Millisecond
	}
	if c.RenewBudget <= 0 {
		c.RenewBudget = 20 * time.Second
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = 4
	}
	if c.ClaimLease <= 0 {
		c.ClaimLease = 2 * time.Minute
	}
	if c.StoreRetryBase <= 0 {
		c.StoreRetryBase = 100 * time.Millisecond
	}
	return c
}

// Coordinator drives the subscription state machine. It keeps no state of
// its own: every decision is a ledger read followed by a compare-and-swap.
type Coordinator struct {
	ledger types.Ledger
	prov   Provisioner
	notify Notifier
	cfg    Config
	now    func() time.Time
}

func New(ledger types.Ledger, prov Provisioner, notifier Notifier, cfg Config) *Coordinator {
	return &Coordinator{
		ledger: ledger,
		prov:   prov,
		notify: notifier,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	if now != nil {
		c.now = now
	}
	return c
}

func (c *Coordinator) RefundPolicy() types.RefundPolicy {
	return c.cfg.RefundPolicy
}

// withStore retries fn while the ledger reports itself unavailable. Only
// reads and idempotent writes go through here.
func (c *Coordinator) withStore(ctx context.Context, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(uint64(c.cfg.StoreRetryAttempts), retry.NewExponential(c.cfg.StoreRetryBase))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			if errors.Is(err, types.ErrStoreUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
}

func (c *Coordinator) getSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	var sub *types.Subscription
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		sub, err = c.ledger.GetSubscription(ctx, id)
		return err
	})
	return sub, err
}

func (c *Coordinator) getPlan(ctx context.Context, id string) (*types.Plan, error) {
	var plan *types.Plan
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		plan, err = c.ledger.GetPlan(ctx, id)
		return err
	})
	return plan, err
}

func (c *Coordinator) transition(ctx context.Context, sub *types.Subscription, to types.SubscriptionState, m types.TransitionMutation) (*types.Subscription, error) {
	next, err := c.ledger.TransitionSubscription(ctx, sub.ID, sub.State, to, m)
	if err != nil {
		return nil, err
	}
	metrics.TransitionsTotal.WithLabelValues(string(sub.State), string(to)).Inc()
	log.Info().
		Str("subscription_id", sub.ID).
		Str("subscriber_id", sub.SubscriberID).
		Str("from", string(sub.State)).
		Str("state", string(to)).
		Msg("Subscription transitioned")
	return next, nil
}

func (c *Coordinator) audit(ctx context.Context, sub *types.Subscription, action types.ProvisioningAction, outcome types.ProvisioningOutcome, attempt int, detail string) {
	metrics.ProvisioningCallsTotal.WithLabelValues(string(action), string(outcome)).Inc()
	rec := types.ProvisioningRecord{
		SubscriptionID: sub.ID,
		Action:         action,
		CorrelationID:  sub.ID,
		Outcome:        outcome,
		Attempt:        attempt,
		Detail:         detail,
		CreatedAt:      c.now(),
	}
	err := c.withStore(ctx, func(ctx context.Context) error {
		return c.ledger.AppendProvisioningRecord(ctx, rec)
	})
	if err != nil {
		log.Error().Err(err).Str("subscription_id", sub.ID).Str("action", string(action)).Msg("Failed to append provisioning record")
	}
}

func (c *Coordinator) send(ctx context.Context, subscriberID string, kind types.NotificationKind, data map[string]string) {
	if c.notify == nil {
		return
	}
	c.notify.Notify(ctx, types.Notification{SubscriberID: subscriberID, Kind: kind, Data: data})
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
