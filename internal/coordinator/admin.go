package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/pricing"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/rs/zerolog/log"
)

// AdminRevoke ends the subscriber's live subscription immediately. The VPN
// account is always revoked first; one that is already gone counts as
// revoked. If the subscription moved while that call was in flight, a grant
// may have landed after it, so access is revoked once more after the state
// change.
func (c *Coordinator) AdminRevoke(ctx context.Context, subscriberID, reason string) (*types.Subscription, error) {
	var sub *types.Subscription
	if err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		sub, err = c.ledger.GetActiveSubscription(ctx, subscriberID)
		return err
	}); err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscriber %s has no live subscription: %w", subscriberID, types.ErrNotFound)
	}

	if err := c.prov.Revoke(ctx, sub.ID); err != nil {
		c.audit(ctx, sub, types.ActionRevoke, types.OutcomeFailed, 1, err.Error())
		return nil, fmt.Errorf("revoke vpn access: %w", err)
	}

	cur := sub
	for i := 0; i < maxDecisionAttempts; i++ {
		revoked, err := c.transition(ctx, cur, types.StateRevoked, types.TransitionMutation{})
		if err == nil {
			attempt := 1
			if cur.Version != sub.Version {
				attempt = 2
				if err := c.prov.Revoke(ctx, cur.ID); err != nil {
					c.audit(ctx, cur, types.ActionRevoke, types.OutcomeFailed, attempt, err.Error())
					log.Error().Err(err).Str("subscription_id", cur.ID).Msg("Access granted during admin revoke is still live")
					return revoked, fmt.Errorf("revoke vpn access after %s: %w", cur.State, err)
				}
			}
			c.audit(ctx, cur, types.ActionRevoke, types.OutcomeSucceeded, attempt, "admin: "+reason)
			c.send(ctx, cur.SubscriberID, types.NotifyRevoked, map[string]string{
				"subscription_id": cur.ID,
				"reason":          reason,
			})
			log.Info().Str("subscription_id", cur.ID).Str("subscriber_id", subscriberID).Msg("Subscription revoked by admin")
			return revoked, nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return nil, err
		}
		latest, err := c.getSubscription(ctx, cur.ID)
		if err != nil {
			return nil, err
		}
		if latest.State.Terminal() {
			return latest, nil
		}
		cur = latest
	}
	return nil, types.ErrConflict
}

// Broadcast queues text for every active subscriber and returns how many
// were queued.
func (c *Coordinator) Broadcast(ctx context.Context, text string) (int, error) {
	if c.notify == nil {
		return 0, errors.New("no notifier configured")
	}
	var ids []string
	if err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		ids, err = c.ledger.ListSubscriberIDs(ctx)
		return err
	}); err != nil {
		return 0, err
	}
	enq, blocking := c.notify.(Enqueuer)
	for i, id := range ids {
		n := types.Notification{SubscriberID: id, Kind: types.NotifyBroadcast, Data: map[string]string{"text": text}}
		if !blocking {
			c.notify.Notify(ctx, n)
			continue
		}
		if err := enq.Enqueue(ctx, n); err != nil {
			return i, fmt.Errorf("queue broadcast: %w", err)
		}
	}
	log.Info().Int("subscribers", len(ids)).Msg("Broadcast queued")
	return len(ids), nil
}

// StatusView is what the subscriber sees for /status.
type StatusView struct {
	Subscription *types.Subscription
	Plan         *types.Plan
}

func (c *Coordinator) Status(ctx context.Context, subscriberID string) (StatusView, error) {
	var view StatusView
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		view.Subscription, err = c.ledger.GetActiveSubscription(ctx, subscriberID)
		return err
	})
	if err != nil || view.Subscription == nil {
		return view, err
	}
	plan, err := c.getPlan(ctx, view.Subscription.PlanID)
	if err != nil {
		return view, err
	}
	view.Plan = plan
	return view, nil
}

// Plans lists the plans on sale. Superseded versions stay in the ledger for
// the subscriptions that bought them but are not offered.
func (c *Coordinator) Plans(ctx context.Context) ([]types.Plan, error) {
	var plans []types.Plan
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		plans, err = c.ledger.ListPlans(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pricing.Current(plans), nil
}

func (c *Coordinator) OpenRefundReviews(ctx context.Context) ([]types.RefundReview, error) {
	var out []types.RefundReview
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.ledger.ListRefundReviews(ctx, true)
		return err
	})
	return out, err
}

func (c *Coordinator) ResolveRefundReview(ctx context.Context, id string) error {
	return c.ledger.ResolveRefundReview(ctx, id, c.now())
}

// EnsureSubscriber registers a chat user on first contact.
func (c *Coordinator) EnsureSubscriber(ctx context.Context, subscriberID, locale string) (*types.Subscriber, error) {
	s, err := c.ledger.GetSubscriber(ctx, subscriberID)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if err := c.ledger.UpsertSubscriber(ctx, types.Subscriber{ID: subscriberID, Locale: locale, Active: true}); err != nil {
		return nil, err
	}
	return c.ledger.GetSubscriber(ctx, subscriberID)
}

func (c *Coordinator) SetLocale(ctx context.Context, subscriberID, locale string) error {
	return c.ledger.SetSubscriberLocale(ctx, subscriberID, locale)
}

// PaymentPoller queries providers that support status polling.
type PaymentPoller interface {
	Pollers() []string
	Poll(ctx context.Context, provider, transactionID string) (types.PaymentEvent, error)
}

// PollPendingPayments asks the provider about payments still pending after
// minAge and feeds the answers back through HandlePayment.
func (c *Coordinator) PollPendingPayments(ctx context.Context, poller PaymentPoller, minAge time.Duration) (int, error) {
	cutoff := c.now().Add(-minAge)
	n := 0
	for _, provider := range poller.Pollers() {
		var pending []types.PaymentEvent
		if err := c.withStore(ctx, func(ctx context.Context) error {
			var err error
			pending, err = c.ledger.ListPendingPaymentEvents(ctx, provider, cutoff, 50)
			return err
		}); err != nil {
			return n, err
		}
		check, err := c.pollPayments(ctx, poller, provider, pending)
		n += check.Settled
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// PaymentCheck counts the outcome of polling a subscriber's open payments.
type PaymentCheck struct {
	Settled int
	Pending int
}

// CheckPayments polls every pending payment of one subscriber right away.
// It backs the check button shown next to a checkout link.
func (c *Coordinator) CheckPayments(ctx context.Context, poller PaymentPoller, subscriberID string) (PaymentCheck, error) {
	var total PaymentCheck
	for _, provider := range poller.Pollers() {
		var pending []types.PaymentEvent
		if err := c.withStore(ctx, func(ctx context.Context) error {
			var err error
			pending, err = c.ledger.ListPendingPaymentsBySubscriber(ctx, provider, subscriberID, 10)
			return err
		}); err != nil {
			return total, err
		}
		check, err := c.pollPayments(ctx, poller, provider, pending)
		total.Settled += check.Settled
		total.Pending += check.Pending
		if err != nil {
			return total, err
		}
	}
	log.Info().Str("subscriber_id", subscriberID).Int("settled", total.Settled).Int("pending", total.Pending).Msg("Payments checked")
	return total, nil
}

func (c *Coordinator) pollPayments(ctx context.Context, poller PaymentPoller, provider string, pending []types.PaymentEvent) (PaymentCheck, error) {
	var check PaymentCheck
	for _, p := range pending {
		if ctx.Err() != nil {
			return check, ctx.Err()
		}
		ev, err := poller.Poll(ctx, provider, p.TransactionID)
		if err != nil {
			log.Warn().Err(err).Str("provider", provider).Str("tx_id", p.TransactionID).Msg("Payment status poll failed")
			check.Pending++
			continue
		}
		if ev.Status == types.PaymentPending {
			check.Pending++
			continue
		}
		if _, err := c.HandlePayment(ctx, ev); err != nil {
			log.Error().Err(err).Str("provider", provider).Str("tx_id", p.TransactionID).Msg("Polled payment could not be applied")
			check.Pending++
			continue
		}
		check.Settled++
	}
	return check, nil
}
