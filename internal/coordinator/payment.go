package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/BatmanBruc/bat-vpn-bot/internal/metrics"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Payment actions reported in PaymentOutcome.
const (
	ActionNone    = "none"
	ActionCreated = "created"
	ActionRenewed = "renewed"
	ActionReview  = "review"
	// ActionRenewFailed means the charge was taken but the VPN server refused
	// the extension; access runs to the old expiry.
	ActionRenewFailed = "renew_failed"
	// ActionDeferred leaves a confirmed payment unapplied for
	// RedriveStrandedPayments.
	ActionDeferred = "deferred"
)

const maxDecisionAttempts = 4

type PaymentOutcome struct {
	Result         types.RecordResult
	Status         types.PaymentStatus
	Action         string
	SubscriptionID string
}

// HandlePayment records a normalized payment event and, if it is a
// confirmed payment nobody has applied yet, turns it into a new subscription
// or a renewal. Replays of an applied event change nothing.
func (c *Coordinator) HandlePayment(ctx context.Context, ev types.PaymentEvent) (PaymentOutcome, error) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = c.now()
	}
	logger := log.With().
		Str("provider", ev.Provider).
		Str("tx_id", ev.TransactionID).
		Str("subscriber_id", ev.SubscriberID).
		Logger()

	var res types.RecordResult
	err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.ledger.RecordPaymentEvent(ctx, &ev)
		return err
	})
	if err != nil {
		return PaymentOutcome{}, fmt.Errorf("record payment: %w", err)
	}
	metrics.PaymentEventsTotal.WithLabelValues(ev.Provider, string(res)).Inc()
	out := PaymentOutcome{Result: res, Status: ev.Status, Action: ActionNone}

	switch ev.Status {
	case types.PaymentConfirmed:
	case types.PaymentFailed:
		if res == types.RecordAccepted {
			c.send(ctx, ev.SubscriberID, types.NotifyPaymentFailed, map[string]string{"plan_id": ev.PlanID})
		}
		return out, nil
	default:
		logger.Debug().Str("status", string(ev.Status)).Msg("Payment not confirmed yet")
		return out, nil
	}

	now := c.now()
	claimed, err := c.ledger.ClaimPaymentEvent(ctx, ev.Provider, ev.TransactionID, now, now.Add(c.cfg.ClaimLease))
	if err != nil {
		return out, fmt.Errorf("claim payment: %w", err)
	}
	if !claimed {
		logger.Debug().Str("result", string(res)).Msg("Payment already applied or in flight")
		return out, nil
	}

	var stored *types.PaymentEvent
	err = c.withStore(ctx, func(ctx context.Context) error {
		var err error
		stored, err = c.ledger.GetPaymentEvent(ctx, ev.Provider, ev.TransactionID)
		return err
	})
	if err != nil {
		return out, fmt.Errorf("load payment: %w", err)
	}
	if stored.AppliedAt != nil {
		logger.Debug().Str("subscription_id", stored.SubscriptionID).Msg("Payment already applied")
		return out, nil
	}

	action, subID, err := c.apply(ctx, stored)
	if errors.Is(err, types.ErrPaymentApplied) {
		logger.Info().Msg("Payment applied by a concurrent delivery")
		return out, nil
	}
	if err != nil {
		logger.Error().Err(err).Msg("Failed to apply payment; it will be re-driven after the claim expires")
		return out, err
	}
	out.Action = action
	out.SubscriptionID = subID
	if action == ActionDeferred {
		logger.Warn().Str("subscription_id", subID).Msg("Payment left for the retry job")
		return out, nil
	}
	logger.Info().Str("action", action).Str("subscription_id", subID).Msg("Payment applied")
	return out, nil
}

// apply turns a claimed payment into access. Every path links the payment to
// its outcome before acting on the VPN server or the subscriber, so a
// redelivery after a crash finds it applied.
func (c *Coordinator) apply(ctx context.Context, ev *types.PaymentEvent) (string, string, error) {
	plan, err := c.getPlan(ctx, ev.PlanID)
	if errors.Is(err, types.ErrNotFound) {
		return c.review(ctx, ev, "", "unknown plan")
	}
	if err != nil {
		return "", "", err
	}
	if ev.Currency != plan.Currency || ev.Amount < plan.PriceMinor {
		return c.review(ctx, ev, "", fmt.Sprintf("paid %d %s for plan priced %d %s", ev.Amount, ev.Currency, plan.PriceMinor, plan.Currency))
	}

	subscriber := types.Subscriber{ID: ev.SubscriberID, Active: true}
	if ev.PayerRef != "" {
		subscriber.ProviderIDs = map[string]string{ev.Provider: ev.PayerRef}
	}
	if err := c.withStore(ctx, func(ctx context.Context) error {
		return c.ledger.UpsertSubscriber(ctx, subscriber)
	}); err != nil {
		return "", "", err
	}

	link := types.PaymentLink{Provider: ev.Provider, TransactionID: ev.TransactionID}
	newID := uuid.New().String()
	for i := 0; i < maxDecisionAttempts; i++ {
		var cur *types.Subscription
		if err := c.withStore(ctx, func(ctx context.Context) error {
			var err error
			cur, err = c.ledger.GetActiveSubscription(ctx, ev.SubscriberID)
			return err
		}); err != nil {
			return "", "", err
		}

		switch {
		case cur == nil:
			sub := &types.Subscription{ID: newID, SubscriberID: ev.SubscriberID, PlanID: plan.ID, State: types.StateConfirmed}
			link.AppliedAt = c.now()
			err := c.withStore(ctx, func(ctx context.Context) error {
				return c.ledger.CreateSubscriptionForPayment(ctx, sub, link)
			})
			if errors.Is(err, types.ErrConflict) {
				continue
			}
			if errors.Is(err, types.ErrPaymentApplied) {
				return c.appliedBy(ctx, ev, newID, plan)
			}
			if err != nil {
				return "", "", err
			}
			metrics.TransitionsTotal.WithLabelValues(string(types.StatePendingPayment), string(types.StateConfirmed)).Inc()
			c.grant(ctx, sub, plan, ev)
			return ActionCreated, sub.ID, nil

		case cur.ID == newID:
			// Our create committed although the store reported an error.
			c.grant(ctx, cur, plan, ev)
			return ActionCreated, cur.ID, nil

		case cur.State == types.StateActive || cur.State == types.StateExpiring:
			err := c.renew(ctx, cur, plan, ev)
			if errors.Is(err, errSubscriptionEnded) {
				continue
			}
			if errors.Is(err, errRenewDeferred) {
				return ActionDeferred, cur.ID, nil
			}
			if errors.Is(err, errRenewFailed) {
				return ActionRenewFailed, cur.ID, nil
			}
			if err != nil {
				return "", "", err
			}
			return ActionRenewed, cur.ID, nil

		default:
			return c.review(ctx, ev, cur.ID, "payment received while activation is in progress")
		}
	}
	return "", "", fmt.Errorf("apply payment for subscriber %s: %w", ev.SubscriberID, types.ErrConflict)
}

// RedriveStrandedPayments re-runs confirmed payments that no delivery
// finished applying: deferred renewals and requests that died mid-apply.
// Payments younger than one claim lease are left to their own request.
func (c *Coordinator) RedriveStrandedPayments(ctx context.Context) (int, error) {
	now := c.now()
	var stranded []types.PaymentEvent
	if err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		stranded, err = c.ledger.ListStrandedPayments(ctx, now, now.Add(-c.cfg.ClaimLease), 100)
		return err
	}); err != nil {
		return 0, err
	}

	n := 0
	for _, ev := range stranded {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		out, err := c.HandlePayment(ctx, ev)
		if err != nil {
			log.Error().Err(err).Str("provider", ev.Provider).Str("tx_id", ev.TransactionID).Msg("Payment redrive failed")
			continue
		}
		if out.Action != ActionNone && out.Action != ActionDeferred {
			n++
		}
	}
	return n, nil
}

// appliedBy resolves ErrPaymentApplied from our own create. A retried create
// whose first attempt committed finds the payment linked to newID and still
// owes the grant.
func (c *Coordinator) appliedBy(ctx context.Context, ev *types.PaymentEvent, newID string, plan *types.Plan) (string, string, error) {
	stored, err := c.ledger.GetPaymentEvent(ctx, ev.Provider, ev.TransactionID)
	if err != nil {
		return "", "", err
	}
	if stored.SubscriptionID != newID {
		return "", "", types.ErrPaymentApplied
	}
	sub, err := c.getSubscription(ctx, newID)
	if err != nil {
		return "", "", err
	}
	if sub.State == types.StateConfirmed {
		c.grant(ctx, sub, plan, ev)
	}
	return ActionCreated, sub.ID, nil
}

// markApplied links a payment that ends without a subscription write, such
// as a review. It runs before the review is flagged. A link that committed
// although the store reported an error counts: the claim keeps other
// deliveries out, so the link found is ours.
func (c *Coordinator) markApplied(ctx context.Context, ev *types.PaymentEvent, subscriptionID string) error {
	err := c.withStore(ctx, func(ctx context.Context) error {
		return c.ledger.MarkPaymentApplied(ctx, ev.Provider, ev.TransactionID, subscriptionID, c.now())
	})
	if err == nil {
		return nil
	}
	stored, gerr := c.ledger.GetPaymentEvent(ctx, ev.Provider, ev.TransactionID)
	if gerr == nil && stored.AppliedAt != nil && stored.SubscriptionID == subscriptionID {
		return nil
	}
	return err
}

func (c *Coordinator) review(ctx context.Context, ev *types.PaymentEvent, subscriptionID, reason string) (string, string, error) {
	if err := c.markApplied(ctx, ev, subscriptionID); err != nil {
		return "", "", err
	}
	c.paymentReview(ctx, ev, subscriptionID, reason)
	return ActionReview, subscriptionID, nil
}

// paymentReview handles a charge that cannot be turned into access as paid.
func (c *Coordinator) paymentReview(ctx context.Context, ev *types.PaymentEvent, subscriptionID, reason string) {
	log.Warn().
		Str("provider", ev.Provider).
		Str("tx_id", ev.TransactionID).
		Str("subscriber_id", ev.SubscriberID).
		Str("reason", reason).
		Msg("Payment needs review")
	c.flagReview(ctx, types.RefundReview{
		SubscriptionID: subscriptionID,
		SubscriberID:   ev.SubscriberID,
		Provider:       ev.Provider,
		TransactionID:  ev.TransactionID,
		Reason:         reason,
	})
	c.send(ctx, ev.SubscriberID, types.NotifyPaymentReview, map[string]string{
		"plan_id":  ev.PlanID,
		"amount":   strconv.FormatInt(ev.Amount, 10),
		"currency": ev.Currency,
	})
}

// refundAfterFailure applies the configured refund policy to a charge whose
// provisioning failed for good. src is nil when only the subscription is
// known, as in scheduled grant retries.
func (c *Coordinator) refundAfterFailure(ctx context.Context, sub *types.Subscription, src *types.PaymentEvent, reason string) {
	if c.cfg.RefundPolicy != types.RefundPolicyReview {
		log.Info().Str("subscription_id", sub.ID).Str("refund_policy", string(c.cfg.RefundPolicy)).Msg("Refund review skipped by policy")
		return
	}
	rev := types.RefundReview{SubscriptionID: sub.ID, SubscriberID: sub.SubscriberID, Reason: reason}
	if src != nil {
		rev.Provider = src.Provider
		rev.TransactionID = src.TransactionID
	}
	c.flagReview(ctx, rev)
}

func (c *Coordinator) flagReview(ctx context.Context, rev types.RefundReview) {
	rev.ID = uuid.New().String()
	rev.CreatedAt = c.now()
	if err := c.withStore(ctx, func(ctx context.Context) error {
		return c.ledger.FlagRefundReview(ctx, rev)
	}); err != nil {
		log.Error().Err(err).Str("subscriber_id", rev.SubscriberID).Msg("Failed to flag refund review")
		return
	}
	metrics.RefundReviewsTotal.Inc()
	for _, admin := range c.cfg.AdminIDs {
		c.send(ctx, admin, types.NotifyAdminRefund, map[string]string{
			"review_id":       rev.ID,
			"subscriber_id":   rev.SubscriberID,
			"subscription_id": rev.SubscriptionID,
			"provider":        rev.Provider,
			"tx_id":           rev.TransactionID,
			"reason":          rev.Reason,
		})
	}
}
