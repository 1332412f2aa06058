package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/provisioning"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// errSubscriptionEnded tells apply that the subscription it tried to renew
// reached a terminal state meanwhile; the payment starts a new one.
var errSubscriptionEnded = errors.New("subscription ended during renewal")

// errRenewDeferred leaves the payment unapplied for the retry job after the
// inline renewal budget ran out on a retryable failure.
var errRenewDeferred = errors.New("renewal deferred")

// errRenewFailed reports a renewal given up for good. The payment is applied
// and the refund policy has run.
var errRenewFailed = errors.New("renewal failed")

// renew extends a live subscription by plan's duration counted from
// max(expires_at, now). The state is left as it is. The extension and the
// payment link commit together.
func (c *Coordinator) renew(ctx context.Context, sub *types.Subscription, plan *types.Plan, src *types.PaymentEvent) error {
	cur := sub
	for i := 0; i < maxDecisionAttempts; i++ {
		now := c.now().UTC()
		base := now
		if cur.ExpiresAt != nil && cur.ExpiresAt.After(now) {
			base = cur.ExpiresAt.UTC()
		}
		newExpiry := base.Add(plan.Duration())

		acc, err := c.callRenew(ctx, cur.ID, newExpiry)
		if err != nil {
			if latest, rerr := c.getSubscription(ctx, cur.ID); rerr == nil && latest.State.Terminal() {
				return errSubscriptionEnded
			}
			if provisioning.IsRetryable(err) && now.Sub(src.ReceivedAt) < c.cfg.RetryCap {
				c.audit(ctx, cur, types.ActionRenew, types.OutcomeRetrying, c.cfg.RenewAttempts, err.Error())
				log.Warn().Err(err).Str("subscription_id", cur.ID).Str("tx_id", src.TransactionID).Msg("Renewal deferred to the retry job")
				return errRenewDeferred
			}
			if err := c.markApplied(ctx, src, cur.ID); err != nil {
				return err
			}
			c.failRenew(ctx, cur, src, err)
			return errRenewFailed
		}

		link := types.PaymentLink{Provider: src.Provider, TransactionID: src.TransactionID, AppliedAt: c.now()}
		extended, err := c.ledger.ExtendSubscriptionForPayment(ctx, cur.ID, cur.Version, newExpiry, acc.CredentialRef, link)
		if err == nil {
			c.audit(ctx, cur, types.ActionRenew, types.OutcomeSucceeded, i+1, "")
			c.send(ctx, cur.SubscriberID, types.NotifyRenewed, map[string]string{
				"plan_id":    plan.ID,
				"plan":       plan.Name,
				"expires_at": formatTime(extended.ExpiresAt),
			})
			log.Info().Str("subscription_id", cur.ID).Time("expires_at", newExpiry).Msg("Subscription renewed")
			return nil
		}
		if !errors.Is(err, types.ErrConflict) {
			return err
		}

		latest, err := c.getSubscription(ctx, cur.ID)
		if err != nil {
			return err
		}
		if latest.State.Terminal() {
			return errSubscriptionEnded
		}
		// Someone else moved the expiry; recompute from the fresh row.
		cur = latest
	}
	return types.ErrConflict
}

// callRenew retries retryable failures inline within a short budget that
// fits inside a webhook request. Renew sets an absolute expiry, so repeating
// it is safe.
func (c *Coordinator) callRenew(ctx context.Context, correlationID string, expiresAt time.Time) (provisioning.Account, error) {
	b := retry.NewExponential(c.cfg.RenewRetryBase)
	b = retry.WithCappedDuration(c.cfg.RenewBudget/4, b)
	b = retry.WithMaxRetries(uint64(c.cfg.RenewAttempts-1), b)
	b = retry.WithMaxDuration(c.cfg.RenewBudget, b)

	var acc provisioning.Account
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		a, err := c.prov.Renew(ctx, correlationID, expiresAt)
		if err != nil {
			if provisioning.IsRetryable(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		acc = a
		return nil
	})
	return acc, err
}

// failRenew keeps the subscription as it is: the subscriber retains access
// until the current expiry.
func (c *Coordinator) failRenew(ctx context.Context, sub *types.Subscription, src *types.PaymentEvent, cause error) {
	log.Error().Err(cause).Str("subscription_id", sub.ID).Msg("Renewal failed")
	c.audit(ctx, sub, types.ActionRenew, types.OutcomeFailed, c.cfg.RenewAttempts, cause.Error())
	c.refundAfterFailure(ctx, sub, src, "renewal failed: "+cause.Error())
	c.send(ctx, sub.SubscriberID, types.NotifyRenewalFailed, map[string]string{
		"subscription_id": sub.ID,
		"expires_at":      formatTime(sub.ExpiresAt),
	})
}
