package coordinator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/provisioning"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
)

// grant issues VPN access for a confirmed subscription and activates it.
// Failures never surface to the caller: a retryable failure schedules the
// next attempt, anything else ends in the fatal path, and store errors leave
// the subscription confirmed for the retry pass.
func (c *Coordinator) grant(ctx context.Context, sub *types.Subscription, plan *types.Plan, src *types.PaymentEvent) {
	attempt := sub.GrantAttempts + 1
	now := c.now().UTC()
	expires := now.Add(plan.Duration())

	acc, err := c.callGrant(ctx, sub, expires)
	switch {
	case err == nil:
		c.activate(ctx, sub, plan, acc, now, expires, attempt)
	case provisioning.IsRetryable(err) && attempt < c.cfg.GrantMaxAttempts:
		c.scheduleGrantRetry(ctx, sub, attempt, err)
	default:
		c.failGrant(ctx, sub, src, attempt, err)
	}
}

// callGrant calls Grant and, when the outcome is unknown, reads the account
// back instead of trusting the error.
func (c *Coordinator) callGrant(ctx context.Context, sub *types.Subscription, expires time.Time) (provisioning.Account, error) {
	acc, err := c.prov.Grant(ctx, provisioning.GrantRequest{
		CorrelationID: sub.ID,
		SubscriberID:  sub.SubscriberID,
		PlanID:        sub.PlanID,
		ExpiresAt:     expires,
	})
	if err == nil || !provisioning.IsUnknown(err) {
		return acc, err
	}
	existing, lerr := c.prov.Lookup(ctx, sub.ID)
	if lerr == nil && existing.Status != provisioning.StatusRevoked {
		log.Info().Str("subscription_id", sub.ID).Msg("Grant outcome reconciled from VPN server")
		return existing, nil
	}
	return acc, err
}

func (c *Coordinator) activate(ctx context.Context, sub *types.Subscription, plan *types.Plan, acc provisioning.Account, now, expires time.Time, attempt int) {
	active, err := c.transition(ctx, sub, types.StateActive, types.TransitionMutation{
		ActivatedAt:   &now,
		ExpiresAt:     &expires,
		CredentialRef: acc.CredentialRef,
	})
	if err == nil {
		c.audit(ctx, sub, types.ActionGrant, types.OutcomeSucceeded, attempt, "")
		c.send(ctx, sub.SubscriberID, types.NotifyActivated, map[string]string{
			"plan_id":        plan.ID,
			"plan":           plan.Name,
			"expires_at":     formatTime(active.ExpiresAt),
			"credential_ref": active.CredentialRef,
		})
		return
	}
	if !errors.Is(err, types.ErrConflict) {
		log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Granted access but failed to activate; the retry pass will reconcile")
		return
	}

	latest, rerr := c.getSubscription(ctx, sub.ID)
	if rerr != nil {
		log.Error().Err(rerr).Str("subscription_id", sub.ID).Msg("Failed to re-read subscription after conflict")
		return
	}
	if latest.State == types.StateRevoked {
		// Revoked while the grant was in flight: take the new access away again.
		if err := c.prov.Revoke(ctx, sub.ID); err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to revoke access granted to a revoked subscription")
			c.audit(ctx, sub, types.ActionRevoke, types.OutcomeFailed, 1, err.Error())
			return
		}
		c.audit(ctx, sub, types.ActionRevoke, types.OutcomeSucceeded, 1, "granted after revoke")
		return
	}
	log.Debug().Str("subscription_id", sub.ID).Str("state", string(latest.State)).Msg("Activation already done by a concurrent writer")
}

func (c *Coordinator) scheduleGrantRetry(ctx context.Context, sub *types.Subscription, attempt int, cause error) {
	next := c.now().Add(c.retryDelay(attempt))
	c.audit(ctx, sub, types.ActionGrant, types.OutcomeRetrying, attempt, cause.Error())
	if err := c.ledger.ScheduleGrantRetry(ctx, sub.ID, attempt, next); err != nil {
		log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to schedule grant retry")
		return
	}
	log.Warn().Err(cause).
		Str("subscription_id", sub.ID).
		Int("attempt", attempt).
		Time("next_retry_at", next).
		Msg("Grant failed; retry scheduled")
	if attempt == 1 {
		c.send(ctx, sub.SubscriberID, types.NotifyGrantDelayed, map[string]string{"subscription_id": sub.ID})
	}
}

// retryDelay is the capped exponential delay before grant attempt+1.
func (c *Coordinator) retryDelay(attempt int) time.Duration {
	b := retry.WithCappedDuration(c.cfg.RetryCap, retry.NewExponential(c.cfg.RetryBase))
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d, _ = b.Next()
	}
	return d
}

func (c *Coordinator) failGrant(ctx context.Context, sub *types.Subscription, src *types.PaymentEvent, attempt int, cause error) {
	log.Error().Err(cause).Str("subscription_id", sub.ID).Int("attempt", attempt).Msg("Grant failed permanently")
	c.audit(ctx, sub, types.ActionGrant, types.OutcomeFailed, attempt, cause.Error())

	if provisioning.IsRetryable(cause) {
		// Exhausted retries may have left an account behind.
		if err := c.prov.Revoke(ctx, sub.ID); err != nil {
			log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Cleanup revoke after exhausted grant failed")
		}
	}

	cur := sub
	for i := 0; i < maxDecisionAttempts; i++ {
		_, err := c.transition(ctx, cur, types.StateRevoked, types.TransitionMutation{})
		if err == nil {
			break
		}
		if !errors.Is(err, types.ErrConflict) {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to revoke subscription after fatal grant")
			return
		}
		latest, rerr := c.getSubscription(ctx, sub.ID)
		if rerr != nil || latest.State != types.StateConfirmed {
			// Someone else settled it.
			return
		}
		cur = latest
	}

	c.refundAfterFailure(ctx, sub, src, "activation failed: "+cause.Error())
	c.send(ctx, sub.SubscriberID, types.NotifyActivationFailed, map[string]string{
		"subscription_id": sub.ID,
		"attempts":        strconv.Itoa(attempt),
	})
}

// RetryPendingGrants re-drives confirmed subscriptions whose grant is due.
// Subscriptions created moments ago are left to the request that created
// them.
func (c *Coordinator) RetryPendingGrants(ctx context.Context) (int, error) {
	now := c.now()
	var due []types.Subscription
	if err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		due, err = c.ledger.ListSubscriptionsDueForRetry(ctx, now)
		return err
	}); err != nil {
		return 0, err
	}

	n := 0
	for i := range due {
		sub := due[i]
		if sub.NextRetryAt == nil && now.Sub(sub.CreatedAt) < c.cfg.ClaimLease {
			continue
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		plan, err := c.getPlan(ctx, sub.PlanID)
		if err != nil {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Grant retry skipped: plan unavailable")
			continue
		}
		c.grant(ctx, &sub, plan, nil)
		n++
	}
	return n, nil
}
