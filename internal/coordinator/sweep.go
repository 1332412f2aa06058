package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/provisioning"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type SweepReport struct {
	Scanned  int
	Warned   int
	Expired  int
	Failed   int
	Restored int
}

// Sweep warns subscriptions entering the warning window and expires the
// ones past their expiry. Each subscription is handled independently; a
// failed revoke leaves it for the next sweep.
func (c *Coordinator) Sweep(ctx context.Context) (SweepReport, error) {
	now := c.now().UTC()
	var subs []types.Subscription
	if err := c.withStore(ctx, func(ctx context.Context) error {
		var err error
		subs, err = c.ledger.ListSubscriptionsExpiringBefore(ctx, now.Add(c.cfg.WarningWindow))
		return err
	}); err != nil {
		return SweepReport{}, err
	}

	var warned, expired, failed, restored atomic.Int64
	var g errgroup.Group
	g.SetLimit(c.cfg.SweepConcurrency)
	for i := range subs {
		sub := subs[i]
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			switch c.sweepOne(ctx, &sub, now) {
			case sweepWarned:
				warned.Add(1)
			case sweepExpired:
				expired.Add(1)
			case sweepFailed:
				failed.Add(1)
			case sweepRestored:
				restored.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report := SweepReport{
		Scanned:  len(subs),
		Warned:   int(warned.Load()),
		Expired:  int(expired.Load()),
		Failed:   int(failed.Load()),
		Restored: int(restored.Load()),
	}
	log.Info().
		Int("scanned", report.Scanned).
		Int("warned", report.Warned).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Msg("Sweep finished")
	return report, ctx.Err()
}

type sweepResult int

const (
	sweepNoop sweepResult = iota
	sweepWarned
	sweepExpired
	sweepFailed
	sweepRestored
)

func (c *Coordinator) sweepOne(ctx context.Context, sub *types.Subscription, now time.Time) sweepResult {
	if sub.ExpiresAt == nil {
		return sweepNoop
	}
	if !sub.ExpiresAt.After(now) {
		return c.expire(ctx, sub, now)
	}
	if sub.State != types.StateActive {
		return sweepNoop
	}
	next, err := c.transition(ctx, sub, types.StateExpiring, types.TransitionMutation{})
	if err != nil {
		if !errors.Is(err, types.ErrConflict) {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to mark subscription expiring")
			return sweepFailed
		}
		return sweepNoop
	}
	c.send(ctx, sub.SubscriberID, types.NotifyExpiringSoon, map[string]string{
		"subscription_id": sub.ID,
		"expires_at":      formatTime(next.ExpiresAt),
	})
	return sweepWarned
}

func (c *Coordinator) expire(ctx context.Context, listed *types.Subscription, now time.Time) sweepResult {
	sub, err := c.getSubscription(ctx, listed.ID)
	if err != nil {
		log.Error().Err(err).Str("subscription_id", listed.ID).Msg("Failed to re-read subscription before expiry")
		return sweepFailed
	}
	if sub.State.Terminal() || sub.ExpiresAt == nil || sub.ExpiresAt.After(now) {
		return sweepNoop
	}

	if err := c.prov.Revoke(ctx, sub.ID); err != nil {
		log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Revoke at expiry failed; next sweep retries")
		c.audit(ctx, sub, types.ActionRevoke, types.OutcomeRetrying, 1, err.Error())
		return sweepFailed
	}
	c.audit(ctx, sub, types.ActionRevoke, types.OutcomeSucceeded, 1, "expired")

	cur := sub
	for i := 0; i < maxDecisionAttempts; i++ {
		_, err := c.transition(ctx, cur, types.StateExpired, types.TransitionMutation{})
		if err == nil {
			c.send(ctx, sub.SubscriberID, types.NotifyExpired, map[string]string{
				"subscription_id": sub.ID,
				"expires_at":      formatTime(sub.ExpiresAt),
			})
			return sweepExpired
		}
		if !errors.Is(err, types.ErrConflict) {
			log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Revoked access but failed to mark subscription expired")
			return sweepFailed
		}
		latest, err := c.getSubscription(ctx, sub.ID)
		if err != nil {
			return sweepFailed
		}
		if latest.State.Terminal() {
			return sweepNoop
		}
		if latest.ExpiresAt != nil && latest.ExpiresAt.After(now) {
			return c.restore(ctx, latest)
		}
		cur = latest
	}
	return sweepFailed
}

// restore re-grants access to a subscription that was renewed while the
// sweep was revoking it.
func (c *Coordinator) restore(ctx context.Context, sub *types.Subscription) sweepResult {
	acc, err := c.callGrant(ctx, sub, *sub.ExpiresAt)
	if err != nil {
		log.Error().Err(err).Str("subscription_id", sub.ID).Msg("Failed to restore access after concurrent renewal")
		c.audit(ctx, sub, types.ActionGrant, types.OutcomeFailed, 1, "restore: "+err.Error())
		if !provisioning.IsRetryable(err) {
			c.refundAfterFailure(ctx, sub, nil, "access lost during renewal: "+err.Error())
			c.send(ctx, sub.SubscriberID, types.NotifyRenewalFailed, map[string]string{
				"subscription_id": sub.ID,
				"expires_at":      formatTime(sub.ExpiresAt),
			})
		}
		return sweepFailed
	}
	if _, err := c.ledger.ExtendSubscription(ctx, sub.ID, sub.Version, *sub.ExpiresAt, acc.CredentialRef); err != nil {
		log.Warn().Err(err).Str("subscription_id", sub.ID).Msg("Restored access but could not record the new credential")
	}
	c.audit(ctx, sub, types.ActionGrant, types.OutcomeSucceeded, 1, "restored after concurrent renewal")
	return sweepRestored
}
