package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/coordinator"
	"github.com/rs/zerolog/log"
)

const (
	JobSweep = "sweep"
	JobRetry = "grant_retry"
	JobPoll  = "payment_poll"
)

// Coordinator is the part of the coordinator driven by timers.
type Coordinator interface {
	Sweep(ctx context.Context) (coordinator.SweepReport, error)
	RetryPendingGrants(ctx context.Context) (int, error)
	RedriveStrandedPayments(ctx context.Context) (int, error)
	PollPendingPayments(ctx context.Context, poller coordinator.PaymentPoller, minAge time.Duration) (int, error)
}

type Intervals struct {
	Sweep time.Duration
	Retry time.Duration
	// Poll of zero disables provider polling.
	Poll       time.Duration
	PollMinAge time.Duration
}

// AddCoordinatorJobs registers the sweep, retry and payment poll jobs. The
// retry job covers parked grants and confirmed payments left unapplied.
func (s *Scheduler) AddCoordinatorJobs(c Coordinator, poller coordinator.PaymentPoller, iv Intervals) error {
	if err := s.Add(JobSweep, iv.Sweep, 0, func(ctx context.Context) error {
		_, err := c.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := s.Add(JobRetry, iv.Retry, 0, func(ctx context.Context) error {
		n, gerr := c.RetryPendingGrants(ctx)
		if n > 0 {
			log.Info().Int("retried", n).Msg("Grant retries processed")
		}
		m, perr := c.RedriveStrandedPayments(ctx)
		if m > 0 {
			log.Info().Int("applied", m).Msg("Stranded payments applied")
		}
		return errors.Join(gerr, perr)
	}); err != nil {
		return err
	}
	if poller == nil || iv.Poll <= 0 || len(poller.Pollers()) == 0 {
		return nil
	}
	minAge := iv.PollMinAge
	if minAge <= 0 {
		minAge = iv.Poll
	}
	return s.Add(JobPoll, iv.Poll, 0, func(ctx context.Context) error {
		n, err := c.PollPendingPayments(ctx, poller, minAge)
		if n > 0 {
			log.Info().Int("applied", n).Msg("Polled payments applied")
		}
		return err
	})
}
