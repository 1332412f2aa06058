package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/logging"
	"github.com/BatmanBruc/bat-vpn-bot/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Lease gives one instance at a time the right to run a job. Implemented by
// store.RedisLease; nil means a single instance.
type Lease interface {
	Acquire(ctx context.Context, name string) (bool, error)
	Release(ctx context.Context, name string) error
}

type job struct {
	name    string
	every   time.Duration
	timeout time.Duration
	run     func(ctx context.Context) error
	lock    sync.Mutex
}

// Scheduler runs periodic jobs. Each job is single-flight: a tick that finds
// the previous run still going is skipped, both inside this process and,
// with a Lease, across instances.
type Scheduler struct {
	cron    *cron.Cron
	lease   Lease
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
	jobs    map[string]*job
}

func NewScheduler(lease Lease) *Scheduler {
	logger := logging.CronLogger{Logger: log.Logger.With().Str("component", "cron").Logger()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithLogger(logger), cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		lease:  lease,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Add registers a job that runs every interval. timeout bounds a single run;
// zero means the interval itself.
func (s *Scheduler) Add(name string, every, timeout time.Duration, run func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	if timeout <= 0 {
		timeout = every
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("job %s already registered", name)
	}
	j := &job{name: name, every: every, timeout: timeout, run: run}
	if _, err := s.cron.AddFunc("@every "+every.String(), func() {
		_, _ = s.execute(s.ctx, j)
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.jobs[name] = j
	return nil
}

func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a registered job immediately under the same single-flight rules
// as a scheduled tick. It reports false when the run was skipped.
func (s *Scheduler) RunNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("unknown job %s", name)
	}
	return s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j *job) (bool, error) {
	if !j.lock.TryLock() {
		s.skipped(j.name, "still running")
		return false, nil
	}
	defer j.lock.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, j.name)
		if err != nil {
			log.Warn().Err(err).Str("job", j.name).Msg("Lease unavailable; skipping run")
			s.skipped(j.name, "lease error")
			return false, nil
		}
		if !ok {
			s.skipped(j.name, "held by another instance")
			return false, nil
		}
		defer func() {
			if err := s.lease.Release(context.WithoutCancel(ctx), j.name); err != nil {
				log.Warn().Err(err).Str("job", j.name).Msg("Failed to release lease")
			}
		}()
	}

	start := time.Now()
	err := j.run(ctx)
	metrics.JobDuration.WithLabelValues(j.name).Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error().Err(err).Str("job", j.name).Dur("took", time.Since(start)).Msg("Job failed")
		return true, err
	}
	log.Debug().Str("job", j.name).Dur("took", time.Since(start)).Msg("Job finished")
	return true, nil
}

func (s *Scheduler) skipped(name, reason string) {
	metrics.JobsSkippedTotal.WithLabelValues(name).Inc()
	log.Info().Str("job", name).Str("reason", reason).Msg("Job run skipped")
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.cron.Start()
	log.Info().Strs("jobs", s.Jobs()).Msg("Scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Info().Msg("Stopping scheduler...")
	done := s.cron.Stop()
	s.cancel()
	<-done.Done()
	log.Info().Msg("Scheduler stopped")
}
