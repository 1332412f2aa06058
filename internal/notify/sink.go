package notify

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/i18n"
	"github.com/BatmanBruc/bat-vpn-bot/internal/messages"
	"github.com/BatmanBruc/bat-vpn-bot/internal/metrics"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
)

// Sender is the part of *bot.Bot the sink needs.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Locales resolves a subscriber's preferred language.
type Locales interface {
	GetSubscriber(ctx context.Context, id string) (*types.Subscriber, error)
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Attempts  int
	RetryBase time.Duration
	// PerSecond caps outgoing messages across all workers.
	PerSecond   float64
	DefaultLang i18n.Lang
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.Attempts <= 0 {
		c.Attempts = 4
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.PerSecond <= 0 {
		c.PerSecond = 25
	}
	if c.DefaultLang == "" {
		c.DefaultLang = i18n.Default
	}
	return c
}

// Sink delivers notifications to Telegram chats in the background. Notify
// never blocks: when the queue is full the notification is dropped and
// logged.
type Sink struct {
	sender  Sender
	locales Locales
	cfg     Config
	limiter *rate.Limiter

	mu     sync.RWMutex
	closed bool
	queue  chan types.Notification
	wg     sync.WaitGroup
}

func NewSink(sender Sender, locales Locales, cfg Config) *Sink {
	cfg = cfg.withDefaults()
	return &Sink{
		sender:  sender,
		locales: locales,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Workers),
		queue:   make(chan types.Notification, cfg.QueueSize),
	}
}

func (s *Sink) Notify(_ context.Context, n types.Notification) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(n, "stopped")
		return
	}
	select {
	case s.queue <- n:
		metrics.NotifyQueueDepth.Set(float64(len(s.queue)))
	default:
		s.drop(n, "queue_full")
	}
}

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("notification sink stopped")

// Enqueue waits for queue space instead of dropping. Bulk senders use it so
// a burst larger than the queue is paced by delivery.
func (s *Sink) Enqueue(ctx context.Context, n types.Notification) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(n, "stopped")
		return ErrStopped
	}
	select {
	case s.queue <- n:
		metrics.NotifyQueueDepth.Set(float64(len(s.queue)))
		return nil
	case <-ctx.Done():
		s.drop(n, "canceled")
		return ctx.Err()
	}
}

// Start launches the delivery workers. They run until Stop drains the queue.
func (s *Sink) Start(ctx context.Context) {
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for n := range s.queue {
				metrics.NotifyQueueDepth.Set(float64(len(s.queue)))
				s.deliver(context.WithoutCancel(ctx), n)
			}
		}()
	}
	log.Info().Int("workers", s.cfg.Workers).Msg("Notification sink started")
}

// Stop refuses new notifications and waits for queued ones until ctx ends.
func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn().Int("pending", len(s.queue)).Msg("Notification sink stopped before the queue drained")
		return ctx.Err()
	}
}

func (s *Sink) deliver(ctx context.Context, n types.Notification) {
	chatID, err := strconv.ParseInt(n.SubscriberID, 10, 64)
	if err != nil {
		s.drop(n, "bad_chat_id")
		return
	}
	text := messages.Notification(s.lang(ctx, n.SubscriberID), n)
	if text == "" {
		s.drop(n, "no_template")
		return
	}

	b := retry.WithMaxRetries(uint64(s.cfg.Attempts-1), retry.NewExponential(s.cfg.RetryBase))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
		_, err := s.sender.SendMessage(sendCtx, &bot.SendMessageParams{
			ChatID:    chatID,
			Text:      text,
			ParseMode: messages.ParseModeHTML,
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, bot.ErrorForbidden) || errors.Is(err, bot.ErrorBadRequest) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "dropped").Inc()
		log.Error().Err(err).
			Str("subscriber_id", n.SubscriberID).
			Str("kind", string(n.Kind)).
			Msg("Notification dropped after retries")
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), "sent").Inc()
}

func (s *Sink) lang(ctx context.Context, subscriberID string) i18n.Lang {
	if s.locales == nil {
		return s.cfg.DefaultLang
	}
	lctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	sub, err := s.locales.GetSubscriber(lctx, subscriberID)
	if err != nil || sub.Locale == "" {
		return s.cfg.DefaultLang
	}
	return i18n.Parse(sub.Locale)
}

func (s *Sink) drop(n types.Notification, reason string) {
	metrics.NotificationsTotal.WithLabelValues(string(n.Kind), reason).Inc()
	log.Warn().
		Str("subscriber_id", n.SubscriberID).
		Str("kind", string(n.Kind)).
		Str("reason", reason).
		Msg("Notification dropped")
}
