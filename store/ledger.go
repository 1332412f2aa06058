package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/google/uuid"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

const defaultQueryTimeout = 5 * time.Second

// Ledger implements types.Ledger over database/sql. The SQL is shared by the
// Postgres and SQLite dialects; timestamps are unix milliseconds.
type Ledger struct {
	db      *sql.DB
	dialect dialect
	timeout time.Duration
	now     func() time.Time
	closers []func()
}

var _ types.Ledger = (*Ledger)(nil)

func newLedger(db *sql.DB, d dialect) *Ledger {
	return &Ledger{
		db:      db,
		dialect: d,
		timeout: defaultQueryTimeout,
		now:     time.Now,
	}
}

// WithClock replaces the clock used for created_at/updated_at columns.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.db.PingContext(ctx)
}

func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	err := l.db.Close()
	for _, c := range l.closers {
		c()
	}
	return err
}

func (l *Ledger) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, l.timeout)
}

// q rewrites ? placeholders into $n for Postgres.
func (l *Ledger) q(query string) string {
	if l.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, types.ErrStoreUnavailable, err)
}

func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Subscribers

func (l *Ledger) GetSubscriber(ctx context.Context, id string) (*types.Subscriber, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	var (
		s       types.Subscriber
		created int64
		updated int64
	)
	err := l.db.QueryRowContext(ctx, l.q(`
SELECT id, locale, active, created_at, updated_at
FROM subscribers
WHERE id = ?
`), id).Scan(&s.ID, &s.Locale, &s.Active, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get subscriber", err)
	}
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)

	rows, err := l.db.QueryContext(ctx, l.q(`
SELECT provider, external_id
FROM subscriber_identities
WHERE subscriber_id = ?
`), id)
	if err != nil {
		return nil, unavailable("get subscriber identities", err)
	}
	defer rows.Close()
	s.ProviderIDs = map[string]string{}
	for rows.Next() {
		var provider, external string
		if err := rows.Scan(&provider, &external); err != nil {
			return nil, unavailable("scan subscriber identity", err)
		}
		s.ProviderIDs[provider] = external
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("get subscriber identities", err)
	}
	return &s, nil
}

// ListSubscriberIDs returns every active subscriber, oldest first.
func (l *Ledger) ListSubscriberIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	rows, err := l.db.QueryContext(ctx, `
SELECT id
FROM subscribers
WHERE active
ORDER BY created_at, id
`)
	if err != nil {
		return nil, unavailable("list subscribers", err)
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, unavailable("scan subscriber", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list subscribers", err)
	}
	return out, nil
}

// UpsertSubscriber creates the subscriber or refreshes it. An empty locale
// keeps the stored one.
func (l *Ledger) UpsertSubscriber(ctx context.Context, s types.Subscriber) error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("subscriber id is required")
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	now := millis(l.now())
	_, err := l.db.ExecContext(ctx, l.q(`
INSERT INTO subscribers (id, locale, active, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
  locale = CASE WHEN excluded.locale <> '' THEN excluded.locale ELSE subscribers.locale END,
  active = excluded.active,
  updated_at = excluded.updated_at
`), s.ID, strings.TrimSpace(s.Locale), s.Active, now, now)
	if err != nil {
		return unavailable("upsert subscriber", err)
	}
	for provider, external := range s.ProviderIDs {
		if err := l.LinkProviderIdentity(ctx, s.ID, provider, external); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) SetSubscriberLocale(ctx context.Context, id, locale string) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	res, err := l.db.ExecContext(ctx, l.q(`
UPDATE subscribers SET locale = ?, updated_at = ? WHERE id = ?
`), strings.TrimSpace(locale), millis(l.now()), id)
	if err != nil {
		return unavailable("set subscriber locale", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (l *Ledger) LinkProviderIdentity(ctx context.Context, subscriberID, provider, externalID string) error {
	provider = strings.TrimSpace(provider)
	externalID = strings.TrimSpace(externalID)
	if provider == "" || externalID == "" {
		return nil
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	_, err := l.db.ExecContext(ctx, l.q(`
INSERT INTO subscriber_identities (subscriber_id, provider, external_id, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (subscriber_id, provider) DO UPDATE SET external_id = excluded.external_id
`), subscriberID, provider, externalID, millis(l.now()))
	if err != nil {
		return unavailable("link provider identity", err)
	}
	return nil
}

// Plans

func (l *Ledger) GetPlan(ctx context.Context, id string) (*types.Plan, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	p, err := scanPlan(l.db.QueryRowContext(ctx, l.q(`
SELECT id, name, price_minor, currency, duration_days, description, created_at
FROM plans
WHERE id = ?
`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get plan", err)
	}
	return p, nil
}

func scanPlan(row rowScanner) (*types.Plan, error) {
	var (
		p       types.Plan
		created int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.PriceMinor, &p.Currency, &p.DurationDays, &p.Description, &created); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	return &p, nil
}

// SavePlan inserts a plan or updates its presentation. Billing terms of a
// plan that a subscription already references never change.
func (l *Ledger) SavePlan(ctx context.Context, p types.Plan) error {
	if strings.TrimSpace(p.ID) == "" || p.DurationDays <= 0 || p.PriceMinor < 0 {
		return fmt.Errorf("invalid plan %q", p.ID)
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("save plan", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := scanPlan(tx.QueryRowContext(ctx, l.q(`
SELECT id, name, price_minor, currency, duration_days, description, created_at
FROM plans
WHERE id = ?
`), p.ID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, l.q(`
INSERT INTO plans (id, name, price_minor, currency, duration_days, description, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`), p.ID, p.Name, p.PriceMinor, p.Currency, p.DurationDays, p.Description, millis(l.now()))
		if err != nil {
			return unavailable("insert plan", err)
		}
	case err != nil:
		return unavailable("load plan", err)
	default:
		if !existing.SameTerms(p) {
			var referenced bool
			if err := tx.QueryRowContext(ctx, l.q(`
SELECT EXISTS (SELECT 1 FROM subscriptions WHERE plan_id = ?)
`), p.ID).Scan(&referenced); err != nil {
				return unavailable("check plan references", err)
			}
			if referenced {
				return fmt.Errorf("plan %q: %w", p.ID, types.ErrPlanImmutable)
			}
		}
		_, err = tx.ExecContext(ctx, l.q(`
UPDATE plans
SET name = ?, price_minor = ?, currency = ?, duration_days = ?, description = ?
WHERE id = ?
`), p.Name, p.PriceMinor, p.Currency, p.DurationDays, p.Description, p.ID)
		if err != nil {
			return unavailable("update plan", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("save plan", err)
	}
	return nil
}

func (l *Ledger) ListPlans(ctx context.Context) ([]types.Plan, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	rows, err := l.db.QueryContext(ctx, `
SELECT id, name, price_minor, currency, duration_days, description, created_at
FROM plans
ORDER BY duration_days, id
`)
	if err != nil {
		return nil, unavailable("list plans", err)
	}
	defer rows.Close()
	plans := make([]types.Plan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, unavailable("scan plan", err)
		}
		plans = append(plans, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list plans", err)
	}
	return plans, nil
}

// Payment events

// RecordPaymentEvent stores the event keyed by (provider, transaction id).
// Replays report RecordDuplicate; a pending row is finalized once by a later
// confirmed or failed delivery.
func (l *Ledger) RecordPaymentEvent(ctx context.Context, ev *types.PaymentEvent) (types.RecordResult, error) {
	if ev == nil || ev.Provider == "" || ev.TransactionID == "" {
		return "", errors.New("payment event requires provider and transaction id")
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	received := ev.ReceivedAt
	if received.IsZero() {
		received = l.now()
	}
	res, err := l.db.ExecContext(ctx, l.q(`
INSERT INTO payment_events (provider, transaction_id, amount, currency, subscriber_id, plan_id, status, payer_ref, fingerprint, received_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (provider, transaction_id) DO NOTHING
`), ev.Provider, ev.TransactionID, ev.Amount, ev.Currency, ev.SubscriberID, ev.PlanID, string(ev.Status), ev.PayerRef, ev.Fingerprint, millis(received))
	if err != nil {
		return "", unavailable("record payment event", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return types.RecordAccepted, nil
	}

	if !ev.Status.Final() {
		return types.RecordDuplicate, nil
	}
	res, err = l.db.ExecContext(ctx, l.q(`
UPDATE payment_events
SET status = ?, amount = ?, fingerprint = ?
WHERE provider = ? AND transaction_id = ? AND status = 'pending'
`), string(ev.Status), ev.Amount, ev.Fingerprint, ev.Provider, ev.TransactionID)
	if err != nil {
		return "", unavailable("finalize payment event", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return types.RecordAccepted, nil
	}
	return types.RecordDuplicate, nil
}

const paymentColumns = `provider, transaction_id, amount, currency, subscriber_id, plan_id, status, payer_ref, fingerprint, received_at, subscription_id, claimed_until, applied_at`

func scanPayment(row rowScanner) (*types.PaymentEvent, error) {
	var (
		ev       types.PaymentEvent
		status   string
		received int64
		claimed  sql.NullInt64
		applied  sql.NullInt64
	)
	if err := row.Scan(&ev.Provider, &ev.TransactionID, &ev.Amount, &ev.Currency, &ev.SubscriberID, &ev.PlanID,
		&status, &ev.PayerRef, &ev.Fingerprint, &received, &ev.SubscriptionID, &claimed, &applied); err != nil {
		return nil, err
	}
	ev.Status = types.PaymentStatus(status)
	ev.ReceivedAt = fromMillis(received)
	ev.ClaimedUntil = fromNullMillis(claimed)
	ev.AppliedAt = fromNullMillis(applied)
	return &ev, nil
}

func (l *Ledger) GetPaymentEvent(ctx context.Context, provider, transactionID string) (*types.PaymentEvent, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	ev, err := scanPayment(l.db.QueryRowContext(ctx, l.q(`
SELECT `+paymentColumns+`
FROM payment_events
WHERE provider = ? AND transaction_id = ?
`), provider, transactionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get payment event", err)
	}
	return ev, nil
}

// ClaimPaymentEvent takes the processing lease on a confirmed payment that has
// not been applied yet.
func (l *Ledger) ClaimPaymentEvent(ctx context.Context, provider, transactionID string, now, leaseUntil time.Time) (bool, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	res, err := l.db.ExecContext(ctx, l.q(`
UPDATE payment_events
SET claimed_until = ?
WHERE provider = ? AND transaction_id = ?
  AND status = 'confirmed'
  AND applied_at IS NULL
  AND (claimed_until IS NULL OR claimed_until <= ?)
`), millis(leaseUntil), provider, transactionID, millis(now))
	if err != nil {
		return false, unavailable("claim payment event", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkPaymentApplied links a payment to the subscription it was applied to.
// ErrPaymentApplied means an earlier attempt already linked it.
func (l *Ledger) MarkPaymentApplied(ctx context.Context, provider, transactionID, subscriptionID string, at time.Time) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.linkPayment(ctx, l.db, types.PaymentLink{Provider: provider, TransactionID: transactionID, AppliedAt: at}, subscriptionID)
}

func (l *Ledger) ListPendingPaymentEvents(ctx context.Context, provider string, receivedBefore time.Time, limit int) ([]types.PaymentEvent, error) {
	return l.listPayments(ctx, "list pending payments", `
WHERE provider = ? AND status = 'pending' AND received_at <= ?
ORDER BY received_at
LIMIT ?
`, provider, millis(receivedBefore), pageSize(limit))
}

// ListPendingPaymentsBySubscriber returns the subscriber's pending payments
// with provider, oldest first.
func (l *Ledger) ListPendingPaymentsBySubscriber(ctx context.Context, provider, subscriberID string, limit int) ([]types.PaymentEvent, error) {
	return l.listPayments(ctx, "list subscriber pending payments", `
WHERE subscriber_id = ? AND provider = ? AND status = 'pending'
ORDER BY received_at
LIMIT ?
`, subscriberID, provider, pageSize(limit))
}

// ListStrandedPayments returns confirmed payments received before
// receivedBefore that were never applied and whose claim, if any, has lapsed.
func (l *Ledger) ListStrandedPayments(ctx context.Context, now, receivedBefore time.Time, limit int) ([]types.PaymentEvent, error) {
	return l.listPayments(ctx, "list stranded payments", `
WHERE status = 'confirmed' AND applied_at IS NULL
  AND (claimed_until IS NULL OR claimed_until <= ?)
  AND received_at <= ?
ORDER BY received_at
LIMIT ?
`, millis(now), millis(receivedBefore), pageSize(limit))
}

func pageSize(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

func (l *Ledger) listPayments(ctx context.Context, op, where string, args ...any) ([]types.PaymentEvent, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	rows, err := l.db.QueryContext(ctx, l.q(`
SELECT `+paymentColumns+`
FROM payment_events
`+where), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	out := make([]types.PaymentEvent, 0)
	for rows.Next() {
		ev, err := scanPayment(rows)
		if err != nil {
			return nil, unavailable("scan payment event", err)
		}
		out = append(out, *ev)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// Subscriptions

const subscriptionColumns = `id, subscriber_id, plan_id, state, version, activated_at, expires_at, credential_ref, grant_attempts, next_retry_at, created_at, updated_at`

func scanSubscription(row rowScanner) (*types.Subscription, error) {
	var (
		s         types.Subscription
		state     string
		activated sql.NullInt64
		expires   sql.NullInt64
		nextRetry sql.NullInt64
		created   int64
		updated   int64
	)
	if err := row.Scan(&s.ID, &s.SubscriberID, &s.PlanID, &state, &s.Version, &activated, &expires,
		&s.CredentialRef, &s.GrantAttempts, &nextRetry, &created, &updated); err != nil {
		return nil, err
	}
	s.State = types.SubscriptionState(state)
	s.ActivatedAt = fromNullMillis(activated)
	s.ExpiresAt = fromNullMillis(expires)
	s.NextRetryAt = fromNullMillis(nextRetry)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	return &s, nil
}

// CreateSubscription inserts a confirmed subscription. ErrConflict means the
// subscriber already holds a non-terminal one.
func (l *Ledger) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	if err := l.prepareSubscription(sub); err != nil {
		return err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.insertSubscription(ctx, l.db, sub)
}

// CreateSubscriptionForPayment inserts a confirmed subscription and marks the
// payment that bought it applied in one transaction. ErrPaymentApplied means
// the payment was already applied elsewhere and nothing was written.
func (l *Ledger) CreateSubscriptionForPayment(ctx context.Context, sub *types.Subscription, link types.PaymentLink) error {
	if err := l.prepareSubscription(sub); err != nil {
		return err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("create subscription", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := l.insertSubscription(ctx, tx, sub); err != nil {
		return err
	}
	if err := l.linkPayment(ctx, tx, link, sub.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("create subscription", err)
	}
	return nil
}

func (l *Ledger) prepareSubscription(sub *types.Subscription) error {
	if sub == nil || sub.SubscriberID == "" || sub.PlanID == "" {
		return errors.New("subscription requires subscriber and plan")
	}
	if sub.State == "" {
		sub.State = types.StateConfirmed
	}
	if sub.State != types.StateConfirmed {
		return fmt.Errorf("create subscription in %q: %w", sub.State, types.ErrInvalidTransition)
	}
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := l.now().UTC()
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (l *Ledger) insertSubscription(ctx context.Context, ex execer, sub *types.Subscription) error {
	res, err := ex.ExecContext(ctx, l.q(`
INSERT INTO subscriptions (id, subscriber_id, plan_id, state, version, credential_ref, grant_attempts, created_at, updated_at)
VALUES (?, ?, ?, ?, 1, '', 0, ?, ?)
ON CONFLICT DO NOTHING
`), sub.ID, sub.SubscriberID, sub.PlanID, string(sub.State), millis(sub.CreatedAt), millis(sub.UpdatedAt))
	if err != nil {
		return unavailable("create subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrConflict
	}
	return nil
}

// linkPayment records which subscription a payment bought. It fails with
// ErrPaymentApplied when the payment already carries a link.
func (l *Ledger) linkPayment(ctx context.Context, ex execer, link types.PaymentLink, subscriptionID string) error {
	at := link.AppliedAt
	if at.IsZero() {
		at = l.now()
	}
	res, err := ex.ExecContext(ctx, l.q(`
UPDATE payment_events
SET applied_at = ?, subscription_id = ?, claimed_until = NULL
WHERE provider = ? AND transaction_id = ? AND applied_at IS NULL
`), millis(at), subscriptionID, link.Provider, link.TransactionID)
	if err != nil {
		return unavailable("link payment", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s/%s: %w", link.Provider, link.TransactionID, types.ErrPaymentApplied)
	}
	return nil
}

func (l *Ledger) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	s, err := scanSubscription(l.db.QueryRowContext(ctx, l.q(`
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE id = ?
`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get subscription", err)
	}
	return s, nil
}

// GetActiveSubscription returns the subscriber's non-terminal subscription or
// nil when there is none.
func (l *Ledger) GetActiveSubscription(ctx context.Context, subscriberID string) (*types.Subscription, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	s, err := scanSubscription(l.db.QueryRowContext(ctx, l.q(`
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE subscriber_id = ? AND state IN ('confirmed', 'active', 'expiring')
`), subscriberID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("get active subscription", err)
	}
	return s, nil
}

// TransitionSubscription moves a subscription from one state to another with
// compare-and-swap on the current state.
func (l *Ledger) TransitionSubscription(ctx context.Context, id string, from, to types.SubscriptionState, m types.TransitionMutation) (*types.Subscription, error) {
	if !types.CanTransition(from, to) {
		return nil, fmt.Errorf("%s -> %s: %w", from, to, types.ErrInvalidTransition)
	}
	if to != types.StateActive && (m.ExpiresAt != nil || m.ActivatedAt != nil) {
		return nil, fmt.Errorf("expiry can only be set entering %s: %w", types.StateActive, types.ErrInvalidTransition)
	}
	if to == types.StateActive && m.ExpiresAt == nil {
		return nil, fmt.Errorf("entering %s requires an expiry: %w", types.StateActive, types.ErrInvalidTransition)
	}

	opCtx, cancel := l.withTimeout(ctx)
	res, err := l.db.ExecContext(opCtx, l.q(`
UPDATE subscriptions
SET state = ?,
    version = version + 1,
    activated_at = COALESCE(CAST(? AS BIGINT), activated_at),
    expires_at = COALESCE(CAST(? AS BIGINT), expires_at),
    credential_ref = COALESCE(NULLIF(CAST(? AS TEXT), ''), credential_ref),
    next_retry_at = NULL,
    updated_at = ?
WHERE id = ? AND state = ?
`), string(to), nullMillis(m.ActivatedAt), nullMillis(m.ExpiresAt), m.CredentialRef, millis(l.now()), id, string(from))
	cancel()
	if err != nil {
		return nil, unavailable("transition subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := l.GetSubscription(ctx, id); err != nil {
			return nil, err
		}
		return nil, types.ErrConflict
	}
	return l.GetSubscription(ctx, id)
}

// ExtendSubscription moves the expiry of a live subscription in place. The
// expected version guards against a concurrent writer.
func (l *Ledger) ExtendSubscription(ctx context.Context, id string, expectedVersion int64, expiresAt time.Time, credentialRef string) (*types.Subscription, error) {
	opCtx, cancel := l.withTimeout(ctx)
	err := l.extendSubscription(opCtx, l.db, id, expectedVersion, expiresAt, credentialRef)
	cancel()
	if errors.Is(err, types.ErrConflict) {
		if _, err := l.GetSubscription(ctx, id); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	return l.GetSubscription(ctx, id)
}

// ExtendSubscriptionForPayment extends a live subscription and marks the
// renewing payment applied in one transaction.
func (l *Ledger) ExtendSubscriptionForPayment(ctx context.Context, id string, expectedVersion int64, expiresAt time.Time, credentialRef string, link types.PaymentLink) (*types.Subscription, error) {
	opCtx, cancel := l.withTimeout(ctx)
	err := func() error {
		tx, err := l.db.BeginTx(opCtx, nil)
		if err != nil {
			return unavailable("extend subscription", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := l.extendSubscription(opCtx, tx, id, expectedVersion, expiresAt, credentialRef); err != nil {
			return err
		}
		if err := l.linkPayment(opCtx, tx, link, id); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return unavailable("extend subscription", err)
		}
		return nil
	}()
	cancel()
	if errors.Is(err, types.ErrConflict) {
		if _, err := l.GetSubscription(ctx, id); err != nil {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}
	return l.GetSubscription(ctx, id)
}

func (l *Ledger) extendSubscription(ctx context.Context, ex execer, id string, expectedVersion int64, expiresAt time.Time, credentialRef string) error {
	res, err := ex.ExecContext(ctx, l.q(`
UPDATE subscriptions
SET expires_at = ?,
    credential_ref = COALESCE(NULLIF(CAST(? AS TEXT), ''), credential_ref),
    version = version + 1,
    updated_at = ?
WHERE id = ? AND version = ? AND state IN ('active', 'expiring')
`), millis(expiresAt), credentialRef, millis(l.now()), id, expectedVersion)
	if err != nil {
		return unavailable("extend subscription", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrConflict
	}
	return nil
}

func (l *Ledger) ScheduleGrantRetry(ctx context.Context, id string, attempts int, nextAt time.Time) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	res, err := l.db.ExecContext(ctx, l.q(`
UPDATE subscriptions
SET grant_attempts = ?, next_retry_at = ?, updated_at = ?
WHERE id = ? AND state = 'confirmed'
`), attempts, millis(nextAt), millis(l.now()), id)
	if err != nil {
		return unavailable("schedule grant retry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrConflict
	}
	return nil
}

func (l *Ledger) ListSubscriptionsExpiringBefore(ctx context.Context, ts time.Time) ([]types.Subscription, error) {
	return l.listSubscriptions(ctx, "list expiring subscriptions", `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE state IN ('active', 'expiring') AND expires_at IS NOT NULL AND expires_at <= ?
ORDER BY expires_at
`, millis(ts))
}

func (l *Ledger) ListSubscriptionsDueForRetry(ctx context.Context, now time.Time) ([]types.Subscription, error) {
	return l.listSubscriptions(ctx, "list grant retries", `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE state = 'confirmed' AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY created_at
`, millis(now))
}

func (l *Ledger) listSubscriptions(ctx context.Context, op, query string, args ...any) ([]types.Subscription, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	rows, err := l.db.QueryContext(ctx, l.q(query), args...)
	if err != nil {
		return nil, unavailable(op, err)
	}
	defer rows.Close()
	out := make([]types.Subscription, 0)
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, unavailable(op, err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(op, err)
	}
	return out, nil
}

// Provisioning records

func (l *Ledger) AppendProvisioningRecord(ctx context.Context, rec types.ProvisioningRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = l.now()
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	_, err := l.db.ExecContext(ctx, l.q(`
INSERT INTO provisioning_records (id, subscription_id, action, correlation_id, outcome, attempt, detail, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`), rec.ID, rec.SubscriptionID, string(rec.Action), rec.CorrelationID, string(rec.Outcome), rec.Attempt, rec.Detail, millis(rec.CreatedAt))
	if err != nil {
		return unavailable("append provisioning record", err)
	}
	return nil
}

func (l *Ledger) ListProvisioningRecords(ctx context.Context, subscriptionID string) ([]types.ProvisioningRecord, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	rows, err := l.db.QueryContext(ctx, l.q(`
SELECT id, subscription_id, action, correlation_id, outcome, attempt, detail, created_at
FROM provisioning_records
WHERE subscription_id = ?
ORDER BY created_at, id
`), subscriptionID)
	if err != nil {
		return nil, unavailable("list provisioning records", err)
	}
	defer rows.Close()
	out := make([]types.ProvisioningRecord, 0)
	for rows.Next() {
		var (
			r       types.ProvisioningRecord
			action  string
			outcome string
			created int64
		)
		if err := rows.Scan(&r.ID, &r.SubscriptionID, &action, &r.CorrelationID, &outcome, &r.Attempt, &r.Detail, &created); err != nil {
			return nil, unavailable("scan provisioning record", err)
		}
		r.Action = types.ProvisioningAction(action)
		r.Outcome = types.ProvisioningOutcome(outcome)
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list provisioning records", err)
	}
	return out, nil
}

// Refund reviews

func (l *Ledger) FlagRefundReview(ctx context.Context, r types.RefundReview) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = l.now()
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	_, err := l.db.ExecContext(ctx, l.q(`
INSERT INTO refund_reviews (id, subscription_id, subscriber_id, provider, transaction_id, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`), r.ID, r.SubscriptionID, r.SubscriberID, r.Provider, r.TransactionID, r.Reason, millis(r.CreatedAt))
	if err != nil {
		return unavailable("flag refund review", err)
	}
	return nil
}

func (l *Ledger) ListRefundReviews(ctx context.Context, openOnly bool) ([]types.RefundReview, error) {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	query := `
SELECT id, subscription_id, subscriber_id, provider, transaction_id, reason, created_at, resolved_at
FROM refund_reviews`
	if openOnly {
		query += `
WHERE resolved_at IS NULL`
	}
	query += `
ORDER BY created_at, id`
	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, unavailable("list refund reviews", err)
	}
	defer rows.Close()
	out := make([]types.RefundReview, 0)
	for rows.Next() {
		var (
			r        types.RefundReview
			created  int64
			resolved sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.SubscriptionID, &r.SubscriberID, &r.Provider, &r.TransactionID, &r.Reason, &created, &resolved); err != nil {
			return nil, unavailable("scan refund review", err)
		}
		r.CreatedAt = fromMillis(created)
		r.ResolvedAt = fromNullMillis(resolved)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list refund reviews", err)
	}
	return out, nil
}

func (l *Ledger) ResolveRefundReview(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	res, err := l.db.ExecContext(ctx, l.q(`
UPDATE refund_reviews SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL
`), millis(at), id)
	if err != nil {
		return unavailable("resolve refund review", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.ErrNotFound
	}
	return nil
}
