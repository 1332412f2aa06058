package types

import (
	"context"
	"time"
)

// Ledger is the durable record of subscribers, plans, payments, subscriptions
// and provisioning actions. Every method either durably succeeds or fails with
// no observable partial write; driver failures surface as ErrStoreUnavailable.
type Ledger interface {
	GetSubscriber(ctx context.Context, id string) (*Subscriber, error)
	ListSubscriberIDs(ctx context.Context) ([]string, error)
	UpsertSubscriber(ctx context.Context, s Subscriber) error
	SetSubscriberLocale(ctx context.Context, id, locale string) error
	LinkProviderIdentity(ctx context.Context, subscriberID, provider, externalID string) error

	GetPlan(ctx context.Context, id string) (*Plan, error)
	SavePlan(ctx context.Context, p Plan) error
	ListPlans(ctx context.Context) ([]Plan, error)

	RecordPaymentEvent(ctx context.Context, ev *PaymentEvent) (RecordResult, error)
	GetPaymentEvent(ctx context.Context, provider, transactionID string) (*PaymentEvent, error)
	ClaimPaymentEvent(ctx context.Context, provider, transactionID string, now, leaseUntil time.Time) (bool, error)
	MarkPaymentApplied(ctx context.Context, provider, transactionID, subscriptionID string, at time.Time) error
	ListPendingPaymentEvents(ctx context.Context, provider string, receivedBefore time.Time, limit int) ([]PaymentEvent, error)
	ListPendingPaymentsBySubscriber(ctx context.Context, provider, subscriberID string, limit int) ([]PaymentEvent, error)
	ListStrandedPayments(ctx context.Context, now, receivedBefore time.Time, limit int) ([]PaymentEvent, error)

	CreateSubscription(ctx context.Context, sub *Subscription) error
	CreateSubscriptionForPayment(ctx context.Context, sub *Subscription, link PaymentLink) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetActiveSubscription(ctx context.Context, subscriberID string) (*Subscription, error)
	TransitionSubscription(ctx context.Context, id string, from, to SubscriptionState, m TransitionMutation) (*Subscription, error)
	ExtendSubscription(ctx context.Context, id string, expectedVersion int64, expiresAt time.Time, credentialRef string) (*Subscription, error)
	ExtendSubscriptionForPayment(ctx context.Context, id string, expectedVersion int64, expiresAt time.Time, credentialRef string, link PaymentLink) (*Subscription, error)
	ScheduleGrantRetry(ctx context.Context, id string, attempts int, nextAt time.Time) error
	ListSubscriptionsExpiringBefore(ctx context.Context, ts time.Time) ([]Subscription, error)
	ListSubscriptionsDueForRetry(ctx context.Context, now time.Time) ([]Subscription, error)

	AppendProvisioningRecord(ctx context.Context, rec ProvisioningRecord) error
	ListProvisioningRecords(ctx context.Context, subscriptionID string) ([]ProvisioningRecord, error)

	FlagRefundReview(ctx context.Context, r RefundReview) error
	ListRefundReviews(ctx context.Context, openOnly bool) ([]RefundReview, error)
	ResolveRefundReview(ctx context.Context, id string, at time.Time) error
}

// PaymentLink names the payment a subscription write applies. The write and
// the link commit together.
type PaymentLink struct {
	Provider      string
	TransactionID string
	AppliedAt     time.Time
}
