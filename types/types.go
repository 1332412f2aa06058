package types

import "time"

type Subscriber struct {
	ID          string
	Locale      string
	ProviderIDs map[string]string
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Plan struct {
	ID           string
	Name         string
	PriceMinor   int64
	Currency     string
	DurationDays int
	Description  string
	CreatedAt    time.Time
}

func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// SameTerms reports whether two plan definitions would bill and provision
// identically.
func (p Plan) SameTerms(o Plan) bool {
	return p.ID == o.ID &&
		p.PriceMinor == o.PriceMinor &&
		p.Currency == o.Currency &&
		p.DurationDays == o.DurationDays
}

type Subscription struct {
	ID            string
	SubscriberID  string
	PlanID        string
	State         SubscriptionState
	Version       int64
	ActivatedAt   *time.Time
	ExpiresAt     *time.Time
	CredentialRef string
	GrantAttempts int
	NextRetryAt   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// TransitionMutation carries the fields written together with a state change.
type TransitionMutation struct {
	ActivatedAt   *time.Time
	ExpiresAt     *time.Time
	CredentialRef string
}

type PaymentEvent struct {
	Provider       string        `json:"provider"`
	TransactionID  string        `json:"transaction_id"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	SubscriberID   string        `json:"subscriber_id"`
	PlanID         string        `json:"plan_id"`
	Status         PaymentStatus `json:"status"`
	PayerRef       string        `json:"payer_ref,omitempty"`
	Fingerprint    string        `json:"-"`
	ReceivedAt     time.Time     `json:"-"`
	SubscriptionID string        `json:"-"`
	ClaimedUntil   *time.Time    `json:"-"`
	AppliedAt      *time.Time    `json:"-"`
}

type ProvisioningRecord struct {
	ID             string
	SubscriptionID string
	Action         ProvisioningAction
	CorrelationID  string
	Outcome        ProvisioningOutcome
	Attempt        int
	Detail         string
	CreatedAt      time.Time
}

type RefundReview struct {
	ID             string
	SubscriptionID string
	SubscriberID   string
	Provider       string
	TransactionID  string
	Reason         string
	CreatedAt      time.Time
	ResolvedAt     *time.Time
}
