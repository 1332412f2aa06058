package types

// SubscriptionState is the lifecycle state of a subscription. The initial
// pending_payment state is implicit: no row exists until a payment is confirmed.
type SubscriptionState string

const (
	StatePendingPayment SubscriptionState = "pending_payment"
	StateConfirmed      SubscriptionState = "confirmed"
	StateActive         SubscriptionState = "active"
	StateExpiring       SubscriptionState = "expiring"
	StateExpired        SubscriptionState = "expired"
	StateRevoked        SubscriptionState = "revoked"
)

var transitions = map[SubscriptionState][]SubscriptionState{
	StatePendingPayment: {StateConfirmed},
	StateConfirmed:      {StateActive, StateRevoked},
	StateActive:         {StateExpiring, StateExpired, StateRevoked},
	StateExpiring:       {StateExpired, StateRevoked},
	StateExpired:        nil,
	StateRevoked:        nil,
}

func (s SubscriptionState) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s SubscriptionState) Terminal() bool {
	return s == StateExpired || s == StateRevoked
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to SubscriptionState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NonTerminalStates lists the states a persisted subscription can hold while
// it still occupies the subscriber's single live slot.
func NonTerminalStates() []SubscriptionState {
	return []SubscriptionState{StateConfirmed, StateActive, StateExpiring}
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentDuplicate PaymentStatus = "duplicate"
)

func (s PaymentStatus) Final() bool {
	return s == PaymentConfirmed || s == PaymentFailed
}

type ProvisioningAction string

const (
	ActionGrant  ProvisioningAction = "grant"
	ActionRenew  ProvisioningAction = "renew"
	ActionRevoke ProvisioningAction = "revoke"
)

type ProvisioningOutcome string

const (
	OutcomeSucceeded ProvisioningOutcome = "succeeded"
	OutcomeFailed    ProvisioningOutcome = "failed"
	OutcomeRetrying  ProvisioningOutcome = "retrying"
)

// RecordResult is what the ledger reports for RecordPaymentEvent.
type RecordResult string

const (
	RecordAccepted  RecordResult = "accepted"
	RecordDuplicate RecordResult = "duplicate"
)

// RefundPolicy decides what happens after a charge that could not be turned
// into VPN access.
type RefundPolicy string

const (
	RefundPolicyReview RefundPolicy = "review"
	RefundPolicyNone   RefundPolicy = "none"
)
