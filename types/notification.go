package types

// NotificationKind selects the message template a subscriber receives.
type NotificationKind string

const (
	NotifyActivated        NotificationKind = "activated"
	NotifyRenewed          NotificationKind = "renewed"
	NotifyGrantDelayed     NotificationKind = "grant_delayed"
	NotifyActivationFailed NotificationKind = "activation_failed"
	NotifyRenewalFailed    NotificationKind = "renewal_failed"
	NotifyExpiringSoon     NotificationKind = "expiring_soon"
	NotifyExpired          NotificationKind = "expired"
	NotifyRevoked          NotificationKind = "revoked"
	NotifyPaymentFailed    NotificationKind = "payment_failed"
	NotifyPaymentReview    NotificationKind = "payment_review"
	NotifyAdminRefund      NotificationKind = "admin_refund_review"
	NotifyBroadcast        NotificationKind = "broadcast"
)

// Notification is the only thing the coordinator hands to the chat boundary.
type Notification struct {
	SubscriberID string
	Kind         NotificationKind
	Data         map[string]string
}
