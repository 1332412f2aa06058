package payments

import (
	"context"
	"fmt"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/types"
)

// Order is one purchase attempt. Nonce keeps repeated purchases of the same
// plan distinct at the provider.
type Order struct {
	SubscriberID string
	Plan         types.Plan
	Nonce        string
}

// Checkout is a hosted payment page opened for an order.
type Checkout struct {
	Provider string
	URL      string
	// TransactionID is empty when the provider only assigns one once the
	// payer has paid.
	TransactionID string
	Amount        int64
	Currency      string
}

// Creator is implemented by providers that open hosted checkouts.
type Creator interface {
	Create(ctx context.Context, o Order) (Checkout, error)
}

// Methods returns the providers that can open a checkout, in order.
func (g *Gateway) Methods() []string {
	var names []string
	for _, name := range g.Providers() {
		if _, ok := g.providers[name].(Creator); ok && apiEnabled(g.providers[name]) {
			names = append(names, name)
		}
	}
	return names
}

// Create opens a checkout with provider for o.
func (g *Gateway) Create(ctx context.Context, provider string, o Order) (Checkout, error) {
	p, ok := g.providers[strings.ToLower(provider)]
	if !ok {
		return Checkout{}, fmt.Errorf("unknown provider %q", provider)
	}
	creator, ok := p.(Creator)
	if !ok {
		return Checkout{}, fmt.Errorf("provider %s does not open checkouts", provider)
	}
	co, err := creator.Create(ctx, o)
	if err != nil {
		return Checkout{}, fmt.Errorf("%s checkout: %w", p.Name(), err)
	}
	co.Provider = p.Name()
	return co, nil
}

// PendingEvent is the pending payment a checkout stands for, recorded so the
// poll job and the check button can follow it. ok is false when the provider
// has not assigned a transaction id yet.
func (co Checkout) PendingEvent(o Order) (ev types.PaymentEvent, ok bool, err error) {
	if co.TransactionID == "" {
		return types.PaymentEvent{}, false, nil
	}
	ev = types.PaymentEvent{
		Provider:      co.Provider,
		TransactionID: co.TransactionID,
		Amount:        co.Amount,
		Currency:      co.Currency,
		SubscriberID:  o.SubscriberID,
		PlanID:        o.Plan.ID,
		Status:        types.PaymentPending,
	}
	ev.Fingerprint, err = Fingerprint(ev)
	if err != nil {
		return types.PaymentEvent{}, false, err
	}
	return ev, true, nil
}
