package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/BatmanBruc/bat-vpn-bot/internal/metrics"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/rs/zerolog/log"
)

// RawPayload is a provider callback exactly as it arrived.
type RawPayload struct {
	Provider string
	Header   http.Header
	Body     []byte
}

// VerifiedPayload is a payload whose authenticity has been established.
type VerifiedPayload struct {
	Provider string
	Body     []byte
}

// Provider verifies and normalizes the callbacks of one payment provider.
// Normalize must be pure: the same payload always yields the same event.
type Provider interface {
	Name() string
	Verify(raw RawPayload) (VerifiedPayload, error)
	Normalize(v VerifiedPayload) (types.PaymentEvent, error)
}

// Poller is implemented by providers whose payment status can be queried.
type Poller interface {
	Poll(ctx context.Context, transactionID string) (VerifiedPayload, error)
}

// apiSwitch is implemented by providers whose outbound API calls depend on
// optional configuration.
type apiSwitch interface {
	APIEnabled() bool
}

func apiEnabled(p Provider) bool {
	sw, ok := p.(apiSwitch)
	return !ok || sw.APIEnabled()
}

type Gateway struct {
	providers map[string]Provider
}

func NewGateway(providers ...Provider) *Gateway {
	g := &Gateway{providers: make(map[string]Provider)}
	for _, p := range providers {
		g.Register(p)
	}
	return g
}

func (g *Gateway) Register(p Provider) {
	if p == nil {
		return
	}
	g.providers[strings.ToLower(p.Name())] = p
}

// Providers returns the registered provider names in order.
func (g *Gateway) Providers() []string {
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Pollers returns the names of providers that support status polling.
func (g *Gateway) Pollers() []string {
	var names []string
	for _, name := range g.Providers() {
		if _, ok := g.providers[name].(Poller); ok && apiEnabled(g.providers[name]) {
			names = append(names, name)
		}
	}
	return names
}

// Parse verifies raw and turns it into a fingerprinted PaymentEvent.
// Rejections are *types.AuthenticityError.
func (g *Gateway) Parse(raw RawPayload) (types.PaymentEvent, error) {
	name := strings.ToLower(strings.TrimSpace(raw.Provider))
	p, ok := g.providers[name]
	if !ok {
		return g.reject(name, types.NewAuthenticityError(name, "unknown provider"))
	}
	raw.Provider = name
	verified, err := p.Verify(raw)
	if err != nil {
		return g.reject(name, err)
	}
	return g.normalize(p, verified)
}

// Poll asks the provider for the current status of a transaction.
func (g *Gateway) Poll(ctx context.Context, provider, transactionID string) (types.PaymentEvent, error) {
	p, ok := g.providers[strings.ToLower(provider)]
	if !ok {
		return types.PaymentEvent{}, types.NewAuthenticityError(provider, "unknown provider")
	}
	poller, ok := p.(Poller)
	if !ok {
		return types.PaymentEvent{}, fmt.Errorf("provider %s does not support polling", provider)
	}
	verified, err := poller.Poll(ctx, transactionID)
	if err != nil {
		return types.PaymentEvent{}, err
	}
	return g.normalize(p, verified)
}

func (g *Gateway) normalize(p Provider, v VerifiedPayload) (types.PaymentEvent, error) {
	ev, err := p.Normalize(v)
	if err != nil {
		return g.reject(p.Name(), err)
	}
	ev.Provider = p.Name()
	if ev.TransactionID == "" || ev.SubscriberID == "" || ev.PlanID == "" {
		return g.reject(p.Name(), types.NewAuthenticityError(p.Name(), "missing transaction, subscriber or plan"))
	}
	fp, err := Fingerprint(ev)
	if err != nil {
		return types.PaymentEvent{}, err
	}
	ev.Fingerprint = fp
	return ev, nil
}

func (g *Gateway) reject(provider string, err error) (types.PaymentEvent, error) {
	if !types.IsAuthenticityError(err) {
		err = &types.AuthenticityError{Provider: provider, Reason: "malformed payload", Err: err}
	}
	metrics.PaymentEventsTotal.WithLabelValues(provider, "rejected").Inc()
	log.Warn().Err(err).Str("provider", provider).Msg("Payment payload rejected")
	return types.PaymentEvent{}, err
}

// Fingerprint is the hex SHA-256 of the event's canonical JSON encoding.
func Fingerprint(ev types.PaymentEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("encode payment event: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
