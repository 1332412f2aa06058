package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/metrics"
	"github.com/rs/zerolog/log"
)

const (
	defaultTimeout = 15 * time.Second
	maxBodyBytes   = 1 << 20

	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Account is the VPN server's view of one subscription's access.
type Account struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	CredentialRef string    `json:"credential_ref"`
	ExpiresAt     time.Time `json:"expires_at"`
	Status        string    `json:"status"`
}

type GrantRequest struct {
	CorrelationID string    `json:"correlation_id"`
	SubscriberID  string    `json:"subscriber_id"`
	PlanID        string    `json:"plan_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Client talks to the VPN server account API. Every account is keyed by a
// correlation id (the subscription id), which makes grants idempotent.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *Client) accountURL(correlationID string) string {
	u := c.baseURL + "/api/v1/accounts"
	if correlationID != "" {
		u += "/" + url.PathEscape(correlationID)
	}
	return u
}

// Lookup returns the account for correlationID or ErrAccountNotFound.
func (c *Client) Lookup(ctx context.Context, correlationID string) (Account, error) {
	var acc Account
	status, err := c.do(ctx, "lookup", http.MethodGet, c.accountURL(correlationID), "", nil, &acc)
	if status == http.StatusNotFound {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Grant issues access for a new subscription. An existing account for the
// correlation id is returned instead of creating a second credential.
func (c *Client) Grant(ctx context.Context, req GrantRequest) (Account, error) {
	existing, err := c.Lookup(ctx, req.CorrelationID)
	switch {
	case err == nil:
		if existing.Status == StatusRevoked {
			return Account{}, newStatusError("grant", http.StatusConflict, CodeAccountRevoked, errors.New("account was revoked"))
		}
		return existing, nil
	case !errors.Is(err, ErrAccountNotFound):
		return Account{}, err
	}

	var acc Account
	status, err := c.do(ctx, "grant", http.MethodPost, c.accountURL(""), req.CorrelationID, req, &acc)
	if status == http.StatusConflict {
		var pe *ProvisioningError
		if errors.As(err, &pe) && pe.Code == "" {
			return c.Lookup(ctx, req.CorrelationID)
		}
	}
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Renew moves the account expiry to expiresAt. Setting an absolute expiry
// makes repeated calls safe.
func (c *Client) Renew(ctx context.Context, correlationID string, expiresAt time.Time) (Account, error) {
	var acc Account
	body := map[string]any{"expires_at": expiresAt.UTC()}
	status, err := c.do(ctx, "renew", http.MethodPatch, c.accountURL(correlationID), correlationID+":"+expiresAt.UTC().Format(time.RFC3339), body, &acc)
	if status == http.StatusNotFound {
		return Account{}, newStatusError("renew", status, "", ErrAccountNotFound)
	}
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Revoke removes access. An account that is already gone counts as revoked.
func (c *Client) Revoke(ctx context.Context, correlationID string) error {
	status, err := c.do(ctx, "revoke", http.MethodDelete, c.accountURL(correlationID), "", nil, nil)
	if status == http.StatusNotFound || status == http.StatusGone {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, op, method, endpoint, idempotencyKey string, in, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return 0, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ProvisioningDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ProvisioningCallsTotal.WithLabelValues(op, "transport_error").Inc()
		timedOut := errors.Is(err, context.DeadlineExceeded)
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			timedOut = true
		}
		log.Warn().Err(err).Str("action", op).Bool("timeout", timedOut).Msg("VPN server call failed")
		return 0, newTransportError(op, err, timedOut)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ProvisioningCallsTotal.WithLabelValues(op, "transport_error").Inc()
		return resp.StatusCode, newTransportError(op, err, true)
	}

	if resp.StatusCode >= 300 {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		metrics.ProvisioningCallsTotal.WithLabelValues(op, fmt.Sprintf("http_%d", resp.StatusCode)).Inc()
		return resp.StatusCode, newStatusError(op, resp.StatusCode, apiErr.Error, errors.New(msg))
	}

	metrics.ProvisioningCallsTotal.WithLabelValues(op, "ok").Inc()
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, &ProvisioningError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err), Retryable: true, Unknown: true}
		}
	}
	return resp.StatusCode, nil
}
