package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/BatmanBruc/bat-vpn-bot/internal/coordinator"
	"github.com/BatmanBruc/bat-vpn-bot/internal/payments"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type intakeFunc func(ctx context.Context, ev types.PaymentEvent) (coordinator.PaymentOutcome, error)

func (f intakeFunc) HandlePayment(ctx context.Context, ev types.PaymentEvent) (coordinator.PaymentOutcome, error) {
	return f(ctx, ev)
}

const webhookSecret = "hook-secret"

func newWebhookServer(t *testing.T, intake PaymentIntake, ready func(context.Context) error) *httptest.Server {
	t.Helper()
	return newWebhookServerWith(t, payments.NewTelegramProvider(webhookSecret), intake, ready)
}

func newWebhookServerWith(t *testing.T, telegram *payments.TelegramProvider, intake PaymentIntake, ready func(context.Context) error) *httptest.Server {
	t.Helper()
	gw := payments.NewGateway(telegram)
	srv := httptest.NewServer(NewWebhookServer(gw, intake, ready).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func postTelegram(t *testing.T, srv *httptest.Server, secret string) (int, webhookResponse) {
	t.Helper()
	body, err := json.Marshal(paymentUpdate("charge-1"))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/webhooks/telegram", bytes.NewReader(body))
	require.NoError(t, err)
	if secret != "" {
		req.Header.Set(payments.TelegramSecretHeader, secret)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out webhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestWebhookStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		secret     string
		result     types.RecordResult
		err        error
		wantCode   int
		wantStatus string
		wantCalled bool
	}{
		{"processed", webhookSecret, types.RecordAccepted, nil, http.StatusOK, "processed", true},
		{"duplicate", webhookSecret, types.RecordDuplicate, nil, http.StatusOK, "duplicate", true},
		{"bad signature", "wrong", "", nil, http.StatusBadRequest, "", false},
		{"store down", webhookSecret, "", fmt.Errorf("record: %w", types.ErrStoreUnavailable), http.StatusServiceUnavailable, "", true},
		{"internal", webhookSecret, "", errors.New("boom"), http.StatusInternalServerError, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called atomic.Bool
			srv := newWebhookServer(t, intakeFunc(func(_ context.Context, ev types.PaymentEvent) (coordinator.PaymentOutcome, error) {
				called.Store(true)
				assert.Equal(t, "charge-1", ev.TransactionID)
				return coordinator.PaymentOutcome{Result: tt.result}, tt.err
			}), nil)

			code, body := postTelegram(t, srv, tt.secret)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, tt.wantCode == http.StatusOK, body.Received)
			assert.Equal(t, tt.wantCalled, called.Load())
		})
	}
}

func TestTelegramWebhookClosedWithoutSecret(t *testing.T) {
	// A forged update naming any buyer and plan must not reach the ledger.
	for _, header := range []string{"", "guess"} {
		var called atomic.Bool
		srv := newWebhookServerWith(t, payments.NewTelegramProvider(""), intakeFunc(func(context.Context, types.PaymentEvent) (coordinator.PaymentOutcome, error) {
			called.Store(true)
			return coordinator.PaymentOutcome{Result: types.RecordAccepted}, nil
		}), nil)

		code, body := postTelegram(t, srv, header)
		assert.Equal(t, http.StatusBadRequest, code, header)
		assert.False(t, body.Received, header)
		assert.False(t, called.Load(), header)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	srv := newWebhookServer(t, intakeFunc(func(context.Context, types.PaymentEvent) (coordinator.PaymentOutcome, error) {
		t.Error("intake must not be called")
		return coordinator.PaymentOutcome{}, nil
	}), nil)

	resp, err := srv.Client().Post(srv.URL+"/webhooks/paypal", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookRejectsGet(t *testing.T) {
	srv := newWebhookServer(t, nil, nil)

	resp, err := srv.Client().Get(srv.URL + "/webhooks/telegram")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	var down atomic.Bool
	srv := newWebhookServer(t, nil, func(context.Context) error {
		if down.Load() {
			return errors.New("db down")
		}
		return nil
	})

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down.Store(true)
	resp, err = srv.Client().Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newWebhookServer(t, nil, nil)

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
