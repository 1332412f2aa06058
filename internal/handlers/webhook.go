package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BatmanBruc/bat-vpn-bot/internal/coordinator"
	"github.com/BatmanBruc/bat-vpn-bot/internal/payments"
	"github.com/BatmanBruc/bat-vpn-bot/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const maxWebhookBody = 1 << 20

// PaymentParser verifies and normalizes provider payloads.
type PaymentParser interface {
	Parse(raw payments.RawPayload) (types.PaymentEvent, error)
}

// PaymentIntake applies a normalized payment event.
type PaymentIntake interface {
	HandlePayment(ctx context.Context, ev types.PaymentEvent) (coordinator.PaymentOutcome, error)
}

// WebhookServer exposes provider webhooks, health and metrics.
type WebhookServer struct {
	gateway PaymentParser
	intake  PaymentIntake
	ready   func(ctx context.Context) error
}

func NewWebhookServer(gateway PaymentParser, intake PaymentIntake, ready func(ctx context.Context) error) *WebhookServer {
	return &WebhookServer{gateway: gateway, intake: intake, ready: ready}
}

func (s *WebhookServer) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{provider}", s.handleWebhook)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Serve runs the HTTP server until ctx is done.
func (s *WebhookServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *WebhookServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(r.PathValue("provider"))
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, webhookResponse{Error: "body too large"})
		return
	}

	ev, err := s.gateway.Parse(payments.RawPayload{Provider: provider, Header: r.Header, Body: body})
	if err != nil {
		writeJSON(w, http.StatusBadRequest, webhookResponse{Error: "rejected"})
		return
	}

	out, err := s.intake.HandlePayment(r.Context(), ev)
	switch {
	case errors.Is(err, types.ErrStoreUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, webhookResponse{Error: "unavailable"})
		return
	case err != nil:
		log.Error().Err(err).Str("provider", provider).Str("tx_id", ev.TransactionID).Msg("Webhook payment failed")
		writeJSON(w, http.StatusInternalServerError, webhookResponse{Error: "internal"})
		return
	}

	status := "processed"
	if out.Result == types.RecordDuplicate {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Status: status})
}

func (s *WebhookServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
