package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"satpos/internal/lnurl"
	"satpos/internal/logging"
	"satpos/internal/payments"
	"satpos/internal/rates"
	"satpos/internal/store"
)

var validSessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+$`)

// Handler handles HTTP requests from the merchant terminal UI.
type Handler struct {
	payments *payments.Service
	rates    payments.RateConverter
	store    store.Store
	metrics  *metricsRegistry
	mux      *http.ServeMux
}

// NewHandler creates a new HTTP handler. The store may be nil when receipt
// persistence is disabled.
func NewHandler(paymentsSvc *payments.Service, converter payments.RateConverter, st store.Store) *Handler {
	h := &Handler{
		payments: paymentsSvc,
		rates:    converter,
		store:    st,
		metrics:  newMetricsRegistry(),
		mux:      http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/payments", h.handleCreatePayment)
	h.mux.HandleFunc("GET /api/payments/{id}", h.handlePaymentStatus)
	h.mux.HandleFunc("POST /api/payments/{id}/cancel", h.handleCancelPayment)
	h.mux.HandleFunc("POST /api/payments/{id}/card", h.handleCardPayment)
	h.mux.HandleFunc("GET /api/convert", h.handleConvert)
	h.mux.HandleFunc("GET /api/receipts", h.handleListReceipts)
	h.mux.HandleFunc("GET /api/stats", h.handleStats)
	h.mux.Handle("GET /metrics", h.metrics.handler())
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// RecordSettlement feeds the settlement counter. Wired into the engine's
// completion callback by the server.
func (h *Handler) RecordSettlement(method string) {
	h.metrics.incSettlement(method)
}

func isValidSessionID(id string) bool {
	return id != "" && len(id) <= 64 && validSessionIDPattern.MatchString(id)
}

// CreatePaymentRequest is the request body for starting a payment.
type CreatePaymentRequest struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Comment  string  `json:"comment,omitempty"`
}

// PaymentResponse describes a payment session to the terminal UI.
type PaymentResponse struct {
	SessionID       string    `json:"session_id"`
	Status          string    `json:"status"`
	PaymentRequest  string    `json:"payment_request"`
	PaymentHash     string    `json:"payment_hash"`
	AmountSats      int64     `json:"amount_sats"`
	FiatAmount      float64   `json:"fiat_amount"`
	FiatCurrency    string    `json:"fiat_currency"`
	VerifySupported bool      `json:"verify_supported"`
	Method          string    `json:"method,omitempty"`
	Preimage        string    `json:"preimage,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Expired         bool      `json:"expired"`
}

func sessionResponse(sess *payments.Session) PaymentResponse {
	resp := PaymentResponse{
		SessionID:       sess.ID,
		Status:          string(sess.Status()),
		PaymentRequest:  sess.Invoice.PaymentRequest,
		PaymentHash:     sess.Invoice.PaymentHash,
		AmountSats:      sess.AmountSat,
		FiatAmount:      sess.FiatAmount,
		FiatCurrency:    sess.FiatCurrency,
		VerifySupported: sess.VerifyURL != "",
		Method:          string(sess.Method()),
		Preimage:        sess.Preimage(),
		StartedAt:       sess.StartedAt,
		ExpiresAt:       sess.Invoice.ExpiresAt(),
		Expired:         sess.Expired(time.Now()),
	}
	if err := sess.LastError(); err != nil && sess.Status() == payments.StatusPending {
		resp.LastError = err.Error()
	}
	return resp
}

func (h *Handler) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, "amount must be positive", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		http.Error(w, "currency is required", http.StatusBadRequest)
		return
	}

	sess, err := h.payments.CreatePayment(r.Context(), req.Amount, req.Currency, req.Comment)
	if err != nil {
		h.metrics.incPayment("error")
		logging.HTTP.Printf("create payment failed: %v", err)
		http.Error(w, err.Error(), paymentErrorStatus(err))
		return
	}
	h.metrics.incPayment("created")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessionResponse(sess)); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func (h *Handler) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessionResponse(sess)); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func (h *Handler) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	sess.Cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessionResponse(sess)); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

// CardPaymentRequest carries the URL read off an NFC card by the terminal.
type CardPaymentRequest struct {
	CardURL string `json:"card_url"`
}

func (h *Handler) handleCardPayment(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.lookupSession(w, r)
	if !ok {
		return
	}

	var req CardPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CardURL == "" {
		http.Error(w, "card_url is required", http.StatusBadRequest)
		return
	}

	if err := h.payments.SettleWithCard(r.Context(), sess, req.CardURL); err != nil {
		logging.HTTP.Printf("card payment failed for session %s: %v", sess.ID, err)
		http.Error(w, err.Error(), cardErrorStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessionResponse(sess)); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

// ConvertResponse is the conversion preview for the amount entry screen.
type ConvertResponse struct {
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency"`
	AmountSats int64   `json:"amount_sats"`
}

func (h *Handler) handleConvert(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseFloat(r.URL.Query().Get("amount"), 64)
	if err != nil || amount <= 0 {
		http.Error(w, "amount must be a positive number", http.StatusBadRequest)
		return
	}
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		http.Error(w, "currency is required", http.StatusBadRequest)
		return
	}

	sats, err := h.rates.ToSatoshis(r.Context(), amount, currency)
	if err != nil {
		h.metrics.incConversion("error")
		http.Error(w, err.Error(), paymentErrorStatus(err))
		return
	}
	h.metrics.incConversion("ok")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ConvertResponse{
		Amount:     amount,
		Currency:   currency,
		AmountSats: sats,
	}); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

// ReceiptResponse is one settled payment in the history listing.
type ReceiptResponse struct {
	ID           string    `json:"id"`
	PaymentHash  string    `json:"payment_hash"`
	AmountSats   int64     `json:"amount_sats"`
	FiatAmount   float64   `json:"fiat_amount"`
	FiatCurrency string    `json:"fiat_currency"`
	Memo         string    `json:"memo,omitempty"`
	Method       string    `json:"method"`
	SettledAt    time.Time `json:"settled_at"`
}

func (h *Handler) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "receipt store not configured", http.StatusServiceUnavailable)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	receipts, err := h.store.ListReceipts(r.Context(), limit)
	if err != nil {
		logging.HTTP.Printf("list receipts failed: %v", err)
		http.Error(w, "failed to list receipts", http.StatusInternalServerError)
		return
	}

	resp := make([]ReceiptResponse, 0, len(receipts))
	for _, rec := range receipts {
		resp = append(resp, ReceiptResponse{
			ID:           rec.ID,
			PaymentHash:  rec.PaymentHash,
			AmountSats:   rec.AmountSat,
			FiatAmount:   rec.FiatAmount,
			FiatCurrency: rec.FiatCurrency,
			Memo:         rec.Memo,
			Method:       rec.Method,
			SettledAt:    rec.SettledAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		http.Error(w, "receipt store not configured", http.StatusServiceUnavailable)
		return
	}

	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		logging.HTTP.Printf("stats failed: %v", err)
		http.Error(w, "failed to get stats", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func (h *Handler) lookupSession(w http.ResponseWriter, r *http.Request) (*payments.Session, bool) {
	id := r.PathValue("id")
	if !isValidSessionID(id) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return nil, false
	}
	sess, err := h.payments.Session(id)
	if errors.Is(err, payments.ErrSessionNotFound) {
		http.Error(w, "payment session not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		http.Error(w, "failed to look up session", http.StatusInternalServerError)
		return nil, false
	}
	return sess, true
}

// paymentErrorStatus maps issuance-chain errors to HTTP statuses: caller
// mistakes are 4xx, upstream protocol failures are 502.
func paymentErrorStatus(err error) int {
	var unsupported *rates.UnsupportedCurrencyError
	var outOfRange *lnurl.AmountOutOfRangeError
	switch {
	case errors.As(err, &unsupported), errors.As(err, &outOfRange),
		errors.Is(err, lnurl.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}

// cardErrorStatus maps card withdraw errors. An explicit service rejection
// (spent k1, foreign card) is 409 so the UI can show the reason and allow a
// retry; everything else upstream is 502.
func cardErrorStatus(err error) int {
	var rejected *lnurl.WithdrawRejectedError
	switch {
	case errors.Is(err, payments.ErrSessionFinished):
		return http.StatusConflict
	case errors.As(err, &rejected):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadGateway
	}
}
