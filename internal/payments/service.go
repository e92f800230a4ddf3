// Package payments is the terminal's payment engine: it chains fiat
// conversion, LNURL-pay resolution and invoice issuance into a Session, then
// drives settlement detection over LUD-21 polling or an NFC card withdraw.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"satpos/internal/bolt11"
	"satpos/internal/lnurl"
	"satpos/internal/logging"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("payment session not found")

	// ErrSessionFinished means the session already left Pending.
	ErrSessionFinished = errors.New("payment session already finished")
)

// RateConverter converts a fiat amount into satoshis.
type RateConverter interface {
	ToSatoshis(ctx context.Context, amount float64, currencyCode string) (int64, error)
}

// PayClient covers the LNURL-pay legs of a payment attempt.
type PayClient interface {
	ResolvePayAddress(ctx context.Context, address string) (*lnurl.PayInfo, error)
	RequestInvoice(ctx context.Context, info *lnurl.PayInfo, amountSat int64, comment string) (*lnurl.PayValues, error)
	VerifyPayment(ctx context.Context, verifyURL, paymentHash string) (*lnurl.VerifyResult, error)
}

// WithdrawClient covers the card LNURL-withdraw legs.
type WithdrawClient interface {
	FetchWithdraw(ctx context.Context, cardURL string) (*lnurl.WithdrawInfo, error)
	ClaimWithdraw(ctx context.Context, info *lnurl.WithdrawInfo, paymentRequest string) error
}

// CompletionFunc receives every settled session exactly once, regardless of
// whether the poller or the card flow settled it.
type CompletionFunc func(s *Session)

// Config holds the engine's explicit configuration; there is no ambient
// state beyond it.
type Config struct {
	// Address is the payee's Lightning Address or lnurl string.
	Address string

	// PollInterval is the LUD-21 verify cadence. The interval is constant:
	// no backoff and no attempt cutoff. Sessions are bounded externally by
	// invoice expiry or cancellation.
	PollInterval time.Duration

	// CardPrepDelay is the pause before a card URL is acted on, letting the
	// caller's UI reflect the state change first.
	CardPrepDelay time.Duration
}

// Service is the payment engine. One Service serves one terminal; each
// payment attempt owns its Session exclusively and at most one attempt is
// active at a time.
type Service struct {
	cfg   Config
	rates RateConverter
	pay   PayClient
	card  WithdrawClient

	mu         sync.Mutex
	sessions   map[string]*Session
	active     *Session
	onComplete CompletionFunc
}

// NewService creates the engine.
func NewService(cfg Config, rates RateConverter, pay PayClient, card WithdrawClient) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Service{
		cfg:      cfg,
		rates:    rates,
		pay:      pay,
		card:     card,
		sessions: make(map[string]*Session),
	}
}

// SetCompletionCallback registers the collaborator notified on settlement
// (receipt printing, cart clearing). Must be set before payments start.
func (s *Service) SetCompletionCallback(cb CompletionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = cb
}

// Session looks up a session by ID.
func (s *Service) Session(id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// CreatePayment runs the full issuance chain: fiat conversion, address
// resolution, invoice request, invoice decode. When the payee supports
// LUD-21 a settlement poller starts in the background; otherwise the caller
// falls back to a card tap or manual confirmation. Any prior attempt is
// cancelled and awaited first so two completion callbacks can never overlap.
func (s *Service) CreatePayment(ctx context.Context, amount float64, currency, comment string) (*Session, error) {
	amountSat, err := s.rates.ToSatoshis(ctx, amount, currency)
	if err != nil {
		return nil, fmt.Errorf("convert %v %s: %w", amount, currency, err)
	}

	info, err := s.pay.ResolvePayAddress(ctx, s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", s.cfg.Address, err)
	}

	values, err := s.pay.RequestInvoice(ctx, info, amountSat, comment)
	if err != nil {
		return nil, err
	}

	inv, err := bolt11.Decode(values.PR)
	if err != nil {
		return nil, fmt.Errorf("decode received invoice: %w", err)
	}

	s.mu.Lock()
	prior := s.active
	s.mu.Unlock()
	if prior != nil && prior.Status() == StatusPending {
		logging.Payments.Printf("cancelling prior session %s before starting a new one", prior.ID)
		prior.Cancel()
		<-prior.Done()
	}

	sess := newSession(inv, values.Verify)
	sess.AmountSat = amountSat
	sess.FiatAmount = amount
	sess.FiatCurrency = currency
	sess.Memo = comment

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.active = sess
	s.mu.Unlock()

	if sess.VerifyURL != "" {
		go s.pollSettlement(sess)
	} else {
		logging.Payments.Printf("session %s: payee offers no verify URL, settlement detection is manual or card", sess.ID)
	}

	logging.Payments.Printf("session %s: invoice %s for %d sats (%v %s)",
		sess.ID, shortHash(inv.PaymentHash), amountSat, amount, currency)
	return sess, nil
}

// pollSettlement is the session's settlement poller. It owns the session
// for its lifetime; at most one loop runs per session. A verify response
// arriving after cancellation is discarded, never acted on.
func (s *Service) pollSettlement(sess *Session) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-sess.stop
		cancel()
	}()

	for {
		select {
		case <-sess.stop:
			return
		case <-ticker.C:
		}
		if sess.Status() != StatusPending {
			return
		}

		result, err := s.pay.VerifyPayment(ctx, sess.VerifyURL, sess.Invoice.PaymentHash)
		if sess.Status() != StatusPending {
			return
		}
		if err != nil {
			var rejected *lnurl.VerifyRejectedError
			if errors.As(err, &rejected) {
				logging.Payments.Printf("session %s: verify rejected: %v", sess.ID, err)
				sess.fail(err)
				return
			}
			// Transient: observable via LastError, keep polling.
			sess.setLastError(err)
			logging.Payments.Printf("session %s: verify attempt failed: %v", sess.ID, err)
			continue
		}
		sess.setLastError(nil)

		if result.Settled {
			if sess.settle(SettleLUD21, result.Preimage) {
				logging.Payments.Printf("session %s: settled via verify", sess.ID)
				s.deliverCompletion(sess)
			}
			return
		}
	}
}

// SettleWithCard runs the card withdraw flow against the session's invoice:
// a short UI pause, a fresh withdraw discovery (new k1 every attempt), then
// the claim callback. Single shot, no polling. A failed attempt leaves the
// session Pending so the customer can retry or pay the invoice directly.
func (s *Service) SettleWithCard(ctx context.Context, sess *Session, cardURL string) error {
	if sess.Status() != StatusPending {
		return ErrSessionFinished
	}

	select {
	case <-time.After(s.cfg.CardPrepDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	info, err := s.card.FetchWithdraw(ctx, cardURL)
	if err != nil {
		return err
	}

	if err := s.card.ClaimWithdraw(ctx, info, sess.Invoice.PaymentRequest); err != nil {
		return err
	}

	if sess.settle(SettleCard, "") {
		logging.Payments.Printf("session %s: settled via card withdraw", sess.ID)
		s.deliverCompletion(sess)
		return nil
	}
	// The poller won the race; funds moved once either way.
	return nil
}

// Cancel cancels a session by ID. Idempotent.
func (s *Service) Cancel(id string) error {
	sess, err := s.Session(id)
	if err != nil {
		return err
	}
	sess.Cancel()
	return nil
}

// Shutdown cancels the active session and waits for its poller to stop.
func (s *Service) Shutdown() {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active != nil {
		active.Cancel()
		<-active.Done()
	}
}

func (s *Service) deliverCompletion(sess *Session) {
	s.mu.Lock()
	cb := s.onComplete
	s.mu.Unlock()
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Payments.Printf("completion callback panic for session %s: %v", sess.ID, r)
		}
	}()
	cb(sess)
}

func shortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
