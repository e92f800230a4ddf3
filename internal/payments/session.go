package payments

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"satpos/internal/bolt11"
)

// Status is a payment session's lifecycle state. Pending is the only
// transient state; the other three are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSettled   Status = "settled"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// SettleMethod records which protocol confirmed the payment.
type SettleMethod string

const (
	SettleLUD21 SettleMethod = "lud21"
	SettleCard  SettleMethod = "card"
)

// Session tracks a single payment attempt from invoice issuance to a
// terminal state. It is created per attempt and never reused; all fields
// set at construction are immutable afterwards.
type Session struct {
	ID           string
	Invoice      *bolt11.Invoice
	AmountSat    int64
	FiatAmount   float64
	FiatCurrency string
	Memo         string
	VerifyURL    string
	StartedAt    time.Time

	mu       sync.Mutex
	status   Status
	method   SettleMethod
	preimage string
	lastErr  error

	// stop halts the poll loop, done closes on any terminal transition.
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newSession(inv *bolt11.Invoice, verifyURL string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Invoice:   inv,
		VerifyURL: verifyURL,
		StartedAt: time.Now(),
		status:    StatusPending,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Method returns how the session settled, empty until settled.
func (s *Session) Method() SettleMethod {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.method
}

// Preimage returns the settlement preimage when the verify endpoint
// provided one.
func (s *Session) Preimage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preimage
}

// LastError exposes the most recent transient verification failure. It does
// not imply the session failed; Pending sessions keep polling through these.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Done closes when the session reaches a terminal state. Waiting on it after
// Cancel guarantees the poll loop has observed the cancellation.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Cancel moves a pending session to Cancelled and stops its poller. Safe to
// call repeatedly and concurrently; a session that already settled or failed
// keeps its terminal status.
func (s *Session) Cancel() {
	s.transition(StatusCancelled)
	s.halt()
}

// Expired reports whether the underlying invoice can no longer be paid.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.Invoice.ExpiresAt())
}

// transition moves Pending to a terminal state. Returns false when the
// session already left Pending, which makes completion exactly-once: only
// the winning caller acts on the transition.
func (s *Session) transition(to Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPending {
		return false
	}
	s.status = to
	close(s.done)
	return true
}

func (s *Session) settle(method SettleMethod, preimage string) bool {
	s.mu.Lock()
	if s.status != StatusPending {
		s.mu.Unlock()
		return false
	}
	s.status = StatusSettled
	s.method = method
	s.preimage = preimage
	close(s.done)
	s.mu.Unlock()
	s.halt()
	return true
}

func (s *Session) fail(err error) bool {
	s.mu.Lock()
	if s.status != StatusPending {
		s.mu.Unlock()
		return false
	}
	s.status = StatusError
	s.lastErr = err
	close(s.done)
	s.mu.Unlock()
	s.halt()
	return true
}

func (s *Session) setLastError(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

func (s *Session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}
