package payments

import (
	"context"
	"encoding/hex"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"satpos/internal/lnurl"
)

const testHashHex = "0001020304050607080900010203040506070809000102030405060708090102"

// forgeInvoice builds a decodable payment request with a zeroed signature,
// enough for the engine which never verifies signatures.
func forgeInvoice(t *testing.T, hrp, hashHex string) string {
	t.Helper()

	hash, err := hex.DecodeString(hashHex)
	if err != nil {
		t.Fatalf("decode hash: %v", err)
	}

	var data []byte
	ts := time.Now().Unix()
	for i := 6; i >= 0; i-- {
		data = append(data, byte((ts>>(uint(i)*5))&31))
	}
	groups, err := bech32.ConvertBits(hash, 8, 5, true)
	if err != nil {
		t.Fatalf("convert hash: %v", err)
	}
	data = append(data, 1, byte(len(groups)>>5), byte(len(groups)&31))
	data = append(data, groups...)
	data = append(data, make([]byte, 104)...)

	pr, err := bech32.Encode(hrp, data)
	if err != nil {
		t.Fatalf("encode invoice: %v", err)
	}
	return pr
}

type stubRates struct {
	price float64
	err   error
}

func (s *stubRates) ToSatoshis(_ context.Context, amount float64, _ string) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return int64(math.Round(amount / s.price * 1e8)), nil
}

type verifyStep struct {
	result *lnurl.VerifyResult
	err    error
}

type mockPay struct {
	mu sync.Mutex

	info       *lnurl.PayInfo
	resolveErr error

	values     *lnurl.PayValues
	invoiceErr error

	// verify steps are consumed in order; the last one repeats.
	verify      []verifyStep
	verifyCalls int

	requestedSats []int64
	comments      []string
}

func (m *mockPay) ResolvePayAddress(context.Context, string) (*lnurl.PayInfo, error) {
	if m.resolveErr != nil {
		return nil, m.resolveErr
	}
	return m.info, nil
}

func (m *mockPay) RequestInvoice(_ context.Context, _ *lnurl.PayInfo, amountSat int64, comment string) (*lnurl.PayValues, error) {
	m.mu.Lock()
	m.requestedSats = append(m.requestedSats, amountSat)
	m.comments = append(m.comments, comment)
	m.mu.Unlock()
	if m.invoiceErr != nil {
		return nil, m.invoiceErr
	}
	return m.values, nil
}

func (m *mockPay) VerifyPayment(context.Context, string, string) (*lnurl.VerifyResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyCalls++
	if len(m.verify) == 0 {
		return &lnurl.VerifyResult{Settled: false}, nil
	}
	step := m.verify[0]
	if len(m.verify) > 1 {
		m.verify = m.verify[1:]
	}
	return step.result, step.err
}

func (m *mockPay) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyCalls
}

type claim struct {
	k1 string
	pr string
}

type mockCard struct {
	mu sync.Mutex

	info     *lnurl.WithdrawInfo
	fetchErr error
	claimErr error

	fetched []string
	claims  []claim
}

func (m *mockCard) FetchWithdraw(_ context.Context, cardURL string) (*lnurl.WithdrawInfo, error) {
	m.mu.Lock()
	m.fetched = append(m.fetched, cardURL)
	m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.info, nil
}

func (m *mockCard) ClaimWithdraw(_ context.Context, info *lnurl.WithdrawInfo, pr string) error {
	m.mu.Lock()
	m.claims = append(m.claims, claim{k1: info.K1, pr: pr})
	m.mu.Unlock()
	return m.claimErr
}

func defaultPayInfo() *lnurl.PayInfo {
	return &lnurl.PayInfo{
		Tag:         "payRequest",
		Callback:    "https://pay.example.com/cb",
		MinSendable: 1_000,
		MaxSendable: 1_000_000_000,
		Metadata:    `[["text/plain","store"]]`,
	}
}

func newTestService(pay *mockPay, card *mockCard) *Service {
	return NewService(Config{
		Address:       "store@example.com",
		PollInterval:  5 * time.Millisecond,
		CardPrepDelay: time.Millisecond,
	}, &stubRates{price: 100_000}, pay, card)
}

func waitDone(t *testing.T, sess *Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s never reached a terminal state", sess.ID)
	}
}

func TestCreatePaymentSettlesViaVerify(t *testing.T) {
	pr := forgeInvoice(t, "lnbc100u", testHashHex)
	pay := &mockPay{
		info:   defaultPayInfo(),
		values: &lnurl.PayValues{PR: pr, Verify: "https://pay.example.com/verify/abc"},
		verify: []verifyStep{
			{result: &lnurl.VerifyResult{Settled: false}},
			{result: &lnurl.VerifyResult{Settled: false}},
			{result: &lnurl.VerifyResult{Settled: false}},
			{result: &lnurl.VerifyResult{Settled: true, Preimage: "deadbeef"}},
		},
	}
	svc := newTestService(pay, &mockCard{})

	var completions atomic.Int32
	svc.SetCompletionCallback(func(s *Session) { completions.Add(1) })

	sess, err := svc.CreatePayment(context.Background(), 10, "USD", "two coffees")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if sess.AmountSat != 10_000 {
		t.Errorf("amount = %d sats, want 10000", sess.AmountSat)
	}
	if sess.Invoice.PaymentHash != testHashHex {
		t.Errorf("payment hash = %s", sess.Invoice.PaymentHash)
	}
	if got, _ := svc.Session(sess.ID); got != sess {
		t.Error("session not retrievable by ID")
	}

	waitDone(t, sess)

	if sess.Status() != StatusSettled {
		t.Fatalf("status = %s, want settled", sess.Status())
	}
	if sess.Method() != SettleLUD21 {
		t.Errorf("method = %s, want lud21", sess.Method())
	}
	if sess.Preimage() != "deadbeef" {
		t.Errorf("preimage = %s", sess.Preimage())
	}
	if calls := pay.calls(); calls < 4 {
		t.Errorf("verify calls = %d, want at least 4", calls)
	}

	// Give any stray callback time to fire, then require exactly one.
	time.Sleep(50 * time.Millisecond)
	if n := completions.Load(); n != 1 {
		t.Errorf("completions = %d, want exactly 1", n)
	}

	pay.mu.Lock()
	defer pay.mu.Unlock()
	if len(pay.requestedSats) != 1 || pay.requestedSats[0] != 10_000 {
		t.Errorf("requested sats = %v", pay.requestedSats)
	}
	if pay.comments[0] != "two coffees" {
		t.Errorf("comment = %q", pay.comments[0])
	}
}

func TestCreatePaymentWithoutVerifyURL(t *testing.T) {
	pay := &mockPay{
		info:   defaultPayInfo(),
		values: &lnurl.PayValues{PR: forgeInvoice(t, "lnbc100u", testHashHex)},
	}
	svc := newTestService(pay, &mockCard{})

	sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	if sess.Status() != StatusPending {
		t.Errorf("status = %s, want pending", sess.Status())
	}
	if calls := pay.calls(); calls != 0 {
		t.Errorf("verify calls = %d, want 0", calls)
	}
}

func TestCreatePaymentErrors(t *testing.T) {
	t.Run("conversion fails", func(t *testing.T) {
		convErr := errors.New("rates down")
		svc := NewService(Config{Address: "a@b"}, &stubRates{err: convErr}, &mockPay{}, &mockCard{})

		if _, err := svc.CreatePayment(context.Background(), 10, "USD", ""); !errors.Is(err, convErr) {
			t.Errorf("error = %v, want wrapped conversion error", err)
		}
	})

	t.Run("resolution fails", func(t *testing.T) {
		disc := &lnurl.DiscoveryError{StatusCode: 404}
		svc := newTestService(&mockPay{resolveErr: disc}, &mockCard{})

		_, err := svc.CreatePayment(context.Background(), 10, "USD", "")
		var got *lnurl.DiscoveryError
		if !errors.As(err, &got) {
			t.Errorf("error = %v, want DiscoveryError", err)
		}
	})

	t.Run("invoice request fails", func(t *testing.T) {
		oor := &lnurl.AmountOutOfRangeError{AmountSat: 5, MinSat: 10, MaxSat: 100}
		svc := newTestService(&mockPay{info: defaultPayInfo(), invoiceErr: oor}, &mockCard{})

		_, err := svc.CreatePayment(context.Background(), 10, "USD", "")
		var got *lnurl.AmountOutOfRangeError
		if !errors.As(err, &got) {
			t.Errorf("error = %v, want AmountOutOfRangeError", err)
		}
	})

	t.Run("undecodable invoice", func(t *testing.T) {
		svc := newTestService(&mockPay{info: defaultPayInfo(), values: &lnurl.PayValues{PR: "not-bolt11"}}, &mockCard{})

		if _, err := svc.CreatePayment(context.Background(), 10, "USD", ""); err == nil {
			t.Error("expected decode error")
		}
	})
}

func TestCreatePaymentCancelsPrior(t *testing.T) {
	pay := &mockPay{
		info:   defaultPayInfo(),
		values: &lnurl.PayValues{PR: forgeInvoice(t, "lnbc100u", testHashHex), Verify: "https://v"},
	}
	svc := newTestService(pay, &mockCard{})

	first, err := svc.CreatePayment(context.Background(), 10, "USD", "")
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	second, err := svc.CreatePayment(context.Background(), 20, "USD", "")
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}

	if first.Status() != StatusCancelled {
		t.Errorf("first status = %s, want cancelled", first.Status())
	}
	if second.Status() != StatusPending {
		t.Errorf("second status = %s, want pending", second.Status())
	}
	if first.ID == second.ID {
		t.Error("sessions share an ID")
	}

	second.Cancel()
}

func TestPollSettlementVerifyRejected(t *testing.T) {
	pay := &mockPay{
		info:   defaultPayInfo(),
		values: &lnurl.PayValues{PR: forgeInvoice(t, "lnbc100u", testHashHex), Verify: "https://v"},
		verify: []verifyStep{
			{err: &lnurl.VerifyRejectedError{Reason: "unknown payment hash"}},
		},
	}
	svc := newTestService(pay, &mockCard{})

	var completions atomic.Int32
	svc.SetCompletionCallback(func(*Session) { completions.Add(1) })

	sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitDone(t, sess)

	if sess.Status() != StatusError {
		t.Errorf("status = %s, want error", sess.Status())
	}
	var rejected *lnurl.VerifyRejectedError
	if !errors.As(sess.LastError(), &rejected) {
		t.Errorf("last error = %v, want VerifyRejectedError", sess.LastError())
	}
	if n := completions.Load(); n != 0 {
		t.Errorf("completions = %d, want 0", n)
	}
}

func TestPollSettlementSurvivesTransientErrors(t *testing.T) {
	pay := &mockPay{
		info:   defaultPayInfo(),
		values: &lnurl.PayValues{PR: forgeInvoice(t, "lnbc100u", testHashHex), Verify: "https://v"},
		verify: []verifyStep{
			{err: &lnurl.VerificationError{StatusCode: 502}},
			{err: &lnurl.VerificationError{StatusCode: 502}},
			{result: &lnurl.VerifyResult{Settled: true, Preimage: "beef"}},
		},
	}
	svc := newTestService(pay, &mockCard{})

	var completions atomic.Int32
	svc.SetCompletionCallback(func(*Session) { completions.Add(1) })

	sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitDone(t, sess)

	if sess.Status() != StatusSettled {
		t.Errorf("status = %s, want settled", sess.Status())
	}
	time.Sleep(50 * time.Millisecond)
	if n := completions.Load(); n != 1 {
		t.Errorf("completions = %d, want 1", n)
	}
}

func TestCancel(t *testing.T) {
	pay := &mockPay{
		info:   defaultPayInfo(),
		values: &lnurl.PayValues{PR: forgeInvoice(t, "lnbc100u", testHashHex), Verify: "https://v"},
	}
	svc := newTestService(pay, &mockCard{})

	var completions atomic.Int32
	svc.SetCompletionCallback(func(*Session) { completions.Add(1) })

	sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.Cancel(sess.ID); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := svc.Cancel(sess.ID); err != nil {
		t.Fatalf("second cancel failed: %v", err)
	}
	waitDone(t, sess)

	if sess.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", sess.Status())
	}
	callsAtCancel := pay.calls()
	time.Sleep(50 * time.Millisecond)
	if pay.calls() > callsAtCancel+1 {
		t.Error("poller kept verifying after cancellation")
	}
	if n := completions.Load(); n != 0 {
		t.Errorf("completions = %d, want 0", n)
	}

	if err := svc.Cancel("no-such-id"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("error = %v, want ErrSessionNotFound", err)
	}
}

func TestSettleWithCard(t *testing.T) {
	pr := forgeInvoice(t, "lnbc100u", testHashHex)
	pay := &mockPay{info: defaultPayInfo(), values: &lnurl.PayValues{PR: pr}}
	card := &mockCard{
		info: &lnurl.WithdrawInfo{Tag: "withdrawRequest", Callback: "https://card/cb", K1: "tok123"},
	}
	svc := newTestService(pay, card)

	var completions atomic.Int32
	svc.SetCompletionCallback(func(*Session) { completions.Add(1) })

	sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := svc.SettleWithCard(context.Background(), sess, "lnurlw://card.example.com/w"); err != nil {
		t.Fatalf("card settle failed: %v", err)
	}

	if sess.Status() != StatusSettled {
		t.Errorf("status = %s, want settled", sess.Status())
	}
	if sess.Method() != SettleCard {
		t.Errorf("method = %s, want card", sess.Method())
	}
	card.mu.Lock()
	if len(card.claims) != 1 || card.claims[0].pr != pr || card.claims[0].k1 != "tok123" {
		t.Errorf("claims = %+v", card.claims)
	}
	if card.fetched[0] != "lnurlw://card.example.com/w" {
		t.Errorf("fetched = %v", card.fetched)
	}
	card.mu.Unlock()

	if n := completions.Load(); n != 1 {
		t.Errorf("completions = %d, want 1", n)
	}

	// Finished sessions reject further card taps.
	if err := svc.SettleWithCard(context.Background(), sess, "lnurlw://x"); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("error = %v, want ErrSessionFinished", err)
	}
}

func TestSettleWithCardFailureKeepsSessionPending(t *testing.T) {
	pay := &mockPay{info: defaultPayInfo(), values: &lnurl.PayValues{PR: forgeInvoice(t, "lnbc100u", testHashHex)}}

	t.Run("claim rejected", func(t *testing.T) {
		card := &mockCard{
			info:     &lnurl.WithdrawInfo{Tag: "withdrawRequest", Callback: "https://card/cb", K1: "tok1"},
			claimErr: &lnurl.WithdrawRejectedError{Reason: "Invalid k1"},
		}
		svc := newTestService(pay, card)

		sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}

		err = svc.SettleWithCard(context.Background(), sess, "lnurlw://card/w")
		var rejected *lnurl.WithdrawRejectedError
		if !errors.As(err, &rejected) {
			t.Fatalf("error = %v, want WithdrawRejectedError", err)
		}
		if rejected.Reason != "Invalid k1" {
			t.Errorf("reason = %q", rejected.Reason)
		}
		if sess.Status() != StatusPending {
			t.Errorf("status = %s, want pending after failed tap", sess.Status())
		}
	})

	t.Run("fetch fails", func(t *testing.T) {
		card := &mockCard{fetchErr: &lnurl.WithdrawFailedError{StatusCode: 500}}
		svc := newTestService(pay, card)

		sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}

		var failed *lnurl.WithdrawFailedError
		if err := svc.SettleWithCard(context.Background(), sess, "lnurlw://card/w"); !errors.As(err, &failed) {
			t.Fatalf("error = %v, want WithdrawFailedError", err)
		}
		if sess.Status() != StatusPending {
			t.Errorf("status = %s, want pending", sess.Status())
		}
	})

	t.Run("context cancelled during prep delay", func(t *testing.T) {
		svc := NewService(Config{
			Address:       "store@example.com",
			PollInterval:  5 * time.Millisecond,
			CardPrepDelay: time.Minute,
		}, &stubRates{price: 100_000}, pay, &mockCard{})

		sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
		if err != nil {
			t.Fatalf("create failed: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := svc.SettleWithCard(ctx, sess, "lnurlw://card/w"); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestCompletionCallbackPanicRecovered(t *testing.T) {
	pay := &mockPay{info: defaultPayInfo(), values: &lnurl.PayValues{PR: forgeInvoice(t, "lnbc100u", testHashHex)}}
	card := &mockCard{info: &lnurl.WithdrawInfo{Tag: "withdrawRequest", Callback: "https://c", K1: "k"}}
	svc := newTestService(pay, card)
	svc.SetCompletionCallback(func(*Session) { panic("receipt printer on fire") })

	sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := svc.SettleWithCard(context.Background(), sess, "lnurlw://c/w"); err != nil {
		t.Fatalf("card settle failed: %v", err)
	}
	if sess.Status() != StatusSettled {
		t.Errorf("status = %s, want settled despite callback panic", sess.Status())
	}
}

func TestShutdown(t *testing.T) {
	pay := &mockPay{
		info:   defaultPayInfo(),
		values: &lnurl.PayValues{PR: forgeInvoice(t, "lnbc100u", testHashHex), Verify: "https://v"},
	}
	svc := newTestService(pay, &mockCard{})

	sess, err := svc.CreatePayment(context.Background(), 10, "USD", "")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	svc.Shutdown()
	if sess.Status() != StatusCancelled {
		t.Errorf("status = %s, want cancelled", sess.Status())
	}

	// Shutdown with nothing active is a no-op.
	svc.Shutdown()
}
