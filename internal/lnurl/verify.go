package lnurl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// VerificationError reports a transient verify failure: transport error,
// non-2xx status or an unreadable body. The poller keeps going on these.
type VerificationError struct {
	StatusCode int
	Err        error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("payment verification failed: %v", e.Err)
	}
	return fmt.Sprintf("payment verification returned status %d", e.StatusCode)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// VerifyRejectedError is a protocol-level rejection: the verify endpoint
// explicitly answered with a non-OK status field. Terminal for the session.
type VerifyRejectedError struct {
	Reason string
}

func (e *VerifyRejectedError) Error() string {
	if e.Reason == "" {
		return "payment verification rejected"
	}
	return fmt.Sprintf("payment verification rejected: %s", e.Reason)
}

// VerifyResult is a successful LUD-21 verify response.
type VerifyResult struct {
	Settled  bool   `json:"settled"`
	Preimage string `json:"preimage,omitempty"`
	PR       string `json:"pr"`
}

// VerifyPayment performs one LUD-21 check for the given payment hash.
func (c *Client) VerifyPayment(ctx context.Context, verifyURL, paymentHash string) (*VerifyResult, error) {
	u, err := url.Parse(verifyURL)
	if err != nil {
		return nil, &VerificationError{Err: fmt.Errorf("invalid verify URL: %w", err)}
	}
	q := u.Query()
	q.Set("paymentHash", paymentHash)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &VerificationError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &VerificationError{StatusCode: resp.StatusCode, Err: err}
	}

	// An explicit non-OK status outranks the HTTP code: the service is
	// telling us the payment will never verify.
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
		VerifyResult
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Status != "" && body.Status != "OK" {
		return nil, &VerifyRejectedError{Reason: body.Reason}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &VerificationError{StatusCode: resp.StatusCode}
	}
	if body.Status != "OK" {
		return nil, &VerificationError{Err: fmt.Errorf("unexpected verify status %q", body.Status)}
	}
	return &body.VerifyResult, nil
}
