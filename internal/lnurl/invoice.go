package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"satpos/internal/logging"
)

// ErrNoInvoice means the callback answered 2xx without a pr field.
var ErrNoInvoice = errors.New("no invoice in callback response")

// AmountOutOfRangeError reports an amount outside the payee's sendable
// bounds. Bounds are converted to sats for user-facing messages.
type AmountOutOfRangeError struct {
	AmountSat int64
	MinSat    int64
	MaxSat    int64
}

func (e *AmountOutOfRangeError) Error() string {
	return fmt.Sprintf("amount %d sats out of range [%d, %d]", e.AmountSat, e.MinSat, e.MaxSat)
}

// CallbackError reports a failed invoice callback, either a non-2xx status
// or an explicit LNURL error body.
type CallbackError struct {
	StatusCode int
	Reason     string
}

func (e *CallbackError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invoice callback failed: %s", e.Reason)
	}
	return fmt.Sprintf("invoice callback returned status %d", e.StatusCode)
}

// PayValues is the callback response carrying the invoice. The verify URL is
// present when the payee supports LUD-21; successAction passes through
// opaque, the engine never interprets it.
type PayValues struct {
	PR            string          `json:"pr"`
	Verify        string          `json:"verify,omitempty"`
	SuccessAction json.RawMessage `json:"successAction,omitempty"`
	Status        string          `json:"status,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// RequestInvoice asks the payee's callback for an invoice over amountSat.
// The range check runs before any network call. A comment the payee cannot
// accept (commentAllowed unset, or too long) is dropped silently; callers
// needing hard enforcement check CommentAllowed themselves.
func (c *Client) RequestInvoice(ctx context.Context, info *PayInfo, amountSat int64, comment string) (*PayValues, error) {
	amountMsat := amountSat * 1000
	if amountMsat < info.MinSendable || amountMsat > info.MaxSendable {
		return nil, &AmountOutOfRangeError{
			AmountSat: amountSat,
			MinSat:    info.MinSendable / 1000,
			MaxSat:    info.MaxSendable / 1000,
		}
	}

	u, err := url.Parse(info.Callback)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}
	q := u.Query()
	q.Set("amount", strconv.FormatInt(amountMsat, 10))
	if comment != "" && info.CommentAllowed > 0 {
		if len(comment) <= info.CommentAllowed {
			q.Set("comment", comment)
		} else {
			logging.LNURL.Printf("dropping %d-char comment, payee allows %d", len(comment), info.CommentAllowed)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("invoice callback: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read callback response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &CallbackError{StatusCode: resp.StatusCode, Reason: decodeErrorReason(raw)}
	}

	var values PayValues
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("decode callback response: %w", err)
	}
	if values.Status == "ERROR" {
		return nil, &CallbackError{StatusCode: resp.StatusCode, Reason: values.Reason}
	}
	if values.PR == "" {
		return nil, ErrNoInvoice
	}
	return &values, nil
}
