package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	golnurl "github.com/fiatjaf/go-lnurl"
)

const withdrawRequestTag = "withdrawRequest"

// ErrInvalidWithdrawResponse means the card's service answered 2xx but the
// document is not a usable withdrawRequest.
var ErrInvalidWithdrawResponse = errors.New("invalid withdraw request response")

// WithdrawRejectedError is an explicit LNURL error body from the withdraw
// service, e.g. a spent or foreign k1.
type WithdrawRejectedError struct {
	Reason string
}

func (e *WithdrawRejectedError) Error() string {
	if e.Reason == "" {
		return "withdraw rejected"
	}
	return fmt.Sprintf("withdraw rejected: %s", e.Reason)
}

// WithdrawFailedError reports a withdraw request that failed without an
// explicit rejection: transport problems, non-2xx statuses, odd bodies.
type WithdrawFailedError struct {
	StatusCode int
	Reason     string
}

func (e *WithdrawFailedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("withdraw failed: %s", e.Reason)
	}
	return fmt.Sprintf("withdraw failed with status %d", e.StatusCode)
}

// WithdrawInfo is an LNURL-withdraw document. The k1 token is single-use:
// it binds exactly one callback to this discovery and must be echoed back
// verbatim. Withdrawable bounds are millisatoshis.
type WithdrawInfo struct {
	Tag                string `json:"tag"`
	Callback           string `json:"callback"`
	K1                 string `json:"k1"`
	MinWithdrawable    int64  `json:"minWithdrawable,omitempty"`
	MaxWithdrawable    int64  `json:"maxWithdrawable,omitempty"`
	DefaultDescription string `json:"defaultDescription,omitempty"`

	Status string `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NormalizeWithdrawURL turns the string read from an NFC card into a
// fetchable URL. Cards carry either a lnurlw:// URI or a bech32 lnurl.
func NormalizeWithdrawURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "lnurlw://"):
		return "https://" + s[len("lnurlw://"):], nil
	case strings.HasPrefix(lower, "lnurl1"):
		decoded, err := golnurl.LNURLDecode(s)
		if err != nil {
			return "", fmt.Errorf("decode card lnurl: %w", err)
		}
		return decoded, nil
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
		return s, nil
	}
	return "", fmt.Errorf("unrecognized card URL %q", raw)
}

// FetchWithdraw requests a fresh withdraw document from a card URL. Each
// attempt must call this again: a k1 from a previous attempt is spent.
func (c *Client) FetchWithdraw(ctx context.Context, cardURL string) (*WithdrawInfo, error) {
	normalized, err := NormalizeWithdrawURL(cardURL)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, normalized, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &WithdrawFailedError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &WithdrawFailedError{StatusCode: resp.StatusCode, Reason: err.Error()}
	}

	var info WithdrawInfo
	if err := json.Unmarshal(raw, &info); err == nil && info.Status == "ERROR" {
		return nil, &WithdrawRejectedError{Reason: info.Reason}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &WithdrawFailedError{StatusCode: resp.StatusCode}
	}
	if info.Tag != withdrawRequestTag {
		return nil, fmt.Errorf("%w: tag %q", ErrInvalidWithdrawResponse, info.Tag)
	}
	if info.Callback == "" || info.K1 == "" {
		return nil, fmt.Errorf("%w: missing callback or k1", ErrInvalidWithdrawResponse)
	}
	return &info, nil
}

// ClaimWithdraw submits the invoice to the withdraw callback, echoing the
// document's k1. A status other than OK means the funds did not move.
func (c *Client) ClaimWithdraw(ctx context.Context, info *WithdrawInfo, paymentRequest string) error {
	u, err := url.Parse(info.Callback)
	if err != nil {
		return fmt.Errorf("invalid withdraw callback URL: %w", err)
	}
	q := u.Query()
	q.Set("k1", info.K1)
	q.Set("pr", paymentRequest)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &WithdrawFailedError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &WithdrawFailedError{StatusCode: resp.StatusCode, Reason: err.Error()}
	}

	var body errorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Status == "ERROR" {
		return &WithdrawRejectedError{Reason: body.Reason}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &WithdrawFailedError{StatusCode: resp.StatusCode}
	}
	if body.Status != "OK" {
		return &WithdrawFailedError{StatusCode: resp.StatusCode, Reason: fmt.Sprintf("unexpected status %q", body.Status)}
	}
	return nil
}
