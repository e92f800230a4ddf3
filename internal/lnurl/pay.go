package lnurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	golnurl "github.com/fiatjaf/go-lnurl"
)

const payRequestTag = "payRequest"

var (
	// ErrInvalidAddress means the Lightning Address (or lnurl string) is
	// malformed. No network call is made in that case.
	ErrInvalidAddress = errors.New("invalid lightning address")

	// ErrInvalidPayResponse means the discovery endpoint answered 2xx but
	// the document is not a usable payRequest.
	ErrInvalidPayResponse = errors.New("invalid pay request response")
)

// DiscoveryError reports a non-2xx status from the well-known endpoint.
type DiscoveryError struct {
	StatusCode int
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("lnurl-pay discovery returned status %d", e.StatusCode)
}

// PayInfo is the LNURL-pay document served at the well-known endpoint.
// Sendable bounds are millisatoshis.
type PayInfo struct {
	Tag            string `json:"tag"`
	Callback       string `json:"callback"`
	MinSendable    int64  `json:"minSendable"`
	MaxSendable    int64  `json:"maxSendable"`
	Metadata       string `json:"metadata"`
	CommentAllowed int    `json:"commentAllowed,omitempty"`
	Verify         string `json:"verify,omitempty"` // LUD-21
}

// PayAddressURL builds the canonical discovery URL for user@domain.
func PayAddressURL(address string) (string, error) {
	parts := strings.SplitN(address, "@", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	return fmt.Sprintf("https://%s/.well-known/lnurlp/%s", parts[1], parts[0]), nil
}

// ResolvePayAddress fetches and validates the pay document for a Lightning
// Address. A bech32 "lnurl1..." string is accepted in place of an address.
// No retries: callers re-drive the whole chain on failure.
func (c *Client) ResolvePayAddress(ctx context.Context, address string) (*PayInfo, error) {
	var discoveryURL string
	if strings.HasPrefix(strings.ToLower(address), "lnurl1") {
		decoded, err := golnurl.LNURLDecode(address)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		discoveryURL = decoded
	} else {
		var err error
		discoveryURL, err = PayAddressURL(address)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discoveryURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lnurl-pay discovery: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &DiscoveryError{StatusCode: resp.StatusCode}
	}

	var info PayInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayResponse, err)
	}
	if info.Tag != payRequestTag {
		return nil, fmt.Errorf("%w: tag %q", ErrInvalidPayResponse, info.Tag)
	}
	if info.Callback == "" || info.Metadata == "" {
		return nil, fmt.Errorf("%w: missing callback or metadata", ErrInvalidPayResponse)
	}
	if info.MinSendable > info.MaxSendable {
		return nil, fmt.Errorf("%w: minSendable %d > maxSendable %d", ErrInvalidPayResponse, info.MinSendable, info.MaxSendable)
	}
	return &info, nil
}

// errorBody is the generic LNURL error envelope.
type errorBody struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func decodeErrorReason(raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Reason
}
