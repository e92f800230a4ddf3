// Package lnurl implements the client side of the LNURL protocols this
// terminal speaks: pay (LUD-06/LUD-16), payment verification (LUD-21) and
// withdraw (LUD-03, for NFC cards).
package lnurl

import (
	"net/http"
	"time"
)

// Client performs LNURL requests. It holds no per-payment state; all state
// lives in the documents and URLs passed through it.
type Client struct {
	http *http.Client
}

// NewClient creates a Client. A nil httpClient selects a default with a
// 15 second timeout; per-call deadlines beyond that are the caller's job.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{http: httpClient}
}
