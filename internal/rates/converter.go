package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"satpos/internal/logging"
)

const defaultBaseURL = "https://api.yadio.io"

// ErrConversionUnavailable means neither the live rate source nor the
// fallback table could price the requested currency.
var ErrConversionUnavailable = errors.New("exchange rate unavailable")

// UnsupportedCurrencyError means the live rate source answered but does not
// quote the requested currency.
type UnsupportedCurrencyError struct {
	Currency  string
	Available []string
}

func (e *UnsupportedCurrencyError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("unsupported currency %q", e.Currency)
	}
	return fmt.Sprintf("unsupported currency %q (available: %s)", e.Currency, strings.Join(e.Available, ", "))
}

// Converter turns fiat amounts into satoshis using a live BTC quote feed.
// Every conversion re-fetches; callers that need caching add their own layer.
type Converter struct {
	baseURL string
	client  *http.Client
}

// Config holds Converter construction options. Zero values select the
// public rate API and a default HTTP client.
type Config struct {
	BaseURL string
	Client  *http.Client
}

// NewConverter creates a Converter.
func NewConverter(cfg Config) *Converter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Converter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// ToSatoshis converts amount in the given currency to satoshis, rounding to
// the nearest sat. When the live source is unreachable or returns garbage it
// falls back to the static price table; an unknown currency on a healthy
// source is an UnsupportedCurrencyError, not a fallback case.
func (c *Converter) ToSatoshis(ctx context.Context, amount float64, currencyCode string) (int64, error) {
	code := strings.ToUpper(strings.TrimSpace(currencyCode))
	if code == "" {
		return 0, &UnsupportedCurrencyError{Currency: currencyCode}
	}

	quotes, err := c.fetchQuotes(ctx)
	if err != nil {
		logging.Rates.Printf("live rates unavailable, trying fallback table: %v", err)
		price, ok := fallbackPrices[code]
		if !ok {
			return 0, fmt.Errorf("%w: no fallback price for %s", ErrConversionUnavailable, code)
		}
		return toSats(amount, price), nil
	}

	price, ok := quotes[code]
	if !ok {
		return 0, &UnsupportedCurrencyError{Currency: code, Available: currencyCodes(quotes)}
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: non-positive quote %v for %s", ErrConversionUnavailable, price, code)
	}
	return toSats(amount, price), nil
}

type exratesResponse struct {
	BTC map[string]float64 `json:"BTC"`
}

func (c *Converter) fetchQuotes(ctx context.Context) (map[string]float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/exrates/BTC", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rate source returned status %d", resp.StatusCode)
	}

	var body exratesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}
	if len(body.BTC) == 0 {
		return nil, fmt.Errorf("rate source returned no quotes")
	}

	// Normalize keys so lookups are case-insensitive.
	quotes := make(map[string]float64, len(body.BTC))
	for code, price := range body.BTC {
		quotes[strings.ToUpper(code)] = price
	}
	return quotes, nil
}

func toSats(amount, price float64) int64 {
	return int64(math.Round(amount / price * 1e8))
}

func currencyCodes(quotes map[string]float64) []string {
	codes := make([]string, 0, len(quotes))
	for code := range quotes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
