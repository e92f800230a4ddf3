// Package bolt11 parses BOLT11 payment requests far enough for a point of
// sale: payment hash, amount, description, timestamp and expiry. It does not
// verify the signature and ignores routing hints; the invoice is only
// presented for payment, never paid from here.
package bolt11

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Tagged field types from BOLT11.
const (
	fieldPaymentHash = 1  // 'p'
	fieldDescription = 13 // 'd'
	fieldExpiry      = 6  // 'x'
)

const (
	// DefaultExpiry applies when an invoice carries no expiry field.
	DefaultExpiry = 3600 * time.Second

	// 512-bit signature plus 8-bit recovery ID, five bits per group.
	signatureGroups = 104
	timestampGroups = 7

	paymentHashGroups = 52 // 256 bits zero-padded to a 5-bit boundary
)

var (
	// ErrNotInvoice means the string is not a BOLT11 payment request at all.
	ErrNotInvoice = errors.New("not a BOLT11 payment request")

	// ErrMissingPaymentHash means the invoice decoded but carries no payment
	// hash. Fatal, never retryable: the string is malformed or not BOLT11.
	ErrMissingPaymentHash = errors.New("invoice has no payment hash")
)

// Invoice is the decoded subset of a payment request.
type Invoice struct {
	PaymentRequest string
	PaymentHash    string // 64-char hex
	AmountSat      int64  // 0 for amountless invoices
	Description    string
	CreatedAt      time.Time
	Expiry         time.Duration
}

// ExpiresAt returns the moment the invoice stops being payable.
func (i *Invoice) ExpiresAt() time.Time {
	return i.CreatedAt.Add(i.Expiry)
}

// Decode parses a payment request. Pure function, no I/O.
func Decode(paymentRequest string) (*Invoice, error) {
	pr := strings.ToLower(strings.TrimSpace(paymentRequest))
	if !strings.HasPrefix(pr, "ln") {
		return nil, ErrNotInvoice
	}

	hrp, data, err := bech32.DecodeNoLimit(pr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInvoice, err)
	}
	if len(data) < timestampGroups+signatureGroups {
		return nil, fmt.Errorf("%w: data part too short", ErrNotInvoice)
	}

	msat, err := amountFromHRP(hrp)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		PaymentRequest: paymentRequest,
		AmountSat:      msat / 1000,
		CreatedAt:      time.Unix(base32Int(data[:timestampGroups]), 0),
		Expiry:         DefaultExpiry,
	}

	// Tagged fields sit between the timestamp and the trailing signature.
	fields := data[timestampGroups : len(data)-signatureGroups]
	for len(fields) >= 3 {
		typ := fields[0]
		length := int(fields[1])<<5 | int(fields[2])
		fields = fields[3:]
		if length > len(fields) {
			return nil, fmt.Errorf("%w: truncated tagged field %d", ErrNotInvoice, typ)
		}
		value := fields[:length]
		fields = fields[length:]

		switch typ {
		case fieldPaymentHash:
			// Fields of the wrong length are skipped, per BOLT11.
			if len(value) != paymentHashGroups {
				continue
			}
			raw, err := bech32.ConvertBits(value, 5, 8, true)
			if err != nil {
				return nil, fmt.Errorf("%w: payment hash field: %v", ErrNotInvoice, err)
			}
			inv.PaymentHash = hex.EncodeToString(raw[:32])
		case fieldDescription:
			raw, err := bech32.ConvertBits(value, 5, 8, true)
			if err != nil {
				continue
			}
			inv.Description = string(raw[:len(value)*5/8])
		case fieldExpiry:
			inv.Expiry = time.Duration(base32Int(value)) * time.Second
		}
	}

	if inv.PaymentHash == "" {
		return nil, ErrMissingPaymentHash
	}
	return inv, nil
}

// ExtractPaymentHash returns just the payment hash of a payment request.
func ExtractPaymentHash(paymentRequest string) (string, error) {
	inv, err := Decode(paymentRequest)
	if err != nil {
		return "", err
	}
	return inv.PaymentHash, nil
}

// IsValid reports whether the string decodes as a BOLT11 payment request.
func IsValid(paymentRequest string) bool {
	_, err := Decode(paymentRequest)
	return err == nil
}

// amountFromHRP parses the optional amount out of a human-readable part like
// "lnbc2500u" and returns it in millisatoshis. An HRP without digits is an
// amountless invoice.
func amountFromHRP(hrp string) (int64, error) {
	rest := hrp[2:]
	i := 0
	for i < len(rest) && (rest[i] < '0' || rest[i] > '9') {
		i++
	}
	if i == len(rest) {
		return 0, nil
	}

	amt := rest[i:]
	// Divisor relative to one bitcoin.
	divisor := int64(1)
	switch amt[len(amt)-1] {
	case 'm':
		divisor = 1e3
		amt = amt[:len(amt)-1]
	case 'u':
		divisor = 1e6
		amt = amt[:len(amt)-1]
	case 'n':
		divisor = 1e9
		amt = amt[:len(amt)-1]
	case 'p':
		divisor = 1e12
		amt = amt[:len(amt)-1]
	}

	n, err := strconv.ParseInt(amt, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad amount %q", ErrNotInvoice, amt)
	}

	// One bitcoin is 1e11 msat.
	if divisor == 1e12 {
		if n%10 != 0 {
			return 0, fmt.Errorf("%w: sub-millisatoshi amount %q", ErrNotInvoice, amt)
		}
		return n / 10, nil
	}
	return n * (100_000_000_000 / divisor), nil
}

// base32Int interprets big-endian 5-bit groups as an integer.
func base32Int(groups []byte) int64 {
	var v int64
	for _, g := range groups {
		v = v<<5 | int64(g)
	}
	return v
}
