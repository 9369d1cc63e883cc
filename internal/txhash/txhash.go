// Package txhash derives the canonical content hash of a transaction. The
// hash identifies a transaction's economic content and is the idempotency
// key for both local dedup and the remote ledger commit.
package txhash

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the currency exponent used to canonicalize amounts.
// Amounts must be integral at this precision (whole cents).
const MinorUnitExponent = 2

var (
	// ErrMissingField means a required identifier was empty.
	ErrMissingField = errors.New("txhash: sender, receiver and device are required")
	// ErrInvalidAmount means the amount was non-positive or not a whole
	// number of minor units.
	ErrInvalidAmount = errors.New("txhash: amount must be a positive whole minor-unit value")
)

// Sum hashes the immutable economic fields in fixed order: sender, receiver,
// amount as an integer minor-unit count, description ("" when absent),
// device, createdAt as milliseconds since epoch UTC. Each field is written
// length-prefixed so field boundaries cannot be forged by embedded
// delimiters. The result is hex-encoded sha256 and stable across devices.
func Sum(senderID, receiverID string, amount decimal.Decimal, description, deviceID string, createdAt time.Time) (string, error) {
	if senderID == "" || receiverID == "" || deviceID == "" {
		return "", ErrMissingField
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return "", ErrInvalidAmount
	}
	minor := amount.Shift(MinorUnitExponent)
	if !minor.IsInteger() {
		return "", ErrInvalidAmount
	}

	h := sha256.New()
	for _, field := range []string{
		senderID,
		receiverID,
		minor.String(),
		description,
		deviceID,
		fmt.Sprintf("%d", createdAt.UTC().UnixMilli()),
	} {
		fmt.Fprintf(h, "%d:%s|", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
