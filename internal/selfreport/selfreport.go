// Package selfreport implements the signed trade-report statements that
// receivers and senders submit alongside their ledger calls. A report is
// a flat JSON object of string fields, signed with ECDSA over secp256k1
// (DER signature over the SHA-256 of the serialized report).
package selfreport

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/shopspring/decimal"

	"github.com/bitonic-cjp/bl4p-server/internal/models"
)

// Report holds the fields the ledger requires from a trade report.
// Reports may contain additional fields; those are ignored here.
type Report struct {
	PaymentHash          models.Hash
	OfferID              int64
	ReceiverCryptoAmount decimal.Decimal
	CryptoCurrency       string
}

// Serialize encodes a report field map. Go's JSON encoder writes map
// keys in sorted order, so serialization is deterministic and the result
// is suitable for signing.
func Serialize(fields map[string]string) ([]byte, error) {
	return json.Marshal(fields)
}

// Build serializes a report containing exactly the required fields.
func Build(paymentHash models.Hash, offerID int64, receiverCryptoAmount, cryptoCurrency string) ([]byte, error) {
	return Serialize(map[string]string{
		"paymentHash":          paymentHash.String(),
		"offerID":              strconv.FormatInt(offerID, 10),
		"receiverCryptoAmount": receiverCryptoAmount,
		"cryptoCurrency":       cryptoCurrency,
	})
}

// Parse decodes a serialized report and extracts the required fields.
func Parse(raw []byte) (*Report, error) {
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("undecodable report: %w", err)
	}

	ret := &Report{}
	s, ok := fields["paymentHash"]
	if !ok {
		return nil, errors.New("report is missing paymentHash")
	}
	if err := ret.PaymentHash.UnmarshalText([]byte(s)); err != nil {
		return nil, err
	}

	s, ok = fields["offerID"]
	if !ok {
		return nil, errors.New("report is missing offerID")
	}
	offerID, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid offerID: %w", err)
	}
	ret.OfferID = offerID

	s, ok = fields["receiverCryptoAmount"]
	if !ok {
		return nil, errors.New("report is missing receiverCryptoAmount")
	}
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid receiverCryptoAmount: %w", err)
	}
	ret.ReceiverCryptoAmount = amount

	s, ok = fields["cryptoCurrency"]
	if !ok {
		return nil, errors.New("report is missing cryptoCurrency")
	}
	ret.CryptoCurrency = s

	return ret, nil
}

// Verify checks signature over report against pub. It returns an error
// on any failure, without distinguishing which sub-check failed.
func Verify(pub *secp256k1.PublicKey, report, signature []byte) error {
	if pub == nil {
		return errors.New("no verification key")
	}
	sig, err := ecdsa.ParseDERSignature(signature)
	if err != nil {
		return fmt.Errorf("undecodable signature: %w", err)
	}
	digest := sha256.Sum256(report)
	if !sig.Verify(digest[:], pub) {
		return errors.New("signature mismatch")
	}
	return nil
}

// Sign produces a DER signature over report. Used by clients and tests;
// the server itself only verifies.
func Sign(priv *secp256k1.PrivateKey, report []byte) []byte {
	digest := sha256.Sum256(report)
	return ecdsa.Sign(priv, digest[:]).Serialize()
}
