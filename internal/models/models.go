package models

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Hash is a SHA-256 payment hash: the public commitment identifying a
// hash-locked transaction.
type Hash [32]byte

// Preimage is the secret whose SHA-256 digest is the payment hash.
// Knowledge of it authorizes claiming the receiver funds.
type Preimage [32]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h[:])), nil
}

func (h *Hash) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid payment hash: %w", err)
	}
	if len(b) != len(h) {
		return fmt.Errorf("payment hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}

func (p Preimage) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(p[:])), nil
}

func (p *Preimage) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("invalid preimage: %w", err)
	}
	if len(b) != len(p) {
		return fmt.Errorf("preimage must be %d bytes, got %d", len(p), len(b))
	}
	copy(p[:], b)
	return nil
}

// User represents an account on the ledger
type User struct {
	ID      int64
	Balance int64                // smallest currency unit, never negative
	PubKey  *secp256k1.PublicKey // verification key for self-reports
}

// TransactionStatus is the state of a hash-locked transaction.
//
//	waiting_for_selfreport -> waiting_for_sender -> waiting_for_receiver -> completed
//	waiting_for_selfreport -> canceled
//	waiting_for_sender     -> canceled | sender_timeout
//	waiting_for_receiver   -> canceled | receiver_timeout
type TransactionStatus int

const (
	StatusWaitingForSelfReport TransactionStatus = iota
	StatusWaitingForSender
	StatusWaitingForReceiver
	StatusSenderTimeout
	StatusReceiverTimeout
	StatusCompleted
	StatusCanceled
)

func (s TransactionStatus) String() string {
	switch s {
	case StatusWaitingForSelfReport:
		return "waiting_for_selfreport"
	case StatusWaitingForSender:
		return "waiting_for_sender"
	case StatusWaitingForReceiver:
		return "waiting_for_receiver"
	case StatusSenderTimeout:
		return "sender_timeout"
	case StatusReceiverTimeout:
		return "receiver_timeout"
	case StatusCompleted:
		return "completed"
	case StatusCanceled:
		return "canceled"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusSenderTimeout, StatusReceiverTimeout, StatusCompleted, StatusCanceled:
		return true
	}
	return false
}

// Transaction represents one hash-locked transfer.
type Transaction struct {
	SenderID         int64 // 0 until the sender commits funds
	ReceiverID       int64
	AmountIncoming   int64 // debited from the sender
	AmountOutgoing   int64 // credited to the receiver; the difference is the fee
	Preimage         Preimage
	SenderDeadline   time.Time
	ReceiverDeadline time.Time
	Status           TransactionStatus
}
