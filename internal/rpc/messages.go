package rpc

import (
	"github.com/bitonic-cjp/bl4p-server/internal/models"
)

// MessageType is the numeric tag identifying a frame's payload type.
// A frame on the wire is a 32-bit little-endian MessageType followed by
// the JSON-encoded message.
type MessageType uint32

const (
	MsgError MessageType = iota

	MsgStart
	MsgStartResult
	MsgSelfReport
	MsgSelfReportResult
	MsgCancelStart
	MsgCancelStartResult
	MsgSend
	MsgSendResult
	MsgReceive
	MsgReceiveResult
	MsgGetStatus
	MsgGetStatusResult

	MsgAddOffer
	MsgAddOfferResult
	MsgListOffers
	MsgListOffersResult
	MsgRemoveOffer
	MsgRemoveOfferResult
	MsgFindOffers
	MsgFindOffersResult
)

// ErrorReason is the closed set of wire error codes.
type ErrorReason int

const (
	ReasonUnauthorized ErrorReason = iota
	ReasonInvalidAccount
	ReasonInvalidAmount
	ReasonNoSuchOrder
	ReasonBalanceInsufficient
	ReasonMalformedRequest
	ReasonUnknown
)

func (r ErrorReason) String() string {
	switch r {
	case ReasonUnauthorized:
		return "unauthorized"
	case ReasonInvalidAccount:
		return "invalid_account"
	case ReasonInvalidAmount:
		return "invalid_amount"
	case ReasonNoSuchOrder:
		return "no_such_order"
	case ReasonBalanceInsufficient:
		return "balance_insufficient"
	case ReasonMalformedRequest:
		return "malformed_request"
	}
	return "unknown"
}

// MsgBase carries the request correlation id, echoed verbatim on the
// response.
type MsgBase struct {
	Request uint64 `json:"request"`
}

func (m *MsgBase) SetRequestID(id uint64) { m.Request = id }

// Response is any message the server can send back.
type Response interface {
	Type() MessageType
	SetRequestID(uint64)
}

type Error struct {
	MsgBase
	Reason ErrorReason `json:"reason"`
}

func (*Error) Type() MessageType { return MsgError }

type Start struct {
	MsgBase
	Amount          int64 `json:"amount"`
	SenderTimeoutMs int64 `json:"sender_timeout_delta_ms"`
	LockedTimeoutS  int64 `json:"locked_timeout_delta_s"`
	ReceiverPaysFee bool  `json:"receiver_pays_fee"`
}

type StartResult struct {
	MsgBase
	SenderAmount   int64       `json:"sender_amount"`
	ReceiverAmount int64       `json:"receiver_amount"`
	PaymentHash    models.Hash `json:"payment_hash"`
}

func (*StartResult) Type() MessageType { return MsgStartResult }

type SelfReport struct {
	MsgBase
	Report    []byte `json:"report"`
	Signature []byte `json:"signature"`
}

type SelfReportResult struct {
	MsgBase
}

func (*SelfReportResult) Type() MessageType { return MsgSelfReportResult }

type CancelStart struct {
	MsgBase
	PaymentHash models.Hash `json:"payment_hash"`
}

type CancelStartResult struct {
	MsgBase
}

func (*CancelStartResult) Type() MessageType { return MsgCancelStartResult }

type Send struct {
	MsgBase
	SenderAmount      int64       `json:"sender_amount"`
	PaymentHash       models.Hash `json:"payment_hash"`
	MaxLockedTimeoutS int64       `json:"max_locked_timeout_delta_s"`
	Report            []byte      `json:"report"`
	Signature         []byte      `json:"signature"`
}

type SendResult struct {
	MsgBase
	PaymentPreimage models.Preimage `json:"payment_preimage"`
}

func (*SendResult) Type() MessageType { return MsgSendResult }

type Receive struct {
	MsgBase
	PaymentPreimage models.Preimage `json:"payment_preimage"`
}

type ReceiveResult struct {
	MsgBase
}

func (*ReceiveResult) Type() MessageType { return MsgReceiveResult }

type GetStatus struct {
	MsgBase
	PaymentHash models.Hash `json:"payment_hash"`
}

type GetStatusResult struct {
	MsgBase
	Status string `json:"status"`
}

func (*GetStatusResult) Type() MessageType { return MsgGetStatusResult }

type AddOffer struct {
	MsgBase
	Offer models.Offer `json:"offer"`
}

type AddOfferResult struct {
	MsgBase
	OfferID uint64 `json:"offer_id"`
}

func (*AddOfferResult) Type() MessageType { return MsgAddOfferResult }

type ListOffers struct {
	MsgBase
}

type OfferListing struct {
	OfferID uint64       `json:"offer_id"`
	Offer   models.Offer `json:"offer"`
}

type ListOffersResult struct {
	MsgBase
	Offers []OfferListing `json:"offers"`
}

func (*ListOffersResult) Type() MessageType { return MsgListOffersResult }

type RemoveOffer struct {
	MsgBase
	OfferID uint64 `json:"offer_id"`
}

type RemoveOfferResult struct {
	MsgBase
}

func (*RemoveOfferResult) Type() MessageType { return MsgRemoveOfferResult }

type FindOffers struct {
	MsgBase
	Query models.Offer `json:"query"`
}

type FindOffersResult struct {
	MsgBase
	Offers []models.Offer `json:"offers"`
}

func (*FindOffersResult) Type() MessageType { return MsgFindOffersResult }
