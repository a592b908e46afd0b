package rpc

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/bitonic-cjp/bl4p-server/internal/ledger"
	"github.com/bitonic-cjp/bl4p-server/internal/offerbook"
)

// LedgerHandlers routes transaction requests to the ledger engine.
type LedgerHandlers struct {
	ledger *ledger.Ledger
}

func NewLedgerHandlers(l *ledger.Ledger) *LedgerHandlers {
	return &LedgerHandlers{ledger: l}
}

// Register installs the transaction handlers and the engine's time-out
// sweep on the server.
func (h *LedgerHandlers) Register(s *Server) {
	s.RegisterHandler(MsgStart, h.start)
	s.RegisterHandler(MsgSelfReport, h.selfReport)
	s.RegisterHandler(MsgCancelStart, h.cancelStart)
	s.RegisterHandler(MsgSend, h.send)
	s.RegisterHandler(MsgReceive, h.receive)
	s.RegisterHandler(MsgGetStatus, h.getStatus)
	s.RegisterTimeoutFunc(h.ledger.ProcessTimeouts)
}

func errorResponse(reason ErrorReason) Response {
	return &Error{Reason: reason}
}

func (h *LedgerHandlers) start(userID *int64, payload []byte) Response {
	if userID == nil {
		return errorResponse(ReasonUnauthorized)
	}
	var req Start
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	senderAmount, receiverAmount, paymentHash, err := h.ledger.StartTransaction(
		*userID,
		req.Amount,
		time.Duration(req.SenderTimeoutMs)*time.Millisecond,
		time.Duration(req.LockedTimeoutS)*time.Second,
		req.ReceiverPaysFee,
	)
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return errorResponse(ReasonInvalidAccount)
	case errors.Is(err, ledger.ErrInsufficientAmount):
		return errorResponse(ReasonInvalidAmount)
	case errors.Is(err, ledger.ErrInvalidTimeout):
		return errorResponse(ReasonInvalidAmount)
	case err != nil:
		return errorResponse(ReasonUnknown)
	}

	return &StartResult{
		SenderAmount:   senderAmount,
		ReceiverAmount: receiverAmount,
		PaymentHash:    paymentHash,
	}
}

func (h *LedgerHandlers) selfReport(userID *int64, payload []byte) Response {
	if userID == nil {
		return errorResponse(ReasonUnauthorized)
	}
	var req SelfReport
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	err := h.ledger.ProcessSelfReport(*userID, req.Report, req.Signature)
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return errorResponse(ReasonInvalidAccount)
	case errors.Is(err, ledger.ErrSignatureFailure):
		return errorResponse(ReasonUnauthorized)
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return errorResponse(ReasonNoSuchOrder)
	case errors.Is(err, ledger.ErrMissingData):
		return errorResponse(ReasonMalformedRequest)
	case err != nil:
		return errorResponse(ReasonUnknown)
	}

	return &SelfReportResult{}
}

func (h *LedgerHandlers) cancelStart(userID *int64, payload []byte) Response {
	if userID == nil {
		return errorResponse(ReasonUnauthorized)
	}
	var req CancelStart
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	err := h.ledger.CancelTransaction(*userID, req.PaymentHash)
	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return errorResponse(ReasonNoSuchOrder)
	case err != nil:
		return errorResponse(ReasonUnknown)
	}

	return &CancelStartResult{}
}

func (h *LedgerHandlers) send(userID *int64, payload []byte) Response {
	if userID == nil {
		return errorResponse(ReasonUnauthorized)
	}
	var req Send
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	preimage, err := h.ledger.ProcessSenderAck(
		*userID,
		req.SenderAmount,
		req.PaymentHash,
		time.Duration(req.MaxLockedTimeoutS)*time.Second,
		req.Report,
		req.Signature,
	)
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return errorResponse(ReasonInvalidAccount)
	case errors.Is(err, ledger.ErrSignatureFailure):
		return errorResponse(ReasonUnauthorized)
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return errorResponse(ReasonNoSuchOrder)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return errorResponse(ReasonBalanceInsufficient)
	case errors.Is(err, ledger.ErrMissingData):
		return errorResponse(ReasonMalformedRequest)
	case err != nil:
		return errorResponse(ReasonUnknown)
	}

	return &SendResult{PaymentPreimage: preimage}
}

// receive requires no authentication: presenting the right preimage is
// itself the authorization.
func (h *LedgerHandlers) receive(userID *int64, payload []byte) Response {
	var req Receive
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	err := h.ledger.ProcessReceiverClaim(req.PaymentPreimage)
	switch {
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return errorResponse(ReasonNoSuchOrder)
	case err != nil:
		return errorResponse(ReasonUnknown)
	}

	return &ReceiveResult{}
}

func (h *LedgerHandlers) getStatus(userID *int64, payload []byte) Response {
	if userID == nil {
		return errorResponse(ReasonUnauthorized)
	}
	var req GetStatus
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	status, err := h.ledger.TransactionStatus(*userID, req.PaymentHash)
	switch {
	case errors.Is(err, ledger.ErrUserNotFound):
		return errorResponse(ReasonInvalidAccount)
	case errors.Is(err, ledger.ErrTransactionNotFound):
		return errorResponse(ReasonNoSuchOrder)
	case err != nil:
		return errorResponse(ReasonUnknown)
	}

	return &GetStatusResult{Status: status.String()}
}

// OfferHandlers routes offer-book requests.
type OfferHandlers struct {
	book *offerbook.Book
}

func NewOfferHandlers(b *offerbook.Book) *OfferHandlers {
	return &OfferHandlers{book: b}
}

func (h *OfferHandlers) Register(s *Server) {
	s.RegisterHandler(MsgAddOffer, h.addOffer)
	s.RegisterHandler(MsgListOffers, h.listOffers)
	s.RegisterHandler(MsgRemoveOffer, h.removeOffer)
	s.RegisterHandler(MsgFindOffers, h.findOffers)
}

func (h *OfferHandlers) addOffer(userID *int64, payload []byte) Response {
	if userID == nil {
		return errorResponse(ReasonUnauthorized)
	}
	var req AddOffer
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	offerID, err := h.book.AddOffer(*userID, req.Offer)
	if errors.Is(err, offerbook.ErrInvalidOffer) {
		return errorResponse(ReasonNoSuchOrder)
	} else if err != nil {
		return errorResponse(ReasonUnknown)
	}

	return &AddOfferResult{OfferID: offerID}
}

func (h *OfferHandlers) listOffers(userID *int64, payload []byte) Response {
	if userID == nil {
		return errorResponse(ReasonUnauthorized)
	}

	offers := h.book.ListOffers(*userID)
	result := &ListOffersResult{Offers: make([]OfferListing, 0, len(offers))}
	for id, offer := range offers {
		result.Offers = append(result.Offers, OfferListing{OfferID: id, Offer: offer})
	}
	sort.Slice(result.Offers, func(i, j int) bool {
		return result.Offers[i].OfferID < result.Offers[j].OfferID
	})
	return result
}

func (h *OfferHandlers) removeOffer(userID *int64, payload []byte) Response {
	if userID == nil {
		return errorResponse(ReasonUnauthorized)
	}
	var req RemoveOffer
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	if err := h.book.RemoveOffer(*userID, req.OfferID); err != nil {
		return errorResponse(ReasonNoSuchOrder)
	}
	return &RemoveOfferResult{}
}

// findOffers requires no authentication; the offer book is public.
func (h *OfferHandlers) findOffers(userID *int64, payload []byte) Response {
	var req FindOffers
	if err := json.Unmarshal(payload, &req); err != nil {
		return errorResponse(ReasonMalformedRequest)
	}

	return &FindOffersResult{Offers: h.book.FindOffers(req.Query)}
}
