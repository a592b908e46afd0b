package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitonic-cjp/bl4p-server/internal/ledger"
	"github.com/bitonic-cjp/bl4p-server/internal/models"
	"github.com/bitonic-cjp/bl4p-server/internal/offerbook"
	"github.com/bitonic-cjp/bl4p-server/internal/selfreport"
)

// fakeAuth resolves fixed tokens to user ids.
type fakeAuth map[string]int64

func (f fakeAuth) UserIDFromToken(token string) (int64, error) {
	id, ok := f[token]
	if !ok {
		return 0, errors.New("unknown token")
	}
	return id, nil
}

// frameHeader builds the 4-byte type tag of a wire frame.
func frameHeader(msgType MessageType) []byte {
	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(msgType))
	return header
}

// encodeRequest builds a wire frame for a request message.
func encodeRequest(t *testing.T, msgType MessageType, req interface{}) []byte {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return append(frameHeader(msgType), payload...)
}

func TestFrameRoundTrip(t *testing.T) {
	resp := &StartResult{SenderAmount: 100, ReceiverAmount: 99, PaymentHash: models.Hash{1, 2}}
	resp.SetRequestID(7)

	frame, err := EncodeFrame(resp)
	require.NoError(t, err)

	msgType, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, MsgStartResult, msgType)

	var decoded StartResult
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, *resp, decoded)
}

func TestDecodeFrameTooShort(t *testing.T) {
	for _, frame := range [][]byte{nil, {}, {1}, {1, 2, 3}} {
		_, _, err := DecodeFrame(frame)
		assert.Error(t, err)
	}

	// Exactly four bytes is a valid frame with an empty payload.
	_, payload, err := DecodeFrame([]byte{1, 0, 0, 0})
	assert.NoError(t, err)
	assert.Empty(t, payload)
}

// serveResponse runs one frame through the server and decodes the reply.
func serveResponse(t *testing.T, s *Server, userID *int64, frame []byte) (MessageType, []byte) {
	t.Helper()
	resp := s.serveFrame("test", userID, frame)
	out, err := EncodeFrame(resp)
	require.NoError(t, err)
	msgType, payload, err := DecodeFrame(out)
	require.NoError(t, err)
	return msgType, payload
}

func expectError(t *testing.T, s *Server, userID *int64, frame []byte, reason ErrorReason) {
	t.Helper()
	msgType, payload := serveResponse(t, s, userID, frame)
	require.Equal(t, MsgError, msgType)
	var e Error
	require.NoError(t, json.Unmarshal(payload, &e))
	assert.Equal(t, reason, e.Reason)
}

func newTestServer(t *testing.T) (*Server, *ledger.Ledger, map[int64]*secp256k1.PrivateKey) {
	t.Helper()

	keys := make(map[int64]*secp256k1.PrivateKey)
	engine := ledger.New(ledger.DefaultConfig())
	for _, id := range []int64{3, 6} {
		priv, err := secp256k1.GeneratePrivateKey()
		require.NoError(t, err)
		keys[id] = priv
		engine.AddUser(&models.User{ID: id, Balance: 1000, PubKey: priv.PubKey()})
	}

	s := NewServer(fakeAuth{"receiver-token": 3, "sender-token": 6})
	NewLedgerHandlers(engine).Register(s)
	NewOfferHandlers(offerbook.New()).Register(s)
	t.Cleanup(s.Stop)
	return s, engine, keys
}

func TestServeFrameErrors(t *testing.T) {
	s, _, _ := newTestServer(t)
	receiverID := int64(3)

	t.Run("ShortFrame", func(t *testing.T) {
		expectError(t, s, &receiverID, []byte{1, 2}, ReasonMalformedRequest)
	})

	t.Run("UnknownType", func(t *testing.T) {
		expectError(t, s, &receiverID, encodeRequest(t, MessageType(9999), &ListOffers{}), ReasonMalformedRequest)
	})

	t.Run("ResultTypeIsNotARequest", func(t *testing.T) {
		expectError(t, s, &receiverID, encodeRequest(t, MsgStartResult, &StartResult{}), ReasonMalformedRequest)
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		frame := append(frameHeader(MsgStart), []byte("{not json")...)
		expectError(t, s, &receiverID, frame, ReasonMalformedRequest)
	})

	t.Run("AnonymousStart", func(t *testing.T) {
		expectError(t, s, nil, encodeRequest(t, MsgStart, &Start{
			Amount: 100, SenderTimeoutMs: 5000, LockedTimeoutS: 5000, ReceiverPaysFee: true,
		}), ReasonUnauthorized)
	})

	t.Run("BadTimeout", func(t *testing.T) {
		expectError(t, s, &receiverID, encodeRequest(t, MsgStart, &Start{
			Amount: 100, SenderTimeoutMs: 5000, LockedTimeoutS: 0, ReceiverPaysFee: true,
		}), ReasonInvalidAmount)
	})

	t.Run("UnknownOrder", func(t *testing.T) {
		expectError(t, s, &receiverID, encodeRequest(t, MsgGetStatus, &GetStatus{
			PaymentHash: models.Hash{9},
		}), ReasonNoSuchOrder)
	})
}

func TestCorrelationIDEcho(t *testing.T) {
	s, _, _ := newTestServer(t)
	receiverID := int64(3)

	req := &ListOffers{}
	req.SetRequestID(12345)
	msgType, payload := serveResponse(t, s, &receiverID, encodeRequest(t, MsgListOffers, req))
	require.Equal(t, MsgListOffersResult, msgType)

	var envelope MsgBase
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Equal(t, uint64(12345), envelope.Request)

	// Errors carry the id too.
	bad := &GetStatus{PaymentHash: models.Hash{9}}
	bad.SetRequestID(777)
	msgType, payload = serveResponse(t, s, &receiverID, encodeRequest(t, MsgGetStatus, bad))
	require.Equal(t, MsgError, msgType)
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Equal(t, uint64(777), envelope.Request)
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	s := NewServer(fakeAuth{})
	s.RegisterHandler(MsgStart, func(userID *int64, payload []byte) Response {
		panic("handler exploded")
	})
	t.Cleanup(s.Stop)

	expectError(t, s, nil, encodeRequest(t, MsgStart, &Start{}), ReasonUnknown)
}

func TestManageTimeoutsConsultedAfterRequests(t *testing.T) {
	s := NewServer(fakeAuth{})
	s.RegisterHandler(MsgListOffers, func(userID *int64, payload []byte) Response {
		return &ListOffersResult{}
	})

	var calls int32
	s.RegisterTimeoutFunc(func() (time.Duration, bool) {
		atomic.AddInt32(&calls, 1)
		return time.Hour, true
	})
	t.Cleanup(s.Stop)

	s.Start()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	serveResponse(t, s, nil, encodeRequest(t, MsgListOffers, &ListOffers{}))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

// dial opens a websocket client against a test server, optionally with a
// bearer token.
func dial(t *testing.T, url, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// call sends one request frame and decodes the reply into result,
// returning the reply type.
func call(t *testing.T, conn *websocket.Conn, msgType MessageType, req, result interface{}) MessageType {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, encodeRequest(t, msgType, req)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	respType, payload, err := DecodeFrame(frame)
	require.NoError(t, err)
	if result != nil {
		require.NoError(t, json.Unmarshal(payload, result))
	}
	return respType
}

func TestWebsocketEndToEnd(t *testing.T) {
	s, engine, keys := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer ts.Close()

	receiver := dial(t, ts.URL, "receiver-token")
	sender := dial(t, ts.URL, "sender-token")
	anonymous := dial(t, ts.URL, "")

	// Receiver starts a transaction.
	var started StartResult
	respType := call(t, receiver, MsgStart, &Start{
		Amount:          100,
		SenderTimeoutMs: 60000,
		LockedTimeoutS:  3600,
		ReceiverPaysFee: true,
	}, &started)
	require.Equal(t, MsgStartResult, respType)
	assert.Equal(t, int64(100), started.SenderAmount)
	assert.Equal(t, int64(99), started.ReceiverAmount)

	// Receiver files the trade report.
	report, err := selfreport.Build(started.PaymentHash, 1, "0.005", "btc")
	require.NoError(t, err)
	respType = call(t, receiver, MsgSelfReport, &SelfReport{
		Report:    report,
		Signature: selfreport.Sign(keys[3], report),
	}, nil)
	require.Equal(t, MsgSelfReportResult, respType)

	// Sender commits funds and learns the preimage.
	senderReport, err := selfreport.Build(started.PaymentHash, 1, "0.005", "btc")
	require.NoError(t, err)
	var sent SendResult
	respType = call(t, sender, MsgSend, &Send{
		SenderAmount:      started.SenderAmount,
		PaymentHash:       started.PaymentHash,
		MaxLockedTimeoutS: 3600,
		Report:            senderReport,
		Signature:         selfreport.Sign(keys[6], senderReport),
	}, &sent)
	require.Equal(t, MsgSendResult, respType)

	var status GetStatusResult
	respType = call(t, sender, MsgGetStatus, &GetStatus{PaymentHash: started.PaymentHash}, &status)
	require.Equal(t, MsgGetStatusResult, respType)
	assert.Equal(t, "waiting_for_receiver", status.Status)

	// Anyone holding the preimage may settle; no auth needed.
	respType = call(t, anonymous, MsgReceive, &Receive{PaymentPreimage: sent.PaymentPreimage}, nil)
	require.Equal(t, MsgReceiveResult, respType)

	receiverBalance, err := engine.Balance(3)
	require.NoError(t, err)
	assert.Equal(t, int64(1099), receiverBalance)
	senderBalance, err := engine.Balance(6)
	require.NoError(t, err)
	assert.Equal(t, int64(900), senderBalance)

	// A bad token is an anonymous connection, refused per-call.
	badToken := dial(t, ts.URL, "wrong-token")
	var e Error
	respType = call(t, badToken, MsgStart, &Start{
		Amount: 100, SenderTimeoutMs: 60000, LockedTimeoutS: 3600, ReceiverPaysFee: true,
	}, &e)
	require.Equal(t, MsgError, respType)
	assert.Equal(t, ReasonUnauthorized, e.Reason)
}

func TestWebsocketOfferBook(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(http.HandlerFunc(s.HandleWS))
	defer ts.Close()

	maker := dial(t, ts.URL, "receiver-token")
	anonymous := dial(t, ts.URL, "")

	offer := models.Offer{
		Bid:     models.Asset{MaxAmount: 1000, MaxAmountDivisor: 1, Currency: "eur", Exchange: "bl3p.eu"},
		Ask:     models.Asset{MaxAmount: 1, MaxAmountDivisor: 1000, Currency: "btc", Exchange: "ln"},
		Address: "makerAddress",
	}

	var added AddOfferResult
	respType := call(t, maker, MsgAddOffer, &AddOffer{Offer: offer}, &added)
	require.Equal(t, MsgAddOfferResult, respType)

	var listed ListOffersResult
	respType = call(t, maker, MsgListOffers, &ListOffers{}, &listed)
	require.Equal(t, MsgListOffersResult, respType)
	require.Len(t, listed.Offers, 1)
	assert.Equal(t, added.OfferID, listed.Offers[0].OfferID)
	assert.Equal(t, "makerAddress", listed.Offers[0].Offer.Address)

	// The book is public: anonymous queries work.
	query := models.Offer{
		Bid: models.Asset{MaxAmount: 1, MaxAmountDivisor: 1000, Currency: "btc", Exchange: "ln"},
		Ask: models.Asset{MaxAmount: 900, MaxAmountDivisor: 1, Currency: "eur", Exchange: "bl3p.eu"},
	}
	var found FindOffersResult
	respType = call(t, anonymous, MsgFindOffers, &FindOffers{Query: query}, &found)
	require.Equal(t, MsgFindOffersResult, respType)
	require.Len(t, found.Offers, 1)
	assert.Equal(t, "makerAddress", found.Offers[0].Address)

	// Listing, by contrast, requires auth.
	var e Error
	respType = call(t, anonymous, MsgListOffers, &ListOffers{}, &e)
	require.Equal(t, MsgError, respType)
	assert.Equal(t, ReasonUnauthorized, e.Reason)

	respType = call(t, maker, MsgRemoveOffer, &RemoveOffer{OfferID: added.OfferID}, nil)
	require.Equal(t, MsgRemoveOfferResult, respType)

	respType = call(t, maker, MsgRemoveOffer, &RemoveOffer{OfferID: added.OfferID}, &e)
	require.Equal(t, MsgError, respType)
	assert.Equal(t, ReasonNoSuchOrder, e.Reason)
}
