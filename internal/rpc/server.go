// Package rpc is the websocket RPC front-end of the BL4P server. It
// frames messages with a 32-bit little-endian type tag plus a JSON
// payload, authenticates each connection once at handshake, routes
// decoded requests to registered handlers, and re-arms the single
// time-out wake timer after every handled request.
package rpc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/echa/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// recheckInterval caps how long the server goes without a sweep, so the
// system self-heals even with no traffic.
const recheckInterval = 10 * time.Minute

// Handler processes one decoded request. userID is nil on anonymous
// connections; handlers that require auth must return an Unauthorized
// error themselves.
type Handler func(userID *int64, payload []byte) Response

// Authenticator resolves a handshake token to a user id.
type Authenticator interface {
	UserIDFromToken(token string) (int64, error)
}

// TimeoutFunc reports the delay until the registered component next
// needs a time-out, or ok=false if no such moment exists. Each call may
// also process any time-outs that are already due.
type TimeoutFunc func() (time.Duration, bool)

// Server dispatches framed websocket requests to handlers.
type Server struct {
	auth         Authenticator
	handlers     map[MessageType]Handler
	timeoutFuncs []TimeoutFunc

	upgrader websocket.Upgrader

	// One outstanding wake timer, cancelled before every re-arm so
	// sweeps never overlap or go redundant.
	timerMu sync.Mutex
	timer   *time.Timer
	stopped bool
}

func NewServer(auth Authenticator) *Server {
	return &Server{
		auth:     auth,
		handlers: make(map[MessageType]Handler),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterHandler registers the handler for one request type.
func (s *Server) RegisterHandler(t MessageType, h Handler) {
	s.handlers[t] = h
}

// RegisterTimeoutFunc registers a time-out function. Every registered
// function is consulted after each handled request and after each timer
// firing; the timer is re-armed to the soonest reported delay, capped
// at recheckInterval.
func (s *Server) RegisterTimeoutFunc(f TimeoutFunc) {
	s.timeoutFuncs = append(s.timeoutFuncs, f)
}

// Start arms the initial wake timer.
func (s *Server) Start() {
	s.ManageTimeouts()
}

// Stop cancels the wake timer.
func (s *Server) Stop() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// ManageTimeouts runs every registered time-out function and re-arms
// the single wake timer to the soonest next deadline. Safe to call from
// any goroutine.
func (s *Server) ManageTimeouts() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}

	next := recheckInterval
	for _, f := range s.timeoutFuncs {
		if d, ok := f(); ok && d < next {
			next = d
		}
	}
	if next < 0 {
		next = 0
	}
	s.timer = time.AfterFunc(next, s.ManageTimeouts)
}

// authenticate resolves the connection's user id from the handshake
// request. Anything going wrong means an anonymous connection, not a
// refused one.
func (s *Server) authenticate(r *http.Request) *int64 {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	userID, err := s.auth.UserIDFromToken(token)
	if err != nil {
		return nil
	}
	return &userID
}

// HandleWS upgrades the connection and serves framed requests on it
// until the peer goes away.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := s.authenticate(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	if userID != nil {
		log.Infof("connection %s: user %d", connID, *userID)
	} else {
		log.Infof("connection %s: anonymous", connID)
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			// Accept a connection close at any time.
			log.Debugf("connection %s closed: %v", connID, err)
			return
		}

		resp := s.serveFrame(connID, userID, frame)
		out, err := EncodeFrame(resp)
		if err != nil {
			log.Errorf("connection %s: failed to encode response: %v", connID, err)
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			log.Warnf("connection %s: failed to send response: %v", connID, err)
			return
		}
	}
}

// serveFrame decodes one frame, dispatches it, and re-arms the wake
// timer. It always produces a response carrying the request's
// correlation id.
func (s *Server) serveFrame(connID string, userID *int64, frame []byte) Response {
	msgType, payload, err := DecodeFrame(frame)
	if err != nil {
		log.Warnf("connection %s: %v", connID, err)
		return &Error{Reason: ReasonMalformedRequest}
	}

	var envelope MsgBase
	// A payload without a correlation id still gets a response; the id
	// then defaults to zero.
	_ = json.Unmarshal(payload, &envelope)

	handler, ok := s.handlers[msgType]
	if !ok {
		log.Warnf("connection %s: received unsupported request type %d", connID, msgType)
		resp := &Error{Reason: ReasonMalformedRequest}
		resp.SetRequestID(envelope.Request)
		return resp
	}

	resp := s.dispatch(connID, handler, userID, payload)

	// After a request, time-outs may have changed
	s.ManageTimeouts()

	resp.SetRequestID(envelope.Request)
	return resp
}

// dispatch runs a handler, converting a panic into an Unknown error so
// a single bad request can never take the server down.
func (s *Server) dispatch(connID string, handler Handler, userID *int64, payload []byte) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("connection %s: something unexpected went wrong: %v", connID, r)
			resp = &Error{Reason: ReasonUnknown}
		}
	}()
	return handler(userID, payload)
}

// EncodeFrame serializes a response into wire format.
func EncodeFrame(resp Response) ([]byte, error) {
	payload, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 4, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(resp.Type()))
	return append(frame, payload...), nil
}

// DecodeFrame splits a wire frame into its type tag and payload.
func DecodeFrame(frame []byte) (MessageType, []byte, error) {
	if len(frame) < 4 {
		return 0, nil, errShortFrame
	}
	return MessageType(binary.LittleEndian.Uint32(frame)), frame[4:], nil
}

var errShortFrame = errors.New("frame shorter than type tag")
