// Package session implements one websocket connection to one remote peer:
// an ordered non-blocking send queue, a liveness heartbeat, and teardown that
// notifies its owner exactly once. A Session knows nothing about rooms.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/guessio/drawserver/internal/config"
)

var (
	// ErrClosed is returned when sending on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrHeartbeatTimeout is the close cause when a heartbeat probe goes unanswered.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrRateLimited is the close cause when a peer exceeds the inbound message budget.
	ErrRateLimited = errors.New("inbound rate exceeded")
)

// Handler receives inbound messages and the close notification for a Session.
type Handler interface {
	// OnMessage is called from the session's read goroutine for each inbound text message.
	OnMessage(s *Session, msg []byte)
	// OnClose is called exactly once after the session has closed.
	OnClose(s *Session)
}

// Session is one live websocket connection.
// Send, Close and MarkPongReceived are safe for concurrent use.
type Session struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn
	cfg        config.SessionConfig
	handler    Handler
	limiter    *rate.Limiter
	logger     *zap.Logger

	mu       sync.Mutex
	queue    [][]byte
	inflight bool
	closed   bool
	cause    error

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	pongReceived atomic.Bool
}

// New wraps an upgraded websocket connection.
//
// Precondition: conn must be an open websocket; handler and logger must be non-nil.
// Postcondition: Returns a Session with a fresh unique ID that has not started any goroutines.
func New(conn *websocket.Conn, cfg config.SessionConfig, handler Handler, logger *zap.Logger) *Session {
	id := uuid.NewString()
	s := &Session{
		id:         id,
		remoteAddr: conn.RemoteAddr().String(),
		conn:       conn,
		cfg:        cfg,
		handler:    handler,
		logger:     logger.With(zap.String("session", id)),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	if cfg.InboundRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst)
	}
	s.pongReceived.Store(true)
	if cfg.ReadLimit > 0 {
		conn.SetReadLimit(cfg.ReadLimit)
	}
	conn.SetPongHandler(func(string) error {
		s.MarkPongReceived()
		return nil
	})
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// Done is closed once the session has closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session closed, or nil if it is open or was closed explicitly.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Run starts the writer and heartbeat goroutines and reads until the
// connection fails, the heartbeat times out, ctx is cancelled, or Close is
// called. It always closes the session before returning.
//
// Postcondition: The handler's OnClose has been called exactly once.
func (s *Session) Run(ctx context.Context) error {
	go s.writeLoop()
	go s.heartbeatLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	err := s.readLoop()
	s.closeWith(err)
	return s.Err()
}

// Send enqueues msg for delivery. It never blocks; messages sent after close are dropped.
func (s *Session) Send(msg []byte) {
	if err := s.Enqueue(msg); err != nil {
		s.logger.Debug("dropping send", zap.Error(err))
	}
}

// Enqueue appends msg to the ordered send queue.
//
// Postcondition: Returns ErrClosed if the session has closed; otherwise msg
// will be written after every message enqueued before it.
func (s *Session) Enqueue(msg []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of messages queued or being written.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queue)
	if s.inflight {
		n++
	}
	return n
}

// Flush waits until the send queue is empty, the session closes, or timeout elapses.
func (s *Session) Flush(timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for s.Pending() > 0 {
		select {
		case <-s.done:
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

// MarkPongReceived records a liveness acknowledgement for the next heartbeat check.
func (s *Session) MarkPongReceived() {
	s.pongReceived.Store(true)
}

// Close shuts the session down. Safe to call more than once.
func (s *Session) Close() {
	s.closeWith(nil)
}

func (s *Session) closeWith(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cause = cause
		dropped := len(s.queue)
		s.queue = nil
		s.mu.Unlock()
		close(s.done)

		code := websocket.CloseNormalClosure
		if errors.Is(cause, ErrRateLimited) {
			code = websocket.ClosePolicyViolation
		}
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, ""), deadline)
		_ = s.conn.Close()

		fields := []zap.Field{zap.String("remote_addr", s.remoteAddr), zap.Int("dropped", dropped)}
		if cause != nil && !isNormalClose(cause) {
			s.logger.Info("session closed", append(fields, zap.Error(cause))...)
		} else {
			s.logger.Info("session closed", fields...)
		}
		s.handler.OnClose(s)
	})
}

func (s *Session) readLoop() error {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			return fmt.Errorf("reading: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.logger.Warn("inbound rate exceeded, closing session", zap.String("remote_addr", s.remoteAddr))
			return ErrRateLimited
		}
		s.handler.OnMessage(s, data)
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			msg, ok := s.pop()
			if !ok {
				break
			}
			err := s.write(msg)
			s.mu.Lock()
			s.inflight = false
			s.mu.Unlock()
			if err != nil {
				s.closeWith(fmt.Errorf("writing: %w", err))
				return
			}
		}
	}
}

// pop removes the head of the queue and marks it in flight.
func (s *Session) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	s.inflight = true
	return msg, true
}

func (s *Session) write(msg []byte) error {
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, msg)
}

func (s *Session) heartbeatLoop() {
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		if !s.pongReceived.CompareAndSwap(true, false) {
			s.logger.Warn("heartbeat timeout", zap.String("remote_addr", s.remoteAddr))
			s.closeWith(ErrHeartbeatTimeout)
			return
		}
		deadline := time.Now().Add(s.cfg.WriteTimeout)
		if s.cfg.WriteTimeout <= 0 {
			deadline = time.Now().Add(interval)
		}
		if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
			s.closeWith(fmt.Errorf("ping: %w", err))
			return
		}
	}
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}
