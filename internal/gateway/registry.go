// Package gateway is the composition root for client connections: it accepts
// websocket upgrades, keeps the set of live sessions, and is the single ingress
// point for messages from sessions and from the chat bridge.
package gateway

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guessio/drawserver/internal/game/lobby"
	"github.com/guessio/drawserver/internal/game/room"
	"github.com/guessio/drawserver/internal/session"
)

// ShutdownNotice is the system text broadcast to every session before the server closes them.
const ShutdownNotice = "server shutting down"

// Router receives every inbound message and every session teardown.
type Router interface {
	// HandleMessage routes raw. c is nil when the message has no session.
	HandleMessage(c lobby.Client, raw []byte)
	// Detach removes c from every room it joined.
	Detach(c lobby.Client)
}

// Registry owns the live sessions. It implements session.Handler and
// lobby.Broadcaster. All methods are safe for concurrent use.
type Registry struct {
	router Router
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[*session.Session]struct{}
	closing  bool
}

// NewRegistry creates an empty Registry routing to router.
//
// Precondition: router and logger must be non-nil.
func NewRegistry(router Router, logger *zap.Logger) *Registry {
	return &Registry{
		router:   router,
		logger:   logger.Named("registry"),
		sessions: make(map[*session.Session]struct{}),
	}
}

// Add registers s for broadcast.
//
// Postcondition: Returns false without registering s once Shutdown has begun.
func (r *Registry) Add(s *session.Session) bool {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return false
	}
	r.sessions[s] = struct{}{}
	n := len(r.sessions)
	r.mu.Unlock()
	r.logger.Info("session registered", zap.String("session", s.ID()), zap.Int("sessions", n))
	return true
}

// Closing reports whether Shutdown has begun.
func (r *Registry) Closing() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closing
}

// Remove unregisters s.
//
// Postcondition: Returns true only for the call that actually removed s.
func (r *Registry) Remove(s *session.Session) bool {
	r.mu.Lock()
	_, ok := r.sessions[s]
	delete(r.sessions, s)
	n := len(r.sessions)
	r.mu.Unlock()
	if ok {
		r.logger.Info("session removed", zap.String("session", s.ID()), zap.Int("sessions", n))
	}
	return ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Broadcast sends msg to every live session, ignoring rooms.
func (r *Registry) Broadcast(msg []byte) {
	for _, s := range r.snapshot() {
		s.Send(msg)
	}
}

// OnClientMessage is the single ingress for inbound messages. c is nil for
// sessionless origins.
func (r *Registry) OnClientMessage(c lobby.Client, msg []byte) {
	r.router.HandleMessage(c, msg)
}

// Ingest routes msg with no originating session.
func (r *Registry) Ingest(msg []byte) {
	r.OnClientMessage(nil, msg)
}

// OnMessage implements session.Handler.
func (r *Registry) OnMessage(s *session.Session, msg []byte) {
	r.OnClientMessage(s, msg)
}

// OnClose implements session.Handler. It detaches s from every room once.
func (r *Registry) OnClose(s *session.Session) {
	if r.Remove(s) {
		r.router.Detach(s)
	}
}

// Shutdown stops accepting sessions, broadcasts the shutdown notice, waits up
// to flushTimeout for each session to drain its queue, then closes every session.
func (r *Registry) Shutdown(flushTimeout time.Duration) {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	notice, err := room.Encode(room.SystemMessage("", ShutdownNotice))
	if err != nil {
		r.logger.Error("encoding shutdown notice", zap.Error(err))
	} else {
		r.Broadcast(notice)
	}

	sessions := r.snapshot()
	var wg sync.WaitGroup
	for _, s := range sessions {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Flush(flushTimeout)
			s.Close()
		}()
	}
	wg.Wait()
	r.logger.Info("all sessions closed", zap.Int("sessions", len(sessions)))
}

func (r *Registry) snapshot() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}
