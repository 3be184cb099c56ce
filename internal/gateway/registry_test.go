package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/guessio/drawserver/internal/game/lobby"
)

type recordingRouter struct {
	mu       sync.Mutex
	messages []string
	nilCount int
	detached []lobby.Client
}

func (r *recordingRouter) HandleMessage(c lobby.Client, raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, string(raw))
	if c == nil {
		r.nilCount++
	}
}

func (r *recordingRouter) Detach(c lobby.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = append(r.detached, c)
}

func TestIngestIsSessionless(t *testing.T) {
	router := &recordingRouter{}
	reg := NewRegistry(router, zaptest.NewLogger(t))

	reg.Ingest([]byte(`{"type":"status"}`))

	assert.Equal(t, []string{`{"type":"status"}`}, router.messages)
	assert.Equal(t, 1, router.nilCount)
}

func TestBroadcastWithNoSessions(t *testing.T) {
	reg := NewRegistry(&recordingRouter{}, zaptest.NewLogger(t))
	assert.NotPanics(t, func() { reg.Broadcast([]byte("x")) })
	assert.Zero(t, reg.Count())
}

func TestAddRefusedWhileClosing(t *testing.T) {
	reg := NewRegistry(&recordingRouter{}, zaptest.NewLogger(t))
	assert.False(t, reg.Closing())

	reg.Shutdown(time.Millisecond)

	assert.True(t, reg.Closing())
	assert.False(t, reg.Add(nil), "no session is registered once shutdown began")
	assert.Zero(t, reg.Count())
}
