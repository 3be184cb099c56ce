package twitch

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/guessio/drawserver/internal/config"
)

var (
	// ErrBotExists is returned when spawning a second bot for a channel.
	ErrBotExists = errors.New("bot already running for channel")
	// ErrBotNotFound is returned when stopping a channel with no bot.
	ErrBotNotFound = errors.New("no bot running for channel")
	// ErrBotsClosed is returned by Spawn after the registry has stopped.
	ErrBotsClosed = errors.New("bot registry stopped")
)

// Bots owns one Client per channel and implements lobby.BotController.
// A bot whose connection ends is removed and not restarted.
type Bots struct {
	base     config.TwitchConfig
	protocol *Protocol
	ingress  Ingress
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// NewBots creates an empty registry. base supplies the relay address, timeouts
// and send rate for every bot.
//
// Precondition: protocol and logger must be non-nil.
func NewBots(base config.TwitchConfig, protocol *Protocol, ingress Ingress, logger *zap.Logger) *Bots {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bots{
		base:     base,
		protocol: protocol,
		ingress:  ingress,
		logger:   logger.Named("twitch"),
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[string]*Client),
	}
}

// Spawn starts a bot for channel and returns immediately; connection failures are logged.
//
// Postcondition: Returns ErrBotExists if channel already has a bot.
func (b *Bots) Spawn(oauth, nick, channel string) error {
	channel = normalizeChannel(channel)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBotsClosed
	}
	if _, ok := b.clients[channel]; ok {
		return ErrBotExists
	}

	cfg := b.base
	cfg.OAuth = oauth
	cfg.Nick = nick
	cfg.Channel = channel
	c := NewClient(cfg, b.protocol, b.ingress, b.logger)
	b.clients[channel] = c

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := c.Run(b.ctx); err != nil {
			b.logger.Error("bot connection ended", zap.String("channel", channel), zap.Error(err))
		}
		b.forget(channel, c)
	}()
	return nil
}

// Stop disconnects and removes the bot for channel.
//
// Postcondition: Returns ErrBotNotFound if channel has no bot.
func (b *Bots) Stop(channel string) error {
	channel = normalizeChannel(channel)

	b.mu.Lock()
	c, ok := b.clients[channel]
	delete(b.clients, channel)
	b.mu.Unlock()
	if !ok {
		return ErrBotNotFound
	}
	c.Stop()
	return nil
}

func (b *Bots) forget(channel string, c *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[channel] == c {
		delete(b.clients, channel)
	}
}

// Count returns the number of running bots.
func (b *Bots) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Channels returns the channels with a running bot, sorted.
func (b *Bots) Channels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.clients))
	for ch := range b.clients {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Shutdown stops every bot and waits for their connections to end.
// Spawn fails after Shutdown.
func (b *Bots) Shutdown() {
	b.mu.Lock()
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for ch, c := range b.clients {
		clients = append(clients, c)
		delete(b.clients, ch)
	}
	b.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}
	b.cancel()
	b.wg.Wait()
	b.logger.Info("all bots stopped", zap.Int("bots", len(clients)))
}
