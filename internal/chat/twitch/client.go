package twitch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/guessio/drawserver/internal/config"
)

const (
	// ConnectedNotice is the status text ingested once the relay accepts the login.
	ConnectedNotice = "Bot connected to Twitch IRC"
	// Capabilities is the capability request sent before login.
	Capabilities = "twitch.tv/tags twitch.tv/commands twitch.tv/membership"

	pongLine    = "PONG :tmi.twitch.tv"
	maxLineSize = 8192
)

var (
	// ErrAuthFailed is returned when the relay rejects the login.
	ErrAuthFailed = errors.New("twitch login rejected")
	// ErrClientStopped is returned by Send after Stop.
	ErrClientStopped = errors.New("twitch client stopped")
)

// Ingress accepts sessionless messages for the central dispatcher.
type Ingress interface {
	Ingest(msg []byte)
}

type statusMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Channel string `json:"channel"`
}

// Client is one IRC connection joined to a single channel.
type Client struct {
	cfg      config.TwitchConfig
	channel  string
	protocol *Protocol
	ingress  Ingress
	limiter  *rate.Limiter
	logger   *zap.Logger

	mu      sync.Mutex
	conn    net.Conn
	writer  *bufio.Writer
	stopped bool
	cancel  context.CancelFunc

	stopOnce sync.Once
	done     chan struct{}
}

// NewClient creates a client for cfg.Channel. cfg.OAuth and cfg.Nick are the login credentials.
//
// Precondition: protocol and logger must be non-nil; ingress may be nil.
// Postcondition: Returns a Client ready for Run.
func NewClient(cfg config.TwitchConfig, protocol *Protocol, ingress Ingress, logger *zap.Logger) *Client {
	channel := normalizeChannel(cfg.Channel)
	return &Client{
		cfg:      cfg,
		channel:  channel,
		protocol: protocol,
		ingress:  ingress,
		limiter:  newLimiter(cfg.SendRate, cfg.SendPeriod),
		logger:   logger.With(zap.String("channel", channel)),
		done:     make(chan struct{}),
	}
}

func newLimiter(n int, period time.Duration) *rate.Limiter {
	if n <= 0 || period <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(period/time.Duration(n)), n)
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

// Channel returns the normalized channel name.
func (c *Client) Channel() string { return c.channel }

// Done is closed when Run returns.
func (c *Client) Done() <-chan struct{} { return c.done }

// Run connects, logs in, joins the channel and processes lines until the
// connection ends, ctx is cancelled, or Stop is called.
//
// Precondition: Run must be called at most once.
// Postcondition: Returns nil after Stop or ctx cancellation; otherwise the error that ended the connection.
func (c *Client) Run(ctx context.Context) error {
	defer close(c.done)

	parent := ctx
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.cfg.Addr(), err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("connected to chat relay", zap.String("addr", c.cfg.Addr()))

	if err := c.login(ctx); err != nil {
		c.closeConn()
		if c.isStopped() || parent.Err() != nil {
			c.logger.Info("stopped during login")
			return nil
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.readLoop(gctx, conn)
	})
	g.Go(func() error {
		<-gctx.Done()
		c.closeConn()
		return nil
	})

	err = g.Wait()
	if c.isStopped() || parent.Err() != nil {
		c.logger.Info("disconnected from chat relay")
		return nil
	}
	c.logger.Warn("chat relay connection lost", zap.Error(err))
	return err
}

func (c *Client) login(ctx context.Context) error {
	lines := []string{
		"CAP REQ :" + Capabilities,
		"PASS " + c.cfg.OAuth,
		"NICK " + c.cfg.Nick,
		"JOIN #" + c.channel,
	}
	for _, line := range lines {
		if err := c.Send(ctx, line); err != nil {
			return fmt.Errorf("login: %w", err)
		}
	}
	return nil
}

// readLoop handles one line at a time. Lines longer than maxLineSize are
// discarded whole and the connection stays up.
func (c *Client) readLoop(ctx context.Context, conn net.Conn) error {
	r := bufio.NewReaderSize(conn, 4096)
	buf := make([]byte, 0, 1024)
	oversized := false
	for {
		chunk, more, err := r.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("reading relay: %w", err)
		}
		if !oversized {
			if len(buf)+len(chunk) > maxLineSize {
				oversized = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if more {
			continue
		}
		if oversized {
			c.logger.Debug("skipping oversized line", zap.Int("limit", maxLineSize))
			oversized = false
			continue
		}
		line := string(buf)
		buf = buf[:0]
		if err := c.handleLine(ctx, line); err != nil {
			return err
		}
	}
}

func (c *Client) handleLine(ctx context.Context, line string) error {
	msg, err := ParseLine(line)
	if err != nil {
		if !errors.Is(err, ErrEmptyLine) {
			c.logger.Debug("skipping unparseable line", zap.String("line", line))
		}
		return nil
	}

	switch msg.Command {
	case "PING":
		return c.Send(ctx, pongLine)
	case "001":
		c.logger.Info("chat relay login accepted")
		c.announce()
	case "NOTICE":
		if strings.Contains(strings.ToLower(msg.Trailing), "authentication failed") {
			c.logger.Error("chat relay rejected login", zap.String("notice", msg.Trailing))
			return ErrAuthFailed
		}
		c.logger.Debug("relay notice", zap.String("notice", msg.Trailing))
	case "RECONNECT":
		c.logger.Warn("relay requested reconnect")
	case "PRIVMSG":
		username := msg.Username()
		if username == "" {
			return nil
		}
		c.protocol.Handle(c.channel, username, msg.Trailing)
	}
	return nil
}

func (c *Client) announce() {
	if c.ingress == nil {
		return
	}
	raw, err := json.Marshal(statusMessage{
		Type:    "status",
		Status:  "ok",
		Message: ConnectedNotice,
		Channel: c.channel,
	})
	if err != nil {
		c.logger.Error("encoding status", zap.Error(err))
		return
	}
	c.ingress.Ingest(raw)
}

// Send writes one line to the relay, waiting for the outbound rate limiter.
//
// Postcondition: Returns ErrClientStopped when the connection is gone.
func (c *Client) Send(ctx context.Context, line string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for send budget: %w", err)
	}
	return c.writeLine(line)
}

func (c *Client) writeLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.writer == nil {
		return ErrClientStopped
	}
	if c.cfg.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if _, err := c.writer.WriteString(line + "\r\n"); err != nil {
		return fmt.Errorf("writing line: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flushing line: %w", err)
	}
	return nil
}

// Stop parts the channel, quits and closes the connection. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()

		if err := c.writeLine("PART #" + c.channel); err != nil && !errors.Is(err, ErrClientStopped) {
			c.logger.Debug("part failed", zap.Error(err))
		}
		_ = c.writeLine("QUIT")
		c.closeConn()
	})
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn = nil
	c.writer = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
}
