package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/guessio/drawserver/internal/config"
	"github.com/guessio/drawserver/internal/game/lobby"
	"github.com/guessio/drawserver/internal/session"
)

// RoomDirectory exposes the room registry for the HTTP status endpoints.
type RoomDirectory interface {
	RoomCount() int
	Rooms() []lobby.Summary
}

// BotDirectory exposes the running chat bots.
type BotDirectory interface {
	Count() int
	Channels() []string
}

// Listener serves the websocket endpoint and the HTTP status endpoints.
type Listener struct {
	cfg      config.ServerConfig
	sessCfg  config.SessionConfig
	registry *Registry
	rooms    RoomDirectory
	bots     BotDirectory
	logger   *zap.Logger
	upgrader websocket.Upgrader
	engine   *gin.Engine

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	sessCtx  context.Context
	cancel   context.CancelFunc
	ready    chan struct{}
}

// NewListener builds the HTTP router.
//
// Precondition: registry, rooms and logger must be non-nil; bots may be nil.
// Postcondition: Returns a Listener ready for Start.
func NewListener(cfg config.ServerConfig, sessCfg config.SessionConfig, registry *Registry, rooms RoomDirectory, bots BotDirectory, logger *zap.Logger) *Listener {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	l := &Listener{
		cfg:      cfg,
		sessCfg:  sessCfg,
		registry: registry,
		rooms:    rooms,
		bots:     bots,
		logger:   logger.Named("listener"),
		ready:    make(chan struct{}),
	}
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     l.checkOrigin,
	}
	l.engine = l.routes()
	return l
}

// Handler returns the HTTP handler serving every route.
func (l *Listener) Handler() http.Handler { return l.engine }

func (l *Listener) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), l.requestLogger())

	corsCfg := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Origin"},
		MaxAge:       12 * time.Hour,
	}
	if l.allowAllOrigins() {
		corsCfg.AllowAllOrigins = true
	} else {
		corsCfg.AllowOrigins = l.cfg.AllowedOrigins
	}
	r.Use(cors.New(corsCfg))

	r.GET(l.cfg.WSPath, l.handleUpgrade)
	r.GET("/healthz", l.handleHealth)
	r.GET("/api/rooms", l.handleRooms)
	return r
}

func (l *Listener) allowAllOrigins() bool {
	return len(l.cfg.AllowedOrigins) == 0 || slices.Contains(l.cfg.AllowedOrigins, "*")
}

func (l *Listener) checkOrigin(r *http.Request) bool {
	if l.allowAllOrigins() {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(l.cfg.AllowedOrigins, origin)
}

func (l *Listener) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		l.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("remote_addr", c.ClientIP()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (l *Listener) handleUpgrade(c *gin.Context) {
	if l.registry.Closing() {
		c.String(http.StatusServiceUnavailable, ShutdownNotice)
		return
	}
	conn, err := l.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		l.logger.Warn("websocket upgrade failed", zap.String("remote_addr", c.ClientIP()), zap.Error(err))
		return
	}

	s := session.New(conn, l.sessCfg, l.registry, l.logger.Named("session"))
	if !l.registry.Add(s) {
		s.Close()
		return
	}
	l.logger.Info("client connected", zap.String("session", s.ID()), zap.String("remote_addr", s.RemoteAddr()))

	if err := s.Run(l.baseContext()); err != nil {
		l.logger.Debug("session ended", zap.String("session", s.ID()), zap.Error(err))
	}
}

type healthResponse struct {
	Status      string   `json:"status"`
	Sessions    int      `json:"sessions"`
	Rooms       int      `json:"rooms"`
	Bots        int      `json:"bots"`
	BotChannels []string `json:"bot_channels"`
}

func (l *Listener) handleHealth(c *gin.Context) {
	resp := healthResponse{
		Status:      "ok",
		Sessions:    l.registry.Count(),
		Rooms:       l.rooms.RoomCount(),
		BotChannels: []string{},
	}
	if l.bots != nil {
		resp.Bots = l.bots.Count()
		resp.BotChannels = l.bots.Channels()
	}
	c.JSON(http.StatusOK, resp)
}

func (l *Listener) handleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": l.rooms.Rooms()})
}

// Start listens on the configured address and serves until Stop is called or ctx is cancelled.
//
// Precondition: Start must be called at most once.
// Postcondition: Returns nil after a clean Stop; otherwise the listen or serve error.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.cfg.Addr(), err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	srv := &http.Server{
		Handler:           l.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	l.mu.Lock()
	l.srv = srv
	l.listener = ln
	l.sessCtx = sessCtx
	l.cancel = cancel
	l.mu.Unlock()
	close(l.ready)

	l.logger.Info("listener serving",
		zap.String("addr", ln.Addr().String()),
		zap.String("ws_path", l.cfg.WSPath),
	)

	go func() {
		<-sessCtx.Done()
		l.Stop()
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		cancel()
		return fmt.Errorf("serving http: %w", err)
	}
	return nil
}

// Addr returns the bound address once Start has begun listening.
func (l *Listener) Addr() net.Addr {
	<-l.ready
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener.Addr()
}

// Stop shuts the HTTP server down and cancels every session it started.
func (l *Listener) Stop() {
	l.mu.Lock()
	srv, cancel := l.srv, l.cancel
	l.mu.Unlock()
	if srv == nil {
		return
	}
	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(ctx); err != nil {
		l.logger.Warn("http shutdown", zap.Error(err))
	}
	cancel()
}

func (l *Listener) baseContext() context.Context {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sessCtx == nil {
		return context.Background()
	}
	return l.sessCtx
}
