// Package lobby routes inbound client envelopes to rooms and owns the room
// registry and the chat-channel binding table.
package lobby

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/guessio/drawserver/internal/game/room"
)

var (
	// ErrMalformedEnvelope is returned when an inbound message is not a JSON envelope.
	ErrMalformedEnvelope = errors.New("malformed envelope")
	// ErrUnknownType is returned for envelope types the dispatcher does not route.
	ErrUnknownType = errors.New("unknown envelope type")
	// ErrRoomNotFound is returned when an envelope addresses a room that does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrDirectGuess is returned when a guess arrives on a client connection instead of chat.
	ErrDirectGuess = errors.New("direct guesses are not accepted")
	// ErrMissingField is returned when a required envelope field is empty.
	ErrMissingField = errors.New("missing required field")
	// ErrBotControlUnavailable is returned for bot admin commands when no controller is wired.
	ErrBotControlUnavailable = errors.New("bot control unavailable")
)

// DefaultRetention is how long a room may go without activity before it is swept.
const DefaultRetention = time.Hour

// DefaultWord is used by start_round when the envelope names no word.
const DefaultWord = "apple"

// Client is a connected transport able to receive messages and acknowledge heartbeats.
type Client interface {
	room.Sender
	MarkPongReceived()
}

// BotController owns the chat-platform connections.
type BotController interface {
	// Spawn starts a bot for channel. The connection is established asynchronously.
	//
	// Postcondition: Returns a non-nil error if a bot for channel already exists.
	Spawn(oauth, nick, channel string) error
	// Stop disconnects the bot for channel.
	//
	// Postcondition: Returns a non-nil error if no bot exists for channel.
	Stop(channel string) error
}

// Broadcaster sends a message to every connected client regardless of room.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// Config holds the manager's game parameters.
type Config struct {
	Rules       room.Rules
	Retention   time.Duration
	DefaultWord string
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source for GC and every room the manager creates.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithBotController wires the chat bot admin commands.
func WithBotController(bots BotController) Option {
	return func(m *Manager) { m.bots = bots }
}

// WithBroadcaster wires the status passthrough.
func WithBroadcaster(b Broadcaster) Option {
	return func(m *Manager) { m.broadcaster = b }
}

// Manager is the room router. All methods are safe for concurrent use.
// Lock order is Manager then Room; the manager never acquires its own lock
// from inside a room callback.
type Manager struct {
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	wiringMu    sync.RWMutex
	bots        BotController
	broadcaster Broadcaster

	mu       sync.Mutex
	rooms    map[string]*room.Room
	channels map[string]string // roomID → normalized channel
}

// NewManager creates an empty Manager.
//
// Precondition: logger must be non-nil.
// Postcondition: Zero-valued Config fields take their package defaults.
func NewManager(cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.DefaultWord == "" {
		cfg.DefaultWord = DefaultWord
	}
	m := &Manager{
		cfg:      cfg,
		now:      time.Now,
		logger:   logger.Named("lobby"),
		rooms:    make(map[string]*room.Room),
		channels: make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetBotController wires the bot admin commands after construction.
func (m *Manager) SetBotController(bots BotController) {
	m.wiringMu.Lock()
	defer m.wiringMu.Unlock()
	m.bots = bots
}

// SetBroadcaster wires the status passthrough after construction.
func (m *Manager) SetBroadcaster(b Broadcaster) {
	m.wiringMu.Lock()
	defer m.wiringMu.Unlock()
	m.broadcaster = b
}

func (m *Manager) botController() BotController {
	m.wiringMu.RLock()
	defer m.wiringMu.RUnlock()
	return m.bots
}

func (m *Manager) statusBroadcaster() Broadcaster {
	m.wiringMu.RLock()
	defer m.wiringMu.RUnlock()
	return m.broadcaster
}

// HandleMessage dispatches raw and logs any rejection. It never panics on
// malformed input. c is nil for sessionless origins such as the chat bridge.
func (m *Manager) HandleMessage(c Client, raw []byte) {
	err := m.Dispatch(c, raw)
	if err == nil {
		return
	}
	fields := []zap.Field{zap.Error(err)}
	if c != nil {
		fields = append(fields, zap.String("session", c.ID()))
	}
	switch {
	case errors.Is(err, ErrMalformedEnvelope):
		m.logger.Warn("dropping malformed message", append(fields, zap.ByteString("raw", raw))...)
	case errors.Is(err, ErrDirectGuess):
		m.logger.Warn("blocked direct guess", fields...)
	case errors.Is(err, ErrUnknownType):
		m.logger.Warn("dropping message", append(fields, zap.ByteString("raw", raw))...)
	default:
		m.logger.Info("message rejected", fields...)
	}
}

// Dispatch routes one inbound envelope.
//
// Postcondition: Returns nil if the envelope was applied, or an error wrapping
// one of the package sentinels describing why it was dropped.
func (m *Manager) Dispatch(c Client, raw []byte) error {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return err
	}
	roomID := env.RoomID()
	m.logger.Debug("dispatch", zap.String("type", env.Type), zap.String("room", roomID))

	switch env.Type {
	case TypeJoin:
		return m.handleJoin(c, env, roomID)
	case TypeLeave:
		return m.handleLeave(c, env, roomID)
	case TypeChat:
		return m.handleChat(env, roomID)
	case TypeStartRound:
		return m.handleStartRound(env, roomID)
	case TypeGuess:
		return ErrDirectGuess
	case TypeEndRound:
		return m.handleEndRound(roomID)
	case TypeStopBot:
		return m.handleStopBot(c, env)
	case TypeSpawnBot:
		return m.handleSpawnBot(c, env)
	case TypeMapTwitchRoom:
		return m.handleMapTwitchRoom(env)
	case TypeStatus:
		return m.handleStatus(raw)
	case TypePong:
		if c != nil {
			c.MarkPongReceived()
		}
		return nil
	case TypeDraw:
		return m.handleDraw(env, roomID)
	case TypeClear:
		return m.handleClear(roomID)
	case TypeGetState:
		return m.handleGetState(c, roomID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func (m *Manager) handleJoin(c Client, env Envelope, roomID string) error {
	username := env.username()
	if roomID == "" || username == "" {
		return fmt.Errorf("join: %w: room and username", ErrMissingField)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.collectLocked()
	rm, ok := m.rooms[roomID]
	if !ok {
		rm = m.newRoom(roomID)
		m.rooms[roomID] = rm
		m.logger.Info("room created", zap.String("room", roomID))
	}
	if ch := NormalizeChannel(env.Channel); ch != "" {
		m.bindLocked(roomID, ch)
	} else if !ok {
		m.logger.Debug("room created without channel binding", zap.String("room", roomID))
	}

	// Joined under m.mu so a concurrent sweep cannot take the fresh room.
	// Room sends only enqueue.
	rm.Join(senderOf(c), username)
	return nil
}

func (m *Manager) handleLeave(c Client, env Envelope, roomID string) error {
	rm, ok := m.Room(roomID)
	if !ok {
		return fmt.Errorf("leave %q: %w", roomID, ErrRoomNotFound)
	}

	if env.Intentional {
		removed := rm.ResetLobby()
		for _, p := range removed {
			rm.Broadcast(room.LeaveMessage(p))
		}
		m.logger.Info("lobby cleared by host", zap.String("room", roomID), zap.Int("players", len(removed)))
	}

	if rm.Leave(senderOf(c)) {
		m.removeIfEmpty(roomID, rm)
	}
	return nil
}

func (m *Manager) handleChat(env Envelope, roomID string) error {
	text, _ := env.payloadString()
	if roomID == "" || text == "" {
		return fmt.Errorf("chat: %w: room and payload", ErrMissingField)
	}
	rm, ok := m.Room(roomID)
	if !ok {
		return fmt.Errorf("chat %q: %w", roomID, ErrRoomNotFound)
	}
	rm.Broadcast(room.ChatMessage(roomID, text))
	return nil
}

func (m *Manager) handleStartRound(env Envelope, roomID string) error {
	rm, ok := m.Room(roomID)
	if !ok {
		return fmt.Errorf("start_round %q: %w", roomID, ErrRoomNotFound)
	}
	word := m.cfg.DefaultWord
	var p startRoundPayload
	if env.payloadObject(&p) && p.Word != nil {
		word = *p.Word
	}
	rm.StartRound(word)
	return nil
}

func (m *Manager) handleEndRound(roomID string) error {
	rm, ok := m.Room(roomID)
	if !ok {
		return fmt.Errorf("end_round %q: %w", roomID, ErrRoomNotFound)
	}
	if rm.EndRound() {
		m.logger.Info("round ended by host", zap.String("room", roomID))
	}
	return nil
}

func (m *Manager) handleDraw(env Envelope, roomID string) error {
	rm, ok := m.Room(roomID)
	if !ok {
		return fmt.Errorf("draw %q: %w", roomID, ErrRoomNotFound)
	}
	record, err := room.Encode(room.DrawMessage(roomID, env.Payload))
	if err != nil {
		return fmt.Errorf("draw %q: %w", roomID, err)
	}
	rm.AddStroke(record)
	rm.BroadcastRaw(record)
	return nil
}

func (m *Manager) handleClear(roomID string) error {
	rm, ok := m.Room(roomID)
	if !ok {
		return fmt.Errorf("clear %q: %w", roomID, ErrRoomNotFound)
	}
	rm.ClearHistory()
	rm.Broadcast(room.ClearMessage(roomID))
	return nil
}

func (m *Manager) handleGetState(c Client, roomID string) error {
	if c == nil {
		return fmt.Errorf("get_state: %w: session", ErrMissingField)
	}
	rm, ok := m.Room(roomID)
	if !ok {
		return fmt.Errorf("get_state %q: %w", roomID, ErrRoomNotFound)
	}
	msg, err := room.Encode(room.Message{Type: room.TypeCurrentState, Payload: rm.State()})
	if err != nil {
		return fmt.Errorf("get_state %q: %w", roomID, err)
	}
	c.Send(msg)
	return nil
}

func (m *Manager) handleStatus(raw []byte) error {
	b := m.statusBroadcaster()
	if b == nil {
		m.logger.Debug("status dropped, no broadcaster")
		return nil
	}
	b.Broadcast(raw)
	return nil
}

func (m *Manager) handleMapTwitchRoom(env Envelope) error {
	var p mapRoomPayload
	env.payloadObject(&p)
	channel := NormalizeChannel(p.TwitchName)
	roomID := NormalizeRoomID(p.RoomID)
	if channel == "" || roomID == "" {
		return fmt.Errorf("map_twitch_room: %w: twitch_name and room_id", ErrMissingField)
	}
	m.Bind(roomID, channel)
	return nil
}

func (m *Manager) handleSpawnBot(c Client, env Envelope) error {
	f := env.botFields()
	channel := NormalizeChannel(f.Channel)
	if f.OAuth == "" || f.Nick == "" || channel == "" {
		err := fmt.Errorf("spawn_bot: %w: oauth, nick and channel", ErrMissingField)
		m.reply(c, err.Error())
		return err
	}
	bots := m.botController()
	if bots == nil {
		m.reply(c, ErrBotControlUnavailable.Error())
		return ErrBotControlUnavailable
	}
	if err := bots.Spawn(f.OAuth, f.Nick, channel); err != nil {
		m.reply(c, fmt.Sprintf("Failed to spawn bot for #%s: %v", channel, err))
		return fmt.Errorf("spawn_bot %q: %w", channel, err)
	}
	m.logger.Info("bot spawned", zap.String("channel", channel), zap.String("nick", f.Nick))
	m.reply(c, fmt.Sprintf("Spawned bot for #%s", channel))
	return nil
}

func (m *Manager) handleStopBot(c Client, env Envelope) error {
	channel := NormalizeChannel(env.botFields().Channel)
	if channel == "" {
		err := fmt.Errorf("stop_bot: %w: channel", ErrMissingField)
		m.reply(c, err.Error())
		return err
	}
	bots := m.botController()
	if bots == nil {
		m.reply(c, ErrBotControlUnavailable.Error())
		return ErrBotControlUnavailable
	}
	if rm, ok := m.RoomForChannel(channel); ok {
		removed := rm.ResetLobby()
		m.logger.Info("lobby cleared before stopping bot",
			zap.String("channel", channel), zap.String("room", rm.ID()), zap.Int("players", len(removed)))
	}
	if err := bots.Stop(channel); err != nil {
		m.reply(c, fmt.Sprintf("Failed to stop bot for #%s: %v", channel, err))
		return fmt.Errorf("stop_bot %q: %w", channel, err)
	}
	m.logger.Info("bot stopped", zap.String("channel", channel))
	m.reply(c, fmt.Sprintf("Stopped bot for #%s", channel))
	return nil
}

// reply sends a system notice to c when c is present.
func (m *Manager) reply(c Client, text string) {
	if c == nil {
		return
	}
	msg, err := room.Encode(room.SystemMessage("", text))
	if err != nil {
		m.logger.Error("encoding reply", zap.Error(err))
		return
	}
	c.Send(msg)
}

// Room returns the room registered under id.
func (m *Manager) Room(id string) (*room.Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[NormalizeRoomID(id)]
	return rm, ok
}

// RoomForChannel returns the room currently bound to channel.
func (m *Manager) RoomForChannel(channel string) (*room.Room, bool) {
	channel = NormalizeChannel(channel)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.channels {
		if ch == channel {
			rm, ok := m.rooms[id]
			return rm, ok
		}
	}
	return nil, false
}

// channelFor returns the channel bound to roomID.
func (m *Manager) channelFor(roomID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[NormalizeRoomID(roomID)]
	return ch, ok
}

// Bind associates channel with roomID, unbinding any other room from that channel.
//
// Postcondition: channel is bound to exactly one room id.
func (m *Manager) Bind(roomID, channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindLocked(NormalizeRoomID(roomID), NormalizeChannel(channel))
}

func (m *Manager) bindLocked(roomID, channel string) {
	for id, ch := range m.channels {
		if ch == channel && id != roomID {
			delete(m.channels, id)
			m.logger.Info("channel unbound", zap.String("room", id), zap.String("channel", channel))
		}
	}
	m.channels[roomID] = channel
	m.logger.Info("channel bound", zap.String("room", roomID), zap.String("channel", channel))
}

// Detach removes c from every room it is attached to. Players are kept; rooms
// left with neither sessions nor players are removed.
func (m *Manager) Detach(c Client) {
	if c == nil {
		return
	}
	m.mu.Lock()
	snapshot := make(map[string]*room.Room, len(m.rooms))
	for id, rm := range m.rooms {
		snapshot[id] = rm
	}
	m.mu.Unlock()

	for id, rm := range snapshot {
		if rm.Leave(c) {
			m.removeIfEmpty(id, rm)
		}
	}
}

// removeIfEmpty deletes rm if it is still registered under id and still empty.
func (m *Manager) removeIfEmpty(id string, rm *room.Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[id] != rm || !rm.Empty() {
		return
	}
	m.removeLocked(id, rm, "empty")
}

func (m *Manager) removeLocked(id string, rm *room.Room, reason string) {
	rm.Stop()
	delete(m.rooms, id)
	delete(m.channels, id)
	m.logger.Info("room removed", zap.String("room", id), zap.String("reason", reason))
}

// collect sweeps abandoned rooms and rooms idle longer than the retention window.
//
// Postcondition: Returns the number of rooms removed.
func (m *Manager) collect() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.collectLocked()
}

func (m *Manager) collectLocked() int {
	cutoff := m.now().Add(-m.cfg.Retention)
	removed := 0
	for id, rm := range m.rooms {
		switch {
		case rm.Empty():
			m.removeLocked(id, rm, "abandoned")
		case rm.LastActivity().Before(cutoff):
			m.removeLocked(id, rm, "expired")
		default:
			continue
		}
		removed++
	}
	return removed
}

// Summary describes one room for operator listings.
type Summary struct {
	room.Info
	Channel string `json:"channel,omitempty"`
}

// Rooms lists every room ordered by id.
func (m *Manager) Rooms() []Summary {
	m.mu.Lock()
	rooms := make(map[string]*room.Room, len(m.rooms))
	channels := make(map[string]string, len(m.channels))
	for id, rm := range m.rooms {
		rooms[id] = rm
	}
	for id, ch := range m.channels {
		channels[id] = ch
	}
	m.mu.Unlock()

	out := make([]Summary, 0, len(rooms))
	for id, rm := range rooms {
		out = append(out, Summary{Info: rm.Info(), Channel: channels[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RoomCount returns the number of registered rooms.
func (m *Manager) RoomCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Close cancels every pending round countdown.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rm := range m.rooms {
		rm.Stop()
	}
}

func (m *Manager) newRoom(id string) *room.Room {
	return room.New(id, m.cfg.Rules,
		room.WithClock(m.now),
		room.WithLogger(m.logger.Named("room")),
	)
}

// senderOf converts c to a room.Sender, keeping a nil Client a nil interface.
func senderOf(c Client) room.Sender {
	if c == nil {
		return nil
	}
	return c
}
