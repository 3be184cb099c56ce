package room

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRoundDuration is used when Rules leaves RoundDuration unset.
const DefaultRoundDuration = 60 * time.Second

// DefaultCorrectGuessPoints is used when Rules leaves CorrectGuessPoints unset.
const DefaultCorrectGuessPoints = 100

// Sender is a transport a room fans messages out to. Rooms reference senders,
// they never own or close them. Send must not block.
type Sender interface {
	ID() string
	Send(msg []byte)
}

// Rules are the game parameters shared by every room.
type Rules struct {
	RoundDuration      time.Duration
	CorrectGuessPoints int
}

func (r Rules) withDefaults() Rules {
	if r.RoundDuration <= 0 {
		r.RoundDuration = DefaultRoundDuration
	}
	if r.CorrectGuessPoints <= 0 {
		r.CorrectGuessPoints = DefaultCorrectGuessPoints
	}
	return r
}

// Option configures a Room.
type Option func(*Room)

// WithClock overrides the time source used for round timing and activity tracking.
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// WithLogger sets the room's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Room) { r.logger = logger }
}

// Room is the authoritative state of one game session.
// All methods are safe for concurrent use.
type Room struct {
	id     string
	rules  Rules
	now    func() time.Time
	logger *zap.Logger

	mu           sync.Mutex
	players      map[string]*Player
	nextPlayerID int
	sessions     map[Sender]struct{}
	round        Round
	roundSeq     uint64
	timer        *countdown
	strokes      []json.RawMessage
	lastActivity time.Time
}

// New creates an idle room with no players.
//
// Precondition: id must be non-empty.
// Postcondition: The room's last activity is the creation time.
func New(id string, rules Rules, opts ...Option) *Room {
	r := &Room{
		id:           id,
		rules:        rules.withDefaults(),
		now:          time.Now,
		logger:       zap.NewNop(),
		players:      make(map[string]*Player),
		nextPlayerID: 1,
		sessions:     make(map[Sender]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("room", id))
	r.round.Duration = r.rules.RoundDuration
	r.lastActivity = r.now()
	return r
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// JoinResult describes the outcome of Join.
type JoinResult struct {
	Player  Player
	Created bool
}

// Join registers username as a player if it is new, attaches s when non-nil,
// and replays the roster and stroke history to s.
//
// A new player is announced to every attached session. A known username keeps
// its id and score; only the session attachment and replay happen.
//
// Postcondition: Exactly one Player exists for username.
func (r *Room) Join(s Sender, username string) JoinResult {
	r.mu.Lock()
	p, exists := r.players[username]
	if !exists {
		p = &Player{ID: r.nextPlayerID, Username: username}
		r.nextPlayerID++
		r.players[username] = p
	}
	if s != nil {
		r.sessions[s] = struct{}{}
	}
	r.lastActivity = r.now()
	result := JoinResult{Player: *p, Created: !exists}
	targets := r.sessionsLocked()
	r.mu.Unlock()

	if result.Created {
		r.logger.Info("player joined", zap.String("user", username), zap.Int("player_id", result.Player.ID))
		r.deliver(targets, joinMessage(result.Player))
	} else {
		r.logger.Debug("known player rejoined", zap.String("user", username))
	}

	if s != nil {
		r.ReplayPlayers(s)
		r.ReplayHistory(s)
	}
	return result
}

// Leave detaches s. Players are kept.
//
// Postcondition: Returns true if the room now has no sessions and no players.
func (r *Room) Leave(s Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
	return len(r.sessions) == 0 && len(r.players) == 0
}

// ResetLobby removes every player and restarts id assignment at 1.
//
// Postcondition: Returns the removed players ordered by id.
func (r *Room) ResetLobby() []Player {
	r.mu.Lock()
	removed := r.playersLocked()
	r.players = make(map[string]*Player)
	r.nextPlayerID = 1
	r.mu.Unlock()

	r.logger.Info("lobby reset", zap.Int("players_removed", len(removed)))
	return removed
}

// Empty reports whether the room has neither sessions nor players.
func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) == 0 && len(r.players) == 0
}

// HasPlayer reports whether username is a known player.
func (r *Room) HasPlayer(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.players[username]
	return ok
}

// Player returns the player registered under username.
func (r *Room) Player(username string) (Player, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.players[username]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Players returns a copy of every known player ordered by id.
func (r *Room) Players() []Player {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playersLocked()
}

// SessionCount returns the number of attached sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Round returns a copy of the current round.
func (r *Room) Round() Round {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.round
}

// LastActivity returns the time of the last join, draw, clear or guess.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// StartRound begins a round for word and schedules its countdown. A round that
// is still active is ended first, so a round only ever becomes active from idle.
//
// The round_start broadcast carries the word itself; clients rely on it.
func (r *Room) StartRound(word string) {
	r.mu.Lock()
	var ended *Message
	if r.round.Active {
		m := r.endRoundLocked()
		ended = &m
	}
	r.round = Round{
		Word:      word,
		Hint:      MaskWord(word),
		Active:    true,
		StartTime: r.now(),
		Duration:  r.rules.RoundDuration,
	}
	r.roundSeq++
	seq := r.roundSeq
	r.timer = startCountdown(r.rules.RoundDuration, func() { r.expire(seq) })
	start := roundStartMessage(r.round)
	targets := r.sessionsLocked()
	r.mu.Unlock()

	if ended != nil {
		r.deliver(targets, *ended)
	}
	r.logger.Info("round started", zap.Int("word_len", len(word)), zap.Duration("duration", r.rules.RoundDuration))
	r.deliver(targets, start)
}

// HandleGuess checks guess against the active round's word. Matching is exact
// and case-sensitive. A correct guess from a known player scores, is announced,
// and ends the round. Guesses outside an active round are ignored.
func (r *Room) HandleGuess(username, guess string) {
	r.mu.Lock()
	if !r.round.Active {
		r.mu.Unlock()
		r.logger.Debug("guess ignored, no active round", zap.String("user", username))
		return
	}
	r.lastActivity = r.now()

	if guess != r.round.Word {
		msg := guessMessage(username, guess, false, 0)
		targets := r.sessionsLocked()
		r.mu.Unlock()
		r.deliver(targets, msg)
		return
	}

	score := 0
	if p, ok := r.players[username]; ok {
		p.Score += r.rules.CorrectGuessPoints
		score = p.Score
	}
	correct := guessMessage(username, guess, true, score)
	end := r.endRoundLocked()
	targets := r.sessionsLocked()
	r.mu.Unlock()

	r.logger.Info("correct guess", zap.String("user", username), zap.Int("score", score))
	r.deliver(targets, correct, end)
}

// EndRound ends the active round. Ending an idle round is a no-op.
//
// Postcondition: Returns true if this call performed the active→idle transition.
func (r *Room) EndRound() bool {
	r.mu.Lock()
	if !r.round.Active {
		r.mu.Unlock()
		return false
	}
	end := r.endRoundLocked()
	targets := r.sessionsLocked()
	r.mu.Unlock()

	r.deliver(targets, end)
	return true
}

// CheckTimer ends the active round if it has run for its full duration,
// independent of the countdown firing.
//
// Postcondition: Returns true if the round was ended by this call.
func (r *Room) CheckTimer() bool {
	r.mu.Lock()
	if !r.round.Active || !r.round.Expired(r.now()) {
		r.mu.Unlock()
		return false
	}
	end := r.endRoundLocked()
	targets := r.sessionsLocked()
	r.mu.Unlock()

	r.logger.Info("round ended by timer check")
	r.deliver(targets, end)
	return true
}

// expire is the countdown callback for round seq. It does nothing if that
// round has already ended or been replaced.
func (r *Room) expire(seq uint64) {
	r.mu.Lock()
	if !r.round.Active || r.roundSeq != seq {
		r.mu.Unlock()
		return
	}
	end := r.endRoundLocked()
	targets := r.sessionsLocked()
	r.mu.Unlock()

	r.logger.Info("round timer expired")
	r.deliver(targets, end)
}

// endRoundLocked flips the round to idle, cancels its countdown and builds the
// round_end message.
//
// Precondition: r.mu is held and r.round.Active is true.
func (r *Room) endRoundLocked() Message {
	r.round.Active = false
	r.timer.Stop()
	r.timer = nil
	scores := make(map[string]int, len(r.players))
	for name, p := range r.players {
		scores[name] = p.Score
	}
	return roundEndMessage(r.round.Word, scores)
}

// AddStroke appends one stroke record to the history.
func (r *Room) AddStroke(record json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strokes = append(r.strokes, record)
	r.lastActivity = r.now()
}

// ClearHistory drops every stored stroke.
func (r *Room) ClearHistory() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strokes = nil
	r.lastActivity = r.now()
}

// StrokeCount returns the number of stored strokes.
func (r *Room) StrokeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.strokes)
}

// ReplayHistory sends every stored stroke record to s, in order.
func (r *Room) ReplayHistory(s Sender) {
	if s == nil {
		return
	}
	r.mu.Lock()
	strokes := append([]json.RawMessage(nil), r.strokes...)
	r.mu.Unlock()

	for _, stroke := range strokes {
		s.Send(stroke)
	}
}

// ReplayPlayers sends one join message per known player to s, ordered by id.
func (r *Room) ReplayPlayers(s Sender) {
	if s == nil {
		return
	}
	r.mu.Lock()
	players := r.playersLocked()
	r.mu.Unlock()

	for _, p := range players {
		r.sendTo(s, joinMessage(p))
	}
}

// State returns a point-in-time snapshot for a current_state reply.
func (r *Room) State() StatePayload {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.players))
	for name := range r.players {
		names = append(names, name)
	}
	sort.Strings(names)

	state := StatePayload{
		Players: names,
		Strokes: append([]json.RawMessage{}, r.strokes...),
	}
	if r.round.Active {
		state.Round = &RoundState{
			Active:   true,
			Word:     r.round.Word,
			Hint:     r.round.Hint,
			TimeLeft: int(r.round.Remaining(r.now()) / time.Second),
		}
	}
	return state
}

// Broadcast sends m to every attached session.
func (r *Room) Broadcast(m Message) {
	r.mu.Lock()
	targets := r.sessionsLocked()
	r.mu.Unlock()
	r.deliver(targets, m)
}

// BroadcastRaw sends an already-encoded message to every attached session.
func (r *Room) BroadcastRaw(msg []byte) {
	r.mu.Lock()
	targets := r.sessionsLocked()
	r.mu.Unlock()
	for _, s := range targets {
		s.Send(msg)
	}
}

func (r *Room) deliver(targets []Sender, msgs ...Message) {
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			r.logger.Error("dropping broadcast", zap.Error(err))
			continue
		}
		for _, s := range targets {
			s.Send(b)
		}
	}
}

func (r *Room) sendTo(s Sender, m Message) {
	b, err := Encode(m)
	if err != nil {
		r.logger.Error("dropping message", zap.String("session", s.ID()), zap.Error(err))
		return
	}
	s.Send(b)
}

// sessionsLocked snapshots the attached sessions.
//
// Precondition: r.mu is held.
func (r *Room) sessionsLocked() []Sender {
	out := make([]Sender, 0, len(r.sessions))
	for s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// playersLocked copies the players ordered by id.
//
// Precondition: r.mu is held.
func (r *Room) playersLocked() []Player {
	out := make([]Player, 0, len(r.players))
	for _, p := range r.players {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Info summarizes a room for operator listings.
type Info struct {
	ID           string    `json:"id"`
	Players      int       `json:"players"`
	Sessions     int       `json:"sessions"`
	Strokes      int       `json:"strokes"`
	RoundActive  bool      `json:"round_active"`
	LastActivity time.Time `json:"last_activity"`
}

// Info returns a summary of the room.
func (r *Room) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		ID:           r.id,
		Players:      len(r.players),
		Sessions:     len(r.sessions),
		Strokes:      len(r.strokes),
		RoundActive:  r.round.Active,
		LastActivity: r.lastActivity,
	}
}

// Stop cancels any pending countdown without ending the round.
func (r *Room) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timer.Stop()
	r.timer = nil
}
