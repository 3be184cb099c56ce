package twitch

import (
	"strings"

	"go.uber.org/zap"

	"github.com/guessio/drawserver/internal/game/room"
)

// CommandKind identifies a chat command.
type CommandKind int

const (
	// CommandGuess is a guess, either explicit ("!guess <word>") or any plain message.
	CommandGuess CommandKind = iota
	// CommandJoin adds the chat user to the room ("!join").
	CommandJoin
	// CommandStart starts a round with no word ("!start").
	CommandStart
)

const guessPrefix = "!guess "

// Command is one chat line interpreted as a game action.
type Command struct {
	Kind CommandKind
	// Arg is the guess text for CommandGuess and empty otherwise.
	Arg string
}

// ParseCommand interprets a chat line. Matching is case-insensitive and the
// guess text is lower-cased.
//
// Postcondition: Every line maps to some Command; unrecognised lines are guesses.
func ParseCommand(text string) Command {
	lowered := strings.ToLower(text)
	switch {
	case strings.HasPrefix(lowered, "!join"):
		return Command{Kind: CommandJoin}
	case strings.HasPrefix(lowered, guessPrefix):
		return Command{Kind: CommandGuess, Arg: lowered[len(guessPrefix):]}
	case lowered == "!start":
		return Command{Kind: CommandStart}
	default:
		return Command{Kind: CommandGuess, Arg: lowered}
	}
}

// RoomResolver finds the room a chat channel is bound to.
type RoomResolver interface {
	RoomForChannel(channel string) (*room.Room, bool)
}

// Protocol applies chat commands to the room bound to the originating channel.
type Protocol struct {
	rooms  RoomResolver
	logger *zap.Logger
}

// NewProtocol creates a Protocol resolving rooms through rooms.
//
// Precondition: rooms and logger must be non-nil.
func NewProtocol(rooms RoomResolver, logger *zap.Logger) *Protocol {
	return &Protocol{rooms: rooms, logger: logger.Named("protocol")}
}

// Handle applies one chat line from username in channel.
//
// Postcondition: Lines from channels with no bound room are dropped; returns
// false in that case.
func (p *Protocol) Handle(channel, username, text string) bool {
	rm, ok := p.rooms.RoomForChannel(channel)
	if !ok {
		p.logger.Warn("no room mapped for channel", zap.String("channel", channel), zap.String("user", username))
		return false
	}

	cmd := ParseCommand(text)
	switch cmd.Kind {
	case CommandJoin:
		res := rm.Join(nil, username)
		p.logger.Debug("chat join",
			zap.String("room", rm.ID()), zap.String("user", username), zap.Bool("created", res.Created))
	case CommandStart:
		rm.StartRound("")
		p.logger.Debug("chat start", zap.String("room", rm.ID()), zap.String("user", username))
	default:
		rm.HandleGuess(username, cmd.Arg)
	}
	return true
}
