package room

import (
	"encoding/json"
	"fmt"
)

// Outbound message types.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeGuess        = "guess"
	TypeRoundStart   = "round_start"
	TypeRoundEnd     = "round_end"
	TypeDraw         = "draw"
	TypeClear        = "clear"
	TypeCurrentState = "current_state"
	TypeSystem       = "system"
	TypeChat         = "chat"
)

// Message is the JSON envelope every room broadcast uses.
type Message struct {
	Type    string `json:"type"`
	Room    string `json:"room,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// PlayerPayload announces a player joining or leaving.
type PlayerPayload struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
}

// GuessPayload reports one guess. Score is present only on a correct guess.
type GuessPayload struct {
	User    string `json:"user"`
	Word    string `json:"word"`
	Correct bool   `json:"correct"`
	Score   *int   `json:"score,omitempty"`
}

// RoundStartPayload announces a new round. Time is the round length in seconds.
type RoundStartPayload struct {
	Word string `json:"word"`
	Hint string `json:"hint"`
	Time int    `json:"time"`
}

// RoundEndPayload closes a round with every known player's score.
type RoundEndPayload struct {
	Word   string         `json:"word"`
	Scores map[string]int `json:"scores"`
}

// RoundState is the active-round section of a state snapshot.
type RoundState struct {
	Active   bool   `json:"active"`
	Word     string `json:"word"`
	Hint     string `json:"hint"`
	TimeLeft int    `json:"timeLeft"`
}

// StatePayload is the body of a current_state reply.
type StatePayload struct {
	Players []string          `json:"players"`
	Strokes []json.RawMessage `json:"strokes"`
	Round   *RoundState       `json:"round,omitempty"`
}

// Encode marshals a message for the wire.
func Encode(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return b, nil
}

func joinMessage(p Player) Message {
	return Message{Type: TypeJoin, Payload: PlayerPayload{ID: p.ID, Username: p.Username}}
}

// LeaveMessage announces that p left the lobby.
func LeaveMessage(p Player) Message {
	return Message{Type: TypeLeave, Payload: PlayerPayload{ID: p.ID, Username: p.Username}}
}

// SystemMessage carries operator-facing text. roomID may be empty.
func SystemMessage(roomID, text string) Message {
	return Message{Type: TypeSystem, Room: roomID, Payload: text}
}

// ChatMessage relays a chat line to a room.
func ChatMessage(roomID, text string) Message {
	return Message{Type: TypeChat, Room: roomID, Payload: text}
}

// DrawMessage wraps one stroke record for a room.
func DrawMessage(roomID string, stroke json.RawMessage) Message {
	return Message{Type: TypeDraw, Room: roomID, Payload: stroke}
}

// ClearMessage tells clients to wipe the canvas.
func ClearMessage(roomID string) Message {
	return Message{Type: TypeClear, Room: roomID}
}

func roundStartMessage(r Round) Message {
	return Message{Type: TypeRoundStart, Payload: RoundStartPayload{Word: r.Word, Hint: r.Hint, Time: r.Seconds()}}
}

func roundEndMessage(word string, scores map[string]int) Message {
	return Message{Type: TypeRoundEnd, Payload: RoundEndPayload{Word: word, Scores: scores}}
}

func guessMessage(user, word string, correct bool, score int) Message {
	p := GuessPayload{User: user, Word: word, Correct: correct}
	if correct {
		p.Score = &score
	}
	return Message{Type: TypeGuess, Payload: p}
}
