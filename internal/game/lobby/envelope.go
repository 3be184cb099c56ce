package lobby

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound envelope types.
const (
	TypeJoin          = "join"
	TypeLeave         = "leave"
	TypeChat          = "chat"
	TypeStartRound    = "start_round"
	TypeGuess         = "guess"
	TypeEndRound      = "end_round"
	TypeStopBot       = "stop_bot"
	TypeSpawnBot      = "spawn_bot"
	TypeMapTwitchRoom = "map_twitch_room"
	TypeStatus        = "status"
	TypePong          = "pong"
	TypeDraw          = "draw"
	TypeClear         = "clear"
	TypeGetState      = "get_state"
)

// Envelope is an inbound client message. Only Type is always present; the
// remaining fields are interpreted per type.
type Envelope struct {
	Type        string          `json:"type"`
	Room        string          `json:"room"`
	Channel     string          `json:"channel"`
	Intentional bool            `json:"intentional"`
	OAuth       string          `json:"oauth"`
	Nick        string          `json:"nick"`
	Payload     json.RawMessage `json:"payload"`
}

// ParseEnvelope decodes raw into an Envelope.
//
// Postcondition: Returns a non-nil error wrapping ErrMalformedEnvelope if raw is
// not a JSON object.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// RoomID returns the addressed room with a single leading '#' removed.
func (e Envelope) RoomID() string {
	return NormalizeRoomID(e.Room)
}

// NormalizeRoomID strips a single leading '#'.
func NormalizeRoomID(id string) string {
	return strings.TrimPrefix(id, "#")
}

// NormalizeChannel strips a leading '#' and lowercases the channel name.
func NormalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

// payloadString returns the payload when it is a JSON string.
func (e Envelope) payloadString() (string, bool) {
	p := bytes.TrimSpace(e.Payload)
	if len(p) == 0 || p[0] != '"' {
		return "", false
	}
	var s string
	if err := json.Unmarshal(p, &s); err != nil {
		return "", false
	}
	return s, true
}

// payloadObject decodes an object payload into dst. A missing or non-object
// payload leaves dst untouched.
func (e Envelope) payloadObject(dst any) bool {
	p := bytes.TrimSpace(e.Payload)
	if len(p) == 0 || p[0] != '{' {
		return false
	}
	return json.Unmarshal(p, dst) == nil
}

// username extracts the joining username from either a bare string payload or
// an object payload carrying "username".
func (e Envelope) username() string {
	if s, ok := e.payloadString(); ok {
		return s
	}
	var obj struct {
		Username string `json:"username"`
	}
	e.payloadObject(&obj)
	return obj.Username
}

type startRoundPayload struct {
	Word *string `json:"word"`
}

type mapRoomPayload struct {
	TwitchName string `json:"twitch_name"`
	RoomID     string `json:"room_id"`
}

type botPayload struct {
	OAuth   string `json:"oauth"`
	Nick    string `json:"nick"`
	Channel string `json:"channel"`
}

// botFields returns the bot admin fields, preferring top-level values and
// falling back to the payload object.
func (e Envelope) botFields() botPayload {
	var p botPayload
	e.payloadObject(&p)
	if e.OAuth != "" {
		p.OAuth = e.OAuth
	}
	if e.Nick != "" {
		p.Nick = e.Nick
	}
	if e.Channel != "" {
		p.Channel = e.Channel
	}
	return p
}
