// Package twitch bridges Twitch chat into rooms: one IRC connection per
// channel, a small command grammar, and a registry of running bots.
package twitch

import (
	"errors"
	"strings"
)

var (
	// ErrEmptyLine is returned when parsing a blank line.
	ErrEmptyLine = errors.New("empty line")
	// ErrMalformedLine is returned when a line has no command.
	ErrMalformedLine = errors.New("malformed irc line")
)

// Message is one parsed IRC line: [@tags] [:prefix] COMMAND [params] [:trailing].
type Message struct {
	Tags        map[string]string
	Prefix      string
	Command     string
	Params      []string
	Trailing    string
	HasTrailing bool
}

// ParseLine parses a single IRC line without its CRLF terminator.
//
// Postcondition: Returns ErrEmptyLine for blank input and ErrMalformedLine when
// no command is present; otherwise Command is upper-cased.
func ParseLine(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Message{}, ErrEmptyLine
	}

	var m Message
	rest := line

	if strings.HasPrefix(rest, "@") {
		raw, after, _ := strings.Cut(rest[1:], " ")
		m.Tags = parseTags(raw)
		rest = strings.TrimLeft(after, " ")
	}

	if strings.HasPrefix(rest, ":") {
		prefix, after, _ := strings.Cut(rest[1:], " ")
		m.Prefix = prefix
		rest = strings.TrimLeft(after, " ")
	}

	if head, trailing, found := strings.Cut(rest, " :"); found {
		rest = head
		m.Trailing = trailing
		m.HasTrailing = true
	} else if strings.HasPrefix(rest, ":") {
		m.Trailing = rest[1:]
		m.HasTrailing = true
		rest = ""
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Message{}, ErrMalformedLine
	}
	m.Command = strings.ToUpper(fields[0])
	m.Params = fields[1:]
	return m, nil
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(raw, ";") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		tags[key] = unescapeTag(value)
	}
	return tags
}

// unescapeTag reverses IRCv3 tag value escaping.
func unescapeTag(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		if i+1 == len(v) {
			break
		}
		i++
		switch v[i] {
		case ':':
			b.WriteByte(';')
		case 's':
			b.WriteByte(' ')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		default:
			b.WriteByte(v[i])
		}
	}
	return b.String()
}

// Nick returns the nickname part of a nick!user@host prefix.
func (m Message) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	if strings.Contains(nick, ".") && !strings.Contains(m.Prefix, "!") {
		// server prefix such as tmi.twitch.tv
		return ""
	}
	return nick
}

// Username returns the chat user's name, preferring the display-name tag,
// then the login tag, then the prefix nick.
func (m Message) Username() string {
	if name := m.Tags["display-name"]; name != "" {
		return name
	}
	if login := m.Tags["login"]; login != "" {
		return login
	}
	return m.Nick()
}

// Channel returns the first parameter with its leading '#' removed.
func (m Message) Channel() string {
	if len(m.Params) == 0 {
		return ""
	}
	return strings.TrimPrefix(m.Params[0], "#")
}
