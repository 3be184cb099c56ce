package lobby

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"join","room":"#abc","channel":"Chan","payload":"alice"}`))
	require.NoError(t, err)
	assert.Equal(t, "join", env.Type)
	assert.Equal(t, "abc", env.RoomID())
	assert.Equal(t, "alice", env.username())
}

func TestParseEnvelopeMalformed(t *testing.T) {
	_, err := ParseEnvelope([]byte(`"just a string"`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestUsernameShapes(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{`{"payload":"alice"}`, "alice"},
		{`{"payload":{"username":"bob"}}`, "bob"},
		{`{"payload":{"name":"carol"}}`, ""},
		{`{"payload":42}`, ""},
		{`{}`, ""},
	}
	for _, tc := range cases {
		env, err := ParseEnvelope([]byte(tc.raw))
		require.NoError(t, err)
		assert.Equal(t, tc.want, env.username(), tc.raw)
	}
}

func TestBotFieldsPreferTopLevel(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"spawn_bot","nick":"top","payload":{"oauth":"oauth:p","nick":"inner","channel":"c"}}`))
	require.NoError(t, err)
	f := env.botFields()
	assert.Equal(t, "oauth:p", f.OAuth)
	assert.Equal(t, "top", f.Nick)
	assert.Equal(t, "c", f.Channel)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "abc", NormalizeRoomID("#abc"))
	assert.Equal(t, "#abc", NormalizeRoomID("##abc"))
	assert.Equal(t, "ABC", NormalizeRoomID("ABC"))
	assert.Equal(t, "streamer", NormalizeChannel(" #Streamer "))
}

// Property: channel normalization is idempotent.
func TestPropertyNormalizeChannelIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ch := rapid.StringMatching(`#?[A-Za-z0-9_]{0,20}`).Draw(t, "channel")
		once := NormalizeChannel(ch)
		if twice := NormalizeChannel(once); twice != once {
			t.Fatalf("NormalizeChannel(%q) = %q, again %q", ch, once, twice)
		}
	})
}
