package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestRoom_ScopesDoNotCollide(t *testing.T) {
	s := ServerRoom(7)
	c := ChannelRoom(7)
	d := DMRoom(7)
	assert.NotEqual(t, s, c)
	assert.NotEqual(t, c, d)

	set := map[Room]bool{s: true, c: true, d: true}
	assert.Len(t, set, 3)
	assert.Equal(t, "server:7", s.String())
	assert.Equal(t, "channel:7", c.String())
	assert.Equal(t, "dm:7", d.String())
}

func TestRoom_ZeroIsInvalid(t *testing.T) {
	var r Room
	assert.True(t, r.IsZero())
	assert.False(t, r.Valid())
	assert.False(t, ServerRoom(0).Valid())
	_, err := r.MarshalText()
	assert.Error(t, err)
}

func TestParseRoom_Errors(t *testing.T) {
	for _, in := range []string{"", "server", "server:", "server:x", "server:-1", "lobby:3"} {
		_, err := ParseRoom(in)
		assert.ErrorIs(t, err, ErrBadRequest, "input %q", in)
	}
}

func TestRoom_JSON(t *testing.T) {
	b, err := json.Marshal(map[string]Room{"room": ChannelRoom(3)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"room":"channel:3"}`, string(b))
}

// Property: String and ParseRoom are inverse for every valid room.
func TestPropertyRoomParseInverse(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		id := rapid.Int64Range(1, 1<<40).Draw(t, "id")
		ctors := []func(int64) Room{ServerRoom, ChannelRoom, DMRoom}
		r := ctors[rapid.IntRange(0, len(ctors)-1).Draw(t, "kind")](id)
		got, err := ParseRoom(r.String())
		if err != nil || got != r {
			t.Fatalf("ParseRoom(%q) = %v, %v", r.String(), got, err)
		}
	})
}
