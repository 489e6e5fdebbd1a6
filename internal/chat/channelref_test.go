package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannelRef(t *testing.T) {
	cases := map[string]ChannelRef{
		"c#5": PublicChannel(5),
		"d#3": DirectChannel(3),
		"12":  PublicChannel(12),
	}
	for in, want := range cases {
		got, err := ParseChannelRef(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
		assert.True(t, got.Valid())
	}

	for _, in := range []string{"", "c#", "d#0", "x#4", "c#-2"} {
		_, err := ParseChannelRef(in)
		assert.ErrorIs(t, err, ErrBadRequest, in)
	}
}

func TestChannelRef_RoomsAreDisjoint(t *testing.T) {
	assert.Equal(t, ChannelRoom(4), PublicChannel(4).Room())
	assert.Equal(t, DMRoom(4), DirectChannel(4).Room())
}

func TestChannelRef_JSON(t *testing.T) {
	var payload struct {
		A ChannelRef `json:"a"`
		B ChannelRef `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"d#9","b":7}`), &payload))
	assert.Equal(t, DirectChannel(9), payload.A)
	assert.Equal(t, PublicChannel(7), payload.B)

	b, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"d#9","b":"c#7"}`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`{"a":true}`), &payload))
}
