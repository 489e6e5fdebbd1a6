package chat

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNormalizeParticipants(t *testing.T) {
	got, err := NormalizeParticipants([]int64{7, 3, 7, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 7}, got)
}

func TestNormalizeParticipants_Invalid(t *testing.T) {
	_, err := NormalizeParticipants(nil)
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = NormalizeParticipants([]int64{4, 0})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestParticipantKey_DistinguishesSets(t *testing.T) {
	assert.NotEqual(t, ParticipantKey([]int64{1, 23}), ParticipantKey([]int64{12, 3}))
	assert.Len(t, ParticipantKey([]int64{1}), 64)
}

// Property: the key depends only on the participant set, not order or repetition.
func TestPropertyParticipantKeyOrderInsensitive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfN(rapid.Int64Range(1, 50), 1, 12).Draw(t, "ids")
		shuffled := slices.Clone(rapid.Permutation(ids).Draw(t, "perm"))
		shuffled = append(shuffled, ids[0])

		a, err := NormalizeParticipants(ids)
		if err != nil {
			t.Fatal(err)
		}
		b, err := NormalizeParticipants(shuffled)
		if err != nil {
			t.Fatal(err)
		}
		if ParticipantKey(a) != ParticipantKey(b) {
			t.Fatalf("keys differ for %v and %v", ids, shuffled)
		}
	})
}
