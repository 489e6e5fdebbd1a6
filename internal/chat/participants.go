package chat

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// NormalizeParticipants deduplicates and sorts a participant list.
//
// Postcondition: Returns a non-empty ascending list of positive ids, or ErrBadRequest.
func NormalizeParticipants(ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one participant is required", ErrBadRequest)
	}
	if lo.SomeBy(ids, func(id int64) bool { return id <= 0 }) {
		return nil, fmt.Errorf("%w: participant ids must be positive", ErrBadRequest)
	}
	out := lo.Uniq(ids)
	slices.Sort(out)
	return out, nil
}

// ParticipantKey is the content hash of a normalized participant set. Stores
// put a unique constraint on it so concurrent creators of the same set conflict.
//
// Precondition: ids must already be normalized.
func ParticipantKey(ids []int64) string {
	parts := lo.Map(ids, func(id int64, _ int) string { return strconv.FormatInt(id, 10) })
	sum := sha256.Sum256([]byte(strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}
