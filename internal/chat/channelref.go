package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// String renders the ref as the client-facing selector: "c#<id>" for public
// channels and "d#<id>" for DM channels.
func (r ChannelRef) String() string {
	switch r.Kind {
	case KindPublic:
		return "c#" + strconv.FormatInt(r.ID, 10)
	case KindDirect:
		return "d#" + strconv.FormatInt(r.ID, 10)
	default:
		return "invalid"
	}
}

// ParseChannelRef parses "c#<id>" or "d#<id>". A bare number is a public channel.
func ParseChannelRef(s string) (ChannelRef, error) {
	kind := KindPublic
	raw := s
	switch {
	case strings.HasPrefix(s, "c#"):
		raw = s[2:]
	case strings.HasPrefix(s, "d#"):
		kind, raw = KindDirect, s[2:]
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return ChannelRef{}, fmt.Errorf("%w: invalid channel selector %q", ErrBadRequest, s)
	}
	return ChannelRef{Kind: kind, ID: id}, nil
}

// MarshalJSON encodes the selector string.
func (r ChannelRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON accepts a selector string or a bare public channel id.
func (r *ChannelRef) UnmarshalJSON(b []byte) error {
	var n int64
	if err := json.Unmarshal(b, &n); err == nil {
		if n <= 0 {
			return fmt.Errorf("%w: invalid channel id %d", ErrBadRequest, n)
		}
		*r = PublicChannel(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("%w: channel selector must be a string or number", ErrBadRequest)
	}
	parsed, err := ParseChannelRef(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
