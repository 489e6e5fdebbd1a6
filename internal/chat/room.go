package chat

import (
	"fmt"
	"strconv"
	"strings"
)

// RoomKind is the broadcast scope of a Room.
type RoomKind uint8

const (
	RoomServer RoomKind = iota + 1
	RoomChannel
	RoomDM
)

var roomPrefixes = map[RoomKind]string{
	RoomServer:  "server",
	RoomChannel: "channel",
	RoomDM:      "dm",
}

// Room is an in-memory broadcast scope. It is comparable and usable as a map
// key; server and channel rooms with the same numeric id are distinct keys.
// The zero Room is invalid.
type Room struct {
	kind RoomKind
	id   int64
}

// ServerRoom returns the room observing a server.
func ServerRoom(serverID int64) Room { return Room{kind: RoomServer, id: serverID} }

// ChannelRoom returns the room observing a public channel.
func ChannelRoom(channelID int64) Room { return Room{kind: RoomChannel, id: channelID} }

// DMRoom returns the room observing a direct-message channel.
func DMRoom(dmChannelID int64) Room { return Room{kind: RoomDM, id: dmChannelID} }

// Kind returns the room scope.
func (r Room) Kind() RoomKind { return r.kind }

// ID returns the scoped entity id.
func (r Room) ID() int64 { return r.id }

// IsZero reports whether r is the zero Room.
func (r Room) IsZero() bool { return r.kind == 0 }

// Valid reports whether r was built by one of the constructors with a positive id.
func (r Room) Valid() bool {
	_, ok := roomPrefixes[r.kind]
	return ok && r.id > 0
}

// String renders the room key, e.g. "server:12".
func (r Room) String() string {
	prefix, ok := roomPrefixes[r.kind]
	if !ok {
		return "invalid"
	}
	return prefix + ":" + strconv.FormatInt(r.id, 10)
}

// ParseRoom parses a key produced by Room.String.
func ParseRoom(s string) (Room, error) {
	prefix, rawID, ok := strings.Cut(s, ":")
	if !ok {
		return Room{}, fmt.Errorf("%w: room %q has no scope", ErrBadRequest, s)
	}
	id, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || id <= 0 {
		return Room{}, fmt.Errorf("%w: room %q has invalid id", ErrBadRequest, s)
	}
	for kind, p := range roomPrefixes {
		if p == prefix {
			return Room{kind: kind, id: id}, nil
		}
	}
	return Room{}, fmt.Errorf("%w: room %q has unknown scope", ErrBadRequest, s)
}

// MarshalText lets rooms appear as JSON strings.
func (r Room) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("marshaling invalid room")
	}
	return []byte(r.String()), nil
}

// UnmarshalText parses a room key.
func (r *Room) UnmarshalText(b []byte) error {
	parsed, err := ParseRoom(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
