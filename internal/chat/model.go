// Package chat defines the domain model shared by the session, dispatch and
// storage layers: users, servers, channels, direct-message channels, messages,
// broadcast rooms, and the error taxonomy surfaced to clients.
package chat

import "time"

// DefaultChannelDescription is stored when a channel is created without one.
const DefaultChannelDescription = "Channel description"

// User is a registered account as seen by the chat core.
type User struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
}

// Server is a named group of channels with its own membership.
type Server struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	OwnerUserID int64  `json:"ownerUserId"`
}

// Channel belongs to exactly one Server.
type Channel struct {
	ID                int64  `json:"id"`
	ServerID          int64  `json:"serverId"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	Topic             string `json:"topic"`
	IsPrivate         bool   `json:"isPrivate"`
	AutoAddNewMembers bool   `json:"autoAddNewMembers"`
}

// DMChannel is a channel defined by its exact participant set.
type DMChannel struct {
	ID             int64   `json:"id"`
	ParticipantIDs []int64 `json:"participantIds"`
}

// ChannelKind distinguishes public channels from direct-message channels.
type ChannelKind uint8

const (
	// KindPublic is a server-owned channel.
	KindPublic ChannelKind = iota + 1
	// KindDirect is a participant-defined direct-message channel.
	KindDirect
)

// ChannelRef identifies either a public channel or a DM channel.
// The two id spaces are disjoint tables and must never be compared directly.
type ChannelRef struct {
	Kind ChannelKind
	ID   int64
}

// PublicChannel returns a ref to a server-owned channel.
func PublicChannel(id int64) ChannelRef { return ChannelRef{Kind: KindPublic, ID: id} }

// DirectChannel returns a ref to a direct-message channel.
func DirectChannel(id int64) ChannelRef { return ChannelRef{Kind: KindDirect, ID: id} }

// Valid reports whether the ref names a concrete channel.
func (r ChannelRef) Valid() bool {
	return (r.Kind == KindPublic || r.Kind == KindDirect) && r.ID > 0
}

// Room returns the broadcast room observing this channel.
func (r ChannelRef) Room() Room {
	if r.Kind == KindDirect {
		return DMRoom(r.ID)
	}
	return ChannelRoom(r.ID)
}

// Message is an immutable persisted chat message.
type Message struct {
	ID          int64
	Channel     ChannelRef
	SenderID    int64
	ContentType ContentType
	Text        string
	Timestamp   time.Time
}

// NewMessage is the write model for InsertMessage.
type NewMessage struct {
	Channel     ChannelRef
	SenderID    int64
	ContentType ContentType
	Text        string
	Timestamp   time.Time
}

// MessagePacket is the wire representation of a Message.
type MessagePacket struct {
	ID          int64       `json:"id"`
	Content     string      `json:"content"`
	ChannelID   int64       `json:"channelId"`
	ServerID    int64       `json:"serverId,omitempty"`
	Direct      bool        `json:"direct,omitempty"`
	Timestamp   int64       `json:"timestamp"`
	UserID      int64       `json:"userId"`
	ContentType ContentType `json:"contentType"`
}

// Packet converts a Message to its wire form. serverID is zero for DM messages.
func (m Message) Packet(serverID int64) MessagePacket {
	return MessagePacket{
		ID:          m.ID,
		Content:     m.Text,
		ChannelID:   m.Channel.ID,
		ServerID:    serverID,
		Direct:      m.Channel.Kind == KindDirect,
		Timestamp:   m.Timestamp.UnixMilli(),
		UserID:      m.SenderID,
		ContentType: m.ContentType,
	}
}

// ServerWithChannels is returned by server creation.
type ServerWithChannels struct {
	Server   Server    `json:"server"`
	Channels []Channel `json:"channels"`
}

// NewChannel is the write model for CreateChannel.
type NewChannel struct {
	ServerID          int64
	Name              string
	Description       string
	IsPrivate         bool
	AutoAddNewMembers bool
	// AddEveryone adds every current server member.
	AddEveryone bool
	// AddTheseUsers adds the listed users who are also server members.
	AddTheseUsers []int64
	// CreatorID is always added.
	CreatorID int64
}

// StartupData is the snapshot returned to a freshly authenticated client.
type StartupData struct {
	User     User      `json:"user"`
	Servers  []Server  `json:"servers"`
	Channels []Channel `json:"channels"`
	Users    []User    `json:"users"`
}
