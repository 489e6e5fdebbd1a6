package chat

import "context"

// MembershipStore answers durable membership questions.
type MembershipStore interface {
	IsServerMember(ctx context.Context, userID, serverID int64) (bool, error)
	IsChannelMember(ctx context.Context, userID, channelID int64) (bool, error)
	IsDMParticipant(ctx context.Context, userID, dmChannelID int64) (bool, error)
}

// MessageStore persists and reads messages.
type MessageStore interface {
	// GetChannel returns ErrNotFound when the channel does not exist.
	GetChannel(ctx context.Context, channelID int64) (Channel, error)
	InsertMessage(ctx context.Context, msg NewMessage) (Message, error)
	// LatestMessages returns up to quantity messages of ref, newest first, skipping offset.
	LatestMessages(ctx context.Context, ref ChannelRef, quantity, offset int) ([]Message, error)
	// LastDMMessages returns the newest message of each listed DM channel that has one.
	LastDMMessages(ctx context.Context, dmChannelIDs []int64) ([]Message, error)
	// OldestMessages and NewestMessages page over every public channel the user belongs to.
	OldestMessages(ctx context.Context, userID int64, quantity, offset int) ([]Message, error)
	NewestMessages(ctx context.Context, userID int64, quantity, offset int) ([]Message, error)
}

// DMStore owns direct-message channels.
type DMStore interface {
	// FindDMChannels returns, in ascending order, the ids of DM channels whose
	// participant set equals participants exactly.
	FindDMChannels(ctx context.Context, participants []int64) ([]int64, error)
	// CreateDMChannel creates the channel and links every participant in one
	// transaction. It returns ErrDuplicate when the participant set already has a channel.
	CreateDMChannel(ctx context.Context, participants []int64) (int64, error)
	DMParticipants(ctx context.Context, dmChannelID int64) ([]int64, error)
}

// ServerStore owns servers, channels and memberships.
type ServerStore interface {
	CreateServer(ctx context.Context, ownerID int64, name string, defaultChannels []string) (ServerWithChannels, error)
	CreateChannel(ctx context.Context, ch NewChannel) (Channel, error)
	// AddServerMembers adds each user to the server and to every channel of the
	// server flagged AutoAddNewMembers, atomically. It returns the users that
	// were not already members.
	AddServerMembers(ctx context.Context, serverID int64, userIDs []int64) ([]int64, error)
	StartupData(ctx context.Context, userID int64) (StartupData, error)
	GetUser(ctx context.Context, userID int64) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
}

// ClientStore mirrors live authenticated sessions so any process can find the
// sessions of a user. It is truncated at process start.
type ClientStore interface {
	ClearClients(ctx context.Context) error
	RegisterClient(ctx context.Context, sessionID string, userID int64) error
	RemoveClient(ctx context.Context, sessionID string) error
	ListSessionsForUser(ctx context.Context, userID int64) ([]string, error)
}

// Store is the full persistence collaborator.
type Store interface {
	MembershipStore
	MessageStore
	DMStore
	ServerStore
	ClientStore
}
