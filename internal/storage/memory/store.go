// Package memory provides an in-process chat.Store used by the standalone
// development mode and by unit tests. Every method is atomic under one mutex.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Store is a chat.Store kept entirely in memory.
type Store struct {
	mu sync.Mutex

	users      map[int64]chat.User
	userByName map[string]int64

	servers        map[int64]chat.Server
	serverMembers  map[int64]map[int64]struct{}
	channels       map[int64]chat.Channel
	channelMembers map[int64]map[int64]struct{}

	dms     map[int64][]int64
	dmByKey map[string]int64

	messages []chat.Message
	clients  map[string]int64

	nextUser, nextServer, nextChannel, nextDM, nextMessage int64
}

var _ chat.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:          make(map[int64]chat.User),
		userByName:     make(map[string]int64),
		servers:        make(map[int64]chat.Server),
		serverMembers:  make(map[int64]map[int64]struct{}),
		channels:       make(map[int64]chat.Channel),
		channelMembers: make(map[int64]map[int64]struct{}),
		dms:            make(map[int64][]int64),
		dmByKey:        make(map[string]int64),
		clients:        make(map[string]int64),
	}
}

// CreateUser adds an account. Account management is outside the chat core;
// this exists for seeding and tests.
//
// Postcondition: Returns the new user, or chat.ErrDuplicate if the username is taken.
func (s *Store) CreateUser(username, displayName string) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.userByName[username]; exists {
		return chat.User{}, fmt.Errorf("user %q: %w", username, chat.ErrDuplicate)
	}
	s.nextUser++
	u := chat.User{ID: s.nextUser, Username: username, DisplayName: displayName}
	s.users[u.ID] = u
	s.userByName[username] = u.ID
	return u, nil
}

func addMember(set map[int64]map[int64]struct{}, key, userID int64) bool {
	members := set[key]
	if members == nil {
		members = make(map[int64]struct{})
		set[key] = members
	}
	if _, ok := members[userID]; ok {
		return false
	}
	members[userID] = struct{}{}
	return true
}

func isMember(set map[int64]map[int64]struct{}, key, userID int64) bool {
	_, ok := set[key][userID]
	return ok
}

// IsServerMember implements chat.MembershipStore.
func (s *Store) IsServerMember(_ context.Context, userID, serverID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isMember(s.serverMembers, serverID, userID), nil
}

// IsChannelMember implements chat.MembershipStore.
func (s *Store) IsChannelMember(_ context.Context, userID, channelID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return isMember(s.channelMembers, channelID, userID), nil
}

// IsDMParticipant implements chat.MembershipStore.
func (s *Store) IsDMParticipant(_ context.Context, userID, dmChannelID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.dms[dmChannelID], userID), nil
}

// GetChannel implements chat.MessageStore.
func (s *Store) GetChannel(_ context.Context, channelID int64) (chat.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return chat.Channel{}, fmt.Errorf("channel %d: %w", channelID, chat.ErrNotFound)
	}
	return ch, nil
}

// InsertMessage implements chat.MessageStore.
func (s *Store) InsertMessage(_ context.Context, msg chat.NewMessage) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !msg.Channel.Valid() {
		return chat.Message{}, fmt.Errorf("invalid channel ref %v", msg.Channel)
	}
	if err := s.requireUsers(msg.SenderID); err != nil {
		return chat.Message{}, err
	}
	switch msg.Channel.Kind {
	case chat.KindPublic:
		if _, ok := s.channels[msg.Channel.ID]; !ok {
			return chat.Message{}, fmt.Errorf("channel %d: %w", msg.Channel.ID, chat.ErrNotFound)
		}
	case chat.KindDirect:
		if _, ok := s.dms[msg.Channel.ID]; !ok {
			return chat.Message{}, fmt.Errorf("dm channel %d: %w", msg.Channel.ID, chat.ErrNotFound)
		}
	}
	s.nextMessage++
	m := chat.Message{
		ID:          s.nextMessage,
		Channel:     msg.Channel,
		SenderID:    msg.SenderID,
		ContentType: msg.ContentType,
		Text:        msg.Text,
		Timestamp:   msg.Timestamp,
	}
	s.messages = append(s.messages, m)
	return m, nil
}

// newestFirst orders by timestamp then id, descending.
func newestFirst(msgs []chat.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].Timestamp.After(msgs[j].Timestamp)
		}
		return msgs[i].ID > msgs[j].ID
	})
}

func page(msgs []chat.Message, quantity, offset int) []chat.Message {
	if offset >= len(msgs) {
		return []chat.Message{}
	}
	msgs = msgs[offset:]
	if quantity < len(msgs) {
		msgs = msgs[:quantity]
	}
	return slices.Clone(msgs)
}

// LatestMessages implements chat.MessageStore.
func (s *Store) LatestMessages(_ context.Context, ref chat.ChannelRef, quantity, offset int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := lo.Filter(s.messages, func(m chat.Message, _ int) bool { return m.Channel == ref })
	newestFirst(msgs)
	return page(msgs, quantity, offset), nil
}

// LastDMMessages implements chat.MessageStore.
func (s *Store) LastDMMessages(_ context.Context, dmChannelIDs []int64) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, id := range lo.Uniq(dmChannelIDs) {
		msgs := lo.Filter(s.messages, func(m chat.Message, _ int) bool { return m.Channel == chat.DirectChannel(id) })
		if len(msgs) == 0 {
			continue
		}
		newestFirst(msgs)
		out = append(out, msgs[0])
	}
	return out, nil
}

func (s *Store) userChannelMessages(userID int64) []chat.Message {
	return lo.Filter(s.messages, func(m chat.Message, _ int) bool {
		return m.Channel.Kind == chat.KindPublic && isMember(s.channelMembers, m.Channel.ID, userID)
	})
}

// OldestMessages implements chat.MessageStore.
func (s *Store) OldestMessages(_ context.Context, userID int64, quantity, offset int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.userChannelMessages(userID)
	newestFirst(msgs)
	slices.Reverse(msgs)
	return page(msgs, quantity, offset), nil
}

// NewestMessages implements chat.MessageStore.
func (s *Store) NewestMessages(_ context.Context, userID int64, quantity, offset int) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.userChannelMessages(userID)
	newestFirst(msgs)
	return page(msgs, quantity, offset), nil
}

// FindDMChannels implements chat.DMStore. A channel matches only when its
// participant set equals participants member for member.
func (s *Store) FindDMChannels(_ context.Context, participants []int64) ([]int64, error) {
	want, err := chat.NormalizeParticipants(participants)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int64
	for id, members := range s.dms {
		if slices.Equal(members, want) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// CreateDMChannel implements chat.DMStore.
func (s *Store) CreateDMChannel(_ context.Context, participants []int64) (int64, error) {
	ids, err := chat.NormalizeParticipants(participants)
	if err != nil {
		return 0, err
	}
	key := chat.ParticipantKey(ids)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dmByKey[key]; exists {
		return 0, fmt.Errorf("dm channel for %v: %w", ids, chat.ErrDuplicate)
	}
	if err := s.requireUsers(ids...); err != nil {
		return 0, err
	}
	s.nextDM++
	s.dms[s.nextDM] = ids
	s.dmByKey[key] = s.nextDM
	return s.nextDM, nil
}

// DMParticipants implements chat.DMStore.
func (s *Store) DMParticipants(_ context.Context, dmChannelID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, ok := s.dms[dmChannelID]
	if !ok {
		return nil, fmt.Errorf("dm channel %d: %w", dmChannelID, chat.ErrNotFound)
	}
	return slices.Clone(ids), nil
}

// DMChannelCount returns how many DM channels exist.
func (s *Store) DMChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dms)
}

// MessageCount returns how many messages have been written.
func (s *Store) MessageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) insertChannel(ch chat.Channel) chat.Channel {
	s.nextChannel++
	ch.ID = s.nextChannel
	if ch.Description == "" {
		ch.Description = chat.DefaultChannelDescription
	}
	s.channels[ch.ID] = ch
	return ch
}

// CreateServer implements chat.ServerStore.
func (s *Store) CreateServer(_ context.Context, ownerID int64, name string, defaultChannels []string) (chat.ServerWithChannels, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[ownerID]; !ok {
		return chat.ServerWithChannels{}, fmt.Errorf("user %d: %w", ownerID, chat.ErrNotFound)
	}
	s.nextServer++
	srv := chat.Server{ID: s.nextServer, Name: name, OwnerUserID: ownerID}
	s.servers[srv.ID] = srv
	addMember(s.serverMembers, srv.ID, ownerID)

	out := chat.ServerWithChannels{Server: srv, Channels: []chat.Channel{}}
	for _, chName := range defaultChannels {
		ch := s.insertChannel(chat.Channel{ServerID: srv.ID, Name: chName, AutoAddNewMembers: true})
		addMember(s.channelMembers, ch.ID, ownerID)
		out.Channels = append(out.Channels, ch)
	}
	return out, nil
}

// CreateChannel implements chat.ServerStore.
func (s *Store) CreateChannel(_ context.Context, nc chat.NewChannel) (chat.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[nc.ServerID]; !ok {
		return chat.Channel{}, fmt.Errorf("server %d: %w", nc.ServerID, chat.ErrNotFound)
	}
	ch := s.insertChannel(chat.Channel{
		ServerID:          nc.ServerID,
		Name:              nc.Name,
		Description:       nc.Description,
		IsPrivate:         nc.IsPrivate,
		AutoAddNewMembers: nc.AutoAddNewMembers,
	})

	var members []int64
	switch {
	case nc.AddEveryone:
		for uid := range s.serverMembers[nc.ServerID] {
			members = append(members, uid)
		}
	case len(nc.AddTheseUsers) > 0:
		members = append(lo.Filter(nc.AddTheseUsers, func(uid int64, _ int) bool {
			return isMember(s.serverMembers, nc.ServerID, uid)
		}), nc.CreatorID)
	default:
		members = []int64{nc.CreatorID}
	}
	for _, uid := range members {
		addMember(s.channelMembers, ch.ID, uid)
	}
	return ch, nil
}

// AddServerMembers implements chat.ServerStore.
func (s *Store) AddServerMembers(_ context.Context, serverID int64, userIDs []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[serverID]; !ok {
		return nil, fmt.Errorf("server %d: %w", serverID, chat.ErrNotFound)
	}
	for _, uid := range userIDs {
		if _, ok := s.users[uid]; !ok {
			return nil, fmt.Errorf("user %d: %w", uid, chat.ErrNotFound)
		}
	}

	autoAdd := lo.Filter(lo.Values(s.channels), func(ch chat.Channel, _ int) bool {
		return ch.ServerID == serverID && ch.AutoAddNewMembers
	})
	added := []int64{}
	for _, uid := range lo.Uniq(userIDs) {
		if addMember(s.serverMembers, serverID, uid) {
			added = append(added, uid)
		}
		for _, ch := range autoAdd {
			addMember(s.channelMembers, ch.ID, uid)
		}
	}
	return added, nil
}

// StartupData implements chat.ServerStore.
func (s *Store) StartupData(_ context.Context, userID int64) (chat.StartupData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return chat.StartupData{}, fmt.Errorf("user %d: %w", userID, chat.ErrNotFound)
	}
	data := chat.StartupData{User: u, Servers: []chat.Server{}, Channels: []chat.Channel{}, Users: []chat.User{}}
	seen := map[int64]bool{}
	for _, srv := range s.servers {
		if !isMember(s.serverMembers, srv.ID, userID) {
			continue
		}
		data.Servers = append(data.Servers, srv)
		for uid := range s.serverMembers[srv.ID] {
			if !seen[uid] {
				seen[uid] = true
				data.Users = append(data.Users, s.users[uid])
			}
		}
	}
	for _, ch := range s.channels {
		if isMember(s.channelMembers, ch.ID, userID) {
			data.Channels = append(data.Channels, ch)
		}
	}
	slices.SortFunc(data.Servers, func(a, b chat.Server) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(data.Channels, func(a, b chat.Channel) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(data.Users, func(a, b chat.User) int { return cmp.Compare(a.ID, b.ID) })
	return data, nil
}

// GetUser implements chat.ServerStore.
func (s *Store) GetUser(_ context.Context, userID int64) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return chat.User{}, fmt.Errorf("user %d: %w", userID, chat.ErrNotFound)
	}
	return u, nil
}

// GetUserByUsername implements chat.ServerStore.
func (s *Store) GetUserByUsername(_ context.Context, username string) (chat.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.userByName[strings.TrimSpace(username)]
	if !ok {
		return chat.User{}, fmt.Errorf("user %q: %w", username, chat.ErrNotFound)
	}
	return s.users[id], nil
}

// ClearClients implements chat.ClientStore.
func (s *Store) ClearClients(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.clients)
	return nil
}

// RegisterClient implements chat.ClientStore.
func (s *Store) RegisterClient(_ context.Context, sessionID string, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.requireUsers(userID); err != nil {
		return err
	}
	s.clients[sessionID] = userID
	return nil
}

// requireUsers reports the first id with no user. Callers hold s.mu.
func (s *Store) requireUsers(ids ...int64) error {
	for _, id := range ids {
		if _, ok := s.users[id]; !ok {
			return fmt.Errorf("user %d: %w", id, chat.ErrNotFound)
		}
	}
	return nil
}

// RemoveClient implements chat.ClientStore.
func (s *Store) RemoveClient(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, sessionID)
	return nil
}

// ListSessionsForUser implements chat.ClientStore.
func (s *Store) ListSessionsForUser(_ context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for sid, uid := range s.clients {
		if uid == userID {
			out = append(out, sid)
		}
	}
	slices.Sort(out)
	return out, nil
}
