package seed

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
)

// CreateUserFunc creates an account. User creation is outside chat.Store, so
// each backend supplies its own.
type CreateUserFunc func(ctx context.Context, username, displayName string) (chat.User, error)

// Summary counts what Apply wrote.
type Summary struct {
	Users      int
	Servers    int
	Channels   int
	DMChannels int
	Messages   int
}

// Applier writes fixtures through a store.
type Applier struct {
	store           chat.Store
	createUser      CreateUserFunc
	defaultChannels []string
	logger          *zap.Logger
	now             func() time.Time
}

// NewApplier creates an Applier. defaultChannels must match what the running
// server creates for new servers so fixture channels can refer to them.
func NewApplier(store chat.Store, createUser CreateUserFunc, defaultChannels []string, logger *zap.Logger) *Applier {
	return &Applier{
		store:           store,
		createUser:      createUser,
		defaultChannels: defaultChannels,
		logger:          logger,
		now:             time.Now,
	}
}

// applyState threads resolved ids and a message clock through one Apply.
type applyState struct {
	users   map[string]int64
	summary Summary
	next    time.Time
}

func (st *applyState) stamp() time.Time {
	t := st.next
	st.next = st.next.Add(time.Second)
	return t
}

func (st *applyState) ids(names []string) []int64 {
	return lo.Map(names, func(n string, _ int) int64 { return st.users[n] })
}

// Apply writes every entity in f. Existing usernames are reused; servers,
// channels and messages are always created. Message timestamps are one
// second apart in fixture order, ending at the current time.
//
// Postcondition: Returns what was written, or the first failure.
func (a *Applier) Apply(ctx context.Context, f Fixture) (Summary, error) {
	start := time.Now()
	st := &applyState{
		users: make(map[string]int64, len(f.Users)),
		next:  a.now().Add(-time.Duration(countMessages(f)) * time.Second).Truncate(time.Millisecond),
	}

	for _, u := range f.Users {
		if err := a.applyUser(ctx, st, u); err != nil {
			return st.summary, err
		}
	}
	for _, srv := range f.Servers {
		if err := a.applyServer(ctx, st, srv); err != nil {
			return st.summary, fmt.Errorf("server %q: %w", srv.Name, err)
		}
	}
	for i, dm := range f.DirectMessages {
		if err := a.applyDM(ctx, st, dm); err != nil {
			return st.summary, fmt.Errorf("direct_messages[%d]: %w", i, err)
		}
	}

	a.logger.Info("fixture applied",
		zap.Int("users", st.summary.Users),
		zap.Int("servers", st.summary.Servers),
		zap.Int("channels", st.summary.Channels),
		zap.Int("dm_channels", st.summary.DMChannels),
		zap.Int("messages", st.summary.Messages),
		zap.Duration("elapsed", time.Since(start)),
	)
	return st.summary, nil
}

func countMessages(f Fixture) int {
	n := 0
	for _, srv := range f.Servers {
		for _, ch := range srv.Channels {
			n += len(ch.Messages)
		}
	}
	for _, dm := range f.DirectMessages {
		n += len(dm.Messages)
	}
	return n
}

func (a *Applier) applyUser(ctx context.Context, st *applyState, u UserFixture) error {
	display := u.DisplayName
	if display == "" {
		display = u.Username
	}
	user, err := a.createUser(ctx, u.Username, display)
	switch {
	case err == nil:
		st.summary.Users++
	case errors.Is(err, chat.ErrDuplicate):
		if user, err = a.store.GetUserByUsername(ctx, u.Username); err != nil {
			return fmt.Errorf("loading existing user %q: %w", u.Username, err)
		}
		a.logger.Debug("reusing existing user", zap.String("username", u.Username))
	default:
		return fmt.Errorf("creating user %q: %w", u.Username, err)
	}
	st.users[u.Username] = user.ID
	return nil
}

func (a *Applier) applyServer(ctx context.Context, st *applyState, srv ServerFixture) error {
	ownerID := st.users[srv.Owner]
	swc, err := a.store.CreateServer(ctx, ownerID, srv.Name, a.defaultChannels)
	if err != nil {
		return err
	}
	st.summary.Servers++
	st.summary.Channels += len(swc.Channels)

	members := lo.Without(lo.Uniq(st.ids(srv.Members)), ownerID)
	if len(members) > 0 {
		if _, err := a.store.AddServerMembers(ctx, swc.Server.ID, members); err != nil {
			return fmt.Errorf("adding members: %w", err)
		}
	}

	existing := lo.SliceToMap(swc.Channels, func(ch chat.Channel) (string, chat.Channel) { return ch.Name, ch })
	for _, chf := range srv.Channels {
		ch, ok := existing[chf.Name]
		if !ok {
			ch, err = a.store.CreateChannel(ctx, chat.NewChannel{
				ServerID:          swc.Server.ID,
				Name:              chf.Name,
				Description:       chf.Description,
				IsPrivate:         chf.Private,
				AutoAddNewMembers: chf.AutoAdd,
				AddEveryone:       chf.Everyone,
				AddTheseUsers:     st.ids(chf.Members),
				CreatorID:         ownerID,
			})
			if err != nil {
				return fmt.Errorf("channel %q: %w", chf.Name, err)
			}
			st.summary.Channels++
		}
		for _, m := range chf.Messages {
			if err := a.applyMessage(ctx, st, chat.PublicChannel(ch.ID), m); err != nil {
				return fmt.Errorf("channel %q: %w", chf.Name, err)
			}
		}
	}
	return nil
}

func (a *Applier) applyDM(ctx context.Context, st *applyState, dm DMFixture) error {
	participants, err := chat.NormalizeParticipants(st.ids(dm.Participants))
	if err != nil {
		return err
	}
	found, err := a.store.FindDMChannels(ctx, participants)
	if err != nil {
		return err
	}
	var id int64
	if len(found) > 0 {
		id = found[0]
	} else {
		if id, err = a.store.CreateDMChannel(ctx, participants); err != nil {
			return err
		}
		st.summary.DMChannels++
	}
	for _, m := range dm.Messages {
		if !slices.Contains(participants, st.users[m.From]) {
			return fmt.Errorf("%q is not a participant", m.From)
		}
		if err := a.applyMessage(ctx, st, chat.DirectChannel(id), m); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) applyMessage(ctx context.Context, st *applyState, ref chat.ChannelRef, m MessageFixture) error {
	senderID := st.users[m.From]
	if ref.Kind == chat.KindPublic {
		ok, err := a.store.IsChannelMember(ctx, senderID, ref.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%q is not a member", m.From)
		}
	}
	if _, err := a.store.InsertMessage(ctx, chat.NewMessage{
		Channel:     ref,
		SenderID:    senderID,
		ContentType: chat.ContentMessage,
		Text:        m.Text,
		Timestamp:   st.stamp(),
	}); err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	st.summary.Messages++
	return nil
}
