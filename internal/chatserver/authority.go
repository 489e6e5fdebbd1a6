// Package chatserver implements the chat core on top of the session layer:
// membership authorization, message dispatch, direct-message channel
// resolution, server invitations, and the client event surface.
package chatserver

import (
	"context"
	"fmt"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Authority gates channel-scoped operations on durable membership. It never
// caches: membership may change between calls.
type Authority struct {
	store chat.MembershipStore
}

// NewAuthority creates an Authority backed by store.
//
// Precondition: store must be non-nil.
func NewAuthority(store chat.MembershipStore) *Authority {
	return &Authority{store: store}
}

// IsServerMember reports whether userID belongs to serverID.
func (a *Authority) IsServerMember(ctx context.Context, userID, serverID int64) (bool, error) {
	ok, err := a.store.IsServerMember(ctx, userID, serverID)
	if err != nil {
		return false, fmt.Errorf("%w: checking server membership: %w", chat.ErrInternal, err)
	}
	return ok, nil
}

// IsChannelMember reports whether userID belongs to channelID.
func (a *Authority) IsChannelMember(ctx context.Context, userID, channelID int64) (bool, error) {
	ok, err := a.store.IsChannelMember(ctx, userID, channelID)
	if err != nil {
		return false, fmt.Errorf("%w: checking channel membership: %w", chat.ErrInternal, err)
	}
	return ok, nil
}

// RequireServerMember returns ErrAuthorizationDenied unless userID belongs to serverID.
func (a *Authority) RequireServerMember(ctx context.Context, userID, serverID int64) error {
	ok, err := a.IsServerMember(ctx, userID, serverID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d is not part of server %d", chat.ErrAuthorizationDenied, userID, serverID)
	}
	return nil
}

// RequireChannelMember returns ErrAuthorizationDenied unless userID belongs to channelID.
func (a *Authority) RequireChannelMember(ctx context.Context, userID, channelID int64) error {
	ok, err := a.IsChannelMember(ctx, userID, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: user %d is not part of channel %d", chat.ErrAuthorizationDenied, userID, channelID)
	}
	return nil
}

// RequireDMParticipant returns ErrAuthorizationDenied unless userID participates in dmChannelID.
func (a *Authority) RequireDMParticipant(ctx context.Context, userID, dmChannelID int64) error {
	ok, err := a.store.IsDMParticipant(ctx, userID, dmChannelID)
	if err != nil {
		return fmt.Errorf("%w: checking dm participation: %w", chat.ErrInternal, err)
	}
	if !ok {
		return fmt.Errorf("%w: user %d is not part of dm channel %d", chat.ErrAuthorizationDenied, userID, dmChannelID)
	}
	return nil
}

// RequireChannelAccess checks membership for either kind of channel ref.
func (a *Authority) RequireChannelAccess(ctx context.Context, userID int64, ref chat.ChannelRef) error {
	if ref.Kind == chat.KindDirect {
		return a.RequireDMParticipant(ctx, userID, ref.ID)
	}
	return a.RequireChannelMember(ctx, userID, ref.ID)
}
