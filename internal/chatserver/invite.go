package chatserver

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
)

// MembershipWriter adds server members.
type MembershipWriter interface {
	AddServerMembers(ctx context.Context, serverID int64, userIDs []int64) ([]int64, error)
}

// InviteResult reports what an invitation changed.
type InviteResult struct {
	// Added lists invitees that were not server members before.
	Added []int64 `json:"added"`
	// Invites holds the INVITE message persisted for each invitee.
	Invites []chat.MessagePacket `json:"invites"`
}

// Inviter adds users to a server and sends each of them an INVITE direct
// message from the inviter.
type Inviter struct {
	authority  *Authority
	members    MembershipWriter
	resolver   *Resolver
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewInviter creates an Inviter.
//
// Precondition: all arguments must be non-nil.
func NewInviter(authority *Authority, members MembershipWriter, resolver *Resolver, dispatcher *Dispatcher, logger *zap.Logger) *Inviter {
	return &Inviter{
		authority:  authority,
		members:    members,
		resolver:   resolver,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Invite adds inviteeIDs to serverID (and its auto-add channels), then, per
// invitee, resolves the inviter/invitee DM channel and sends an INVITE whose
// text is the server id. The inviter is never invited to their own server.
//
// Postcondition: Membership is added atomically before any invite is sent.
// Per-invitee failures do not stop the remaining invitees; they are joined
// into the returned error alongside the partial result.
func (i *Inviter) Invite(ctx context.Context, inviterID int64, inviteeIDs []int64, serverID int64) (InviteResult, error) {
	if inviterID <= 0 {
		return InviteResult{}, fmt.Errorf("%w: not signed in", chat.ErrAuthenticationRequired)
	}
	if serverID <= 0 {
		return InviteResult{}, fmt.Errorf("%w: missing key \"serverId\"", chat.ErrBadRequest)
	}
	invitees := lo.Uniq(lo.Filter(inviteeIDs, func(id int64, _ int) bool {
		return id > 0 && id != inviterID
	}))
	if len(invitees) == 0 {
		return InviteResult{}, fmt.Errorf("%w: no users to invite", chat.ErrBadRequest)
	}

	if err := i.authority.RequireServerMember(ctx, inviterID, serverID); err != nil {
		return InviteResult{}, err
	}
	added, err := i.members.AddServerMembers(ctx, serverID, invitees)
	if err != nil {
		return InviteResult{}, storeError("adding server members", err)
	}

	result := InviteResult{Added: added}
	text := strconv.FormatInt(serverID, 10)
	var errs []error
	for _, invitee := range invitees {
		dmID, err := i.resolver.Resolve(ctx, []int64{inviterID, invitee})
		if err != nil {
			errs = append(errs, fmt.Errorf("resolving dm channel for user %d: %w", invitee, err))
			continue
		}
		msg, err := i.dispatcher.SendDirect(ctx, inviterID, dmID, chat.ContentInvite, text, []int64{invitee})
		if err != nil {
			errs = append(errs, fmt.Errorf("sending invite to user %d: %w", invitee, err))
			continue
		}
		result.Invites = append(result.Invites, msg.Packet(0))
	}

	i.logger.Info("users invited to server",
		zap.Int64("server_id", serverID),
		zap.Int64("user_id", inviterID),
		zap.Int("invitees", len(invitees)),
		zap.Int("added", len(added)),
		zap.Int("failed", len(errs)),
	)
	return result, errors.Join(errs...)
}
