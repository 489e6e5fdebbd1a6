package chatserver

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
)

// DefaultResolveAttempts bounds create/re-read cycles on a DM creation conflict.
const DefaultResolveAttempts = 3

// Resolver maps a participant set to its one canonical DM channel. Creation
// races are settled by the store's unique participant key, never by an
// in-process lock.
type Resolver struct {
	store    chat.DMStore
	attempts int
	logger   *zap.Logger
}

// NewResolver creates a Resolver. attempts <= 0 uses DefaultResolveAttempts.
//
// Precondition: store and logger must be non-nil.
func NewResolver(store chat.DMStore, attempts int, logger *zap.Logger) *Resolver {
	if attempts <= 0 {
		attempts = DefaultResolveAttempts
	}
	return &Resolver{store: store, attempts: attempts, logger: logger}
}

// Resolve returns the DM channel whose participant set is exactly
// participantIDs, creating it if absent.
//
// Postcondition: Concurrent calls for the same set return the same id, and
// exactly one channel exists for the set afterwards.
func (r *Resolver) Resolve(ctx context.Context, participantIDs []int64) (int64, error) {
	ids, err := chat.NormalizeParticipants(participantIDs)
	if err != nil {
		return 0, err
	}

	for attempt := 1; attempt <= r.attempts; attempt++ {
		id, found, err := r.find(ctx, ids)
		if err != nil {
			return 0, err
		}
		if found {
			return id, nil
		}

		id, err = r.store.CreateDMChannel(ctx, ids)
		if err == nil {
			r.logger.Info("dm channel created",
				zap.Int64("dm_channel_id", id),
				zap.Int64s("participants", ids),
			)
			return id, nil
		}
		if !errors.Is(err, chat.ErrDuplicate) {
			return 0, storeError("creating dm channel", err)
		}
		r.logger.Debug("dm channel creation conflicted, re-reading",
			zap.Int64s("participants", ids),
			zap.Int("attempt", attempt),
		)
	}
	return 0, fmt.Errorf("%w: dm channel for %v unresolved after %d attempts", chat.ErrInternal, ids, r.attempts)
}

func (r *Resolver) find(ctx context.Context, ids []int64) (int64, bool, error) {
	candidates, err := r.store.FindDMChannels(ctx, ids)
	if err != nil {
		return 0, false, fmt.Errorf("%w: finding dm channel: %w", chat.ErrInternal, err)
	}
	switch len(candidates) {
	case 0:
		return 0, false, nil
	case 1:
		return candidates[0], true, nil
	default:
		chosen := slices.Min(candidates)
		r.logger.Warn("multiple dm channels share one participant set",
			zap.Int64s("participants", ids),
			zap.Int64s("candidates", candidates),
			zap.Int64("chosen", chosen),
		)
		return chosen, true, nil
	}
}
