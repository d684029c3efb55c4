// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package matrix

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
)

// Autojoin backoff defaults. Homeservers may send an invite before the
// invited user is allowed to join, so the first attempts are expected to
// fail now and then.
const (
	DefaultJoinBase  = time.Second
	DefaultJoinLimit = time.Hour
)

// RoomJoiner joins rooms by id.
type RoomJoiner interface {
	JoinRoomByID(ctx context.Context, roomID id.RoomID) (*mautrix.RespJoinRoom, error)
}

// AutoJoiner accepts invites, retrying with a doubling delay.
type AutoJoiner struct {
	client RoomJoiner
	base   time.Duration
	limit  time.Duration
	logger *slog.Logger
}

// JoinOption configures an AutoJoiner.
type JoinOption func(*AutoJoiner)

// WithJoinBackoff sets the first retry delay and the delay past which the
// joiner gives up.
func WithJoinBackoff(base, limit time.Duration) JoinOption {
	return func(j *AutoJoiner) {
		j.base = base
		j.limit = limit
	}
}

// WithJoinLogger sets the logger.
func WithJoinLogger(l *slog.Logger) JoinOption {
	return func(j *AutoJoiner) {
		j.logger = l
	}
}

// NewAutoJoiner creates an AutoJoiner.
func NewAutoJoiner(client RoomJoiner, opts ...JoinOption) *AutoJoiner {
	j := &AutoJoiner{
		client: client,
		base:   DefaultJoinBase,
		limit:  DefaultJoinLimit,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Join joins roomID. It returns the last join error once the next delay
// would exceed the limit, or the context error when ctx ends first.
func (j *AutoJoiner) Join(ctx context.Context, roomID id.RoomID) error {
	backoff := giveUpPast(retry.NewExponential(j.base), j.limit)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if _, err := j.client.JoinRoomByID(ctx, roomID); err != nil {
			j.logger.Warn("failed to join room, retrying",
				"room_id", roomID,
				"attempt", attempt,
				"error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.In("matrix").Code("JOIN_FAILED").
			With("room_id", roomID).
			With("attempts", attempt).
			Wrap(err)
	}

	j.logger.Info("joined room", "room_id", roomID, "attempts", attempt)
	return nil
}

// giveUpPast stops next once its delay would exceed limit.
func giveUpPast(next retry.Backoff, limit time.Duration) retry.Backoff {
	return retry.BackoffFunc(func() (time.Duration, bool) {
		delay, stop := next.Next()
		if stop || delay > limit {
			return 0, true
		}
		return delay, false
	})
}
