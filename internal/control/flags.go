// Package control holds the Redis-backed live control flags: per-plan pause
// and stop signals an external caller can raise while a turn is in flight.
// The observation callback reads them at every boundary; the Postgres row
// status remains the durable source of truth.
package control

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix = "autopilot:plan:"
	// Flags outlive any reasonable turn but not a forgotten plan.
	flagTTL = 24 * time.Hour
)

// State is the live control state of a plan.
type State struct {
	Paused  bool
	Stopped bool
}

// Flags reads and writes plan control flags. A nil client degrades every
// read to "no flag set" with a warning at construction, matching how the
// rest of the service treats Redis as optional.
type Flags struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects the flag store. redisURL may be empty; control then relies
// on the persisted plan status alone.
func New(redisURL string, logger *zap.Logger) (*Flags, error) {
	if redisURL == "" {
		logger.Warn("no redis configured, live control flags disabled")
		return &Flags{logger: logger}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Flags{rdb: rdb, logger: logger}, nil
}

func pauseKey(planID uuid.UUID) string { return keyPrefix + planID.String() + ":paused" }
func stopKey(planID uuid.UUID) string  { return keyPrefix + planID.String() + ":stopped" }

// SetPause raises the pause flag.
func (f *Flags) SetPause(ctx context.Context, planID uuid.UUID) error {
	if f.rdb == nil {
		return nil
	}
	if err := f.rdb.Set(ctx, pauseKey(planID), "1", flagTTL).Err(); err != nil {
		return fmt.Errorf("set pause flag: %w", err)
	}
	return nil
}

// ClearPause lowers the pause flag.
func (f *Flags) ClearPause(ctx context.Context, planID uuid.UUID) error {
	if f.rdb == nil {
		return nil
	}
	if err := f.rdb.Del(ctx, pauseKey(planID)).Err(); err != nil {
		return fmt.Errorf("clear pause flag: %w", err)
	}
	return nil
}

// SetStop raises the stop flag. There is no clear; a stopped plan is done.
func (f *Flags) SetStop(ctx context.Context, planID uuid.UUID) error {
	if f.rdb == nil {
		return nil
	}
	if err := f.rdb.Set(ctx, stopKey(planID), "1", flagTTL).Err(); err != nil {
		return fmt.Errorf("set stop flag: %w", err)
	}
	return nil
}

// State reads both flags. Read failures degrade to "not set" with a
// warning; the persisted plan status still gates the turn.
func (f *Flags) State(ctx context.Context, planID uuid.UUID) State {
	if f.rdb == nil {
		return State{}
	}
	vals, err := f.rdb.MGet(ctx, pauseKey(planID), stopKey(planID)).Result()
	if err != nil {
		f.logger.Warn("control flag read failed", zap.Error(err))
		return State{}
	}
	return State{
		Paused:  vals[0] != nil,
		Stopped: vals[1] != nil,
	}
}
