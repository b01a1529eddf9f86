package wakeup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowpbx/wakeup/internal/pbx"
)

// RedisKeyPrefix prefixes the per-call list the digit is pushed to.
const RedisKeyPrefix = "wakeup:dtmf:"

// signalTTL expires digits nobody popped, for example after a restart.
const signalTTL = 10 * time.Minute

// listClient is the subset of the Redis client the signal source needs.
type listClient interface {
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisSignal receives digits pushed to a per-call Redis list, either by the
// dialplan or through the signal API endpoint. It returns as soon as a digit
// arrives instead of waiting out the whole call.
type RedisSignal struct {
	client listClient
	pbx    *pbx.PBX
	logger *slog.Logger
}

// NewRedisSignal creates a RedisSignal. Pointer files are still removed
// through p.
func NewRedisSignal(client *redis.Client, p *pbx.PBX, logger *slog.Logger) *RedisSignal {
	return newRedisSignal(client, p, logger)
}

func newRedisSignal(client listClient, p *pbx.PBX, logger *slog.Logger) *RedisSignal {
	return &RedisSignal{
		client: client,
		pbx:    p,
		logger: logger.With("subsystem", "signal", "mode", "redis"),
	}
}

// SignalKey returns the Redis list key for callID.
func SignalKey(callID string) string {
	return RedisKeyPrefix + callID
}

// Await blocks on the call's list for up to req.Wait.
func (r *RedisSignal) Await(ctx context.Context, req SignalRequest) Signal {
	key := SignalKey(req.CallID)
	defer func() {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := r.client.Del(cctx, key).Err(); err != nil {
			r.logger.Warn("signal key cleanup failed", "call_id", req.CallID, "error", err)
		}
		if err := r.pbx.RemoveFiles(cctx, req.Cleanup...); err != nil {
			r.logger.Warn("signal file cleanup failed", "call_id", req.CallID, "error", err)
		}
	}()

	vals, err := r.client.BLPop(ctx, req.Wait, key).Result()
	if errors.Is(err, redis.Nil) {
		return Signal{State: SignalAbsent}
	}
	if err != nil {
		return Signal{State: SignalReadError, Err: fmt.Errorf("popping %s: %w", key, err)}
	}
	// BLPOP replies with [key, value].
	if len(vals) != 2 {
		return Signal{State: SignalReadError, Err: fmt.Errorf("popping %s: unexpected reply %v", key, vals)}
	}
	digit := strings.TrimSpace(vals[1])
	if digit == "" {
		return Signal{State: SignalAbsent}
	}
	r.logger.Info("digit received", "call_id", req.CallID, "digit", digit)
	return Signal{State: SignalFound, Digit: digit}
}

// Publish pushes a digit for callID.
func (r *RedisSignal) Publish(ctx context.Context, callID, digit string) error {
	key := SignalKey(callID)
	if err := r.client.RPush(ctx, key, digit).Err(); err != nil {
		return fmt.Errorf("pushing %s: %w", key, err)
	}
	if err := r.client.Expire(ctx, key, signalTTL).Err(); err != nil {
		return fmt.Errorf("expiring %s: %w", key, err)
	}
	return nil
}
