package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zsiec/devicemirror/internal/logger"
)

const defaultPrefix = "devicemirror:sessions:"

var (
	registerScript = redis.NewScript(`
		local key = KEYS[1]
		local active_key = KEYS[2]
		local data = ARGV[1]
		local ttl = tonumber(ARGV[2])
		local session_id = ARGV[3]
		local ok = redis.call('SET', key, data, 'PX', ttl, 'NX')
		if not ok then
			return 0
		end
		redis.call('SADD', active_key, session_id)
		return 1
	`)

	heartbeatScript = redis.NewScript(`
		local key = KEYS[1]
		local ttl = tonumber(ARGV[1])
		local hb = cjson.decode(ARGV[2])
		local now = ARGV[3]
		local data = redis.call('GET', key)
		if not data then
			return redis.error_reply("session not found")
		end
		local rec = cjson.decode(data)
		rec.state = hb.state
		rec.packets = hb.packets
		rec.frames_published = hb.frames_published
		rec.frames_overwritten = hb.frames_overwritten
		rec.corrupt_units = hb.corrupt_units
		rec.last_heartbeat = now
		redis.call('SET', key, cjson.encode(rec), 'PX', ttl)
		return "OK"
	`)

	listScript = redis.NewScript(`
		local active_key = KEYS[1]
		local prefix = ARGV[1]
		local active = redis.call('SMEMBERS', active_key)
		local result = {}
		for _, id in ipairs(active) do
			local rec = redis.call('GET', prefix .. id)
			if rec then
				table.insert(result, rec)
			else
				redis.call('SREM', active_key, id)
			end
		end
		return result
	`)
)

// RedisRegistry keeps session records in Redis as JSON strings with a TTL.
// A set of active IDs is pruned of expired entries on List.
type RedisRegistry struct {
	client redis.UniversalClient
	logger logger.Logger
	prefix string
	ttl    time.Duration
}

// NewRedisRegistry creates a Redis backed registry.
func NewRedisRegistry(client redis.UniversalClient, log logger.Logger, ttl time.Duration) *RedisRegistry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &RedisRegistry{
		client: client,
		logger: log.WithField("component", "registry"),
		prefix: defaultPrefix,
		ttl:    ttl,
	}
}

func (r *RedisRegistry) key(sessionID string) string {
	return r.prefix + sessionID
}

func (r *RedisRegistry) activeKey() string {
	return r.prefix + "active"
}

func (r *RedisRegistry) Register(ctx context.Context, rec *Record) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	rec.LastHeartbeat = time.Now()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	ok, err := registerScript.Run(ctx, r.client,
		[]string{r.key(rec.SessionID), r.activeKey()},
		data, r.ttl.Milliseconds(), rec.SessionID).Int()
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrSessionExists, rec.SessionID)
	}

	r.logger.WithFields(map[string]interface{}{
		"session_id": rec.SessionID,
		"device":     rec.DeviceName,
	}).Info("Session registered")
	return nil
}

func (r *RedisRegistry) Heartbeat(ctx context.Context, sessionID string, hb Heartbeat) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	now := time.Now().Format(time.RFC3339Nano)
	err = heartbeatScript.Run(ctx, r.client, []string{r.key(sessionID)}, r.ttl.Milliseconds(), string(data), now).Err()
	if err != nil {
		if strings.Contains(err.Error(), "session not found") {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Unregister(ctx context.Context, sessionID string) error {
	deleted, err := r.client.Del(ctx, r.key(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to unregister session: %w", err)
	}
	if err := r.client.SRem(ctx, r.activeKey(), sessionID).Err(); err != nil {
		r.logger.WithError(err).Warnf("Failed to remove session %s from active set", sessionID)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	r.logger.WithField("session_id", sessionID).Info("Session unregistered")
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, sessionID string) (*Record, error) {
	data, err := r.client.Get(ctx, r.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &rec, nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Record, error) {
	res, err := listScript.Run(ctx, r.client, []string{r.activeKey()}, r.prefix).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	recs := make([]*Record, 0, len(res))
	for _, data := range res {
		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			r.logger.WithError(err).Warn("Skipping unreadable session record")
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// Close closes the Redis client.
func (r *RedisRegistry) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
