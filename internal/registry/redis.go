package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/letterlings/internal/domain"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

const redisKeyPrefix = "letterlings:room:"

// Redis is a Registry shared by several server processes. SETNX gives the
// atomic uniqueness check and the key TTL does the expiry.
type Redis struct {
	rdb  *redis.Client
	opts Options
}

func NewRedis(rdb *redis.Client, opts Options) *Redis {
	return &Redis{rdb: rdb, opts: opts.withDefaults()}
}

func (d Descriptor) MarshalBinary() ([]byte, error) {
	return json.Marshal(d)
}

func (d *Descriptor) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, d)
}

func redisKey(code domain.RoomCode) string { return redisKeyPrefix + string(code) }

func (r *Redis) Create(ctx context.Context, hostID domain.ParticipantID, levelID domain.LevelID, maxParticipants int) (Descriptor, error) {
	d := Descriptor{
		HostID:          hostID,
		LevelID:         levelID,
		MaxParticipants: maxParticipants,
		Addr:            r.opts.Addr,
		CreatedAt:       r.opts.Now(),
	}
	code, err := r.opts.claim(func(code domain.RoomCode) (bool, error) {
		d.Code = code
		ok, err := r.rdb.SetNX(ctx, redisKey(code), d, r.opts.TTL).Result()
		if err != nil {
			return false, fmt.Errorf("registry setnx %s: %w", code, err)
		}
		return ok, nil
	})
	if err != nil {
		log.Error().Err(err).Str("module", "registry.redis").Str("host", string(hostID)).Msg("create room failed")
		return Descriptor{}, err
	}
	d.Code = code
	log.Info().Str("module", "registry.redis").Str("code", string(code)).Str("host", string(hostID)).Msg("room registered")
	return d, nil
}

func (r *Redis) Resolve(ctx context.Context, code domain.RoomCode) (Descriptor, error) {
	var d Descriptor
	err := r.rdb.Get(ctx, redisKey(code)).Scan(&d)
	if errors.Is(err, redis.Nil) {
		return Descriptor{}, domain.ErrRoomNotFound
	}
	if err != nil {
		return Descriptor{}, fmt.Errorf("registry get %s: %w", code, err)
	}
	return d, nil
}

func (r *Redis) Remove(ctx context.Context, code domain.RoomCode) error {
	n, err := r.rdb.Del(ctx, redisKey(code)).Result()
	if err != nil {
		return fmt.Errorf("registry del %s: %w", code, err)
	}
	if n == 0 {
		return domain.ErrRoomNotFound
	}
	log.Info().Str("module", "registry.redis").Str("code", string(code)).Msg("room unregistered")
	return nil
}

// Expire is a no-op: keys carry their own TTL.
func (r *Redis) Expire(context.Context, time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) List(ctx context.Context) ([]Descriptor, error) {
	var out []Descriptor
	iter := r.rdb.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		code := domain.RoomCode(strings.TrimPrefix(iter.Val(), redisKeyPrefix))
		d, err := r.Resolve(ctx, code)
		if errors.Is(err, domain.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry scan: %w", err)
	}
	return out, nil
}
