package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/Relay/internal/domain"
)

const keyPrefix = "group_users_"

// Key is the redis set holding a room's presence entries.
func Key(room domain.RoomID) string { return keyPrefix + string(room) }

// Redis keeps presence sets without expiry. Mutation and read run in one
// MULTI/EXEC so the returned list reflects exactly this change.
type Redis struct {
	rdb redis.Cmdable
}

func NewRedis(rdb redis.Cmdable) *Redis {
	return &Redis{rdb: rdb}
}

// DialRedis connects and pings.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Add(ctx context.Context, room domain.RoomID, member string) ([]string, error) {
	return r.mutate(ctx, room, func(p redis.Pipeliner, key string) {
		p.SAdd(ctx, key, member)
	})
}

func (r *Redis) Remove(ctx context.Context, room domain.RoomID, member string) ([]string, error) {
	return r.mutate(ctx, room, func(p redis.Pipeliner, key string) {
		p.SRem(ctx, key, member)
	})
}

func (r *Redis) mutate(ctx context.Context, room domain.RoomID, op func(redis.Pipeliner, string)) ([]string, error) {
	key := Key(room)
	var members *redis.StringSliceCmd
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		op(p, key)
		members = p.SMembers(ctx, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("presence %s: %w", room, err)
	}
	list := members.Val()
	sort.Strings(list)
	return list, nil
}

func (r *Redis) Members(ctx context.Context, room domain.RoomID) ([]string, error) {
	list, err := r.rdb.SMembers(ctx, Key(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence members %s: %w", room, err)
	}
	sort.Strings(list)
	return list, nil
}
