package genstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Redis shares generations across processes and survives restarts.
type Redis struct {
	rdb redis.UniversalClient
	ns  string // logical namespace to avoid collisions between deployments
}

var _ GenStore = (*Redis)(nil)

func NewRedis(client redis.UniversalClient, namespace string) *Redis {
	return &Redis{rdb: client, ns: namespace}
}

func (s *Redis) key(ns string) string { return "gen:" + s.ns + ":" + ns }

func (s *Redis) Snapshot(ctx context.Context, ns string) (uint64, error) {
	res, err := s.rdb.Get(ctx, s.key(ns)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	u, err := strconv.ParseUint(res, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("redis gen parse: %w", err)
	}
	return u, nil
}

// SnapshotMany pipelines one GET per namespace so cluster slots never mix.
func (s *Redis) SnapshotMany(ctx context.Context, ns []string) (map[string]uint64, error) {
	out := make(map[string]uint64, len(ns))
	if len(ns) == 0 {
		return out, nil
	}
	cmds := make([]*redis.StringCmd, len(ns))
	_, _ = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, n := range ns {
			cmds[i] = p.Get(ctx, s.key(n))
		}
		return nil
	})
	for i, cmd := range cmds {
		res, err := cmd.Result()
		if err == redis.Nil {
			out[ns[i]] = 0
			continue
		}
		if err != nil {
			return nil, err
		}
		u, err := strconv.ParseUint(res, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis gen parse at %s: %w", ns[i], err)
		}
		out[ns[i]] = u
	}
	return out, nil
}

func (s *Redis) Bump(ctx context.Context, ns string) (uint64, error) {
	v, err := s.rdb.Incr(ctx, s.key(ns)).Result()
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// Close leaves the client open; its owner closes it.
func (s *Redis) Close(context.Context) error { return nil }
