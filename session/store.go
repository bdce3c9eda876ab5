package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no live record exists for an id.
var ErrNotFound = errors.New("session not found")

// ErrRedisUnavailable wraps every Redis transport failure.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrExpired is returned by Save for a record whose refresh window already closed.
var ErrExpired = errors.New("session already expired")

const deleteRecordScript = `
local owner = redis.call("HGET", KEYS[2], ARGV[1])
local existed = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[2], ARGV[1])
if owner then
  redis.call("SREM", ARGV[2] .. owner, ARGV[1])
end
return existed
`

var deleteRecordLua = redis.NewScript(deleteRecordScript)

// Store is a Redis-backed allow-list of issued token pairs.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a Store under the given key prefix. An empty prefix
// defaults to "as".
func NewStore(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "as"
	}
	return &Store{redis: rdb, prefix: prefix, now: time.Now}
}

// WithClock returns a copy of s that computes record TTLs against now.
func (s *Store) WithClock(now func() time.Time) *Store {
	cp := *s
	if now != nil {
		cp.now = now
	}
	return &cp
}

func (s *Store) key(id string) string {
	return s.prefix + ":" + id
}

func (s *Store) userPrefix() string {
	return s.prefix + "u:"
}

func (s *Store) userKey(username string) string {
	return s.userPrefix() + username
}

func (s *Store) expiryKey() string {
	return s.prefix + "x"
}

func (s *Store) ownerKey() string {
	return s.prefix + "o"
}

// Save persists r until its refresh expiry and indexes it under its username.
//
//	Performance: 1 MULTI/EXEC with 4 commands.
func (s *Store) Save(ctx context.Context, r *Record) error {
	if r == nil || r.ID == "" || r.Username == "" {
		return errors.New("session: record needs id and username")
	}
	ttl := r.RefreshExpiry.Sub(s.now())
	if ttl <= 0 {
		return ErrExpired
	}

	data, err := Encode(r)
	if err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(r.ID), data, ttl)
		pipe.SAdd(ctx, s.userKey(r.Username), r.ID)
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(r.RefreshExpiry.Unix()), Member: r.ID})
		pipe.HSet(ctx, s.ownerKey(), r.ID, r.Username)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Get returns the record stored under id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	data, err := s.redis.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return Decode(data)
}

// ListByUsername returns every live record of username, ordered by refresh
// expiry. Index entries whose record has already expired are pruned.
func (s *Store) ListByUsername(ctx context.Context, username string) ([]*Record, error) {
	ids, err := s.redis.SMembers(ctx, s.userKey(username)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	records := make([]*Record, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}
		r, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		records = append(records, r)
	}

	if len(stale) > 0 {
		if err := s.redis.SRem(ctx, s.userKey(username), stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	slices.SortFunc(records, func(a, b *Record) int {
		return a.RefreshExpiry.Compare(b.RefreshExpiry)
	})
	return records, nil
}

// Delete removes the record and every index entry for id. It reports whether
// a record existed, so concurrent callers racing on the same id can tell
// which one removed it. Deleting a missing id is not an error.
//
//	Performance: 1 Lua EVALSHA.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := deleteRecordLua.Run(
		ctx,
		s.redis,
		[]string{s.key(id), s.ownerKey(), s.expiryKey()},
		id,
		s.userPrefix(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return res == 1, nil
}

// DeleteAllForUser removes every record of username and returns how many
// live records were removed.
//
// A record saved between the SMEMBERS read and the delete is not captured.
// Callers that must close that window serialise issuance per username.
func (s *Store) DeleteAllForUser(ctx context.Context, username string) (int, error) {
	userKey := s.userKey(username)
	ids, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
		members[i] = id
	}

	var del *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.expiryKey(), members...)
		pipe.HDel(ctx, s.ownerKey(), ids...)
		pipe.Del(ctx, userKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(del.Val()), nil
}

// DeleteExpiredBefore purges every record whose refresh expiry is strictly
// before now and returns the number of index entries removed.
func (s *Store) DeleteExpiredBefore(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.redis.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	owners, err := s.redis.HMGet(ctx, s.ownerKey(), ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
		members[i] = id
	}

	var removed *redis.IntCmd
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		removed = pipe.ZRem(ctx, s.expiryKey(), members...)
		pipe.HDel(ctx, s.ownerKey(), ids...)
		for i, owner := range owners {
			if username, ok := owner.(string); ok && username != "" {
				pipe.SRem(ctx, s.userKey(username), ids[i])
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(removed.Val()), nil
}

// Count returns the number of indexed session ids for username. It may
// include records that expired but were not yet pruned.
func (s *Store) Count(ctx context.Context, username string) (int, error) {
	n, err := s.redis.SCard(ctx, s.userKey(username)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return int(n), nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}
