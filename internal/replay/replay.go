// Package replay records accepted one-time codes in Redis so the same code
// cannot be accepted twice inside its validity window.
package replay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable wraps Redis failures.
var ErrUnavailable = errors.New("replay ledger unavailable")

// Ledger is a Redis SET NX ledger of (subject, counter) pairs.
type Ledger struct {
	redis  redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewLedger creates a Ledger whose entries live for ttl. Keys are namespaced
// under prefix (default "atr").
func NewLedger(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Ledger {
	if prefix == "" {
		prefix = "atr"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Ledger{redis: rdb, prefix: prefix, ttl: ttl}
}

func (l *Ledger) key(subject string, counter uint64) string {
	return l.prefix + ":" + subject + ":" + strconv.FormatUint(counter, 10)
}

// Claim marks (subject, counter) as used. It returns false if the pair was
// already claimed.
func (l *Ledger) Claim(ctx context.Context, subject string, counter uint64) (bool, error) {
	ok, err := l.redis.SetNX(ctx, l.key(subject, counter), 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// Forget drops every claim of subject, including claims made under
// "<subject>:<device>" sub-subjects. Used when the subject's devices are reset.
func (l *Ledger) Forget(ctx context.Context, subject string) error {
	var cursor uint64
	base := l.prefix + ":" + subject + ":"
	pattern := escapeGlob(base) + "*"
	for {
		found, next, err := l.redis.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		keys := found[:0]
		for _, k := range found {
			// "<counter>" or "<device>:<counter>"; anything deeper belongs to
			// a subject that merely starts with this one.
			if strings.Count(strings.TrimPrefix(k, base), ":") <= 1 {
				keys = append(keys, k)
			}
		}
		if len(keys) > 0 {
			if err := l.redis.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrUnavailable, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the SCAN MATCH metacharacters of s.
func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
