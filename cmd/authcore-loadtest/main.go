// Command authcore-loadtest measures ValidateAccess and Refresh latency of a
// full engine against Redis (or an embedded miniredis) and a temporary
// SQLite credential store.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/store/sqlite"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const loadPassword = "load-test-password"

type userState struct {
	username string
	pair     authcore.TokenPair
	mu       sync.Mutex
}

func main() {
	var (
		users       = flag.Int("users", 200, "number of accounts to seed, one session each")
		concurrency = flag.Int("concurrency", 32, "number of concurrent workers")
		ops         = flag.Int("ops", 2000, "operations per phase (validate + refresh)")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "aslt", "session key prefix")
	)
	flag.Parse()

	if *users <= 0 || *concurrency <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "users, concurrency, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", mr.Addr())
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	dir, err := os.MkdirTemp("", "authcore-loadtest")
	if err != nil {
		fmt.Fprintf(os.Stderr, "temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	db, err := sqlite.NewStore(filepath.Join(dir, "auth.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open sqlite: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.ApplyMigrations(); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	engine, err := authcore.New().
		WithConfig(loadConfig(*prefix)).
		WithRedis(client).
		WithCredentialStore(db.Credentials()).
		WithTOTPStore(db.TOTPSecrets()).
		WithLogger(zap.NewNop()).
		Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build engine: %v\n", err)
		os.Exit(1)
	}

	states := make([]userState, *users)
	fmt.Printf("seeding %d accounts...\n", *users)
	startSeed := time.Now()
	hash, err := engine.HashPassword(loadPassword)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hash: %v\n", err)
		os.Exit(1)
	}
	for i := range states {
		username := fmt.Sprintf("user-%d", i)
		err := db.Credentials().CreateCredential(ctx, store.Credential{
			UserID:       fmt.Sprintf("uid-%d", i),
			Username:     username,
			Email:        username + "@load.test",
			PasswordHash: hash,
			Roles:        []store.Role{{Name: "USER", Permissions: []string{"read"}}},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed credential: %v\n", err)
			os.Exit(1)
		}
		pair, err := engine.Authenticate(ctx, authcore.LoginRequest{Username: username, Password: loadPassword})
		if err != nil {
			fmt.Fprintf(os.Stderr, "seed login: %v\n", err)
			os.Exit(1)
		}
		states[i] = userState{username: username, pair: pair}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	validateStats := runPhase(*ops, *concurrency, 7919, func(r *mrand.Rand) error {
		st := &states[r.Intn(len(states))]
		st.mu.Lock()
		token := st.pair.AccessToken
		st.mu.Unlock()
		_, err := engine.ValidateAccess(ctx, token)
		return err
	})
	refreshStats := runPhase(*ops, *concurrency, 6151, func(r *mrand.Rand) error {
		st := &states[r.Intn(len(states))]
		st.mu.Lock()
		defer st.mu.Unlock()
		next, err := engine.Refresh(ctx, st.pair.RefreshToken)
		if err == nil {
			st.pair = next
		}
		return err
	})

	fmt.Println("---- results ----")
	printStats("validate", validateStats)
	printStats("refresh", refreshStats)
}

// loadConfig uses the cheapest accepted password cost; the phases measure
// token handling, not Argon2id.
func loadConfig(prefix string) authcore.Config {
	cfg := authcore.DefaultConfig()
	cfg.JWT.SigningKey = randomBytes(64)
	cfg.Encryption.TokenPassphrase = hex.EncodeToString(randomBytes(16))
	cfg.Encryption.SecretPassphrase = hex.EncodeToString(randomBytes(16))
	cfg.Session.RedisPrefix = prefix
	cfg.Session.PurgeOnLogin = false
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Password.UpgradeOnLogin = false
	cfg.Metrics.EnableLatencyHistograms = true
	return cfg
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func runPhase(ops, concurrency int, seed int64, op func(r *mrand.Rand) error) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r := mrand.New(mrand.NewSource(time.Now().UnixNano() + int64(worker)*seed))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				err := op(r)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
