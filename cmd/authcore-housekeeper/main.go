// Command authcore-housekeeper runs the periodic maintenance of an authcore
// deployment: it purges expired sessions from the Redis allow-list and
// performs one-off administrative actions on accounts.
//
// Configuration comes from AUTHCORE_* environment variables, optionally
// loaded from a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/store"
	"github.com/MrEthical07/authcore/store/sqlite"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// options are the one-off actions selected on the command line. At most one
// action runs; with none the housekeeper purges on an interval.
type options struct {
	interval     time.Duration
	once         bool
	unlock       string
	resetTOTP    string
	listResets   bool
	approveReset string
	rejectReset  string
	admin        string
	notes        string
}

func main() {
	var opts options
	flag.DurationVar(&opts.interval, "interval", 5*time.Minute, "purge interval")
	flag.BoolVar(&opts.once, "once", false, "run a single purge and exit")
	flag.StringVar(&opts.unlock, "unlock", "", "clear the lockout of this username and exit")
	flag.StringVar(&opts.resetTOTP, "reset-totp", "", "remove every TOTP device of this username and exit")
	flag.BoolVar(&opts.listResets, "list-resets", false, "log pending TOTP reset requests and exit")
	flag.StringVar(&opts.approveReset, "approve-reset", "", "approve this TOTP reset request and exit")
	flag.StringVar(&opts.rejectReset, "reject-reset", "", "reject this TOTP reset request and exit")
	flag.StringVar(&opts.admin, "admin", os.Getenv("USER"), "administrator recorded on resolved reset requests")
	flag.StringVar(&opts.notes, "notes", "", "notes recorded on resolved reset requests")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, opts); err != nil {
		logger.Error("housekeeper stopped", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if os.Getenv("AUTHCORE_ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(logger *zap.Logger, opts options) error {
	cfg, err := configFromEnv()
	if err != nil {
		return err
	}

	db, err := sqlite.NewStore(envOr("AUTHCORE_SQLITE_DSN", "authcore.db"))
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	defer db.Close()
	if err := db.ApplyMigrations(); err != nil {
		return err
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{envOr("AUTHCORE_REDIS_ADDR", "localhost:6379")},
		Password: os.Getenv("AUTHCORE_REDIS_PASSWORD"),
	})
	defer rdb.Close()

	engine, err := authcore.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithCredentialStore(db.Credentials()).
		WithTOTPStore(db.TOTPSecrets()).
		WithTOTPResetStore(db.TOTPResetRequests()).
		WithLogger(logger).
		Build()
	if err != nil {
		if errors.Is(err, authcore.ErrWeakKey) {
			logger.Error("refusing to start with weak key material")
		}
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case opts.unlock != "":
		n, err := engine.Unlock(ctx, opts.unlock)
		if err != nil {
			return err
		}
		logger.Info("account unlocked", zap.String("username", opts.unlock), zap.Int("sessions_revoked", n))
		return nil
	case opts.resetTOTP != "":
		n, err := engine.ResetTOTP(ctx, opts.resetTOTP)
		if err != nil {
			return err
		}
		logger.Info("totp reset", zap.String("username", opts.resetTOTP), zap.Int("devices_removed", n))
		return nil
	case opts.listResets:
		reqs, err := engine.ListTOTPResetRequests(ctx, store.ResetPending)
		if err != nil {
			return err
		}
		for _, r := range reqs {
			logger.Info("pending totp reset",
				zap.String("request_id", r.ID),
				zap.String("username", r.Username),
				zap.String("email", r.Email),
				zap.Time("created_at", r.CreatedAt),
			)
		}
		logger.Info("pending totp resets listed", zap.Int("count", len(reqs)))
		return nil
	case opts.approveReset != "":
		n, err := engine.ApproveTOTPReset(ctx, opts.approveReset, opts.admin, opts.notes)
		if err != nil {
			return err
		}
		logger.Info("totp reset request approved", zap.String("request_id", opts.approveReset), zap.Int("devices_removed", n))
		return nil
	case opts.rejectReset != "":
		if err := engine.RejectTOTPReset(ctx, opts.rejectReset, opts.admin, opts.notes); err != nil {
			return err
		}
		logger.Info("totp reset request rejected", zap.String("request_id", opts.rejectReset))
		return nil
	}

	purge := func() {
		n, err := engine.PurgeExpiredSessions(ctx)
		if err != nil {
			logger.Warn("purge failed", zap.Error(err))
			return
		}
		logger.Info("purged expired sessions", zap.Int("count", n))
	}

	purge()
	if opts.once {
		return nil
	}

	ticker := time.NewTicker(opts.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			purge()
		}
	}
}

func configFromEnv() (authcore.Config, error) {
	cfg := authcore.DefaultConfig()

	key, err := authcore.ParseSigningKey(os.Getenv("AUTHCORE_SIGNING_KEY"))
	if err != nil {
		return cfg, err
	}
	cfg.JWT.SigningKey = key
	cfg.JWT.Issuer = envOr("AUTHCORE_ISSUER", cfg.JWT.Issuer)
	cfg.TOTP.Issuer = envOr("AUTHCORE_TOTP_ISSUER", cfg.TOTP.Issuer)
	cfg.Encryption.TokenPassphrase = os.Getenv("AUTHCORE_TOKEN_PASSPHRASE")
	cfg.Encryption.SecretPassphrase = os.Getenv("AUTHCORE_SECRET_PASSPHRASE")
	cfg.Session.RedisPrefix = envOr("AUTHCORE_SESSION_PREFIX", cfg.Session.RedisPrefix)

	if v := os.Getenv("AUTHCORE_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("AUTHCORE_ACCESS_TTL: %w", err)
		}
		cfg.JWT.AccessTTL = d
	}
	if v := os.Getenv("AUTHCORE_REFRESH_SURPLUS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("AUTHCORE_REFRESH_SURPLUS: %w", err)
		}
		cfg.JWT.RefreshSurplus = n
	}
	if v := os.Getenv("AUTHCORE_LOCKOUT_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("AUTHCORE_LOCKOUT_THRESHOLD: %w", err)
		}
		cfg.Lockout.Threshold = n
	}
	if v := os.Getenv("AUTHCORE_LOCKOUT_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("AUTHCORE_LOCKOUT_WINDOW: %w", err)
		}
		cfg.Lockout.FailureWindow = d
	}

	return cfg, cfg.Validate()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
