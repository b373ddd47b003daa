// Package bootstrap assembles the chat runtime from file configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"repairhub/internal/ratelimit"
	"repairhub/internal/usertoken"
	"repairhub/internal/util"
	"repairhub/pkg/ledger"
	"repairhub/pkg/queue"
	"repairhub/pkg/storage"
	"repairhub/pkg/store"
	"repairhub/services/chat/internal/app"
	"repairhub/services/chat/internal/config"
)

// Runtime holds the wired components. Optional parts are nil when not
// configured.
type Runtime struct {
	App      *app.App
	Ledger   *ledger.Ledger
	Verifier *usertoken.Verifier
	Replay   *queue.RedisReplayQueue
	Limiter  *ratelimit.FixedWindowLimiter

	closers []func() error
}

// Build connects the stores, replay queue, dispatcher and model provider.
func Build(ctx context.Context, cfg config.FileConfig) (*Runtime, error) {
	rt := &Runtime{}
	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	local, err := store.NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		return fail(fmt.Errorf("init local store: %w", err))
	}
	rt.closers = append(rt.closers, local.Close)

	var remote store.Store
	if dsn := strings.TrimSpace(cfg.DatabaseURL); dsn != "" {
		var opts []store.GormStoreOption
		if cfg.MinioEndpoint != "" {
			objects, err := storage.NewMinioStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
			if err != nil {
				return fail(fmt.Errorf("init object store: %w", err))
			}
			opts = append(opts, store.WithObjectStore(objects))
		}
		gormStore, err := store.NewGormStore(dsn, opts...)
		if err != nil {
			return fail(fmt.Errorf("init remote store: %w", err))
		}
		rt.closers = append(rt.closers, gormStore.Close)
		remote = gormStore
	}

	var replay ledger.Replayer
	if remote != nil && strings.TrimSpace(cfg.RedisAddr) != "" {
		q, err := queue.NewRedisReplayQueue(queue.RedisQueueConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			return fail(fmt.Errorf("init replay queue: %w", err))
		}
		rt.closers = append(rt.closers, q.Close)
		rt.Replay = q
		replay = q
	}

	remoteTimeout, err := config.ParseDuration("remoteTimeout", cfg.RemoteTimeout)
	if err != nil {
		return fail(err)
	}
	rt.Ledger, err = ledger.New(ledger.Config{
		Local:             local,
		Remote:            remote,
		Replay:            replay,
		PreferRemoteReads: cfg.PreferRemoteReads,
		RemoteTimeout:     remoteTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("init ledger: %w", err))
	}

	var dispatch app.Dispatcher
	if url := strings.TrimSpace(cfg.AMQPURL); url != "" {
		pub, err := queue.NewAMQPPublisher(queue.AMQPConfig{URL: url, Exchange: cfg.AMQPExchange})
		if err != nil {
			// bookings still succeed without dispatch
			util.Logger().Warn("dispatch publisher unavailable", "err", err)
		} else {
			rt.closers = append(rt.closers, pub.Close)
			dispatch = pub
		}
	}

	oracleCfg, err := cfg.OracleConfig()
	if err != nil {
		return fail(err)
	}
	policy, err := cfg.BookingPolicy()
	if err != nil {
		return fail(err)
	}
	gen, err := app.NewGenerator(ctx, cfg.GeneratorConfig())
	if err != nil {
		return fail(err)
	}
	appCfg := app.Config{
		Ledger:     rt.Ledger,
		Generator:  gen,
		Oracle:     oracleCfg,
		Booking:    policy,
		Dispatcher: dispatch,
	}
	if gen == nil {
		appCfg.Model = app.GeneratorConfig{Provider: "none"}
	}
	rt.App, err = app.New(appCfg)
	if err != nil {
		return fail(fmt.Errorf("init app: %w", err))
	}

	if cfg.SendRateLimitPerMinute > 0 {
		rt.Limiter, err = ratelimit.NewRedisFixedWindowLimiter(ratelimit.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   "repairhub:send",
			Limit:    cfg.SendRateLimitPerMinute,
			Window:   time.Minute,
			FailOpen: true,
		})
		if err != nil {
			return fail(fmt.Errorf("init send limiter: %w", err))
		}
		rt.closers = append(rt.closers, rt.Limiter.Close)
	}

	leeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		return fail(err)
	}
	rt.Verifier, err = usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		Leeway:   leeway,
	})
	if err != nil {
		return fail(fmt.Errorf("init token verifier: %w", err))
	}
	return rt, nil
}

// Close ends open sessions and releases connections in reverse order.
func (rt *Runtime) Close() error {
	if rt.App != nil {
		rt.App.Shutdown()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	return errors.Join(errs...)
}
