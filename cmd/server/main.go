package main // Entry point package

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/cineverse-seat-lock/internal/config"
	"github.com/iliyamo/cineverse-seat-lock/internal/database"
	"github.com/iliyamo/cineverse-seat-lock/internal/handler"
	"github.com/iliyamo/cineverse-seat-lock/internal/hub"
	"github.com/iliyamo/cineverse-seat-lock/internal/locktable"
	"github.com/iliyamo/cineverse-seat-lock/internal/logger"
	"github.com/iliyamo/cineverse-seat-lock/internal/middleware"
	"github.com/iliyamo/cineverse-seat-lock/internal/queue"
	"github.com/iliyamo/cineverse-seat-lock/internal/repository"
	"github.com/iliyamo/cineverse-seat-lock/internal/reservation"
	"github.com/iliyamo/cineverse-seat-lock/internal/router"
	"github.com/iliyamo/cineverse-seat-lock/internal/telemetry"
)

func main() {
	_ = godotenv.Load() // a missing .env is fine
	cfg := config.Load()

	log := logger.Must(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	tel, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:       cfg.Telemetry.Enabled,
		ServiceName:   cfg.Telemetry.ServiceName,
		Environment:   cfg.Env,
		CollectorAddr: cfg.Telemetry.CollectorAddr,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(sctx)
	}()

	// Keep rdb a nil interface, not a nil *redis.Client, when Redis is down.
	var rdb redis.UniversalClient
	if c := config.NewRedisClient(); c != nil {
		rdb = c
		defer func() { _ = c.Close() }()
	} else {
		log.Warn("redis unavailable; cache, rate limiting and the realtime bridge are off")
	}

	locks, err := openLockTable(ctx, cfg.Lock, rdb, log)
	if err != nil {
		return err
	}
	inv, err := openInventory(ctx, cfg, log)
	if err != nil {
		return err
	}

	h := hub.New(hub.WithBuffer(cfg.Realtime.SubscriberBuffer), hub.WithLogger(log.Named("hub")))
	var pub hub.Publisher = h
	var bridge *hub.RedisBridge
	if cfg.Realtime.RedisBridge && rdb != nil {
		bridge = hub.NewRedisBridge(rdb, h, cfg.Realtime.ChannelPrefix, log.Named("bridge"))
		pub = bridge
	}

	opts := []reservation.Option{
		reservation.WithLogger(log.Named("reservation")),
		reservation.WithPolicy(reservation.Policy{
			DefaultTTL: cfg.Lock.DefaultTTL,
			MinTTL:     cfg.Lock.MinTTL,
			MaxTTL:     cfg.Lock.MaxTTL,
			MaxSeats:   cfg.Lock.MaxSeats,
			CommitHold: cfg.Lock.CommitHold,
		}),
		reservation.WithPublisher(pub),
	}
	// NewHMACVerifier returns a nil pointer for an empty secret; only pass it
	// when set so the interface stays nil.
	if v := reservation.NewHMACVerifier(cfg.Payment.SignatureSecret); v != nil {
		opts = append(opts, reservation.WithSignatureVerifier(v))
	}
	var notifier *queue.Publisher
	if cfg.Notify.Enabled {
		notifier = queue.NewPublisher(cfg.Notify.URL, cfg.Notify.Queue, log.Named("notify"))
		defer func() { _ = notifier.Close() }()
		opts = append(opts, reservation.WithNotifier(notifier))
	}
	svc := reservation.NewService(locks, inv, opts...)

	sweeper := reservation.NewSweeper(svc, &reservation.SweeperConfig{
		Interval:  cfg.Lock.SweepInterval,
		BatchSize: cfg.Lock.SweepBatch,
	}, log.Named("sweeper"))
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log.Named("http")))

	limiter := middleware.NewRateLimiter(config.LoadRateLimitConfig(), rdb, log.Named("ratelimit"))
	cache := middleware.NewRedisCache(config.LoadCacheConfig(), rdb, log.Named("cache"))

	router.RegisterRoutes(e, rdb)
	router.RegisterPublic(e, handler.NewShowtimeHandler(svc),
		handler.NewRealtimeHandler(svc, h, cfg.Realtime.Heartbeat, cfg.Realtime.WriteTimeout, log.Named("realtime")),
		cache)
	router.RegisterLocks(e, handler.NewLockHandler(svc), cfg.JWTSecret, limiter.Middleware())
	router.RegisterBookings(e, handler.NewBookingHandler(svc), cfg.JWTSecret)

	g, gctx := errgroup.WithContext(ctx)
	if bridge != nil {
		g.Go(func() error {
			bridge.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.Info("listening",
			zap.String("addr", addr),
			zap.String("env", cfg.Env),
			zap.String("locks", cfg.Lock.Backend),
			zap.String("inventory", cfg.InventoryBackend))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		// viewers get a going-away close before the server stops
		h.Close()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := e.Shutdown(sctx)
		svc.Wait()
		return err
	})
	return g.Wait()
}

func openLockTable(ctx context.Context, cfg config.LockConfig, rdb redis.UniversalClient, log *zap.Logger) (locktable.Table, error) {
	if cfg.Backend == "memory" {
		log.Info("seat locks kept in memory")
		return locktable.NewMemory(locktable.WithRetention(cfg.RetainExpired)), nil
	}
	if rdb == nil {
		return nil, errors.New("SEAT_LOCK_BACKEND=redis but redis is unreachable")
	}
	t := locktable.NewRedis(rdb, cfg.Prefix, locktable.WithRedisRetention(cfg.RetainExpired))
	if err := t.LoadScripts(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func openInventory(ctx context.Context, cfg config.Config, log *zap.Logger) (reservation.Inventory, error) {
	if cfg.InventoryBackend == "memory" {
		inv := repository.NewMemoryInventory()
		st, seats := repository.DemoShowtime(time.Now())
		if err := inv.UpsertShowtime(ctx, st, seats); err != nil {
			return nil, err
		}
		log.Info("demo inventory seeded", zap.String("showtime_id", st.ID), zap.Int("seats", len(seats)))
		return inv, nil
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, err
	}
	if err := database.EnsureSchema(ctx, db); err != nil {
		return nil, err
	}
	return repository.NewMySQLInventory(db), nil
}
