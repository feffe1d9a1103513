// README: Entry point; loads config, wires stores, brokers and the dispatch engine, serves HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"rideflow/internal/clock"
	"rideflow/internal/config"
	httptransport "rideflow/internal/http"
	"rideflow/internal/infra"
	"rideflow/internal/modules/booking"
	"rideflow/internal/modules/dispatch"
	"rideflow/internal/modules/driver"
	"rideflow/internal/modules/notify"
	"rideflow/internal/modules/policy"
	"rideflow/internal/modules/ride"
	"rideflow/internal/types"
)

func main() {
	configPath := flag.String("config", "", "optional config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	logger, err := infra.NewLogger(infra.LogOptions{
		Dir:        cfg.Log.Dir,
		FileName:   cfg.Log.File,
		Debug:      cfg.Log.Debug,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		log.Fatalf("logger init: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("dispatch-api stopped", zap.Error(err))
	}
	logger.Info("dispatch-api stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clk := clock.Real{}

	var (
		bookingStore booking.Store   = booking.NewMemoryStore()
		policyStore  policy.Store    = policy.NewMemoryStore()
		registry     driver.Registry = driver.NewMemoryRegistry()
		audit        dispatch.AuditLog
		tokens       notify.TokenStore
		rdb          *redis.Client
	)

	if cfg.Storage.Backend == config.StoragePostgres {
		db, err := infra.NewDB(ctx, cfg.DB.DSN, infra.DBOptions{MaxConns: cfg.DB.MaxConns, MinConns: cfg.DB.MinConns})
		if err != nil {
			return err
		}
		defer db.Close()
		if err := infra.Migrate(ctx, db); err != nil {
			return err
		}
		bookingStore = booking.NewPGStore(db)
		policyStore = policy.NewPGStore(db)
	}

	if cfg.Redis.Addr != "" {
		client, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer client.Close()
		rdb = client
		registry = driver.NewRedisRegistry(rdb)
		audit = dispatch.NewRedisAuditLog(rdb)
		tokens = notify.NewRedisTokenStore(rdb)
	}

	var verifier infra.TokenVerifier = infra.DevVerifier{}
	var fb *infra.Firebase
	if cfg.Firebase.ProjectID != "" {
		app, err := infra.NewFirebase(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
		fb = app
		verifier = fb.Verifier
	} else {
		logger.Warn("firebase disabled, accepting insecure dev tokens")
	}

	var mq *infra.RabbitMQ
	if cfg.RabbitMQ.URL != "" {
		conn, err := infra.NewRabbitMQ(ctx, cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := conn.DeclareTopology(); err != nil {
			return err
		}
		mq = conn
	}

	hub := notify.NewHub(hubAuth(verifier), logger)
	defer hub.Close()

	sinks := notify.Multi{}
	for _, name := range cfg.Notify.Sinks {
		switch name {
		case config.SinkLog:
			sinks = append(sinks, notify.NewLogDelivery(logger))
		case config.SinkWebSocket:
			sinks = append(sinks, hub)
		case config.SinkFCM:
			if tokens == nil {
				return errors.New("the fcm sink needs redis for device tokens")
			}
			sinks = append(sinks, notify.NewFCMDelivery(fb.Messaging, tokens, logger))
		case config.SinkAMQP:
			sinks = append(sinks, notify.NewAMQPDelivery(mq, infra.EventsExchange))
		}
	}
	notifier := notify.NewDispatcher(sinks, notify.Options{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		SendTimeout: cfg.Notify.SendTimeout,
	}, logger)
	notifier.Start(ctx)
	defer notifier.Close()

	policies := policy.NewService(policyStore, logger)
	if err := policies.Seed(ctx, cfg.Policy); err != nil {
		return err
	}

	bookings := booking.NewService(bookingStore, clk, logger)
	drivers := driver.NewService(registry, clk, logger)
	scheduler := dispatch.NewScheduler(bookings, drivers, policies, notifier, audit, clk, logger)
	defer scheduler.Shutdown()
	rides := ride.NewService(bookings, drivers, policies, scheduler, notifier, clk, logger)

	resumed, err := scheduler.ResumePending(ctx)
	if err != nil {
		return err
	}
	logger.Info("dispatch resumed", zap.Int("bookings", resumed))

	responses := ride.NewResponseConsumer(rides, logger)
	hub.SetInboundHandler(responses.HandleFrame)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Rides:    rides,
		Drivers:  drivers,
		Policies: policies,
		Tokens:   tokens,
		Hub:      hub,
		Verifier: verifier,
		Clock:    clk,
		Log:      logger,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: router}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if mq != nil {
		g.Go(func() error {
			err := responses.Run(gctx, mq, infra.DriverResponseQueue)
			if gctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// hubAuth adapts the HTTP token verifier to the websocket handshake. A token
// without a role claim belongs to a passenger.
func hubAuth(v infra.TokenVerifier) notify.AuthFunc {
	return func(ctx context.Context, token string) (types.ID, string, error) {
		tok, err := v.VerifyIDToken(ctx, token)
		if err != nil {
			return "", "", err
		}
		role := tok.Role()
		if role == "" {
			role = "passenger"
		}
		return types.ID(tok.UID), role, nil
	}
}
