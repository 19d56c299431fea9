package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"voice-gateway/internal/audit"
	"voice-gateway/internal/auth"
	"voice-gateway/internal/cache"
	"voice-gateway/internal/calls"
	"voice-gateway/internal/config"
	"voice-gateway/internal/httpapi"
	"voice-gateway/internal/metrics"
	"voice-gateway/internal/reaper"
	"voice-gateway/internal/sessions"
	"voice-gateway/internal/signaling"
	"voice-gateway/internal/telephony"
	"voice-gateway/pkg/logger"
	"voice-gateway/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("gateway stopped with error", "err", err)
		os.Exit(1)
	}
}

func run(rootCtx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}

	db, err := utils.OpenPostgres(rootCtx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxConns: int32(cfg.DB.MaxConns)})
	if err != nil {
		return err
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := calls.NewPostgresStore(db)
	if err := store.EnsureSchema(rootCtx); err != nil {
		return err
	}
	hotCache := cache.NewRedisCache(rdb)

	registry := calls.NewRegistry(store, hotCache, calls.RegistryConfig{
		CallTTL:     cfg.Cache.CallTTL,
		TerminalTTL: cfg.Cache.TerminalTTL,
	}, log)
	tracker := sessions.NewTracker(registry, hotCache, cfg.Cache.SessionTTL, log)

	hub := signaling.NewHub(signaling.HubConfig{
		AllowedOrigins: cfg.Signaling.AllowedOrigins,
		MessageRate:    rate.Limit(cfg.Signaling.MessageRate),
		MessageBurst:   cfg.Signaling.MessageBurst,
	}, log)
	relay := signaling.NewRelay(registry, tracker, hub, log)
	hub.Bind(relay)

	trail := audit.NewService(audit.NewPostgresRepo(db), cfg.Audit.Buffer, log)
	registry.Subscribe(trail.ObserveCall)
	tracker.Subscribe(trail.ObserveSession)
	relay.Subscribe(trail.ObserveConnection)
	// Calls ended over HTTP still drop their signaling connections.
	registry.Subscribe(relay.ObserveCall)

	var (
		stack       *telephony.SIPStack
		coordinator *telephony.Coordinator
		control     httpapi.CallControl
	)
	if cfg.SIP.Enabled {
		stack, err = telephony.NewSIPStack(telephony.SIPConfig{
			ListenHost:   cfg.SIP.ListenHost,
			ListenPort:   cfg.SIP.ListenPort,
			Transport:    cfg.SIP.Transport,
			ExternalHost: cfg.SIP.ExternalHost,
			UserAgent:    cfg.SIP.UserAgent,
			TrunkHost:    cfg.SIP.TrunkHost,
			RingTimeout:  cfg.SIP.RingTimeout,
		}, log)
		if err != nil {
			return err
		}
		coordinator = telephony.NewCoordinator(registry, stack, log)
		if cfg.SIP.MaxConcurrentCalls > 0 {
			coordinator.WithAdmission(telephony.NewRedisAdmission(rdb, "", cfg.SIP.MaxConcurrentCalls, 0))
		}
		stack.Bind(coordinator)
		coordinator.Subscribe(trail.ObserveHandle)
		// Calls ended over HTTP still get their SIP leg torn down.
		registry.Subscribe(coordinator.ObserveCall)
		control = coordinator
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promReg, metrics.Sources{
		ActiveCalls:          func() int { return len(registry.ListActive()) },
		SignalingConnections: func() int { return len(relay.Connections()) },
		ActiveSessions:       func() int { return len(tracker.ListActive()) },
		OpenSockets:          hub.ConnectionCount,
		SIPLegs:              sipLegs(coordinator),
	})
	if err != nil {
		return err
	}
	registry.Subscribe(m.ObserveCall)

	sweeper := reaper.New(cfg.Reaper.Interval, log)
	if coordinator != nil {
		sweeper.Register(coordinator, cfg.Reaper.SIPMaxAge)
	}
	sweeper.Register(relay, cfg.Reaper.ConnectionIdle)
	sweeper.Register(tracker, cfg.Reaper.SessionIdle)
	sweeper.ClearOnShutdown(registry)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/metrics"))

	registerRoutes(r, httpapi.Handlers{
		Calls:     registry,
		Sessions:  tracker,
		SIP:       control,
		WS:        hub,
		Signaling: relay,
		Tokens:    authManager,
		Metrics:   m,
	}, auth.RequireAccessToken(authManager), metrics.Handler(promReg))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if stack != nil {
		g.Go(func() error { return stack.Serve(ctx) })
	}
	g.Go(func() error { return sweeper.Run(ctx) })

	auditCtx, stopAudit := context.WithCancel(context.Background())
	auditDone := make(chan struct{})
	go func() {
		defer close(auditDone)
		_ = trail.Run(auditCtx)
	}()

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		sweeper.Shutdown(shutdownCtx)
		if coordinator != nil {
			coordinator.Stop(shutdownCtx)
		}
		if stack != nil {
			stack.Close()
		}
		hub.Close()

		// The audit sink outlives the components that feed it.
		stopAudit()
		<-auditDone
		log.Info("shutdown complete", "audit_dropped", trail.Dropped())
		return nil
	})

	return g.Wait()
}

func sipLegs(c *telephony.Coordinator) func() int {
	if c == nil {
		return nil
	}
	return func() int { return len(c.Handles()) }
}
