package main

import (
	"context"
	"crypto/rsa"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/config"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/control"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/dispatch"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/gate"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/gateway"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/httpapi"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/middleware"
	mqttpkg "github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/mqtt"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/notify"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/observability"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/optimistic"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/poller"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/schedule"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/store"
)

func main() {
	cfg := config.Load()

	db, err := store.OpenPostgres(cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.DBName, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.SSLMode)
	if err != nil {
		slog.Error("db init failed", "error", err)
		os.Exit(1)
	}
	repo, err := store.New(db)
	if err != nil {
		slog.Error("db migrate failed", "error", err)
		os.Exit(1)
	}

	var attrCache *store.AttrCache
	var onlineCache *store.OnlineCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		attrCache = store.NewAttrCache(rdb)
		onlineCache = store.NewOnlineCache(rdb)
	}

	var notifier *notify.Publisher
	if cfg.MQTTBrokerURL != "" {
		mq, err := mqttpkg.New(cfg.MQTTBrokerURL)
		if err != nil {
			slog.Error("mqtt init failed", "error", err)
			os.Exit(1)
		}
		notifier = notify.NewPublisher(mq, cfg.NotifyTopic)
	}

	shutdownObs, promHandler, tracer := observability.Setup("greenhousectl")
	defer shutdownObs()

	registry := control.NewRegistry(control.DefaultControls())
	gw := gateway.New(cfg.PlatformBaseURL, cfg.PlatformToken, cfg.PlatformTimeout)
	admission := gate.New(gw, onlineCache, cfg.OnlineCacheTTL)
	dispatcher := dispatch.New(admission, gw, registry, repo, notifier)

	hub := optimistic.NewHub()
	manager := optimistic.NewManager(registry, optimistic.SystemClock, hub)

	targets := make([]poller.Target, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		targets = append(targets, poller.Target{GreenhouseID: d.GreenhouseID, DeviceID: d.DeviceID, Keys: registry.AttributeKeys()})
	}
	pol := poller.New(gw, manager, attrCache, targets, cfg.PollInterval, cfg.PollDebounce)
	pollCtx, stopPolling := context.WithCancel(context.Background())
	go pol.Run(pollCtx)

	sched := schedule.New(dispatcher, pol)
	for _, e := range cfg.Schedules {
		entry := schedule.Entry{Spec: e.Spec, GreenhouseID: e.GreenhouseID, DeviceID: e.DeviceID, Method: e.Method, Params: e.Params, TimeoutMS: e.TimeoutMS}
		if err := sched.Add(entry); err != nil {
			slog.Error("invalid schedule entry", "spec", e.Spec, "method", e.Method, "error", err)
			os.Exit(1)
		}
	}
	sched.Start()

	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pubKey, err = middleware.LoadRSAPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			slog.Error("jwt public key load failed", "path", cfg.JWTPublicKeyPath, "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("JWT_PUBLIC_KEY_PATH not set, command API is unauthenticated (dev mode)")
	}

	api := httpapi.NewServer(dispatcher, repo, manager, hub, registry, pol, attrCache)
	handler := api.Router(pubKey, promHandler, observability.Middleware(tracer, "greenhousectl"))

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
		}
	}()
	slog.Info("greenhousectl started", "port", cfg.Port, "devices", len(targets))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	sched.Stop()
	stopPolling()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	slog.Info("greenhousectl stopped")
}
