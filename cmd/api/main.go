package main

import (
    "context"
    "errors"
    "fmt"
    "log/slog"
    "net/http"
    "os"
    "os/signal"
    "syscall"
    "time"

    "lastmile/internal/adapters"
    "lastmile/internal/api"
    "lastmile/internal/config"
    "lastmile/internal/conversation"
    "lastmile/internal/events"
    "lastmile/internal/ledger"
    "lastmile/internal/lock"
    "lastmile/internal/metrics"
    "lastmile/internal/orchestrator"
    "lastmile/internal/store"
    "lastmile/internal/telemetry"
)

func main() {
    cfg, err := config.Load()
    if err != nil {
        fmt.Fprintf(os.Stderr, "config: %v\n", err)
        os.Exit(1)
    }
    logger := cfg.Logger(os.Stdout)
    slog.SetDefault(logger)

    ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
    defer stop()

    if err := run(ctx, cfg, logger); err != nil {
        logger.Error("server stopped", slog.Any("err", err))
        os.Exit(1)
    }
}

// backends are the systems of record plus the core's own persistence.
type backends struct {
    store    store.Store
    oms      adapters.OMS
    dispatch adapters.Dispatch
    seed     adapters.Loader
    ready    []api.Pinger
    close    func() error
}

// openBackends uses the in-memory store and adapters when no DATABASE_URL is set.
func openBackends(ctx context.Context, cfg config.Config, logger *slog.Logger) (*backends, error) {
    if cfg.DatabaseURL == "" {
        logger.Info("using in-memory store and adapters")
        mem := adapters.NewMemory()
        return &backends{store: store.NewMemory(), oms: mem, dispatch: mem, seed: mem, close: func() error { return nil }}, nil
    }
    db, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
    if err != nil {
        return nil, err
    }
    if cfg.DBMigrate {
        if err := db.Migrate(ctx); err != nil {
            _ = db.Close()
            return nil, fmt.Errorf("migrate: %w", err)
        }
    }
    st := store.NewSQL(db)
    sa := adapters.NewSQL(db)
    logger.Info("using sql store", slog.String("driver", db.Driver))
    return &backends{store: st, oms: sa, dispatch: sa, seed: sa, ready: []api.Pinger{st}, close: st.Close}, nil
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
    metrics.RegisterDefault()

    shutdownTracing, err := telemetry.Setup(ctx, "lastmile", cfg.OTelEndpoint)
    if err != nil {
        return fmt.Errorf("telemetry: %w", err)
    }
    defer func() { _ = shutdownTracing(context.Background()) }()

    be, err := openBackends(ctx, cfg, logger)
    if err != nil {
        return err
    }
    defer func() { _ = be.close() }()

    if cfg.SeedFile != "" {
        n, err := adapters.LoadSeedFile(ctx, cfg.SeedFile, be.seed, time.Now())
        if err != nil {
            return fmt.Errorf("seed: %w", err)
        }
        logger.Info("seed loaded", slog.String("file", cfg.SeedFile), slog.Int("shipments", n))
    }

    // Event sinks
    var (
        pubs []events.Publisher
        sub  events.Subscriber
    )
    if cfg.RedisURL != "" {
        rb, err := events.NewRedisBroker(cfg.RedisURL)
        if err != nil {
            return fmt.Errorf("redis broker: %w", err)
        }
        defer func() { _ = rb.Close() }()
        pubs, sub = append(pubs, rb), rb
        be.ready = append(be.ready, rb)
    } else {
        b := events.NewBroker()
        pubs, sub = append(pubs, b), b
    }
    if cfg.AMQPURL != "" {
        ap, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, cfg.EventSigningSecret, logger)
        if err != nil {
            return fmt.Errorf("amqp: %w", err)
        }
        defer func() { _ = ap.Close() }()
        pubs = append(pubs, ap)
    }
    if cfg.WebhookURL != "" {
        wh := events.NewWebhook(cfg.WebhookURL, cfg.EventSigningSecret, cfg.WebhookMaxAttempts, logger)
        wh.Start()
        defer wh.Stop()
        pubs = append(pubs, wh)
    }
    publisher := events.BestEffort{Next: events.Multi(pubs), Log: logger}

    // Locks
    var shipmentLocks, convLocks lock.Locker
    switch cfg.ShipmentLock {
    case "memory":
        shipmentLocks = lock.NewKeyed()
    case "redis":
        rl, err := lock.NewRedisFromURL(cfg.RedisURL, cfg.LockTTL)
        if err != nil {
            return fmt.Errorf("redis lock: %w", err)
        }
        shipmentLocks, convLocks = rl, rl
    }

    l := ledger.New(be.store)
    orch := orchestrator.New(be.oms, be.dispatch, be.store, l, logger)
    orch.CallTimeout = cfg.AdapterCallTimeout
    orch.Trust = orchestrator.Trust{Method: cfg.TrustMethod, Confidence: cfg.TrustConfidence}
    orch.Locks = shipmentLocks
    orch.Events = publisher

    convs := conversation.NewService(be.store, convLocks, logger)
    convs.Events = publisher
    sweeper := conversation.NewSweeper(convs, cfg.ConversationTimeout, cfg.ConversationSweepInterval)
    sweeper.Start()
    defer sweeper.Shutdown()

    srv := api.NewServer(cfg, api.Deps{
        Orchestrator:  orch,
        Conversations: convs,
        Ledger:        l,
        Policies:      be.store,
        Events:        sub,
        Ready:         be.ready,
    }, logger)

    httpSrv := &http.Server{
        Addr:              ":" + cfg.Port,
        Handler:           srv.Handler(),
        ReadHeaderTimeout: 5 * time.Second,
    }
    errCh := make(chan error, 1)
    go func() {
        logger.Info("API listening", slog.String("addr", httpSrv.Addr))
        if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            errCh <- err
        }
        close(errCh)
    }()

    select {
    case err := <-errCh:
        return err
    case <-ctx.Done():
    }
    logger.Info("shutting down")
    sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
    defer cancel()
    return httpSrv.Shutdown(sctx)
}
