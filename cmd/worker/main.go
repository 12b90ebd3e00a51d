package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/breaker"
	"alarm-dispatcher/internal/channels"
	"alarm-dispatcher/internal/config"
	"alarm-dispatcher/internal/consumer"
	"alarm-dispatcher/internal/db"
	"alarm-dispatcher/internal/dlq"
	"alarm-dispatcher/internal/gate"
	"alarm-dispatcher/internal/listener"
	"alarm-dispatcher/internal/modempool"
	"alarm-dispatcher/internal/observability"
	"alarm-dispatcher/internal/processor"
	"alarm-dispatcher/internal/queue"
	"alarm-dispatcher/internal/rate"
	"alarm-dispatcher/internal/registry"
	"alarm-dispatcher/internal/state"
	"alarm-dispatcher/internal/templates"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	logger := observability.GetLoggerFromEnv()
	defer logger.Sync()

	logger.Info("starting alarm dispatcher worker",
		zap.String("log_level", cfg.LogLevel))

	metrics := observability.NewMetrics()

	shutdownOTel, err := observability.SetupOpenTelemetry("alarm-dispatcher-worker", logger)
	if err != nil {
		logger.Warn("OpenTelemetry setup failed", zap.Error(err))
	} else {
		defer shutdownOTel()
	}

	ctx := context.Background()

	postgres := mustPostgres(ctx, cfg, logger)
	defer postgres.Close()
	postgres.OnRecreate(func() { metrics.PoolRecreationsTotal.Inc() })

	redis := mustRedis(ctx, cfg, logger)
	defer redis.Close()

	q := mustQueue(cfg, logger)
	defer q.Close()
	if err := q.EnsureStream(); err != nil {
		logger.Fatal("failed to ensure event stream", zap.Error(err))
	}

	// Stores and shared state.
	store := alarms.NewStore(postgres, logger)
	dlqStore := dlq.NewStore(postgres, logger)
	modemStore := modempool.NewStore(postgres, logger)
	breakerStore := breaker.NewStore(postgres, logger)

	stateMgr := state.NewManager(postgres, logger)
	if err := stateMgr.Load(ctx); err != nil {
		logger.Fatal("failed to load system state", zap.Error(err))
	}
	stateMgr.Run(ctx, cfg.StateReloadInterval)

	reg := registry.New(postgres, logger, cfg.HeartbeatInterval)
	if err := reg.Register(ctx); err != nil {
		logger.Fatal("failed to register worker", zap.Error(err))
	}

	// Gating stack.
	limiter := rate.NewLimiter(redis, logger, cfg.RateLimitPerMinute, cfg.DeviceRateWindow, cfg.RateLimitingEnabled)
	limiter.OnError(func() { metrics.LimiterErrorsTotal.Inc() })
	g := gate.New(redis, limiter, logger, cfg.CriticalCategories)

	breakers := breaker.NewSet(alarms.AllChannels(), cfg.BreakerThreshold, cfg.BreakerCooldown, logger)
	breakers.OnStateChange(func(ch alarms.Channel, st gobreaker.State) {
		metrics.BreakerState.WithLabelValues(string(ch)).Set(breakerGaugeValue(st))
		bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		breakerStore.Record(bctx, reg.WorkerID(), ch, st.String())
	})
	for _, ch := range alarms.AllChannels() {
		breakerStore.Record(ctx, reg.WorkerID(), ch, gobreaker.StateClosed.String())
	}

	renderer := templates.NewRenderer(postgres, logger)

	// Modem pool and channel adapters.
	pool := modempool.NewPool(modemStore, cfg.SMSTimeout, logger)
	pool.OnExhausted = func() { metrics.ModemsExhaustedTotal.Inc() }
	prober := modempool.NewProber(pool, modemStore, cfg.ModemProbeInterval, cfg.ModemProbeTimeout, logger)
	prober.Start(ctx)

	adapters := buildAdapters(cfg, pool, store, logger)

	proc := processor.New(store, dlqStore, stateMgr, g, breakers, renderer, adapters, metrics, logger, processor.Config{
		DedupWindow:   cfg.DedupWindow,
		MaxDeliveries: cfg.MaxDeliveries,
		PushEnabled:   cfg.PushEnabled,
	})

	reproc := dlq.NewReprocessor(dlqStore, proc, q, metrics, logger, dlq.ReprocessorConfig{
		Interval:    cfg.DLQInterval,
		BatchSize:   cfg.DLQBatchSize,
		MaxAttempts: cfg.DLQMaxAttempts,
		WorkerID:    reg.WorkerID(),
	})
	if err := reproc.Start(ctx); err != nil {
		logger.Fatal("failed to start DLQ reprocessor", zap.Error(err))
	}

	resetSub, err := q.SubscribeBreakerReset(func(cmd *queue.BreakerResetCommand) {
		if breakers.Reset(alarms.Channel(cmd.Channel)) {
			metrics.BreakerState.WithLabelValues(cmd.Channel).Set(0)
			bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			breakerStore.Record(bctx, reg.WorkerID(), alarms.Channel(cmd.Channel), gobreaker.StateClosed.String())
			cancel()
		}
	})
	if err != nil {
		logger.Fatal("failed to subscribe to breaker resets", zap.Error(err))
	}
	defer resetSub.Unsubscribe()

	cons := consumer.New(q, proc, dlqStore, stateMgr, metrics, logger, consumer.Config{
		Prefetch:      cfg.Prefetch,
		WorkerCount:   cfg.WorkerPoolSize,
		MaxDeliveries: cfg.MaxDeliveries,
		PausedRequeue: cfg.PausedRequeue,
		RetryMin:      cfg.RetryMinDelay,
		RetryMax:      cfg.RetryMaxDelay,
		RetryFactor:   cfg.RetryFactor,
	})
	if err := cons.Start(); err != nil {
		logger.Fatal("failed to start consumer", zap.Error(err))
	}

	var pgListener *listener.Listener
	if cfg.ListenNotifyEnabled {
		pgListener = listener.New(cfg.PostgresURL, q, logger)
		if err := pgListener.Start(ctx); err != nil {
			logger.Fatal("failed to start postgres listener", zap.Error(err))
		}
	}

	// Side listener for metrics and probes.
	sideSrv := sideListener(cfg, postgres, redis, q, logger)

	logger.Info("worker running, waiting for alarm events")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker")

	if err := cons.Stop(cfg.ShutdownGrace); err != nil {
		logger.Warn("consumer did not stop cleanly", zap.Error(err))
	}
	if pgListener != nil {
		pgListener.Stop()
	}
	reproc.Stop()
	prober.Stop()
	stateMgr.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sideSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("side listener shutdown failed", zap.Error(err))
	}
	breakerStore.Cleanup(shutdownCtx, reg.WorkerID())
	reg.Deregister(shutdownCtx)

	logger.Info("worker shutdown complete")
}

func mustPostgres(ctx context.Context, cfg *config.Config, logger *zap.Logger) *db.Postgres {
	var postgres *db.Postgres
	var err error
	for i := 0; i <= cfg.StartupRetries; i++ {
		postgres, err = db.NewPostgres(ctx, cfg.PostgresURL, logger)
		if err == nil {
			return postgres
		}
		logger.Warn("postgres not ready, retrying", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(cfg.StartupRetryGap)
	}
	logger.Fatal("failed to connect to postgres", zap.Error(err))
	return nil
}

func mustRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) *db.RedisClient {
	var redis *db.RedisClient
	var err error
	for i := 0; i <= cfg.StartupRetries; i++ {
		redis, err = db.NewRedis(ctx, cfg.RedisURL)
		if err == nil {
			return redis
		}
		logger.Warn("redis not ready, retrying", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(cfg.StartupRetryGap)
	}
	logger.Fatal("failed to connect to redis", zap.Error(err))
	return nil
}

func mustQueue(cfg *config.Config, logger *zap.Logger) *queue.Queue {
	var q *queue.Queue
	var err error
	for i := 0; i <= cfg.StartupRetries; i++ {
		q, err = queue.New(cfg.NATSURL, logger)
		if err == nil {
			return q
		}
		logger.Warn("NATS not ready, retrying", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(cfg.StartupRetryGap)
	}
	logger.Fatal("failed to connect to NATS", zap.Error(err))
	return nil
}

// buildAdapters wires one adapter per configured channel. A channel
// without provider settings simply stays unwired and the processor
// skips it.
func buildAdapters(cfg *config.Config, pool *modempool.Pool, store *alarms.Store, logger *zap.Logger) map[alarms.Channel]channels.Adapter {
	adapters := map[alarms.Channel]channels.Adapter{}

	if cfg.MockSMS {
		adapters[alarms.ChannelSMS] = channels.NewMockAdapter("sms")
	} else {
		adapters[alarms.ChannelSMS] = channels.NewSMSAdapter(pool, logger)
	}

	if cfg.SMTPHost != "" {
		adapters[alarms.ChannelEmail] = channels.NewEmailAdapter(channels.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			User:     cfg.SMTPUser,
			Pass:     cfg.SMTPPass,
			From:     cfg.SMTPFrom,
			StartTLS: cfg.SMTPTLS,
			Timeout:  cfg.AdapterTimeout,
		}, logger)
	} else if cfg.MockEmail {
		adapters[alarms.ChannelEmail] = channels.NewMockAdapter("email")
	}

	if cfg.VoiceURL != "" {
		adapters[alarms.ChannelVoice] = channels.NewVoiceAdapter(cfg.VoiceURL, cfg.VoiceToken, cfg.AdapterTimeout, logger)
	}
	if cfg.PushEnabled && cfg.PushURL != "" {
		adapters[alarms.ChannelPush] = channels.NewPushAdapter(cfg.PushURL, cfg.PushToken, cfg.AdapterTimeout, store, logger)
	}

	return adapters
}

// sideListener serves Prometheus metrics and liveness probes on the
// worker's own port.
func sideListener(cfg *config.Config, postgres *db.Postgres, redis *db.RedisClient, q *queue.Queue, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := postgres.PingContext(ctx); err != nil {
			http.Error(w, "postgres: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := redis.HealthCheck(ctx); err != nil {
			http.Error(w, "redis: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err := q.HealthCheck(ctx); err != nil {
			http.Error(w, "nats: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	srv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("side listener failed", zap.Error(err))
		}
	}()
	logger.Info("side listener started", zap.String("port", cfg.MetricsPort))
	return srv
}

func breakerGaugeValue(st gobreaker.State) float64 {
	switch st {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
