package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-sentinel/internal/agents"
	"github.com/miradorstack/mirador-sentinel/internal/alerting"
	"github.com/miradorstack/mirador-sentinel/internal/api"
	"github.com/miradorstack/mirador-sentinel/internal/bus"
	"github.com/miradorstack/mirador-sentinel/internal/cache"
	"github.com/miradorstack/mirador-sentinel/internal/config"
	"github.com/miradorstack/mirador-sentinel/internal/diagnosis"
	"github.com/miradorstack/mirador-sentinel/internal/learning"
	"github.com/miradorstack/mirador-sentinel/internal/metrics"
	"github.com/miradorstack/mirador-sentinel/internal/models"
	"github.com/miradorstack/mirador-sentinel/internal/monitor"
	"github.com/miradorstack/mirador-sentinel/internal/notify"
	"github.com/miradorstack/mirador-sentinel/internal/perf"
	"github.com/miradorstack/mirador-sentinel/internal/predict"
	"github.com/miradorstack/mirador-sentinel/internal/repair"
	"github.com/miradorstack/mirador-sentinel/internal/security"
	"github.com/miradorstack/mirador-sentinel/internal/state"
	"github.com/miradorstack/mirador-sentinel/internal/telemetry"
	"github.com/miradorstack/mirador-sentinel/internal/utils"
)

// mirroredChannels are shared with sibling instances through the event
// mirror. Metrics stay local: every instance samples its own host.
var mirroredChannels = []string{
	models.ChannelAlerts,
	models.ChannelDiagnoses,
	models.ChannelRepairRequests,
	models.ChannelRepairCompleted,
	models.ChannelSecurity,
	models.ChannelPredictions,
	models.ChannelHealth,
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-sentinel", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

	store, err := state.New(state.Options{
		Type:         cfg.State.Type,
		Path:         cfg.State.Path,
		MaxPerFamily: cfg.State.MaxPerFamily,
		SampleTTL:    time.Duration(cfg.State.SampleTTLDays) * 24 * time.Hour,
	}, logger)
	if err != nil {
		logger.Error("failed to open state store", slog.Any("error", err))
		os.Exit(1)
	}

	var mirror bus.Mirror
	if cfg.Bus.Mirror.Type != "" {
		mirror, err = bus.NewMirror(bus.MirrorOptions{
			Type:          cfg.Bus.Mirror.Type,
			NATSUrl:       cfg.Bus.Mirror.NATSUrl,
			SubjectPrefix: cfg.Bus.Mirror.SubjectPrefix,
		}, cacheProvider)
		if err != nil {
			logger.Warn("event mirror unavailable", slog.Any("error", err))
			mirror = nil
		}
	}

	eventBus := bus.New(bus.Options{
		RingSize:      cfg.Bus.RingSize,
		QueueSize:     cfg.Bus.QueueSize,
		Origin:        cfg.Bus.Origin,
		Mirror:        mirror,
		MirrorTimeout: cfg.Bus.MirrorTimeout,
	}, logger)

	tel := telemetry.NewStore(telemetry.Options{
		MaxSamplesPerName: cfg.Telemetry.MaxSamplesPerName,
		MaxAge:            cfg.Telemetry.MaxAge,
		FlushInterval:     cfg.Telemetry.FlushInterval,
		BroadcastEvery:    cfg.Telemetry.BroadcastInterval,
	}, eventBus, store, logger)

	sinks := []notify.Sink{notify.NewLogSink(logger)}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.Webhook))
	}
	if cfg.Notify.Telegram.Enabled {
		sink, err := notify.NewTelegramSink(cfg.Notify.Telegram)
		if err != nil {
			logger.Warn("telegram sink unavailable", slog.Any("error", err))
		} else {
			sinks = append(sinks, sink)
		}
	}
	dispatcher := notify.NewDispatcher(sinks, notify.DispatcherOptions{
		MaxAttempts: cfg.Alerting.MaxRetries,
		Backoff:     cfg.Alerting.RetryBackoff,
	}, logger)

	alertMgr := alerting.NewManager(alerting.Options{QueueSize: cfg.Alerting.QueueSize}, store, eventBus, dispatcher, logger)
	learn := learning.NewAgent(cfg.Learning, store, eventBus, logger)

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 10*time.Second)
	if err := alertMgr.Restore(restoreCtx); err != nil {
		logger.Warn("restoring active alerts", slog.Any("error", err))
	}
	if err := learn.Restore(restoreCtx); err != nil {
		logger.Warn("restoring fix patterns", slog.Any("error", err))
	}
	cancelRestore()

	healthProbes, metricProbes := monitor.BuildProbes(cfg.Monitor, store, cacheProvider)
	mon := monitor.NewAgent(cfg.Monitor, healthProbes, metricProbes, tel, alertMgr, eventBus, store, logger)

	sec := security.NewAgent(cfg.Security, cacheProvider, store, eventBus, alertMgr, logger)

	ruleReasoner, err := diagnosis.NewRuleReasoner(cfg.Diagnosis.RulesPath, logger)
	if err != nil {
		logger.Error("failed to load rule pack", slog.Any("error", err))
		os.Exit(1)
	}
	var reasoner diagnosis.Reasoner = ruleReasoner
	if cfg.Diagnosis.AI.Enabled && cfg.Diagnosis.AI.APIKey != "" {
		reasoner = diagnosis.NewFallback(diagnosis.NewOpenAIReasoner(cfg.Diagnosis.AI, logger), ruleReasoner, logger)
	}
	gatherer := diagnosis.NewGatherer(tel, alertMgr, store)
	diag := diagnosis.NewAgent(cfg.Diagnosis, reasoner, gatherer, learn, store, eventBus, eventBus, alertMgr, logger)

	rep := repair.NewAgent(cfg.Repair, store, cacheProvider, store, mon, alertMgr, eventBus, eventBus, logger)
	pred := predict.NewAgent(cfg.Predict, tel, store, eventBus, alertMgr, logger)
	reviews := perf.NewAgent(cfg.Perf, tel, diag, logger)

	runner := agents.NewRunner(logger)
	for _, agent := range []agents.Agent{mon, sec, diag, rep, learn, pred, reviews} {
		runner.Register(agent)
	}

	server, err := api.NewServer(cfg.Server, api.Deps{
		Health:    mon,
		Alerts:    alertMgr,
		Metrics:   tel,
		Recorder:  tel,
		History:   store,
		Security:  sec,
		Agents:    runner,
		Patterns:  learn,
		Forecasts: pred,
		Reviews:   reviews,
		Events:    eventBus,
		Bus:       eventBus,
	}, logger)
	if err != nil {
		logger.Error("failed to create API server", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if mirror != nil {
		if err := eventBus.ListenRemote(ctx, mirroredChannels); err != nil {
			logger.Warn("event mirror listener unavailable", slog.Any("error", err))
		}
	}

	if err := runner.StartAll(ctx); err != nil {
		logger.Error("failed to start agents", slog.Any("error", err))
		os.Exit(1)
	}

	var g errgroup.Group
	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				stop()
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("api server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			stop()
			return serveErr
		}
		return nil
	})
	server.SetReady(true)

	<-ctx.Done()
	logger.Info("shutdown signal received")
	server.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	server.Shutdown(shutdownCtx)
	if err := runner.StopAll(shutdownCtx); err != nil {
		logger.Warn("stopping agents", slog.Any("error", err))
	}
	cancel()

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	if err := g.Wait(); err != nil {
		logger.Warn("server exited with error", slog.Any("error", err))
	}

	tel.Close()
	alertMgr.Close()
	eventBus.Close()
	if err := store.Close(); err != nil {
		logger.Warn("closing state store", slog.Any("error", err))
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("mirador-sentinel stopped")
}
