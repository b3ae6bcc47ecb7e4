package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"
	alertrepo "edgefleet/internal/alerts/infrastructure/postgres"
	alerthttp "edgefleet/internal/alerts/interfaces/http"
	alertnotify "edgefleet/internal/alerts/notify"
	"edgefleet/internal/audit"
	"edgefleet/internal/auth"
	"edgefleet/internal/config"
	deviceapp "edgefleet/internal/devices/application"
	devicerepo "edgefleet/internal/devices/infrastructure/postgres"
	devicehttp "edgefleet/internal/devices/interfaces/http"
	fleetapp "edgefleet/internal/fleet/application"
	fleetredis "edgefleet/internal/fleet/infrastructure/redis"
	fleethttp "edgefleet/internal/fleet/interfaces/http"
	healthapp "edgefleet/internal/health/application"
	healthrepo "edgefleet/internal/health/infrastructure/postgres"
	installationapp "edgefleet/internal/installation/application"
	installationrepo "edgefleet/internal/installation/infrastructure/postgres"
	installationhttp "edgefleet/internal/installation/interfaces/http"
	"edgefleet/internal/keylock"
	"edgefleet/internal/logging"
	"edgefleet/internal/observability/metrics"
	predictiveapp "edgefleet/internal/predictive/application"
	predictiverepo "edgefleet/internal/predictive/infrastructure/postgres"
	predictivehttp "edgefleet/internal/predictive/interfaces/http"
	"edgefleet/internal/scheduler"
	syncrepo "edgefleet/internal/syncer/infrastructure/postgres"
	telemetryapp "edgefleet/internal/telemetry/application"
	telemetryrepo "edgefleet/internal/telemetry/infrastructure/postgres"
	telemetryhttp "edgefleet/internal/telemetry/interfaces/http"
	telemetrymqtt "edgefleet/internal/telemetry/interfaces/mqtt"

	"github.com/go-redis/redis/v8"
	"github.com/go-resty/resty/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "edgefleet")
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db open error", zap.Error(err))
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal("db ping error", zap.Error(err))
	}

	metrics.Init(db, logger)
	auditRepo := audit.NewRepository(db)
	locks := keylock.New()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer redisClient.Close()
	}

	// Alerts and their outbound channels.
	broker := alerthttp.NewSSEBroker()
	notifier, closeNotifier := buildNotifier(cfg.Notify, redisClient, logger)
	defer closeNotifier()
	routes := []alertnotify.Route{{Notifier: broker}}
	if notifier != nil {
		routes = append(routes, alertnotify.Route{
			Notifier:    notifier,
			Events:      cfg.Notify.Events,
			MinSeverity: alerts.Severity(cfg.Notify.MinSeverity),
		})
	}
	alertService, err := alertapp.NewService(
		alertrepo.NewAlertRepository(db),
		alertapp.WithNotifier(alertnotify.NewMultiNotifier(routes...)),
		alertapp.WithEscalationPolicy(cfg.Alerts.Escalation),
		alertapp.WithLogger(logger.Named("alerts")),
	)
	if err != nil {
		logger.Fatal("alert service error", zap.Error(err))
	}

	registry, err := deviceapp.NewRegistry(devicerepo.NewDeviceRepository(db), cfg.Devices, deviceapp.WithLogger(logger.Named("devices")))
	if err != nil {
		logger.Fatal("device registry error", zap.Error(err))
	}

	recordRepo := telemetryrepo.NewRecordRepository(db)
	stateRepo := healthrepo.NewStateRepository(db)
	syncLogs := syncrepo.NewLogRepository(db)
	ingestService, err := telemetryapp.NewService(registry, recordRepo, stateRepo, alertService,
		telemetryapp.WithLocker(locks),
		telemetryapp.WithSyncLogs(syncLogs),
		telemetryapp.WithHysteresis(cfg.Health.HysteresisSamples),
		telemetryapp.WithLogger(logger.Named("telemetry")),
	)
	if err != nil {
		logger.Fatal("ingest service error", zap.Error(err))
	}

	validatorOpts := []installationapp.Option{
		installationapp.WithCatalog(cfg.Installation.Catalog),
		installationapp.WithProbeTimeout(cfg.Installation.ProbeTimeout),
		installationapp.WithProbe(installationapp.NewNetworkProbe(resty.New(), recordRepo, nil)),
		installationapp.WithLogger(logger.Named("installation")),
	}
	if cfg.Installation.MasterData.BaseURL != "" {
		md, err := installationapp.NewMasterDataClient(cfg.Installation.MasterData.BaseURL, cfg.Installation.MasterData.Token, cfg.Installation.MasterData.Timeout)
		if err != nil {
			logger.Fatal("master data client error", zap.Error(err))
		}
		validatorOpts = append(validatorOpts, installationapp.WithProbe(installationapp.NewMasterDataProbe(md)))
	} else {
		logger.Warn("master data not configured; master-data checks will fail")
	}
	checkRepo := installationrepo.NewCheckRepository(db)
	validator, err := installationapp.NewValidator(registry, checkRepo, alertService, validatorOpts...)
	if err != nil {
		logger.Fatal("installation validator error", zap.Error(err))
	}

	analyzer, err := predictiveapp.NewAnalyzer(registry, recordRepo, alertService, predictiverepo.NewForecastRepository(db),
		predictiveapp.WithWindow(cfg.Predictive.Window),
		predictiveapp.WithLogger(logger.Named("predictive")),
	)
	if err != nil {
		logger.Fatal("predictive analyzer error", zap.Error(err))
	}
	forecastJobs, err := predictiveapp.NewJobs(analyzer, cfg.Predictive.Concurrency)
	if err != nil {
		logger.Fatal("forecast jobs error", zap.Error(err))
	}

	fleetOpts := []fleetapp.Option{fleetapp.WithLogger(logger.Named("fleet"))}
	if redisClient != nil {
		cache, err := fleetredis.NewSummaryCache(redisClient)
		if err != nil {
			logger.Fatal("fleet cache error", zap.Error(err))
		}
		fleetOpts = append(fleetOpts, fleetapp.WithCache(cache, cfg.Redis.SummaryTTL))
	}
	aggregator, err := fleetapp.NewAggregator(registry, stateRepo, alertService, validator, fleetOpts...)
	if err != nil {
		logger.Fatal("fleet aggregator error", zap.Error(err))
	}

	sweeper, err := healthapp.NewOfflineSweeper(registry, stateRepo, alertService,
		healthapp.WithLocker(locks),
		healthapp.WithLogger(logger.Named("offline")),
	)
	if err != nil {
		logger.Fatal("offline sweeper error", zap.Error(err))
	}
	sched, err := scheduler.New(logger.Named("scheduler"),
		scheduler.Task{Name: scheduler.TaskOfflineSweep, Every: cfg.Scheduler.OfflineSweep, Run: sweeper.Sweep},
		scheduler.Task{Name: scheduler.TaskEscalationSweep, Every: cfg.Scheduler.EscalationSweep, Run: alertService.EscalateOverdue},
	)
	if err != nil {
		logger.Fatal("scheduler error", zap.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start error", zap.Error(err))
	}
	defer sched.Stop()

	if cfg.MQTT.Broker != "" {
		sub, err := telemetrymqtt.NewSubscriber(telemetrymqtt.Config(cfg.MQTT), ingestService, logger.Named("mqtt"))
		if err != nil {
			logger.Fatal("mqtt subscriber error", zap.Error(err))
		}
		if err := sub.Start(); err != nil {
			logger.Fatal("mqtt subscribe error", zap.Error(err))
		}
		defer sub.Stop()
	}

	// HTTP surface.
	deviceHandler, err := devicehttp.NewHandler(registry,
		devicehttp.WithSyncFailures(ingestService),
		devicehttp.WithSyncLogs(syncLogs),
		devicehttp.WithHealthStates(stateRepo),
		devicehttp.WithAudit(auditRepo),
		devicehttp.WithLogger(logger.Named("http")),
	)
	if err != nil {
		logger.Fatal("device handler error", zap.Error(err))
	}
	checkHandler, err := installationhttp.NewHandler(validator, auditRepo)
	if err != nil {
		logger.Fatal("installation handler error", zap.Error(err))
	}
	forecastHandler, err := predictivehttp.NewForecastHandler(analyzer)
	if err != nil {
		logger.Fatal("forecast handler error", zap.Error(err))
	}
	deviceHandler.Mount("installation-checks", checkHandler)
	deviceHandler.Mount("forecast", forecastHandler)
	deviceHandler.Mount("audit", audit.NewDeviceHandler(auditRepo))

	jobsHandler, err := predictivehttp.NewJobsHandler(forecastJobs, auditRepo)
	if err != nil {
		logger.Fatal("forecast jobs handler error", zap.Error(err))
	}
	ingestHandler, err := telemetryhttp.NewIngestHandler(ingestService, logger.Named("http"))
	if err != nil {
		logger.Fatal("ingest handler error", zap.Error(err))
	}
	alertHandler, err := alerthttp.NewHandler(alertService, auditRepo)
	if err != nil {
		logger.Fatal("alert handler error", zap.Error(err))
	}
	fleetHandler, err := fleethttp.NewHandler(aggregator)
	if err != nil {
		logger.Fatal("fleet handler error", zap.Error(err))
	}

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.Auth.IngestSecret), cfg.Auth.IngestMaxSkew)
	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), policy, ingestAuth)

	mux := http.NewServeMux()
	mux.Handle("/api/v1/devices/", deviceHandler)
	mux.Handle("/api/v1/telemetry", ingestHandler)
	mux.Handle("/api/v1/alerts", alertHandler)
	mux.Handle("/api/v1/alerts/", alertHandler)
	mux.Handle("/api/v1/alerts/stream", alerthttp.NewStreamHandler(broker))
	mux.Handle("/api/v1/fleet/stores/", fleetHandler)
	mux.Handle("/api/v1/forecasts/jobs", jobsHandler)
	mux.Handle("/api/v1/forecasts/jobs/", jobsHandler)
	mux.Handle("/api/v1/scheduler/", scheduler.NewHandler(sched, auditRepo))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server error", zap.Error(err))
	}
}

// buildNotifier assembles the configured outbound channels. It returns nil
// when none is configured.
func buildNotifier(cfg config.NotifyConfig, redisClient *redis.Client, logger *zap.Logger) (*alertnotify.Notifier, func()) {
	var channels []alertnotify.Channel
	closers := []func(){}

	if cfg.WebhookURL != "" {
		webhook, err := alertnotify.NewWebhookChannel(cfg.WebhookURL)
		if err != nil {
			logger.Fatal("webhook channel error", zap.Error(err))
		}
		channels = append(channels, webhook)
	}
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name("edgefleet"))
		if err != nil {
			logger.Fatal("nats connect error", zap.Error(err))
		}
		closers = append(closers, conn.Close)
		natsChannel, err := alertnotify.NewNatsChannel(conn, cfg.NATSPrefix)
		if err != nil {
			logger.Fatal("nats channel error", zap.Error(err))
		}
		channels = append(channels, natsChannel)
	}
	if cfg.RedisStream != "" && redisClient != nil {
		stream, err := alertnotify.NewRedisStreamChannel(redisClient, cfg.RedisStream, cfg.RedisStreamMaxLen)
		if err != nil {
			logger.Fatal("redis stream channel error", zap.Error(err))
		}
		channels = append(channels, stream)
	}

	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(channels) == 0 {
		return nil, closeAll
	}

	tpl, err := alertnotify.NewTemplate(cfg.Template)
	if err != nil {
		logger.Fatal("notify template error", zap.Error(err))
	}
	notifier, err := alertnotify.NewNotifier(channels,
		alertnotify.WithTemplate(tpl),
		alertnotify.WithRateLimit(cfg.RatePerSecond, cfg.Burst),
		alertnotify.WithDedupeWindow(cfg.DedupeWindow),
		alertnotify.WithQueueSize(cfg.QueueSize),
		alertnotify.WithRequestTimeout(cfg.Timeout),
		alertnotify.WithLogger(logger.Named("notify")),
	)
	if err != nil {
		logger.Fatal("notifier error", zap.Error(err))
	}
	return notifier, func() {
		notifier.Close()
		closeAll()
	}
}

func loggingMiddleware(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", resp.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working through the logging wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
