package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inkhound/inkhound/internal/api"
	"github.com/inkhound/inkhound/internal/archive"
	"github.com/inkhound/inkhound/internal/catalog"
	"github.com/inkhound/inkhound/internal/collection"
	"github.com/inkhound/inkhound/internal/db"
	"github.com/inkhound/inkhound/internal/lock"
	"github.com/inkhound/inkhound/internal/metrics"
	"github.com/inkhound/inkhound/internal/notify"
	"github.com/inkhound/inkhound/internal/pipeline"
	"github.com/inkhound/inkhound/internal/scheduler"
	"github.com/inkhound/inkhound/internal/source"
)

// config holds the application-level settings read from the environment.
type config struct {
	port        string
	env         string
	logLevel    string
	sentryDSN   string
	storageRoot string
	lockDir     string

	numWorkers     int
	sourceParallel int
	maxAttempts    int

	chapterDelayMin  time.Duration
	chapterDelayMax  time.Duration
	pageDelayMin     time.Duration
	pageDelayMax     time.Duration
	deferCooldown    time.Duration
	sweepInterval    time.Duration
	staleLockTimeout time.Duration
	staleThreshold   time.Duration

	gotifyURL    string
	gotifyToken  string
	slackWebhook string
	kavitaURL    string
	kavitaKey    string
}

func loadConfig() config {
	cfg := config{
		port:           getEnvWithDefault("PORT", "8080"),
		env:            getEnvWithDefault("APP_ENV", "development"),
		logLevel:       getEnvWithDefault("LOG_LEVEL", "info"),
		sentryDSN:      os.Getenv("SENTRY_DSN"),
		storageRoot:    getEnvWithDefault("STORAGE_ROOT", "/data/manga"),
		lockDir:        getEnvWithDefault("LOCK_DIR", "/tmp/inkhound-locks"),
		numWorkers:     getEnvInt("NUM_WORKERS", 5),
		sourceParallel: getEnvInt("SOURCE_PARALLEL_DOWNLOADS", 2),
		maxAttempts:    getEnvInt("JOB_MAX_ATTEMPTS", scheduler.DefaultMaxAttempts),

		// A zero duration means "keep the component's built-in default".
		chapterDelayMin:  getEnvDuration("CHAPTER_DELAY_MIN", 0),
		chapterDelayMax:  getEnvDuration("CHAPTER_DELAY_MAX", 0),
		pageDelayMin:     getEnvDuration("PAGE_DELAY_MIN", 0),
		pageDelayMax:     getEnvDuration("PAGE_DELAY_MAX", 0),
		deferCooldown:    getEnvDuration("DEFER_COOLDOWN", 0),
		sweepInterval:    getEnvDuration("SWEEP_INTERVAL", 0),
		staleLockTimeout: getEnvDuration("STALE_LOCK_TIMEOUT", 0),
		staleThreshold:   getEnvDuration("RECORD_STALE_THRESHOLD", 0),

		gotifyURL:    os.Getenv("GOTIFY_URL"),
		gotifyToken:  os.Getenv("GOTIFY_TOKEN"),
		slackWebhook: os.Getenv("SLACK_WEBHOOK_URL"),
		kavitaURL:    os.Getenv("KAVITA_URL"),
		kavitaKey:    os.Getenv("KAVITA_API_KEY"),
	}
	return cfg
}

func getEnvWithDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func setupLogging(cfg config) {
	level, err := zerolog.ParseLevel(cfg.logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		// Fine in production; the environment is set by the platform.
		log.Debug().Msg("No .env file found")
	}

	cfg := loadConfig()
	setupLogging(cfg)

	scheduler.SetDefaultMaxAttempts(cfg.maxAttempts)
	if cfg.staleThreshold > 0 {
		catalog.SetStaleThreshold(cfg.staleThreshold)
	}

	if cfg.sentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.sentryDSN,
			Environment:      cfg.env,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to initialise Sentry")
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.InitFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	dbQueue := db.NewDbQueue(database.GetDB())
	records := catalog.NewStore(dbQueue)
	jobStore := scheduler.NewJobStore(dbQueue)

	locks, err := lock.NewManager(cfg.lockDir, cfg.sourceParallel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create lock manager")
	}

	registry := source.NewRegistry()
	if err := registerSources(registry); err != nil {
		log.Fatal().Err(err).Msg("Failed to register sources")
	}

	inApp := notify.NewInAppSink(dbQueue)
	notifier := notify.NewNotifier(inApp)
	if cfg.gotifyURL != "" && cfg.gotifyToken != "" {
		notifier.AddSink(notify.NewGotifySink(cfg.gotifyURL, cfg.gotifyToken))
	}
	if cfg.slackWebhook != "" {
		notifier.AddSink(notify.NewSlackSink(cfg.slackWebhook))
	}
	var scanner notify.Scanner
	if cfg.kavitaURL != "" && cfg.kavitaKey != "" {
		scanner = notify.NewKavitaClient(cfg.kavitaURL, cfg.kavitaKey)
	}

	layout := archive.Layout{Root: cfg.storageRoot}
	pipelineCfg := pipeline.DefaultConfig()
	if cfg.chapterDelayMin > 0 {
		pipelineCfg.ChapterDelayMin = cfg.chapterDelayMin
	}
	if cfg.chapterDelayMax > 0 {
		pipelineCfg.ChapterDelayMax = cfg.chapterDelayMax
	}
	if cfg.pageDelayMin > 0 {
		pipelineCfg.PageDelayMin = cfg.pageDelayMin
	}
	if cfg.pageDelayMax > 0 {
		pipelineCfg.PageDelayMax = cfg.pageDelayMax
	}
	pipe := pipeline.New(pipelineCfg, records, jobStore, registry, layout,
		archive.CBZPackager{}, notifier, scanner)

	queues := []string{scheduler.QueueDefault, scheduler.QueueDeferred}
	queues = append(queues, pipelineCfg.SchedulingQueues...)
	queues = append(queues, pipelineCfg.DiscoveryQueues...)
	queues = append(queues, pipelineCfg.DownloadQueues...)

	pool := scheduler.NewWorkerPool(jobStore, cfg.numWorkers, queues)
	pool.Use(scheduler.NewConcurrencyGate(locks, pipeline.TypeChapterDownload))
	pool.SetDeferCooldown(cfg.deferCooldown)
	pipe.Register(pool)
	pool.Start(ctx)
	if err := pool.StartNotifyListener(ctx, database.GetConfig().ConnectionString()); err != nil {
		log.Warn().Err(err).Msg("Job notifications unavailable, falling back to polling")
	}

	scheduler.NewRecurringPoller(jobStore).Start(ctx)

	coordinator := scheduler.NewCoordinator(jobStore)
	coordinator.SetInterval(cfg.sweepInterval)
	coordinator.SetStaleLockTimeout(cfg.staleLockTimeout)
	coordinator.Start(ctx)

	// One reconcile pass on boot repairs records orphaned by the previous
	// shutdown and (re)registers every discovery schedule.
	if _, err := jobStore.Enqueue(ctx, scheduler.JobSpec{
		Type:  pipeline.TypeCollectionReconcile,
		Queue: scheduler.QueueDefault,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue startup reconcile")
	}
	if _, err := jobStore.RegisterRecurring(ctx, "collection:reconcile", "*/30 * * * *", scheduler.JobSpec{
		Type:  pipeline.TypeCollectionReconcile,
		Queue: scheduler.QueueDefault,
	}); err != nil {
		log.Error().Err(err).Msg("Failed to register reconcile schedule")
	}

	collectionSvc := collection.NewService(records, jobStore, registry, layout,
		notifier, pipelineCfg.SchedulingQueues)
	handler := api.NewHandler(collectionSvc, records, inApp, registry)

	mux := http.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("GET /metrics", metrics.Handler())

	server := &http.Server{
		Addr:         ":" + cfg.port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.port).Str("env", cfg.env).Msg("Starting server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	pool.Stop()
	log.Info().Msg("Shutdown complete")
}

// registerSources wires up the configured connectors. Site descriptions
// live here so adding a source is one entry, not a new package.
func registerSources(registry *source.Registry) error {
	sites := []source.SiteConfig{
		{
			ID:                "weebcentral",
			BaseURL:           getEnvWithDefault("WEEBCENTRAL_URL", "https://weebcentral.example"),
			SearchPath:        "/search?text=%s&offset=%d&limit=%d",
			ChaptersPath:      "/series/%s/chapters?offset=%d&limit=%d",
			CoverPath:         "/series/%s/cover",
			RequestsPerSecond: 1,
			Selectors: source.Selectors{
				SearchResult: "article.series-card",
				SearchLink:   "a.series-link",
				SearchCover:  "img.series-cover",
				SearchTotal:  "section#results",
				ChapterRow:   "div.chapter-row",
				ChapterLink:  "a.chapter-link",
				ChapterTotal: "div#chapter-list",
				PageImage:    "img.reader-page",
			},
		},
	}

	for _, site := range sites {
		src, err := source.NewHTMLSource(site)
		if err != nil {
			return err
		}
		if err := registry.Register(src); err != nil {
			return err
		}
	}
	return nil
}
