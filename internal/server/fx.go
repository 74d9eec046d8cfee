// Package server builds the application's dependency graph from config and
// runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/topic-crawler/internal/api"
	"github.com/JakeFAU/topic-crawler/internal/classifier"
	"github.com/JakeFAU/topic-crawler/internal/clock/system"
	"github.com/JakeFAU/topic-crawler/internal/config"
	"github.com/JakeFAU/topic-crawler/internal/crawler"
	"github.com/JakeFAU/topic-crawler/internal/dispatcher"
	"github.com/JakeFAU/topic-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/topic-crawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/topic-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/topic-crawler/internal/frontier"
	"github.com/JakeFAU/topic-crawler/internal/hash/sha256"
	"github.com/JakeFAU/topic-crawler/internal/headless/detector"
	"github.com/JakeFAU/topic-crawler/internal/id/uuid"
	"github.com/JakeFAU/topic-crawler/internal/logging"
	"github.com/JakeFAU/topic-crawler/internal/metrics"
	"github.com/JakeFAU/topic-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/topic-crawler/internal/policy/simple"
	kafkapublisher "github.com/JakeFAU/topic-crawler/internal/publisher/kafka"
	memorypublisher "github.com/JakeFAU/topic-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/topic-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/topic-crawler/internal/queue/memory"
	"github.com/JakeFAU/topic-crawler/internal/recovery"
	"github.com/JakeFAU/topic-crawler/internal/service"
	gcsstorage "github.com/JakeFAU/topic-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/topic-crawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/topic-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/topic-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/topic-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/topic-crawler/internal/store"
	"github.com/JakeFAU/topic-crawler/internal/topics"
	"github.com/JakeFAU/topic-crawler/internal/worker"
)

// hashLength truncates archive path digests; 16 hex chars keep paths short.
const hashLength = 16

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	restore   func()
	service   *service.Service
	apiServer *api.Server
	queue     *queueMemory.Queue
	closers   []closer
}

type closer struct {
	name string
	fn   func() error
}

// Service returns the crawl service.
func (a *App) Service() *service.Service {
	return a.service
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the HTTP API and executes queued runs until ctx is canceled or
// SIGINT/SIGTERM arrives. With recover_on_start it first repairs every
// interrupted scope.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Crawler.RecoverOnStart {
		reports, err := a.service.RecoverAll(ctx)
		if err != nil {
			return fmt.Errorf("startup recovery: %w", err)
		}
		for _, report := range reports {
			a.logger.Info("startup recovery",
				zap.String("base_url", report.BaseURL),
				zap.Int("requeued", len(report.Requeued)),
				zap.Int("replayed", len(report.Replayed)),
			)
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("run queue started", zap.Int("runners", a.cfg.Crawler.MaxParallelRuns))
		return a.service.RunQueued(gctx)
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		a.queue.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close releases every backend in reverse construction order and restores
// the previous global logger.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.logger.Info("shutdown complete")
	if a.restore != nil {
		a.restore()
	}
	return errors.Join(errs...)
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	app, err := BuildWithLogger(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.restore = logging.Install(logger)
	return app, nil
}

// BuildWithLogger creates the application's dependencies using logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()
	metrics.Init()
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("database", cfg.Database.Driver),
		zap.String("classifier", cfg.Classifier.Provider),
		zap.String("archive", cfg.Archive.Backend),
		zap.String("events", cfg.Events.Backend),
	)

	recordStore, err := setupStore(ctx, app)
	if err != nil {
		return nil, err
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	cls, err := setupClassifier(app)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	registry := topics.New(append(crawler.DefaultTopics(), cfg.Classifier.Topics...)...)
	fm := frontier.New(recordStore, frontier.Config{MaxAttempts: cfg.Crawler.MaxAttempts}, logger.Named("frontier"))

	deps := worker.Deps{
		Frontier:   fm,
		Probe:      setupProbe(app),
		Extractor:  extract.New(),
		Classifier: cls,
		Topics:     registry,
		Limiter:    setupLimiter(app),
		Archive:    archive,
		Publisher:  publisher,
		Clock:      clock,
	}
	if archive != nil {
		deps.Hasher = sha256.NewTruncated(hashLength)
	}
	if err := setupHeadless(app, &deps); err != nil {
		return nil, err
	}
	w, err := worker.New(deps, worker.Config{
		Headless:        cfg.Headless.Enabled,
		ArchivePrefix:   cfg.Archive.Prefix,
		EventTopic:      cfg.EventTopic(),
		RetryBackoff:    cfg.RetryBackoff(),
		RetryBackoffMax: cfg.RetryBackoffMax(),
	}, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}

	app.queue = queueMemory.NewQueue(cfg.Crawler.QueueDepth)
	app.service = service.New(service.Deps{
		Store:      recordStore,
		Runs:       memoryStorage.NewRunStore(),
		Frontier:   fm,
		Planner:    recovery.New(recordStore, logger.Named("recovery")),
		Dispatcher: dispatcher.New(fm, w, logger.Named("dispatcher")),
		Topics:     registry,
		Queue:      app.queue,
		IDs:        uuid.New(),
		Clock:      clock,
	}, service.Config{
		DefaultMaxDepth:    cfg.Crawler.MaxDepth,
		DefaultConcurrency: cfg.Crawler.Concurrency,
		MaxConcurrency:     cfg.Crawler.MaxConcurrency,
		Runners:            cfg.Crawler.MaxParallelRuns,
	}, logger.Named("service"))

	app.apiServer = api.NewServer(app.service, api.Options{
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
	}, logger.Named("api"))
	return app, nil
}

func setupStore(ctx context.Context, app *App) (store.RecordStore, error) {
	cfg := app.cfg.Database
	var st store.RecordStore
	switch cfg.Driver {
	case "postgres":
		pg, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		st = pg
	case "sqlite":
		sq, err := sqlitestore.Open(ctx, sqlitestore.Config{Path: cfg.SQLitePath, Table: cfg.Table})
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		st = sq
		app.logger.Debug("sqlite store", zap.String("path", cfg.SQLitePath))
	default:
		app.logger.Warn("using in-memory record store, crawl state will not survive a restart")
		st = memoryStorage.NewRecordStore()
	}
	app.onClose("record store", st.Close)

	if err := st.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	app.logger.Info("record store ready", zap.String("driver", cfg.Driver), zap.String("table", cfg.Table))
	return st, nil
}

func setupArchive(ctx context.Context, app *App) (crawler.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.onClose("gcs client", client.Close)
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("archiving pages to GCS", zap.String("bucket", cfg.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("archiving pages locally", zap.String("path", cfg.Local.BaseDir))
		return blobs, nil
	case "memory":
		app.logger.Info("archiving pages in memory")
		return memoryStorage.NewBlobStore(), nil
	default:
		app.logger.Info("page archive disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	cfg := app.cfg.Events
	switch cfg.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.onClose("pubsub client", client.Close)
		pub := gcppublisher.New(client)
		app.onClose("pubsub publisher", pub.Close)
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.Topic),
		)
		return pub, nil
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		app.onClose("kafka publisher", pub.Close)
		app.logger.Info("Kafka publisher initialized",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic),
		)
		return pub, nil
	case "memory":
		app.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		app.logger.Info("completion events disabled")
		return nil, nil
	}
}

func setupClassifier(app *App) (crawler.Classifier, error) {
	cfg := app.cfg.Classifier
	var inner crawler.Classifier
	switch cfg.Provider {
	case "http":
		remote, err := classifier.NewHTTP(classifier.HTTPConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  app.cfg.ClassifierTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("http classifier init failed: %w", err)
		}
		inner = remote
	default:
		inner = classifier.NewKeyword(cfg.Keywords)
	}
	app.logger.Info("classifier ready",
		zap.String("provider", cfg.Provider),
		zap.Int("max_text_chars", cfg.MaxTextChars),
	)
	return classifier.NewBounded(inner, cfg.MaxTextChars), nil
}

func setupProbe(app *App) crawler.Fetcher {
	app.logger.Info("using colly probe fetcher",
		zap.String("user_agent", app.cfg.Crawler.UserAgent),
		zap.Bool("respect_robots", !app.cfg.Crawler.IgnoreRobots),
	)
	return collyfetcher.New(collyfetcher.Config{
		UserAgent:     app.cfg.Crawler.UserAgent,
		RespectRobots: !app.cfg.Crawler.IgnoreRobots,
		Timeout:       app.cfg.FetchTimeout(),
		MaxBodyBytes:  app.cfg.HTTP.MaxBodyBytes,
	})
}

func setupHeadless(app *App, deps *worker.Deps) error {
	cfg := app.cfg.Headless
	if !cfg.Enabled {
		deps.Headless = headlessfetcher.NewNoop()
		return nil
	}
	fetcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.MaxParallel,
		UserAgent:         app.cfg.Crawler.UserAgent,
		NavigationTimeout: app.cfg.NavTimeout(),
	})
	if err != nil {
		return fmt.Errorf("headless fetcher init failed: %w", err)
	}
	app.onClose("headless fetcher", func() error {
		fetcher.Close()
		return nil
	})
	deps.Headless = fetcher
	deps.Detector = detector.NewHeuristic(cfg.PromotionThresh)
	app.logger.Info("using headless fetcher",
		zap.Int("max_parallel", cfg.MaxParallel),
		zap.Int("promotion_threshold", cfg.PromotionThresh),
	)
	return nil
}

func setupLimiter(app *App) crawler.Limiter {
	cfg := app.cfg.RateLimit
	if !cfg.Enabled {
		app.logger.Info("rate limiter disabled, using simple policy")
		return simple.New()
	}
	limits := ratelimit.FromDelay(app.cfg.Delay())
	if cfg.DefaultRPS > 0 {
		limits = ratelimit.Config{DefaultRPS: cfg.DefaultRPS, DefaultBurst: cfg.DefaultBurst}
	}
	app.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", limits.DefaultRPS),
		zap.Int("default_burst", limits.DefaultBurst),
	)
	return ratelimit.New(limits)
}
