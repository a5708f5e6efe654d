package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"mail-intake-go/internal/blobstore"
	"mail-intake-go/internal/config"
	"mail-intake-go/internal/database"
	"mail-intake-go/internal/gmail"
	"mail-intake-go/internal/handler"
	"mail-intake-go/internal/intake"
	"mail-intake-go/internal/metrics"
	"mail-intake-go/internal/pipeline"
	"mail-intake-go/internal/queue"
	"mail-intake-go/internal/repository"
	"mail-intake-go/internal/router"
	"mail-intake-go/internal/scheduler"
	"mail-intake-go/internal/vault"
)

// Run initializes and starts every component named in the configured roles
func Run() error {
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.WithField("roles", cfg.Roles).Info("Starting mail intake")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := setupTracing(cfg.Tracing)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logrus.WithError(err).Warn("Failed to flush traces")
		}
	}()

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.Ping(db); err != nil {
		return fmt.Errorf("database is not reachable: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}
	defer sqlDB.Close()

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	repo := repository.New(db)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
		}
	})

	c := &components{cfg: cfg, repo: repo, metrics: m, sqs: sqsClient}

	if needsMailbox(cfg) {
		c.vault, err = vault.New(cfg.Encryption.Key)
		if err != nil {
			return fmt.Errorf("failed to create credential vault: %w", err)
		}
		c.gmail = gmail.NewClient(cfg.Gmail, m)
	}
	if cfg.HasRole(config.RoleAttachments) {
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.AWS.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.Endpoint)
				o.UsePathStyle = true
			}
		})
		c.blobs = blobstore.New(s3Client, cfg.Storage.Bucket, cfg.Storage.KeyPrefix)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	for _, w := range c.workers() {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	var reconciler *scheduler.Reconciler
	if cfg.HasRole(config.RoleReconciler) || (cfg.HasRole(config.RoleAPI) && cfg.Reconciler.Enabled) {
		reconciler = scheduler.NewReconciler(cfg.Reconciler, repo.Notifications, queue.NewSender(sqsClient, cfg.Queues.FetchURL), m)
		if cfg.Reconciler.Enabled || cfg.HasRole(config.RoleReconciler) {
			if err := reconciler.Start(); err != nil {
				return fmt.Errorf("failed to start reconciler: %w", err)
			}
		}
		defer func() {
			if err := reconciler.Stop(); err != nil {
				logrus.WithError(err).Error("Failed to stop reconciler")
			}
		}()
	}

	if cfg.HasRole(config.RoleAPI) {
		srv := c.server(sqlDB, reconciler)
		g.Go(func() error {
			logrus.WithField("port", cfg.Server.Port).Info("Starting HTTP server")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			logrus.Info("Shutting down server...")
			sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err = g.Wait()
	if err != nil {
		logrus.WithError(err).Error("Stopped with error")
		return err
	}
	logrus.Info("Stopped gracefully")
	return nil
}

type components struct {
	cfg     *config.Config
	repo    *repository.Repository
	metrics *metrics.Metrics
	sqs     *sqs.Client
	vault   *vault.Vault
	gmail   *gmail.Client
	blobs   *blobstore.Store
}

func (c *components) receiver(url string) *queue.Receiver {
	return queue.NewReceiver(c.sqs, url, c.cfg.Queues.WaitSeconds, c.cfg.Queues.VisibilityTimeout)
}

func (c *components) sender(url string) *queue.Sender {
	return queue.NewSender(c.sqs, url)
}

// workers builds one poll loop per worker role
func (c *components) workers() []*pipeline.Worker {
	cfg := c.cfg
	w := cfg.Workers
	policy := pipeline.Policy{
		InitialInterval:      w.Backoff.InitialInterval,
		MaxInterval:          w.Backoff.MaxInterval,
		MaxConsecutiveErrors: w.Backoff.MaxConsecutiveErrors,
	}
	ledger := c.repo.Notifications

	var out []*pipeline.Worker
	if cfg.HasRole(config.RoleFetcher) {
		source := c.receiver(cfg.Queues.FetchURL)
		stage := pipeline.NewFetcher(source, c.sender(cfg.Queues.AttachmentsURL), ledger, c.repo.Mailboxes, c.vault, c.gmail, w.Fetcher.Concurrency, c.metrics)
		out = append(out, pipeline.NewWorker(stage, source, w.Fetcher.BatchSize, policy, c.metrics))
	}
	if cfg.HasRole(config.RoleAttachments) {
		source := c.receiver(cfg.Queues.AttachmentsURL)
		stage := pipeline.NewAttachments(source, c.sender(cfg.Queues.PersistURL), ledger, c.repo.Mailboxes, c.vault, c.gmail, c.blobs, w.Attachments.Concurrency, w.DownloadConcurrency, c.metrics)
		out = append(out, pipeline.NewWorker(stage, source, w.Attachments.BatchSize, policy, c.metrics))
	}
	if cfg.HasRole(config.RolePersister) {
		source := c.receiver(cfg.Queues.PersistURL)
		stage := pipeline.NewPersister(source, ledger, c.repo.Emails, w.WriteBatchSize, w.Persister.Concurrency, c.metrics)
		out = append(out, pipeline.NewWorker(stage, source, w.Persister.BatchSize, policy, c.metrics))
	}
	if cfg.HasRole(config.RoleDeadLetter) {
		source := c.receiver(cfg.Queues.DeadLetterURL)
		stage := pipeline.NewDeadLetter(source, ledger, w.DeadLetter.Concurrency, c.metrics)
		out = append(out, pipeline.NewWorker(stage, source, w.DeadLetter.BatchSize, policy, c.metrics))
	}
	return out
}

func (c *components) server(db handler.Pinger, reconciler *scheduler.Reconciler) *http.Server {
	in := intake.NewService(c.repo.Mailboxes, c.repo.Notifications, c.sender(c.cfg.Queues.FetchURL), c.metrics)

	// a nil *Reconciler must not reach the interface
	var rec handler.Reconciler
	if reconciler != nil {
		rec = reconciler
	}

	h := handler.NewHandlers(db, in, c.repo.Emails, c.repo.Notifications, rec, prometheus.DefaultGatherer)
	return &http.Server{
		Addr:         ":" + c.cfg.Server.Port,
		Handler:      router.SetupRouter(h),
		ReadTimeout:  c.cfg.Server.ReadTimeout,
		WriteTimeout: c.cfg.Server.WriteTimeout,
	}
}

func needsMailbox(cfg *config.Config) bool {
	return cfg.HasRole(config.RoleFetcher) || cfg.HasRole(config.RoleAttachments)
}

// setupTracing installs a sampling tracer provider. Spans are recorded for
// context propagation and exported only when an exporter is registered on
// the returned provider.
func setupTracing(cfg config.TracingConfig) func(context.Context) error {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	logrus.WithField("sample_ratio", cfg.SampleRatio).Info("Tracing enabled")
	return tp.Shutdown
}
