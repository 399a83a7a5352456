package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/docbatch/constants"
	"github.com/joseph-ayodele/docbatch/internal/common"
	"github.com/joseph-ayodele/docbatch/internal/events"
	"github.com/joseph-ayodele/docbatch/internal/extract"
	"github.com/joseph-ayodele/docbatch/internal/jobs"
	"github.com/joseph-ayodele/docbatch/internal/merge"
	"github.com/joseph-ayodele/docbatch/internal/quota"
	"github.com/joseph-ayodele/docbatch/internal/repository"
	"github.com/joseph-ayodele/docbatch/internal/scheduler"
	"github.com/joseph-ayodele/docbatch/internal/storage"
	"github.com/joseph-ayodele/docbatch/internal/worker"
)

// managerControl bridges the scheduler's dispatch-time checks to the
// JobManager; the field is assigned before the scheduler starts.
type managerControl struct {
	mgr *jobs.Manager
}

func (c *managerControl) JobStatus(ctx context.Context, jobID uuid.UUID) (constants.JobStatus, error) {
	return c.mgr.JobStatus(ctx, jobID)
}

func (c *managerControl) FileStarted(ctx context.Context, jobID, fileID uuid.UUID, attempt int) error {
	return c.mgr.FileStarted(ctx, jobID, fileID, attempt)
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stores: Postgres when DB_URL is set, otherwise in-memory.
	var (
		jobStore      repository.JobRepository
		usageStore    repository.UsageRepository
		artifactStore repository.ArtifactRepository
	)
	if cfg.Database.DSN != "" {
		pool, err := repository.Open(ctx, repository.DBConfig{
			DSN:              cfg.Database.DSN,
			MaxConns:         cfg.Database.MaxConns,
			MinConns:         cfg.Database.MinConns,
			MaxConnLifetime:  cfg.Database.MaxConnLifetime,
			MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
			DialTimeout:      cfg.Database.DialTimeout,
			StatementTimeout: cfg.Database.StatementTimeout,
		}, logger)
		if err != nil {
			logger.Error("creating DB pool", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		if err := repository.HealthCheck(ctx, pool, cfg.Database.DialTimeout, logger); err != nil {
			logger.Error("DB health failed", "error", err)
			os.Exit(1)
		}
		pg := repository.NewPostgresStore(pool, logger)
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Error("schema bootstrap failed", "error", err)
			os.Exit(1)
		}
		jobStore, usageStore, artifactStore = pg, pg, pg
	} else {
		logger.Warn("DB_URL not set, using in-memory stores")
		mem := repository.NewMemoryStore(logger)
		jobStore, usageStore, artifactStore = mem, mem, mem
	}

	// Object storage: MinIO with bucket bootstrap, in-memory fallback
	// for credential-less local runs.
	var objStore storage.ObjectStore
	if cfg.Storage.AccessKey != "" {
		m, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			UseSSL:    cfg.Storage.UseSSL,
			Bucket:    cfg.Storage.Bucket,
		}, logger)
		if err != nil {
			logger.Error("object storage setup failed", "error", err)
			os.Exit(1)
		}
		objStore = m
	} else {
		logger.Warn("MINIO_ACCESS_KEY not set, using in-memory object store")
		objStore = storage.NewMemoryStore()
	}

	// Audit events: Kafka when brokers are configured, slog otherwise.
	var publisher events.Publisher
	if len(cfg.Events.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.Events.KafkaBrokers, cfg.Events.Topic, logger)
	} else {
		publisher = events.NewLogPublisher(logger)
	}
	defer publisher.Close()

	// Quota accounting with plan-envelope caching.
	var cache quota.EnvelopeCache
	if cfg.Quota.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Quota.RedisAddr})
		defer rdb.Close()
		cache = quota.NewRedisCache(rdb, cfg.Quota.EnvelopeTTL)
	} else {
		cache = quota.NewShardedCache(16, cfg.Quota.EnvelopeTTL)
	}
	plans := &quota.StaticPlanProvider{Default: quota.NewFreeEnvelope(cfg.Quota.FreePageLimit)}
	accountant := quota.NewAccountant(usageStore, plans, cache, logger)

	extractor := extract.NewHTTPExtractor(cfg.Extractor.Endpoint, cfg.Extractor.Timeout, logger)
	fileWorker := worker.NewFileWorker(accountant, extractor, objStore, logger)

	control := &managerControl{}
	sched := scheduler.NewScheduler(fileWorker, control, accountant, publisher, logger,
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithPerJobMax(cfg.Scheduler.PerJobMax),
		scheduler.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
		scheduler.WithBackoff(cfg.Scheduler.BackoffBase, cfg.Scheduler.BackoffCap),
		scheduler.WithRunTimeout(cfg.Scheduler.ExtractTimeout),
		scheduler.WithCompletionBuffer(cfg.Scheduler.QueueSize),
	)

	merger := merge.NewMerger(jobStore, artifactStore, objStore, publisher, cfg.Artifacts.TTL, logger)
	mgr := jobs.NewManager(jobStore, sched, merger, objStore, extract.EstimatePages, publisher, logger)
	control.mgr = mgr

	sched.Start()
	mgr.Start(sched.Completions())

	// gRPC health + reflection endpoint.
	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("listen failed", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	logger.Info("batchd serving", "addr", cfg.Server.GRPCAddr)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc serve failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	grpcServer.GracefulStop()

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sched.Shutdown(drainCtx)
	mgr.Wait()
	logger.Info("stopped")
}
