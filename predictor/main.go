package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/animus-labs/medscan/internal/arbitration"
	"github.com/animus-labs/medscan/internal/domain"
	"github.com/animus-labs/medscan/internal/pipelines"
	"github.com/animus-labs/medscan/internal/platform/auth"
	"github.com/animus-labs/medscan/internal/platform/env"
	"github.com/animus-labs/medscan/internal/platform/httpserver"
	"github.com/animus-labs/medscan/internal/platform/objectstore"
	"github.com/animus-labs/medscan/internal/platform/postgres"
	repopg "github.com/animus-labs/medscan/internal/repo/postgres"
	"github.com/animus-labs/medscan/internal/runtimeexec"
	"github.com/animus-labs/medscan/internal/service/prediction"
	storageobjectstore "github.com/animus-labs/medscan/internal/storage/objectstore"
)

const (
	serviceName = "predictor"
	// responseSlack covers spooling, archiving and persistence around the
	// pipeline runs.
	responseSlack = 30 * time.Second
)

type budgeter interface {
	Budgets(spec domain.PipelineSpec, req domain.InvocationRequest) (time.Duration, time.Duration)
}

// writeTimeout lets a response wait for the slowest pipeline's hard budget.
func writeTimeout(specs []domain.PipelineSpec, budgets budgeter) time.Duration {
	var longest time.Duration
	for _, spec := range specs {
		if _, hard := budgets.Budgets(spec, domain.InvocationRequest{}); hard > longest {
			longest = hard
		}
	}
	return longest + responseSlack
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("MEDSCAN_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("MEDSCAN_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	uploadMaxMiB, err := env.Int("MEDSCAN_UPLOAD_MAX_MIB", 32)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	if _, err := loadOpenAPI(ctx); err != nil {
		logger.Error("invalid openapi document", "error", err)
		os.Exit(2)
	}

	catalog, err := loadCatalog()
	if err != nil {
		logger.Error("invalid pipeline catalog", "error", err)
		os.Exit(2)
	}
	for _, spec := range catalog.Specs() {
		logger.Info("pipeline configured", "pipeline", spec.Name, "working_dir", spec.WorkingDir, "labels", len(spec.Vocabulary))
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()
	if dbCfg.AutoMigrate {
		if err := postgres.Migrate(db); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
	}

	readiness := []httpserver.ReadinessCheck{
		{
			Name: "postgres",
			Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
				return db.PingContext(ctx)
			}),
		},
		{
			Name:  "pipelines",
			Check: pipelinesReady(catalog.Specs()),
		},
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	var imageStore storageobjectstore.Store
	if storeCfg.Enabled {
		storeClient, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := objectstore.EnsureBucket(startupCtx, storeClient, storeCfg); err != nil {
			cancel()
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		cancel()
		minioStore, err := storageobjectstore.NewMinioStoreWithClient(storeClient)
		if err != nil {
			logger.Error("image store init failed", "error", err)
			os.Exit(2)
		}
		imageStore = minioStore
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "minio",
			Check: httpserver.WithTimeout(750*time.Millisecond, func(ctx context.Context) error {
				return objectstore.CheckBucket(ctx, storeClient, storeCfg)
			}),
		})
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	authenticator, err := auth.NewAuthenticator(ctx, authCfg)
	if err != nil {
		logger.Error("auth init failed", "error", err)
		os.Exit(2)
	}

	execCfg, err := runtimeexec.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid pipeline runtime config", "error", err)
		os.Exit(2)
	}
	invoker, err := runtimeexec.NewInvoker(execCfg, logger)
	if err != nil {
		logger.Error("invoker init failed", "error", err)
		os.Exit(2)
	}

	svcCfg, err := prediction.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid prediction config", "error", err)
		os.Exit(2)
	}
	svcCfg.ImagesBucket = storeCfg.BucketImages
	service, err := prediction.NewService(svcCfg, catalog, invoker, repopg.NewRecordStore(db), imageStore, logger)
	if err != nil {
		logger.Error("prediction service init failed", "error", err)
		os.Exit(2)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, readiness...))

	api := newPredictorAPI(logger, service, int64(uploadMaxMiB)<<20)
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
		SkipPrefixes:  []string{"/healthz", "/readyz", "/openapi.yaml"},
	}.Wrap(mux)

	cfg := httpserver.Config{
		Service:         serviceName,
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
		WriteTimeout:    writeTimeout(catalog.Specs(), invoker),
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, serviceName, handler)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// loadCatalog reads MEDSCAN_PIPELINES_FILE, or builds the default
// chest/fracture pair under MEDSCAN_MODELS_ROOT.
func loadCatalog() (*pipelines.Catalog, error) {
	var (
		catalog *pipelines.Catalog
		err     error
	)
	if path := strings.TrimSpace(env.String("MEDSCAN_PIPELINES_FILE", "")); path != "" {
		catalog, err = pipelines.Load(path)
	} else {
		catalog, err = pipelines.Default(env.String("MEDSCAN_MODELS_ROOT", ".."), env.String("MEDSCAN_PYTHON", "python3"))
	}
	if err != nil {
		return nil, err
	}
	if raw := strings.TrimSpace(env.String("MEDSCAN_CONFIDENCE_MODE", "")); raw != "" {
		mode, err := arbitration.ParseConfidenceMode(raw)
		if err != nil {
			return nil, err
		}
		catalog = catalog.WithConfidenceMode(mode)
	}
	return catalog, nil
}
