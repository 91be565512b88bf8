package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"testmakon/realtime/internal/archive"
	"testmakon/realtime/internal/auth"
	"testmakon/realtime/internal/battle"
	configpkg "testmakon/realtime/internal/config"
	"testmakon/realtime/internal/journal"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/metrics"
	"testmakon/realtime/internal/rpc"
	"testmakon/realtime/internal/store"
	"testmakon/realtime/internal/store/postgres"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	adminWindow       = time.Minute
	adminLimit        = 6
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "realtime: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	//1.- Environment files are optional; a missing .env is not an error.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := configpkg.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//2.- Persistence: postgres when a DSN is configured, the in-memory store otherwise.
	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.TokenLeeway)
	if err != nil {
		return fmt.Errorf("init token verifier: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	coordinator := newCoordinator(cfg, st, verifier, coordinatorOptions{
		logger:    logger,
		metrics:   m,
		journal:   journal.New(cfg.JournalDir, time.Now, logger.With(logging.String("component", "journal"))),
		archive:   openArchive(ctx, cfg, logger),
		simulator: battle.RandomSimulator{},
	})
	coordinator.Start(ctx)

	server := &http.Server{
		Addr:              cfg.Address,
		Handler:           newRouter(coordinator, registry, logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	tlsEnabled := cfg.TLSCertPath != "" && cfg.TLSKeyPath != ""
	errCh := make(chan error, 2)
	go func() {
		urls := listenerURLs(cfg.Address, tlsEnabled)
		logger.Info("coordinator listening",
			logging.String("http", urls.HTTP),
			logging.String("notifications", urls.Notifications),
			logging.String("exam", urls.Exam),
		)
		var err error
		if tlsEnabled {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	grpcServer, err := startControlPlane(cfg, coordinator, logger, errCh)
	if err != nil {
		coordinator.Close()
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-errCh:
		logger.Error("listener failed", logging.Error(err))
	}

	//3.- Stop accepting traffic, then drain sessions and background loops.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Warn("http shutdown incomplete", logging.Error(shutdownErr))
	}
	coordinator.Close()
	logger.Info("coordinator stopped")
	return err
}

func openStore(ctx context.Context, cfg *configpkg.Config, logger *logging.Logger) (store.Store, func(), error) {
	if strings.TrimSpace(cfg.DatabaseDSN) == "" {
		logger.Warn("no database configured; using the in-memory store")
		return store.NewMemory(), func() {}, nil
	}
	pg, err := postgres.Open(cfg.DatabaseDSN, logger.With(logging.String("component", "postgres")))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	migrateCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := pg.Migrate(migrateCtx); err != nil {
		_ = pg.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.Warn("close database", logging.Error(err))
		}
	}, nil
}

// openArchive connects the result archive. Archive failures never block startup.
func openArchive(ctx context.Context, cfg *configpkg.Config, logger *logging.Logger) archive.Sink {
	if strings.TrimSpace(cfg.ElasticURL) == "" {
		return archive.Nop{}
	}
	log := logger.With(logging.String("component", "archive"))
	client, err := archive.Dial(strings.Split(cfg.ElasticURL, ","), nil)
	if err != nil {
		log.Warn("archive disabled", logging.Error(err))
		return archive.Nop{}
	}
	sink := archive.NewElasticSink(client, cfg.ElasticPrefix, log)
	ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := sink.EnsureIndexes(ensureCtx); err != nil {
		log.Warn("archive indexes not ensured", logging.Error(err))
	}
	return sink
}

func startControlPlane(cfg *configpkg.Config, c *Coordinator, logger *logging.Logger, errCh chan<- error) (*grpc.Server, error) {
	if strings.TrimSpace(cfg.GRPCAddress) == "" {
		return nil, nil
	}
	log := logger.With(logging.String("component", "rpc"))
	opts, err := configureGRPCSecurity(cfg, log)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", cfg.GRPCAddress)
	if err != nil {
		return nil, fmt.Errorf("listen grpc: %w", err)
	}
	server := grpc.NewServer(opts...)
	rpc.Register(server, rpc.NewService(c, rpc.WithLogger(log)))
	go func() {
		log.Info("control plane listening", logging.String("address", normaliseHostPort(cfg.GRPCAddress)))
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	return server, nil
}
