// Agentdatad is the vector-indexed document service: it ingests documents
// into a similarity engine with versioned metadata, and serves hybrid
// retrieval over HTTP.
//
// Configuration is loaded from environment variables. See internal/config
// for the recognized keys and their defaults.
//
// Usage:
//
//	# Start the server with defaults
//	agentdatad
//
//	# Configure via environment
//	SERVER_PORT=8080 VECTOR_BACKEND_URL=localhost:6334 agentdatad
//
//	# Export the vector collection to the snapshot bucket and exit
//	SNAPSHOT_BUCKET=my-bucket agentdatad snapshot
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Huyen1974/agent-data-sub002/internal/autotag"
	"github.com/Huyen1974/agent-data-sub002/internal/blobstore"
	"github.com/Huyen1974/agent-data-sub002/internal/config"
	"github.com/Huyen1974/agent-data-sub002/internal/embeddings"
	"github.com/Huyen1974/agent-data-sub002/internal/httpapi"
	"github.com/Huyen1974/agent-data-sub002/internal/logging"
	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
	"github.com/Huyen1974/agent-data-sub002/internal/orchestrator"
	"github.com/Huyen1974/agent-data-sub002/internal/retrieval"
	"github.com/Huyen1974/agent-data-sub002/internal/snapshot"
	"github.com/Huyen1974/agent-data-sub002/internal/vectorstore"
	"github.com/Huyen1974/agent-data-sub002/pkg/auth"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "json", "log format (json, console)")
	flag.Parse()
	args := flag.Args()

	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "serve", "snapshot":
	case "version":
		printVersion()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		fmt.Fprintf(os.Stderr, "\nUsage:\n")
		fmt.Fprintf(os.Stderr, "  agentdatad            Start the service\n")
		fmt.Fprintf(os.Stderr, "  agentdatad snapshot   Export the vector collection and exit\n")
		fmt.Fprintf(os.Stderr, "  agentdatad version    Show version information\n")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, command, *logLevel, *logFormat); err != nil {
		log.Fatalf("agentdatad: %v", err)
	}
}

func printVersion() {
	fmt.Printf("agentdatad\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

func run(ctx context.Context, command, logLevel, logFormat string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logLevel, logFormat)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	deps, err := initDependencies(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("dependencies initialized",
		zap.Bool("vector_store_ready", deps.vectors != nil),
		zap.Bool("metadata_store_ready", deps.meta != nil),
		zap.Bool("embedder_ready", deps.embedder != nil))

	if command == "snapshot" {
		return runSnapshot(ctx, cfg, deps, logger)
	}
	return serve(ctx, cfg, deps, logger)
}

// dependencies holds the infrastructure handles. Any of them may be nil when
// the corresponding backend is not configured; the gateway answers
// ServiceUnavailable for the affected operations.
type dependencies struct {
	vectors  vectorstore.Store
	meta     metadata.Store
	fs       *metadata.FirestoreStore
	embedder *embeddings.Client
	logger   *zap.Logger
}

// Close releases all infrastructure resources.
func (d *dependencies) Close() {
	if d.vectors != nil {
		if err := d.vectors.Close(); err != nil {
			d.logger.Warn("closing vector store", zap.Error(err))
		}
	}
	if d.fs != nil {
		if err := d.fs.Close(); err != nil {
			d.logger.Warn("closing metadata store", zap.Error(err))
		}
	}
}

func initDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*dependencies, error) {
	deps := &dependencies{logger: logger}

	if cfg.Vector.BackendURL != "" {
		store, err := connectQdrant(ctx, cfg, logger)
		if err != nil {
			logger.Warn("vector store unavailable, ingestion and retrieval disabled", zap.Error(err))
		} else {
			deps.vectors = store
		}
	}

	if cfg.Metadata.ProjectID != "" {
		fs, err := metadata.NewFirestoreStore(ctx, metadata.FirestoreConfig{
			ProjectID:  cfg.Metadata.ProjectID,
			DatabaseID: cfg.Metadata.DatabaseID,
			Collection: cfg.Metadata.Collection,
		})
		if err != nil {
			logger.Warn("metadata store unavailable, ingestion and auth disabled", zap.Error(err))
		} else {
			deps.fs = fs
			deps.meta = fs
		}
	}

	if cfg.Embed.ProviderKey.IsSet() {
		client, err := embeddings.NewClient(embeddings.Config{
			BaseURL:     cfg.Embed.BaseURL,
			APIKey:      cfg.Embed.ProviderKey.Value(),
			Model:       cfg.Embed.Model,
			Dimension:   cfg.Vector.Dimension,
			MinInterval: cfg.Vector.MinInterval,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("creating embedding client: %w", err)
		}
		deps.embedder = client
	}

	return deps, nil
}

func connectQdrant(ctx context.Context, cfg *config.Config, logger *zap.Logger) (vectorstore.Store, error) {
	host, port, err := splitHostPort(cfg.Vector.BackendURL)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
		Host:           host,
		Port:           port,
		APIKey:         cfg.Vector.APIKey.Value(),
		CollectionName: cfg.Vector.Collection,
		VectorSize:     cfg.Vector.Dimension,
		UseTLS:         cfg.Vector.APIKey.IsSet(),
	})
	if err != nil {
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := store.EnsureCollection(initCtx, cfg.Vector.Collection, cfg.Vector.Dimension); err != nil {
		store.Close()
		return nil, err
	}
	logger.Info("vector collection ready",
		zap.String("collection", cfg.Vector.Collection),
		zap.Int("dimension", cfg.Vector.Dimension))
	return store, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// A bare hostname uses the default gRPC port.
		return addr, 6334, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid vector backend port %q: %w", portStr, err)
	}
	return host, port, nil
}

func serve(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) error {
	var enricher *autotag.Enricher
	if deps.embedder != nil {
		var tagStore metadata.Store
		if deps.fs != nil {
			tagStore = deps.fs.WithCollection(cfg.AutoTag.Collection)
		}
		enricher = autotag.New(deps.embedder, tagStore, autotag.Config{
			CacheTTL:      cfg.AutoTag.CacheTTL,
			ContentBudget: cfg.AutoTag.ContentBudget,
			MaxTags:       cfg.AutoTag.MaxTags,
		}, logger)
	}

	var orch *orchestrator.Service
	var engine *retrieval.Engine
	if deps.embedder != nil && deps.vectors != nil && deps.meta != nil {
		var enrich orchestrator.Enricher
		if enricher != nil {
			enrich = enricher
		}
		orch = orchestrator.New(deps.embedder, deps.vectors, deps.meta, enrich, cfg.Vector.Dimension, logger)
		engine = retrieval.New(deps.embedder, deps.vectors, deps.meta, logger)
	}

	var authMgr *auth.Manager
	if cfg.JWT.Secret.IsSet() && deps.fs != nil {
		mgr, err := auth.NewManager(cfg.JWT.Secret.Value(), cfg.JWT.TTL, deps.fs.WithCollection("users"))
		if err != nil {
			return fmt.Errorf("creating auth manager: %w", err)
		}
		authMgr = mgr
	}

	srv, err := httpapi.NewServer(httpapi.Config{
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		CacheEnabled: cfg.RAGCache.Enabled,
		CacheTTL:     cfg.RAGCache.TTL,
		CacheMax:     cfg.RAGCache.MaxEntries,
	}, orch, engine, authMgr, deps.vectors, deps.meta, logger)
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func runSnapshot(ctx context.Context, cfg *config.Config, deps *dependencies, logger *zap.Logger) error {
	if deps.vectors == nil {
		return fmt.Errorf("snapshot requires a configured vector store")
	}
	if cfg.Snapshot.Bucket == "" {
		return fmt.Errorf("snapshot requires SNAPSHOT_BUCKET")
	}

	blobs, err := blobstore.NewGCSStore(ctx, cfg.Snapshot.Bucket)
	if err != nil {
		return fmt.Errorf("connecting to object store: %w", err)
	}
	defer blobs.Close()

	job := snapshot.New(deps.vectors, blobs, cfg.Vector.Collection, logger)
	key, count, err := job.Run(ctx)
	if err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	fmt.Printf("snapshot uploaded: gs://%s/%s (%d points)\n", cfg.Snapshot.Bucket, key, count)
	return nil
}
