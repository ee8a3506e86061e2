package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cockpit/api/internal/agentrepo"
	"cockpit/api/internal/app"
	"cockpit/api/internal/authpw"
	"cockpit/api/internal/billing"
	"cockpit/api/internal/chat"
	"cockpit/api/internal/config"
	"cockpit/api/internal/email"
	"cockpit/api/internal/export"
	"cockpit/api/internal/knowledge"
	"cockpit/api/internal/llm"
	"cockpit/api/internal/logging"
	"cockpit/api/internal/objectstore"
	"cockpit/api/internal/queue"
	"cockpit/api/internal/search"
	"cockpit/api/internal/session"
	"cockpit/api/internal/store"
	"cockpit/api/internal/vector"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalw("database connection failed", "error", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalw("migrations failed", "error", err)
	}

	if err := os.MkdirAll(cfg.AgentReposDir, 0o755); err != nil {
		log.Fatalw("failed to create agent repos dir", "dir", cfg.AgentReposDir, "error", err)
	}

	dataStore := store.NewPostgresStore(db)

	// Redis holds refresh sessions and the ingestion queue.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalw("invalid redis url", "error", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Fatalw("redis connection failed", "error", err)
	}
	cancelPing()
	sessions := session.NewRedisStoreWithClient(redisClient, dataStore)
	jobs := queue.NewRedisQueue(redisClient, queue.DefaultKey)

	vectors, err := vector.NewQdrant(cfg.QdrantAddr, cfg.QdrantAPIKey, cfg.QdrantCollection, cfg.EmbeddingDimensions, log)
	if err != nil {
		log.Fatalw("qdrant client failed", "error", err)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx); err != nil {
		log.Fatalw("qdrant collection setup failed", "collection", cfg.QdrantCollection, "error", err)
	}

	objects, err := objectstore.NewMinIO(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	if err != nil {
		log.Fatalw("minio client failed", "error", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Fatalw("minio bucket setup failed", "bucket", cfg.MinioBucket, "error", err)
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgfts, log)
	go searchService.ReindexFromPG(ctx, "")

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.OpenAIBaseURL,
		APIKey:         cfg.OpenAIAPIKey,
		EmbeddingModel: cfg.EmbeddingModel,
		Dimensions:     cfg.EmbeddingDimensions,
	}, log)

	checker := billing.NewChecker(dataStore)
	kb, err := knowledge.NewService(knowledge.Config{
		Chunk:          knowledge.Options{MaxTokens: cfg.ChunkMaxTokens, OverlapTokens: cfg.ChunkOverlapTokens},
		MaxUploadBytes: cfg.MaxUploadBytes,
		TopK:           cfg.SearchTopK,
		Threshold:      cfg.SearchThreshold,
	}, knowledge.Deps{
		Store:    dataStore,
		Objects:  objects,
		Vectors:  vectors,
		Embedder: llmClient,
		Queue:    jobs,
		Keywords: searchService,
		Limits:   checker,
	}, log)
	if err != nil {
		log.Fatalw("knowledge service config invalid", "error", err)
	}

	worker := knowledge.NewWorker(knowledge.WorkerConfig{
		Concurrency: cfg.IngestWorkers,
		StaleAfter:  cfg.StaleAfter,
	}, jobs, kb, log)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Errorw("ingestion worker stopped", "error", err)
		}
	}()

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		log.Info("SMTP not configured, reset tokens are returned in API responses")
	}

	service := app.New(cfg, app.Deps{
		Store:     dataStore,
		Sessions:  sessions,
		Accounts:  authpw.NewService(dataStore),
		Billing:   checker,
		Knowledge: kb,
		Chat:      chat.NewService(dataStore, kb, llmClient, checker, cfg.ChatModel, log),
		History:   agentrepo.New(cfg.AgentReposDir),
		Exporter:  export.NewService(),
		Mailer:    mailer,
	}, log)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, cfg.MaxUploadBytes, log)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infow("Cockpit API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown error", "error", err)
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		log.Warn("ingestion worker did not stop in time")
	}
}
