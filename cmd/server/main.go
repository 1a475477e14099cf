package main

import (
	"context"
	"errors"
	"localai-backend/internal/api"
	"localai-backend/internal/config"
	"localai-backend/internal/handlers"
	"localai-backend/internal/integrations/ollama"
	"localai-backend/internal/memory"
	"localai-backend/internal/services"
	"localai-backend/internal/store"
	"localai-backend/internal/store/postgres"
	"localai-backend/internal/store/sqlite"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	log.Println("Starting Local AI Companion Backend...")

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	// 2. Open Transcript Store
	transcripts, err := openStore(cfg)
	if err != nil {
		log.Fatalf("FATAL: Unable to open transcript store: %v", err)
	}
	defer transcripts.Close()

	// 3. Open Memory Index
	memoryIndex, err := memory.New(cfg.MemoryDir, memory.NewEmbedder(cfg.EmbeddingModel, cfg.OllamaHost))
	if err != nil {
		log.Fatalf("FATAL: Unable to open memory index: %v", err)
	}
	log.Println("Memory index initialized.")

	// 4. Initialize Model Gateway
	gateway := ollama.NewClient(cfg.OllamaHost,
		ollama.WithCatalogTimeout(cfg.CatalogTimeout),
		ollama.WithCatalogFallback(cfg.CatalogFallback, cfg.DefaultModel),
	)
	log.Printf("Ollama client initialized for %s.", cfg.OllamaHost)

	// --- Initialize Services ---
	chatService := services.NewChatService(gateway, transcripts, memoryIndex, services.ChatOptions{
		AutoSessionOnStream: cfg.AutoSessionOnStream,
		ContextTopK:         cfg.ContextTopK,
		DefaultModel:        cfg.DefaultModel,
	})
	log.Println("ChatService initialized.")
	historyService := services.NewHistoryService(transcripts, memoryIndex)
	log.Println("HistoryService initialized.")

	// --- Initialize Handlers ---
	chatHandler := handlers.NewChatHandlers(chatService)
	log.Println("ChatHandler initialized.")
	historyHandler := handlers.NewHistoryHandler(historyService)
	log.Println("HistoryHandler initialized.")

	// 5. Setup Router & Inject Dependencies
	router := api.NewRouter(api.RouterDependencies{
		ChatHandler:    chatHandler,
		HistoryHandler: historyHandler,
		Config:         cfg,
	})
	log.Println("HTTP router configured.")

	// 6. Configure and Start HTTP Server
	// No ReadTimeout/WriteTimeout: streamed replies last as long as the model keeps generating.
	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting and listening on port %s", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: Could not listen on %s: %v\n", cfg.HTTPPort, err)
		}
		log.Println("Server listener routine stopped.")
	}()

	<-stopChan
	log.Println("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: Server graceful shutdown failed: %v", err)
	}

	log.Println("Server shutdown complete.")
}

// openStore opens Postgres when DATABASE_URL points at it, SQLite otherwise.
func openStore(cfg *config.Config) (store.Store, error) {
	if !cfg.UsePostgres() {
		return sqlite.NewSQLiteStore(cfg.SQLitePath)
	}

	dbCtx, dbCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dbCancel()

	dbpool, err := pgxpool.New(dbCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := dbpool.Ping(dbCtx); err != nil {
		dbpool.Close()
		return nil, err
	}
	log.Println("Database connection pool established and pinged successfully.")

	pgStore := postgres.NewPostgresStore(dbpool)
	if err := pgStore.EnsureSchema(dbCtx); err != nil {
		pgStore.Close()
		return nil, err
	}
	return pgStore, nil
}
