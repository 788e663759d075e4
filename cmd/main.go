package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/storecredit/creditnote/internal/api"
	"github.com/storecredit/creditnote/internal/config"
	"github.com/storecredit/creditnote/internal/database"
	"github.com/storecredit/creditnote/internal/notify"
	"github.com/storecredit/creditnote/internal/repository"
	"github.com/storecredit/creditnote/internal/service"
	"github.com/storecredit/creditnote/internal/token"
)

func main() {
	ctx := context.Background()

	// Load configuration from environment variables
	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting credit note service in %s mode", cfg.App.Environment)

	// Pick the ledger store: Postgres by default, in-memory when the
	// database is disabled (local development).
	var store repository.Store
	var db *database.DB
	if cfg.Database.Disabled {
		log.Println("Database disabled, using in-memory ledger store")
		store = repository.NewMemoryStore()
	} else {
		db, err = database.NewDB(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Printf("Error closing database connections: %v", err)
			}
		}()

		if err := db.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate schema: %v", err)
		}
		store = repository.NewInstrumentRepository(db.Postgres)
	}

	// Assemble the ledger core
	codec := token.NewCodec(cfg.Token.Secret, cfg.Token.MaxAge())
	ledger := service.New(store, codec, notify.LogNotifier{}, cfg.Note.Prefix, cfg.Note.MaxAttempts)

	// Create router
	r := chi.NewRouter()

	// Register credit note API routes
	handler := api.NewHandler(ledger)
	handler.Routes(r)

	// Add health check endpoint
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		hostname, _ := os.Hostname()
		w.WriteHeader(http.StatusOK)
		response := fmt.Sprintf(`{"status":"ok","service":"credit-note-ledger","hostname":"%s"}`, hostname)
		w.Write([]byte(response))
	})

	// Add database health check endpoint
	r.Get("/health/db", func(w http.ResponseWriter, req *http.Request) {
		if db == nil {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok","store":"memory"}`))
			return
		}
		if err := db.Postgres.PingContext(req.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","message":"postgres unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","postgres":"connected"}`))
	})

	// Add Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// Create server with configuration optimized for high concurrency
	server := &http.Server{
		Addr:           cfg.Server.GetServerAddr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second, // Keep connections alive longer
		MaxHeaderBytes: 1 << 20,           // 1MB
		// Use h2c so we can serve HTTP/2 without TLS
		Handler: h2c.NewHandler(r, &http2.Server{
			MaxConcurrentStreams: 1000, // Allow more concurrent streams
		}),
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting credit note service on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited gracefully")
}
