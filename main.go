// main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"esimbot/internal/bot"
	"esimbot/internal/broadcast"
	"esimbot/internal/config"
	"esimbot/internal/data"
	"esimbot/internal/discount"
	"esimbot/internal/fulfill"
	"esimbot/internal/inventory"
	"esimbot/internal/ledger"
	"esimbot/internal/logger"
	"esimbot/internal/payment"
	"esimbot/internal/session"
	"esimbot/internal/telegram"
	"esimbot/internal/webhook"
)

func main() {
	// Step 1: Setup configuration first
	config.LoadEnv()

	// Step 2: Setup logging
	if err := logger.Setup(config.LoggerConfig()); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	config.ConfigurePaths()

	// Step 3: Credentials. Missing bot credentials are fatal before any
	// traffic is accepted; missing gateway credentials only disable checkout.
	if err := config.LoadBotConfig(); err != nil {
		logger.LogFatal("Failed to load bot config: %v", err)
	}
	config.LoadPayPayConfig()

	// Step 4: Load the ledger (fail-soft) and the purchase database.
	store := ledger.NewStore(config.DataFile(), config.BackupDirectory())
	store.Load()

	persist := true
	if err := data.InitDB(config.PurchaseDBPath()); err != nil {
		logger.LogWarn("Purchase database unavailable, history is memory-only: %v", err)
		persist = false
	} else {
		defer data.CloseDB()
	}

	// Step 5: Wire the core
	client := telegram.NewClient(config.TelegramToken())
	sessions := session.NewManager()
	inv := inventory.NewService(store)
	engine := discount.NewEngine(store)
	caster := broadcast.New(client, config.AdminID())
	dispatcher := fulfill.NewDispatcher(client, inv, store, persist)
	handler := bot.New(config.AdminID(), client, store, sessions, inv, engine,
		dispatcher, caster, config.PayPayEnabled(), config.BackupRetention())

	// Step 6: Background routines
	stop := make(chan struct{})
	sessions.StartEvictionRoutine(config.SessionTTL(), stop)
	go payment.CleanExpiredSessions(stop)

	// Step 7: Update polling + webhook server
	pollCtx, cancelPoll := context.WithCancel(context.Background())
	go client.Poll(pollCtx, handler.HandleUpdate)
	logger.LogInfo("eSIM storefront bot started (admin %d)", config.AdminID())

	run(config.ServerAddress(), routes(handler))

	cancelPoll()
	close(stop)
}

// routes sets up the webhook server endpoints.
func routes(handler *bot.Handler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/paypay/callback", webhook.NewHandler(handler))

	return mux
}

// run starts the HTTP server and blocks until a shutdown signal arrives.
func run(addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:         addr,
		Handler:      logRequests(withTimeout(mux, 15*time.Second)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.LogInfo("Starting webhook server on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.LogFatal("Webhook server failed: %v", err)
		}
	}()

	<-stop
	logger.LogInfo("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.LogError("Server shutdown error: %v", err)
	} else {
		logger.LogInfo("Server shut down gracefully")
	}
}

// Middleware: timeout handler
func withTimeout(h http.Handler, timeout time.Duration) http.Handler {
	return http.TimeoutHandler(h, timeout, "Request timed out")
}

// Middleware: log requests
func logRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		h.ServeHTTP(w, r)

		duration := time.Since(start)
		logger.LogInfo("%s %s took %v", r.Method, r.URL.Path, duration)
	})
}
