package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"satpos/internal/api"
	"satpos/internal/config"
	"satpos/internal/lnurl"
	"satpos/internal/logging"
	"satpos/internal/payments"
	"satpos/internal/rates"
	"satpos/internal/store"
)

func printStats(st *store.SQLiteStore) {
	ctx := context.Background()
	stats, err := st.GetStats(ctx)
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	fmt.Printf("settled payments: %d (%d sats total)\n", stats.TotalReceipts, stats.TotalSats)
	if !stats.FirstSettled.IsZero() {
		fmt.Printf("first: %s  last: %s\n",
			stats.FirstSettled.Format("2006-01-02 15:04"),
			stats.LastSettled.Format("2006-01-02 15:04"))
	}
	for _, ds := range stats.DailyStats {
		fmt.Printf("%s  %4d payments  %12d sats\n", ds.Date, ds.Receipts, ds.Sats)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Internal.Fatalf("config: %v", err)
	}

	addr := flag.String("addr", cfg.ListenAddr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	address := flag.String("address", cfg.Address, "payee Lightning Address (user@domain)")
	showStats := flag.Bool("stats", false, "Show payment statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: disables CORS restrictions and rate limiting")
	corsOrigins := flag.String("cors-origins", "", "Comma-separated list of allowed CORS origins")
	flag.Parse()
	cfg.ListenAddr = *addr
	cfg.DBPath = *dbPath
	cfg.Address = *address

	// Initialize store
	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		logging.Internal.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	if *showStats {
		printStats(st)
		return
	}

	if err := cfg.Validate(); err != nil {
		logging.Internal.Fatalf("config: %v", err)
	}

	// Initialize the payment engine. The same LNURL client serves the pay
	// and withdraw legs.
	converter := rates.NewConverter(rates.Config{BaseURL: cfg.RateBaseURL})
	lnClient := lnurl.NewClient(nil)
	paymentsSvc := payments.NewService(payments.Config{
		Address:       cfg.Address,
		PollInterval:  cfg.PollInterval,
		CardPrepDelay: cfg.CardPrepDelay,
	}, converter, lnClient, lnClient)

	handler := api.NewHandler(paymentsSvc, converter, st)

	// Persist a receipt for every settled session. The engine only knows the
	// callback; persistence stays on this side of the boundary.
	paymentsSvc.SetCompletionCallback(func(sess *payments.Session) {
		handler.RecordSettlement(string(sess.Method()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		receipt := &store.Receipt{
			ID:           uuid.NewString(),
			PaymentHash:  sess.Invoice.PaymentHash,
			AmountSat:    sess.AmountSat,
			FiatAmount:   sess.FiatAmount,
			FiatCurrency: sess.FiatCurrency,
			Memo:         sess.Memo,
			Method:       string(sess.Method()),
			CreatedAt:    sess.StartedAt,
			SettledAt:    time.Now(),
		}
		if err := st.SaveReceipt(ctx, receipt); err != nil {
			logging.Internal.Printf("CRITICAL: failed to save receipt for settled payment %s: %v", sess.Invoice.PaymentHash, err)
		}
	})

	// Configure CORS
	var corsConfig api.CORSConfig
	if *devMode {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else if *corsOrigins != "" {
		origins := strings.Split(*corsOrigins, ",")
		for i, o := range origins {
			origins[i] = strings.TrimSpace(o)
		}
		corsConfig.AllowedOrigins = origins
		logging.Internal.Printf("CORS restricted to origins: %v", origins)
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = handler
	finalHandler = api.CORS(corsConfig)(finalHandler)
	if !*devMode {
		finalHandler = api.RateLimit(api.DefaultRateLimitConfig())(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: finalHandler,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		paymentsSvc.Shutdown()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("accepting payments to %s", cfg.Address)
	logging.Internal.Printf("starting server on %s", cfg.ListenAddr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}
