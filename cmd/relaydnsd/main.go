// Command relaydnsd runs the DNS front-end plus its admin/observability
// HTTP surface, wired together from environment variables.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaydns/relaydns/internal/authority"
	"github.com/relaydns/relaydns/internal/dns/cache"
	"github.com/relaydns/relaydns/internal/dns/client"
	"github.com/relaydns/relaydns/internal/dns/server"
	"github.com/relaydns/relaydns/internal/rcontext"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	var auth authority.Authority = authority.None{}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL != "" {
		db, err := sql.Open("pgx", dbURL)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		db.SetMaxOpenConns(200)
		db.SetMaxIdleConns(100)
		db.SetConnMaxLifetime(10 * time.Minute)
		defer func() { _ = db.Close() }()

		auth = authority.NewPostgres(db, logger)
		logger.Info("authority backed by postgres", "url", dbURL)
	}

	c := cache.New()
	cl, err := client.New(0)
	if err != nil {
		return fmt.Errorf("starting transaction client: %w", err)
	}
	defer cl.Close()

	rctx := rcontext.New(c, cl, auth)

	if host := os.Getenv("FORWARD_HOST"); host != "" {
		rctx.ResolveStrategy = rcontext.StrategyForward
		rctx.ForwardHost = host
		rctx.ForwardPort = getEnvInt("FORWARD_PORT", 53)
		logger.Info("forwarding strategy enabled", "host", rctx.ForwardHost, "port", rctx.ForwardPort)
	}

	var bus *server.InvalidationBus
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		bus = server.NewInvalidationBus(redisAddr, os.Getenv("REDIS_PASSWORD"), 0, logger)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := bus.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to redis at %s: %w", redisAddr, err)
		}
		bus.Subscribe(ctx, c)
		logger.Info("cache invalidation bus connected", "addr", redisAddr)
	}

	dnsAddr := os.Getenv("DNS_ADDR")
	if dnsAddr == "" {
		dnsAddr = fmt.Sprintf("127.0.0.1:%d", rcontext.DefaultDNSPort)
	}
	dnsServer := server.NewServer(dnsAddr, rctx, logger)
	go func() {
		if err := dnsServer.Run(); err != nil {
			logger.Error("dns server failed", "error", err)
		}
	}()

	apiAddr := os.Getenv("API_ADDR")
	if apiAddr == "" {
		apiAddr = fmt.Sprintf(":%d", rcontext.DefaultAPIPort)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "tcp_queries=%d udp_queries=%d client_sent=%d client_failed=%d cached_domains=%d\n",
			rctx.Statistics.TCPQueryCount(), rctx.Statistics.UDPQueryCount(),
			cl.TotalSent(), cl.TotalFailed(), len(c.List()))
	})

	httpServer := &http.Server{
		Addr:              apiAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("starting admin api", "addr", apiAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin api failed", "error", err)
		}
	}()

	logger.Info("relaydnsd started", "dns_addr", dnsAddr, "api_addr", apiAddr)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin api shutdown failed", "error", err)
	}

	return nil
}

func getEnvInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
