package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/Minimalistic-Apps/donation-key-server/internal/config"
	"github.com/Minimalistic-Apps/donation-key-server/internal/handlers"
	"github.com/Minimalistic-Apps/donation-key-server/internal/lnbits"
	"github.com/Minimalistic-Apps/donation-key-server/internal/logger"
	"github.com/Minimalistic-Apps/donation-key-server/internal/metrics"
	"github.com/Minimalistic-Apps/donation-key-server/internal/sign"
	"github.com/Minimalistic-Apps/donation-key-server/internal/storage"
)

var (
	// Standard HTTP metrics recorded by the instrumentation middleware
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "method"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	metrics.Register()
}

func main() {
	cfg, err := config.Load(getEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		logger.Fatal("failed to load configuration", map[string]interface{}{
			"error": err.Error(),
		})
	}

	expectedAmount, err := decimal.NewFromString(cfg.SatsAmount)
	if err != nil {
		logger.Fatal("invalid SATS_AMOUNT", map[string]interface{}{
			"error": err.Error(),
			"value": cfg.SatsAmount,
		})
	}

	store, err := storage.NewSQLClaimStore(cfg.DatabaseDriver, cfg.DatabaseURL, time.Now)
	if err != nil {
		logger.Fatal("failed to initialize claim store", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer store.Close()

	lnBits := lnbits.NewHTTPClient(cfg.LnBitsURL, cfg.LnBitsAPIKey)
	signer := sign.NewDonationKeySigner(cfg.PrivateKeyPath)

	server := handlers.New(store, lnBits, signer, expectedAmount, cfg.Domain+handlers.URLPaymentSuccessCallback)

	http.HandleFunc(handlers.URLClaim, instrumentHandler("claim", server.ClaimHandler))
	http.HandleFunc(handlers.URLClaimStatus, instrumentHandler("claim-status", server.ClaimStatusHandler))
	http.HandleFunc(handlers.URLPaymentSuccessCallback, instrumentHandler("payment-callback", server.PaymentCallbackHandler))
	http.HandleFunc("/health", instrumentHandler("health", server.HealthHandler))
	http.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting HTTP server", map[string]interface{}{
		"port":   cfg.Port,
		"domain": cfg.Domain,
		"driver": cfg.DatabaseDriver,
		"amount": expectedAmount.String(),
	})

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c
	logger.Info("shutting down server", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown failed", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	logger.Info("server shutdown complete", nil)
}

// instrumentHandler wraps an HTTP handler with Prometheus instrumentation
// and a per-request id in the access log.
func instrumentHandler(handlerName string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		requestID := uuid.NewString()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(wrapped, r)

		duration := time.Since(startTime)
		httpRequestDuration.WithLabelValues(handlerName, r.Method).Observe(duration.Seconds())
		httpRequestsTotal.WithLabelValues(handlerName, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()

		logger.Info("request handled", map[string]interface{}{
			"request_id": requestID,
			"handler":    handlerName,
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     wrapped.statusCode,
			"duration":   duration.String(),
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
