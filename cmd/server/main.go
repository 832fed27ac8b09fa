package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"banyco-be/internal/config"
	"banyco-be/internal/db"
	"banyco-be/internal/logger"
	"banyco-be/internal/metrics"
	"banyco-be/internal/middleware"
	"banyco-be/internal/order"
	"banyco-be/internal/payment"
	"banyco-be/internal/payment/webhook"
	"banyco-be/internal/utils"

	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var (
	initDBFunc      = db.InitDB
	startServerFunc = func(srv *http.Server) error {
		return srv.ListenAndServe()
	}
)

// server bundles the HTTP handler with the background workers that share
// its lifetime.
type server struct {
	handler    http.Handler
	limiter    *middleware.RateLimiter
	reconciler *order.Reconciler
}

func main() {
	if err := run(); err != nil {
		logger.L().Fatal("server exited", zap.Error(err))
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger.Init(cfg.AppEnv)
	defer logger.Sync()

	database := initDBFunc(cfg)
	defer database.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := newServer(cfg, database)
	go app.limiter.Run(ctx)
	go app.reconciler.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           app.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- startServerFunc(srv)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.L().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

func newServer(cfg *config.Config, database *sql.DB) *server {
	gateway := payment.NewZaloPayGateway(payment.ZaloPayConfig{
		AppID:       cfg.ZaloPayAppID,
		Key1:        cfg.ZaloPayKey1,
		Key2:        cfg.ZaloPayKey2,
		RefundKey:   cfg.RefundKey(),
		Endpoint:    cfg.ZaloPayEndpoint,
		CallbackURL: cfg.ZaloPayCallbackURL,
		RedirectURL: cfg.ZaloPayRedirectURL,
	})

	orderRepo := order.NewRepository(database)
	paymentRepo := payment.NewRepository(database)
	orderSvc := order.NewService(orderRepo, paymentRepo, gateway)

	webhookHandler := webhook.NewWebhookHandler(orderSvc, gateway, paymentRepo)
	limiter := middleware.NewRateLimiter()

	return &server{
		handler:    setupRouter(cfg, order.NewHandler(orderSvc), webhookHandler.ZaloPayCallback, limiter),
		limiter:    limiter,
		reconciler: order.NewReconciler(orderSvc, cfg.ReconcileInterval),
	}
}

func setupRouter(
	cfg *config.Config,
	orders *order.Handler,
	webhookHandler http.HandlerFunc,
	limiter *middleware.RateLimiter,
) http.Handler {
	mux := http.NewServeMux()
	admin := middleware.RequireRole(utils.RoleAdmin)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /webhook/payment", webhookHandler)

	mux.HandleFunc("POST /payments", orders.StartPayment)
	mux.HandleFunc("GET /payments/{appTransID}", orders.GetPayment)
	mux.Handle("POST /orders/{id}/refunds", admin(http.HandlerFunc(orders.RefundOrder)))
	mux.Handle("GET /refunds/{mRefundID}", admin(http.HandlerFunc(orders.RefundStatus)))

	var h http.Handler = mux
	h = limiter.Middleware(h)
	h = middleware.InternalMiddleware(cfg.InternalSecretKey)(h)
	h = middleware.AuthMiddleware(cfg.JWTSecret)(h)
	h = logger.LoggingMiddleware(h)
	h = logger.RequestIDMiddleware(h)
	return h
}
