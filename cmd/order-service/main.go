package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/internal/authsvc"
	"github.com/dluong/bloomshop/internal/config"
	"github.com/dluong/bloomshop/internal/events"
	"github.com/dluong/bloomshop/internal/orders"
	"github.com/dluong/bloomshop/internal/storage"
	"github.com/dluong/bloomshop/internal/websocket"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	var cfg config.OrderService
	if err := config.Load(&cfg); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	store, err := storage.Open(cfg.DatabaseURL, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer store.Close()

	if err := store.WaitReady(30); err != nil {
		logger.WithError(err).Fatal("Database never became ready")
	}
	if err := store.InitSchema(); err != nil {
		logger.WithError(err).Fatal("Failed to create tables")
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}

	producer, err := events.NewProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	tokens := authsvc.NewRedisTokens(redisClient, logger)
	authHandler := authsvc.NewHandler(store, tokens, logger)

	feed := websocket.NewFeed(logger)
	go feed.Run()

	orderHandler := orders.NewHandler(store, producer, logger)
	orderHandler.SetLiveFeed(feed)

	router := mux.NewRouter()
	router.HandleFunc("/health", orderHandler.HealthCheck).Methods("GET")
	router.HandleFunc("/ws", feed.Handle)

	router.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST")
	router.HandleFunc("/api/auth/refresh-token", authHandler.RefreshToken).Methods("POST")
	router.HandleFunc("/api/auth/logout", authHandler.Logout).Methods("POST")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(authsvc.Middleware(tokens, logger))
	api.HandleFunc("/cart", orderHandler.GetCart).Methods("GET")
	api.HandleFunc("/cart", orderHandler.PutCart).Methods("POST")
	api.HandleFunc("/admin/orders", orderHandler.CreateOrder).Methods("POST")
	api.HandleFunc("/admin/orders", orderHandler.ListOrders).Methods("GET")
	api.HandleFunc("/admin/orders/{id}/status", orderHandler.UpdateOrderStatus).Methods("PUT")
	api.HandleFunc("/admin/my-orders", orderHandler.MyOrders).Methods("GET")

	router.Use(loggingMiddleware(logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.Port).Info("Starting order service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server gracefully stopped")
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"remote":   r.RemoteAddr,
				"duration": time.Since(start).Milliseconds(),
			}).Info("Request completed")
		})
	}
}
