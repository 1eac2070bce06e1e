package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/internal/config"
	"github.com/dluong/bloomshop/internal/events"
	"github.com/dluong/bloomshop/internal/storage"
	"github.com/dluong/bloomshop/internal/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	var cfg config.Worker
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

	auditWorker := worker.NewAuditWorker(store, logger)

	consumer, err := events.NewConsumer(cfg.KafkaBrokers, cfg.ConsumerGroup, auditWorker, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		logger.Info("Shutting down order worker...")
		cancel()
	}()

	logger.WithFields(logrus.Fields{
		"brokers": cfg.KafkaBrokers,
		"group":   cfg.ConsumerGroup,
	}).Info("Starting order worker")

	if err := consumer.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Consumer stopped with error")
	}

	metrics := consumer.Metrics()
	logger.WithFields(logrus.Fields{
		"processed": metrics.Processed,
		"succeeded": metrics.Succeeded,
		"failed":    metrics.Failed,
		"retries":   metrics.Retries,
		"dlq":       metrics.DLQ,
	}).Info("Order worker stopped")
}
