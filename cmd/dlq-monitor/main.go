package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"github.com/dluong/bloomshop/internal/config"
	"github.com/dluong/bloomshop/internal/events"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	var cfg config.DLQMonitor
	if err := config.Load(&cfg); err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	consumerConfig := sarama.NewConfig()
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Version = sarama.V2_6_0_0

	consumer, err := sarama.NewConsumerGroup(strings.Split(cfg.KafkaBrokers, ","), cfg.ConsumerGroup, consumerConfig)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ consumer")
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &dlqHandler{logger: logger}

	go func() {
		for {
			if err := consumer.Consume(ctx, []string{events.OrderEventsDLQTopic}, handler); err != nil {
				logger.WithError(err).Error("Error consuming from DLQ")
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	logger.WithField("topic", events.OrderEventsDLQTopic).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down DLQ monitor...")
}

type dlqHandler struct {
	logger *logrus.Logger
}

func (h *dlqHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *dlqHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *dlqHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		meta := map[string]string{}
		for _, header := range message.Headers {
			meta[string(header.Key)] = string(header.Value)
		}

		h.logger.WithFields(logrus.Fields{
			"original_topic": meta["original_topic"],
			"error_message":  meta["error_message"],
			"failure_time":   meta["failure_time"],
			"retry_count":    meta["retry_count"],
			"partition":      message.Partition,
			"offset":         message.Offset,
			"key":            string(message.Key),
		}).Warn("Dead-lettered order event")

		var event map[string]interface{}
		if err := json.Unmarshal(message.Value, &event); err == nil {
			h.logger.WithFields(logrus.Fields{
				"order_id":     event["order_id"],
				"order_number": event["order_number"],
			}).Info("DLQ event payload")
		}

		fmt.Printf("\n=== DLQ Message ===\n")
		fmt.Printf("Seen: %s\n", time.Now().Format(time.RFC3339))
		fmt.Printf("Original Topic: %s\n", meta["original_topic"])
		fmt.Printf("Key: %s\n", string(message.Key))
		fmt.Printf("Error: %s\n", meta["error_message"])
		fmt.Printf("Retries: %s\n", meta["retry_count"])
		fmt.Printf("==================\n\n")

		session.MarkMessage(message, "")
	}
	return nil
}
