package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dluong/bloomshop/pkg/models"
)

type countingHandler struct {
	created   int64
	changed   int64
	err       error
	retryable bool
}

func (h *countingHandler) HandleOrderCreated(OrderCreatedEvent) error {
	atomic.AddInt64(&h.created, 1)
	return h.err
}

func (h *countingHandler) HandleStatusChanged(OrderStatusChangedEvent) error {
	atomic.AddInt64(&h.changed, 1)
	return h.err
}

func (h *countingHandler) IsRetryable(error) bool { return h.retryable }

type fakeSession struct {
	ctx    context.Context
	marked int64
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }

func (s *fakeSession) MemberID() string { return "test-member" }

func (s *fakeSession) GenerationID() int32 { return 1 }

func (s *fakeSession) MarkOffset(string, int32, int64, string) {}

func (s *fakeSession) ResetOffset(string, int32, int64, string) {}

func (s *fakeSession) MarkMessage(*sarama.ConsumerMessage, string) {
	atomic.AddInt64(&s.marked, 1)
}

func (s *fakeSession) Commit() {}

func (s *fakeSession) Context() context.Context { return s.ctx }

type fakeClaim struct {
	topic    string
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string { return c.topic }

func (c *fakeClaim) Partition() int32 { return 0 }

func (c *fakeClaim) InitialOffset() int64 { return 0 }

func (c *fakeClaim) HighWaterMarkOffset() int64 { return 0 }

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimWithCreatedEvents(t *testing.T, n int) *fakeClaim {
	t.Helper()
	claim := &fakeClaim{topic: OrderCreatedTopic, messages: make(chan *sarama.ConsumerMessage, n)}
	for i := 0; i < n; i++ {
		value, err := json.Marshal(OrderCreatedEvent{OrderID: fmt.Sprintf("order-%d", i)})
		require.NoError(t, err)
		claim.messages <- &sarama.ConsumerMessage{Topic: OrderCreatedTopic, Value: value}
	}
	close(claim.messages)
	return claim
}

func claimWithStatusEvents(t *testing.T, n int) *fakeClaim {
	t.Helper()
	claim := &fakeClaim{topic: OrderStatusChangedTopic, messages: make(chan *sarama.ConsumerMessage, n)}
	for i := 0; i < n; i++ {
		value, err := json.Marshal(OrderStatusChangedEvent{
			OrderID: fmt.Sprintf("order-%d", i),
			From:    models.StatusPending,
			To:      models.StatusProcessing,
		})
		require.NoError(t, err)
		claim.messages <- &sarama.ConsumerMessage{Topic: OrderStatusChangedTopic, Value: value}
	}
	close(claim.messages)
	return claim
}

// The group runs one ConsumeClaim per claimed partition, so with both order
// topics the metrics counters are hit from two goroutines at once and every
// increment must survive that.
func TestConsumeClaimMetricsSurviveConcurrentClaims(t *testing.T) {
	const perClaim = 200

	handler := &countingHandler{}
	metrics := &ConsumerMetrics{}
	h := &groupHandler{
		handler:  handler,
		producer: mocks.NewSyncProducer(t, mocks.NewTestConfig()),
		logger:   testLogger(),
		metrics:  metrics,
	}

	session := &fakeSession{ctx: context.Background()}
	claims := []*fakeClaim{
		claimWithCreatedEvents(t, perClaim),
		claimWithStatusEvents(t, perClaim),
	}

	var wg sync.WaitGroup
	for _, claim := range claims {
		wg.Add(1)
		go func(claim *fakeClaim) {
			defer wg.Done()
			assert.NoError(t, h.ConsumeClaim(session, claim))
		}(claim)
	}
	wg.Wait()

	got := metrics.snapshot()
	assert.Equal(t, int64(2*perClaim), got.Processed)
	assert.Equal(t, int64(2*perClaim), got.Succeeded)
	assert.Equal(t, int64(0), got.Failed)
	assert.Equal(t, int64(2*perClaim), atomic.LoadInt64(&session.marked))
	assert.Equal(t, int64(perClaim), atomic.LoadInt64(&handler.created))
	assert.Equal(t, int64(perClaim), atomic.LoadInt64(&handler.changed))
}

func TestConsumeClaimParksNonRetryableOnDLQ(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, OrderEventsDLQTopic, msg.Topic)
		var haveTopic bool
		for _, header := range msg.Headers {
			if string(header.Key) == "original_topic" {
				haveTopic = true
				assert.Equal(t, OrderCreatedTopic, string(header.Value))
			}
		}
		assert.True(t, haveTopic, "DLQ message is missing the original_topic header")
		return nil
	})

	handler := &countingHandler{err: errors.New("boom"), retryable: false}
	metrics := &ConsumerMetrics{}
	h := &groupHandler{
		handler:  handler,
		producer: producer,
		logger:   testLogger(),
		metrics:  metrics,
	}

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(session, claimWithCreatedEvents(t, 1)))

	got := metrics.snapshot()
	assert.Equal(t, int64(1), got.Processed)
	assert.Equal(t, int64(1), got.Failed)
	assert.Equal(t, int64(1), got.DLQ)
	assert.Equal(t, int64(0), got.Succeeded)
	require.NoError(t, producer.Close())
}
