package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestRetryable_Classification(t *testing.T) {
	base := errors.New("connection reset")

	if !IsRetryable(Retryable(base)) {
		t.Error("Retryable(err) should classify as retryable")
	}
	if IsRetryable(base) {
		t.Error("a bare error should not classify as retryable")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should stay nil")
	}

	wrapped := fmt.Errorf("handler: %w", Retryable(base))
	if !IsRetryable(wrapped) {
		t.Error("a wrapped RetryableError should still classify as retryable")
	}
}

func TestPublish_FallbackInvokesDirectHandler(t *testing.T) {
	s := NewService(nil, nil, DefaultServiceConfig())
	s.fallbackMode.Store(true)

	var mu sync.Mutex
	var got Message
	s.handlerMu.Lock()
	s.directHandlers["payment.monitor"] = func(ctx context.Context, msg Message) error {
		mu.Lock()
		defer mu.Unlock()
		got = msg
		return nil
	}
	s.handlerMu.Unlock()

	payload := map[string]string{"transaction_id": "abc"}
	if err := s.Publish(context.Background(), "payment.monitor", PriorityHigh, payload); err != nil {
		t.Fatalf("Publish in fallback mode: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Queue != "payment.monitor" {
		t.Errorf("handler saw queue %q, want payment.monitor", got.Queue)
	}
	var decoded map[string]string
	if err := json.Unmarshal(got.Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded["transaction_id"] != "abc" {
		t.Errorf("handler saw payload %v, want transaction_id=abc", decoded)
	}
}

func TestPublish_FallbackWithoutHandlerFails(t *testing.T) {
	s := NewService(nil, nil, DefaultServiceConfig())
	s.fallbackMode.Store(true)

	err := s.Publish(context.Background(), "settlement.process", PriorityLow, struct{}{})
	if err == nil {
		t.Error("expected an error publishing to a queue with no direct handler in fallback mode")
	}
}

func TestQueueConfig_DefaultsWhenUnregistered(t *testing.T) {
	s := NewService(nil, nil, DefaultServiceConfig())

	got := s.queueConfig("never.registered")
	want := DefaultQueueConfig()
	if got.MaxRetries != want.MaxRetries || got.RetryBaseWait != want.RetryBaseWait {
		t.Errorf("unregistered queue config = %+v, want defaults %+v", got, want)
	}

	custom := QueueConfig{MaxRetries: 9, RetryBaseWait: want.RetryBaseWait, Concurrency: 2}
	s.RegisterQueue("webhook.send", custom)
	if got := s.queueConfig("webhook.send"); got.MaxRetries != 9 {
		t.Errorf("registered queue MaxRetries = %d, want 9", got.MaxRetries)
	}
}

func TestHandle_PermanentFailureReachesSink(t *testing.T) {
	sink := &captureSink{}
	s := NewService(nil, sink, DefaultServiceConfig())

	msg := Message{Queue: "refund.process", Payload: json.RawMessage(`{}`)}
	s.handle(context.Background(), "refund.process", msg, func(ctx context.Context, m Message) error {
		return errors.New("bad payload") // non-retriable
	})

	if sink.count() != 1 {
		t.Fatalf("sink recorded %d messages, want 1", sink.count())
	}
}

func TestHandle_RetryBudgetExhaustedReachesSink(t *testing.T) {
	sink := &captureSink{}
	s := NewService(nil, sink, DefaultServiceConfig())
	s.RegisterQueue("payment.monitor", QueueConfig{MaxRetries: 2, RetryBaseWait: DefaultQueueConfig().RetryBaseWait, Concurrency: 1})

	msg := Message{Queue: "payment.monitor", Payload: json.RawMessage(`{}`), RetryCount: 2}
	s.handle(context.Background(), "payment.monitor", msg, func(ctx context.Context, m Message) error {
		return Retryable(errors.New("still down"))
	})

	if sink.count() != 1 {
		t.Fatalf("sink recorded %d messages, want 1 after exhausting the retry budget", sink.count())
	}
}

type captureSink struct {
	mu       sync.Mutex
	messages []Message
}

func (c *captureSink) RecordFailedMessage(ctx context.Context, queueName string, msg Message, lastErr error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, msg)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}
