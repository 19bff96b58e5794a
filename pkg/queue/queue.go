// Package queue is a typed, persistent task broker backed by Redis. It
// provides named queues with two priority lanes, a delayed-retry lane
// modeled as a sorted set, and a synchronous fallback mode for when Redis
// itself is unreachable.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Priority selects which of a queue's two Redis lists a message lands on.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityHigh
)

// Message is the envelope carried through a queue, including enough
// metadata to support the delayed-retry and failed-message paths.
type Message struct {
	ID         uuid.UUID       `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Handler processes one message. Returning a RetryableError schedules a
// delayed retry until the message's RetryCount reaches MaxRetries, after
// which it is written to the failed-message log; any other error is
// treated as permanent and the message is written to that log at once.
type Handler func(ctx context.Context, msg Message) error

// FailureSink persists a message that exhausted its retry budget. The
// database layer (§4.8) is the production implementation, kept as an
// interface here so pkg/queue does not import pkg/database directly.
type FailureSink interface {
	RecordFailedMessage(ctx context.Context, queueName string, msg Message, lastErr error) error
}

// QueueConfig configures one named queue's retry policy.
type QueueConfig struct {
	MaxRetries    int
	RetryBaseWait time.Duration
	Concurrency   int
}

// DefaultQueueConfig allows a handful of retries with a short base wait,
// one worker goroutine per queue by default (callers raise Concurrency
// for higher-throughput queues like `payment.monitor`).
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxRetries:    5,
		RetryBaseWait: 10 * time.Second,
		Concurrency:   1,
	}
}

// ServiceConfig controls the service-wide health probe used to detect
// Redis recovery while in fallback mode.
type ServiceConfig struct {
	HealthCheckInterval time.Duration
	DelayedPollInterval time.Duration
	Logger              *log.Logger
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HealthCheckInterval: 30 * time.Second,
		DelayedPollInterval: 1 * time.Second,
		Logger:              log.New(log.Writer(), "[queue] ", log.LstdFlags),
	}
}

// Service is the Redis-backed broker: two priority lanes per named
// queue, a sorted-set delayed-retry lane, and a synchronous in-process
// fallback while Redis is unreachable.
type Service struct {
	rdb    *redis.Client
	sink   FailureSink
	cfg    ServiceConfig
	logger *log.Logger

	queueMu sync.RWMutex
	queues  map[string]QueueConfig

	fallbackMode atomic.Bool

	handlerMu       sync.RWMutex
	directHandlers  map[string]Handler

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService constructs a Service over an already-connected redis.Client.
func NewService(rdb *redis.Client, sink FailureSink, cfg ServiceConfig) *Service {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[queue] ", log.LstdFlags)
	}
	return &Service{
		rdb:            rdb,
		sink:           sink,
		cfg:            cfg,
		logger:         cfg.Logger,
		queues:         make(map[string]QueueConfig),
		directHandlers: make(map[string]Handler),
	}
}

// RegisterQueue declares a named queue's retry policy. Call once per
// queue at startup (payment.monitor, webhook.send, settlement.process,
// refund.process).
func (s *Service) RegisterQueue(name string, cfg QueueConfig) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	s.queues[name] = cfg
}

func (s *Service) queueConfig(name string) QueueConfig {
	s.queueMu.RLock()
	defer s.queueMu.RUnlock()
	if cfg, ok := s.queues[name]; ok {
		return cfg
	}
	return DefaultQueueConfig()
}

// Start launches the delayed-retry dispatcher and the Redis health probe.
func (s *Service) Start(ctx context.Context) {
	s.stopCh = make(chan struct{})
	s.wg.Add(2)
	go s.delayedDispatcher(ctx)
	go s.healthProbe(ctx)
}

// Stop halts the background loops and waits for them to exit.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) listKey(queue string, priority Priority) string {
	if priority == PriorityHigh {
		return fmt.Sprintf("queue:%s:hi", queue)
	}
	return fmt.Sprintf("queue:%s:lo", queue)
}

func (s *Service) delayedKey(queue string) string {
	return fmt.Sprintf("queue:%s:delayed", queue)
}

func (s *Service) processingKey(queue string) string {
	return fmt.Sprintf("queue:%s:processing", queue)
}

// Publish enqueues payload onto the named queue's priority lane. If the
// service is in fallback mode, it instead invokes that queue's registered
// direct handler synchronously in the caller's goroutine.
func (s *Service) Publish(ctx context.Context, queue string, priority Priority, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	msg := Message{ID: uuid.New(), Queue: queue, Payload: raw, EnqueuedAt: time.Now()}

	if s.fallbackMode.Load() {
		return s.invokeDirect(ctx, msg)
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	if err := s.rdb.LPush(ctx, s.listKey(queue, priority), encoded).Err(); err != nil {
		s.enterFallback(err)
		return s.invokeDirect(ctx, msg)
	}
	return nil
}

// PublishAt schedules payload onto the named queue's delayed-retry sorted
// set, due at runAt rather than immediately. Used by producers that need a
// future recheck (the confirmation engine's exponential-backoff reschedule)
// without duplicating the delayedDispatcher/scheduleRetry machinery. In
// fallback mode there is no delayed lane to sleep on, so the handler runs
// immediately instead of silently dropping the scheduled work.
func (s *Service) PublishAt(ctx context.Context, queue string, payload interface{}, runAt time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	msg := Message{ID: uuid.New(), Queue: queue, Payload: raw, EnqueuedAt: time.Now()}

	if s.fallbackMode.Load() {
		return s.invokeDirect(ctx, msg)
	}

	encoded, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	if err := s.rdb.ZAdd(ctx, s.delayedKey(queue), redis.Z{
		Score:  float64(runAt.UnixNano()),
		Member: encoded,
	}).Err(); err != nil {
		s.enterFallback(err)
		return s.invokeDirect(ctx, msg)
	}
	return nil
}

func (s *Service) invokeDirect(ctx context.Context, msg Message) error {
	s.handlerMu.RLock()
	h := s.directHandlers[msg.Queue]
	s.handlerMu.RUnlock()
	if h == nil {
		return fmt.Errorf("queue: no direct handler registered for %q while in fallback mode", msg.Queue)
	}
	return h(ctx, msg)
}

// Consume starts cfg.Concurrency worker goroutines pulling from queue's
// high-priority lane before its low-priority lane (best-effort priority
// ordering), and registers handler as the fallback-mode direct
// invocation target for the same queue name.
func (s *Service) Consume(ctx context.Context, queue string, handler Handler) {
	s.handlerMu.Lock()
	s.directHandlers[queue] = handler
	s.handlerMu.Unlock()

	cfg := s.queueConfig(queue)
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go s.worker(ctx, queue, handler)
	}
}

func (s *Service) worker(ctx context.Context, queue string, handler Handler) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		msg, ok := s.popNext(ctx, queue)
		if !ok {
			time.Sleep(200 * time.Millisecond)
			continue
		}

		s.handle(ctx, queue, msg, handler)
	}
}

// popNext checks the high-priority lane first, then the low-priority
// lane, moving the popped element into a processing list via
// BRPOPLPUSH. The element is removed from the processing list again
// before the handler runs, so a message whose worker crashes mid-handler
// is not redelivered.
func (s *Service) popNext(ctx context.Context, queue string) (Message, bool) {
	processing := s.processingKey(queue)
	for _, lane := range []string{s.listKey(queue, PriorityHigh), s.listKey(queue, PriorityLow)} {
		result, err := s.rdb.BRPopLPush(ctx, lane, processing, 200*time.Millisecond).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			s.enterFallback(err)
			return Message{}, false
		}

		var msg Message
		if err := json.Unmarshal([]byte(result), &msg); err != nil {
			s.logger.Printf("dropping unparseable message on %s: %v", queue, err)
			s.rdb.LRem(ctx, processing, 1, result)
			continue
		}
		s.rdb.LRem(ctx, processing, 1, result)
		return msg, true
	}
	return Message{}, false
}

func (s *Service) handle(ctx context.Context, queue string, msg Message, handler Handler) {
	err := handler(ctx, msg)
	if err == nil {
		return
	}

	if !IsRetryable(err) || msg.RetryCount >= s.queueConfig(queue).MaxRetries {
		s.logger.Printf("message %s on %s failed permanently: %v", msg.ID, queue, err)
		if s.sink != nil {
			if sinkErr := s.sink.RecordFailedMessage(ctx, queue, msg, err); sinkErr != nil {
				s.logger.Printf("failed to record failed message %s: %v", msg.ID, sinkErr)
			}
		}
		return
	}

	msg.RetryCount++
	s.scheduleRetry(ctx, queue, msg)
}

func (s *Service) scheduleRetry(ctx context.Context, queue string, msg Message) {
	cfg := s.queueConfig(queue)
	delay := cfg.RetryBaseWait * time.Duration(1<<uint(msg.RetryCount-1))
	dueAt := time.Now().Add(delay)

	encoded, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("failed to marshal retry for %s: %v", msg.ID, err)
		return
	}

	if err := s.rdb.ZAdd(ctx, s.delayedKey(queue), redis.Z{
		Score:  float64(dueAt.UnixNano()),
		Member: encoded,
	}).Err(); err != nil {
		s.logger.Printf("failed to schedule retry for %s: %v", msg.ID, err)
	}
}

// delayedDispatcher moves due members of every registered queue's
// delayed sorted set back onto its live list, polled every
// DelayedPollInterval. This stands in for a dead-letter exchange with a
// TTL, built from Redis primitives instead of an AMQP broker.
func (s *Service) delayedDispatcher(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.DelayedPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchDue(ctx)
		}
	}
}

func (s *Service) dispatchDue(ctx context.Context) {
	if s.fallbackMode.Load() {
		return
	}

	s.queueMu.RLock()
	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}
	s.queueMu.RUnlock()

	now := float64(time.Now().UnixNano())
	for _, queue := range names {
		key := s.delayedKey(queue)
		due, err := s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "0", Max: fmt.Sprintf("%.0f", now)}).Result()
		if err != nil {
			if err != redis.Nil {
				s.enterFallback(err)
			}
			continue
		}
		for _, encoded := range due {
			var msg Message
			if err := json.Unmarshal([]byte(encoded), &msg); err == nil {
				s.rdb.LPush(ctx, s.listKey(queue, PriorityLow), encoded)
			}
			s.rdb.ZRem(ctx, key, encoded)
		}
	}
}

// healthProbe pings Redis on an interval while in fallback mode, and
// flips back to live delivery on the first successful ping.
func (s *Service) healthProbe(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.fallbackMode.Load() {
				continue
			}
			if err := s.rdb.Ping(ctx).Err(); err == nil {
				s.fallbackMode.Store(false)
				s.logger.Printf("redis connection recovered, resuming live queue delivery")
			}
		}
	}
}

func (s *Service) enterFallback(err error) {
	if s.fallbackMode.CompareAndSwap(false, true) {
		s.logger.Printf("entering fallback mode after redis error: %v", err)
	}
}
