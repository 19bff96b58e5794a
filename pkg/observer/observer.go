// Package observer watches the chain for inbound transfers to addresses
// the gateway has issued, preferring a push subscription and falling
// back to balance-delta polling when push is unavailable.
package observer

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/certen-labs/crypto-payment-gateway/pkg/chain"
)

// TransferEvent is a normalized inbound transfer, detected by either the
// push or the poll path, ready for the confirmation engine to act on.
type TransferEvent struct {
	Address     common.Address // monitored recipient
	From        common.Address // sender, the refund destination; zero when only a balance delta was seen
	Amount      *big.Int
	TxHash      common.Hash
	BlockNumber uint64
	BlockHash   common.Hash
	Detected    string // "push" or "poll"
}

// Handler consumes a detected transfer; it is called synchronously from
// the observer's dispatch goroutine, so it should enqueue work rather
// than block.
type Handler func(ctx context.Context, event TransferEvent) error

// Config controls the observer's polling cadence.
type Config struct {
	CapabilityCheckInterval time.Duration
	PollInterval            time.Duration
}

// DefaultConfig uses a short check cadence for the transport's own
// health, and a longer cadence for the expensive per-address scan.
func DefaultConfig() Config {
	return Config{
		CapabilityCheckInterval: 5 * time.Second,
		PollInterval:            30 * time.Second,
	}
}

// Observer tracks the set of addresses currently awaiting payment and
// dispatches TransferEvent notifications as they're detected.
type Observer struct {
	client *chain.Client
	cfg    Config
	logger *log.Logger

	mu        sync.RWMutex
	monitored map[common.Address]*big.Int // address -> last known balance

	handlerMu sync.RWMutex
	handler   Handler

	running   bool
	runningMu sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds an Observer over client. Call Start to begin watching.
func New(client *chain.Client, cfg Config, logger *log.Logger) *Observer {
	if logger == nil {
		logger = log.New(log.Writer(), "[observer] ", log.LstdFlags)
	}
	return &Observer{
		client:    client,
		cfg:       cfg,
		logger:    logger,
		monitored: make(map[common.Address]*big.Int),
	}
}

// RegisterHandler sets the callback invoked for every detected transfer.
// Only one handler is supported; the confirmation engine is the sole
// subscriber in practice.
func (o *Observer) RegisterHandler(h Handler) {
	o.handlerMu.Lock()
	defer o.handlerMu.Unlock()
	o.handler = h
}

// Watch adds address to the monitored set, recording its current balance
// as the baseline a poll-mode delta is measured against.
func (o *Observer) Watch(ctx context.Context, address common.Address) error {
	balance, err := o.client.TokenBalanceOf(ctx, address)
	if err != nil {
		return fmt.Errorf("observer: seed balance for %s: %w", address, err)
	}

	o.mu.Lock()
	o.monitored[address] = balance
	o.mu.Unlock()
	return nil
}

// Unwatch removes address from the monitored set, called once its
// payment window has resolved (settled, expired, or failed).
func (o *Observer) Unwatch(address common.Address) {
	o.mu.Lock()
	delete(o.monitored, address)
	o.mu.Unlock()
}

// Start launches the push-subscription loop and the capability-watch
// ticker. The push loop keeps retrying across outages (exiting only when
// no WS endpoint is configured at all), and the ticker starts polling
// while push is down and stops it again on recovery.
func (o *Observer) Start(ctx context.Context) error {
	o.runningMu.Lock()
	if o.running {
		o.runningMu.Unlock()
		return fmt.Errorf("observer: already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.runningMu.Unlock()

	o.wg.Add(2)
	go o.capabilityLoop(ctx)
	go o.pushLoop(ctx)

	return nil
}

// Stop signals all observer goroutines to exit and waits for them.
func (o *Observer) Stop() {
	o.runningMu.Lock()
	if !o.running {
		o.runningMu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.runningMu.Unlock()

	o.wg.Wait()
}

// capabilityLoop starts the poll loop while the chain client reports
// poll-only capability and stops it again once push recovers, so poll
// and push never feed the pipeline at the same time.
func (o *Observer) capabilityLoop(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.CapabilityCheckInterval)
	defer ticker.Stop()

	var pollStop chan struct{}
	if o.client.Capability() == chain.CapabilityPollOnly {
		pollStop = make(chan struct{})
		o.wg.Add(1)
		go o.pollLoop(ctx, pollStop)
	}

	for {
		select {
		case <-o.stopCh:
			if pollStop != nil {
				close(pollStop)
			}
			return
		case <-ctx.Done():
			if pollStop != nil {
				close(pollStop)
			}
			return
		case <-ticker.C:
			switch o.client.Capability() {
			case chain.CapabilityPollOnly:
				if pollStop == nil {
					o.logger.Printf("push capability lost, starting poll loop")
					pollStop = make(chan struct{})
					o.wg.Add(1)
					go o.pollLoop(ctx, pollStop)
				}
			case chain.CapabilityPush:
				if pollStop != nil {
					o.logger.Printf("push capability recovered, stopping poll loop")
					close(pollStop)
					pollStop = nil
				}
			}
		}
	}
}

// pushLoop maintains the push subscription, reconnecting with a backoff
// on transient failures. It exits only when no WS endpoint is configured
// at all (SubscribeTransfers returns chain.ErrPushUnavailable); across an
// outage it keeps retrying, and the capability-watch ticker bridges the
// gap with the poll loop until a retry succeeds.
func (o *Observer) pushLoop(ctx context.Context) {
	defer o.wg.Done()

	attempt := 0
	for {
		events, sub, err := o.client.SubscribeTransfers(ctx)
		if err != nil {
			if err == chain.ErrPushUnavailable {
				return
			}
			delay := chain.Backoff(5*time.Second, attempt, 10*time.Minute)
			attempt++
			o.logger.Printf("push subscription failed, retrying in %s: %v", delay, err)
			select {
			case <-o.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}
		attempt = 0

		if !o.consumePush(ctx, events, sub) {
			return
		}
	}
}

// consumePush drains one subscription's event/error channels until it
// errors out or the observer stops. Returns false if the observer itself
// is stopping, true if the caller should attempt to resubscribe.
func (o *Observer) consumePush(ctx context.Context, events <-chan chain.TransferLog, sub ethereum.Subscription) bool {
	defer sub.Unsubscribe()

	for {
		select {
		case <-o.stopCh:
			return false
		case <-ctx.Done():
			return false
		case err := <-sub.Err():
			o.logger.Printf("push subscription error, reconnecting: %v", err)
			return true
		case transfer, ok := <-events:
			if !ok {
				return true
			}
			o.handleTransferLog(ctx, transfer, "push")
		}
	}
}

// pollLoop periodically re-reads the balance of every monitored address
// and dispatches a TransferEvent for any positive delta. It has no way
// to recover the exact depositing transaction hash from a balance read
// alone, so it also scans recent blocks for a matching Transfer log to
// attach one. stop is closed by capabilityLoop once push recovers.
func (o *Observer) pollLoop(ctx context.Context, stop <-chan struct{}) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.pollBalances(ctx)
		}
	}
}

func (o *Observer) pollBalances(ctx context.Context) {
	o.mu.RLock()
	addresses := make([]common.Address, 0, len(o.monitored))
	for addr := range o.monitored {
		addresses = append(addresses, addr)
	}
	o.mu.RUnlock()

	latest, err := o.client.LatestBlock(ctx)
	if err != nil {
		o.logger.Printf("poll: get latest block: %v", err)
		return
	}
	fromBlock := uint64(0)
	if latest > 200 {
		fromBlock = latest - 200
	}
	logs, err := o.client.PollTransfers(ctx, fromBlock, latest)
	if err != nil {
		o.logger.Printf("poll: filter transfers: %v", err)
		logs = nil
	}
	logsByAddress := make(map[common.Address][]chain.TransferLog)
	for _, l := range logs {
		logsByAddress[l.To] = append(logsByAddress[l.To], l)
	}

	for _, addr := range addresses {
		balance, err := o.client.TokenBalanceOf(ctx, addr)
		if err != nil {
			o.logger.Printf("poll: balance of %s: %v", addr, err)
			continue
		}

		o.mu.Lock()
		prev, known := o.monitored[addr]
		if known {
			o.monitored[addr] = balance
		}
		o.mu.Unlock()
		if !known || prev == nil || balance.Cmp(prev) <= 0 {
			continue
		}

		matched := logsByAddress[addr]
		if len(matched) == 0 {
			o.dispatch(ctx, TransferEvent{
				Address:     addr,
				Amount:      new(big.Int).Sub(balance, prev),
				BlockNumber: latest,
				Detected:    "poll",
			})
			continue
		}
		for _, l := range matched {
			o.dispatch(ctx, TransferEvent{
				Address:     addr,
				From:        l.From,
				Amount:      l.Value,
				TxHash:      l.TxHash,
				BlockNumber: l.BlockNumber,
				BlockHash:   l.BlockHash,
				Detected:    "poll",
			})
		}
	}
}

func (o *Observer) handleTransferLog(ctx context.Context, l chain.TransferLog, detected string) {
	o.mu.RLock()
	_, watched := o.monitored[l.To]
	o.mu.RUnlock()
	if !watched {
		return
	}

	o.dispatch(ctx, TransferEvent{
		Address:     l.To,
		From:        l.From,
		Amount:      l.Value,
		TxHash:      l.TxHash,
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
		Detected:    detected,
	})
}

func (o *Observer) dispatch(ctx context.Context, event TransferEvent) {
	o.handlerMu.RLock()
	h := o.handler
	o.handlerMu.RUnlock()
	if h == nil {
		return
	}
	if err := h(ctx, event); err != nil {
		o.logger.Printf("handler error for %s: %v", event.Address, err)
	}
}
