// Command gateway is the crypto payment gateway's application root: it
// loads configuration, wires the database, chain client, HD wallet,
// work queue, and every domain engine together, and serves the merchant
// REST surface until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/certen-labs/crypto-payment-gateway/pkg/address"
	"github.com/certen-labs/crypto-payment-gateway/pkg/audit"
	"github.com/certen-labs/crypto-payment-gateway/pkg/chain"
	"github.com/certen-labs/crypto-payment-gateway/pkg/config"
	"github.com/certen-labs/crypto-payment-gateway/pkg/confirmation"
	"github.com/certen-labs/crypto-payment-gateway/pkg/database"
	"github.com/certen-labs/crypto-payment-gateway/pkg/hdwallet"
	"github.com/certen-labs/crypto-payment-gateway/pkg/keyvault"
	"github.com/certen-labs/crypto-payment-gateway/pkg/metrics"
	"github.com/certen-labs/crypto-payment-gateway/pkg/observer"
	"github.com/certen-labs/crypto-payment-gateway/pkg/queue"
	"github.com/certen-labs/crypto-payment-gateway/pkg/refund"
	"github.com/certen-labs/crypto-payment-gateway/pkg/server"
	"github.com/certen-labs/crypto-payment-gateway/pkg/settlement"
	"github.com/certen-labs/crypto-payment-gateway/pkg/webhook"
)

// queueEnqueuer adapts pkg/queue.Service to confirmation.Enqueuer,
// publishing a confirmation-check task onto payment.monitor (delayed by
// the engine's own backoff) and a refund task onto refund.process. Kept
// here rather than in pkg/confirmation or pkg/queue since it's the one
// place both concrete queue names and the shared *queue.Service are in
// scope, and the seam is only needed at wiring time.
type queueEnqueuer struct {
	q *queue.Service
}

func (e *queueEnqueuer) EnqueueConfirmationCheck(ctx context.Context, transactionID uuid.UUID, at time.Time) error {
	return e.q.PublishAt(ctx, confirmation.MonitorQueueName, confirmation.ConfirmationCheckTask{
		TransactionID: transactionID,
	}, at)
}

func (e *queueEnqueuer) EnqueueRefund(ctx context.Context, transactionID uuid.UUID, reason database.RefundReason, amount string) error {
	return e.q.Publish(ctx, refund.ProcessQueueName, queue.PriorityHigh, refund.Task{
		TransactionID: transactionID,
		Reason:        reason,
		Amount:        amount,
	})
}

func main() {
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()
	if *showHelp {
		fmt.Println("gateway: crypto payment gateway daemon. Configure via environment variables; see the deployment docs for the full list.")
		return
	}

	logger := log.New(os.Stdout, "[gateway] ", log.LstdFlags|log.Lmicroseconds)
	logger.Println("starting crypto payment gateway")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Database ---
	dbClient, err := database.NewClient(cfg, database.WithLogger(log.New(os.Stdout, "[database] ", log.LstdFlags)))
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer dbClient.Close()

	if err := dbClient.MigrateUp(ctx); err != nil {
		logger.Fatalf("failed to run migrations: %v", err)
	}
	repos := database.NewRepositories(dbClient)
	auditLogger := audit.NewLogger(repos.Audit)

	// --- Wallet / key material ---
	vault, err := keyvault.NewVault(cfg.EncryptionKeyHex)
	if err != nil {
		logger.Fatalf("failed to initialize key vault: %v", err)
	}
	wallet, err := hdwallet.New(cfg.WalletMnemonic, "")
	if err != nil {
		logger.Fatalf("failed to initialize HD wallet: %v", err)
	}

	// --- Chain client ---
	gasPrice, ok := new(big.Int).SetString(cfg.ChainGasPriceWei, 10)
	if !ok {
		logger.Fatalf("invalid CHAIN_GAS_PRICE: %q", cfg.ChainGasPriceWei)
	}
	chainClient, err := chain.NewClient(chain.Config{
		RPCURLs:       cfg.ChainRPCURLs,
		WSURLs:        cfg.ChainWSURLs,
		TokenContract: common.HexToAddress(cfg.ChainTokenContract),
		Confirmations: cfg.ChainConfirmations,
		GasPrice:      gasPrice,
		GasLimit:      cfg.ChainGasLimit,
	}, log.New(os.Stdout, "[chain] ", log.LstdFlags))
	if err != nil {
		logger.Fatalf("failed to initialize chain client: %v", err)
	}
	logger.Printf("chain client ready: capability=%v", chainClient.Capability())

	// --- Work queue (Redis-backed, falls back to direct in-process dispatch) ---
	redisOpts, err := redis.ParseURL(cfg.QueueURL)
	if err != nil {
		logger.Fatalf("failed to parse QUEUE_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	queueSvc := queue.NewService(rdb, repos.FailedMessages, queue.ServiceConfig{
		HealthCheckInterval: time.Duration(cfg.QueueHealthCheckMs) * time.Millisecond,
		DelayedPollInterval: 1 * time.Second,
		Logger:              log.New(os.Stdout, "[queue] ", log.LstdFlags),
	})
	queueCfg := queue.QueueConfig{
		MaxRetries:    cfg.QueueMaxRetries,
		RetryBaseWait: time.Duration(cfg.QueueRetryDelayMs) * time.Millisecond,
		Concurrency:   4,
	}
	for _, name := range []string{"payment.monitor", "webhook.send", "settlement.process", "refund.process"} {
		queueSvc.RegisterQueue(name, queueCfg)
	}

	// --- Chain observer (push with poll fallback) ---
	obs := observer.New(chainClient, observer.DefaultConfig(), log.New(os.Stdout, "[observer] ", log.LstdFlags))

	// --- Address service ---
	addressSvc := address.NewService(wallet, vault, repos.PaymentAddresses, auditLogger, obs, address.Config{
		HDBasePath:      cfg.WalletHDBasePath,
		AddressLifetime: cfg.WalletAddressLifetime,
		TokenContract:   cfg.ChainTokenContract,
		MaxRetries:      3,
		LockTimeout:     30 * time.Second,
		LockWait:        10 * time.Second,
	}, log.New(os.Stdout, "[address] ", log.LstdFlags))

	// --- Webhook dispatcher + metrics-recording notifier ---
	dispatcher := webhook.NewDispatcher(repos.WebhookEndpoints, queueSvc, auditLogger, webhook.Config{
		MaxRetries:    cfg.WebhookMaxRetries,
		RetryBaseWait: time.Duration(cfg.WebhookRetryDelayMs) * time.Millisecond,
	}, log.New(os.Stdout, "[webhook] ", log.LstdFlags))
	notifications := webhook.NewNotifications(dispatcher, repos.PaymentAddresses)
	notifier := metrics.NewRecorder(notifications)
	addressSvc.SetNotifier(notifier)

	// --- Confirmation engine ---
	enqueuer := &queueEnqueuer{q: queueSvc}
	confirmationEngine, err := confirmation.NewEngine(repos, chainClient, auditLogger, notifier, enqueuer, &confirmation.EngineConfig{
		PollInterval:             30 * time.Second,
		RequiredConfirmations:    cfg.ChainConfirmations,
		UnderpaymentTolerancePct: cfg.UnderpaymentTolerancePct / 100,
		OverpaymentTolerancePct:  cfg.OverpaymentTolerancePct / 100,
		Logger:                   log.New(os.Stdout, "[confirmation] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("failed to initialize confirmation engine: %v", err)
	}
	obs.RegisterHandler(confirmationEngine.ObserveTransfer)

	// --- Settlement engine (sweep + cold-storage transfer) ---
	gasReserve, ok := new(big.Int).SetString(cfg.WalletGasReserveWei, 10)
	if !ok {
		logger.Fatalf("invalid WALLET_GAS_RESERVE_WEI: %q", cfg.WalletGasReserveWei)
	}
	settlementEngine, err := settlement.NewEngine(repos, chainClient, addressSvc, auditLogger, notifier, &settlement.Config{
		SweepInterval:      cfg.SettlementInterval,
		ColdSweepInterval:  cfg.ColdSweepInterval,
		HotThreshold:       cfg.WalletHotThreshold,
		ColdAddress:        cfg.WalletColdAddress,
		GasReserveWei:      gasReserve,
		GasPriceMultiplier: cfg.GasPriceMultiplier,
		ChainID:            big.NewInt(cfg.ChainID),
		Logger:             log.New(os.Stdout, "[settlement] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("failed to initialize settlement engine: %v", err)
	}

	// --- Refund engine ---
	refundEngine, err := refund.NewEngine(repos, chainClient, addressSvc, auditLogger, notifier, &refund.Config{
		PollInterval:       30 * time.Second,
		GasPriceMultiplier: 1.0,
		ChainID:            big.NewInt(cfg.ChainID),
		Logger:             log.New(os.Stdout, "[refund] ", log.LstdFlags),
	})
	if err != nil {
		logger.Fatalf("failed to initialize refund engine: %v", err)
	}

	// --- Seed the observer with every address still awaiting payment ---
	monitored, err := repos.PaymentAddresses.ListMonitored(ctx)
	if err != nil {
		logger.Fatalf("failed to load monitored addresses: %v", err)
	}
	for _, pa := range monitored {
		if err := obs.Watch(ctx, common.HexToAddress(pa.Address)); err != nil {
			logger.Printf("failed to seed watch for %s: %v", pa.Address, err)
		}
	}
	logger.Printf("seeded chain observer with %d monitored addresses", len(monitored))

	// --- Register queue consumers ---
	dispatcher.RegisterConsumer(ctx)
	confirmationEngine.RegisterConsumer(ctx, queueSvc)
	settlementEngine.RegisterConsumer(ctx, queueSvc)
	refundEngine.RegisterConsumer(ctx, queueSvc)

	// --- Start background engines ---
	queueSvc.Start(ctx)
	if err := obs.Start(ctx); err != nil {
		logger.Fatalf("failed to start chain observer: %v", err)
	}
	if err := confirmationEngine.Start(ctx); err != nil {
		logger.Fatalf("failed to start confirmation engine: %v", err)
	}
	if err := settlementEngine.Start(ctx); err != nil {
		logger.Fatalf("failed to start settlement engine: %v", err)
	}
	if err := refundEngine.Start(ctx); err != nil {
		logger.Fatalf("failed to start refund engine: %v", err)
	}

	// --- Metrics endpoint ---
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics server error: %v", err)
		}
	}()

	// --- Merchant REST surface ---
	httpServer := server.NewServer(
		server.Config{ListenAddr: cfg.ListenAddr, RateLimitPerMin: 100, ShutdownTimeout: 30 * time.Second},
		repos.Merchants,
		repos.Idempotency,
		addressSvc,
		repos.PaymentAddresses,
		repos.Transactions,
		queueSvc,
		repos.WebhookEndpoints,
		log.New(os.Stdout, "[server] ", log.LstdFlags),
	)
	go func() {
		logger.Printf("API listening on %s", cfg.ListenAddr)
		httpServer.Start()
	}()

	logger.Println("gateway is up")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Println("shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics server shutdown error: %v", err)
	}

	obs.Stop()
	if err := confirmationEngine.Stop(); err != nil {
		logger.Printf("confirmation engine stop error: %v", err)
	}
	if err := settlementEngine.Stop(); err != nil {
		logger.Printf("settlement engine stop error: %v", err)
	}
	if err := refundEngine.Stop(); err != nil {
		logger.Printf("refund engine stop error: %v", err)
	}
	queueSvc.Stop()
	cancel()

	logger.Println("gateway stopped")
}
