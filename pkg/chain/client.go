// Package chain wraps the ERC-20 token transport the gateway watches and
// settles against: an RPC pool with failover, a push subscription over
// WebSocket with an automatic fallback to polling, and the signed
// transfer path used by settlement and refunds.
package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// erc20ABI carries only the Transfer event and the read methods the
// gateway needs; it omits approve/allowance since the gateway never
// spends on a user's behalf.
const erc20ABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "from", "type": "address"},
			{"indexed": true, "name": "to", "type": "address"},
			{"indexed": false, "name": "value", "type": "uint256"}
		],
		"name": "Transfer",
		"type": "event"
	},
	{
		"constant": true,
		"inputs": [{"name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"name": "", "type": "uint256"}],
		"type": "function"
	},
	{
		"constant": true,
		"inputs": [],
		"name": "decimals",
		"outputs": [{"name": "", "type": "uint8"}],
		"type": "function"
	},
	{
		"constant": false,
		"inputs": [
			{"name": "to", "type": "address"},
			{"name": "value", "type": "uint256"}
		],
		"name": "transfer",
		"outputs": [{"name": "", "type": "bool"}],
		"type": "function"
	}
]`

var transferEventABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("chain: parse erc20 ABI: %v", err))
	}
	transferEventABI = parsed
}

// TransferTopic is the Keccak256 signature hash of the ERC-20 Transfer event.
var TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Capability describes whether the active endpoint supports push
// (WebSocket log subscriptions) or only polling.
type Capability int

const (
	CapabilityPush Capability = iota
	CapabilityPollOnly
)

// Config configures an RPC endpoint pool and the token contract watched.
type Config struct {
	RPCURLs       []string
	WSURLs        []string
	TokenContract common.Address
	Confirmations int
	GasPrice      *big.Int // base gas price in wei; nil falls back to the node's suggestion
	GasLimit      uint64
}

// Client is a failover-aware ERC-20 transport. It holds a pool of HTTP
// RPC endpoints for reads/writes and, if any WS endpoints are configured,
// a subscription client for push notification of Transfer events.
type Client struct {
	cfg    Config
	logger *log.Logger

	mu               sync.RWMutex
	pool             []*ethclient.Client
	poolIdx          int
	wsClient         *ethclient.Client
	wsURLIdx         int
	capability       Capability
	pushFailureCount int
}

// NewClient dials every configured RPC endpoint eagerly so failover never
// pays a dial-on-demand cost under load; a dead endpoint at startup is
// skipped, not fatal, as long as at least one connects.
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[chain] ", log.LstdFlags)
	}
	if len(cfg.RPCURLs) == 0 {
		return nil, fmt.Errorf("chain: at least one RPC URL is required")
	}

	c := &Client{cfg: cfg, logger: logger, capability: CapabilityPollOnly}

	for _, url := range cfg.RPCURLs {
		cl, err := ethclient.Dial(url)
		if err != nil {
			logger.Printf("failed to dial RPC endpoint %s: %v", url, err)
			continue
		}
		c.pool = append(c.pool, cl)
	}
	if len(c.pool) == 0 {
		return nil, fmt.Errorf("chain: failed to dial any RPC endpoint")
	}

	if len(cfg.WSURLs) > 0 {
		if ws, err := ethclient.Dial(cfg.WSURLs[0]); err == nil {
			c.wsClient = ws
			c.capability = CapabilityPush
		} else {
			logger.Printf("failed to dial WS endpoint %s, falling back to poll-only: %v", cfg.WSURLs[0], err)
		}
	}

	return c, nil
}

// Capability reports the client's current transport mode. The observer
// polls this to decide whether to rely on the push subscription or fall
// back to its own poll loop.
func (c *Client) Capability() Capability {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.capability
}

// active returns the current RPC endpoint, rotating to the next pool
// member on repeated failure via RotateEndpoint.
func (c *Client) active() *ethclient.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pool[c.poolIdx]
}

// RotateEndpoint advances to the next RPC endpoint in the pool, called by
// callers after a request fails so the next attempt targets a different
// provider.
func (c *Client) RotateEndpoint() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolIdx = (c.poolIdx + 1) % len(c.pool)
	c.logger.Printf("rotated to RPC endpoint index %d", c.poolIdx)
}

// LatestBlock returns the current block height.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	n, err := c.active().BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: get block number: %w", err)
	}
	return n, nil
}

// BlockHash returns the hash of a specific block, used to detect re-orgs
// when a previously observed block's hash changes.
func (c *Client) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	header, err := c.active().HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: get header %d: %w", number, err)
	}
	return header.Hash(), nil
}

// Receipt returns the mined receipt for a transaction hash, or an error if
// it is not yet mined or was dropped (e.g. after a re-org).
func (c *Client) Receipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := c.active().TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, fmt.Errorf("chain: get receipt %s: %w", txHash, err)
	}
	return receipt, nil
}

// BlockTimestamp returns the Unix timestamp recorded in a block's header.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (time.Time, error) {
	header, err := c.active().HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("chain: get header %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// TokenDecimals reads the configured token contract's `decimals()` value,
// used to translate raw on-chain amounts into the gateway's decimal
// representation.
func (c *Client) TokenDecimals(ctx context.Context) (uint8, error) {
	callData, err := transferEventABI.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("chain: pack decimals: %w", err)
	}
	result, err := c.active().CallContract(ctx, ethereum.CallMsg{
		To:   &c.cfg.TokenContract,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: call decimals: %w", err)
	}
	outputs, err := transferEventABI.Unpack("decimals", result)
	if err != nil {
		return 0, fmt.Errorf("chain: unpack decimals: %w", err)
	}
	decimals, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: unexpected decimals return type")
	}
	return decimals, nil
}

// TokenBalanceOf reads the ERC-20 balance of an address.
func (c *Client) TokenBalanceOf(ctx context.Context, address common.Address) (*big.Int, error) {
	callData, err := transferEventABI.Pack("balanceOf", address)
	if err != nil {
		return nil, fmt.Errorf("chain: pack balanceOf: %w", err)
	}

	result, err := c.active().CallContract(ctx, ethereum.CallMsg{
		To:   &c.cfg.TokenContract,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call balanceOf: %w", err)
	}

	outputs, err := transferEventABI.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack balanceOf: %w", err)
	}
	balance, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: unexpected balanceOf return type")
	}
	return balance, nil
}

// NativeBalance reads an address's native-coin balance (BNB, ETH, ...),
// used by the settlement engine's hot-to-cold sweep to confirm the hot
// wallet still holds enough gas reserve before broadcasting.
func (c *Client) NativeBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	balance, err := c.active().BalanceAt(ctx, address, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: get native balance: %w", err)
	}
	return balance, nil
}

// TransferLog is a parsed ERC-20 Transfer event.
type TransferLog struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	BlockNumber uint64
	BlockHash   common.Hash
	TxHash      common.Hash
}

// maxConsecutivePushFailures is the number of subscription attempts
// that must fail in a row before the client reports poll-only capability
// and the observer starts its own poll loop. The caller keeps retrying
// the subscription; a later success flips capability back to push and
// the poll loop is stopped again.
const maxConsecutivePushFailures = 2

// SubscribeTransfers opens a push subscription for Transfer events on the
// configured token contract. Returns ErrPushUnavailable only when no WS
// endpoint is configured at all; a transient subscribe failure returns an
// ordinary error the caller retries with backoff, with the capability
// downgraded to poll-only after maxConsecutivePushFailures failures in a
// row so the observer can bridge the gap by polling.
func (c *Client) SubscribeTransfers(ctx context.Context) (<-chan TransferLog, ethereum.Subscription, error) {
	if len(c.cfg.WSURLs) == 0 {
		return nil, nil, ErrPushUnavailable
	}

	c.mu.RLock()
	ws := c.wsClient
	c.mu.RUnlock()

	if ws == nil {
		c.mu.RLock()
		url := c.cfg.WSURLs[c.wsURLIdx]
		c.mu.RUnlock()
		dialed, err := ethclient.Dial(url)
		if err != nil {
			c.notePushFailure()
			return nil, nil, fmt.Errorf("chain: dial WS endpoint %s: %w", url, err)
		}
		c.mu.Lock()
		c.wsClient = dialed
		c.mu.Unlock()
		ws = dialed
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.cfg.TokenContract},
		Topics:    [][]common.Hash{{TransferTopic}},
	}

	rawLogs := make(chan types.Log, 256)
	sub, err := ws.SubscribeFilterLogs(ctx, query, rawLogs)
	if err != nil {
		c.notePushFailure()
		return nil, nil, fmt.Errorf("chain: subscribe filter logs: %w", err)
	}

	c.mu.Lock()
	c.pushFailureCount = 0
	c.capability = CapabilityPush
	c.mu.Unlock()

	out := make(chan TransferLog, 256)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case rawLog, ok := <-rawLogs:
				if !ok {
					return
				}
				parsed, err := parseTransferLog(rawLog)
				if err != nil {
					c.logger.Printf("failed to parse transfer log: %v", err)
					continue
				}
				out <- parsed
			}
		}
	}()

	return out, sub, nil
}

// notePushFailure counts a consecutive push failure, downgrades the
// reported capability once the threshold is crossed, and rotates to the
// next configured WS endpoint (dropping the dead client so the next
// subscribe attempt re-dials).
func (c *Client) notePushFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushFailureCount++
	if c.pushFailureCount >= maxConsecutivePushFailures {
		c.capability = CapabilityPollOnly
	}
	if c.wsClient != nil {
		c.wsClient.Close()
		c.wsClient = nil
	}
	c.wsURLIdx = (c.wsURLIdx + 1) % len(c.cfg.WSURLs)
	c.logger.Printf("push subscribe attempt %d failed, next WS endpoint index %d", c.pushFailureCount, c.wsURLIdx)
}

// PollTransfers fetches Transfer logs in [fromBlock, toBlock], the poll
// fallback path used when no push subscription is available.
func (c *Client) PollTransfers(ctx context.Context, fromBlock, toBlock uint64) ([]TransferLog, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.cfg.TokenContract},
		Topics:    [][]common.Hash{{TransferTopic}},
	}

	logs, err := c.active().FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("chain: filter logs: %w", err)
	}

	out := make([]TransferLog, 0, len(logs))
	for _, rawLog := range logs {
		parsed, err := parseTransferLog(rawLog)
		if err != nil {
			c.logger.Printf("failed to parse transfer log: %v", err)
			continue
		}
		out = append(out, parsed)
	}
	return out, nil
}

func parseTransferLog(rawLog types.Log) (TransferLog, error) {
	if len(rawLog.Topics) < 3 {
		return TransferLog{}, fmt.Errorf("chain: transfer log missing indexed topics")
	}
	values, err := transferEventABI.Unpack("Transfer", rawLog.Data)
	if err != nil {
		return TransferLog{}, fmt.Errorf("chain: unpack transfer data: %w", err)
	}
	value, ok := values[0].(*big.Int)
	if !ok {
		return TransferLog{}, fmt.Errorf("chain: unexpected transfer value type")
	}

	return TransferLog{
		From:        common.BytesToAddress(rawLog.Topics[1].Bytes()),
		To:          common.BytesToAddress(rawLog.Topics[2].Bytes()),
		Value:       value,
		BlockNumber: rawLog.BlockNumber,
		BlockHash:   rawLog.BlockHash,
		TxHash:      rawLog.TxHash,
	}, nil
}

// TransferToken signs and broadcasts an ERC-20 transfer from privateKey to
// `to` at the configured base gas price, unscaled (the node's suggested
// price when no base is configured).
func (c *Client) TransferToken(ctx context.Context, privateKeyHex string, to common.Address, amount *big.Int, chainID *big.Int) (common.Hash, error) {
	return c.TransferTokenWithGasMultiplier(ctx, privateKeyHex, to, amount, chainID, 1.0)
}

// TransferTokenWithGasMultiplier is TransferToken with the base gas price
// (configured, or the node's suggestion when unset) scaled by multiplier
// before broadcast, so the settlement engine
// can bid above the network's baseline (spec's configured
// GasPriceMultiplier) to keep sweep transactions from languishing behind
// inbound payment confirmations during congestion.
func (c *Client) TransferTokenWithGasMultiplier(ctx context.Context, privateKeyHex string, to common.Address, amount *big.Int, chainID *big.Int, multiplier float64) (common.Hash, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: parse private key: %w", err)
	}
	defer privateKey.D.SetInt64(0)

	from := crypto.PubkeyToAddress(privateKey.PublicKey)

	client := c.active()
	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: get nonce: %w", err)
	}

	// The configured base keeps the broadcast gas price deterministic;
	// the node's live suggestion is only a fallback for deployments that
	// leave it unset.
	base := c.cfg.GasPrice
	if base == nil || base.Sign() <= 0 {
		suggested, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return common.Hash{}, fmt.Errorf("chain: suggest gas price: %w", err)
		}
		base = suggested
	}
	gasPrice := applyGasMultiplier(base, multiplier)

	callData, err := transferEventABI.Pack("transfer", to, amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack transfer: %w", err)
	}

	tx := types.NewTransaction(nonce, c.cfg.TokenContract, big.NewInt(0), c.cfg.GasLimit, gasPrice, callData)

	signer := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(tx, signer, privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign transaction: %w", err)
	}

	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send transaction: %w", err)
	}

	return signedTx.Hash(), nil
}

// applyGasMultiplier scales a base gas price by multiplier, using basis
// points so the computation stays in integer arithmetic. A multiplier
// <= 0 is treated as 1.0 (no adjustment).
func applyGasMultiplier(base *big.Int, multiplier float64) *big.Int {
	if multiplier <= 0 {
		return base
	}
	bps := big.NewInt(int64(multiplier * 10000))
	scaled := new(big.Int).Mul(base, bps)
	return scaled.Div(scaled, big.NewInt(10000))
}

// WaitForReceipt polls for a transaction's receipt until it is mined or
// ctx is cancelled. It polls TransactionReceipt directly rather than
// bind.WaitMined, since the latter requires the original signed
// transaction object rather than just its hash.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.active().TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health checks connectivity to the active RPC endpoint.
func (c *Client) Health(ctx context.Context) error {
	if _, err := c.active().BlockNumber(ctx); err != nil {
		return fmt.Errorf("chain: health check failed: %w", err)
	}
	return nil
}
