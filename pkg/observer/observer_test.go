package observer

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestObserver_WatchUnwatch(t *testing.T) {
	o := &Observer{monitored: make(map[common.Address]*big.Int)}
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	o.mu.Lock()
	o.monitored[addr] = big.NewInt(100)
	o.mu.Unlock()

	o.Unwatch(addr)

	o.mu.RLock()
	_, ok := o.monitored[addr]
	o.mu.RUnlock()
	if ok {
		t.Error("expected address to be removed from monitored set")
	}
}

func TestObserver_Dispatch_NoHandlerIsNoop(t *testing.T) {
	o := &Observer{monitored: make(map[common.Address]*big.Int)}
	o.dispatch(context.Background(), TransferEvent{})
}

func TestObserver_Dispatch_InvokesRegisteredHandler(t *testing.T) {
	o := &Observer{monitored: make(map[common.Address]*big.Int)}

	var mu sync.Mutex
	var received TransferEvent
	o.RegisterHandler(func(ctx context.Context, event TransferEvent) error {
		mu.Lock()
		defer mu.Unlock()
		received = event
		return nil
	})

	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	o.dispatch(context.Background(), TransferEvent{Address: addr, Amount: big.NewInt(5)})

	mu.Lock()
	defer mu.Unlock()
	if received.Address != addr {
		t.Errorf("handler received Address = %s, want %s", received.Address, addr)
	}
	if received.Amount.Cmp(big.NewInt(5)) != 0 {
		t.Errorf("handler received Amount = %s, want 5", received.Amount)
	}
}
