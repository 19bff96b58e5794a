package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

func TestTransferTopic_Is32Bytes(t *testing.T) {
	if len(TransferTopic.Bytes()) != 32 {
		t.Errorf("TransferTopic length = %d, want 32", len(TransferTopic.Bytes()))
	}
	if (TransferTopic == common.Hash{}) {
		t.Error("TransferTopic must not be the zero hash")
	}
}

func TestParseTransferLog(t *testing.T) {
	from := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	value := big.NewInt(1000000)

	data, err := transferEventABI.Pack("transfer", to, value)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	// Strip the 4-byte function selector and the 32-byte address
	// argument; what remains is the ABI-encoded uint256 the transfer()
	// call uses as its second argument, the same encoding as the event's
	// data, which is all parseTransferLog needs to unpack.
	eventData := data[4+32:]

	rawLog := types.Log{
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        eventData,
		BlockNumber: 42,
		TxHash:      common.HexToHash("0xabc"),
	}

	parsed, err := parseTransferLog(rawLog)
	if err != nil {
		t.Fatalf("parseTransferLog: %v", err)
	}

	if parsed.From != from {
		t.Errorf("From = %s, want %s", parsed.From, from)
	}
	if parsed.To != to {
		t.Errorf("To = %s, want %s", parsed.To, to)
	}
	if parsed.Value.Cmp(value) != 0 {
		t.Errorf("Value = %s, want %s", parsed.Value, value)
	}
	if parsed.BlockNumber != 42 {
		t.Errorf("BlockNumber = %d, want 42", parsed.BlockNumber)
	}
}

func TestParseTransferLog_RejectsMissingTopics(t *testing.T) {
	rawLog := types.Log{Topics: []common.Hash{TransferTopic}}
	if _, err := parseTransferLog(rawLog); err == nil {
		t.Error("expected an error for a log missing indexed topics")
	}
}
