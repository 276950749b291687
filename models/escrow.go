package models

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const EventName_JobCreated = "JobCreated"

const weiDecimals = 18

type TxHandle struct {
	Hash        string
	SubmittedAt time.Time
}

// SignedTx is a transaction that is signed but not broadcast yet. Its hash is final, so it can be recorded before
// anything reaches the chain.
type SignedTx struct {
	Hash  string
	Nonce uint64
	Raw   []byte
}

// Receipt is the chain-agnostic view of a mined transaction. Only events the chain client knows how to decode are
// present in Events.
type Receipt struct {
	TxHash      string       `json:"txHash"`
	BlockNumber uint64       `json:"blockNumber"`
	Reverted    bool         `json:"reverted"`
	Events      []ChainEvent `json:"events,omitempty"`
}

// ChainEvent is a decoded contract event, tagged by name. Exactly one of the payload fields is set for a known name.
type ChainEvent struct {
	Name       string           `json:"name"`
	JobCreated *JobCreatedEvent `json:"jobCreated,omitempty"`
}

type JobCreatedEvent struct {
	ContractAddress string   `json:"contractAddress"`
	Payer           string   `json:"payer,omitempty"`
	Payee           string   `json:"payee"`
	Amount          *big.Int `json:"amountWei"`
}

// FindJobCreated returns the job creation event carried by a receipt, or ErrEventNotFound if the receipt has none.
func FindJobCreated(receipt *Receipt) (*JobCreatedEvent, error) {
	if receipt == nil {
		return nil, ErrEventNotFound
	}
	for _, event := range receipt.Events {
		if (event.Name == EventName_JobCreated) && (event.JobCreated != nil) {
			if !common.IsHexAddress(event.JobCreated.ContractAddress) ||
				(common.HexToAddress(event.JobCreated.ContractAddress) == common.Address{}) {
				return nil, fmt.Errorf("%w: bad contract address %q", ErrEventNotFound, event.JobCreated.ContractAddress)
			}
			return event.JobCreated, nil
		}
	}
	return nil, ErrEventNotFound
}

// ParseEther converts a decimal ether amount (e.g. "0.01") to wei. Fractions finer than one wei are rejected.
func ParseEther(amount string) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	wei := d.Shift(weiDecimals)
	if !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("%w: %s has more than %d decimals", ErrInvalidAmount, amount, weiDecimals)
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidAmount, amount)
	}
	return wei.BigInt(), nil
}

func FormatEther(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -weiDecimals).String()
}

func IsWalletAddress(address string) bool {
	return common.IsHexAddress(address)
}

// SameAddress compares two hex addresses ignoring checksum casing.
func SameAddress(a, b string) bool {
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// ReceiptArchiveKey is where the decoded receipt backing a request's escrow link or completion is archived
func ReceiptArchiveKey(requestId string, kind TxKind, txHash string) string {
	return "receipts/" + requestId + "/" + string(kind) + "-" + txHash + ".json"
}
