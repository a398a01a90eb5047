package model

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/synergy-labs/envelope/pkg/apperr"
)

// Hash identifies a transaction or block.
type Hash = common.Hash

type ReceiptStatus uint8

const (
	ReceiptFailed ReceiptStatus = iota
	ReceiptSuccess
)

// Log is one event emitted by an applied transaction. Data holds the
// protowire encoding of the event's fields.
type Log struct {
	Name string        `json:"name"`
	Data hexutil.Bytes `json:"data"`
}

// Receipt records the outcome of one included transaction.
type Receipt struct {
	TxHash      Hash          `json:"tx_hash"`
	BlockNumber uint64        `json:"block_number"`
	Status      ReceiptStatus `json:"status"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Logs        []Log         `json:"logs"`
}

// Err rebuilds the failure carried by a failed receipt.
func (r *Receipt) Err() error {
	if r.Status == ReceiptSuccess {
		return nil
	}
	return apperr.New(apperr.ParseKind(r.ErrorKind), "%s", r.Error)
}

// Block is an ordered batch of transactions.
type Block struct {
	Number    uint64 `json:"number"`
	Timestamp int64  `json:"timestamp"`
	TxHashes  []Hash `json:"tx_hashes"`
}
