// Package event defines the typed, decoded log events consumed by the
// correlation engine. Decoding from raw topics/data happens upstream; the
// engine never inspects raw log shapes.
package event

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind discriminates the event payload carried by a Log.
type Kind string

const (
	KindTransfer     Kind = "transfer"
	KindCreditUsed   Kind = "credit_used"
	KindOrderCreated Kind = "order_created"
)

// Transfer is a decoded ERC-20 Transfer event.
type Transfer struct {
	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// CreditUsed is a decoded credit-consumption event. CreditID is the 32-byte
// salt identifying the credit; Contract is the credit-manager contract that
// emitted the event.
type CreditUsed struct {
	CreditID    common.Hash    `json:"credit_id"`
	Beneficiary common.Address `json:"beneficiary"`
	Contract    common.Address `json:"contract"`
	Amount      *big.Int       `json:"amount"`
}

// OrderCreated is a decoded cross-chain bridge order event.
type OrderCreated struct {
	OrderHash  common.Hash    `json:"order_hash"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	Filler     common.Address `json:"filler"`
	FromToken  common.Address `json:"from_token"`
	ToToken    common.Address `json:"to_token"`
	FromAmount *big.Int       `json:"from_amount"`
	FillAmount *big.Int       `json:"fill_amount"`
	FeeRate    *big.Int       `json:"fee_rate"`
	FromChain  uint64         `json:"from_chain"`
	ToChain    uint64         `json:"to_chain"`
}

// Log is one decoded log entry. Exactly one of the payload pointers is
// non-nil, selected by Kind.
type Log struct {
	Kind     Kind        `json:"kind"`
	TxHash   common.Hash `json:"tx_hash"`
	LogIndex uint32      `json:"log_index"`

	Transfer     *Transfer     `json:"transfer,omitempty"`
	CreditUsed   *CreditUsed   `json:"credit_used,omitempty"`
	OrderCreated *OrderCreated `json:"order_created,omitempty"`
}

// Validate checks that the log carries the payload its Kind announces.
func (l *Log) Validate() error {
	switch l.Kind {
	case KindTransfer:
		if l.Transfer == nil || l.Transfer.Amount == nil {
			return fmt.Errorf("transfer log %s/%d missing payload", l.TxHash, l.LogIndex)
		}
	case KindCreditUsed:
		if l.CreditUsed == nil || l.CreditUsed.Amount == nil {
			return fmt.Errorf("credit_used log %s/%d missing payload", l.TxHash, l.LogIndex)
		}
	case KindOrderCreated:
		if l.OrderCreated == nil {
			return fmt.Errorf("order_created log %s/%d missing payload", l.TxHash, l.LogIndex)
		}
	default:
		return fmt.Errorf("unknown event kind %q", l.Kind)
	}
	return nil
}

// Block is one finalized block with its ordered decoded logs.
type Block struct {
	Height    uint64    `json:"height"`
	Hash      common.Hash `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Logs      []Log     `json:"logs"`
}

// Batch is an ordered, gap-free range of finalized blocks as delivered by
// the chain-scanning collaborator. Redelivery of the same range must be
// assumed.
type Batch struct {
	Chain  string  `json:"chain"`
	Blocks []Block `json:"blocks"`
}

// FromHeight returns the height of the first block, or 0 for an empty batch.
func (b *Batch) FromHeight() uint64 {
	if len(b.Blocks) == 0 {
		return 0
	}
	return b.Blocks[0].Height
}

// ToHeight returns the height of the last block, or 0 for an empty batch.
func (b *Batch) ToHeight() uint64 {
	if len(b.Blocks) == 0 {
		return 0
	}
	return b.Blocks[len(b.Blocks)-1].Height
}
