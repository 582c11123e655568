// Package ledger defines the aggregate domain records produced by the
// correlation engine. Records are plain structs shared by the engine, the
// storage repositories, and the outbox payloads.
package ledger

import (
	"math/big"
	"time"
)

// Granularity selects the usage-bucket resolution.
type Granularity string

const (
	Hourly Granularity = "hourly"
	Daily  Granularity = "daily"
)

// Consumption is one credit-consumption event, keyed by the deterministic
// composite id creditID-blockHeight-txHash. Immutable once created.
type Consumption struct {
	ID          string    `json:"id"`
	CreditID    string    `json:"credit_id"`
	Beneficiary string    `json:"beneficiary"`
	Contract    string    `json:"contract"`
	Amount      *big.Int  `json:"amount"`
	Timestamp   time.Time `json:"timestamp"`
	BlockHeight uint64    `json:"block_height"`
	TxHash      string    `json:"tx_hash"`
	OrderHash   string    `json:"order_hash,omitempty"`
}

// UserStats is the per-user rolling total. TotalConsumed is monotonically
// non-decreasing; dedup upstream is the precondition for that, not a
// property of this struct.
type UserStats struct {
	Address        string    `json:"address"`
	TotalConsumed  *big.Int  `json:"total_consumed"`
	LastUsage      time.Time `json:"last_usage"`
}

// UsageBucket is an hourly or daily usage rollup. Key is a UTC-truncated,
// zero-padded date (2024-03-01) or date-hour (2024-03-01-23) string.
// UniqueUsers is populated for daily buckets only and reflects the current
// batch's consumptions, not an all-time distinct count.
type UsageBucket struct {
	Key         string      `json:"key"`
	Granularity Granularity `json:"granularity"`
	TotalAmount *big.Int    `json:"total_amount"`
	UsageCount  int         `json:"usage_count"`
	UniqueUsers int         `json:"unique_users,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// MoneyFlow is the reconciled money-flow record for one transaction.
// CreditAmount, UserPaidAmount and DaoFeeAmount are nil when zero so that
// "no fee" is distinguishable from "fee of zero".
type MoneyFlow struct {
	ID             string    `json:"id"`
	TxHash         string    `json:"tx_hash"`
	FromAddress    string    `json:"from_address"`
	ToAddress      string    `json:"to_address"`
	MainAmount     *big.Int  `json:"main_amount"`
	CreditAmount   *big.Int  `json:"credit_amount,omitempty"`
	UserPaidAmount *big.Int  `json:"user_paid_amount,omitempty"`
	DaoFeeAmount   *big.Int  `json:"dao_fee_amount,omitempty"`
	ConsumptionIDs []string  `json:"consumption_ids,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	BlockHeight    uint64    `json:"block_height"`
}

// HasConsumption reports whether id is already a member of the flow.
func (f *MoneyFlow) HasConsumption(id string) bool {
	for _, existing := range f.ConsumptionIDs {
		if existing == id {
			return true
		}
	}
	return false
}

// BridgeOrder tracks one cross-chain bridge order and the credits attached
// to it. TotalCreditsUsed equals the sum of amounts of all consumptions
// whose id is in CreditIDs. The record is never deleted; after the polling
// retry ceiling it simply retains its last-known status.
type BridgeOrder struct {
	OrderHash        string    `json:"order_hash"`
	CreditIDs        []string  `json:"credit_ids"`
	TotalCreditsUsed *big.Int  `json:"total_credits_used"`
	FromAddress      string    `json:"from_address"`
	ToAddress        string    `json:"to_address"`
	Filler           string    `json:"filler,omitempty"`
	FromToken        string    `json:"from_token,omitempty"`
	ToToken          string    `json:"to_token,omitempty"`
	FromAmount       *big.Int  `json:"from_amount,omitempty"`
	FillAmount       *big.Int  `json:"fill_amount,omitempty"`
	FeeRate          *big.Int  `json:"fee_rate,omitempty"`
	FromChain        uint64    `json:"from_chain,omitempty"`
	ToChain          uint64    `json:"to_chain,omitempty"`
	TxHash           string    `json:"tx_hash"`
	DestinationTx    string    `json:"destination_tx,omitempty"`
	Status           string    `json:"status,omitempty"`
	BlockHeight      uint64    `json:"block_height"`
	Timestamp        time.Time `json:"timestamp"`
}

// RecordSet is the per-batch output of the engine, ready for one atomic
// persistence call.
type RecordSet struct {
	Consumptions []*Consumption
	Users        []*UserStats
	Hourly       []*UsageBucket
	Daily        []*UsageBucket
	Flows        []*MoneyFlow
	Orders       []*BridgeOrder
}

// Empty reports whether the set contains nothing to persist.
func (rs *RecordSet) Empty() bool {
	return len(rs.Consumptions) == 0 && len(rs.Users) == 0 &&
		len(rs.Hourly) == 0 && len(rs.Daily) == 0 &&
		len(rs.Flows) == 0 && len(rs.Orders) == 0
}
