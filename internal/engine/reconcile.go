package engine

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/manaops/creditflow/internal/classify"
	"github.com/manaops/creditflow/pkg/ledger"
)

// transferRec is one classified, non-irrelevant transfer awaiting
// reconciliation.
type transferRec struct {
	from      string
	to        string
	amount    *big.Int
	role      classify.Role
	txHash    string
	block     uint64
	logIndex  uint32
	timestamp time.Time
}

// reconcileFlow folds all transfers and consumptions of one transaction
// into a single money-flow record. Returns nil when there is nothing to
// reconcile.
func reconcileFlow(txHash string, transfers []*transferRec, cons []*ledger.Consumption) *ledger.MoneyFlow {
	if len(transfers) == 0 && len(cons) == 0 {
		return nil
	}

	// Largest transfer first; the stable sort keeps original log order for
	// equal amounts so the pick is deterministic.
	sorted := make([]*transferRec, len(transfers))
	copy(sorted, transfers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].amount.Cmp(sorted[j].amount) > 0
	})

	var nonFee []*transferRec
	daoTotal := new(big.Int)
	for _, t := range sorted {
		if t.role == classify.DaoFee {
			daoTotal.Add(daoTotal, t.amount)
		} else {
			nonFee = append(nonFee, t)
		}
	}

	beneficiaries := make(map[string]struct{}, len(cons))
	creditTotal := new(big.Int)
	consumptionIDs := make([]string, 0, len(cons))
	for _, c := range cons {
		beneficiaries[c.Beneficiary] = struct{}{}
		creditTotal.Add(creditTotal, c.Amount)
		consumptionIDs = append(consumptionIDs, c.ID)
	}

	userPaid := userPaidTotal(transfers, beneficiaries)

	var (
		from, to   string
		mainAmount *big.Int
		ts         time.Time
		block      uint64
		logIndex   uint32
	)
	switch {
	case len(nonFee) > 0:
		main := nonFee[0]
		from, to = main.from, main.to
		mainAmount = main.amount
		ts, block, logIndex = main.timestamp, main.block, main.logIndex
	case len(cons) > 0:
		// No matching transfer observed yet; synthesize a placeholder so
		// the consumptions are never silently lost.
		first := cons[0]
		from, to = first.Beneficiary, first.Contract
		mainAmount = new(big.Int)
		ts, block, logIndex = first.Timestamp, first.BlockHeight, 0
	default:
		// Only DAO-fee transfers: stamp the record from the fee leg.
		fee := sorted[0]
		from, to = fee.from, fee.to
		mainAmount = new(big.Int)
		ts, block, logIndex = fee.timestamp, fee.block, fee.logIndex
	}

	return &ledger.MoneyFlow{
		ID:             flowID(txHash, block, logIndex),
		TxHash:         txHash,
		FromAddress:    from,
		ToAddress:      to,
		MainAmount:     mainAmount,
		CreditAmount:   nilIfZero(creditTotal),
		UserPaidAmount: nilIfZero(userPaid),
		DaoFeeAmount:   nilIfZero(daoTotal),
		ConsumptionIDs: consumptionIDs,
		Timestamp:      ts,
		BlockHeight:    block,
	}
}

// mergeFlow folds the current batch's view of a transaction into a record
// persisted by an earlier batch, so split processing converges on the same
// result as one combined batch. The dedup gate guarantees that every
// consumption reaching the current reconcile is new, so the credit total is
// the persisted members' sum plus the current batch's sum, never an
// incremental drift.
func mergeFlow(existing *ledger.MoneyFlow, current *ledger.MoneyFlow, persistedCredit *big.Int) {
	if current.MainAmount != nil && current.MainAmount.Sign() > 0 {
		existing.FromAddress = current.FromAddress
		existing.ToAddress = current.ToAddress
		existing.MainAmount = current.MainAmount
	}
	if current.DaoFeeAmount != nil {
		existing.DaoFeeAmount = current.DaoFeeAmount
	}
	if current.UserPaidAmount != nil {
		existing.UserPaidAmount = current.UserPaidAmount
	}

	for _, id := range current.ConsumptionIDs {
		if existing.HasConsumption(id) {
			continue
		}
		existing.ConsumptionIDs = append(existing.ConsumptionIDs, id)
	}

	total := new(big.Int).Set(persistedCredit)
	if current.CreditAmount != nil {
		total.Add(total, current.CreditAmount)
	}
	existing.CreditAmount = nilIfZero(total)
	if existing.MainAmount == nil {
		existing.MainAmount = new(big.Int)
	}
}

// userPaidTotal sums the non-fee transfers sent by any of the given
// beneficiaries.
func userPaidTotal(transfers []*transferRec, beneficiaries map[string]struct{}) *big.Int {
	total := new(big.Int)
	for _, t := range transfers {
		if t.role == classify.DaoFee {
			continue
		}
		if _, ok := beneficiaries[t.from]; ok {
			total.Add(total, t.amount)
		}
	}
	return total
}

func flowID(txHash string, block uint64, logIndex uint32) string {
	return fmt.Sprintf("%s-%d-%d", txHash, block, logIndex)
}

func nilIfZero(v *big.Int) *big.Int {
	if v == nil || v.Sign() == 0 {
		return nil
	}
	return v
}
