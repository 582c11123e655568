package engine

import (
	"math/big"
	"testing"
	"time"

	"github.com/manaops/creditflow/internal/classify"
	"github.com/manaops/creditflow/pkg/ledger"
)

const (
	testTx       = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	systemAddr   = "0x1111111111111111111111111111111111111111"
	creatorAddr  = "0x2222222222222222222222222222222222222222"
	daoAddr      = "0x3333333333333333333333333333333333333333"
	userAddr     = "0x4444444444444444444444444444444444444444"
	contractAddr = "0x5555555555555555555555555555555555555555"
)

func tr(from, to string, amount int64, role classify.Role, block uint64, logIndex uint32) *transferRec {
	return &transferRec{
		from:      from,
		to:        to,
		amount:    big.NewInt(amount),
		role:      role,
		txHash:    testTx,
		block:     block,
		logIndex:  logIndex,
		timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func consumption(id string, beneficiary string, amount int64) *ledger.Consumption {
	return &ledger.Consumption{
		ID:          id,
		CreditID:    "0xcafe",
		Beneficiary: beneficiary,
		Contract:    contractAddr,
		Amount:      big.NewInt(amount),
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		BlockHeight: 100,
		TxHash:      testTx,
	}
}

func TestReconcileFlowsetsMainAndFee(t *testing.T) {
	transfers := []*transferRec{
		tr(systemAddr, creatorAddr, 45, classify.SystemToExternal, 100, 7),
		tr(systemAddr, daoAddr, 5, classify.DaoFee, 100, 8),
	}
	cons := []*ledger.Consumption{consumption("c-1", userAddr, 50)}

	flow := reconcileFlow(testTx, transfers, cons)
	if flow == nil {
		t.Fatal("expected a flow record")
	}
	if flow.ID != testTx+"-100-7" {
		t.Errorf("id = %s", flow.ID)
	}
	if flow.FromAddress != systemAddr || flow.ToAddress != creatorAddr {
		t.Errorf("main endpoints = %s -> %s", flow.FromAddress, flow.ToAddress)
	}
	if flow.MainAmount.Int64() != 45 {
		t.Errorf("main = %v, want 45", flow.MainAmount)
	}
	if flow.DaoFeeAmount == nil || flow.DaoFeeAmount.Int64() != 5 {
		t.Errorf("dao fee = %v, want 5", flow.DaoFeeAmount)
	}
	if flow.CreditAmount == nil || flow.CreditAmount.Int64() != 50 {
		t.Errorf("credit = %v, want 50", flow.CreditAmount)
	}
	if flow.UserPaidAmount != nil {
		t.Errorf("user paid = %v, want nil", flow.UserPaidAmount)
	}
	if len(flow.ConsumptionIDs) != 1 || flow.ConsumptionIDs[0] != "c-1" {
		t.Errorf("consumption ids = %v", flow.ConsumptionIDs)
	}
}

func TestReconcileFlowPicksLargestNonFeeTransfer(t *testing.T) {
	transfers := []*transferRec{
		tr(systemAddr, creatorAddr, 10, classify.SystemToExternal, 100, 1),
		tr(systemAddr, daoAddr, 99, classify.DaoFee, 100, 2),
		tr(systemAddr, userAddr, 40, classify.SystemToExternal, 100, 3),
	}

	flow := reconcileFlow(testTx, transfers, nil)
	if flow.ToAddress != userAddr {
		t.Errorf("main to = %s, want the largest non-fee leg %s", flow.ToAddress, userAddr)
	}
	if flow.MainAmount.Int64() != 40 {
		t.Errorf("main = %v, want 40", flow.MainAmount)
	}
	if flow.DaoFeeAmount.Int64() != 99 {
		t.Errorf("dao fee = %v, want 99", flow.DaoFeeAmount)
	}
}

func TestReconcileFlowTieKeepsLogOrder(t *testing.T) {
	transfers := []*transferRec{
		tr(systemAddr, creatorAddr, 40, classify.SystemToExternal, 100, 2),
		tr(systemAddr, userAddr, 40, classify.SystemToExternal, 100, 5),
	}

	flow := reconcileFlow(testTx, transfers, nil)
	if flow.ToAddress != creatorAddr {
		t.Errorf("tie broke to %s, want first-seen %s", flow.ToAddress, creatorAddr)
	}
	if flow.ID != testTx+"-100-2" {
		t.Errorf("id = %s", flow.ID)
	}
}

func TestReconcileFlowUserPaid(t *testing.T) {
	transfers := []*transferRec{
		tr(userAddr, systemAddr, 30, classify.ExternalToSystem, 100, 1),
		tr(systemAddr, creatorAddr, 70, classify.SystemToExternal, 100, 2),
	}
	cons := []*ledger.Consumption{consumption("c-1", userAddr, 40)}

	flow := reconcileFlow(testTx, transfers, cons)
	if flow.UserPaidAmount == nil || flow.UserPaidAmount.Int64() != 30 {
		t.Errorf("user paid = %v, want 30", flow.UserPaidAmount)
	}
	if flow.MainAmount.Int64() != 70 {
		t.Errorf("main = %v, want 70", flow.MainAmount)
	}
}

func TestReconcileFlowPlaceholderForOrphanConsumptions(t *testing.T) {
	cons := []*ledger.Consumption{
		consumption("c-1", userAddr, 50),
		consumption("c-2", userAddr, 25),
	}

	flow := reconcileFlow(testTx, nil, cons)
	if flow == nil {
		t.Fatal("expected a placeholder flow")
	}
	if flow.MainAmount.Sign() != 0 {
		t.Errorf("main = %v, want 0", flow.MainAmount)
	}
	if flow.FromAddress != userAddr || flow.ToAddress != contractAddr {
		t.Errorf("placeholder endpoints = %s -> %s", flow.FromAddress, flow.ToAddress)
	}
	if flow.CreditAmount.Int64() != 75 {
		t.Errorf("credit = %v, want 75", flow.CreditAmount)
	}
	if flow.ID != testTx+"-100-0" {
		t.Errorf("id = %s", flow.ID)
	}
	if flow.DaoFeeAmount != nil || flow.UserPaidAmount != nil {
		t.Errorf("zero-valued fields must stay nil: dao=%v paid=%v", flow.DaoFeeAmount, flow.UserPaidAmount)
	}
}

func TestReconcileFlowOnlyDaoFee(t *testing.T) {
	transfers := []*transferRec{tr(systemAddr, daoAddr, 12, classify.DaoFee, 100, 4)}

	flow := reconcileFlow(testTx, transfers, nil)
	if flow.MainAmount.Sign() != 0 {
		t.Errorf("main = %v, want 0", flow.MainAmount)
	}
	if flow.DaoFeeAmount.Int64() != 12 {
		t.Errorf("dao fee = %v, want 12", flow.DaoFeeAmount)
	}
	if flow.ID != testTx+"-100-4" {
		t.Errorf("id = %s", flow.ID)
	}
}

func TestReconcileFlowEmptyInput(t *testing.T) {
	if flow := reconcileFlow(testTx, nil, nil); flow != nil {
		t.Errorf("expected nil, got %+v", flow)
	}
}

func TestMergeFlowCombinesSplitBatches(t *testing.T) {
	// Batch one saw only the consumption.
	existing := reconcileFlow(testTx, nil, []*ledger.Consumption{consumption("c-1", userAddr, 50)})

	// Batch two sees only the transfers; the consumption is already
	// persisted so the current reconcile carries none.
	current := reconcileFlow(testTx, []*transferRec{
		tr(systemAddr, creatorAddr, 45, classify.SystemToExternal, 100, 7),
		tr(systemAddr, daoAddr, 5, classify.DaoFee, 100, 8),
	}, nil)

	mergeFlow(existing, current, big.NewInt(50))

	if existing.MainAmount.Int64() != 45 {
		t.Errorf("main = %v, want 45", existing.MainAmount)
	}
	if existing.FromAddress != systemAddr || existing.ToAddress != creatorAddr {
		t.Errorf("endpoints = %s -> %s", existing.FromAddress, existing.ToAddress)
	}
	if existing.DaoFeeAmount.Int64() != 5 {
		t.Errorf("dao fee = %v, want 5", existing.DaoFeeAmount)
	}
	if existing.CreditAmount.Int64() != 50 {
		t.Errorf("credit = %v, want 50", existing.CreditAmount)
	}
	if len(existing.ConsumptionIDs) != 1 || existing.ConsumptionIDs[0] != "c-1" {
		t.Errorf("consumption ids = %v", existing.ConsumptionIDs)
	}
}

func TestMergeFlowAppendsNewMembers(t *testing.T) {
	existing := &ledger.MoneyFlow{
		ID:             testTx + "-100-0",
		TxHash:         testTx,
		MainAmount:     new(big.Int),
		CreditAmount:   big.NewInt(50),
		ConsumptionIDs: []string{"c-1"},
	}
	current := reconcileFlow(testTx, nil, []*ledger.Consumption{consumption("c-2", userAddr, 25)})

	mergeFlow(existing, current, big.NewInt(50))

	if len(existing.ConsumptionIDs) != 2 || existing.ConsumptionIDs[1] != "c-2" {
		t.Fatalf("consumption ids = %v", existing.ConsumptionIDs)
	}
	if existing.CreditAmount.Int64() != 75 {
		t.Errorf("credit = %v, want 75", existing.CreditAmount)
	}
	// The merged record keeps its original identity.
	if existing.ID != testTx+"-100-0" {
		t.Errorf("id = %s", existing.ID)
	}
}
