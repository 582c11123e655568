package engine

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/manaops/creditflow/internal/bridge"
	"github.com/manaops/creditflow/internal/notify"
	"github.com/manaops/creditflow/pkg/event"
	"github.com/manaops/creditflow/pkg/ledger"
)

type memStore struct {
	consumptions map[string]*ledger.Consumption
	users        map[string]*ledger.UserStats
	buckets      map[string]*ledger.UsageBucket
	flows        map[string]*ledger.MoneyFlow
	orders       map[string]*ledger.BridgeOrder
	lastNotified uint64
	saves        int
	saveErr      error
}

func newMemStore() *memStore {
	return &memStore{
		consumptions: make(map[string]*ledger.Consumption),
		users:        make(map[string]*ledger.UserStats),
		buckets:      make(map[string]*ledger.UsageBucket),
		flows:        make(map[string]*ledger.MoneyFlow),
		orders:       make(map[string]*ledger.BridgeOrder),
	}
}

func bucketKey(g ledger.Granularity, key string) string { return string(g) + "|" + key }

func (m *memStore) HasConsumption(_ context.Context, id string) (bool, error) {
	_, ok := m.consumptions[id]
	return ok, nil
}

func (m *memStore) GetUserStats(_ context.Context, address string) (*ledger.UserStats, error) {
	return m.users[address], nil
}

func (m *memStore) GetBucket(_ context.Context, g ledger.Granularity, key string) (*ledger.UsageBucket, error) {
	return m.buckets[bucketKey(g, key)], nil
}

func (m *memStore) GetBridgeOrder(_ context.Context, orderHash string) (*ledger.BridgeOrder, error) {
	return m.orders[orderHash], nil
}

func (m *memStore) FindMoneyFlowsByTx(_ context.Context, txHash string) ([]*ledger.MoneyFlow, error) {
	var out []*ledger.MoneyFlow
	for _, f := range m.flows {
		if f.TxHash == txHash {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) ConsumptionRollup(_ context.Context, ids []string) (*big.Int, []string, error) {
	sum := new(big.Int)
	seen := make(map[string]struct{})
	var beneficiaries []string
	for _, id := range ids {
		c, ok := m.consumptions[id]
		if !ok {
			continue
		}
		sum.Add(sum, c.Amount)
		if _, dup := seen[c.Beneficiary]; !dup {
			seen[c.Beneficiary] = struct{}{}
			beneficiaries = append(beneficiaries, c.Beneficiary)
		}
	}
	return sum, beneficiaries, nil
}

func (m *memStore) LastNotified(context.Context) (uint64, error) { return m.lastNotified, nil }

func (m *memStore) SetLastNotified(_ context.Context, height uint64) error {
	m.lastNotified = height
	return nil
}

func (m *memStore) SaveBatch(_ context.Context, rs *ledger.RecordSet) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	for _, c := range rs.Consumptions {
		m.consumptions[c.ID] = c
	}
	for _, u := range rs.Users {
		m.users[u.Address] = u
	}
	for _, b := range rs.Hourly {
		m.buckets[bucketKey(ledger.Hourly, b.Key)] = b
	}
	for _, b := range rs.Daily {
		m.buckets[bucketKey(ledger.Daily, b.Key)] = b
	}
	for _, f := range rs.Flows {
		m.flows[f.ID] = f
	}
	for _, o := range rs.Orders {
		m.orders[o.OrderHash] = o
	}
	return nil
}

type sentMessage struct {
	channel string
	text    string
}

type stubNotifier struct {
	sent []sentMessage
	err  error
}

func (s *stubNotifier) Send(_ context.Context, channel, text string) (notify.MessageRef, error) {
	if s.err != nil {
		return notify.MessageRef{}, s.err
	}
	s.sent = append(s.sent, sentMessage{channel: channel, text: text})
	return notify.MessageRef{Channel: channel, ID: fmt.Sprintf("%d", len(s.sent))}, nil
}

func (s *stubNotifier) Update(context.Context, notify.MessageRef, string) error { return nil }

type stubQueue struct {
	entries []bridge.PendingOrder
}

func (q *stubQueue) Enqueue(entry bridge.PendingOrder) { q.entries = append(q.entries, entry) }

var (
	testSystem = common.HexToAddress(systemAddr)
	testDAO    = common.HexToAddress(daoAddr)
)

func newTestEngine(store Store, notifier notify.Notifier, queue OrderQueue) *Engine {
	return New(store, nil, notifier, queue, Config{
		SystemAddresses:    []common.Address{testSystem},
		DAOAddress:         testDAO,
		ConsumptionChannel: "credits",
		BridgeChannel:      "bridge",
	}, nil)
}

func transferLog(from, to string, amount int64, logIndex uint32) event.Log {
	return event.Log{
		Kind:     event.KindTransfer,
		TxHash:   common.HexToHash(testTx),
		LogIndex: logIndex,
		Transfer: &event.Transfer{
			From:   common.HexToAddress(from),
			To:     common.HexToAddress(to),
			Amount: big.NewInt(amount),
		},
	}
}

func creditLog(creditID string, beneficiary string, amount int64, logIndex uint32) event.Log {
	return event.Log{
		Kind:     event.KindCreditUsed,
		TxHash:   common.HexToHash(testTx),
		LogIndex: logIndex,
		CreditUsed: &event.CreditUsed{
			CreditID:    common.HexToHash(creditID),
			Beneficiary: common.HexToAddress(beneficiary),
			Contract:    common.HexToAddress(contractAddr),
			Amount:      big.NewInt(amount),
		},
	}
}

func block(height uint64, ts time.Time, logs ...event.Log) event.Block {
	return event.Block{Height: height, Timestamp: ts, Logs: logs}
}

func batchOf(blocks ...event.Block) *event.Batch {
	return &event.Batch{Chain: "polygon", Blocks: blocks}
}

var t0 = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func TestProcessBatchCorrelatesRecords(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, notify.Disabled{}, nil)

	res, err := e.ProcessBatch(context.Background(), batchOf(block(100, t0,
		creditLog("0xcafe", userAddr, 50, 3),
		transferLog(systemAddr, creatorAddr, 45, 7),
		transferLog(systemAddr, daoAddr, 5, 8),
		transferLog(creatorAddr, userAddr, 999, 9), // external to external, ignored
	)))
	if err != nil {
		t.Fatal(err)
	}
	rs := res.Records

	if len(rs.Consumptions) != 1 {
		t.Fatalf("consumptions = %d", len(rs.Consumptions))
	}
	c := rs.Consumptions[0]
	if c.Beneficiary != userAddr || c.Amount.Int64() != 50 || c.BlockHeight != 100 {
		t.Errorf("consumption = %+v", c)
	}

	if len(rs.Users) != 1 || rs.Users[0].TotalConsumed.Int64() != 50 {
		t.Errorf("users = %+v", rs.Users)
	}
	if len(rs.Hourly) != 1 || rs.Hourly[0].Key != "2024-03-01-12" {
		t.Errorf("hourly = %+v", rs.Hourly)
	}
	if len(rs.Daily) != 1 || rs.Daily[0].Key != "2024-03-01" {
		t.Errorf("daily = %+v", rs.Daily)
	}
	if rs.Daily[0].UniqueUsers != 1 {
		t.Errorf("unique users = %d", rs.Daily[0].UniqueUsers)
	}

	if len(rs.Flows) != 1 {
		t.Fatalf("flows = %d", len(rs.Flows))
	}
	f := rs.Flows[0]
	if f.MainAmount.Int64() != 45 || f.DaoFeeAmount.Int64() != 5 || f.CreditAmount.Int64() != 50 {
		t.Errorf("flow = main %v dao %v credit %v", f.MainAmount, f.DaoFeeAmount, f.CreditAmount)
	}
	if !f.HasConsumption(c.ID) {
		t.Errorf("flow missing consumption %s", c.ID)
	}
}

func TestProcessBatchSkipsPersistedConsumption(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, notify.Disabled{}, nil)
	batch := batchOf(block(100, t0, creditLog("0xcafe", userAddr, 50, 3)))

	if err := e.Run(context.Background(), batch); err != nil {
		t.Fatal(err)
	}
	if len(store.consumptions) != 1 {
		t.Fatalf("persisted = %d", len(store.consumptions))
	}

	// Redelivery of the same batch must change nothing.
	res, err := e.ProcessBatch(context.Background(), batch)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records.Consumptions) != 0 {
		t.Errorf("replay produced %d consumptions", len(res.Records.Consumptions))
	}
	if len(res.Records.Users) != 0 || len(res.Records.Daily) != 0 {
		t.Errorf("replay produced aggregates: %+v", res.Records)
	}
}

func TestProcessBatchDuplicateWithinBatch(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, notify.Disabled{}, nil)

	res, err := e.ProcessBatch(context.Background(), batchOf(block(100, t0,
		creditLog("0xcafe", userAddr, 50, 3),
		creditLog("0xcafe", userAddr, 50, 4), // same credit, block, tx
	)))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Records.Consumptions) != 1 {
		t.Fatalf("consumptions = %d", len(res.Records.Consumptions))
	}
	if got := res.Records.Users[0].TotalConsumed.Int64(); got != 50 {
		t.Errorf("total consumed = %d, want 50", got)
	}
}

func TestSplitBatchesConvergeWithCombined(t *testing.T) {
	ctx := context.Background()

	combined := newMemStore()
	if err := newTestEngine(combined, notify.Disabled{}, nil).Run(ctx, batchOf(block(100, t0,
		creditLog("0xcafe", userAddr, 50, 3),
		transferLog(systemAddr, creatorAddr, 45, 7),
		transferLog(systemAddr, daoAddr, 5, 8),
	))); err != nil {
		t.Fatal(err)
	}

	split := newMemStore()
	splitEngine := newTestEngine(split, notify.Disabled{}, nil)
	if err := splitEngine.Run(ctx, batchOf(block(100, t0,
		creditLog("0xcafe", userAddr, 50, 3),
	))); err != nil {
		t.Fatal(err)
	}
	if err := splitEngine.Run(ctx, batchOf(block(100, t0,
		transferLog(systemAddr, creatorAddr, 45, 7),
		transferLog(systemAddr, daoAddr, 5, 8),
	))); err != nil {
		t.Fatal(err)
	}

	want, err := combined.FindMoneyFlowsByTx(ctx, strings.ToLower(testTx))
	if err != nil || len(want) != 1 {
		t.Fatalf("combined flows = %v, %v", want, err)
	}
	got, err := split.FindMoneyFlowsByTx(ctx, strings.ToLower(testTx))
	if err != nil || len(got) != 1 {
		t.Fatalf("split flows = %v, %v", got, err)
	}

	w, g := want[0], got[0]
	if g.MainAmount.Cmp(w.MainAmount) != 0 {
		t.Errorf("main: split %v, combined %v", g.MainAmount, w.MainAmount)
	}
	if g.DaoFeeAmount.Cmp(w.DaoFeeAmount) != 0 {
		t.Errorf("dao fee: split %v, combined %v", g.DaoFeeAmount, w.DaoFeeAmount)
	}
	if g.CreditAmount.Cmp(w.CreditAmount) != 0 {
		t.Errorf("credit: split %v, combined %v", g.CreditAmount, w.CreditAmount)
	}
	if g.FromAddress != w.FromAddress || g.ToAddress != w.ToAddress {
		t.Errorf("endpoints: split %s->%s, combined %s->%s", g.FromAddress, g.ToAddress, w.FromAddress, w.ToAddress)
	}
	if len(g.ConsumptionIDs) != 1 || g.ConsumptionIDs[0] != w.ConsumptionIDs[0] {
		t.Errorf("members: split %v, combined %v", g.ConsumptionIDs, w.ConsumptionIDs)
	}
}

func TestSplitBatchesRecoverUserPaid(t *testing.T) {
	ctx := context.Background()

	combined := newMemStore()
	if err := newTestEngine(combined, notify.Disabled{}, nil).Run(ctx, batchOf(block(100, t0,
		creditLog("0xcafe", userAddr, 50, 3),
		transferLog(userAddr, systemAddr, 30, 7),
	))); err != nil {
		t.Fatal(err)
	}

	// The consumption lands first; its user-paid transfer only shows up in
	// a later batch.
	split := newMemStore()
	splitEngine := newTestEngine(split, notify.Disabled{}, nil)
	if err := splitEngine.Run(ctx, batchOf(block(100, t0,
		creditLog("0xcafe", userAddr, 50, 3),
	))); err != nil {
		t.Fatal(err)
	}
	if err := splitEngine.Run(ctx, batchOf(block(100, t0,
		transferLog(userAddr, systemAddr, 30, 7),
	))); err != nil {
		t.Fatal(err)
	}

	want, err := combined.FindMoneyFlowsByTx(ctx, strings.ToLower(testTx))
	if err != nil || len(want) != 1 || want[0].UserPaidAmount == nil {
		t.Fatalf("combined flows = %v, %v", want, err)
	}
	got, err := split.FindMoneyFlowsByTx(ctx, strings.ToLower(testTx))
	if err != nil || len(got) != 1 {
		t.Fatalf("split flows = %v, %v", got, err)
	}

	if got[0].UserPaidAmount == nil {
		t.Fatalf("split lost the user-paid leg: %+v", got[0])
	}
	if got[0].UserPaidAmount.Cmp(want[0].UserPaidAmount) != 0 {
		t.Errorf("user paid: split %v, combined %v", got[0].UserPaidAmount, want[0].UserPaidAmount)
	}
	if want[0].UserPaidAmount.Int64() != 30 {
		t.Errorf("user paid = %v, want 30", want[0].UserPaidAmount)
	}
}

func TestProcessBatchSkipsMalformedLog(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, notify.Disabled{}, nil)

	broken := event.Log{
		Kind:     event.KindTransfer,
		TxHash:   common.HexToHash(testTx),
		LogIndex: 1,
	}

	if err := e.Run(context.Background(), batchOf(block(100, t0,
		broken,
		creditLog("0xcafe", userAddr, 50, 3),
	))); err != nil {
		t.Fatalf("malformed log must not abort the batch: %v", err)
	}

	if len(store.consumptions) != 1 {
		t.Errorf("consumptions = %d, want the valid log processed", len(store.consumptions))
	}
}

func TestDispatchAnnouncesSiblingConsumptions(t *testing.T) {
	store := newMemStore()
	notifier := &stubNotifier{}
	e := newTestEngine(store, notifier, nil)

	// Two fresh consumptions in the same block: the first send must not
	// raise the gate past its siblings.
	if err := e.Run(context.Background(), batchOf(block(100, t0,
		creditLog("0xcafe", userAddr, 50, 3),
		creditLog("0xbeef", creatorAddr, 25, 5),
	))); err != nil {
		t.Fatal(err)
	}

	if len(notifier.sent) != 2 {
		t.Fatalf("sent = %d messages, want both sibling notices", len(notifier.sent))
	}
	if store.lastNotified != 100 {
		t.Errorf("watermark = %d, want 100", store.lastNotified)
	}
}

func TestDispatchHonorsWatermark(t *testing.T) {
	store := newMemStore()
	store.lastNotified = 100
	notifier := &stubNotifier{}
	e := newTestEngine(store, notifier, nil)

	if err := e.Run(context.Background(), batchOf(
		block(100, t0, creditLog("0xcafe", userAddr, 50, 3)),
		block(101, t0.Add(2*time.Second), creditLog("0xbeef", creatorAddr, 25, 1)),
	)); err != nil {
		t.Fatal(err)
	}

	if len(notifier.sent) != 1 {
		t.Fatalf("sent = %d messages", len(notifier.sent))
	}
	if notifier.sent[0].channel != "credits" {
		t.Errorf("channel = %s", notifier.sent[0].channel)
	}
	if store.lastNotified != 101 {
		t.Errorf("watermark = %d, want 101", store.lastNotified)
	}
}

func TestDispatchOrderQueuedAfterAnnouncement(t *testing.T) {
	store := newMemStore()
	notifier := &stubNotifier{}
	queue := &stubQueue{}
	e := newTestEngine(store, notifier, queue)

	orderLog := event.Log{
		Kind:     event.KindOrderCreated,
		TxHash:   common.HexToHash(testTx),
		LogIndex: 1,
		OrderCreated: &event.OrderCreated{
			OrderHash:  common.HexToHash("0xfeed"),
			From:       common.HexToAddress(userAddr),
			To:         common.HexToAddress(creatorAddr),
			FromAmount: big.NewInt(500),
			FromChain:  137,
			ToChain:    1,
		},
	}

	if err := e.Run(context.Background(), batchOf(block(100, t0,
		orderLog,
		creditLog("0xcafe", userAddr, 50, 3),
	))); err != nil {
		t.Fatal(err)
	}

	orderHash := strings.ToLower(common.HexToHash("0xfeed").Hex())
	o, ok := store.orders[orderHash]
	if !ok {
		t.Fatal("order not persisted")
	}
	if o.TotalCreditsUsed.Int64() != 50 || len(o.CreditIDs) != 1 {
		t.Errorf("order credits = %v %v", o.TotalCreditsUsed, o.CreditIDs)
	}
	if store.consumptions[o.CreditIDs[0]].OrderHash != orderHash {
		t.Errorf("consumption not linked to order")
	}

	if len(queue.entries) != 1 {
		t.Fatalf("queued = %d", len(queue.entries))
	}
	if queue.entries[0].Order.OrderHash != orderHash {
		t.Errorf("queued order = %s", queue.entries[0].Order.OrderHash)
	}
	// One consumption notice plus one order announcement.
	if len(notifier.sent) != 2 {
		t.Errorf("sent = %d messages", len(notifier.sent))
	}
}

func TestDispatchDisabledNotifierSkipsQueue(t *testing.T) {
	store := newMemStore()
	queue := &stubQueue{}
	e := newTestEngine(store, notify.Disabled{}, queue)

	orderLog := event.Log{
		Kind:     event.KindOrderCreated,
		TxHash:   common.HexToHash(testTx),
		LogIndex: 1,
		OrderCreated: &event.OrderCreated{
			OrderHash: common.HexToHash("0xfeed"),
			From:      common.HexToAddress(userAddr),
			To:        common.HexToAddress(creatorAddr),
		},
	}
	if err := e.Run(context.Background(), batchOf(block(100, t0, orderLog))); err != nil {
		t.Fatal(err)
	}
	if len(queue.entries) != 0 {
		t.Errorf("queued = %d, want 0 when chat is disabled", len(queue.entries))
	}
	// The order record itself is still persisted.
	if len(store.orders) != 1 {
		t.Errorf("orders persisted = %d", len(store.orders))
	}
}

func TestRunEmptyBatchSavesNothing(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(store, notify.Disabled{}, nil)

	if err := e.Run(context.Background(), batchOf(block(100, t0,
		transferLog(creatorAddr, userAddr, 10, 1), // irrelevant
	))); err != nil {
		t.Fatal(err)
	}
	if store.saves != 0 {
		t.Errorf("saves = %d, want 0", store.saves)
	}
}

func TestRunSaveFailureSkipsNotifications(t *testing.T) {
	store := newMemStore()
	store.saveErr = fmt.Errorf("connection reset")
	notifier := &stubNotifier{}
	e := newTestEngine(store, notifier, nil)

	err := e.Run(context.Background(), batchOf(block(100, t0, creditLog("0xcafe", userAddr, 50, 3))))
	if err == nil {
		t.Fatal("expected save error")
	}
	if len(notifier.sent) != 0 {
		t.Errorf("sent = %d messages after failed save", len(notifier.sent))
	}
}
