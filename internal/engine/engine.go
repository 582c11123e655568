// Package engine correlates decoded chain events into durable ledger
// records: it deduplicates credit consumptions, folds them into rolling
// aggregates, reconciles per-transaction money flows, and tracks
// cross-chain orders, then persists the whole batch atomically.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/manaops/creditflow/internal/aggregate"
	"github.com/manaops/creditflow/internal/bridge"
	"github.com/manaops/creditflow/internal/classify"
	"github.com/manaops/creditflow/internal/identity"
	"github.com/manaops/creditflow/internal/notify"
	"github.com/manaops/creditflow/pkg/event"
	"github.com/manaops/creditflow/pkg/ledger"
)

// Store is the durable backend the engine reads prior state from and
// writes batch results to. SaveBatch must be atomic: either every record
// in the set lands or none do.
type Store interface {
	identity.Store
	aggregate.Store
	bridge.OrderStore

	// FindMoneyFlowsByTx returns all money-flow records for a transaction
	// hash, ordered by record id ascending.
	FindMoneyFlowsByTx(ctx context.Context, txHash string) ([]*ledger.MoneyFlow, error)
	// ConsumptionRollup sums the persisted amounts of the given
	// consumption ids and returns their distinct beneficiaries. Unknown
	// ids contribute nothing.
	ConsumptionRollup(ctx context.Context, ids []string) (*big.Int, []string, error)

	LastNotified(ctx context.Context) (uint64, error)
	SetLastNotified(ctx context.Context, height uint64) error

	SaveBatch(ctx context.Context, rs *ledger.RecordSet) error
}

// OrderQueue receives newly announced bridge orders for status polling.
type OrderQueue interface {
	Enqueue(bridge.PendingOrder)
}

// Config carries the address roles and notification routing the engine
// needs. Addresses are compared case-insensitively.
type Config struct {
	SystemAddresses    []common.Address
	DAOAddress         common.Address
	ConsumptionChannel string
	BridgeChannel      string
}

// Engine is the batch correlation core. One Engine serves one chain; it
// holds no per-batch state, so ProcessBatch may be called repeatedly.
type Engine struct {
	store     Store
	cache     identity.Cache
	addresses *classify.AddressSet
	notifier  notify.Notifier
	queue     OrderQueue
	cfg       Config
	logger    *slog.Logger
}

// New builds an Engine. cache and queue may be nil; the notifier may be
// notify.Disabled{} when chat delivery is off.
func New(store Store, cache identity.Cache, notifier notify.Notifier, queue OrderQueue, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Disabled{}
	}
	return &Engine{
		store:     store,
		cache:     cache,
		addresses: classify.NewAddressSet(cfg.SystemAddresses, cfg.DAOAddress),
		notifier:  notifier,
		queue:     queue,
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
	}
}

// Result is the outcome of one processed batch: the records to persist
// plus what the dispatch step needs for notifications and polling.
type Result struct {
	Records     *ledger.RecordSet
	Notices     []ConsumptionNotice
	FreshOrders []*ledger.BridgeOrder
	FromHeight  uint64
	ToHeight    uint64
}

// ConsumptionNotice is one consumption eligible for a chat notification,
// gated later by the notification watermark.
type ConsumptionNotice struct {
	Consumption *ledger.Consumption
}

// Run processes a batch end to end: correlate, persist atomically, then
// dispatch notifications best-effort. A persistence failure aborts before
// any notification is sent.
func (e *Engine) Run(ctx context.Context, batch *event.Batch) error {
	res, err := e.ProcessBatch(ctx, batch)
	if err != nil {
		return err
	}
	if !res.Records.Empty() {
		if err := e.store.SaveBatch(ctx, res.Records); err != nil {
			return fmt.Errorf("save batch %d-%d: %w", res.FromHeight, res.ToHeight, err)
		}
		e.logger.Info("batch persisted",
			"from", res.FromHeight,
			"to", res.ToHeight,
			"consumptions", len(res.Records.Consumptions),
			"users", len(res.Records.Users),
			"flows", len(res.Records.Flows),
			"orders", len(res.Records.Orders),
		)
	}
	e.Dispatch(ctx, res)
	return nil
}

// pendingConsumption defers a credit-used log to the second pass so every
// order announcement in the batch is indexed before attachment.
type pendingConsumption struct {
	block *event.Block
	log   *event.Log
}

// ProcessBatch correlates one batch into a Result without persisting
// anything. It is pure with respect to the store apart from reads.
func (e *Engine) ProcessBatch(ctx context.Context, batch *event.Batch) (*Result, error) {
	tracker := bridge.NewTracker(e.store, e.logger)
	deduper := identity.NewDeduper(e.store, e.cache, e.logger)
	agg := aggregate.NewBatch(e.store)

	transfersByTx := make(map[string][]*transferRec)
	consByTx := make(map[string][]*ledger.Consumption)
	var txOrder []string
	seenTx := make(map[string]struct{})
	noteTx := func(tx string) {
		if _, ok := seenTx[tx]; !ok {
			seenTx[tx] = struct{}{}
			txOrder = append(txOrder, tx)
		}
	}

	var pending []pendingConsumption

	// Pass one: index order announcements and classify transfers. Credit
	// consumptions wait for pass two so same-transaction orders are always
	// visible at attachment time regardless of log ordering.
	for bi := range batch.Blocks {
		blk := &batch.Blocks[bi]
		for li := range blk.Logs {
			lg := &blk.Logs[li]
			if err := lg.Validate(); err != nil {
				// A malformed log never aborts the batch; the rest of
				// the block still correlates.
				e.logger.Warn("skipping malformed log", "block", blk.Height, "error", err)
				continue
			}
			tx := strings.ToLower(lg.TxHash.Hex())
			switch lg.Kind {
			case event.KindOrderCreated:
				if err := tracker.IndexOrder(ctx, blk, tx, lg.OrderCreated); err != nil {
					return nil, err
				}
			case event.KindTransfer:
				role := e.addresses.Classify(lg.Transfer.From, lg.Transfer.To)
				if role == classify.Irrelevant {
					continue
				}
				noteTx(tx)
				transfersByTx[tx] = append(transfersByTx[tx], &transferRec{
					from:      strings.ToLower(lg.Transfer.From.Hex()),
					to:        strings.ToLower(lg.Transfer.To.Hex()),
					amount:    lg.Transfer.Amount,
					role:      role,
					txHash:    tx,
					block:     blk.Height,
					logIndex:  lg.LogIndex,
					timestamp: blk.Timestamp,
				})
			case event.KindCreditUsed:
				pending = append(pending, pendingConsumption{block: blk, log: lg})
			}
		}
	}

	// Pass two: admit consumptions through the dedup gate and aggregate.
	var consumptions []*ledger.Consumption
	for _, pc := range pending {
		ev := pc.log.CreditUsed
		tx := strings.ToLower(pc.log.TxHash.Hex())
		id := identity.ConsumptionID(ev.CreditID, pc.block.Height, pc.log.TxHash)
		fresh, err := deduper.Admit(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("dedup %s: %w", id, err)
		}
		if !fresh {
			continue
		}

		c := &ledger.Consumption{
			ID:          id,
			CreditID:    strings.ToLower(ev.CreditID.Hex()),
			Beneficiary: strings.ToLower(ev.Beneficiary.Hex()),
			Contract:    strings.ToLower(ev.Contract.Hex()),
			Amount:      ev.Amount,
			Timestamp:   pc.block.Timestamp,
			BlockHeight: pc.block.Height,
			TxHash:      tx,
		}
		tracker.Attach(c)

		if _, err := agg.ApplyUser(ctx, c.Beneficiary, c.Amount, c.Timestamp); err != nil {
			return nil, err
		}
		if _, err := agg.ApplyBucket(ctx, ledger.Hourly, c.Timestamp, c.Amount); err != nil {
			return nil, err
		}
		if _, err := agg.ApplyBucket(ctx, ledger.Daily, c.Timestamp, c.Amount); err != nil {
			return nil, err
		}

		noteTx(tx)
		consByTx[tx] = append(consByTx[tx], c)
		consumptions = append(consumptions, c)
	}
	agg.RecomputeUniqueUsers(consumptions)

	flows, err := e.reconcileBatch(ctx, txOrder, transfersByTx, consByTx)
	if err != nil {
		return nil, err
	}

	rs := &ledger.RecordSet{
		Consumptions: identity.FinalDedup(consumptions, e.logger),
		Users:        agg.Users(),
		Hourly:       agg.Buckets(ledger.Hourly),
		Daily:        agg.Buckets(ledger.Daily),
		Flows:        flows,
		Orders:       tracker.Orders(),
	}
	notices := make([]ConsumptionNotice, 0, len(rs.Consumptions))
	for _, c := range rs.Consumptions {
		notices = append(notices, ConsumptionNotice{Consumption: c})
	}

	return &Result{
		Records:     rs,
		Notices:     notices,
		FreshOrders: tracker.FreshOrders(),
		FromHeight:  batch.FromHeight(),
		ToHeight:    batch.ToHeight(),
	}, nil
}

// reconcileBatch builds one money-flow record per transaction, merging
// into a record persisted by an earlier batch when one exists for the
// same transaction hash.
func (e *Engine) reconcileBatch(ctx context.Context, txOrder []string, transfersByTx map[string][]*transferRec, consByTx map[string][]*ledger.Consumption) ([]*ledger.MoneyFlow, error) {
	var flows []*ledger.MoneyFlow
	for _, tx := range txOrder {
		current := reconcileFlow(tx, transfersByTx[tx], consByTx[tx])
		if current == nil {
			continue
		}

		existing, err := e.store.FindMoneyFlowsByTx(ctx, tx)
		if err != nil {
			return nil, fmt.Errorf("lookup flows for %s: %w", tx, err)
		}
		if len(existing) == 0 {
			flows = append(flows, current)
			continue
		}

		// The id-ascending order makes the lowest-id record the canonical
		// merge target when history ever produced more than one.
		target := existing[0]
		persisted, persistedBens, err := e.store.ConsumptionRollup(ctx, target.ConsumptionIDs)
		if err != nil {
			return nil, fmt.Errorf("roll up consumptions for %s: %w", target.ID, err)
		}

		// Re-derive the user-paid leg against every known beneficiary of
		// the transaction, persisted members included, so a transfer
		// arriving after its consumption still classifies.
		beneficiaries := make(map[string]struct{}, len(persistedBens))
		for _, b := range persistedBens {
			beneficiaries[strings.ToLower(b)] = struct{}{}
		}
		for _, c := range consByTx[tx] {
			beneficiaries[c.Beneficiary] = struct{}{}
		}
		current.UserPaidAmount = nilIfZero(userPaidTotal(transfersByTx[tx], beneficiaries))

		mergeFlow(target, current, persisted)
		e.logger.Info("merged money flow", "tx", tx, "flow", target.ID, "consumptions", len(target.ConsumptionIDs))
		flows = append(flows, target)
	}
	return flows, nil
}

// Dispatch delivers chat notifications and schedules order polling for a
// processed batch. Delivery is best-effort and never fails the batch; the
// watermark advances only past successfully announced heights.
func (e *Engine) Dispatch(ctx context.Context, res *Result) {
	e.dispatchConsumptions(ctx, res.Notices)
	e.dispatchOrders(ctx, res.FreshOrders)
}

func (e *Engine) dispatchConsumptions(ctx context.Context, notices []ConsumptionNotice) {
	if len(notices) == 0 {
		return
	}
	// The watermark read once at dispatch start gates replays. It must not
	// advance mid-loop: sibling consumptions share a block height, and
	// moving the gate after the first send would silently drop theirs.
	last, err := e.store.LastNotified(ctx)
	if err != nil {
		e.logger.Warn("read notification watermark", "error", err)
		return
	}
	for _, n := range notices {
		c := n.Consumption
		if c.BlockHeight <= last {
			continue
		}
		text := notify.CreditUsedMessage(c)
		if _, err := e.notifier.Send(ctx, e.cfg.ConsumptionChannel, text); err != nil {
			if errors.Is(err, notify.ErrDisabled) {
				return
			}
			e.logger.Warn("send consumption notice", "consumption", c.ID, "error", err)
			continue
		}
		if err := e.store.SetLastNotified(ctx, c.BlockHeight); err != nil {
			e.logger.Warn("advance notification watermark", "height", c.BlockHeight, "error", err)
		}
	}
}

func (e *Engine) dispatchOrders(ctx context.Context, orders []*ledger.BridgeOrder) {
	for _, o := range orders {
		text := notify.OrderCreatedMessage(o)
		ref, err := e.notifier.Send(ctx, e.cfg.BridgeChannel, text)
		if err != nil {
			if errors.Is(err, notify.ErrDisabled) {
				return
			}
			e.logger.Warn("announce bridge order", "order", o.OrderHash, "error", err)
			continue
		}
		if e.queue != nil {
			e.queue.Enqueue(bridge.PendingOrder{Order: o, Message: ref})
		}
	}
}
