package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/manaops/creditflow/pkg/event"
	"github.com/manaops/creditflow/pkg/ledger"
)

// OrderStore looks up previously persisted bridge orders so that replayed
// order-created events do not count as fresh.
type OrderStore interface {
	GetBridgeOrder(ctx context.Context, orderHash string) (*ledger.BridgeOrder, error)
}

type orderState struct {
	order *ledger.BridgeOrder
	// fresh means this batch is the first to observe the order; only
	// fresh orders trigger a notification and a polling entry.
	fresh bool
	seq   int
}

// Tracker indexes the bridge order-created events of one batch and
// attaches consumptions from the same transaction to them. Pass 1
// (IndexOrder) must complete for a transaction before pass 2 (Attach)
// sees its consumptions.
type Tracker struct {
	store  OrderStore
	logger *slog.Logger
	byTx   map[string]*orderState
	byHash map[string]*orderState
}

// NewTracker creates empty order state for one batch.
func NewTracker(store OrderStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  store,
		logger: logger.With("component", "bridge-tracker"),
		byTx:   make(map[string]*orderState),
		byHash: make(map[string]*orderState),
	}
}

// IndexOrder registers an order-created event. A replayed order (already
// persisted) is tracked for updates but not marked fresh, so it is never
// re-notified.
func (t *Tracker) IndexOrder(ctx context.Context, blk *event.Block, txHash string, ev *event.OrderCreated) error {
	orderHash := strings.ToLower(ev.OrderHash.Hex())

	if existing, ok := t.byHash[orderHash]; ok {
		// Same order emitted twice in a batch; keep the first sight.
		t.logger.Debug("order already indexed", "order_hash", orderHash, "tx_hash", existing.order.TxHash)
		return nil
	}

	persisted, err := t.store.GetBridgeOrder(ctx, orderHash)
	if err != nil {
		return fmt.Errorf("lookup bridge order %s: %w", orderHash, err)
	}

	state := &orderState{seq: len(t.byHash)}
	if persisted != nil {
		state.order = persisted
	} else {
		state.fresh = true
		state.order = &ledger.BridgeOrder{
			OrderHash:        orderHash,
			TotalCreditsUsed: new(big.Int),
			FromAddress:      lowerAddr(ev.From.Hex()),
			ToAddress:        lowerAddr(ev.To.Hex()),
			Filler:           lowerAddr(ev.Filler.Hex()),
			FromToken:        lowerAddr(ev.FromToken.Hex()),
			ToToken:          lowerAddr(ev.ToToken.Hex()),
			FromAmount:       ev.FromAmount,
			FillAmount:       ev.FillAmount,
			FeeRate:          ev.FeeRate,
			FromChain:        ev.FromChain,
			ToChain:          ev.ToChain,
			TxHash:           txHash,
			BlockHeight:      blk.Height,
			Timestamp:        blk.Timestamp,
		}
	}

	t.byHash[orderHash] = state
	if _, ok := t.byTx[txHash]; !ok {
		t.byTx[txHash] = state
	}
	return nil
}

// Attach correlates a consumption with the order created in the same
// transaction, if any. It sets the consumption's order hash, appends the
// consumption id and adds its amount exactly once; re-attaching an already
// known consumption is a no-op. The composite id keys the idempotence
// check so the same credit salt spent again in another transaction still
// counts toward the order total.
func (t *Tracker) Attach(c *ledger.Consumption) bool {
	state, ok := t.byTx[c.TxHash]
	if !ok {
		return false
	}

	order := state.order
	c.OrderHash = order.OrderHash

	for _, id := range order.CreditIDs {
		if id == c.ID {
			return true
		}
	}
	order.CreditIDs = append(order.CreditIDs, c.ID)
	order.TotalCreditsUsed = new(big.Int).Add(order.TotalCreditsUsed, c.Amount)

	t.logger.Debug("credit attached to bridge order",
		"order_hash", order.OrderHash,
		"consumption_id", c.ID,
		"total_credits", order.TotalCreditsUsed,
	)
	return true
}

// Orders returns every order touched this batch, in first-sight order,
// ready for persistence.
func (t *Tracker) Orders() []*ledger.BridgeOrder {
	states := make([]*orderState, 0, len(t.byHash))
	for _, s := range t.byHash {
		states = append(states, s)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })

	out := make([]*ledger.BridgeOrder, len(states))
	for i, s := range states {
		out[i] = s.order
	}
	return out
}

// FreshOrders returns only the orders first observed this batch, in
// first-sight order. These get the one-per-order notification and a
// polling entry.
func (t *Tracker) FreshOrders() []*ledger.BridgeOrder {
	states := make([]*orderState, 0, len(t.byHash))
	for _, s := range t.byHash {
		if s.fresh {
			states = append(states, s)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].seq < states[j].seq })

	out := make([]*ledger.BridgeOrder, len(states))
	for i, s := range states {
		out[i] = s.order
	}
	return out
}

func lowerAddr(hex string) string {
	return strings.ToLower(hex)
}
