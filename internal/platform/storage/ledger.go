package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"

	"github.com/manaops/creditflow/pkg/ledger"
)

// LedgerRepository persists the correlation engine's output and serves
// its prior-state lookups. Amounts are stored as NUMERIC(78,0) and move
// across the wire as decimal strings.
type LedgerRepository struct {
	db    *DB
	topic string
}

// NewLedgerRepository creates a repository. topic is the Kafka topic
// outbox rows are addressed to.
func NewLedgerRepository(db *DB, topic string) *LedgerRepository {
	return &LedgerRepository{db: db, topic: topic}
}

func bigText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseBig(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed numeric %q", s)
	}
	return v, nil
}

func parseBigPtr(s *string) (*big.Int, error) {
	if s == nil {
		return nil, nil
	}
	return parseBig(*s)
}

// HasConsumption reports whether a consumption id is already persisted.
func (r *LedgerRepository) HasConsumption(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_consumptions WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check consumption %s: %w", id, err)
	}
	return exists, nil
}

// GetUserStats returns the persisted stats for an address, or nil when the
// address has never consumed.
func (r *LedgerRepository) GetUserStats(ctx context.Context, address string) (*ledger.UserStats, error) {
	var (
		u        ledger.UserStats
		consumed string
	)
	err := r.db.pool.QueryRow(ctx,
		`SELECT address, total_consumed::text, last_usage FROM user_stats WHERE address = $1`, address,
	).Scan(&u.Address, &consumed, &u.LastUsage)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query user stats %s: %w", address, err)
	}
	if u.TotalConsumed, err = parseBig(consumed); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetBucket returns a persisted usage bucket, or nil when the period has
// no recorded usage.
func (r *LedgerRepository) GetBucket(ctx context.Context, g ledger.Granularity, key string) (*ledger.UsageBucket, error) {
	var (
		b     ledger.UsageBucket
		total string
	)
	err := r.db.pool.QueryRow(ctx,
		`SELECT granularity, key, total_amount::text, usage_count, unique_users, ts
		 FROM usage_buckets WHERE granularity = $1 AND key = $2`, string(g), key,
	).Scan(&b.Granularity, &b.Key, &total, &b.UsageCount, &b.UniqueUsers, &b.Timestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query bucket %s/%s: %w", g, key, err)
	}
	if b.TotalAmount, err = parseBig(total); err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBridgeOrder returns a persisted bridge order, or nil when unseen.
func (r *LedgerRepository) GetBridgeOrder(ctx context.Context, orderHash string) (*ledger.BridgeOrder, error) {
	var (
		o                                      ledger.BridgeOrder
		creditIDs                              []byte
		total                                  string
		fromAmount, fillAmount, feeRate        *string
		filler, fromToken, toToken, destTx, st *string
	)
	err := r.db.pool.QueryRow(ctx,
		`SELECT order_hash, credit_ids, total_credits_used::text,
		        from_address, to_address, filler, from_token, to_token,
		        from_amount::text, fill_amount::text, fee_rate::text,
		        from_chain, to_chain, tx_hash, destination_tx, status,
		        block_height, ts
		 FROM bridge_orders WHERE order_hash = $1`, orderHash,
	).Scan(&o.OrderHash, &creditIDs, &total,
		&o.FromAddress, &o.ToAddress, &filler, &fromToken, &toToken,
		&fromAmount, &fillAmount, &feeRate,
		&o.FromChain, &o.ToChain, &o.TxHash, &destTx, &st,
		&o.BlockHeight, &o.Timestamp)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query bridge order %s: %w", orderHash, err)
	}
	if err := json.Unmarshal(creditIDs, &o.CreditIDs); err != nil {
		return nil, fmt.Errorf("decode credit ids for %s: %w", orderHash, err)
	}
	if o.TotalCreditsUsed, err = parseBig(total); err != nil {
		return nil, err
	}
	if o.FromAmount, err = parseBigPtr(fromAmount); err != nil {
		return nil, err
	}
	if o.FillAmount, err = parseBigPtr(fillAmount); err != nil {
		return nil, err
	}
	if o.FeeRate, err = parseBigPtr(feeRate); err != nil {
		return nil, err
	}
	o.Filler = deref(filler)
	o.FromToken = deref(fromToken)
	o.ToToken = deref(toToken)
	o.DestinationTx = deref(destTx)
	o.Status = deref(st)
	return &o, nil
}

// UpdateBridgeOrderStatus records a settlement result on a stored order.
func (r *LedgerRepository) UpdateBridgeOrderStatus(ctx context.Context, orderHash, destinationTx, status string) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE bridge_orders SET destination_tx = NULLIF($2, ''), status = NULLIF($3, '') WHERE order_hash = $1`,
		orderHash, destinationTx, status,
	)
	if err != nil {
		return fmt.Errorf("update bridge order %s: %w", orderHash, err)
	}
	return nil
}

// FindMoneyFlowsByTx returns every money-flow record for a transaction,
// ordered by record id ascending.
func (r *LedgerRepository) FindMoneyFlowsByTx(ctx context.Context, txHash string) ([]*ledger.MoneyFlow, error) {
	rows, err := r.db.pool.Query(ctx,
		`SELECT id, tx_hash, from_address, to_address,
		        main_amount::text, credit_amount::text, user_paid_amount::text, dao_fee_amount::text,
		        consumption_ids, ts, block_height
		 FROM money_flows WHERE tx_hash = $1 ORDER BY id ASC`, txHash,
	)
	if err != nil {
		return nil, fmt.Errorf("query flows for %s: %w", txHash, err)
	}
	defer rows.Close()

	var flows []*ledger.MoneyFlow
	for rows.Next() {
		var (
			f                        ledger.MoneyFlow
			main                     string
			credit, userPaid, daoFee *string
			memberIDs                []byte
		)
		err := rows.Scan(&f.ID, &f.TxHash, &f.FromAddress, &f.ToAddress,
			&main, &credit, &userPaid, &daoFee,
			&memberIDs, &f.Timestamp, &f.BlockHeight)
		if err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		if f.MainAmount, err = parseBig(main); err != nil {
			return nil, err
		}
		if f.CreditAmount, err = parseBigPtr(credit); err != nil {
			return nil, err
		}
		if f.UserPaidAmount, err = parseBigPtr(userPaid); err != nil {
			return nil, err
		}
		if f.DaoFeeAmount, err = parseBigPtr(daoFee); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(memberIDs, &f.ConsumptionIDs); err != nil {
			return nil, fmt.Errorf("decode members for %s: %w", f.ID, err)
		}
		flows = append(flows, &f)
	}
	return flows, rows.Err()
}

// ConsumptionRollup sums the persisted amounts behind the given ids and
// returns their distinct beneficiaries.
func (r *LedgerRepository) ConsumptionRollup(ctx context.Context, ids []string) (*big.Int, []string, error) {
	if len(ids) == 0 {
		return new(big.Int), nil, nil
	}
	var total string
	var beneficiaries []string
	err := r.db.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0)::text,
		       COALESCE(ARRAY_AGG(DISTINCT beneficiary), '{}')
		FROM credit_consumptions WHERE id = ANY($1)
	`, ids).Scan(&total, &beneficiaries)
	if err != nil {
		return nil, nil, fmt.Errorf("roll up consumptions: %w", err)
	}
	sum, err := parseBig(total)
	if err != nil {
		return nil, nil, err
	}
	return sum, beneficiaries, nil
}

const notifyStateName = "consumptions"

// LastNotified returns the notification watermark height, 0 when unset.
func (r *LedgerRepository) LastNotified(ctx context.Context) (uint64, error) {
	var height int64
	err := r.db.pool.QueryRow(ctx,
		`SELECT last_notified FROM notification_state WHERE name = $1`, notifyStateName,
	).Scan(&height)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("query watermark: %w", err)
	}
	return uint64(height), nil
}

// SetLastNotified advances the notification watermark. The watermark never
// moves backwards.
func (r *LedgerRepository) SetLastNotified(ctx context.Context, height uint64) error {
	_, err := r.db.pool.Exec(ctx,
		`INSERT INTO notification_state (name, last_notified, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (name) DO UPDATE SET
		   last_notified = GREATEST(notification_state.last_notified, EXCLUDED.last_notified),
		   updated_at = NOW()`,
		notifyStateName, int64(height),
	)
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// SaveBatch writes a full record set and its outbox rows in one
// transaction. Either everything lands or nothing does, so a crashed
// batch is simply reprocessed.
func (r *LedgerRepository) SaveBatch(ctx context.Context, rs *ledger.RecordSet) error {
	if rs.Empty() {
		return nil
	}
	return r.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, c := range rs.Consumptions {
			if err := r.saveConsumption(ctx, tx, c); err != nil {
				return err
			}
		}
		for _, u := range rs.Users {
			if err := saveUserStats(ctx, tx, u); err != nil {
				return err
			}
		}
		for _, b := range rs.Hourly {
			if err := saveBucket(ctx, tx, b); err != nil {
				return err
			}
		}
		for _, b := range rs.Daily {
			if err := saveBucket(ctx, tx, b); err != nil {
				return err
			}
		}
		for _, f := range rs.Flows {
			if err := saveMoneyFlow(ctx, tx, f); err != nil {
				return err
			}
		}
		for _, o := range rs.Orders {
			if err := r.saveBridgeOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *LedgerRepository) saveConsumption(ctx context.Context, tx pgx.Tx, c *ledger.Consumption) error {
	sql := `
		INSERT INTO credit_consumptions (
			id, credit_id, beneficiary, contract, amount, ts, block_height, tx_hash, order_hash
		) VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, NULLIF($9, ''))
		ON CONFLICT (id) DO UPDATE SET
			order_hash = COALESCE(EXCLUDED.order_hash, credit_consumptions.order_hash)
	`
	_, err := tx.Exec(ctx, sql,
		c.ID, c.CreditID, c.Beneficiary, c.Contract, c.Amount.String(),
		c.Timestamp, int64(c.BlockHeight), c.TxHash, c.OrderHash,
	)
	if err != nil {
		return fmt.Errorf("insert consumption %s: %w", c.ID, err)
	}

	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal consumption %s: %w", c.ID, err)
	}
	return insertOutbox(ctx, tx, c.ID, KindConsumption, r.topic, c.Beneficiary, payload)
}

func saveUserStats(ctx context.Context, tx pgx.Tx, u *ledger.UserStats) error {
	sql := `
		INSERT INTO user_stats (address, total_consumed, last_usage, updated_at)
		VALUES ($1, $2::numeric, $3, NOW())
		ON CONFLICT (address) DO UPDATE SET
			total_consumed = EXCLUDED.total_consumed,
			last_usage = EXCLUDED.last_usage,
			updated_at = NOW()
	`
	if _, err := tx.Exec(ctx, sql, u.Address, u.TotalConsumed.String(), u.LastUsage); err != nil {
		return fmt.Errorf("upsert user stats %s: %w", u.Address, err)
	}
	return nil
}

func saveBucket(ctx context.Context, tx pgx.Tx, b *ledger.UsageBucket) error {
	sql := `
		INSERT INTO usage_buckets (granularity, key, total_amount, usage_count, unique_users, ts)
		VALUES ($1, $2, $3::numeric, $4, $5, $6)
		ON CONFLICT (granularity, key) DO UPDATE SET
			total_amount = EXCLUDED.total_amount,
			usage_count = EXCLUDED.usage_count,
			unique_users = EXCLUDED.unique_users
	`
	_, err := tx.Exec(ctx, sql,
		string(b.Granularity), b.Key, b.TotalAmount.String(),
		b.UsageCount, b.UniqueUsers, b.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert bucket %s/%s: %w", b.Granularity, b.Key, err)
	}
	return nil
}

func saveMoneyFlow(ctx context.Context, tx pgx.Tx, f *ledger.MoneyFlow) error {
	memberIDs, err := json.Marshal(f.ConsumptionIDs)
	if err != nil {
		return fmt.Errorf("marshal members for %s: %w", f.ID, err)
	}
	sql := `
		INSERT INTO money_flows (
			id, tx_hash, from_address, to_address,
			main_amount, credit_amount, user_paid_amount, dao_fee_amount,
			consumption_ids, ts, block_height
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			from_address = EXCLUDED.from_address,
			to_address = EXCLUDED.to_address,
			main_amount = EXCLUDED.main_amount,
			credit_amount = EXCLUDED.credit_amount,
			user_paid_amount = EXCLUDED.user_paid_amount,
			dao_fee_amount = EXCLUDED.dao_fee_amount,
			consumption_ids = EXCLUDED.consumption_ids
	`
	_, err = tx.Exec(ctx, sql,
		f.ID, f.TxHash, f.FromAddress, f.ToAddress,
		f.MainAmount.String(), bigText(f.CreditAmount), bigText(f.UserPaidAmount), bigText(f.DaoFeeAmount),
		memberIDs, f.Timestamp, int64(f.BlockHeight),
	)
	if err != nil {
		return fmt.Errorf("upsert money flow %s: %w", f.ID, err)
	}
	return nil
}

func (r *LedgerRepository) saveBridgeOrder(ctx context.Context, tx pgx.Tx, o *ledger.BridgeOrder) error {
	creditIDs, err := json.Marshal(o.CreditIDs)
	if err != nil {
		return fmt.Errorf("marshal credit ids for %s: %w", o.OrderHash, err)
	}
	sql := `
		INSERT INTO bridge_orders (
			order_hash, credit_ids, total_credits_used,
			from_address, to_address, filler, from_token, to_token,
			from_amount, fill_amount, fee_rate, from_chain, to_chain,
			tx_hash, destination_tx, status, block_height, ts
		) VALUES (
			$1, $2, $3::numeric,
			$4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			$9::numeric, $10::numeric, $11::numeric, $12, $13,
			$14, NULLIF($15, ''), NULLIF($16, ''), $17, $18
		)
		ON CONFLICT (order_hash) DO UPDATE SET
			credit_ids = EXCLUDED.credit_ids,
			total_credits_used = EXCLUDED.total_credits_used,
			destination_tx = COALESCE(EXCLUDED.destination_tx, bridge_orders.destination_tx),
			status = COALESCE(EXCLUDED.status, bridge_orders.status)
	`
	_, err = tx.Exec(ctx, sql,
		o.OrderHash, creditIDs, o.TotalCreditsUsed.String(),
		o.FromAddress, o.ToAddress, o.Filler, o.FromToken, o.ToToken,
		bigText(o.FromAmount), bigText(o.FillAmount), bigText(o.FeeRate),
		int64(o.FromChain), int64(o.ToChain),
		o.TxHash, o.DestinationTx, o.Status, int64(o.BlockHeight), o.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("upsert bridge order %s: %w", o.OrderHash, err)
	}

	payload, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal bridge order %s: %w", o.OrderHash, err)
	}
	return insertOutbox(ctx, tx, o.OrderHash, KindBridgeOrder, r.topic, o.OrderHash, payload)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
