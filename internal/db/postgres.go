package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/amirphl/multitrader/internal/broker"
	"github.com/amirphl/multitrader/internal/ledger"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

type Default struct {
	db *sql.DB
}

// Open connects to postgres and configures the pool.
func Open(connStr string, maxOpen, maxIdle int) (*Default, error) {
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Default{db: sqlDB}, nil
}

func New(sqlDB *sql.DB) *Default {
	return &Default{db: sqlDB}
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

// WithinTx runs fn inside one transaction. A transaction already present in
// the context is reused, so units of work compose without nesting.
func (p *Default) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(ctx)
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if fnErr := fn(WithTransaction(ctx, tx)); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}
	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}
	return nil
}

// execWithTransaction executes a statement using the context transaction if present.
func (p *Default) execWithTransaction(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.ExecContext(ctx, query, args...)
	}
	return p.db.ExecContext(ctx, query, args...)
}

// queryWithTransaction executes a query using the context transaction if present.
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

// -------- Orders --------

func (p *Default) InsertLogicalOrder(ctx context.Context, o ledger.LogicalOrder) error {
	_, err := p.execWithTransaction(ctx, `
		INSERT INTO orders (id, strategy_id, strategy_symbol, strike, side, quantity, lot_qty,
			entry_price, stop_price, target_price, exit_price,
			signal_time, entry_time, exit_time, status, exit_reason, realized_pnl, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		o.ID, o.StrategyID, o.StrategySymbol, o.Strike, string(o.Side), o.Quantity, o.LotQty,
		o.EntryPrice.String(), o.StopPrice.String(), o.TargetPrice.String(), o.ExitPrice.String(),
		nullTime(o.SignalTime), nullTime(o.EntryTime), nullTime(o.ExitTime),
		string(o.Status), o.ExitReason, o.RealizedPnL.String(), o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert order %s: %w", o.ID, err)
	}
	return nil
}

func (p *Default) InsertBrokerExecution(ctx context.Context, e ledger.BrokerExecution) error {
	raw := e.Raw
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	_, err := p.execWithTransaction(ctx, `
		INSERT INTO broker_executions (order_id, broker, broker_order_id, leg, price, quantity,
			executed_at, native_status, raw, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.OrderID, e.Broker, e.BrokerOrderID, string(e.Leg), e.Price.String(), e.Quantity,
		nullTime(e.ExecutedAt), e.NativeStatus, raw, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert execution for order %s on %s: %w", e.OrderID, e.Broker, err)
	}
	return nil
}

const orderColumns = `id, strategy_id, strategy_symbol, strike, side, quantity, lot_qty,
	entry_price, stop_price, target_price, exit_price,
	signal_time, entry_time, exit_time, status, exit_reason, realized_pnl, created_at, updated_at`

func (p *Default) GetLogicalOrder(ctx context.Context, id string) (*ledger.LogicalOrder, error) {
	rows, err := p.queryWithTransaction(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query order %s: %w", id, err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("order %s not found", id)
	}
	o, err := scanOrder(rows)
	if err != nil {
		return nil, err
	}
	return &o, rows.Err()
}

func (p *Default) GetOpenLogicalOrders(ctx context.Context) ([]ledger.LogicalOrder, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status NOT IN ('COMPLETED','CANCELLED','REJECTED','FAILED')
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open orders: %w", err)
	}
	defer rows.Close()
	var out []ledger.LogicalOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (p *Default) SetLogicalOrderStatus(ctx context.Context, id string, st ledger.Status) error {
	res, err := p.execWithTransaction(ctx,
		`UPDATE orders SET status=$2, updated_at=now() WHERE id=$1`, id, string(st))
	if err != nil {
		return fmt.Errorf("failed to update status for order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s not found", id)
	}
	return nil
}

func (p *Default) SetLogicalOrderExit(ctx context.Context, id string, st ledger.Status, reason string, exitPrice, pnl decimal.Decimal, at time.Time) error {
	res, err := p.execWithTransaction(ctx, `
		UPDATE orders SET status=$2, exit_reason=$3, exit_price=$4, realized_pnl=$5, exit_time=$6, updated_at=now()
		WHERE id=$1`,
		id, string(st), reason, exitPrice.String(), pnl.String(), at)
	if err != nil {
		return fmt.Errorf("failed to record exit for order %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s not found", id)
	}
	return nil
}

func (p *Default) GetExecutions(ctx context.Context, orderID string) ([]ledger.BrokerExecution, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT id, order_id, broker, broker_order_id, leg, price, quantity, executed_at, native_status, raw, created_at
		FROM broker_executions WHERE order_id=$1 ORDER BY id`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions for %s: %w", orderID, err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

func (p *Default) GetOpenExecutionsByBroker(ctx context.Context, brokerName string) ([]ledger.BrokerExecution, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT e.id, e.order_id, e.broker, e.broker_order_id, e.leg, e.price, e.quantity, e.executed_at, e.native_status, e.raw, e.created_at
		FROM broker_executions e
		JOIN orders o ON o.id = e.order_id
		WHERE e.broker=$1 AND o.status NOT IN ('COMPLETED','CANCELLED','REJECTED','FAILED')
		ORDER BY e.id`, brokerName)
	if err != nil {
		return nil, fmt.Errorf("failed to query open executions for broker %s: %w", brokerName, err)
	}
	defer rows.Close()
	return scanExecutions(rows)
}

// -------- Scheduling configuration --------

func (p *Default) GetActivePairs(ctx context.Context) ([]ActivePair, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT s.id, s.name, s.enabled, COALESCE(s.disabled_reason,''), s.updated_at,
		       c.id, c.settings, c.updated_at,
		       y.id, y.symbol, y.enabled, y.lot_qty, COALESCE(y.disabled_reason,''), y.updated_at
		FROM strategies s
		JOIN strategy_configs c ON c.strategy_id = s.id
		JOIN strategy_symbols y ON y.strategy_id = s.id
		WHERE s.enabled AND y.enabled
		ORDER BY s.id, y.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active pairs: %w", err)
	}
	defer rows.Close()

	var out []ActivePair
	for rows.Next() {
		var pair ActivePair
		var settingsRaw []byte
		if err := rows.Scan(
			&pair.Strategy.ID, &pair.Strategy.Name, &pair.Strategy.Enabled, &pair.Strategy.DisabledReason, &pair.Strategy.UpdatedAt,
			&pair.Config.ID, &settingsRaw, &pair.Config.UpdatedAt,
			&pair.Symbol.ID, &pair.Symbol.Symbol, &pair.Symbol.Enabled, &pair.Symbol.LotQty, &pair.Symbol.DisabledReason, &pair.Symbol.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan active pair: %w", err)
		}
		pair.Config.StrategyID = pair.Strategy.ID
		pair.Symbol.StrategyID = pair.Strategy.ID
		if len(settingsRaw) > 0 {
			if err := json.Unmarshal(settingsRaw, &pair.Config.Settings); err != nil {
				return nil, fmt.Errorf("failed to decode settings for strategy %d: %w", pair.Strategy.ID, err)
			}
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}

func (p *Default) DisableStrategySymbol(ctx context.Context, strategyID int64, symbol, reason string) error {
	_, err := p.execWithTransaction(ctx, `
		UPDATE strategy_symbols SET enabled=false, disabled_reason=$3, updated_at=now()
		WHERE strategy_id=$1 AND symbol=$2`,
		strategyID, symbol, reason)
	if err != nil {
		return fmt.Errorf("failed to disable strategy %d symbol %s: %w", strategyID, symbol, err)
	}
	return nil
}

// -------- Broker bookkeeping --------

func (p *Default) UpsertBrokerCredential(ctx context.Context, c BrokerCredential) error {
	_, err := p.execWithTransaction(ctx, `
		INSERT INTO broker_credentials (name, enabled, trade_enabled, data_provider, conn_state, max_loss, max_profit, last_auth_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (name) DO UPDATE SET
			enabled=EXCLUDED.enabled, trade_enabled=EXCLUDED.trade_enabled,
			data_provider=EXCLUDED.data_provider, conn_state=EXCLUDED.conn_state,
			max_loss=EXCLUDED.max_loss, max_profit=EXCLUDED.max_profit, updated_at=now()`,
		c.Name, c.Enabled, c.TradeEnabled, c.DataProvider, c.ConnState,
		c.MaxLoss.String(), c.MaxProfit.String(), nullTime(c.LastAuthAt))
	if err != nil {
		return fmt.Errorf("failed to upsert broker credential %s: %w", c.Name, err)
	}
	return nil
}

func (p *Default) SetBrokerConnState(ctx context.Context, name, state string, lastAuth time.Time) error {
	_, err := p.execWithTransaction(ctx, `
		UPDATE broker_credentials SET conn_state=$2, last_auth_at=COALESCE($3, last_auth_at), updated_at=now()
		WHERE name=$1`, name, state, nullTime(lastAuth))
	if err != nil {
		return fmt.Errorf("failed to update conn state for %s: %w", name, err)
	}
	return nil
}

func (p *Default) ListBrokerCredentials(ctx context.Context) ([]BrokerCredential, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT name, enabled, trade_enabled, data_provider, conn_state,
		       max_loss, max_profit, last_auth_at, updated_at
		FROM broker_credentials ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query broker credentials: %w", err)
	}
	defer rows.Close()

	var out []BrokerCredential
	for rows.Next() {
		var c BrokerCredential
		var maxLoss, maxProfit string
		var lastAuth sql.NullTime
		if err := rows.Scan(&c.Name, &c.Enabled, &c.TradeEnabled, &c.DataProvider, &c.ConnState,
			&maxLoss, &maxProfit, &lastAuth, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan broker credential: %w", err)
		}
		c.MaxLoss, _ = decimal.NewFromString(maxLoss)
		c.MaxProfit, _ = decimal.NewFromString(maxProfit)
		if lastAuth.Valid {
			c.LastAuthAt = lastAuth.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Default) SaveBalanceSummary(ctx context.Context, s BalanceSummary) error {
	_, err := p.execWithTransaction(ctx, `
		INSERT INTO broker_balance_summaries (broker, available, used, total, currency, captured_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		s.Broker, s.Available.String(), s.Used.String(), s.Total.String(), s.Currency, s.CapturedAt)
	if err != nil {
		return fmt.Errorf("failed to save balance summary for %s: %w", s.Broker, err)
	}
	return nil
}

// -------- Journal --------

func (p *Default) LogEvent(ctx context.Context, e Event) error {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode event data: %w", err)
	}
	_, err = p.execWithTransaction(ctx, `
		INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
		e.Time, e.Type, e.Description, payload)
	if err != nil {
		return fmt.Errorf("failed to log event %s: %w", e.Description, err)
	}
	return nil
}

// -------- scan helpers --------

func scanOrder(rows *sql.Rows) (ledger.LogicalOrder, error) {
	var o ledger.LogicalOrder
	var side, status string
	var entry, stop, target, exit, pnl string
	var signalTime, entryTime, exitTime sql.NullTime
	if err := rows.Scan(&o.ID, &o.StrategyID, &o.StrategySymbol, &o.Strike, &side, &o.Quantity, &o.LotQty,
		&entry, &stop, &target, &exit,
		&signalTime, &entryTime, &exitTime, &status, &o.ExitReason, &pnl, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return ledger.LogicalOrder{}, fmt.Errorf("failed to scan order: %w", err)
	}
	o.Side = broker.Side(side)
	o.Status = ledger.Status(status)
	o.EntryPrice, _ = decimal.NewFromString(entry)
	o.StopPrice, _ = decimal.NewFromString(stop)
	o.TargetPrice, _ = decimal.NewFromString(target)
	o.ExitPrice, _ = decimal.NewFromString(exit)
	o.RealizedPnL, _ = decimal.NewFromString(pnl)
	if signalTime.Valid {
		o.SignalTime = signalTime.Time
	}
	if entryTime.Valid {
		o.EntryTime = entryTime.Time
	}
	if exitTime.Valid {
		o.ExitTime = exitTime.Time
	}
	return o, nil
}

func scanExecutions(rows *sql.Rows) ([]ledger.BrokerExecution, error) {
	var out []ledger.BrokerExecution
	for rows.Next() {
		var e ledger.BrokerExecution
		var leg, price string
		var executedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Broker, &e.BrokerOrderID, &leg, &price,
			&e.Quantity, &executedAt, &e.NativeStatus, &e.Raw, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		e.Leg = ledger.Leg(leg)
		e.Price, _ = decimal.NewFromString(price)
		if executedAt.Valid {
			e.ExecutedAt = executedAt.Time
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
