package storage

import (
	"database/sql"
	"time"

	"grid-trader-go/internal/models"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite" // Import the pure-Go sqlite driver
)

// Journal 订单生命周期的审计日志, 每个订单一行, 按订单ID更新
type Journal struct {
	db *sql.DB
}

// NewJournal opens the database and creates the necessary tables.
func NewJournal(dataSourceName string) (*Journal, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// sqlite 只允许单写
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to database")
	}
	if err = createTables(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create tables")
	}
	return &Journal{db: db}, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	createOrdersTableSQL := `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		grid_id TEXT NOT NULL,
		slot_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		tag TEXT NOT NULL,
		entry_price REAL NOT NULL,
		stop_loss REAL NOT NULL,
		take_profit REAL NOT NULL,
		lot_size REAL NOT NULL,
		regeneration_attempts INTEGER NOT NULL,
		fill_price REAL NOT NULL,
		close_price REAL NOT NULL,
		realized_pnl REAL NOT NULL,
		broker_ticket INTEGER NOT NULL,
		client_order_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		filled_at INTEGER NOT NULL,
		closed_at INTEGER NOT NULL
	);`
	if _, err := db.Exec(createOrdersTableSQL); err != nil {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_orders_grid ON orders (grid_id, created_at);`
	_, err := db.Exec(createIndexSQL)
	return err
}

const upsertOrderSQL = `
INSERT INTO orders (id, grid_id, slot_id, symbol, kind, status, tag, entry_price, stop_loss, take_profit,
	lot_size, regeneration_attempts, fill_price, close_price, realized_pnl, broker_ticket, client_order_id,
	created_at, filled_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status,
	stop_loss = excluded.stop_loss,
	take_profit = excluded.take_profit,
	fill_price = excluded.fill_price,
	close_price = excluded.close_price,
	realized_pnl = excluded.realized_pnl,
	broker_ticket = excluded.broker_ticket,
	filled_at = excluded.filled_at,
	closed_at = excluded.closed_at;`

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// UpsertOrder inserts an order or updates its lifecycle fields.
func (j *Journal) UpsertOrder(o models.Order) error {
	return upsert(j.db, o)
}

// UpsertOrders writes all orders in one transaction.
func (j *Journal) UpsertOrders(orders []models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	tx, err := j.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin journal transaction")
	}
	defer tx.Rollback() // Rollback on any error

	for _, o := range orders {
		if err := upsert(tx, o); err != nil {
			return err
		}
	}
	return errors.Wrap(tx.Commit(), "failed to commit journal transaction")
}

func upsert(db execer, o models.Order) error {
	_, err := db.Exec(upsertOrderSQL,
		o.ID, o.GridID, o.SlotID, o.Symbol, string(o.Kind), string(o.Status), o.Tag,
		o.EntryPrice, o.StopLoss, o.TakeProfit, o.LotSize, o.RegenerationAttempts,
		o.FillPrice, o.ClosePrice, o.RealizedPnL, o.BrokerTicket, o.ClientOrderID,
		unixMilli(o.CreatedAt), unixMilli(o.FilledAt), unixMilli(o.ClosedAt),
	)
	return errors.Wrapf(err, "failed to upsert order %s", o.ID)
}

// ListOrders returns the journaled orders of a grid in creation order. An empty gridID lists
// every order.
func (j *Journal) ListOrders(gridID string) ([]models.Order, error) {
	query := `
	SELECT id, grid_id, slot_id, symbol, kind, status, tag, entry_price, stop_loss, take_profit,
		lot_size, regeneration_attempts, fill_price, close_price, realized_pnl, broker_ticket,
		client_order_id, created_at, filled_at, closed_at
	FROM orders
	WHERE ? = '' OR grid_id = ?
	ORDER BY created_at, rowid`

	rows, err := j.db.Query(query, gridID, gridID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query orders")
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		var o models.Order
		var kind, status string
		var created, filled, closed int64
		if err := rows.Scan(
			&o.ID, &o.GridID, &o.SlotID, &o.Symbol, &kind, &status, &o.Tag,
			&o.EntryPrice, &o.StopLoss, &o.TakeProfit, &o.LotSize, &o.RegenerationAttempts,
			&o.FillPrice, &o.ClosePrice, &o.RealizedPnL, &o.BrokerTicket, &o.ClientOrderID,
			&created, &filled, &closed,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan order row")
		}
		o.Kind = models.OrderKind(kind)
		o.Status = models.OrderStatus(status)
		o.CreatedAt, o.FilledAt, o.ClosedAt = fromUnixMilli(created), fromUnixMilli(filled), fromUnixMilli(closed)
		orders = append(orders, o)
	}
	return orders, errors.Wrap(rows.Err(), "failed to iterate orders")
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// 零时间存为 0
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
