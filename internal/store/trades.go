package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kis-scalper/internal/position"
)

// TradeStore 把成交记录写入 SQLite，实现 position.Recorder。
type TradeStore struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ position.Recorder = (*TradeStore)(nil)

// DailySummary 是某个交易日的成交汇总。
type DailySummary struct {
	Date       string
	BuyCount   int64
	SellCount  int64
	BuyAmount  float64
	SellAmount float64
}

// NewTradeStore 创建成交记录存储并初始化表结构。
func NewTradeStore(db *sql.DB, logger *zap.Logger) (*TradeStore, error) {
	if db == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ts := &TradeStore{db: db, logger: logger}
	if err := ts.initSchema(); err != nil {
		return nil, err
	}
	return ts, nil
}

func (t *TradeStore) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			code TEXT NOT NULL,
			name TEXT NOT NULL,
			action TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price REAL NOT NULL,
			strategy TEXT,
			order_id TEXT,
			traded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_code ON trades(code);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_traded_at ON trades(traded_at);`,
	}

	for _, stmt := range schema {
		if _, err := t.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: 初始化表结构失败: %w", err)
		}
	}
	return nil
}

// RecordTrade 落库一笔成交。
func (t *TradeStore) RecordTrade(trade position.TradeRecord) error {
	at := trade.At
	if at.IsZero() {
		at = time.Now()
	}

	_, err := t.db.Exec(
		`INSERT INTO trades (code, name, action, quantity, price, strategy, order_id, traded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		trade.Code, trade.Name, trade.Action, trade.Quantity, trade.Price,
		trade.Strategy, trade.OrderID, at.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("store: 写入成交记录失败: %w", err)
	}

	t.logger.Debug("成交记录已落库",
		zap.String("code", trade.Code),
		zap.String("action", trade.Action),
		zap.Int64("qty", trade.Quantity),
	)
	return nil
}

// TradesSince 返回 since 之后的成交记录，按时间升序。
func (t *TradeStore) TradesSince(since time.Time) ([]position.TradeRecord, error) {
	rows, err := t.db.Query(
		`SELECT code, name, action, quantity, price, strategy, order_id, traded_at
		 FROM trades WHERE traded_at >= ? ORDER BY traded_at ASC, id ASC`,
		since.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("store: 查询成交记录失败: %w", err)
	}
	defer rows.Close()

	var out []position.TradeRecord
	for rows.Next() {
		var (
			trade    position.TradeRecord
			tradedAt string
		)
		if err := rows.Scan(&trade.Code, &trade.Name, &trade.Action, &trade.Quantity,
			&trade.Price, &trade.Strategy, &trade.OrderID, &tradedAt); err != nil {
			return nil, fmt.Errorf("store: 扫描成交记录失败: %w", err)
		}
		if at, parseErr := time.Parse(time.RFC3339, tradedAt); parseErr == nil {
			trade.At = at
		}
		out = append(out, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历成交记录失败: %w", err)
	}
	return out, nil
}

// Summary 汇总某个交易日（本地时区）的买卖笔数与金额。
func (t *TradeStore) Summary(day time.Time) (DailySummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	summary := DailySummary{Date: start.Format("2006-01-02")}
	rows, err := t.db.Query(
		`SELECT action, COUNT(*), COALESCE(SUM(quantity * price), 0)
		 FROM trades WHERE traded_at >= ? AND traded_at < ?
		 GROUP BY action`,
		start.Format(time.RFC3339), end.Format(time.RFC3339),
	)
	if err != nil {
		return summary, fmt.Errorf("store: 查询日度汇总失败: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			action string
			count  int64
			amount float64
		)
		if err := rows.Scan(&action, &count, &amount); err != nil {
			return summary, fmt.Errorf("store: 扫描日度汇总失败: %w", err)
		}
		switch action {
		case "BUY":
			summary.BuyCount = count
			summary.BuyAmount = amount
		case "SELL":
			summary.SellCount = count
			summary.SellAmount = amount
		}
	}
	if err := rows.Err(); err != nil {
		return summary, fmt.Errorf("store: 遍历日度汇总失败: %w", err)
	}
	return summary, nil
}
