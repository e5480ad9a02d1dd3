package position

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"kis-scalper/internal/market"
)

// TrailingState 是移动止盈的显式状态。
type TrailingState int

const (
	// TrailingIdle 利润尚未达到启动阈值。
	TrailingIdle TrailingState = iota
	// TrailingArmed 已越过启动阈值，开始监控峰值回撤。
	TrailingArmed
	// TrailingTriggered 峰值回撤触发，等待平仓。
	TrailingTriggered
)

func (s TrailingState) String() string {
	switch s {
	case TrailingIdle:
		return "idle"
	case TrailingArmed:
		return "armed"
	case TrailingTriggered:
		return "triggered"
	default:
		return "unknown"
	}
}

// Position 是一条持仓记录。
type Position struct {
	Code       string
	Name       string
	Quantity   int64
	EntryPrice float64
	EntryTime  time.Time
	LastPrice  float64
	PeakPrice  float64
	Trailing   TrailingState
	Strategy   string
	OrderID    string
}

// TradeRecord 是一笔开/平仓记录，平仓原因写入 Strategy 字段。
type TradeRecord struct {
	Code     string
	Name     string
	Action   string // BUY / SELL
	Quantity int64
	Price    float64
	Strategy string
	OrderID  string
	At       time.Time
}

// Recorder 消费成交记录，由 store 实现。
type Recorder interface {
	RecordTrade(trade TradeRecord) error
}

// Ledger 维护持仓台账。依赖注入，不使用全局单例；
// 自带锁，与行情缓存的锁互不纠缠。
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*Position

	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time
}

var _ market.PositionView = (*Ledger)(nil)

// NewLedger 创建持仓台账。recorder 可为 nil，此时不落成交记录。
func NewLedger(recorder Recorder, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		positions: make(map[string]*Position),
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Open 开仓并记录 BUY 成交。同一代码重复开仓按加权均价合并。
func (l *Ledger) Open(code, name string, qty int64, price float64, strategy, orderID string) {
	if qty <= 0 || price <= 0 {
		return
	}
	code = market.NormalizeCode(code)
	now := l.now()

	l.mu.Lock()
	if pos, ok := l.positions[code]; ok {
		total := pos.Quantity + qty
		pos.EntryPrice = (pos.EntryPrice*float64(pos.Quantity) + price*float64(qty)) / float64(total)
		pos.Quantity = total
		if price > pos.PeakPrice {
			pos.PeakPrice = price
		}
		pos.LastPrice = price
	} else {
		l.positions[code] = &Position{
			Code:       code,
			Name:       nameOr(name, code),
			Quantity:   qty,
			EntryPrice: price,
			EntryTime:  now,
			LastPrice:  price,
			PeakPrice:  price,
			Trailing:   TrailingIdle,
			Strategy:   strategy,
			OrderID:    orderID,
		}
	}
	l.mu.Unlock()

	l.record(TradeRecord{
		Code: code, Name: nameOr(name, code), Action: "BUY",
		Quantity: qty, Price: price, Strategy: strategy, OrderID: orderID, At: now,
	})
	l.logger.Info("开仓入账",
		zap.String("code", code),
		zap.Int64("qty", qty),
		zap.Float64("price", price),
		zap.String("strategy", strategy),
	)
}

// Restore 从券商持仓恢复台账，不产生成交记录。
func (l *Ledger) Restore(code, name string, qty int64, avgPrice float64) {
	if qty <= 0 || avgPrice <= 0 {
		return
	}
	code = market.NormalizeCode(code)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions[code] = &Position{
		Code:       code,
		Name:       nameOr(name, code),
		Quantity:   qty,
		EntryPrice: avgPrice,
		EntryTime:  l.now(),
		LastPrice:  avgPrice,
		PeakPrice:  avgPrice,
		Trailing:   TrailingIdle,
		Strategy:   "restored",
	}
}

// UpdatePrice 更新最新价并维护峰值。
func (l *Ledger) UpdatePrice(code string, price float64) {
	if price <= 0 {
		return
	}
	code = market.NormalizeCode(code)

	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[code]
	if !ok {
		return
	}
	pos.LastPrice = price
	if price > pos.PeakPrice {
		pos.PeakPrice = price
	}
}

// SetTrailing 更新移动止盈状态，只允许单向推进。
func (l *Ledger) SetTrailing(code string, state TrailingState) {
	code = market.NormalizeCode(code)

	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[code]
	if !ok || state <= pos.Trailing {
		return
	}
	pos.Trailing = state
}

// Close 平仓并记录 SELL 成交，reason 写入策略字段。
// 返回被移除的持仓副本。
func (l *Ledger) Close(code string, qty int64, price float64, reason, orderID string) (Position, bool) {
	code = market.NormalizeCode(code)

	l.mu.Lock()
	pos, ok := l.positions[code]
	if !ok {
		l.mu.Unlock()
		return Position{}, false
	}
	closed := *pos
	delete(l.positions, code)
	l.mu.Unlock()

	if qty <= 0 {
		qty = closed.Quantity
	}
	l.record(TradeRecord{
		Code: code, Name: closed.Name, Action: "SELL",
		Quantity: qty, Price: price, Strategy: reason, OrderID: orderID, At: l.now(),
	})
	l.logger.Info("平仓出账",
		zap.String("code", code),
		zap.Int64("qty", qty),
		zap.Float64("price", price),
		zap.String("reason", reason),
	)
	return closed, true
}

// Get 返回持仓副本。
func (l *Ledger) Get(code string) (Position, bool) {
	code = market.NormalizeCode(code)

	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[code]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Has 判断是否持有某代码。
func (l *Ledger) Has(code string) bool {
	_, ok := l.Get(code)
	return ok
}

// All 返回全部持仓的副本。
func (l *Ledger) All() []Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}

// Count 返回持仓数量。
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// EntryPrice 实现 market.PositionView。
func (l *Ledger) EntryPrice(code string) (float64, bool) {
	pos, ok := l.Get(code)
	if !ok {
		return 0, false
	}
	return pos.EntryPrice, true
}

func (l *Ledger) record(trade TradeRecord) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordTrade(trade); err != nil {
		l.logger.Error("成交记录落库失败",
			zap.String("code", trade.Code),
			zap.String("action", trade.Action),
			zap.Error(err),
		)
	}
}

func nameOr(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
