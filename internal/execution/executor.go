package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kis-scalper/internal/broker"
	"kis-scalper/internal/config"
)

// Broker 是执行协议对券商下单通道的依赖。
type Broker interface {
	PlaceLimitBuy(ctx context.Context, code string, qty, price int64) (broker.OrderOutcome, error)
	PlaceMarketBuy(ctx context.Context, code string, qty int64) (broker.OrderOutcome, error)
	CancelOrder(ctx context.Context, order broker.OpenOrder) (broker.OrderOutcome, error)
	FilledQuantity(ctx context.Context, orderID string) (int64, error)
}

// Executor 实现限价转市价下单协议：限价 → 快轮询 → 慢轮询 →
// 撤单 → 剩余转市价。任何路径都在 max_wait 加一个轮询间隔内返回。
type Executor struct {
	cfg    config.ExecutionConfig
	broker Broker
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor 构造执行器。
func NewExecutor(cfg config.ExecutionConfig, b Broker, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FastPollWindow <= 0 {
		cfg.FastPollWindow = 5 * time.Second
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	return &Executor{
		cfg:    cfg,
		broker: b,
		logger: logger,
		now:    time.Now,
		sleep:  realSleep,
	}
}

func realSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BuyLimitThenMarket 以限价单买入，超时未全部成交则撤单并将剩余数量
// 转为市价单。返回值的 Tag 标记实际走过的路径。
func (e *Executor) BuyLimitThenMarket(ctx context.Context, code string, qty, price int64) (OrderResult, error) {
	if qty <= 0 {
		return OrderResult{OK: false, Msg: "数量必须为正"}, nil
	}

	start := e.now()
	limit, err := e.broker.PlaceLimitBuy(ctx, code, qty, price)
	if err != nil {
		e.logger.Warn("限价单提交失败，全量转市价",
			zap.String("code", code),
			zap.Error(err),
		)
		return e.escalate(ctx, code, qty, 0, TagLimitFailToMarket)
	}
	if !limit.OK {
		e.logger.Warn("限价单被拒绝，全量转市价",
			zap.String("code", code),
			zap.String("msg", limit.Msg),
		)
		return e.escalate(ctx, code, qty, 0, TagLimitFailToMarket)
	}

	orderID := limit.OrderID
	fastDeadline := start.Add(e.cfg.FastPollWindow)
	deadline := start.Add(e.cfg.MaxWait)

	var filled int64
	for {
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return OrderResult{}, err
		}

		f, qerr := e.broker.FilledQuantity(ctx, orderID)
		if qerr != nil {
			e.logger.Warn("成交量轮询失败",
				zap.String("order_id", orderID),
				zap.Error(qerr),
			)
		} else {
			filled = f
		}

		now := e.now()
		if filled >= qty {
			tag := TagLimitFilledSlow
			if !now.After(fastDeadline) {
				tag = TagLimitFilledFast
			}
			e.logger.Info("限价单全部成交",
				zap.String("code", code),
				zap.String("order_id", orderID),
				zap.String("tag", string(tag)),
				zap.Duration("elapsed", now.Sub(start)),
			)
			return OrderResult{OK: true, Tag: tag, OrderID: orderID, FilledQty: qty}, nil
		}
		if !now.Before(deadline) {
			break
		}
	}

	// 撤单前最终确认，避免撤掉已全部成交的委托
	if f, qerr := e.broker.FilledQuantity(ctx, orderID); qerr == nil {
		filled = f
	}
	if filled >= qty {
		return OrderResult{OK: true, Tag: TagLimitFilledBeforeCancel, OrderID: orderID, FilledQty: qty}, nil
	}

	cancel, err := e.broker.CancelOrder(ctx, broker.OpenOrder{
		OrderID:  orderID,
		Code:     code,
		Quantity: qty - filled,
	})
	if err != nil || !cancel.OK {
		// 撤单失败通常意味着委托已在撤与查之间成交，回查确认
		if f, qerr := e.broker.FilledQuantity(ctx, orderID); qerr == nil {
			filled = f
		}
		if filled >= qty {
			return OrderResult{OK: true, Tag: TagLimitFilledBeforeCancel, OrderID: orderID, FilledQty: qty}, nil
		}
		msg := cancel.Msg
		if err != nil {
			msg = err.Error()
		}
		// 撤单只是尽力而为，失败不终止流程，剩余数量照常转市价
		e.logger.Warn("撤单失败，剩余数量仍转市价",
			zap.String("order_id", orderID),
			zap.Int64("filled", filled),
			zap.String("msg", msg),
		)
	}

	if filled > 0 {
		return e.escalate(ctx, code, qty-filled, filled, TagPartialToMarket)
	}
	return e.escalate(ctx, code, qty, 0, TagLimitFailToMarket)
}

// escalate 将剩余数量转为市价单。市价腿受理成功即视为成交，
// FilledQty 仅报告限价腿的确认量。
func (e *Executor) escalate(ctx context.Context, code string, qty, limitFilled int64, tag Tag) (OrderResult, error) {
	market, err := e.broker.PlaceMarketBuy(ctx, code, qty)
	if err != nil {
		return OrderResult{}, err
	}
	if !market.OK {
		e.logger.Error("市价托底失败",
			zap.String("code", code),
			zap.Int64("qty", qty),
			zap.String("msg", market.Msg),
		)
		return OrderResult{OK: false, Tag: tag, FilledQty: limitFilled, Msg: market.Msg}, nil
	}

	e.logger.Info("剩余数量已转市价",
		zap.String("code", code),
		zap.Int64("qty", qty),
		zap.String("tag", string(tag)),
		zap.String("order_id", market.OrderID),
	)
	return OrderResult{OK: true, Tag: tag, OrderID: market.OrderID, FilledQty: limitFilled, Msg: market.Msg}, nil
}
