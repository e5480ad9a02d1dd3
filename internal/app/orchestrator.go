package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kis-scalper/internal/broker"
	"kis-scalper/internal/config"
	"kis-scalper/internal/execution"
	"kis-scalper/internal/market"
	"kis-scalper/internal/notify"
	"kis-scalper/internal/position"
	"kis-scalper/internal/risk"
	"kis-scalper/internal/strategy"
)

// 场次时刻，本地时区按距零点的时长计。
const (
	closingBuyStart = 15*time.Hour + 20*time.Minute
	closingBuyEnd   = 15*time.Hour + 25*time.Minute

	volumeRankCount = 30
)

// marketBroker 是调度器对 REST 客户端的依赖面。
type marketBroker interface {
	Holdings(ctx context.Context) ([]broker.Holding, error)
	OrderableCash(ctx context.Context) (int64, error)
	TotalAssets(ctx context.Context) (int64, error)
	VolumeRanking(ctx context.Context, count int) ([]broker.VolumeRank, error)
	PlaceMarketSell(ctx context.Context, code string, qty int64) (broker.OrderOutcome, error)
	Price(ctx context.Context, code string) (broker.Quote, error)
}

// buyExecutor 是限价转市价买入协议的依赖面。
type buyExecutor interface {
	BuyLimitThenMarket(ctx context.Context, code string, qty, price int64) (execution.OrderResult, error)
}

// subscriber 是行情订阅管理的依赖面。
type subscriber interface {
	Subscribe(code string)
	Unsubscribe(code string)
	Subscribed() []string
}

// orchestrator 驱动各定时工作器，所有状态变更都经由注入的组件完成。
type orchestrator struct {
	cfg      *config.Config
	broker   marketBroker
	exec     buyExecutor
	stream   subscriber
	cache    *market.Cache
	ledger   *position.Ledger
	risk     *risk.Evaluator
	screener *strategy.Screener
	scorer   *strategy.Scorer
	notifier *notify.Telegram
	logger   *zap.Logger
	now      func() time.Time

	mu          sync.Mutex
	candidates  []strategy.Candidate
	openPrices  map[string]float64
	startAssets int64
	boughtDate  string
	currentDate string
}

func newOrchestrator(
	cfg *config.Config,
	b marketBroker,
	exec buyExecutor,
	stream subscriber,
	cache *market.Cache,
	ledger *position.Ledger,
	evaluator *risk.Evaluator,
	screener *strategy.Screener,
	scorer *strategy.Scorer,
	notifier *notify.Telegram,
	logger *zap.Logger,
) *orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &orchestrator{
		cfg:        cfg,
		broker:     b,
		exec:       exec,
		stream:     stream,
		cache:      cache,
		ledger:     ledger,
		risk:       evaluator,
		screener:   screener,
		scorer:     scorer,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
		openPrices: make(map[string]float64),
	}
}

// bootstrap 恢复持仓台账、加载历史行情并记录当日起始净值。
func (o *orchestrator) bootstrap(ctx context.Context) error {
	if file := o.cfg.Bootstrap.CandleFile; file != "" {
		if err := o.cache.LoadHistoricalCandles(file); err != nil {
			o.logger.Warn("加载历史K线失败，按冷启动继续", zap.Error(err))
		}
	}
	if file := o.cfg.Bootstrap.TickFile; file != "" {
		if err := o.cache.LoadHistoricalTicks(file); err != nil {
			o.logger.Warn("加载历史成交失败，按冷启动继续", zap.Error(err))
		}
	}

	holdings, err := o.broker.Holdings(ctx)
	if err != nil {
		return fmt.Errorf("恢复持仓失败: %w", err)
	}
	for _, h := range holdings {
		code := market.NormalizeCode(h.Code)
		o.ledger.Restore(code, h.Name, h.Quantity, h.AvgPrice)
		o.stream.Subscribe(code)
	}

	if assets, err := o.broker.TotalAssets(ctx); err != nil {
		o.logger.Warn("查询起始净值失败", zap.Error(err))
	} else {
		o.mu.Lock()
		o.startAssets = assets
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.currentDate = o.now().Format("2006-01-02")
	o.mu.Unlock()

	o.logger.Info("调度器就绪",
		zap.Int("restored_positions", len(holdings)),
		zap.Int("subscriptions", len(o.stream.Subscribed())),
	)
	return nil
}

// screen 拉取成交量排行、过滤打分并对齐订阅集合。
func (o *orchestrator) screen(ctx context.Context) error {
	ranks, err := o.broker.VolumeRanking(ctx, volumeRankCount)
	if err != nil {
		return fmt.Errorf("拉取成交量排行失败: %w", err)
	}

	cands := o.scorer.Score(o.screener.Filter(ranks, o.cache))
	swing := strategy.SwingCandidates(ranks, o.cfg.Trading.ExcludeKeywords)

	o.mu.Lock()
	o.candidates = cands
	o.mu.Unlock()

	o.syncSubscriptions(cands, swing)

	if len(cands) > 0 && o.notifier.Enabled() {
		top := cands
		if len(top) > o.cfg.Trading.TopNBuy {
			top = top[:o.cfg.Trading.TopNBuy]
		}
		msg := "후보 갱신:"
		for _, cand := range top {
			msg += fmt.Sprintf("\n%s %s %.1f점", cand.Code, cand.Name, cand.Score)
		}
		o.notifier.SendQuiet(ctx, msg)
	}
	return nil
}

// syncSubscriptions 将订阅集合对齐到候选集，波段候选在容量允许时
// 以较低优先级跟进，持仓标的永不退订。
func (o *orchestrator) syncSubscriptions(cands []strategy.Candidate, swing []broker.VolumeRank) {
	desired := make(map[string]bool, len(cands))
	limit := o.cfg.Stream.MaxSubscriptions
	for _, cand := range cands {
		if limit > 0 && len(desired) >= limit {
			break
		}
		desired[cand.Code] = true
	}
	for _, rank := range swing {
		if limit > 0 && len(desired) >= limit {
			break
		}
		desired[market.NormalizeCode(rank.Code)] = true
	}

	for _, code := range o.stream.Subscribed() {
		if !desired[code] && !o.ledger.Has(code) {
			o.stream.Unsubscribe(code)
		}
	}
	for code := range desired {
		o.stream.Subscribe(code)
	}
}

// openingSell 对恢复的隔夜持仓应用开盘卖出规则。
func (o *orchestrator) openingSell(ctx context.Context) error {
	for _, pos := range o.ledger.All() {
		if pos.Strategy != "restored" {
			continue
		}
		price, ok := o.cache.GetQuote(pos.Code)
		if !ok {
			continue
		}
		o.ledger.UpdatePrice(pos.Code, price)

		verdict := o.risk.EvaluateHolding(pos, price, o.openPrice(ctx, pos.Code), o.now())
		o.applyVerdict(ctx, pos, price, verdict)
	}
	return nil
}

// scalpMonitor 对当日建立的短线仓位应用日内风控规则。
func (o *orchestrator) scalpMonitor(ctx context.Context) error {
	for _, pos := range o.ledger.All() {
		if pos.Strategy == "restored" {
			continue
		}
		price, ok := o.cache.GetQuote(pos.Code)
		if !ok {
			continue
		}
		o.ledger.UpdatePrice(pos.Code, price)

		verdict := o.risk.EvaluateScalp(pos, price, o.now())
		o.applyVerdict(ctx, pos, price, verdict)
	}
	return nil
}

func (o *orchestrator) applyVerdict(ctx context.Context, pos position.Position, price float64, verdict risk.Verdict) {
	if verdict.NextTrailing > pos.Trailing {
		o.ledger.SetTrailing(pos.Code, verdict.NextTrailing)
	}
	if !verdict.Sell {
		return
	}
	o.sellPosition(ctx, pos, price, verdict.Reason)
}

func (o *orchestrator) sellPosition(ctx context.Context, pos position.Position, price float64, reason string) {
	outcome, err := o.broker.PlaceMarketSell(ctx, pos.Code, pos.Quantity)
	if err != nil {
		o.logger.Error("市价卖出失败",
			zap.String("code", pos.Code),
			zap.String("reason", reason),
			zap.Error(err),
		)
		return
	}
	if !outcome.OK {
		o.logger.Warn("市价卖出被拒绝",
			zap.String("code", pos.Code),
			zap.String("msg", outcome.Msg),
		)
		return
	}

	o.ledger.Close(pos.Code, pos.Quantity, price, reason, outcome.OrderID)
	o.notifier.SendQuiet(ctx, fmt.Sprintf("매도 %s %d주 @%.0f (%s)", pos.Code, pos.Quantity, price, reason))
}

// closingBuy 在收盘竞价窗口按 softmax 权重分配预算买入，每日至多一轮。
func (o *orchestrator) closingBuy(ctx context.Context) error {
	now := o.now()
	if !inWindow(now, closingBuyStart, closingBuyEnd) {
		return nil
	}

	today := now.Format("2006-01-02")
	o.mu.Lock()
	if o.boughtDate == today {
		o.mu.Unlock()
		return nil
	}
	cands := o.candidates
	startAssets := o.startAssets
	o.mu.Unlock()

	if len(cands) == 0 {
		return nil
	}
	if o.dailyLossExceeded(ctx, startAssets) {
		o.logger.Warn("当日亏损超限，跳过收盘买入")
		return nil
	}

	cash, err := o.broker.OrderableCash(ctx)
	if err != nil {
		return fmt.Errorf("查询可用资金失败: %w", err)
	}
	if cash < o.cfg.Trading.MinOrderCash {
		o.logger.Info("可用资金不足，跳过收盘买入", zap.Int64("cash", cash))
		return nil
	}

	allocs := strategy.Allocate(
		cands, cash,
		o.cfg.Trading.TopNBuy,
		o.cfg.Trading.SoftmaxTau,
		o.cfg.Trading.WeightMin,
		o.cfg.Trading.WeightMax,
		o.cfg.Trading.MinOrderCash,
	)

	bought := 0
	for _, alloc := range allocs {
		if alloc.Shares <= 0 {
			continue
		}
		if o.ledger.Has(alloc.Candidate.Code) {
			continue
		}
		if o.ledger.Count() >= o.cfg.Risk.MaxPositions {
			break
		}

		price := alloc.Candidate.Price
		if quote, ok := o.cache.GetQuote(alloc.Candidate.Code); ok {
			price = quote
		}

		result, err := o.exec.BuyLimitThenMarket(ctx, alloc.Candidate.Code, alloc.Shares, int64(price))
		if err != nil {
			o.logger.Error("收盘买入失败",
				zap.String("code", alloc.Candidate.Code),
				zap.Error(err),
			)
			continue
		}
		if !result.OK {
			o.logger.Warn("收盘买入被拒绝",
				zap.String("code", alloc.Candidate.Code),
				zap.String("msg", result.Msg),
			)
			continue
		}

		o.ledger.Open(alloc.Candidate.Code, alloc.Candidate.Name, alloc.Shares, price, "closing_price", result.OrderID)
		o.stream.Subscribe(alloc.Candidate.Code)
		o.notifier.SendQuiet(ctx, fmt.Sprintf("매수 %s %d주 @%.0f [%s]", alloc.Candidate.Code, alloc.Shares, price, result.Tag))
		bought++
	}

	o.mu.Lock()
	o.boughtDate = today
	o.mu.Unlock()

	o.logger.Info("收盘买入完成",
		zap.Int("orders", bought),
		zap.Int64("cash", cash),
	)
	return nil
}

// dailyReset 在日期切换时清空行情缓存与当日标记。
func (o *orchestrator) dailyReset(ctx context.Context) error {
	today := o.now().Format("2006-01-02")

	o.mu.Lock()
	if o.currentDate == today {
		o.mu.Unlock()
		return nil
	}
	o.currentDate = today
	o.openPrices = make(map[string]float64)
	o.mu.Unlock()

	o.cache.Reset()

	if assets, err := o.broker.TotalAssets(ctx); err != nil {
		o.logger.Warn("查询起始净值失败", zap.Error(err))
	} else {
		o.mu.Lock()
		o.startAssets = assets
		o.mu.Unlock()
	}

	o.logger.Info("日期切换，缓存已清空", zap.String("date", today))
	return nil
}

// openPrice 返回标的当日开盘价，REST 查询结果按日缓存，未知返回 0。
func (o *orchestrator) openPrice(ctx context.Context, code string) float64 {
	o.mu.Lock()
	if price, ok := o.openPrices[code]; ok {
		o.mu.Unlock()
		return price
	}
	o.mu.Unlock()

	quote, err := o.broker.Price(ctx, code)
	if err != nil {
		o.logger.Warn("查询开盘价失败", zap.String("code", code), zap.Error(err))
		return 0
	}

	o.mu.Lock()
	o.openPrices[code] = quote.Open
	o.mu.Unlock()
	return quote.Open
}

// dailyLossExceeded 判断当日净值回撤是否超过上限。
func (o *orchestrator) dailyLossExceeded(ctx context.Context, startAssets int64) bool {
	if o.cfg.Risk.MaxDailyLossPct <= 0 || startAssets <= 0 {
		return false
	}
	assets, err := o.broker.TotalAssets(ctx)
	if err != nil {
		o.logger.Warn("查询当前净值失败", zap.Error(err))
		return false
	}
	lossPct := (float64(startAssets) - float64(assets)) / float64(startAssets) * 100
	return lossPct >= o.cfg.Risk.MaxDailyLossPct
}

// inWindow 判断 now 的本地时刻是否落在 [start, end) 内。
func inWindow(now time.Time, start, end time.Duration) bool {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	offset := now.Sub(midnight)
	return offset >= start && offset < end
}
