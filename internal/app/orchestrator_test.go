package app

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"kis-scalper/internal/broker"
	"kis-scalper/internal/config"
	"kis-scalper/internal/execution"
	"kis-scalper/internal/indicator"
	"kis-scalper/internal/market"
	"kis-scalper/internal/notify"
	"kis-scalper/internal/position"
	"kis-scalper/internal/risk"
	"kis-scalper/internal/strategy"
)

type fakeBroker struct {
	mu       sync.Mutex
	holdings []broker.Holding
	cash     int64
	assets   int64
	ranks    []broker.VolumeRank
	quotes   map[string]broker.Quote
	sells    []string
	sellFail bool
}

func (f *fakeBroker) Holdings(ctx context.Context) ([]broker.Holding, error) {
	return f.holdings, nil
}

func (f *fakeBroker) OrderableCash(ctx context.Context) (int64, error) {
	return f.cash, nil
}

func (f *fakeBroker) TotalAssets(ctx context.Context) (int64, error) {
	return f.assets, nil
}

func (f *fakeBroker) VolumeRanking(ctx context.Context, count int) ([]broker.VolumeRank, error) {
	return f.ranks, nil
}

func (f *fakeBroker) PlaceMarketSell(ctx context.Context, code string, qty int64) (broker.OrderOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sellFail {
		return broker.OrderOutcome{OK: false, Msg: "rejected"}, nil
	}
	f.sells = append(f.sells, code)
	return broker.OrderOutcome{OK: true, OrderID: "S1"}, nil
}

func (f *fakeBroker) Price(ctx context.Context, code string) (broker.Quote, error) {
	return f.quotes[code], nil
}

type fakeExec struct {
	mu     sync.Mutex
	buys   map[string]int64
	result execution.OrderResult
}

func (f *fakeExec) BuyLimitThenMarket(ctx context.Context, code string, qty, price int64) (execution.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.buys == nil {
		f.buys = make(map[string]int64)
	}
	f.buys[code] = qty
	return f.result, nil
}

type fakeStream struct {
	mu   sync.Mutex
	subs map[string]bool
}

func (f *fakeStream) Subscribe(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[string]bool)
	}
	f.subs[code] = true
}

func (f *fakeStream) Unsubscribe(code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, code)
}

func (f *fakeStream) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.subs))
	for code := range f.subs {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Stream: config.StreamConfig{MaxSubscriptions: 40},
		Cache: config.CacheConfig{
			Window:          120 * time.Second,
			MaxPoints:       2000,
			CandleIntervals: []int{1, 3},
			MaxCandles:      480,
		},
		Trading: config.TradingConfig{
			MinTurnover:        1_000_000_000,
			MaxSpreadPct:       0.0015,
			ExcludeKeywords:    []string{"KODEX"},
			TopNBuy:            5,
			SoftmaxTau:         10,
			WeightMin:          0.10,
			WeightMax:          0.35,
			MinProfitPctSell:   0.001,
			TrailDropPctSell:   0.004,
			HardStopRatio:      0.97,
			EarlyHardStopRatio: 0.98,
			EarlySessionEnd:    "09:05",
			OpenFailDropRatio:  0.99,
			ScreenInterval:     5 * time.Minute,
			MinOrderCash:       10_000,
		},
		Risk: config.RiskConfig{
			StopLossPct:     0.8,
			TakeProfitPct:   1.2,
			TrailingStopPct: 0.3,
			TrailingArmPct:  0.5,
			MaxHoldTime:     15 * time.Minute,
			MaxPositions:    5,
		},
	}
}

type testRig struct {
	orch   *orchestrator
	broker *fakeBroker
	exec   *fakeExec
	stream *fakeStream
	cache  *market.Cache
	ledger *position.Ledger
}

func newTestRig(t *testing.T, b *fakeBroker, now time.Time) *testRig {
	t.Helper()
	cfg := testConfig()

	ledger := position.NewLedger(nil, nil)
	cache := market.NewCache(cfg.Cache, ledger, nil)
	exec := &fakeExec{result: execution.OrderResult{OK: true, Tag: execution.TagLimitFilledFast, OrderID: "B1"}}
	streamFake := &fakeStream{}

	orch := newOrchestrator(cfg, b, exec, streamFake,
		cache, ledger,
		risk.NewEvaluator(cfg.Trading, cfg.Risk),
		strategy.NewScreener(cfg.Trading, nil),
		strategy.NewScorer(cache, indicator.NewCalculator(), 30*time.Minute, nil),
		notify.NewTelegram(config.TelegramConfig{}, nil),
		nil,
	)
	orch.now = func() time.Time { return now }

	return &testRig{orch: orch, broker: b, exec: exec, stream: streamFake, cache: cache, ledger: ledger}
}

func feedTick(cache *market.Cache, code string, price float64, at time.Time) {
	cache.UpdateTick(code, market.Tick{
		Code:       code,
		Price:      price,
		ExecVolume: 10,
		AccVolume:  100,
		Timestamp:  at,
	})
}

func TestBootstrapRestoresHoldings(t *testing.T) {
	b := &fakeBroker{
		holdings: []broker.Holding{
			{Code: "005930", Name: "삼성전자", Quantity: 10, AvgPrice: 70000},
		},
		assets: 10_000_000,
	}
	rig := newTestRig(t, b, time.Date(2025, 9, 22, 9, 0, 0, 0, time.Local))

	if err := rig.orch.bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	pos, ok := rig.ledger.Get("A005930")
	if !ok {
		t.Fatal("holding must be restored into the ledger")
	}
	if pos.Strategy != "restored" {
		t.Errorf("restored positions must be tagged, got %q", pos.Strategy)
	}
	if got := rig.stream.Subscribed(); len(got) != 1 || got[0] != "A005930" {
		t.Errorf("held code must be subscribed, got %v", got)
	}
}

func TestScreenSyncsSubscriptionsKeepsHeld(t *testing.T) {
	b := &fakeBroker{
		ranks: []broker.VolumeRank{
			{Code: "000660", Name: "SK하이닉스", Price: 180000, Turnover: 5_000_000_000},
			{Code: "069500", Name: "KODEX 200", Price: 35000, Turnover: 9_000_000_000},
		},
	}
	now := time.Date(2025, 9, 22, 10, 0, 0, 0, time.Local)
	rig := newTestRig(t, b, now)

	// 已持仓标的与一个过期订阅
	rig.ledger.Restore("A005930", "삼성전자", 10, 70000)
	rig.stream.Subscribe("A005930")
	rig.stream.Subscribe("A999999")

	if err := rig.orch.screen(context.Background()); err != nil {
		t.Fatalf("screen: %v", err)
	}

	got := rig.stream.Subscribed()
	want := []string{"A000660", "A005930"}
	if len(got) != len(want) {
		t.Fatalf("subscription set mismatch: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("subscription set mismatch: got %v want %v", got, want)
		}
	}
}

func TestClosingBuyOutsideWindowIsNoop(t *testing.T) {
	b := &fakeBroker{cash: 10_000_000}
	rig := newTestRig(t, b, time.Date(2025, 9, 22, 14, 0, 0, 0, time.Local))
	rig.orch.candidates = []strategy.Candidate{{Code: "A005930", Price: 70000, Score: 80}}

	if err := rig.orch.closingBuy(context.Background()); err != nil {
		t.Fatalf("closingBuy: %v", err)
	}
	if len(rig.exec.buys) != 0 {
		t.Errorf("no buys outside the window, got %v", rig.exec.buys)
	}
}

func TestClosingBuyAllocatesOncePerDay(t *testing.T) {
	b := &fakeBroker{cash: 10_000_000, assets: 10_000_000}
	now := time.Date(2025, 9, 22, 15, 21, 0, 0, time.Local)
	rig := newTestRig(t, b, now)
	rig.orch.candidates = []strategy.Candidate{
		{Code: "A005930", Name: "삼성전자", Price: 70000, Score: 80},
		{Code: "A000660", Name: "SK하이닉스", Price: 180000, Score: 60},
	}

	if err := rig.orch.closingBuy(context.Background()); err != nil {
		t.Fatalf("closingBuy: %v", err)
	}
	if len(rig.exec.buys) != 2 {
		t.Fatalf("expected 2 buys, got %v", rig.exec.buys)
	}
	if !rig.ledger.Has("A005930") || !rig.ledger.Has("A000660") {
		t.Error("bought codes must enter the ledger")
	}
	if got := rig.stream.Subscribed(); len(got) != 2 {
		t.Errorf("bought codes must be subscribed, got %v", got)
	}

	// 同日第二次调用不再下单
	rig.exec.buys = nil
	if err := rig.orch.closingBuy(context.Background()); err != nil {
		t.Fatalf("closingBuy second: %v", err)
	}
	if len(rig.exec.buys) != 0 {
		t.Errorf("closing buy must run once per day, got %v", rig.exec.buys)
	}
}

func TestClosingBuyRespectsMaxPositions(t *testing.T) {
	b := &fakeBroker{cash: 100_000_000}
	now := time.Date(2025, 9, 22, 15, 21, 0, 0, time.Local)
	rig := newTestRig(t, b, now)
	rig.orch.cfg.Risk.MaxPositions = 1
	rig.orch.candidates = []strategy.Candidate{
		{Code: "A005930", Name: "삼성전자", Price: 70000, Score: 80},
		{Code: "A000660", Name: "SK하이닉스", Price: 180000, Score: 60},
	}

	if err := rig.orch.closingBuy(context.Background()); err != nil {
		t.Fatalf("closingBuy: %v", err)
	}
	if len(rig.exec.buys) != 1 {
		t.Errorf("position cap must stop further buys, got %v", rig.exec.buys)
	}
}

func TestOpeningSellHardStop(t *testing.T) {
	b := &fakeBroker{quotes: map[string]broker.Quote{"A005930": {Open: 70000}}}
	now := time.Date(2025, 9, 22, 10, 0, 0, 0, time.Local)
	rig := newTestRig(t, b, now)

	rig.ledger.Restore("A005930", "삼성전자", 10, 70000)
	// 现价跌破均价 97%
	feedTick(rig.cache, "A005930", 67800, now)

	if err := rig.orch.openingSell(context.Background()); err != nil {
		t.Fatalf("openingSell: %v", err)
	}
	if len(b.sells) != 1 || b.sells[0] != "A005930" {
		t.Fatalf("hard stop must sell, got %v", b.sells)
	}
	if rig.ledger.Has("A005930") {
		t.Error("sold position must leave the ledger")
	}
}

func TestOpeningSellSkipsScalpPositions(t *testing.T) {
	b := &fakeBroker{}
	now := time.Date(2025, 9, 22, 10, 0, 0, 0, time.Local)
	rig := newTestRig(t, b, now)

	rig.ledger.Open("A005930", "삼성전자", 10, 70000, "closing_price", "B1")
	feedTick(rig.cache, "A005930", 60000, now)

	if err := rig.orch.openingSell(context.Background()); err != nil {
		t.Fatalf("openingSell: %v", err)
	}
	if len(b.sells) != 0 {
		t.Errorf("opening-sell rules must not touch scalp positions, got %v", b.sells)
	}
}

func TestScalpMonitorStopLossAndTrailing(t *testing.T) {
	b := &fakeBroker{}
	now := time.Date(2025, 9, 22, 10, 0, 0, 0, time.Local)
	rig := newTestRig(t, b, now)

	rig.ledger.Open("A005930", "삼성전자", 10, 70000, "closing_price", "B1")

	// 利润越过 0.5% 启动移动止盈
	feedTick(rig.cache, "A005930", 70400, now)
	if err := rig.orch.scalpMonitor(context.Background()); err != nil {
		t.Fatalf("scalpMonitor: %v", err)
	}
	if pos, _ := rig.ledger.Get("A005930"); pos.Trailing != position.TrailingArmed {
		t.Errorf("expected trailing armed, got %v", pos.Trailing)
	}
	if len(b.sells) != 0 {
		t.Errorf("arming must not sell, got %v", b.sells)
	}

	// 跌破 -0.8% 止损
	feedTick(rig.cache, "A005930", 69400, now.Add(time.Second))
	if err := rig.orch.scalpMonitor(context.Background()); err != nil {
		t.Fatalf("scalpMonitor: %v", err)
	}
	if len(b.sells) != 1 {
		t.Errorf("stop loss must sell, got %v", b.sells)
	}
}

func TestDailyResetClearsCache(t *testing.T) {
	b := &fakeBroker{assets: 10_000_000}
	now := time.Date(2025, 9, 22, 23, 59, 0, 0, time.Local)
	rig := newTestRig(t, b, now)
	rig.orch.currentDate = "2025-09-22"

	feedTick(rig.cache, "A005930", 70000, now)
	if rig.cache.Stats().Codes == 0 {
		t.Fatal("precondition: cache must hold data")
	}

	// 同日调用不清空
	if err := rig.orch.dailyReset(context.Background()); err != nil {
		t.Fatalf("dailyReset: %v", err)
	}
	if rig.cache.Stats().Codes == 0 {
		t.Error("same-day reset must keep the cache")
	}

	rig.orch.now = func() time.Time { return now.Add(2 * time.Minute) } // 跨日
	if err := rig.orch.dailyReset(context.Background()); err != nil {
		t.Fatalf("dailyReset: %v", err)
	}
	if rig.cache.Stats().Codes != 0 {
		t.Error("date change must clear the cache")
	}
}
