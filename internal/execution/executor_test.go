package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"kis-scalper/internal/broker"
	"kis-scalper/internal/config"
)

// fakeClock 推进虚拟时间，sleep 不真正阻塞。
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.t = c.t.Add(d)
	return ctx.Err()
}

// scriptedBroker 按脚本应答执行器的每一次调用。
type scriptedBroker struct {
	limitOutcome  broker.OrderOutcome
	limitErr      error
	marketOutcome broker.OrderOutcome
	marketErr     error
	cancelOutcome broker.OrderOutcome
	cancelErr     error

	// filledAt 按轮询次数给出累计成交量，超出脚本后沿用最后一个值。
	filledAt []int64

	polls      int
	marketQty  int64
	marketCode string
	cancels    int
}

func (b *scriptedBroker) PlaceLimitBuy(ctx context.Context, code string, qty, price int64) (broker.OrderOutcome, error) {
	return b.limitOutcome, b.limitErr
}

func (b *scriptedBroker) PlaceMarketBuy(ctx context.Context, code string, qty int64) (broker.OrderOutcome, error) {
	b.marketCode = code
	b.marketQty = qty
	return b.marketOutcome, b.marketErr
}

func (b *scriptedBroker) CancelOrder(ctx context.Context, order broker.OpenOrder) (broker.OrderOutcome, error) {
	b.cancels++
	return b.cancelOutcome, b.cancelErr
}

func (b *scriptedBroker) FilledQuantity(ctx context.Context, orderID string) (int64, error) {
	b.polls++
	if len(b.filledAt) == 0 {
		return 0, nil
	}
	idx := b.polls - 1
	if idx >= len(b.filledAt) {
		idx = len(b.filledAt) - 1
	}
	return b.filledAt[idx], nil
}

func testExecConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		FastPollWindow: 5 * time.Second,
		MaxWait:        30 * time.Second,
		PollInterval:   time.Second,
	}
}

func newTestExecutor(b Broker) (*Executor, *fakeClock) {
	e := NewExecutor(testExecConfig(), b, nil)
	clock := &fakeClock{t: time.Date(2025, 9, 22, 9, 10, 0, 0, time.Local)}
	e.now = clock.now
	e.sleep = clock.sleep
	return e, clock
}

func acceptedOrder(id string) broker.OrderOutcome {
	return broker.OrderOutcome{OK: true, OrderID: id}
}

func TestLimitFilledFast(t *testing.T) {
	b := &scriptedBroker{
		limitOutcome: acceptedOrder("L1"),
		filledAt:     []int64{10},
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagLimitFilledFast {
		t.Errorf("expected fast fill, got %+v", res)
	}
	if res.OrderID != "L1" || res.FilledQty != 10 {
		t.Errorf("unexpected result fields: %+v", res)
	}
	if b.marketQty != 0 {
		t.Error("market leg must not run on a full limit fill")
	}
}

func TestLimitFilledSlow(t *testing.T) {
	// 前8次轮询未成交，第9次（9s，快窗之外）全部成交
	filled := make([]int64, 9)
	filled[8] = 10
	b := &scriptedBroker{
		limitOutcome: acceptedOrder("L2"),
		filledAt:     filled,
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagLimitFilledSlow {
		t.Errorf("expected slow fill, got %+v", res)
	}
}

func TestLimitFilledBeforeCancel(t *testing.T) {
	// 轮询期间始终部分成交，撤单前的最终确认发现已全部成交。
	// 轮询30次 + 最终确认1次 = 第31次调用返回全量。
	filled := make([]int64, 31)
	for i := 0; i < 30; i++ {
		filled[i] = 4
	}
	filled[30] = 10
	b := &scriptedBroker{
		limitOutcome: acceptedOrder("L3"),
		filledAt:     filled,
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagLimitFilledBeforeCancel {
		t.Errorf("expected fill before cancel, got %+v", res)
	}
	if b.cancels != 0 {
		t.Error("cancel must not run when the final check sees a full fill")
	}
	if b.marketQty != 0 {
		t.Error("market leg must not run on a full limit fill")
	}
}

func TestPartialToMarket(t *testing.T) {
	b := &scriptedBroker{
		limitOutcome:  acceptedOrder("L4"),
		filledAt:      []int64{3},
		cancelOutcome: broker.OrderOutcome{OK: true},
		marketOutcome: acceptedOrder("M4"),
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagPartialToMarket {
		t.Errorf("expected partial escalation, got %+v", res)
	}
	if b.cancels != 1 {
		t.Errorf("expected one cancel, got %d", b.cancels)
	}
	if b.marketQty != 7 {
		t.Errorf("market leg qty = %d, want 7", b.marketQty)
	}
	if res.FilledQty != 3 {
		t.Errorf("FilledQty must report the limit leg, got %d", res.FilledQty)
	}
	if res.OrderID != "M4" {
		t.Errorf("result must carry the market order id, got %q", res.OrderID)
	}
}

func TestZeroFillToMarket(t *testing.T) {
	b := &scriptedBroker{
		limitOutcome:  acceptedOrder("L5"),
		cancelOutcome: broker.OrderOutcome{OK: true},
		marketOutcome: acceptedOrder("M5"),
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagLimitFailToMarket {
		t.Errorf("expected full escalation, got %+v", res)
	}
	if b.marketQty != 10 {
		t.Errorf("market leg qty = %d, want 10", b.marketQty)
	}
	if res.FilledQty != 0 {
		t.Errorf("FilledQty = %d, want 0", res.FilledQty)
	}
}

func TestLimitRejectedGoesStraightToMarket(t *testing.T) {
	b := &scriptedBroker{
		limitOutcome:  broker.OrderOutcome{OK: false, Msg: "주문가능금액 부족"},
		marketOutcome: acceptedOrder("M6"),
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagLimitFailToMarket {
		t.Errorf("expected immediate escalation, got %+v", res)
	}
	if b.polls != 0 {
		t.Errorf("rejected limit must not be polled, polls=%d", b.polls)
	}
	if b.marketQty != 10 {
		t.Errorf("market leg qty = %d, want 10", b.marketQty)
	}
}

func TestLimitTransportErrorGoesToMarket(t *testing.T) {
	b := &scriptedBroker{
		limitErr:      errors.New("connection reset"),
		marketOutcome: acceptedOrder("M7"),
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 5, 10000)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagLimitFailToMarket {
		t.Errorf("expected escalation on transport error, got %+v", res)
	}
}

func TestAlwaysTerminatesWithinMaxWait(t *testing.T) {
	b := &scriptedBroker{
		limitOutcome:  acceptedOrder("L8"),
		cancelOutcome: broker.OrderOutcome{OK: true},
		marketOutcome: acceptedOrder("M8"),
	}
	e, clock := newTestExecutor(b)
	start := clock.t

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK {
		t.Fatalf("unexpected failure: %+v", res)
	}

	elapsed := clock.t.Sub(start)
	budget := testExecConfig().MaxWait + testExecConfig().PollInterval
	if elapsed > budget {
		t.Errorf("protocol ran %v, must return within %v", elapsed, budget)
	}
}

func TestCancelFailedButFilledMeanwhile(t *testing.T) {
	// 30次轮询部分成交，最终确认仍部分，撤单被拒后回查发现已全部成交
	filled := make([]int64, 32)
	for i := 0; i < 31; i++ {
		filled[i] = 6
	}
	filled[31] = 10
	b := &scriptedBroker{
		limitOutcome:  acceptedOrder("L9"),
		filledAt:      filled,
		cancelOutcome: broker.OrderOutcome{OK: false, Msg: "이미 체결된 주문"},
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagLimitFilledBeforeCancel {
		t.Errorf("expected fill-before-cancel after failed cancel, got %+v", res)
	}
	if b.marketQty != 0 {
		t.Error("market leg must not run when the order filled")
	}
}

func TestCancelFailedStillEscalatesToMarket(t *testing.T) {
	// 撤单被拒且回查仍只有部分成交：撤单是尽力而为，剩余数量必须转市价
	b := &scriptedBroker{
		limitOutcome:  acceptedOrder("L11"),
		filledAt:      []int64{3},
		cancelOutcome: broker.OrderOutcome{OK: false, Msg: "rejected"},
		marketOutcome: acceptedOrder("M11"),
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagPartialToMarket {
		t.Errorf("failed cancel must not abort the escalation, got %+v", res)
	}
	if b.marketQty != 7 {
		t.Errorf("market leg qty = %d, want 7", b.marketQty)
	}
	if res.FilledQty != 3 {
		t.Errorf("FilledQty must report the limit leg, got %d", res.FilledQty)
	}
	if res.OrderID != "M11" {
		t.Errorf("result must carry the market order id, got %q", res.OrderID)
	}
}

func TestCancelErrorZeroFillStillEscalates(t *testing.T) {
	// 撤单传输错误且零成交：全量转市价
	b := &scriptedBroker{
		limitOutcome:  acceptedOrder("L12"),
		cancelErr:     errors.New("connection reset"),
		marketOutcome: acceptedOrder("M12"),
	}
	e, _ := newTestExecutor(b)

	res, err := e.BuyLimitThenMarket(context.Background(), "A005930", 10, 71500)
	if err != nil {
		t.Fatalf("BuyLimitThenMarket: %v", err)
	}
	if !res.OK || res.Tag != TagLimitFailToMarket {
		t.Errorf("expected full escalation after cancel error, got %+v", res)
	}
	if b.marketQty != 10 {
		t.Errorf("market leg qty = %d, want 10", b.marketQty)
	}
}

func TestContextCancelledDuringPoll(t *testing.T) {
	b := &scriptedBroker{limitOutcome: acceptedOrder("L10")}
	e, _ := newTestExecutor(b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.BuyLimitThenMarket(ctx, "A005930", 10, 71500); err == nil {
		t.Error("expected context error")
	}
}
