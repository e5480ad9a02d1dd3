package risk

import (
	"time"

	"kis-scalper/internal/config"
	"kis-scalper/internal/position"
)

// 平仓原因，落库时写入成交记录的策略字段。
const (
	ReasonHardStop     = "hard_stop"
	ReasonEarlyStop    = "early_session_stop"
	ReasonTrailingStop = "trailing_stop"
	ReasonOpenFail     = "open_fail_stop"
	ReasonStopLoss     = "stop_loss"
	ReasonTakeProfit   = "take_profit"
	ReasonTimeStop     = "time_stop"
)

// Verdict 是一次风控判定的结果。NextTrailing 非 Idle 时调用方应
// 推进台账的移动止盈状态。
type Verdict struct {
	Sell         bool
	Reason       string
	NextTrailing position.TrailingState
}

// Evaluator 是持仓退出规则的纯函数集合：不持锁、不触发副作用，
// 只依赖入参 (持仓, 现价, 时刻)。
type Evaluator struct {
	trading config.TradingConfig
	risk    config.RiskConfig

	earlyEnd time.Duration // 距当日零点的时长
}

// NewEvaluator 构造风控判定器。early_session_end_time 须先经配置校验。
func NewEvaluator(trading config.TradingConfig, risk config.RiskConfig) *Evaluator {
	earlyEnd := 9*time.Hour + 5*time.Minute
	if t, err := time.Parse("15:04", trading.EarlySessionEnd); err == nil {
		earlyEnd = time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
	}
	return &Evaluator{trading: trading, risk: risk, earlyEnd: earlyEnd}
}

// inEarlySession 判断是否处于开盘初段。
func (e *Evaluator) inEarlySession(now time.Time) bool {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return now.Sub(midnight) < e.earlyEnd
}

// EvaluateHolding 对隔夜/开盘持仓应用卖出规则：硬止损（早盘阈值更紧）、
// 移动止盈、开盘价跌穿。openPrice 为当日开盘价，0 表示未知、跳过该规则。
func (e *Evaluator) EvaluateHolding(pos position.Position, price, openPrice float64, now time.Time) Verdict {
	if pos.EntryPrice <= 0 || price <= 0 {
		return Verdict{}
	}

	// 硬止损：早盘用更紧的比率尽快离场
	hardRatio := e.trading.HardStopRatio
	reason := ReasonHardStop
	if e.inEarlySession(now) {
		hardRatio = e.trading.EarlyHardStopRatio
		reason = ReasonEarlyStop
	}
	if hardRatio > 0 && price <= pos.EntryPrice*hardRatio {
		return Verdict{Sell: true, Reason: reason}
	}

	// 开盘价跌穿
	if openPrice > 0 && e.trading.OpenFailDropRatio > 0 && price < openPrice*e.trading.OpenFailDropRatio {
		return Verdict{Sell: true, Reason: ReasonOpenFail}
	}

	// 移动止盈：利润越过启动阈值后监控峰值回撤
	profit := price/pos.EntryPrice - 1
	armed := pos.Trailing >= position.TrailingArmed
	verdict := Verdict{}
	if !armed && profit >= e.trading.MinProfitPctSell {
		armed = true
		verdict.NextTrailing = position.TrailingArmed
	}
	if armed && pos.PeakPrice > 0 {
		drop := (pos.PeakPrice - price) / pos.PeakPrice
		if drop >= e.trading.TrailDropPctSell {
			verdict.Sell = true
			verdict.Reason = ReasonTrailingStop
			verdict.NextTrailing = position.TrailingTriggered
		}
	}
	return verdict
}

// EvaluateScalp 对日内短线仓位应用风控：止损、止盈、移动止盈、
// 最长持仓时间。百分比参数按百分数计。
func (e *Evaluator) EvaluateScalp(pos position.Position, price float64, now time.Time) Verdict {
	if pos.EntryPrice <= 0 || price <= 0 {
		return Verdict{}
	}

	profitPct := (price - pos.EntryPrice) / pos.EntryPrice * 100

	if e.risk.StopLossPct > 0 && profitPct <= -e.risk.StopLossPct {
		return Verdict{Sell: true, Reason: ReasonStopLoss}
	}
	if e.risk.TakeProfitPct > 0 && profitPct >= e.risk.TakeProfitPct {
		return Verdict{Sell: true, Reason: ReasonTakeProfit}
	}
	if e.risk.MaxHoldTime > 0 && !pos.EntryTime.IsZero() && now.Sub(pos.EntryTime) >= e.risk.MaxHoldTime {
		return Verdict{Sell: true, Reason: ReasonTimeStop}
	}

	armed := pos.Trailing >= position.TrailingArmed
	verdict := Verdict{}
	if !armed && e.risk.TrailingArmPct > 0 && profitPct >= e.risk.TrailingArmPct {
		armed = true
		verdict.NextTrailing = position.TrailingArmed
	}
	if armed && e.risk.TrailingStopPct > 0 && pos.PeakPrice > 0 {
		dropPct := (pos.PeakPrice - price) / pos.PeakPrice * 100
		if dropPct >= e.risk.TrailingStopPct {
			verdict.Sell = true
			verdict.Reason = ReasonTrailingStop
			verdict.NextTrailing = position.TrailingTriggered
		}
	}
	return verdict
}
