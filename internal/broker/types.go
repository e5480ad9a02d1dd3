package broker

import "strconv"

// OrderOutcome 是下单/撤单调用的统一结果。rt_cd 非 "0" 属于业务失败，
// 体现在 OK=false 与 Msg 上，不作为 error 返回；error 只表示传输层失败。
type OrderOutcome struct {
	OK      bool
	OrderID string
	Msg     string
}

// Holding 表示账户中的一条持仓。
type Holding struct {
	Code         string
	Name         string
	Quantity     int64
	AvgPrice     float64
	CurrentPrice float64
	EvalAmount   int64
	ProfitRate   float64
}

// VolumeRank 表示成交量排行中的一条记录。
type VolumeRank struct {
	Code       string
	Name       string
	Rank       int
	Price      float64
	ChangeRate float64
	Volume     int64
	Turnover   int64
}

// Quote 是 REST 现价查询结果。
type Quote struct {
	Price      float64
	Open       float64
	High       float64
	Low        float64
	ChangeRate float64
	AccVolume  int64
}

// OpenOrder 表示一条可撤的未成交委托。
type OpenOrder struct {
	OrderID   string
	Code      string
	OrdDvsn   string
	Quantity  int64
	RemainQty int64
}

// envelope 是 KIS 响应的公共外层，rt_cd=="0" 为成功。
type envelope struct {
	RtCd string `json:"rt_cd"`
	Msg1 string `json:"msg1"`
	Msg  string `json:"msg"`
}

func (e envelope) ok() bool { return e.RtCd == "0" }

func (e envelope) message() string {
	if e.Msg1 != "" {
		return e.Msg1
	}
	return e.Msg
}

// KIS 的数值字段一律是字符串，空串按0处理。
func parseInt(s string) int64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
