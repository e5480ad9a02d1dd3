package execution

// Tag 标记限价转市价协议的终态路径。
type Tag string

const (
	// TagLimitFilledFast 限价单在快轮询窗口内全部成交。
	TagLimitFilledFast Tag = "LIMIT_FILLED_FAST"
	// TagLimitFilledSlow 限价单在慢轮询阶段全部成交。
	TagLimitFilledSlow Tag = "LIMIT_FILLED_SLOW"
	// TagLimitFilledBeforeCancel 撤单前的最终确认发现已全部成交。
	TagLimitFilledBeforeCancel Tag = "LIMIT_FILLED_BEFORE_CANCEL"
	// TagPartialToMarket 限价部分成交，剩余数量转市价。
	TagPartialToMarket Tag = "PARTIAL_TO_MARKET"
	// TagLimitFailToMarket 限价零成交或被拒，全量转市价。
	TagLimitFailToMarket Tag = "LIMIT_FAIL_TO_MARKET"
)

// OrderResult 是协议的统一返回值。FilledQty 为限价腿的确认成交量，
// 转市价路径的市价腿按受理成功即信任，不再回查。
type OrderResult struct {
	OK        bool
	Tag       Tag
	OrderID   string
	FilledQty int64
	Msg       string
}
