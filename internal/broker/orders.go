package broker

import (
	"context"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// KIS 现金订单 tr_id。
const (
	trLimitBuy   = "TTTC0012U"
	trLimitSell  = "TTTC0011U"
	trMarketSell = "TTTC0801U"
	trMarketBuy  = "TTTC0802U"
	trCancel     = "TTTC0013U"
)

// placeOrder 是现金订单的公共通道，ordDvsn 00=限价 01=市价。
func (c *Client) placeOrder(ctx context.Context, operation, trID, code string, qty, price int64, ordDvsn string) (OrderOutcome, error) {
	cano, prdt := c.accountParts()
	body := map[string]string{
		"CANO":         cano,
		"ACNT_PRDT_CD": prdt,
		"PDNO":         wireCode(code),
		"ORD_DVSN":     ordDvsn,
		"ORD_QTY":      strconv.FormatInt(qty, 10),
		"ORD_UNPR":     strconv.FormatInt(price, 10),
	}

	var resp struct {
		envelope
		Output struct {
			Odno string `json:"ODNO"`
		} `json:"output"`
	}
	if err := c.postOrder(ctx, operation, "/uapi/domestic-stock/v1/trading/order-cash", trID, body, &resp); err != nil {
		return OrderOutcome{}, err
	}

	outcome := OrderOutcome{
		OK:      resp.ok(),
		OrderID: resp.Output.Odno,
		Msg:     resp.message(),
	}
	if outcome.OK {
		c.logger.Info("委托已受理",
			zap.String("operation", operation),
			zap.String("code", wireCode(code)),
			zap.Int64("qty", qty),
			zap.Int64("price", price),
			zap.String("order_id", outcome.OrderID),
		)
	} else {
		c.logger.Warn("委托被拒绝",
			zap.String("operation", operation),
			zap.String("code", wireCode(code)),
			zap.String("rt_cd", resp.RtCd),
			zap.String("msg", outcome.Msg),
		)
	}
	return outcome, nil
}

// PlaceLimitBuy 下限价买入委托。
func (c *Client) PlaceLimitBuy(ctx context.Context, code string, qty, price int64) (OrderOutcome, error) {
	return c.placeOrder(ctx, "limit_buy", trLimitBuy, code, qty, price, "00")
}

// PlaceLimitSell 下限价卖出委托。
func (c *Client) PlaceLimitSell(ctx context.Context, code string, qty, price int64) (OrderOutcome, error) {
	return c.placeOrder(ctx, "limit_sell", trLimitSell, code, qty, price, "00")
}

// PlaceMarketBuy 下市价买入委托。
func (c *Client) PlaceMarketBuy(ctx context.Context, code string, qty int64) (OrderOutcome, error) {
	return c.placeOrder(ctx, "market_buy", trMarketBuy, code, qty, 0, "01")
}

// PlaceMarketSell 下市价卖出委托。
func (c *Client) PlaceMarketSell(ctx context.Context, code string, qty int64) (OrderOutcome, error) {
	return c.placeOrder(ctx, "market_sell", trMarketSell, code, qty, 0, "01")
}

// OpenOrders 查询可撤的未成交委托。
func (c *Client) OpenOrders(ctx context.Context) ([]OpenOrder, error) {
	cano, prdt := c.accountParts()
	params := url.Values{
		"CANO":            {cano},
		"ACNT_PRDT_CD":    {prdt},
		"INQR_DVSN_1":     {"0"},
		"INQR_DVSN_2":     {"0"},
		"STRT_ODNO":       {""},
		"SLL_BUY_DVSN_CD": {"0"},
		"CCLD_YN":         {"N"},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}

	var resp struct {
		envelope
		Output []struct {
			Odno      string `json:"odno"`
			Pdno      string `json:"pdno"`
			OrdDvsnCd string `json:"ord_dvsn_cd"`
			OrdQty    string `json:"ord_qty"`
			PsblQty   string `json:"psbl_qty"`
		} `json:"output"`
	}
	if err := c.get(ctx, "inquire_psbl_rvsecncl", "/uapi/domestic-stock/v1/trading/inquire-psbl-rvsecncl", "TTTC8036R", params, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		c.logger.Warn("未成交委托查询被拒绝",
			zap.String("rt_cd", resp.RtCd),
			zap.String("msg", resp.message()),
		)
		return nil, nil
	}

	orders := make([]OpenOrder, 0, len(resp.Output))
	for _, item := range resp.Output {
		orders = append(orders, OpenOrder{
			OrderID:   item.Odno,
			Code:      wireCode(item.Pdno),
			OrdDvsn:   item.OrdDvsnCd,
			Quantity:  parseInt(item.OrdQty),
			RemainQty: parseInt(item.PsblQty),
		})
	}
	return orders, nil
}

// CancelOrder 全量撤销指定委托。
func (c *Client) CancelOrder(ctx context.Context, order OpenOrder) (OrderOutcome, error) {
	cano, prdt := c.accountParts()
	ordDvsn := order.OrdDvsn
	if ordDvsn == "" {
		ordDvsn = "00"
	}
	body := map[string]string{
		"CANO":               cano,
		"ACNT_PRDT_CD":       prdt,
		"KRX_FWDG_ORD_ORGNO": "",
		"ORGN_ODNO":          order.OrderID,
		"ORD_DVSN":           ordDvsn,
		"RVSE_CNCL_DVSN_CD":  "02",
		"ORD_QTY":            strconv.FormatInt(order.Quantity, 10),
		"ORD_UNPR":           "0",
		"QTY_ALL_ORD_YN":     "Y",
	}

	var resp struct {
		envelope
		Output struct {
			Odno string `json:"ODNO"`
		} `json:"output"`
	}
	if err := c.postOrder(ctx, "order_cancel", "/uapi/domestic-stock/v1/trading/order-rvsecncl", trCancel, body, &resp); err != nil {
		return OrderOutcome{}, err
	}

	outcome := OrderOutcome{OK: resp.ok(), OrderID: resp.Output.Odno, Msg: resp.message()}
	if !outcome.OK {
		c.logger.Warn("撤单被拒绝",
			zap.String("order_id", order.OrderID),
			zap.String("rt_cd", resp.RtCd),
			zap.String("msg", outcome.Msg),
		)
	}
	return outcome, nil
}

// FilledQuantity 查询当日某委托的累计成交数量。委托不在当日成交明细中
// 时返回0。
func (c *Client) FilledQuantity(ctx context.Context, orderID string) (int64, error) {
	cano, prdt := c.accountParts()
	today := c.now().Format("20060102")
	params := url.Values{
		"CANO":            {cano},
		"ACNT_PRDT_CD":    {prdt},
		"INQR_STRT_DT":    {today},
		"INQR_END_DT":     {today},
		"SLL_BUY_DVSN_CD": {"00"},
		"INQR_DVSN":       {"00"},
		"PDNO":            {""},
		"CCLD_DVSN":       {"00"},
		"ORD_GNO_BRNO":    {""},
		"ODNO":            {orderID},
		"INQR_DVSN_3":     {"00"},
		"INQR_DVSN_1":     {""},
		"CTX_AREA_FK100":  {""},
		"CTX_AREA_NK100":  {""},
	}

	var resp struct {
		envelope
		Output1 []struct {
			Odno       string `json:"odno"`
			TotCcldQty string `json:"tot_ccld_qty"`
		} `json:"output1"`
	}
	if err := c.get(ctx, "inquire_daily_ccld", "/uapi/domestic-stock/v1/trading/inquire-daily-ccld", "TTTC8001R", params, &resp); err != nil {
		return 0, err
	}
	if !resp.ok() {
		c.logger.Warn("成交数量查询被拒绝",
			zap.String("order_id", orderID),
			zap.String("rt_cd", resp.RtCd),
			zap.String("msg", resp.message()),
		)
		return 0, nil
	}

	for _, item := range resp.Output1 {
		if item.Odno == orderID {
			return parseInt(item.TotCcldQty), nil
		}
	}
	return 0, nil
}
