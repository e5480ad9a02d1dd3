package broker

import (
	"context"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// OrderableCash 查询当前可下单现金（미수 없는 매수가능금액）。
func (c *Client) OrderableCash(ctx context.Context) (int64, error) {
	cano, prdt := c.accountParts()
	params := url.Values{
		"CANO":                 {cano},
		"ACNT_PRDT_CD":         {prdt},
		"PDNO":                 {""},
		"ORD_DVSN":             {"01"},
		"ORD_UNPR":             {"0"},
		"ORD_QTY":              {"0"},
		"CMA_EVLU_AMT_ICLD_YN": {"N"},
		"OVRS_ICLD_YN":         {"N"},
	}

	var resp struct {
		envelope
		Output struct {
			NrcvbBuyAmt string `json:"nrcvb_buy_amt"`
		} `json:"output"`
	}
	if err := c.get(ctx, "inquire_psbl_order", "/uapi/domestic-stock/v1/trading/inquire-psbl-order", "TTTC8908R", params, &resp); err != nil {
		return 0, err
	}
	if !resp.ok() {
		return 0, fmt.Errorf("可用资金查询被拒绝: rt_cd=%s msg=%s", resp.RtCd, resp.message())
	}
	return parseInt(resp.Output.NrcvbBuyAmt), nil
}

// Holdings 查询当前持仓，数量为0的记录被过滤。
func (c *Client) Holdings(ctx context.Context) ([]Holding, error) {
	cano, prdt := c.accountParts()
	params := url.Values{
		"CANO":                  {cano},
		"ACNT_PRDT_CD":          {prdt},
		"AFHR_FLPR_YN":          {"N"},
		"OFL_YN":                {""},
		"INQR_DVSN":             {"02"},
		"UNPR_DVSN":             {"01"},
		"FUND_STTL_ICLD_YN":     {"N"},
		"FNCG_AMT_AUTO_RDPT_YN": {"N"},
		"PRCS_DVSN":             {"01"},
		"CTX_AREA_FK100":        {""},
		"CTX_AREA_NK100":        {""},
	}

	var resp struct {
		envelope
		Output1 []struct {
			Pdno        string `json:"pdno"`
			PrdtName    string `json:"prdt_name"`
			HldgQty     string `json:"hldg_qty"`
			PchsAvgPric string `json:"pchs_avg_pric"`
			Prpr        string `json:"prpr"`
			EvluAmt     string `json:"evlu_amt"`
			EvluPflsRt  string `json:"evlu_pfls_rt"`
		} `json:"output1"`
	}
	if err := c.get(ctx, "inquire_balance", "/uapi/domestic-stock/v1/trading/inquire-balance", "TTTC8434R", params, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, fmt.Errorf("持仓查询被拒绝: rt_cd=%s msg=%s", resp.RtCd, resp.message())
	}

	holdings := make([]Holding, 0, len(resp.Output1))
	for _, item := range resp.Output1 {
		qty := parseInt(item.HldgQty)
		if qty <= 0 {
			continue
		}
		holdings = append(holdings, Holding{
			Code:         wireCode(item.Pdno),
			Name:         item.PrdtName,
			Quantity:     qty,
			AvgPrice:     parseFloat(item.PchsAvgPric),
			CurrentPrice: parseFloat(item.Prpr),
			EvalAmount:   parseInt(item.EvluAmt),
			ProfitRate:   parseFloat(item.EvluPflsRt),
		})
	}
	return holdings, nil
}

// TotalAssets 返回现金与持仓市值之和。
func (c *Client) TotalAssets(ctx context.Context) (int64, error) {
	cash, err := c.OrderableCash(ctx)
	if err != nil {
		return 0, err
	}
	holdings, err := c.Holdings(ctx)
	if err != nil {
		return 0, err
	}

	var stockEval int64
	for _, h := range holdings {
		stockEval += h.EvalAmount
	}
	total := cash + stockEval
	c.logger.Info("总资产查询完成",
		zap.Int64("cash", cash),
		zap.Int64("stock_eval", stockEval),
		zap.Int64("total", total),
	)
	return total, nil
}

// VolumeRanking 查询成交量排行，已通过 FID_TRGT_EXLS_CLS_CODE 排除
// 管理/停牌/优先股/ETF·ETN。
func (c *Client) VolumeRanking(ctx context.Context, count int) ([]VolumeRank, error) {
	if count <= 0 {
		count = 20
	}
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_COND_SCR_DIV_CODE":  {"20171"},
		"FID_INPUT_ISCD":         {"0000"},
		"FID_DIV_CLS_CODE":       {"0"},
		"FID_BLNG_CLS_CODE":      {"0"},
		"FID_TRGT_CLS_CODE":      {"111111111"},
		"FID_TRGT_EXLS_CLS_CODE": {"100001011"},
		"FID_INPUT_PRICE_1":      {""},
		"FID_INPUT_PRICE_2":      {""},
		"FID_VOL_CNT":            {""},
		"FID_INPUT_DATE_1":       {""},
	}

	var resp struct {
		envelope
		Output []struct {
			MkscShrnIscd string `json:"mksc_shrn_iscd"`
			HtsKorIsnm   string `json:"hts_kor_isnm"`
			StckPrpr     string `json:"stck_prpr"`
			PrdyCtrt     string `json:"prdy_ctrt"`
			AcmlVol      string `json:"acml_vol"`
			AcmlTrPbmn   string `json:"acml_tr_pbmn"`
		} `json:"output"`
	}
	if err := c.get(ctx, "volume_rank", "/uapi/domestic-stock/v1/quotations/volume-rank", "FHPST01710000", params, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, fmt.Errorf("成交量排行查询被拒绝: rt_cd=%s msg=%s", resp.RtCd, resp.message())
	}

	items := resp.Output
	if len(items) > count {
		items = items[:count]
	}
	ranks := make([]VolumeRank, 0, len(items))
	for i, item := range items {
		code := wireCode(item.MkscShrnIscd)
		price := parseFloat(item.StckPrpr)
		if item.MkscShrnIscd == "" || item.HtsKorIsnm == "" || price <= 0 {
			continue
		}
		ranks = append(ranks, VolumeRank{
			Code:       code,
			Name:       item.HtsKorIsnm,
			Rank:       i + 1,
			Price:      price,
			ChangeRate: parseFloat(item.PrdyCtrt),
			Volume:     parseInt(item.AcmlVol),
			Turnover:   parseInt(item.AcmlTrPbmn),
		})
	}
	c.logger.Info("成交量排行解析完成", zap.Int("count", len(ranks)))
	return ranks, nil
}

// Price 查询单只股票的 REST 现价。
func (c *Client) Price(ctx context.Context, code string) (Quote, error) {
	params := url.Values{
		"FID_COND_MRKT_DIV_CODE": {"J"},
		"FID_INPUT_ISCD":         {wireCode(code)},
	}

	var resp struct {
		envelope
		Output struct {
			StckPrpr string `json:"stck_prpr"`
			StckOprc string `json:"stck_oprc"`
			StckHgpr string `json:"stck_hgpr"`
			StckLwpr string `json:"stck_lwpr"`
			PrdyCtrt string `json:"prdy_ctrt"`
			AcmlVol  string `json:"acml_vol"`
		} `json:"output"`
	}
	if err := c.get(ctx, "inquire_price", "/uapi/domestic-stock/v1/quotations/inquire-price", "FHKST01010100", params, &resp); err != nil {
		return Quote{}, err
	}
	if !resp.ok() {
		return Quote{}, fmt.Errorf("现价查询被拒绝: rt_cd=%s msg=%s", resp.RtCd, resp.message())
	}

	return Quote{
		Price:      parseFloat(resp.Output.StckPrpr),
		Open:       parseFloat(resp.Output.StckOprc),
		High:       parseFloat(resp.Output.StckHgpr),
		Low:        parseFloat(resp.Output.StckLwpr),
		ChangeRate: parseFloat(resp.Output.PrdyCtrt),
		AccVolume:  parseInt(resp.Output.AcmlVol),
	}, nil
}
