package stream

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"kis-scalper/internal/market"
)

// MessageKind 区分 WebSocket 帧的业务类型。
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindTick
	KindPingPong
	KindControl
)

// Message 是一帧解码结果。Kind 为 KindTick 时 Tick 有效，
// KindControl 时 Msg 携带服务端的应答说明。
type Message struct {
	Kind MessageKind
	TrID string
	Tick market.Tick
	Msg  string
}

// legacyMinFields 是管道/插入符旧格式要求的最少字段数，
// 与官方实时体结字段表对齐。
const legacyMinFields = 50

type jsonEnvelope struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
	Body struct {
		RtCd   string         `json:"rt_cd"`
		Msg1   string         `json:"msg1"`
		Output map[string]any `json:"output"`
	} `json:"body"`
}

// Decode 解析一帧原始消息。JSON 信封与旧式 管道|插入符 格式
// 必须解码出完全一致的归一化 Tick。
func Decode(raw []byte, tickTrID string) (Message, error) {
	if len(raw) == 0 {
		return Message{}, fmt.Errorf("空消息")
	}

	switch raw[0] {
	case '{':
		return decodeJSON(raw, tickTrID)
	case '0', '1':
		return decodeLegacy(string(raw), tickTrID)
	default:
		return Message{Kind: KindUnknown}, nil
	}
}

func decodeJSON(raw []byte, tickTrID string) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("解析 JSON 信封失败: %w", err)
	}

	trID := env.Header.TrID
	switch {
	case trID == "PINGPONG":
		return Message{Kind: KindPingPong, TrID: trID}, nil
	case trID == tickTrID:
		out := env.Body.Output
		code := fieldStr(out, "MKSC_SHRN_ISCD")
		if code == "" {
			return Message{Kind: KindControl, TrID: trID, Msg: env.Body.Msg1}, nil
		}
		return Message{Kind: KindTick, TrID: trID, Tick: tickFromFields(
			code,
			fieldStr(out, "STCK_CNTG_HOUR"),
			fieldFloat(out, "STCK_PRPR"),
			fieldStr(out, "PRDY_VRSS_SIGN"),
			fieldFloat(out, "PRDY_VRSS"),
			fieldFloat(out, "PRDY_CTRT"),
			fieldFloat(out, "STCK_OPRC"),
			fieldFloat(out, "STCK_HGPR"),
			fieldFloat(out, "STCK_LWPR"),
			fieldFloat(out, "ASKP1"),
			fieldFloat(out, "BIDP1"),
			fieldFloat(out, "CNTG_VOL"),
			fieldFloat(out, "ACML_VOL"),
			fieldFloat(out, "ACML_TR_PBMN"),
		)}, nil
	default:
		return Message{Kind: KindControl, TrID: trID, Msg: env.Body.Msg1}, nil
	}
}

func decodeLegacy(raw, tickTrID string) (Message, error) {
	parts := strings.Split(raw, "|")
	if len(parts) < 4 {
		return Message{}, fmt.Errorf("旧格式头部字段不足: %d", len(parts))
	}
	trID := parts[1]
	if trID != tickTrID {
		return Message{Kind: KindUnknown, TrID: trID}, nil
	}

	fields := strings.Split(parts[3], "^")
	if len(fields) < legacyMinFields {
		return Message{}, fmt.Errorf("旧格式数据字段不足: %d", len(fields))
	}

	return Message{Kind: KindTick, TrID: trID, Tick: tickFromFields(
		fields[0],
		fields[1],
		legacyFloat(fields[2]),
		fields[3],
		legacyFloat(fields[4]),
		legacyFloat(fields[5]),
		legacyFloat(fields[7]),
		legacyFloat(fields[8]),
		legacyFloat(fields[9]),
		legacyFloat(fields[10]),
		legacyFloat(fields[11]),
		legacyFloat(fields[12]),
		legacyFloat(fields[13]),
		legacyFloat(fields[14]),
	)}, nil
}

func tickFromFields(code, execTime string, price float64, changeSign string, change, changeRate, open, high, low, ask1, bid1, execVol, accVol, accAmount float64) market.Tick {
	return market.Tick{
		Code:       market.NormalizeCode(code),
		ExecTime:   execTime,
		Price:      price,
		ChangeSign: changeSign,
		Change:     change,
		ChangeRate: changeRate,
		Open:       open,
		High:       high,
		Low:        low,
		AskPrice1:  ask1,
		BidPrice1:  bid1,
		ExecVolume: execVol,
		AccVolume:  accVol,
		AccAmount:  accAmount,
	}
}

func fieldStr(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func fieldFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		return legacyFloat(v)
	default:
		return 0
	}
}

func legacyFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
