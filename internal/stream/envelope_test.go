package stream

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func legacyFrame(fields []string) string {
	padded := make([]string, legacyMinFields)
	for i := range padded {
		if i < len(fields) {
			padded[i] = fields[i]
		} else {
			padded[i] = "0"
		}
	}
	return "0|H0STCNT0|001|" + strings.Join(padded, "^")
}

func TestDecodeJSONAndLegacyParity(t *testing.T) {
	jsonFrame := `{
		"header": {"tr_id": "H0STCNT0"},
		"body": {
			"rt_cd": "0",
			"output": {
				"MKSC_SHRN_ISCD": "005930",
				"STCK_CNTG_HOUR": "093015",
				"STCK_PRPR": "71500",
				"PRDY_VRSS_SIGN": "2",
				"PRDY_VRSS": "500",
				"PRDY_CTRT": "0.70",
				"STCK_OPRC": "71000",
				"STCK_HGPR": "71600",
				"STCK_LWPR": "70900",
				"ASKP1": "71510",
				"BIDP1": "71490",
				"CNTG_VOL": "35",
				"ACML_VOL": "1234567",
				"ACML_TR_PBMN": "88300000000"
			}
		}
	}`
	legacy := legacyFrame([]string{
		"005930", "093015", "71500", "2", "500", "0.70", "71200",
		"71000", "71600", "70900", "71510", "71490", "35", "1234567", "88300000000",
	})

	fromJSON, err := Decode([]byte(jsonFrame), "H0STCNT0")
	if err != nil {
		t.Fatalf("decode json frame: %v", err)
	}
	fromLegacy, err := Decode([]byte(legacy), "H0STCNT0")
	if err != nil {
		t.Fatalf("decode legacy frame: %v", err)
	}

	if fromJSON.Kind != KindTick || fromLegacy.Kind != KindTick {
		t.Fatalf("expected tick messages, got %v and %v", fromJSON.Kind, fromLegacy.Kind)
	}
	if !reflect.DeepEqual(fromJSON.Tick, fromLegacy.Tick) {
		t.Errorf("formats must decode identically:\njson:   %+v\nlegacy: %+v", fromJSON.Tick, fromLegacy.Tick)
	}
	if fromJSON.Tick.Code != "A005930" {
		t.Errorf("code not normalized: %q", fromJSON.Tick.Code)
	}
	if fromJSON.Tick.Price != 71500 || fromJSON.Tick.ExecVolume != 35 {
		t.Errorf("unexpected tick values: %+v", fromJSON.Tick)
	}
}

func TestDecodeJSONNumericOutput(t *testing.T) {
	// 部分网关将数值字段作为 JSON number 下发
	frame := `{
		"header": {"tr_id": "H0STCNT0"},
		"body": {"output": {"MKSC_SHRN_ISCD": "000660", "STCK_PRPR": 123400, "CNTG_VOL": 10}}
	}`
	msg, err := Decode([]byte(frame), "H0STCNT0")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindTick || msg.Tick.Price != 123400 || msg.Tick.ExecVolume != 10 {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestDecodePingPong(t *testing.T) {
	msg, err := Decode([]byte(`{"header":{"tr_id":"PINGPONG"}}`), "H0STCNT0")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindPingPong {
		t.Errorf("expected pingpong, got %v", msg.Kind)
	}
}

func TestDecodeControlMessage(t *testing.T) {
	frame := `{"header":{"tr_id":"H0STCNT0"},"body":{"rt_cd":"1","msg1":"SUBSCRIBE ERROR"}}`
	msg, err := Decode([]byte(frame), "H0STCNT0")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindControl || msg.Msg != "SUBSCRIBE ERROR" {
		t.Errorf("unexpected message: %+v", msg)
	}
}

func TestDecodeLegacyShortPayload(t *testing.T) {
	frame := "0|H0STCNT0|001|005930^093015^71500"
	if _, err := Decode([]byte(frame), "H0STCNT0"); err == nil {
		t.Error("expected error on short legacy payload")
	}
}

func TestDecodeLegacyOtherTrID(t *testing.T) {
	fields := make([]string, legacyMinFields)
	for i := range fields {
		fields[i] = fmt.Sprintf("%d", i)
	}
	frame := "0|H0STASP0|001|" + strings.Join(fields, "^")
	msg, err := Decode([]byte(frame), "H0STCNT0")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if msg.Kind != KindUnknown {
		t.Errorf("foreign tr_id should be ignored, got %v", msg.Kind)
	}
}
