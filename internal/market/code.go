package market

import "strings"

// NormalizeCode 将任意形态的股票代码归一化为内部标准形态 A+6位数字，
// 缓存键、订阅集合与台账统一使用该形态。
func NormalizeCode(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	s = strings.NewReplacer("-", "", ".", "").Replace(s)
	s = strings.TrimPrefix(s, "A")
	for len(s) < 6 {
		s = "0" + s
	}
	return "A" + s
}
