package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrAuth 表示认证（token/approval_key 签发）失败。
	ErrAuth = errors.New("broker authentication failed")
)

// statusError 表示带 HTTP 状态码的请求失败。
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.status, e.body)
}

// IsRetryable 判断错误是否可重试：网络错误与 429/5xx 可重试，
// 上下文取消与业务类失败不可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.status == 429 || se.status >= 500
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
