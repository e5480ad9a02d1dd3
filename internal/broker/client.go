package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kis-scalper/internal/config"
)

const (
	tokenStatusFile    = "token_status.json"
	approvalStatusFile = "websocket_access_key_status.json"
)

// Client 负责与 KIS REST 接口交互，内置同日有效的 token/approval_key
// 缓存与指数退避重试。
type Client struct {
	cfg    config.BrokerConfig
	logger *zap.Logger
	http   *http.Client

	mu               sync.Mutex
	accessToken      string
	tokenIssuedAt    time.Time
	approvalKey      string
	approvalIssuedAt time.Time

	now func() time.Time
}

// credentialStatus 对应磁盘上的凭证状态文件。
type credentialStatus struct {
	AccessToken string `json:"access_token,omitempty"`
	ApprovalKey string `json:"approval_key,omitempty"`
	IssuedAt    int64  `json:"issued_at"`
}

// NewClient 构造 KIS REST 客户端，并尝试从状态文件恢复当日凭证。
func NewClient(cfg config.BrokerConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.CustType == "" {
		cfg.CustType = "P"
	}
	if cfg.StatusDir != "" {
		if err := os.MkdirAll(cfg.StatusDir, 0o755); err != nil {
			return nil, fmt.Errorf("创建凭证状态目录失败: %w", err)
		}
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: cfg.Timeout},
		now:    time.Now,
	}

	if status, ok := c.loadStatus(tokenStatusFile); ok && status.AccessToken != "" {
		c.accessToken = status.AccessToken
		c.tokenIssuedAt = time.Unix(status.IssuedAt, 0)
	}
	if status, ok := c.loadStatus(approvalStatusFile); ok && status.ApprovalKey != "" {
		c.approvalKey = status.ApprovalKey
		c.approvalIssuedAt = time.Unix(status.IssuedAt, 0)
	}

	return c, nil
}

// accountParts 拆分账号为 CANO 与 ACNT_PRDT_CD。
func (c *Client) accountParts() (string, string) {
	acct := strings.ReplaceAll(c.cfg.AccountNo, "-", "")
	if len(acct) < 8 {
		return acct, ""
	}
	return acct[:8], acct[8:]
}

// wireCode 转换为 KIS REST 的 PDNO 形态：去除前缀 A 并左补零到6位。
func wireCode(code string) string {
	code = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(code)), "A")
	for len(code) < 6 {
		code = "0" + code
	}
	return code
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func (c *Client) statusPath(name string) string {
	if c.cfg.StatusDir == "" {
		return name
	}
	return filepath.Join(c.cfg.StatusDir, name)
}

func (c *Client) loadStatus(name string) (credentialStatus, bool) {
	raw, err := os.ReadFile(c.statusPath(name))
	if err != nil {
		return credentialStatus{}, false
	}
	var status credentialStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		c.logger.Warn("凭证状态文件解析失败",
			zap.String("file", name),
			zap.Error(err),
		)
		return credentialStatus{}, false
	}
	return status, true
}

func (c *Client) saveStatus(name string, status credentialStatus) {
	raw, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := os.WriteFile(c.statusPath(name), raw, 0o600); err != nil {
		c.logger.Warn("凭证状态文件写入失败",
			zap.String("file", name),
			zap.Error(err),
		)
	}
}

// EnsureToken 保证持有当日签发的 access_token，过期则重新签发。
func (c *Client) EnsureToken(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureTokenLocked(ctx)
}

func (c *Client) ensureTokenLocked(ctx context.Context) error {
	if c.accessToken != "" && sameDay(c.tokenIssuedAt, c.now()) {
		return nil
	}
	if c.accessToken != "" {
		c.logger.Warn("access_token 非当日签发，重新认证",
			zap.Time("issued_at", c.tokenIssuedAt),
		)
	}
	return c.authenticateLocked(ctx)
}

func (c *Client) authenticateLocked(ctx context.Context) error {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"appsecret":  c.cfg.AppSecret,
	}

	var resp struct {
		AccessToken string `json:"access_token"`
		Msg1        string `json:"msg1"`
	}
	if err := c.post(ctx, "oauth_token", "/oauth2/tokenP", nil, body, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if resp.AccessToken == "" {
		return fmt.Errorf("%w: 响应缺少 access_token: %s", ErrAuth, resp.Msg1)
	}

	c.accessToken = resp.AccessToken
	c.tokenIssuedAt = c.now()
	c.saveStatus(tokenStatusFile, credentialStatus{
		AccessToken: c.accessToken,
		IssuedAt:    c.tokenIssuedAt.Unix(),
	})
	c.logger.Info("access_token 签发成功并已落盘")
	return nil
}

// ApprovalKey 返回当日有效的 WebSocket 接入密钥，必要时重新签发。
func (c *Client) ApprovalKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approvalKey != "" && sameDay(c.approvalIssuedAt, c.now()) {
		return c.approvalKey, nil
	}
	return c.refreshApprovalLocked(ctx)
}

// RefreshApprovalKey 无条件重新签发 approval_key，重连端在连续失败时调用。
func (c *Client) RefreshApprovalKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshApprovalLocked(ctx)
}

func (c *Client) refreshApprovalLocked(ctx context.Context) (string, error) {
	body := map[string]string{
		"grant_type": "client_credentials",
		"appkey":     c.cfg.AppKey,
		"secretkey":  c.cfg.AppSecret,
	}

	var resp struct {
		ApprovalKey string `json:"approval_key"`
		Msg1        string `json:"msg1"`
	}
	if err := c.post(ctx, "oauth_approval", "/oauth2/Approval", nil, body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if resp.ApprovalKey == "" {
		return "", fmt.Errorf("%w: 响应缺少 approval_key: %s", ErrAuth, resp.Msg1)
	}

	c.approvalKey = resp.ApprovalKey
	c.approvalIssuedAt = c.now()
	c.saveStatus(approvalStatusFile, credentialStatus{
		ApprovalKey: c.approvalKey,
		IssuedAt:    c.approvalIssuedAt.Unix(),
	})
	c.logger.Info("approval_key 签发成功并已落盘",
		zap.String("key_prefix", maskKey(c.approvalKey)),
	)
	return c.approvalKey, nil
}

// get 发送带业务 tr_id 的 GET 请求。
func (c *Client) get(ctx context.Context, operation, path, trID string, params url.Values, out any) error {
	return c.call(ctx, operation, http.MethodGet, path, trID, params, nil, out, true)
}

// postOrder 发送带业务 tr_id 的 POST 请求（下单/撤单）。
func (c *Client) postOrder(ctx context.Context, operation, path, trID string, body any, out any) error {
	return c.call(ctx, operation, http.MethodPost, path, trID, nil, body, out, true)
}

// post 发送认证类 POST 请求，不带 token。
func (c *Client) post(ctx context.Context, operation, path string, params url.Values, body any, out any) error {
	return c.call(ctx, operation, http.MethodPost, path, "", params, body, out, false)
}

func (c *Client) call(ctx context.Context, operation, method, path, trID string, params url.Values, body any, out any, withToken bool) error {
	if withToken {
		c.mu.Lock()
		err := c.ensureTokenLocked(ctx)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}

	return c.callWithRetry(ctx, operation, func() error {
		return c.doOnce(ctx, method, path, trID, params, body, out, withToken)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path, trID string, params url.Values, body any, out any, withToken bool) error {
	endpoint := c.cfg.BaseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("编码请求体失败: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}

	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	req.Header.Set("appKey", c.cfg.AppKey)
	req.Header.Set("appSecret", c.cfg.AppSecret)
	req.Header.Set("custtype", c.cfg.CustType)
	if trID != "" {
		req.Header.Set("tr_id", trID)
	}
	if withToken {
		c.mu.Lock()
		token := c.accessToken
		c.mu.Unlock()
		req.Header.Set("authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("读取响应失败: %w", err)
	}

	if resp.StatusCode >= 400 {
		return &statusError{status: resp.StatusCode, body: shorten(string(raw), 400)}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("解析响应 JSON 失败: %w (body=%s)", err, shorten(string(raw), 400))
		}
	}
	return nil
}

// callWithRetry 对可重试错误做指数退避，节奏与上限由 Retry 配置控制。
func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("接口调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		if !IsRetryable(err) || attempt >= maxAttempts {
			c.logger.Error("接口调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(err),
			)
			return err
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}
		c.logger.Warn("接口调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "***"
	}
	return key[:8] + "..."
}

func shorten(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
