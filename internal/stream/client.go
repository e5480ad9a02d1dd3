package stream

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"kis-scalper/internal/config"
	"kis-scalper/internal/market"
)

// State 是连接生命周期的显式状态。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// CredentialSource 提供 WebSocket 接入密钥，由 broker.Client 实现。
type CredentialSource interface {
	ApprovalKey(ctx context.Context) (string, error)
	RefreshApprovalKey(ctx context.Context) (string, error)
}

// TickSink 消费归一化后的实时 Tick，由 market.Cache 实现。
type TickSink interface {
	UpdateTick(code string, tick market.Tick)
}

// Client 维护 KIS 实时行情 WebSocket 连接：指数退避重连、
// 每连续5次失败刷新接入密钥、断线期间的订阅挂起与重放、
// 心跳与本地订阅上限。
type Client struct {
	cfg    config.StreamConfig
	creds  CredentialSource
	sink   TickSink
	logger *zap.Logger

	dial func(ctx context.Context, url string) (*websocket.Conn, error)

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	approvalKey string
	subscribed  map[string]struct{}
	pending     map[string]struct{}
	attempts    int
	connected   chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewClient 构造行情流客户端。
func NewClient(cfg config.StreamConfig, creds CredentialSource, sink TickSink, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TrID == "" {
		cfg.TrID = "H0STCNT0"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = 10 * time.Second
	}
	if cfg.ReconnectCap <= 0 {
		cfg.ReconnectCap = 5 * time.Minute
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = 40
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	return &Client{
		cfg:        cfg,
		creds:      creds,
		sink:       sink,
		logger:     logger,
		dial:       defaultDial(cfg.ConnectTimeout),
		subscribed: make(map[string]struct{}),
		pending:    make(map[string]struct{}),
		connected:  make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
}

func defaultDial(timeout time.Duration) func(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: timeout}
	return func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		return conn, err
	}
}

// Start 获取接入密钥并启动连接循环。
func (c *Client) Start(ctx context.Context) error {
	key, err := c.creds.ApprovalKey(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.approvalKey = key
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("行情流启动",
		zap.String("url", c.cfg.URL),
		zap.String("tr_id", c.cfg.TrID),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return nil
}

// Stop 关闭连接并终止重连循环。
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})

	c.mu.Lock()
	c.state = StateStopped
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("行情流已停止")
}

// State 返回当前连接状态。
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// WaitForConnection 等待连接建立，超时返回 false。
func (c *Client) WaitForConnection(timeout time.Duration) bool {
	c.mu.Lock()
	ch := c.connected
	c.mu.Unlock()

	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return false
	case <-c.stopCh:
		return false
	}
}

// Subscribed 返回当前订阅集合的副本。
func (c *Client) Subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.subscribed))
	for code := range c.subscribed {
		out = append(out, code)
	}
	return out
}

// Subscribe 订阅一只股票的实时体结。断线时挂起，连接建立后重放；
// 超出本地上限时拒绝。
func (c *Client) Subscribe(code string) {
	if code == "" {
		return
	}
	code = market.NormalizeCode(code)

	c.mu.Lock()
	if _, ok := c.subscribed[code]; ok {
		c.mu.Unlock()
		return
	}
	if len(c.subscribed)+len(c.pending) >= c.cfg.MaxSubscriptions {
		c.mu.Unlock()
		c.logger.Warn("超过最大订阅数，拒绝订阅",
			zap.String("code", code),
			zap.Int("max", c.cfg.MaxSubscriptions),
		)
		return
	}
	conn := c.conn
	if c.state != StateConnected || conn == nil {
		c.pending[code] = struct{}{}
		c.mu.Unlock()
		return
	}
	msg := c.buildSubMsgLocked(code, true)
	c.mu.Unlock()

	if c.sendJSON(conn, msg) {
		c.mu.Lock()
		c.subscribed[code] = struct{}{}
		count := len(c.subscribed)
		c.mu.Unlock()
		c.logger.Info("订阅成功",
			zap.String("code", code),
			zap.Int("count", count),
			zap.Int("max", c.cfg.MaxSubscriptions),
		)
		return
	}

	// 发送失败按挂起处理，重连后由 onOpen 重放
	c.mu.Lock()
	c.pending[code] = struct{}{}
	c.mu.Unlock()
	c.logger.Warn("订阅消息发送失败，挂起待重连", zap.String("code", code))
}

// Unsubscribe 退订一只股票。断线时仅从本地集合移除。
func (c *Client) Unsubscribe(code string) {
	if code == "" {
		return
	}
	code = market.NormalizeCode(code)

	c.mu.Lock()
	delete(c.pending, code)
	if _, ok := c.subscribed[code]; !ok {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	if c.state != StateConnected || conn == nil {
		delete(c.subscribed, code)
		c.mu.Unlock()
		return
	}
	msg := c.buildSubMsgLocked(code, false)
	c.mu.Unlock()

	if c.sendJSON(conn, msg) {
		c.mu.Lock()
		delete(c.subscribed, code)
		c.mu.Unlock()
		c.logger.Info("退订成功", zap.String("code", code))
	}
}

// buildSubMsgLocked 生成订阅/退订消息，tr_key 去除内部前缀 A。
func (c *Client) buildSubMsgLocked(code string, subscribe bool) map[string]any {
	trType := "1"
	if !subscribe {
		trType = "2"
	}
	return map[string]any{
		"header": map[string]string{
			"approval_key": c.approvalKey,
			"custtype":     "P",
			"tr_type":      trType,
			"content-type": "utf-8",
		},
		"body": map[string]any{
			"input": map[string]string{
				"tr_id":  c.cfg.TrID,
				"tr_key": strings.TrimPrefix(code, "A"),
			},
		},
	}
}

func (c *Client) sendJSON(conn *websocket.Conn, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.logger.Warn("发送消息失败", zap.Error(err))
		return false
	}
	return true
}

// run 是连接主循环：拨号、读帧、断线退避重连，直到停止或达到上限。
func (c *Client) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		conn, err := c.dial(ctx, c.cfg.URL)
		if err != nil {
			c.logger.Error("连接失败", zap.Error(err))
			if !c.backoff(ctx) {
				return
			}
			continue
		}

		c.onOpen(ctx, conn)
		c.readLoop(conn)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		c.state = StateReconnecting
		c.conn = nil
		c.connected = make(chan struct{})
		c.mu.Unlock()

		if !c.backoff(ctx) {
			return
		}
	}
}

// onOpen 在连接建立后重置退避计数、重放挂起订阅并启动心跳。
func (c *Client) onOpen(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.attempts = 0
	replay := make([]string, 0, len(c.subscribed)+len(c.pending))
	for code := range c.subscribed {
		replay = append(replay, code)
		delete(c.subscribed, code)
	}
	for code := range c.pending {
		replay = append(replay, code)
	}
	c.pending = make(map[string]struct{})
	close(c.connected)
	c.mu.Unlock()

	c.logger.Info("WebSocket 连接成功", zap.Int("replay", len(replay)))

	for _, code := range replay {
		c.Subscribe(code)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.heartbeat(ctx, conn)
	}()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.stopCh:
			default:
				c.logger.Warn("连接读取中断", zap.Error(err))
			}
			return
		}
		c.handleMessage(raw)
	}
}

// handleMessage 解码并分发一帧消息，单帧解析失败只记录不中断。
func (c *Client) handleMessage(raw []byte) {
	msg, err := Decode(raw, c.cfg.TrID)
	if err != nil {
		c.logger.Warn("消息解析失败",
			zap.Error(err),
			zap.ByteString("raw", raw),
		)
		return
	}

	switch msg.Kind {
	case KindTick:
		c.sink.UpdateTick(msg.Tick.Code, msg.Tick)
	case KindPingPong:
		// 心跳应答，无需处理
	case KindControl:
		if msg.Msg != "" {
			c.logger.Debug("收到控制应答",
				zap.String("tr_id", msg.TrID),
				zap.String("msg", msg.Msg),
			)
		}
	}
}

func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			current := c.conn
			c.mu.Unlock()
			if current != conn {
				return
			}
			c.sendJSON(conn, map[string]any{
				"header": map[string]string{"tr_id": "PINGPONG"},
			})
		}
	}
}

// backoff 记录一次失败并按指数退避等待。每连续5次失败刷新
// approval_key。返回 false 表示应终止重连。
func (c *Client) backoff(ctx context.Context) bool {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if c.cfg.MaxReconnectTries > 0 && attempt > c.cfg.MaxReconnectTries {
		c.logger.Error("重连次数达到上限，停止重连", zap.Int("attempts", attempt-1))
		c.mu.Lock()
		c.state = StateStopped
		c.mu.Unlock()
		return false
	}

	if attempt%5 == 0 {
		c.logger.Warn("连续重连失败，刷新接入密钥", zap.Int("attempts", attempt))
		if key, err := c.creds.RefreshApprovalKey(ctx); err != nil {
			c.logger.Error("接入密钥刷新失败", zap.Error(err))
		} else {
			c.mu.Lock()
			c.approvalKey = key
			c.mu.Unlock()
		}
	}

	delay := backoffDelay(c.cfg.ReconnectBase, c.cfg.ReconnectCap, attempt)
	c.logger.Info("等待重连",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt),
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// backoffDelay 计算第 attempt 次失败后的等待时长：
// min(base * 2^min(attempt-1, 5), max)。
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	exp := attempt - 1
	if exp > 5 {
		exp = 5
	}
	delay := base * (1 << uint(exp))
	if delay > max {
		delay = max
	}
	return delay
}
