package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"kis-scalper/internal/config"
)

// Telegram 通过 Bot API 发送运营通知。bot_token 为空时所有调用
// 直接返回 nil，调用方无需判空。
type Telegram struct {
	cfg    config.TelegramConfig
	http   *http.Client
	logger *zap.Logger

	baseURL string
}

// NewTelegram 创建通知器。
func NewTelegram(cfg config.TelegramConfig, logger *zap.Logger) *Telegram {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Telegram{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// Enabled 报告通知是否已配置。
func (t *Telegram) Enabled() bool {
	return t.cfg.BotToken != "" && t.cfg.ChatID != ""
}

// Send 发送一条文本消息。未配置时为空操作。
func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Enabled() {
		return nil
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.cfg.BotToken)
	form := url.Values{}
	form.Set("chat_id", t.cfg.ChatID)
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: 构造请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: 发送消息失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notify: Telegram 返回 %d: %s", resp.StatusCode, string(body))
	}

	t.logger.Debug("通知已发送", zap.Int("chars", len(text)))
	return nil
}

// SendQuiet 发送消息并把错误降级为日志，供尽力而为的通知路径使用。
func (t *Telegram) SendQuiet(ctx context.Context, text string) {
	if err := t.Send(ctx, text); err != nil {
		t.logger.Warn("通知发送失败", zap.Error(err))
	}
}
