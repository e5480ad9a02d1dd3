package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// BrokerConfig 描述 KIS REST 接口的认证与调用参数。
type BrokerConfig struct {
	AppKey    string        `mapstructure:"app_key"`
	AppSecret string        `mapstructure:"app_secret"`
	AccountNo string        `mapstructure:"account_no"`
	BaseURL   string        `mapstructure:"base_url"`
	CustType  string        `mapstructure:"custtype"`
	StatusDir string        `mapstructure:"status_dir"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Retry     RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// StreamConfig 描述实时行情 WebSocket 连接参数。
type StreamConfig struct {
	URL               string        `mapstructure:"url"`
	TrID              string        `mapstructure:"tr_id"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReconnectBase     time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap      time.Duration `mapstructure:"reconnect_cap"`
	MaxReconnectTries int           `mapstructure:"max_reconnect_tries"`
	MaxSubscriptions  int           `mapstructure:"max_subscriptions"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
}

// CacheConfig 控制行情缓存的窗口与容量。
type CacheConfig struct {
	Window          time.Duration `mapstructure:"window"`
	MaxPoints       int           `mapstructure:"max_points"`
	CandleIntervals []int         `mapstructure:"candle_intervals"`
	MaxCandles      int           `mapstructure:"max_candles"`
}

// TradingConfig 管理筛选与买卖节奏参数。
type TradingConfig struct {
	MinTurnover        int64         `mapstructure:"min_turnover"`
	MaxSpreadPct       float64       `mapstructure:"max_spread_pct"`
	ExcludeKeywords    []string      `mapstructure:"exclude_keywords"`
	TopNBuy            int           `mapstructure:"top_n_buy"`
	SoftmaxTau         float64       `mapstructure:"softmax_tau"`
	WeightMin          float64       `mapstructure:"weight_min"`
	WeightMax          float64       `mapstructure:"weight_max"`
	MinProfitPctSell   float64       `mapstructure:"min_profit_pct_sell"`
	TrailDropPctSell   float64       `mapstructure:"trail_drop_pct_sell"`
	HardStopRatio      float64       `mapstructure:"hard_stop_from_avg_ratio"`
	EarlyHardStopRatio float64       `mapstructure:"early_session_hard_stop_ratio"`
	EarlySessionEnd    string        `mapstructure:"early_session_end_time"`
	OpenFailDropRatio  float64       `mapstructure:"open_fail_drop_ratio"`
	ScreenInterval     time.Duration `mapstructure:"screen_interval"`
	MinOrderCash       int64         `mapstructure:"min_order_cash"`
}

// RiskConfig 管理单仓位风控参数。
type RiskConfig struct {
	StopLossPct     float64       `mapstructure:"stop_loss_pct"`
	TakeProfitPct   float64       `mapstructure:"take_profit_pct"`
	TrailingStopPct float64       `mapstructure:"trailing_stop_pct"`
	TrailingArmPct  float64       `mapstructure:"trailing_arm_pct"`
	MaxHoldTime     time.Duration `mapstructure:"max_hold_time"`
	MaxPositions    int           `mapstructure:"max_positions"`
	MaxDailyLossPct float64       `mapstructure:"max_daily_loss_pct"`
}

// ExecutionConfig 控制限价转市价下单协议的时间窗口。
type ExecutionConfig struct {
	FastPollWindow time.Duration `mapstructure:"fast_poll_window"`
	MaxWait        time.Duration `mapstructure:"max_wait"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// TelegramConfig 控制运营通知，bot_token 留空则关闭通知。
type TelegramConfig struct {
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// BootstrapConfig 指定冷启动时加载的历史数据文件，缺失文件按冷启动处理。
type BootstrapConfig struct {
	CandleFile string `mapstructure:"candle_file"`
	TickFile   string `mapstructure:"tick_file"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Broker.AppKey == "" || c.Broker.AppSecret == "" {
		err = multierr.Append(err, errors.New("broker.app_key 与 broker.app_secret 不能为空"))
	}
	if len(c.Broker.AccountNo) < 10 {
		err = multierr.Append(err, errors.New("broker.account_no 必须为10位账号"))
	}
	if c.Broker.BaseURL == "" {
		err = multierr.Append(err, errors.New("broker.base_url 不能为空"))
	}
	if c.Broker.Timeout <= 0 {
		err = multierr.Append(err, errors.New("broker.timeout 必须大于0"))
	}
	if c.Broker.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.max_attempts 必须大于0"))
	}
	if c.Broker.Retry.MinDelay <= 0 || c.Broker.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("broker.retry.delay 必须为正"))
	}
	if c.Broker.Retry.MinDelay > c.Broker.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("broker.retry.min_delay 不能大于 max_delay"))
	}
	if c.Stream.URL == "" {
		err = multierr.Append(err, errors.New("stream.url 不能为空"))
	}
	if c.Stream.TrID == "" {
		err = multierr.Append(err, errors.New("stream.tr_id 不能为空"))
	}
	if c.Stream.PingInterval <= 0 {
		err = multierr.Append(err, errors.New("stream.ping_interval 必须大于0"))
	}
	if c.Stream.ReconnectBase <= 0 || c.Stream.ReconnectCap < c.Stream.ReconnectBase {
		err = multierr.Append(err, errors.New("stream.reconnect_base/reconnect_cap 非法"))
	}
	if c.Stream.MaxSubscriptions <= 0 {
		err = multierr.Append(err, errors.New("stream.max_subscriptions 必须大于0"))
	}
	if c.Cache.Window <= 0 {
		err = multierr.Append(err, errors.New("cache.window 必须大于0"))
	}
	if c.Cache.MaxPoints <= 0 {
		err = multierr.Append(err, errors.New("cache.max_points 必须大于0"))
	}
	if len(c.Cache.CandleIntervals) == 0 {
		err = multierr.Append(err, errors.New("cache.candle_intervals 至少包含一个周期"))
	}
	for _, interval := range c.Cache.CandleIntervals {
		if interval <= 0 {
			err = multierr.Append(err, fmt.Errorf("cache.candle_intervals 含非法周期 %d", interval))
		}
	}
	if c.Cache.MaxCandles <= 0 {
		err = multierr.Append(err, errors.New("cache.max_candles 必须大于0"))
	}
	if c.Trading.TopNBuy <= 0 {
		err = multierr.Append(err, errors.New("trading.top_n_buy 必须大于0"))
	}
	if c.Trading.SoftmaxTau <= 0 {
		err = multierr.Append(err, errors.New("trading.softmax_tau 必须大于0"))
	}
	if c.Trading.WeightMin < 0 || c.Trading.WeightMax <= 0 || c.Trading.WeightMin >= c.Trading.WeightMax {
		err = multierr.Append(err, errors.New("trading.weight_min/weight_max 必须满足 0<=min<max"))
	}
	if c.Trading.ScreenInterval <= 0 {
		err = multierr.Append(err, errors.New("trading.screen_interval 必须大于0"))
	}
	if _, parseErr := time.Parse("15:04", c.Trading.EarlySessionEnd); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("trading.early_session_end_time 格式应为 HH:MM: %w", parseErr))
	}
	if c.Risk.MaxPositions <= 0 {
		err = multierr.Append(err, errors.New("risk.max_positions 必须大于0"))
	}
	if c.Risk.MaxHoldTime <= 0 {
		err = multierr.Append(err, errors.New("risk.max_hold_time 必须大于0"))
	}
	if c.Execution.FastPollWindow <= 0 || c.Execution.MaxWait <= 0 || c.Execution.PollInterval <= 0 {
		err = multierr.Append(err, errors.New("execution 的时间窗口必须均为正"))
	}
	if c.Execution.FastPollWindow > c.Execution.MaxWait {
		err = multierr.Append(err, errors.New("execution.fast_poll_window 不能大于 max_wait"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == "" {
		err = multierr.Append(err, errors.New("telegram.chat_id 在配置 bot_token 时不能为空"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
