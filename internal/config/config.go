package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "kscalp"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("broker.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("broker.custtype", "P")
	v.SetDefault("broker.status_dir", "data/status")
	v.SetDefault("broker.timeout", "20s")
	v.SetDefault("broker.retry.max_attempts", 3)
	v.SetDefault("broker.retry.min_delay", "500ms")
	v.SetDefault("broker.retry.max_delay", "5s")

	v.SetDefault("stream.url", "ws://ops.koreainvestment.com:21000/ws")
	v.SetDefault("stream.tr_id", "H0STCNT0")
	v.SetDefault("stream.ping_interval", "25s")
	v.SetDefault("stream.reconnect_base", "10s")
	v.SetDefault("stream.reconnect_cap", "5m")
	v.SetDefault("stream.max_reconnect_tries", 0)
	v.SetDefault("stream.max_subscriptions", 40)
	v.SetDefault("stream.connect_timeout", "15s")

	v.SetDefault("cache.window", "120s")
	v.SetDefault("cache.max_points", 2000)
	v.SetDefault("cache.candle_intervals", []int{1, 3, 5, 10})
	v.SetDefault("cache.max_candles", 480)

	v.SetDefault("trading.min_turnover", 10_000_000_000)
	v.SetDefault("trading.max_spread_pct", 0.0015)
	v.SetDefault("trading.exclude_keywords", []string{
		"KODEX", "TIGER", "ARIRANG", "HANARO", "KBSTAR", "KOSEF", "인버스", "레버리지",
	})
	v.SetDefault("trading.top_n_buy", 5)
	v.SetDefault("trading.softmax_tau", 10.0)
	v.SetDefault("trading.weight_min", 0.10)
	v.SetDefault("trading.weight_max", 0.35)
	v.SetDefault("trading.min_profit_pct_sell", 0.001)
	v.SetDefault("trading.trail_drop_pct_sell", 0.004)
	v.SetDefault("trading.hard_stop_from_avg_ratio", 0.97)
	v.SetDefault("trading.early_session_hard_stop_ratio", 0.98)
	v.SetDefault("trading.early_session_end_time", "09:05")
	v.SetDefault("trading.open_fail_drop_ratio", 0.99)
	v.SetDefault("trading.screen_interval", "5m")
	v.SetDefault("trading.min_order_cash", 10_000)

	v.SetDefault("risk.stop_loss_pct", 0.8)
	v.SetDefault("risk.take_profit_pct", 1.2)
	v.SetDefault("risk.trailing_stop_pct", 0.3)
	v.SetDefault("risk.trailing_arm_pct", 0.5)
	v.SetDefault("risk.max_hold_time", "15m")
	v.SetDefault("risk.max_positions", 5)
	v.SetDefault("risk.max_daily_loss_pct", 5.0)

	v.SetDefault("execution.fast_poll_window", "5s")
	v.SetDefault("execution.max_wait", "30s")
	v.SetDefault("execution.poll_interval", "1s")

	v.SetDefault("database.path", "data/kis_scalper.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("telegram.timeout", "10s")

	v.SetDefault("bootstrap.candle_file", "")
	v.SetDefault("bootstrap.tick_file", "")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
