package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "trader"
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

	v.SetDefault("oracle.base_url", "https://api.openai.com/v1")
	v.SetDefault("oracle.model", "gpt-4.1")
	v.SetDefault("oracle.timeout", "120s")
	v.SetDefault("oracle.max_steps", 30)

	v.SetDefault("risk.max_single_position_ratio", 0.30)
	v.SetDefault("risk.min_cash_reserve", 0.0)
	v.SetDefault("risk.max_daily_loss_ratio", 0.05)
	v.SetDefault("risk.stop_loss_ratio", 0.10)
	v.SetDefault("risk.enable_stop_loss", false)
	v.SetDefault("risk.allow_negative_cash", false)

	v.SetDefault("datasource.mode", "historical")
	v.SetDefault("datasource.data_dir", "data/market")
	v.SetDefault("datasource.timeout", "10s")
	v.SetDefault("datasource.max_attempts", 3)
	v.SetDefault("datasource.cache_ttl", "60s")
	v.SetDefault("datasource.rate_limit", 5)

	v.SetDefault("broker.mode", "simulated")
	v.SetDefault("broker.name", "binance")
	v.SetDefault("broker.use_sandbox", false)
	v.SetDefault("broker.fill_timeout", "60s")

	v.SetDefault("ledger.reconcile_policy", "ledger_first")

	v.SetDefault("scheduler.tick_interval", "1m")
	v.SetDefault("scheduler.tolerance", "60s")
	v.SetDefault("scheduler.max_retries", 3)
	v.SetDefault("scheduler.retry_base_delay", "30s")
	v.SetDefault("scheduler.session_ceiling", "10m")

	v.SetDefault("database.path", "data/ai_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.service_name", "ai-trader")
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8090)

	v.SetDefault("alert.webhook_url", "")
	v.SetDefault("alert.timeout", "5s")
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
