package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Agents     []AgentConfig    `mapstructure:"agents"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Risk       RiskConfig       `mapstructure:"risk"`
	DataSource DataSourceConfig `mapstructure:"datasource"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Calendar   CalendarConfig   `mapstructure:"calendar"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Alert      AlertConfig      `mapstructure:"alert"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// AgentConfig 描述单个交易代理。
type AgentConfig struct {
	ID          string      `mapstructure:"id"`
	Type        string      `mapstructure:"type"`
	Model       string      `mapstructure:"model"`
	Enabled     bool        `mapstructure:"enabled"`
	InitialCash float64     `mapstructure:"initial_cash"`
	Symbols     []string    `mapstructure:"symbols"`
	Risk        *RiskConfig `mapstructure:"risk"`
}

// OracleConfig 描述决策模型调用参数。
type OracleConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Model    string        `mapstructure:"model"`
	Timeout  time.Duration `mapstructure:"timeout"`
	MaxSteps int           `mapstructure:"max_steps"`
}

// RiskConfig 管理风控参数。
type RiskConfig struct {
	MaxSinglePositionRatio float64 `mapstructure:"max_single_position_ratio"`
	MinCashReserve         float64 `mapstructure:"min_cash_reserve"`
	MaxDailyLossRatio      float64 `mapstructure:"max_daily_loss_ratio"`
	StopLossRatio          float64 `mapstructure:"stop_loss_ratio"`
	EnableStopLoss         bool    `mapstructure:"enable_stop_loss"`
	AllowNegativeCash      bool    `mapstructure:"allow_negative_cash"`
}

// DataSourceConfig 控制行情数据来源。
type DataSourceConfig struct {
	Mode        string        `mapstructure:"mode"` // historical | live
	DataDir     string        `mapstructure:"data_dir"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	RateLimit   float64       `mapstructure:"rate_limit"` // 每秒请求数，0 表示不限
}

// BrokerConfig 描述订单执行端配置。
type BrokerConfig struct {
	Mode        string        `mapstructure:"mode"` // simulated | ccxt
	Name        string        `mapstructure:"name"`
	APIKey      string        `mapstructure:"api_key"`
	APISecret   string        `mapstructure:"api_secret"`
	APIPass     string        `mapstructure:"api_password"`
	UseSandbox  bool          `mapstructure:"use_sandbox"`
	FillTimeout time.Duration `mapstructure:"fill_timeout"`
}

// LedgerConfig 控制账本行为。
type LedgerConfig struct {
	ReconcilePolicy string `mapstructure:"reconcile_policy"` // ledger_first | broker_first
}

// CalendarConfig 提供各市场的休市日列表。
type CalendarConfig struct {
	Holidays map[string][]string `mapstructure:"holidays"`
}

// SchedulerConfig 控制调度循环。
type SchedulerConfig struct {
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	Tolerance      time.Duration `mapstructure:"tolerance"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	SessionCeiling time.Duration `mapstructure:"session_ceiling"`
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
	ServiceName      string   `mapstructure:"service_name"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控事件服务。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AlertConfig 控制告警通道。
type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MergedRisk 返回该代理生效的风控参数（代理级覆盖全局默认，零值回落）。
func (a AgentConfig) MergedRisk(base RiskConfig) RiskConfig {
	if a.Risk == nil {
		return base
	}
	merged := *a.Risk
	if merged.MaxSinglePositionRatio == 0 {
		merged.MaxSinglePositionRatio = base.MaxSinglePositionRatio
	}
	if merged.MinCashReserve == 0 {
		merged.MinCashReserve = base.MinCashReserve
	}
	if merged.MaxDailyLossRatio == 0 {
		merged.MaxDailyLossRatio = base.MaxDailyLossRatio
	}
	if merged.StopLossRatio == 0 {
		merged.StopLossRatio = base.StopLossRatio
	}
	return merged
}

func validateRisk(prefix string, r RiskConfig) error {
	var err error
	if r.MaxSinglePositionRatio <= 0 || r.MaxSinglePositionRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("%s.max_single_position_ratio 必须位于(0,1]", prefix))
	}
	if r.MinCashReserve < 0 {
		err = multierr.Append(err, fmt.Errorf("%s.min_cash_reserve 不能为负", prefix))
	}
	if r.MaxDailyLossRatio <= 0 || r.MaxDailyLossRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("%s.max_daily_loss_ratio 必须位于(0,1]", prefix))
	}
	if r.EnableStopLoss && (r.StopLossRatio <= 0 || r.StopLossRatio > 1) {
		err = multierr.Append(err, fmt.Errorf("%s.stop_loss_ratio 必须位于(0,1]", prefix))
	}
	return err
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}

	if len(c.Agents) == 0 {
		err = multierr.Append(err, errors.New("agents 至少需要配置一个代理"))
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for i, agent := range c.Agents {
		if agent.ID == "" {
			err = multierr.Append(err, fmt.Errorf("agents[%d].id 不能为空", i))
			continue
		}
		if _, dup := seen[agent.ID]; dup {
			err = multierr.Append(err, fmt.Errorf("agents[%d].id %q 重复", i, agent.ID))
		}
		seen[agent.ID] = struct{}{}
		if agent.Type == "" {
			err = multierr.Append(err, fmt.Errorf("agents[%d].type 不能为空", i))
		}
		if agent.InitialCash < 0 {
			err = multierr.Append(err, fmt.Errorf("agents[%d].initial_cash 不能为负", i))
		}
		if agent.Risk != nil {
			err = multierr.Append(err, validateRisk(fmt.Sprintf("agents[%d].risk", i), agent.MergedRisk(c.Risk)))
		}
	}

	if c.Oracle.APIKey == "" {
		err = multierr.Append(err, errors.New("oracle.api_key 不能为空"))
	}
	if c.Oracle.Model == "" {
		err = multierr.Append(err, errors.New("oracle.model 不能为空"))
	}
	if c.Oracle.Timeout <= 0 {
		err = multierr.Append(err, errors.New("oracle.timeout 必须大于0"))
	}
	if c.Oracle.MaxSteps <= 0 {
		err = multierr.Append(err, errors.New("oracle.max_steps 必须大于0"))
	}

	err = multierr.Append(err, validateRisk("risk", c.Risk))

	switch c.DataSource.Mode {
	case "historical", "live":
	default:
		err = multierr.Append(err, fmt.Errorf("datasource.mode 取值非法: %q", c.DataSource.Mode))
	}
	if c.DataSource.Mode == "historical" && c.DataSource.DataDir == "" {
		err = multierr.Append(err, errors.New("datasource.data_dir 不能为空 (historical 模式)"))
	}
	if c.DataSource.Timeout <= 0 {
		err = multierr.Append(err, errors.New("datasource.timeout 必须大于0"))
	}
	if c.DataSource.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("datasource.max_attempts 必须大于0"))
	}
	if c.DataSource.CacheTTL < 0 {
		err = multierr.Append(err, errors.New("datasource.cache_ttl 不能为负"))
	}

	switch c.Broker.Mode {
	case "simulated", "ccxt":
	default:
		err = multierr.Append(err, fmt.Errorf("broker.mode 取值非法: %q", c.Broker.Mode))
	}
	if strings.EqualFold(c.Broker.Mode, "ccxt") {
		if c.Broker.Name == "" {
			err = multierr.Append(err, errors.New("broker.name 不能为空 (ccxt 模式)"))
		}
		if c.Broker.APIKey == "" || c.Broker.APISecret == "" {
			err = multierr.Append(err, errors.New("ccxt 交易需要配置 api_key 与 api_secret"))
		}
	}
	if c.Broker.FillTimeout <= 0 {
		err = multierr.Append(err, errors.New("broker.fill_timeout 必须大于0"))
	}

	switch c.Ledger.ReconcilePolicy {
	case "ledger_first", "broker_first":
	default:
		err = multierr.Append(err, fmt.Errorf("ledger.reconcile_policy 取值非法: %q", c.Ledger.ReconcilePolicy))
	}

	if c.Scheduler.TickInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.tick_interval 必须大于0"))
	}
	if c.Scheduler.Tolerance <= 0 {
		err = multierr.Append(err, errors.New("scheduler.tolerance 必须大于0"))
	}
	if c.Scheduler.MaxRetries < 0 {
		err = multierr.Append(err, errors.New("scheduler.max_retries 不能为负"))
	}
	if c.Scheduler.MaxRetries > 0 && c.Scheduler.RetryBaseDelay <= 0 {
		err = multierr.Append(err, errors.New("scheduler.retry_base_delay 必须大于0"))
	}
	if c.Scheduler.SessionCeiling <= 0 {
		err = multierr.Append(err, errors.New("scheduler.session_ceiling 必须大于0"))
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
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
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

	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于[1,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
