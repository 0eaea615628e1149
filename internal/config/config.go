// Package config 负责解析 CrossFlow 守护进程的启动配置。
// 主配置是一个 JSON 文件；链定义、路由表和桥接通道参数分别放在
// 独立的 YAML 文件里，便于运维在不重启进程的情况下热更新路由表。
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"CrossFlow/internal/bridge"
	"CrossFlow/internal/bridge/cctp"
	"CrossFlow/internal/bridge/cex"
	"CrossFlow/internal/bridge/nativegate"
	"CrossFlow/internal/bridge/relaypool"
)

// EnvConfigPath 指定配置文件路径的环境变量，优先级低于命令行参数。
const EnvConfigPath = "CROSSFLOW_CONFIG"

// Config 描述守护进程启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Ledger   LedgerConfig   `json:"ledger"`
	Chains   ChainsConfig   `json:"chains"`
	Routes   RoutesConfig   `json:"routes"`
	Rails    RailsConfig    `json:"rails"`
	Exchange ExchangeConfig `json:"exchange"`
	History  HistoryConfig  `json:"history"`
	Notify   NotifyConfig   `json:"notify"`
	Alerting AlertingConfig `json:"alerting"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制运维 API 服务的监听地址。
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// LoggingConfig 控制结构化日志与审计日志输出。
type LoggingConfig struct {
	Level        string `json:"level"`
	Format       string `json:"format"`
	AuditEnabled bool   `json:"audit_enabled"`
	AuditPath    string `json:"audit_path"`
}

// LedgerConfig 选择台账后端。driver 为 memory 时仅用于本地调试。
type LedgerConfig struct {
	Driver         string `json:"driver"`
	Address        string `json:"address"`
	Password       string `json:"password"`
	DB             int    `json:"db"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// ChainsConfig 指向链定义 YAML 和签名私钥来源。
// 私钥只从环境变量读取，避免落盘。
type ChainsConfig struct {
	Definitions   string `json:"definitions"`
	PrivateKeyEnv string `json:"private_key_env"`
}

// RoutesConfig 指向路由表 YAML。
type RoutesConfig struct {
	Path string `json:"path"`
}

// RailsConfig 指向桥接通道参数 YAML。
type RailsConfig struct {
	Path string `json:"path"`
}

// ExchangeConfig 描述场外托管通道使用的交易所 API。
type ExchangeConfig struct {
	Enabled        bool           `json:"enabled"`
	BaseURL        string         `json:"base_url"`
	APIKeyEnv      string         `json:"api_key_env"`
	APISecretEnv   string         `json:"api_secret_env"`
	TimeoutSeconds int            `json:"timeout_seconds"`
	Decimals       map[string]int `json:"decimals"`
}

// HistoryConfig 描述已完成转账的 MySQL 归档。
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// NotifyConfig 描述转账事件的 RabbitMQ 发布。
type NotifyConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	Queue   string `json:"queue"`
}

// AlertingConfig 描述严重错误的 webhook 告警。
type AlertingConfig struct {
	Enabled        bool   `json:"enabled"`
	WebhookURL     string `json:"webhook_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// RuntimeConfig 控制调度节奏。
type RuntimeConfig struct {
	IntervalSeconds     int `json:"interval_seconds"`
	CycleTimeoutSeconds int `json:"cycle_timeout_seconds"`
}

// Interval 返回轮询间隔。
func (r RuntimeConfig) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// CycleTimeout 返回单轮超时。
func (r RuntimeConfig) CycleTimeout() time.Duration {
	return time.Duration(r.CycleTimeoutSeconds) * time.Second
}

// Load 解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，
// 相对路径统一基于配置文件所在目录解析。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Address == "" {
		c.Ledger.Address = "127.0.0.1:6379"
	}
	if c.Ledger.TimeoutSeconds <= 0 {
		c.Ledger.TimeoutSeconds = 5
	}

	if c.Chains.PrivateKeyEnv == "" {
		c.Chains.PrivateKeyEnv = "CROSSFLOW_PRIVATE_KEY"
	}
	c.Chains.Definitions = resolvePath(baseDir, c.Chains.Definitions)
	c.Routes.Path = resolvePath(baseDir, c.Routes.Path)
	c.Rails.Path = resolvePath(baseDir, c.Rails.Path)
	c.Logging.AuditPath = resolvePath(baseDir, c.Logging.AuditPath)

	if c.Exchange.TimeoutSeconds <= 0 {
		c.Exchange.TimeoutSeconds = 10
	}
	if c.Notify.Queue == "" {
		c.Notify.Queue = "crossflow.transfers"
	}

	if c.Runtime.IntervalSeconds <= 0 {
		c.Runtime.IntervalSeconds = 60
	}
	if c.Runtime.CycleTimeoutSeconds <= 0 {
		c.Runtime.CycleTimeoutSeconds = c.Runtime.IntervalSeconds
	}
}

func resolvePath(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// routeEntry 是路由表里的一条记录。金额以十进制字符串表示，
// 避免 YAML 整数精度问题。
type routeEntry struct {
	Origin      uint64   `yaml:"origin"`
	Destination uint64   `yaml:"destination"`
	Asset       string   `yaml:"asset"`
	Maximum     string   `yaml:"maximum"`
	Reserve     string   `yaml:"reserve"`
	Preferences []string `yaml:"preferences"`
	Slippage    []uint64 `yaml:"slippage"`
}

type routeTable struct {
	Routes []routeEntry `yaml:"routes"`
}

// LoadRoutes 解析路由表 YAML 并做完整性校验。
func LoadRoutes(path string) ([]bridge.RouteConfig, error) {
	if path == "" {
		return nil, errors.New("路由表路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取路由表失败: %w", err)
	}
	var table routeTable
	if err := yaml.Unmarshal(content, &table); err != nil {
		return nil, fmt.Errorf("解析路由表失败: %w", err)
	}

	configs := make([]bridge.RouteConfig, 0, len(table.Routes))
	for i, entry := range table.Routes {
		if entry.Origin == 0 || entry.Destination == 0 {
			return nil, fmt.Errorf("路由 #%d 缺少链 ID", i)
		}
		if entry.Origin == entry.Destination {
			return nil, fmt.Errorf("路由 #%d 的源链与目的链相同", i)
		}
		if entry.Asset == "" {
			return nil, fmt.Errorf("路由 #%d 缺少资产", i)
		}
		if len(entry.Preferences) == 0 {
			return nil, fmt.Errorf("路由 #%d 缺少桥接首选项", i)
		}
		maximum, err := parseAmount(entry.Maximum)
		if err != nil {
			return nil, fmt.Errorf("路由 #%d 的 maximum 非法: %w", i, err)
		}
		reserve, err := parseAmount(entry.Reserve)
		if err != nil {
			return nil, fmt.Errorf("路由 #%d 的 reserve 非法: %w", i, err)
		}
		configs = append(configs, bridge.RouteConfig{
			Route: bridge.Route{
				Origin:      entry.Origin,
				Destination: entry.Destination,
				Asset:       entry.Asset,
			},
			Maximum:     maximum,
			Reserve:     reserve,
			Preferences: entry.Preferences,
			Slippage:    entry.Slippage,
		})
	}
	return configs, nil
}

func parseAmount(raw string) (*big.Int, error) {
	if raw == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("非法金额 %q", raw)
	}
	return value, nil
}

// Rails 汇总全部桥接通道的参数。缺失的通道不会注册。
type Rails struct {
	CCTP       *cctp.Config       `yaml:"cctp"`
	RelayPool  *relaypool.Config  `yaml:"relaypool"`
	NativeGate *nativegate.Config `yaml:"nativegate"`
	CEX        *cex.Config        `yaml:"cex"`
}

// LoadRails 解析桥接通道参数 YAML。
func LoadRails(path string) (Rails, error) {
	if path == "" {
		return Rails{}, errors.New("桥接通道配置路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Rails{}, fmt.Errorf("读取桥接通道配置失败: %w", err)
	}
	var rails Rails
	if err := yaml.Unmarshal(content, &rails); err != nil {
		return Rails{}, fmt.Errorf("解析桥接通道配置失败: %w", err)
	}
	return rails, nil
}
