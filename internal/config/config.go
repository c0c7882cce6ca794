package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Config 描述了 AgentPay 在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Chains   ChainsConfig   `json:"chains"`
	Relay    RelayConfig    `json:"relay"`
	Guard    GuardConfig    `json:"guard"`
	Batch    BatchConfig    `json:"batch"`
	Recovery RecoveryConfig `json:"recovery"`
	Notify   NotifyConfig   `json:"notify"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
	// Budgets 在启动时注入预算额度，已存在的同 ID 记录保持不变。
	Budgets []BudgetSeed `json:"budgets"`
	// Policies 按智能体 ID 配置支付策略，未配置的智能体不受限。
	Policies map[string]PolicyConfig `json:"policies"`
	// Merchants 把商户 ID 映射到收款地址，结算核验按此比对。
	Merchants map[string]string `json:"merchants"`
}

// BudgetSeed 描述一条启动注入的预算。
type BudgetSeed struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
	Chain   string `json:"chain"`
	Period  string `json:"period"`
	Amount  string `json:"amount"`
}

// PolicyConfig 描述单个智能体的支付策略。
type PolicyConfig struct {
	MaxPerTx           string   `json:"max_per_tx"`
	TokenWhitelist     []string `json:"token_whitelist"`
	RecipientWhitelist []string `json:"recipient_whitelist"`
	ChainWhitelist     []string `json:"chain_whitelist"`
}

// LoggingConfig 控制结构化日志与审计日志的输出。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	AuditPath   string   `json:"audit_path"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
}

// StoreConfig 描述单个存储后端。driver 支持 memory 和 mysql。
type StoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// StorageConfig 统一描述各模块的持久化后端。
type StorageConfig struct {
	Payments StoreConfig `json:"payments"`
	Budgets  StoreConfig `json:"budgets"`
	Batches  StoreConfig `json:"batches"`
	Verify   StoreConfig `json:"verify"`
	// Idempotency 的 driver 支持 memory 和 redis。
	IdempotencyDriver string      `json:"idempotency_driver"`
	Redis             RedisConfig `json:"redis"`
}

// QueueConfig 描述支付执行与结算核验两条队列。
// driver 支持 memory、redis、rabbitmq。
type QueueConfig struct {
	Driver          string `json:"driver"`
	RedisAddr       string `json:"redis_addr"`
	RedisPassword   string `json:"redis_password"`
	RedisDB         int    `json:"redis_db"`
	RabbitURL       string `json:"rabbit_url"`
	PaymentQueue    string `json:"payment_queue"`
	SettlementQueue string `json:"settlement_queue"`
	Workers         int    `json:"workers"`
}

// ChainsConfig 指向链与代币的定义文件，并记录各链的出账地址。
type ChainsConfig struct {
	ConfigPath   string `json:"config_path"`
	DefaultChain string `json:"default_chain"`
	// SignerKeyEnv 是存放出账私钥（hex）的环境变量名。未配置时各链
	// 以只读模式启动，Submit 不可用。
	SignerKeyEnv    string            `json:"signer_key_env"`
	SenderAddresses map[string]string `json:"sender_addresses"`
}

// RelayConfig 描述免 gas 中继服务的接入参数。Endpoint 为空表示
// 不启用中继，所有支付走直接转账。
type RelayConfig struct {
	Endpoint                   string `json:"endpoint"`
	APIKey                     string `json:"api_key"`
	TimeoutSeconds             int    `json:"timeout_seconds"`
	AuthorizationWindowSeconds int    `json:"authorization_window_seconds"`
}

// GuardConfig 汇集授权层的阈值参数，零值使用内置默认。
type GuardConfig struct {
	RateWindowSeconds      int `json:"rate_window_seconds"`
	RateLimit              int `json:"rate_limit"`
	BreakerThreshold       int `json:"breaker_threshold"`
	BreakerCooldownSeconds int `json:"breaker_cooldown_seconds"`
}

// BatchFamilyConfig 按结算家族覆盖批次并发参数。
type BatchFamilyConfig struct {
	ChunkSize    int `json:"chunk_size"`
	ChunkDelayMS int `json:"chunk_delay_ms"`
}

// BatchConfig 汇集批次执行的并发参数。Families 按结算家族
// （evm、tron、solana）覆盖，全局字段作为兜底，都不配置时使用
// 内置的家族默认值。
type BatchConfig struct {
	ChunkSize          int                          `json:"chunk_size"`
	ChunkDelayMS       int                          `json:"chunk_delay_ms"`
	ItemTimeoutSeconds int                          `json:"item_timeout_seconds"`
	Families           map[string]BatchFamilyConfig `json:"families"`
}

// RecoveryConfig 汇集失败支付恢复扫描的参数，零值使用内置默认。
type RecoveryConfig struct {
	Enabled             bool `json:"enabled"`
	IntervalSeconds     int  `json:"interval_seconds"`
	SweepLimit          int  `json:"sweep_limit"`
	MaxAttempts         int  `json:"max_attempts"`
	InitialDelaySeconds int  `json:"initial_delay_seconds"`
	MaxDelaySeconds     int  `json:"max_delay_seconds"`
}

// NotifyConfig 描述支付结果的对外通知通道。
type NotifyConfig struct {
	WebhookEndpoint string `json:"webhook_endpoint"`
	WebhookSecret   string `json:"webhook_secret"`
	RabbitURL       string `json:"rabbit_url"`
	RabbitExchange  string `json:"rabbit_exchange"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
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

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	for _, store := range []*StoreConfig{
		&c.Storage.Payments, &c.Storage.Budgets, &c.Storage.Batches, &c.Storage.Verify,
	} {
		if store.Driver == "" {
			store.Driver = "memory"
		}
	}
	if c.Storage.IdempotencyDriver == "" {
		c.Storage.IdempotencyDriver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.PaymentQueue == "" {
		c.Queue.PaymentQueue = "agentpay.payments"
	}
	if c.Queue.SettlementQueue == "" {
		c.Queue.SettlementQueue = "agentpay.settlements"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Chains.ConfigPath != "" && !filepath.IsAbs(c.Chains.ConfigPath) {
		c.Chains.ConfigPath = filepath.Join(baseDir, c.Chains.ConfigPath)
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

func (c *Config) validate() error {
	for name, store := range map[string]StoreConfig{
		"payments": c.Storage.Payments,
		"budgets":  c.Storage.Budgets,
		"batches":  c.Storage.Batches,
		"verify":   c.Storage.Verify,
	} {
		switch store.Driver {
		case "memory":
		case "mysql":
			if store.DSN == "" {
				return fmt.Errorf("存储 %s 使用 mysql 驱动但未配置 DSN", name)
			}
		default:
			return fmt.Errorf("存储 %s 不支持驱动 %q", name, store.Driver)
		}
	}

	switch c.Storage.IdempotencyDriver {
	case "memory":
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return errors.New("幂等存储使用 redis 驱动但未配置地址")
		}
	default:
		return fmt.Errorf("幂等存储不支持驱动 %q", c.Storage.IdempotencyDriver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return errors.New("队列使用 redis 驱动但未配置地址")
		}
	case "rabbitmq":
		if c.Queue.RabbitURL == "" {
			return errors.New("队列使用 rabbitmq 驱动但未配置 URL")
		}
	default:
		return fmt.Errorf("队列不支持驱动 %q", c.Queue.Driver)
	}
	return nil
}
