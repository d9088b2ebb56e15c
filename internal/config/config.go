package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Admin     AdminConfig     `mapstructure:"admin"`
	Plans     PlansConfig     `mapstructure:"plans"`
	Credits   CreditsConfig   `mapstructure:"credits"`
	Purchase  PurchaseConfig  `mapstructure:"purchase"`
	Chain     ChainConfig     `mapstructure:"chain"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
	Market    MarketConfig    `mapstructure:"market"`
	LLM       LLMConfig       `mapstructure:"llm"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Business  BusinessConfig  `mapstructure:"business"`
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`
	WorkerID int64  `mapstructure:"worker_id"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig driver 可选 postgres / mysql
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	LedgerEvent string `mapstructure:"ledger_event"`
}

type AuthConfig struct {
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
	JWKSURL  string `mapstructure:"jwks_url"`
	Disabled bool   `mapstructure:"disabled"`
}

type AdminConfig struct {
	Token string `mapstructure:"token"`
}

type PlanConfig struct {
	Limit     float64 `mapstructure:"limit"`
	ResetDays int     `mapstructure:"reset_days"`
}

type PlansConfig struct {
	Free       PlanConfig `mapstructure:"free"`
	Pro        PlanConfig `mapstructure:"pro"`
	Enterprise PlanConfig `mapstructure:"enterprise"`
}

type CreditsConfig struct {
	ChatCost       float64 `mapstructure:"chat_cost"`
	AnalysisCost   float64 `mapstructure:"analysis_cost"`
	Bundle         float64 `mapstructure:"bundle"`
	DowngradeFloor float64 `mapstructure:"downgrade_floor"`
}

// TokenConfig 可用于支付的原生代币
type TokenConfig struct {
	Symbol      string `mapstructure:"symbol"`
	PolicyID    string `mapstructure:"policy_id"`
	AssetName   string `mapstructure:"asset_name"`
	Decimals    int32  `mapstructure:"decimals"`
	CoinGeckoID string `mapstructure:"coingecko_id"`
}

// MintConfig 收据代币铸造（原生脚本策略）
type MintConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	PolicyKeyHash string `mapstructure:"policy_key_hash"`
	AssetName     string `mapstructure:"asset_name"`
}

type PurchaseConfig struct {
	Network           string        `mapstructure:"network"`
	TreasuryAddress   string        `mapstructure:"treasury_address"`
	PriceLovelace     int64         `mapstructure:"price_lovelace"`
	PriceCacheSeconds int           `mapstructure:"price_cache_seconds"`
	TTLSlots          uint64        `mapstructure:"ttl_slots"`
	VerifyPayment     bool          `mapstructure:"verify_payment"`
	PriceTolerancePct float64       `mapstructure:"price_tolerance_pct"` // 代币付款允许的报价波动
	Tokens            []TokenConfig `mapstructure:"tokens"`
	Mint              MintConfig    `mapstructure:"mint"`
}

type ChainConfig struct {
	Provider       string `mapstructure:"provider"`
	KoiosURL       string `mapstructure:"koios_url"`
	BlockfrostURL  string `mapstructure:"blockfrost_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type OracleConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	VsCurrency     string `mapstructure:"vs_currency"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// MarketConfig K线数据源（Coinbase Exchange 公共接口）
type MarketConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type LLMConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	APIKey        string `mapstructure:"api_key"`
	ChatModel     string `mapstructure:"chat_model"`
	AnalysisModel string `mapstructure:"analysis_model"`
}

type RateLimitConfig struct {
	WindowSeconds int `mapstructure:"window_seconds"`
}

type BusinessConfig struct {
	MaxRetryCount            int    `mapstructure:"max_retry_count"`
	ReconcileIntervalSeconds int    `mapstructure:"reconcile_interval_seconds"`
	ReconcileMinAgeSeconds   int    `mapstructure:"reconcile_min_age_seconds"`
	ResetSweepCron           string `mapstructure:"reset_sweep_cron"`
}

var GlobalConfig *Config

// Networks
const (
	NetworkMainnet = "mainnet"
	NetworkPreprod = "preprod"
)

// IsMainnet 是否主网
func (c *PurchaseConfig) IsMainnet() bool {
	return strings.EqualFold(c.Network, NetworkMainnet)
}

// LoadConfig 加载配置文件
// 先读取 .env（不存在时忽略），再读取 yaml，环境变量 CREDITGATE_* 覆盖同名配置
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("读取 .env 失败: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CREDITGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	GlobalConfig = cfg
	return cfg, nil
}

// Default 返回仅包含默认值的配置，测试与本地工具使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.worker_id", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("kafka.topic.ledger_event", "credit-ledger-event")

	v.SetDefault("plans.free.limit", 5)
	v.SetDefault("plans.free.reset_days", 30)
	v.SetDefault("plans.pro.limit", 100)
	v.SetDefault("plans.pro.reset_days", 30)
	v.SetDefault("plans.enterprise.limit", 10000)
	v.SetDefault("plans.enterprise.reset_days", 30)

	v.SetDefault("credits.chat_cost", 0.1)
	v.SetDefault("credits.analysis_cost", 0.2)
	v.SetDefault("credits.bundle", 100)
	v.SetDefault("credits.downgrade_floor", 5)

	v.SetDefault("purchase.network", NetworkPreprod)
	v.SetDefault("purchase.price_lovelace", 5_000_000)
	v.SetDefault("purchase.price_cache_seconds", 60)
	v.SetDefault("purchase.ttl_slots", 7200)
	v.SetDefault("purchase.price_tolerance_pct", 5)

	v.SetDefault("chain.provider", "koios")
	v.SetDefault("chain.timeout_seconds", 15)
	v.SetDefault("oracle.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("oracle.vs_currency", "usd")
	v.SetDefault("oracle.timeout_seconds", 10)
	v.SetDefault("market.base_url", "https://api.exchange.coinbase.com")
	v.SetDefault("market.timeout_seconds", 10)

	v.SetDefault("llm.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("llm.chat_model", "compound-beta-mini")
	v.SetDefault("llm.analysis_model", "llama-3.3-70b-versatile")

	v.SetDefault("ratelimit.window_seconds", 30)

	v.SetDefault("business.max_retry_count", 5)
	v.SetDefault("business.reconcile_interval_seconds", 60)
	v.SetDefault("business.reconcile_min_age_seconds", 120)
	v.SetDefault("business.reset_sweep_cron", "0 */10 * * * *")
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	switch c.Chain.Provider {
	case "koios", "blockfrost":
	default:
		return fmt.Errorf("不支持的链数据源: %s", c.Chain.Provider)
	}
	if c.Purchase.PriceLovelace <= 0 {
		return errors.New("purchase.price_lovelace 必须大于0")
	}
	if c.Credits.Bundle <= 0 {
		return errors.New("credits.bundle 必须大于0")
	}
	return nil
}

// KoiosBaseURL 按网络选择 Koios 地址
func (c *Config) KoiosBaseURL() string {
	if c.Chain.KoiosURL != "" {
		return c.Chain.KoiosURL
	}
	if c.Purchase.IsMainnet() {
		return "https://api.koios.rest/api/v1"
	}
	return "https://preprod.koios.rest/api/v1"
}

// BlockfrostBaseURL 按网络选择 Blockfrost 地址
func (c *Config) BlockfrostBaseURL() string {
	if c.Chain.BlockfrostURL != "" {
		return c.Chain.BlockfrostURL
	}
	if c.Purchase.IsMainnet() {
		return "https://cardano-mainnet.blockfrost.io/api/v0"
	}
	return "https://cardano-preprod.blockfrost.io/api/v0"
}
