// internal/service/config.go
package service

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DashboardConfig 定义了看板的默认订阅
type DashboardConfig struct {
	Symbol       string // 交易对，例如 "BTCUSDT"
	Interval     string // K 线周期，例如 "1m"
	HistoryLimit int    // 初始快照拉取的 K 线数量
}

// StreamConfig 定义了流式连接的全部可调参数
// 这些值不是硬编码的定律，按部署环境可调
type StreamConfig struct {
	Endpoints          []string      // 候选端点，按优先级排序
	HandshakeTimeout   time.Duration // 握手超时，超时强制进入 Closed
	SilenceThreshold   time.Duration // 静默阈值，超过则主动断开重连
	ConnectSpacing     time.Duration // 两次 connect 的最小间隔
	MaxAttempts        int           // 重连尝试上限
	BaseDelay          time.Duration // 退避基础延迟
	MaxDelay           time.Duration // 退避延迟上限
	JitterRange        time.Duration // 退避抖动范围
	CircuitThreshold   int           // 连续错误多少次触发熔断
	CircuitCooldown    time.Duration // 熔断初始冷却时间
	CircuitMaxCooldown time.Duration // 熔断冷却时间上限 (随触发次数增长)
	EndpointFailLimit  int           // 单个端点连续失败多少次后切换下一个
}

// CacheConfig 定义了快照缓存的 TTL
type CacheConfig struct {
	SeriesTTL time.Duration // K 线序列缓存 TTL
	StatsTTL  time.Duration // 24h 统计缓存 TTL
}

// OrchestratorConfig 定义了数据编排层的对账参数
type OrchestratorConfig struct {
	ReconcileEvery time.Duration // 对账周期
	PushStaleAfter time.Duration // 推送静默多久后触发强制拉取
}

// AdvisorConfig 定义了 AI 分析层的配置
// API Key 一律来自环境变量，不放在 yaml 里
type AdvisorConfig struct {
	Preferred string // 首选 provider，例如 "groq"；为空则按优先级自动选择
	OllamaURL string // 本地 Ollama 地址
	Model     string // 覆盖各 provider 的默认模型 (可为空)
	Timeout   time.Duration
}

// Config 存储加载后的全局配置
type Config struct {
	Dashboard    DashboardConfig    `mapstructure:"Dashboard"`
	Stream       StreamConfig       `mapstructure:"Stream"`
	Cache        CacheConfig        `mapstructure:"Cache"`
	Orchestrator OrchestratorConfig `mapstructure:"Orchestrator"`
	Advisor      AdvisorConfig      `mapstructure:"Advisor"`
}

// GlobalConfig 存储加载后的全局配置
var GlobalConfig Config

// LoadConfig 读取并解析配置文件
// .env 先加载进环境变量 (API Key 等敏感信息)，yaml 负责其余参数
func LoadConfig(configPath string) *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Note: no .env file found, relying on system env vars")
	}

	viper.SetConfigName("config") // 文件名是 config
	viper.SetConfigType("yaml")   // 文件类型是 yaml
	viper.AddConfigPath(configPath)

	// 默认值：生产环境验证过的参数
	viper.SetDefault("Dashboard.Symbol", "BTCUSDT")
	viper.SetDefault("Dashboard.Interval", "1m")
	viper.SetDefault("Dashboard.HistoryLimit", 500)
	viper.SetDefault("Stream.Endpoints", []string{
		"wss://stream.binance.com:9443/ws",
		"wss://stream.binance.com:443/ws",
		"wss://data-stream.binance.vision/ws",
	})
	viper.SetDefault("Stream.HandshakeTimeout", "10s")
	viper.SetDefault("Stream.SilenceThreshold", "45s")
	viper.SetDefault("Stream.ConnectSpacing", "2500ms")
	viper.SetDefault("Stream.MaxAttempts", 6)
	viper.SetDefault("Stream.BaseDelay", "1s")
	viper.SetDefault("Stream.MaxDelay", "30s")
	viper.SetDefault("Stream.JitterRange", "500ms")
	viper.SetDefault("Stream.CircuitThreshold", 3)
	viper.SetDefault("Stream.CircuitCooldown", "15s")
	viper.SetDefault("Stream.CircuitMaxCooldown", "120s")
	viper.SetDefault("Stream.EndpointFailLimit", 2)
	viper.SetDefault("Cache.SeriesTTL", "30s")
	viper.SetDefault("Cache.StatsTTL", "60s")
	viper.SetDefault("Orchestrator.ReconcileEvery", "2m")
	viper.SetDefault("Orchestrator.PushStaleAfter", "2m")
	viper.SetDefault("Advisor.Preferred", "")
	viper.SetDefault("Advisor.OllamaURL", "http://localhost:11434")
	viper.SetDefault("Advisor.Timeout", "20s")

	// 查找并读取配置文件
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Printf("Config file not found, using defaults: %s", err)
		} else {
			log.Fatalf("Error reading config file: %s", err)
		}
	}

	// 将配置绑定到结构体
	if err := viper.Unmarshal(&GlobalConfig); err != nil {
		log.Fatalf("Unable to decode config into struct: %s", err)
	}

	return &GlobalConfig
}

// EnvOr 读取环境变量，空则返回默认值
func EnvOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
