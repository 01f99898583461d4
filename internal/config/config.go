// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 使用方式：
//   - 开发环境: APP_ENV=dev (默认)
//   - 测试环境: APP_ENV=test
//   - 生产环境: APP_ENV=prod
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment 环境类型
type Environment string

const (
	EnvProduction  Environment = "prod"
	EnvTest        Environment = "test"
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	EventBus EventBusConfig `yaml:"eventbus"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Sentinel SentinelConfig `yaml:"sentinel"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	DB   int    `yaml:"db"`
}

// EventBusConfig 事件总线配置
type EventBusConfig struct {
	// 去重窗口
	DedupWindow time.Duration `yaml:"dedup_window"`
	// 去重兜底清扫间隔
	DedupSweepInterval time.Duration `yaml:"dedup_sweep_interval"`
	// 序列化后事件大小上限（字节）
	MaxEventSize int `yaml:"max_event_size"`
	// 处理器默认最大重试次数
	MaxRetries int `yaml:"max_retries"`
	// 重试退避基数
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	// 消费者组名 / 消费者名
	ConsumerGroup string `yaml:"consumer_group"`
	ConsumerName  string `yaml:"consumer_name"`
	// 消费者组阻塞读取超时
	ReadBlockTimeout time.Duration `yaml:"read_block_timeout"`
	// 单次读取条数
	ReadCount int64 `yaml:"read_count"`
	// 接管未确认条目的最小空闲时间
	ClaimMinIdle time.Duration `yaml:"claim_min_idle"`
	// 回放单次上限
	BackfillMaxLimit int `yaml:"backfill_max_limit"`
	// 实时连接数上限
	MaxConnections int `yaml:"max_connections"`
	// 实时连接心跳间隔 / 失活阈值
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
}

// ClusterConfig Redis Cluster 监控配置（可选）
type ClusterConfig struct {
	Enabled bool     `yaml:"enabled"`
	Addrs   []string `yaml:"addrs"`
}

// SentinelConfig Redis Sentinel 监控配置（可选）
type SentinelConfig struct {
	Enabled    bool     `yaml:"enabled"`
	MasterName string   `yaml:"master_name"`
	Addrs      []string `yaml:"addrs"`
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env      Environment
	RedisURL string
	APIPort  string
	EventBus EventBusConfig
	Cluster  ClusterConfig
	Sentinel SentinelConfig
}

var configPaths = []string{
	"configs",
	"../configs",
	"../../configs",
	"../../../configs",
}

var envPaths = []string{
	".env",
	"../.env",
	"../../.env",
	"../../../.env",
}

// Load 加载配置
// 1. 加载 .env（敏感信息 + APP_ENV）
// 2. 根据 APP_ENV 加载 configs/{env}.yaml
// 3. 构建最终配置
func Load() *Config {
	// 加载 .env
	for _, p := range envPaths {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	// 解析环境
	env := parseEnv(getEnv("APP_ENV", "dev"))

	// 加载 YAML 配置
	yamlCfg := loadYAMLConfig(env)

	// 构建最终配置
	cfg := &Config{
		Env:      env,
		RedisURL: getEnv("REDIS_URL", buildRedisURL(yamlCfg.Redis)),
		APIPort:  getEnv("API_PORT", yamlCfg.Server.Port),
		EventBus: yamlCfg.EventBus,
		Cluster:  yamlCfg.Cluster,
		Sentinel: yamlCfg.Sentinel,
	}

	// 环境变量覆盖事件总线时间参数
	cfg.EventBus.applyEnvOverrides()

	// 验证并填充事件总线默认值
	cfg.EventBus.validate()

	return cfg
}

// applyEnvOverrides 用环境变量覆盖时间类参数
//
// yaml.v3 不解析 "5m" 形式的 time.Duration，因此时长参数
// 由环境变量以 time.ParseDuration 语法覆盖（如 EVENTBUS_DEDUP_WINDOW=10m）。
func (e *EventBusConfig) applyEnvOverrides() {
	durationEnv("EVENTBUS_DEDUP_WINDOW", &e.DedupWindow)
	durationEnv("EVENTBUS_DEDUP_SWEEP_INTERVAL", &e.DedupSweepInterval)
	durationEnv("EVENTBUS_RETRY_BASE_DELAY", &e.RetryBaseDelay)
	durationEnv("EVENTBUS_READ_BLOCK_TIMEOUT", &e.ReadBlockTimeout)
	durationEnv("EVENTBUS_CLAIM_MIN_IDLE", &e.ClaimMinIdle)
	durationEnv("EVENTBUS_HEARTBEAT_INTERVAL", &e.HeartbeatInterval)
	durationEnv("EVENTBUS_INACTIVITY_THRESHOLD", &e.InactivityThreshold)
}

// durationEnv 环境变量存在且可解析时覆盖目标时长
func durationEnv(key string, target *time.Duration) {
	value := os.Getenv(key)
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: invalid %s=%q, ignored: %v\n", key, value, err)
		return
	}
	*target = d
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		Server:   ServerConfig{Port: "8080"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		EventBus: EventBusConfig{},
	}

	// 2. 加载 common.yaml（公共配置）
	for _, base := range configPaths {
		path := filepath.Join(base, "common.yaml")
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	// 3. 加载 {env}.yaml（环境特定配置，覆盖公共配置）
	filename := fmt.Sprintf("%s.yaml", env)
	for _, base := range configPaths {
		path := filepath.Join(base, filename)
		if data, err := os.ReadFile(path); err == nil {
			yaml.Unmarshal(data, cfg)
			break
		}
	}

	return cfg
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(redis RedisConfig) string {
	return fmt.Sprintf("redis://%s:%d/%d", redis.Host, redis.Port, redis.DB)
}

func parseEnv(env string) Environment {
	switch strings.ToLower(env) {
	case "test":
		return EnvTest
	case "prod", "production":
		return EnvProduction
	default:
		return EnvDevelopment
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// IsTest 是否为测试环境
func (c *Config) IsTest() bool {
	return c.Env == EnvTest
}

// String 返回配置摘要（隐藏密码）
func (c *Config) String() string {
	return fmt.Sprintf("Config{Env: %s, Redis: %s, Port: %s}",
		c.Env, maskPassword(c.RedisURL), c.APIPort)
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]+:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// validate 验证并填充事件总线默认值
func (e *EventBusConfig) validate() {
	if e.DedupWindow == 0 {
		e.DedupWindow = 5 * time.Minute
	}
	if e.DedupSweepInterval == 0 {
		e.DedupSweepInterval = 10 * time.Minute
	}
	if e.MaxEventSize == 0 {
		e.MaxEventSize = 1 << 20
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.RetryBaseDelay == 0 {
		e.RetryBaseDelay = 100 * time.Millisecond
	}
	if e.ConsumerGroup == "" {
		e.ConsumerGroup = "eventbus-workers"
	}
	if e.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "consumer"
		}
		e.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if e.ReadBlockTimeout == 0 {
		e.ReadBlockTimeout = 1 * time.Second
	}
	if e.ReadCount == 0 {
		e.ReadCount = 10
	}
	if e.ClaimMinIdle == 0 {
		e.ClaimMinIdle = 60 * time.Second
	}
	if e.BackfillMaxLimit == 0 {
		e.BackfillMaxLimit = 1000
	}
	if e.MaxConnections == 0 {
		e.MaxConnections = 1000
	}
	if e.HeartbeatInterval == 0 {
		e.HeartbeatInterval = 15 * time.Second
	}
	if e.InactivityThreshold == 0 {
		e.InactivityThreshold = 60 * time.Second
	}
}
