// Package config 统一配置管理
//
// 配置加载策略：
//  1. 从 .env 加载敏感信息（密码、密钥）和 APP_ENV
//  2. 根据 APP_ENV 加载对应的 configs/{env}.yaml 配置文件
//  3. 环境变量可覆盖 YAML 配置
//
// 凭据单一数据源：
//
//	密码/密钥只存在 .env 文件中（YAML 中不存储任何密码）。
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
	EnvTest        Environment = "test" // 测试环境（集成测试 + E2E 共用）
	EnvDevelopment Environment = "dev"
)

// YAMLConfig YAML 配置文件结构
type YAMLConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Mongo        MongoConfig        `yaml:"mongo"`
	Redis        RedisConfig        `yaml:"redis"`
	Etcd         EtcdConfig         `yaml:"etcd"`
	MinIO        MinIOConfig        `yaml:"minio"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Managers     ManagersConfig     `yaml:"managers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "postgres" or "sqlite"（默认 sqlite）
	Path     string `yaml:"path"`   // SQLite 文件路径
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"-"` // 只从 DB_PASSWORD 环境变量读取
	Name     string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

// MongoConfig 规格/分子归档库配置（可选组件）
type MongoConfig struct {
	Enabled bool   `yaml:"enabled"`
	URI     string `yaml:"uri"` // 如 mongodb://localhost:27017
	Name    string `yaml:"name"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"-"`   // 只从 REDIS_PASSWORD 环境变量读取
	URL      string `yaml:"url"` // 直接指定 URL（优先于 host/port/db）
}

type EtcdConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// MinIOConfig MinIO 对象存储配置
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"` // 例如 localhost:9000
	AccessKey string `yaml:"-"`        // 只从 MINIO_ROOT_USER 环境变量读取
	SecretKey string `yaml:"-"`        // 只从 MINIO_ROOT_PASSWORD 环境变量读取
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	// 输出超过该字节数时转存对象存储，0 表示全部入库
	OffloadThreshold int `yaml:"offload_threshold"`
}

// OrchestratorConfig 服务编排器配置
type OrchestratorConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval"`      // 兜底扫描周期
	MaxActiveServices int           `yaml:"max_active_services"` // 同时推进的服务上限
	EventReadTimeout  time.Duration `yaml:"event_read_timeout"`
}

// ManagersConfig 计算管理器侧配置
type ManagersConfig struct {
	HeartbeatStale time.Duration `yaml:"heartbeat_stale"` // 超过该时间无心跳视为失联
}

// Config 应用配置（最终使用的配置）
type Config struct {
	Env            Environment
	DatabaseDriver string // "postgres" or "sqlite"
	DatabaseURL    string
	Mongo          MongoConfig
	RedisURL       string
	RedisEnabled   bool
	Etcd           EtcdConfig
	MinIO          MinIOConfig
	APIPort        string
	Orchestrator   OrchestratorConfig
	Managers       ManagersConfig
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

	// 从环境变量获取敏感信息
	yamlCfg.Database.Password = getEnv("DB_PASSWORD", "")
	yamlCfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	yamlCfg.MinIO.AccessKey = getEnv("MINIO_ROOT_USER", "")
	yamlCfg.MinIO.SecretKey = getEnv("MINIO_ROOT_PASSWORD", "")

	driver := detectDatabaseDriver(yamlCfg.Database.Driver)

	// 构建最终配置
	cfg := &Config{
		Env:            env,
		DatabaseDriver: driver,
		DatabaseURL:    buildDatabaseURL(driver, yamlCfg.Database),
		Mongo:          yamlCfg.Mongo,
		RedisURL:       buildRedisURL(yamlCfg.Redis),
		RedisEnabled:   yamlCfg.Redis.Enabled,
		Etcd:           yamlCfg.Etcd,
		MinIO:          yamlCfg.MinIO,
		APIPort:        yamlCfg.Server.Port,
		Orchestrator:   yamlCfg.Orchestrator,
		Managers:       yamlCfg.Managers,
	}

	// 验证并填充默认值
	cfg.Orchestrator.Validate()
	cfg.Managers.Validate()

	return cfg
}

// loadYAMLConfig 加载 YAML 配置文件
// 加载顺序：默认值 → common.yaml → {env}.yaml
func loadYAMLConfig(env Environment) *YAMLConfig {
	// 1. 初始化默认值
	cfg := &YAMLConfig{
		Server:   ServerConfig{Port: "7777"},
		Database: DatabaseConfig{Driver: "sqlite", Path: "qcfleet.db", Host: "localhost", Port: 5432, User: "qcfleet", Name: "qcfleet", SSLMode: "disable"},
		Mongo:    MongoConfig{URI: "mongodb://localhost:27017", Name: "qcfleet_archive"},
		Redis:    RedisConfig{Host: "localhost", Port: 6379, DB: 0},
		Etcd:     EtcdConfig{Endpoints: []string{"localhost:2379"}, Prefix: "/qcfleet"},
		MinIO:    MinIOConfig{Endpoint: "localhost:9000", Bucket: "qcfleet-outputs"},
		Orchestrator: OrchestratorConfig{
			SweepInterval:     60 * time.Second,
			MaxActiveServices: 20,
			EventReadTimeout:  5 * time.Second,
		},
		Managers: ManagersConfig{HeartbeatStale: 90 * time.Second},
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

// detectDatabaseDriver 规范化数据库驱动名
func detectDatabaseDriver(yamlDriver string) string {
	switch strings.ToLower(yamlDriver) {
	case "postgres", "postgresql":
		return "postgres"
	default:
		return "sqlite"
	}
}

// buildDatabaseURL 构建数据库连接字符串
func buildDatabaseURL(driver string, db DatabaseConfig) string {
	if driver == "sqlite" {
		path := db.Path
		if path == "" {
			path = "qcfleet.db"
		}
		return path
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		db.User, db.Password, db.Host, db.Port, db.Name, db.SSLMode)
}

// buildRedisURL 构建 Redis 连接字符串
func buildRedisURL(redis RedisConfig) string {
	if redis.URL != "" {
		return redis.URL
	}
	if redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d", redis.Password, redis.Host, redis.Port, redis.DB)
	}
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
	return fmt.Sprintf("Config{Env: %s, Driver: %s, DB: %s, Redis: %s}",
		c.Env, c.DatabaseDriver, maskPassword(c.DatabaseURL), maskPassword(c.RedisURL))
}

// maskPassword 隐藏密码
func maskPassword(url string) string {
	re := regexp.MustCompile(`(://[^:]*:)([^@]+)(@)`)
	return re.ReplaceAllString(url, "${1}***${3}")
}

// Validate 验证并填充编排器默认值
func (o *OrchestratorConfig) Validate() {
	if o.SweepInterval == 0 {
		o.SweepInterval = 60 * time.Second
	}
	if o.MaxActiveServices == 0 {
		o.MaxActiveServices = 20
	}
	if o.EventReadTimeout == 0 {
		o.EventReadTimeout = 5 * time.Second
	}
}

// Validate 验证并填充管理器默认值
func (m *ManagersConfig) Validate() {
	if m.HeartbeatStale == 0 {
		m.HeartbeatStale = 90 * time.Second
	}
}
