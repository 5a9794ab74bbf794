// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	JWT         JWTConfig         `mapstructure:"jwt"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Responder   ResponderConfig   `mapstructure:"responder"`
	Preferences PreferencesConfig `mapstructure:"preferences"`
	Session     SessionConfig     `mapstructure:"session"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// JWTConfig 存储 JWT 相关的配置。调用方身份由外部认证系统签发，这里只做校验。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig 存储 Kafka 相关的配置，仅在 solution_sink=kafka 时使用。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// ResponderConfig 存储远端应答服务的配置。
type ResponderConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	Timeout      time.Duration `mapstructure:"timeout"`
	GenericError string        `mapstructure:"generic_error"`
	SolutionSink string        `mapstructure:"solution_sink"` // "http" 或 "kafka"
}

// PreferencesConfig 存储用户偏好的持久化配置。
type PreferencesConfig struct {
	Backend         string `mapstructure:"backend"` // "redis" 或 "memory"
	DefaultLanguage string `mapstructure:"default_language"`
}

// SessionConfig 存储会话管理器的策略配置。
type SessionConfig struct {
	EnforceSolutionLock bool              `mapstructure:"enforce_solution_lock"`
	ApologyMessages     map[string]string `mapstructure:"apology_messages"`
	// IdleTimeout 之后没有访问的会话会被淘汰，0 表示不淘汰
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	EvictInterval time.Duration `mapstructure:"evict_interval"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
// 以 CHATDESK_ 为前缀的环境变量会覆盖 YAML 中的同名键，例如 CHATDESK_RESPONDER_BASE_URL。
func Init(configPath string) {
	// .env 仅用于本地开发，不存在时忽略
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CHATDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := v.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("responder.base_url", "http://localhost:8000")
	v.SetDefault("responder.timeout", 60*time.Second)
	v.SetDefault("responder.generic_error", "failed to send message to the agent")
	v.SetDefault("responder.solution_sink", "http")
	v.SetDefault("preferences.backend", "redis")
	v.SetDefault("preferences.default_language", "pt")
	v.SetDefault("session.enforce_solution_lock", true)
	v.SetDefault("session.idle_timeout", 168*time.Hour)
	v.SetDefault("session.evict_interval", 10*time.Minute)
}
