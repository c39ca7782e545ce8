package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config 聚合整个客户端核心的配置项。
type Config struct {
	Server ServerConfig
	API    APIConfig
	Live   LiveConfig
	Store  StoreConfig
	Log    LogConfig
}

// Load 从环境变量加载配置并校验。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	api, err := loadAPIConfig()
	if err != nil {
		return nil, err
	}

	live, err := loadLiveConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: server,
		API:    api,
		Live:   live,
		Store: StoreConfig{
			DBPath:      getEnvOrDefault("CIRCLECHAT_DB_PATH", "circlechat.db"),
			Maintenance: getEnvOrDefault("CIRCLECHAT_STORE_MAINTENANCE", "0 4 * * *"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnvOrDefault("CIRCLECHAT_LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnvOrDefault("CIRCLECHAT_LOG_FORMAT", "json")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查各字段的取值范围。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// ServerConfig 描述本地 UI 桥接服务的监听配置。
type ServerConfig struct {
	Addr        string   `validate:"required"`
	CORSOrigins []string `validate:"dive,required"`
}

// loadServerConfig 解析监听地址，兼容 PORT 变量。
func loadServerConfig() (ServerConfig, error) {
	origins := splitList(getEnvOrDefault("CIRCLECHAT_CORS_ORIGINS", "*"))

	if addr := strings.TrimSpace(os.Getenv("CIRCLECHAT_ADDR")); addr != "" {
		return ServerConfig{Addr: addr, CORSOrigins: origins}, nil
	}

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		return ServerConfig{Addr: "127.0.0.1:8787", CORSOrigins: origins}, nil
	}

	if strings.Contains(port, ":") {
		// 允许直接传入 ":8787" 或 "127.0.0.1:8787"。
		return ServerConfig{Addr: port, CORSOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, CORSOrigins: origins}, nil
}

// APIConfig 描述后端 RPC 的连接参数。
type APIConfig struct {
	BaseURL  string        `validate:"required,url"`
	Token    string
	ClientID string        `validate:"required"`
	UserID   string        `validate:"required"`
	Timeout  time.Duration `validate:"min=1s,max=5m"`
}

func loadAPIConfig() (APIConfig, error) {
	timeout, err := parseDurationEnv("CIRCLECHAT_API_TIMEOUT", 15*time.Second)
	if err != nil {
		return APIConfig{}, err
	}

	return APIConfig{
		BaseURL:  strings.TrimRight(strings.TrimSpace(os.Getenv("CIRCLECHAT_API_BASE_URL")), "/"),
		Token:    strings.TrimSpace(os.Getenv("CIRCLECHAT_API_TOKEN")),
		ClientID: getEnvOrDefault("CIRCLECHAT_CLIENT_ID", "circlechat-core"),
		UserID:   strings.TrimSpace(os.Getenv("CIRCLECHAT_USER_ID")),
		Timeout:  timeout,
	}, nil
}

// LiveConfig 描述实时通道的连接与重连参数。
type LiveConfig struct {
	Scheme           string        `validate:"oneof=ws wss"`
	Path             string        `validate:"required,startswith=/"`
	InitialDelay     time.Duration `validate:"min=1ms"`
	MaxDelay         time.Duration `validate:"gtefield=InitialDelay"`
	PingInterval     time.Duration `validate:"min=1s"`
	ReadTimeout      time.Duration `validate:"gtfield=PingInterval"`
	HandshakeTimeout time.Duration `validate:"min=1s"`
	WriteTimeout     time.Duration `validate:"min=1s"`
}

func loadLiveConfig() (LiveConfig, error) {
	durations := []struct {
		key   string
		def   time.Duration
		value *time.Duration
	}{
		{key: "CIRCLECHAT_LIVE_INITIAL_DELAY", def: 200 * time.Millisecond},
		{key: "CIRCLECHAT_LIVE_MAX_DELAY", def: 5 * time.Second},
		{key: "CIRCLECHAT_LIVE_PING_INTERVAL", def: 30 * time.Second},
		{key: "CIRCLECHAT_LIVE_READ_TIMEOUT", def: 60 * time.Second},
		{key: "CIRCLECHAT_LIVE_HANDSHAKE_TIMEOUT", def: 10 * time.Second},
		{key: "CIRCLECHAT_LIVE_WRITE_TIMEOUT", def: 10 * time.Second},
	}

	cfg := LiveConfig{
		Scheme: strings.ToLower(getEnvOrDefault("CIRCLECHAT_LIVE_SCHEME", "wss")),
		Path:   getEnvOrDefault("CIRCLECHAT_LIVE_PATH", "/comments"),
	}
	durations[0].value = &cfg.InitialDelay
	durations[1].value = &cfg.MaxDelay
	durations[2].value = &cfg.PingInterval
	durations[3].value = &cfg.ReadTimeout
	durations[4].value = &cfg.HandshakeTimeout
	durations[5].value = &cfg.WriteTimeout

	for _, d := range durations {
		v, err := parseDurationEnv(d.key, d.def)
		if err != nil {
			return LiveConfig{}, err
		}
		*d.value = v
	}
	return cfg, nil
}

// StoreConfig 描述失败消息的本地持久化。
type StoreConfig struct {
	DBPath      string `validate:"required"`
	Maintenance string `validate:"required"`
}

// LogConfig 描述日志级别与输出格式。
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		// 纯数字按毫秒处理。
		ms, intErr := strconv.Atoi(raw)
		if intErr != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
		}
		return time.Duration(ms) * time.Millisecond, nil
	}
	return val, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
