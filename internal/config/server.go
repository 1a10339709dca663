package config

import (
	"fmt"
	"time"
)

// Server конфигурация центрального агрегатора
type Server struct {
	Logging             Logging       `yaml:"logging"`
	ListenAddr          string        `yaml:"listen_addr"`
	DBPath              string        `yaml:"db_path"`
	JWTSecret           string        `yaml:"jwt_secret"`
	AdminToken          string        `yaml:"admin_token"` // пусто - admin API закрыт
	IdentityCollections []string      `yaml:"identity_collections"`
	TokenTTL            time.Duration `yaml:"token_ttl"` // 0 - токены узлов без срока действия
	OnlineTimeout       time.Duration `yaml:"online_timeout"`
	RateWindow          time.Duration `yaml:"rate_window"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes"`
	AppliedWindow       int           `yaml:"applied_window"`
	PullPageSize        int           `yaml:"pull_page_size"`
	MaxPayloadBytes     int           `yaml:"max_payload_bytes"`
	RateLimit           int           `yaml:"rate_limit"`    // запросов узла за rate_window после аутентификации
	IPRateLimit         int           `yaml:"ip_rate_limit"` // запросов с одного IP за rate_window до аутентификации
	TrustProxyHeaders   bool          `yaml:"trust_proxy_headers"`
}

// DefaultServer значения по умолчанию
func DefaultServer() *Server {
	return &Server{
		Logging:             Logging{Level: "info"},
		ListenAddr:          ":8080",
		DBPath:              "clinicsync.db",
		IdentityCollections: []string{"patients"},
		OnlineTimeout:       5 * time.Minute,
		RateWindow:          time.Minute,
		ShutdownTimeout:     15 * time.Second,
		MaxBodyBytes:        64 << 20,
		AppliedWindow:       128,
		PullPageSize:        500,
		MaxPayloadBytes:     1 << 20,
		RateLimit:           600,
		IPRateLimit:         2400,
	}
}

// LoadServer собирает конфигурацию агрегатора из YAML файла, .env и окружения
func LoadServer(path, envFile string) (*Server, error) {
	cfg := DefaultServer()

	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}
	if err := loadDotEnv(envFile, envFile != DefaultEnvFile); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(newEnvBinder()); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Server) applyEnv(env *envBinder) error {
	env.String("LOG_LEVEL", &c.Logging.Level)
	env.String("LOG_FORMAT", &c.Logging.Format)
	env.String("LISTEN_ADDR", &c.ListenAddr)
	env.String("DB_PATH", &c.DBPath)
	env.String("JWT_SECRET", &c.JWTSecret)
	env.String("ADMIN_TOKEN", &c.AdminToken)
	env.List("IDENTITY_COLLECTIONS", &c.IdentityCollections)
	env.Duration("TOKEN_TTL", &c.TokenTTL)
	env.Duration("ONLINE_TIMEOUT", &c.OnlineTimeout)
	env.Duration("RATE_WINDOW", &c.RateWindow)
	env.Duration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)
	env.Int64("MAX_BODY_BYTES", &c.MaxBodyBytes)
	env.Int("APPLIED_WINDOW", &c.AppliedWindow)
	env.Int("PULL_PAGE_SIZE", &c.PullPageSize)
	env.Int("MAX_PAYLOAD_BYTES", &c.MaxPayloadBytes)
	env.Int("RATE_LIMIT", &c.RateLimit)
	env.Int("IP_RATE_LIMIT", &c.IPRateLimit)
	env.Bool("TRUST_PROXY_HEADERS", &c.TrustProxyHeaders)
	return env.Err()
}

// Validate проверяет обязательные параметры
func (c *Server) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfig)
	case c.DBPath == "":
		return fmt.Errorf("%w: db_path is required", ErrInvalidConfig)
	case len(c.JWTSecret) < 32:
		return fmt.Errorf("%w: jwt_secret must be at least 32 characters", ErrInvalidConfig)
	case c.AdminToken != "" && len(c.AdminToken) < 16:
		return fmt.Errorf("%w: admin_token must be at least 16 characters", ErrInvalidConfig)
	case c.OnlineTimeout <= 0:
		return fmt.Errorf("%w: online_timeout must be positive", ErrInvalidConfig)
	case c.AppliedWindow <= 0:
		return fmt.Errorf("%w: applied_window must be positive", ErrInvalidConfig)
	case c.PullPageSize <= 0:
		return fmt.Errorf("%w: pull_page_size must be positive", ErrInvalidConfig)
	case c.MaxPayloadBytes <= 0 || int64(c.MaxPayloadBytes) > c.MaxBodyBytes:
		return fmt.Errorf("%w: max_payload_bytes must be positive and not exceed max_body_bytes", ErrInvalidConfig)
	case c.RateLimit < 0 || c.IPRateLimit < 0:
		return fmt.Errorf("%w: rate_limit and ip_rate_limit cannot be negative", ErrInvalidConfig)
	case (c.RateLimit > 0 || c.IPRateLimit > 0) && c.RateWindow <= 0:
		return fmt.Errorf("%w: rate_window must be positive", ErrInvalidConfig)
	}
	return nil
}
