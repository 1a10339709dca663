package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/iudanet/clinicsync/internal/validation"
	"github.com/iudanet/clinicsync/pkg/api"
)

// DefaultEnvFile .env, который загружается без явного указания
const DefaultEnvFile = ".env"

// Node конфигурация клинического узла
type Node struct {
	Logging          Logging       `yaml:"logging"`
	NodeID           string        `yaml:"node_id"`
	AuthToken        string        `yaml:"auth_token"`
	AggregatorURL    string        `yaml:"aggregator_url"`
	DBPath           string        `yaml:"db_path"`
	StatusAddr       string        `yaml:"status_addr"` // пусто - локальный HTTP не поднимается
	Collections      []string      `yaml:"collections"` // пусто - берутся из GET /sync/config
	PushInterval     time.Duration `yaml:"push_interval"`
	PullInterval     time.Duration `yaml:"pull_interval"`
	BackoffBase      time.Duration `yaml:"backoff_base"`
	BackoffCap       time.Duration `yaml:"backoff_cap"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	BacklogAlertAge  time.Duration `yaml:"backlog_alert_age"`
	BatchSize        int           `yaml:"batch_size"`
	MaxBatchesPerRun int           `yaml:"max_batches_per_run"`
	MaxAttempts      int           `yaml:"max_attempts"`
	PullPageSize     int           `yaml:"pull_page_size"`
	MaxPayloadBytes  int           `yaml:"max_payload_bytes"` // совпадает с лимитом агрегатора
	MaxBatchBytes    int           `yaml:"max_batch_bytes"`   // не больше max_body_bytes агрегатора
	Compress         bool          `yaml:"compress"`
	Subscribe        bool          `yaml:"subscribe"`
}

// DefaultNode значения по умолчанию
func DefaultNode() *Node {
	return &Node{
		Logging:          Logging{Level: "info"},
		AggregatorURL:    "http://localhost:8080",
		DBPath:           "clinicsync-node.db",
		StatusAddr:       "127.0.0.1:8090",
		PushInterval:     30 * time.Second,
		PullInterval:     time.Minute,
		BackoffBase:      5 * time.Second,
		BackoffCap:       5 * time.Minute,
		RequestTimeout:   30 * time.Second,
		BacklogAlertAge:  time.Hour,
		BatchSize:        100,
		MaxBatchesPerRun: 10,
		MaxAttempts:      10,
		PullPageSize:     500,
		MaxPayloadBytes:  1 << 20,
		MaxBatchBytes:    8 << 20,
		Compress:         true,
		Subscribe:        true,
	}
}

// LoadNode собирает конфигурацию узла из YAML файла, .env и окружения
func LoadNode(path, envFile string) (*Node, error) {
	cfg := DefaultNode()

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

func (c *Node) applyEnv(env *envBinder) error {
	env.String("LOG_LEVEL", &c.Logging.Level)
	env.String("LOG_FORMAT", &c.Logging.Format)
	env.String("NODE_ID", &c.NodeID)
	env.String("AUTH_TOKEN", &c.AuthToken)
	env.String("AGGREGATOR_URL", &c.AggregatorURL)
	env.String("DB_PATH", &c.DBPath)
	env.String("STATUS_ADDR", &c.StatusAddr)
	env.List("COLLECTIONS", &c.Collections)
	env.Duration("PUSH_INTERVAL", &c.PushInterval)
	env.Duration("PULL_INTERVAL", &c.PullInterval)
	env.Duration("BACKOFF_BASE", &c.BackoffBase)
	env.Duration("BACKOFF_CAP", &c.BackoffCap)
	env.Duration("REQUEST_TIMEOUT", &c.RequestTimeout)
	env.Duration("BACKLOG_ALERT_AGE", &c.BacklogAlertAge)
	env.Int("BATCH_SIZE", &c.BatchSize)
	env.Int("MAX_BATCHES_PER_RUN", &c.MaxBatchesPerRun)
	env.Int("MAX_ATTEMPTS", &c.MaxAttempts)
	env.Int("PULL_PAGE_SIZE", &c.PullPageSize)
	env.Int("MAX_PAYLOAD_BYTES", &c.MaxPayloadBytes)
	env.Int("MAX_BATCH_BYTES", &c.MaxBatchBytes)
	env.Bool("COMPRESS", &c.Compress)
	env.Bool("SUBSCRIBE", &c.Subscribe)
	return env.Err()
}

// Validate проверяет параметры узла.
// AuthToken не обязателен: без него узел копит очередь, но не синхронизируется.
func (c *Node) Validate() error {
	if err := validation.ValidateNodeID(c.NodeID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	u, err := url.Parse(c.AggregatorURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: aggregator_url must be an http(s) URL", ErrInvalidConfig)
	}
	for _, collection := range c.Collections {
		if err := validation.ValidateCollection(collection); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	switch {
	case c.DBPath == "":
		return fmt.Errorf("%w: db_path is required", ErrInvalidConfig)
	case c.PushInterval <= 0 || c.PullInterval <= 0:
		return fmt.Errorf("%w: push_interval and pull_interval must be positive", ErrInvalidConfig)
	case c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase:
		return fmt.Errorf("%w: backoff_cap must be at least backoff_base", ErrInvalidConfig)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalidConfig)
	case c.BatchSize <= 0 || c.MaxBatchesPerRun <= 0:
		return fmt.Errorf("%w: batch_size and max_batches_per_run must be positive", ErrInvalidConfig)
	case c.BatchSize > api.MaxPushBatch:
		return fmt.Errorf("%w: batch_size cannot exceed %d", ErrInvalidConfig, api.MaxPushBatch)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: max_attempts must be positive", ErrInvalidConfig)
	case c.PullPageSize <= 0:
		return fmt.Errorf("%w: pull_page_size must be positive", ErrInvalidConfig)
	case c.MaxPayloadBytes <= 0:
		return fmt.Errorf("%w: max_payload_bytes must be positive", ErrInvalidConfig)
	case c.MaxBatchBytes < c.MaxPayloadBytes:
		return fmt.Errorf("%w: max_batch_bytes must be at least max_payload_bytes", ErrInvalidConfig)
	}
	return nil
}
