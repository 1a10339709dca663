// Package config загружает конфигурацию агрегатора и узла.
//
// Порядок применения: значения по умолчанию, YAML файл, переменные окружения
// CCRE_* (в том числе из .env). Флаги командной строки применяются в cmd поверх.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "CCRE_"

// ErrInvalidConfig обертка ошибок валидации конфигурации
var ErrInvalidConfig = errors.New("invalid config")

// Logging параметры логирования
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json; пусто - text для терминала, json иначе
}

// NewLogger создает slog.Logger по настройкам
func (l Logging) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, l.Level)
	}
	opts := &slog.HandlerOptions{Level: level}

	format := l.Format
	if format == "" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, l.Format)
	}
}

// loadYAML читает YAML файл поверх уже заполненной структуры.
// Пустой путь означает отсутствие файла.
func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // опечатки в ключах - ошибка
	if err := decoder.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadDotEnv загружает .env, не перезаписывая уже заданные переменные.
// Отсутствие файла по умолчанию не ошибка.
func loadDotEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// envBinder применяет переменные окружения CCRE_* к полям конфигурации
type envBinder struct {
	lookup func(string) (string, bool)
	errs   []error
}

func newEnvBinder() *envBinder {
	return &envBinder{lookup: os.LookupEnv}
}

func (b *envBinder) get(name string) (string, bool) {
	v, ok := b.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (b *envBinder) String(name string, dst *string) {
	if v, ok := b.get(name); ok {
		*dst = v
	}
}

func (b *envBinder) Int(name string, dst *int) {
	if v, ok := b.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (b *envBinder) Int64(name string, dst *int64) {
	if v, ok := b.get(name); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = n
	}
}

func (b *envBinder) Bool(name string, dst *bool) {
	if v, ok := b.get(name); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = parsed
	}
}

func (b *envBinder) Duration(name string, dst *time.Duration) {
	if v, ok := b.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*dst = d
	}
}

// List разбирает значения через запятую
func (b *envBinder) List(name string, dst *[]string) {
	if v, ok := b.get(name); ok {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		*dst = items
	}
}

func (b *envBinder) Err() error {
	if len(b.errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(b.errs...))
}
