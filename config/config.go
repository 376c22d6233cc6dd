// This package defines a common config struct which can be used by any subsystem within the e2ee client.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug         bool   `toml:"debug"`
	RootDir       string `toml:"root_dir"`
	LoggingPrefix string `toml:"logging_prefix"`

	// key solicitation
	MaxConcurrentKeyRequests   int   `toml:"max_concurrent_key_requests"`
	MaxKnownSessionsPerRequest int   `toml:"max_known_sessions_per_request"`
	LookForKeysIntervalMs      int64 `toml:"look_for_keys_interval_ms"`
	QueueDelayMs               int64 `toml:"queue_delay_ms"`
	MaxResponseDelayMs         int64 `toml:"max_response_delay_ms"`
	KeyRequestStaleMs          int64 `toml:"key_request_stale_ms"`

	DeviceSaveDelayMs  int64 `toml:"device_save_delay_ms"`
	MaxPlaintextLength int   `toml:"max_plaintext_length"`

	writer io.Writer
}

func (c Config) Logger(source string) *zap.SugaredLogger {
	var p string
	if source == "" {
		p = c.LoggingPrefix
	} else {
		p = fmt.Sprintf("%s:%s", c.LoggingPrefix, source)
	}

	level := zapcore.InfoLevel
	if c.Debug {
		level = zapcore.DebugLevel
	}
	opts := []zap.Option{
		zap.Fields(zap.String("source", p)),
	}

	de := zap.NewDevelopmentEncoderConfig()
	fileEncoder := zapcore.NewJSONEncoder(de)
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	core := zapcore.NewTee(
		zapcore.NewCore(fileEncoder, zapcore.AddSync(c.writer), level),
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	)
	logger := zap.New(core, opts...)
	sugar := logger.Sugar()
	return sugar
}

type Option func(*Config)

func WithDebug(d bool) Option {
	return func(c *Config) {
		c.Debug = d
	}
}

func WithRootDir(d string) Option {
	return func(c *Config) {
		c.RootDir = d
	}
}

func WithLoggingPrefix(p string) Option {
	return func(c *Config) {
		c.LoggingPrefix = p
	}
}

func WithMaxConcurrentKeyRequests(n int) Option {
	return func(c *Config) {
		c.MaxConcurrentKeyRequests = n
	}
}

func WithLookForKeysIntervalMs(n int64) Option {
	return func(c *Config) {
		c.LookForKeysIntervalMs = n
	}
}

func WithQueueDelayMs(n int64) Option {
	return func(c *Config) {
		c.QueueDelayMs = n
	}
}

// Sets the upper bound of the random delay before answering a key solicitation.
func WithMaxResponseDelayMs(n int64) Option {
	return func(c *Config) {
		c.MaxResponseDelayMs = n
	}
}

// A solicitation older than this is posted again and no longer holds a request slot.
func WithKeyRequestStaleMs(n int64) Option {
	return func(c *Config) {
		c.KeyRequestStaleMs = n
	}
}

func WithDeviceSaveDelayMs(n int64) Option {
	return func(c *Config) {
		c.DeviceSaveDelayMs = n
	}
}

func defaults() *Config {
	return &Config{
		Debug:                      os.Getenv("DEBUG") == "1",
		LoggingPrefix:              "",
		RootDir:                    ".",
		MaxConcurrentKeyRequests:   2,
		MaxKnownSessionsPerRequest: 64,
		LookForKeysIntervalMs:      500,
		QueueDelayMs:               10,
		MaxResponseDelayMs:         5000,
		KeyRequestStaleMs:          60000,
		DeviceSaveDelayMs:          500,
		MaxPlaintextLength:         65536 * 3 / 4,

		writer: nil,
	}
}

func NewConfig(opts ...Option) *Config {
	return finish(defaults(), opts)
}

// Loads a TOML file on top of the defaults, then applies opts.
func LoadFile(path string, opts ...Option) (*Config, error) {
	c := defaults()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return nil, fmt.Errorf("config: error decoding %s: %w", path, err)
	}
	return finish(c, opts), nil
}

func finish(c *Config, opts []Option) *Config {
	for _, o := range opts {
		o(c)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(c.RootDir, "out.log"),
		MaxSize:    500, // megabytes
		MaxBackups: 3,
		MaxAge:     28,   // days
		Compress:   true, // disabled by default
	}
	c.writer = writer
	return c
}
