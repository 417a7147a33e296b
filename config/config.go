// This package defines a common config struct which can be used by any subsystem within keyshare.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Debug                        bool
	RootDir                      string
	LoggingPrefix                string
	KeyRequestTimeoutMs          int64
	TimeBetweenUserKeyRequestsMs int64
	MaxConcurrentRoomKeyRequests int
	MaxEventsPerRequest          int
	SchedulerThrottleMs          int64
	QueueDelayMs                 int64
	EntitlementCacheTTLMs        int64
	writer                       io.Writer
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
	consoleEncoder := zapcore.NewConsoleEncoder(de)
	cores := []zapcore.Core{
		zapcore.NewCore(consoleEncoder, zapcore.AddSync(os.Stdout), level),
	}
	if c.writer != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(de), zapcore.AddSync(c.writer), level))
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	return logger.Sugar()
}

func (c Config) KeyRequestTimeout() time.Duration {
	return time.Duration(c.KeyRequestTimeoutMs) * time.Millisecond
}

func (c Config) TimeBetweenUserKeyRequests() time.Duration {
	return time.Duration(c.TimeBetweenUserKeyRequestsMs) * time.Millisecond
}

func (c Config) SchedulerThrottle() time.Duration {
	return time.Duration(c.SchedulerThrottleMs) * time.Millisecond
}

func (c Config) QueueDelay() time.Duration {
	return time.Duration(c.QueueDelayMs) * time.Millisecond
}

func (c Config) EntitlementCacheTTL() time.Duration {
	return time.Duration(c.EntitlementCacheTTLMs) * time.Millisecond
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

func WithKeyRequestTimeoutMs(n int64) Option {
	return func(c *Config) {
		c.KeyRequestTimeoutMs = n
	}
}

func WithTimeBetweenUserKeyRequestsMs(n int64) Option {
	return func(c *Config) {
		c.TimeBetweenUserKeyRequestsMs = n
	}
}

func WithMaxConcurrentRoomKeyRequests(n int) Option {
	return func(c *Config) {
		c.MaxConcurrentRoomKeyRequests = n
	}
}

func WithMaxEventsPerRequest(n int) Option {
	return func(c *Config) {
		c.MaxEventsPerRequest = n
	}
}

func WithSchedulerThrottleMs(n int64) Option {
	return func(c *Config) {
		c.SchedulerThrottleMs = n
	}
}

func WithQueueDelayMs(n int64) Option {
	return func(c *Config) {
		c.QueueDelayMs = n
	}
}

func WithEntitlementCacheTTLMs(n int64) Option {
	return func(c *Config) {
		c.EntitlementCacheTTLMs = n
	}
}

// Disables the rotating log file, useful in tests.
func WithoutLogFile() Option {
	return func(c *Config) {
		c.RootDir = ""
	}
}

func NewConfig(opts ...Option) *Config {
	c := &Config{
		Debug:                        os.Getenv("DEBUG") == "1",
		RootDir:                      ".",
		LoggingPrefix:                "",
		KeyRequestTimeoutMs:          3000,
		TimeBetweenUserKeyRequestsMs: 5 * 60 * 1000,
		MaxConcurrentRoomKeyRequests: 2,
		MaxEventsPerRequest:          64,
		SchedulerThrottleMs:          250,
		QueueDelayMs:                 100,
		EntitlementCacheTTLMs:        30000,

		writer: nil,
	}
	for _, o := range opts {
		o(c)
	}

	if c.RootDir != "" {
		c.writer = &lumberjack.Logger{
			Filename:   filepath.Join(c.RootDir, "keyshare.log"),
			MaxSize:    500, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return c
}
