package logging

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// Config defines all settings for logging.
type Config struct {
	// Level is the minimum log level that will be captured.
	Level string `yaml:"level"`

	// Format specifies the log output format. Can be "json" or "console".
	Format string `yaml:"format"`

	// OutputPath is "stdout", "stderr", or a file path.
	OutputPath string `yaml:"output_path"`

	// Rotation defines the configuration for log file rotation.
	Rotation RotationConfig `yaml:"rotation"`

	// Development enables colored console output and caller info.
	Development bool `yaml:"development"`
}

// RotationConfig defines the settings for log file rotation.
type RotationConfig struct {
	// MaxSize is the maximum size in megabytes of the log file before it gets rotated.
	MaxSize int `yaml:"max_size_mb"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `yaml:"max_age_days"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `yaml:"max_backups"`

	// Compress determines if the rotated log files should be compressed.
	Compress bool `yaml:"compress"`
}

// DefaultConfig returns a new Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "console",
		OutputPath: "stderr",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
	}
}

// Validate checks level and format
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Level)
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
	if c.OutputPath == "" {
		return fmt.Errorf("output_path is required")
	}
	return nil
}

// buildEncoderConfig creates a zapcore.EncoderConfig from the logger config.
func (c Config) buildEncoderConfig() zapcore.EncoderConfig {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stack",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if c.Development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return encoderConfig
}
