package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New builds the process logger from cfg
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, _ := zapcore.ParseLevel(cfg.Level)
	writer, err := buildWriter(cfg.OutputPath, cfg.Rotation)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(buildEncoder(cfg.Format, cfg.buildEncoderConfig()), writer, level)

	options := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Development {
		options = append(options, zap.AddCaller(), zap.Development())
	}

	return zap.New(core, options...), nil
}

// NewSecurityLogger builds the human-readable security log. Entries go to a
// rotating file at path and to console, at INFO and above.
func NewSecurityLogger(path string, rotation RotationConfig, console io.Writer) (*zap.Logger, error) {
	writers := []zapcore.WriteSyncer{}

	if path != "" {
		fileWriter, err := buildWriter(path, rotation)
		if err != nil {
			return nil, err
		}
		writers = append(writers, fileWriter)
	}
	if console != nil {
		writers = append(writers, zapcore.Lock(zapcore.AddSync(console)))
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writers...),
		zapcore.InfoLevel,
	)
	return zap.New(core).Named("security"), nil
}

// WithComponent adds component context
func WithComponent(logger *zap.Logger, component string) *zap.Logger {
	return logger.With(zap.String("component", component))
}

// WithSource adds the ingestion source tag
func WithSource(logger *zap.Logger, source string) *zap.Logger {
	return logger.With(zap.String("source", source))
}

func buildEncoder(format string, cfg zapcore.EncoderConfig) zapcore.Encoder {
	if format == "json" {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

func buildWriter(path string, rotation RotationConfig) (zapcore.WriteSyncer, error) {
	switch path {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// File output with rotation
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    rotation.MaxSize,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAge,
		Compress:   rotation.Compress,
	}), nil
}
