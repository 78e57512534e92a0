package errors

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeIO            ErrorType = "io"
	ErrorTypeSecurity      ErrorType = "security"
)

// ErrorSeverity represents the severity of an error
type ErrorSeverity string

const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// Well-known error codes
const (
	CodeConfigurationMissing = "configuration_missing"
	CodeConfigurationInvalid = "configuration_invalid"
	CodeSinkUnavailable      = "sink_unavailable"
	CodeAuditUnavailable     = "audit_unavailable"
)

// AppError represents an application error with context
type AppError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	wrapped   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error
func (e *AppError) Unwrap() error {
	return e.wrapped
}

// NewError creates a new application error
func NewError(errType ErrorType, severity ErrorSeverity, code string, message string) *AppError {
	return &AppError{
		Type:      errType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WithError wraps an existing error
func (e *AppError) WithError(err error) *AppError {
	e.wrapped = err
	return e
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	e.Context[key] = value
	return e
}

// ConfigurationMissing reports a missing policy, key or config file.
// Callers continue in degraded mode.
func ConfigurationMissing(message string, err error) *AppError {
	return NewError(ErrorTypeConfiguration, SeverityHigh, CodeConfigurationMissing, message).WithError(err)
}

// ConfigurationInvalid reports a config file that exists but can't be used
func ConfigurationInvalid(message string, err error) *AppError {
	return NewError(ErrorTypeConfiguration, SeverityCritical, CodeConfigurationInvalid, message).WithError(err)
}

// IOFailure reports a sink or audit log that cannot be opened or written. It is fatal.
func IOFailure(code, message string, err error) *AppError {
	return NewError(ErrorTypeIO, SeverityCritical, code, message).WithError(err)
}

// As returns the first AppError in err's chain
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err's chain holds an AppError of errType
func IsType(err error, errType ErrorType) bool {
	appErr, ok := As(err)
	return ok && appErr.Type == errType
}

// IsCode reports whether err's chain holds an AppError with code
func IsCode(err error, code string) bool {
	appErr, ok := As(err)
	return ok && appErr.Code == code
}

// Log logs an error with a level matching its severity
func Log(logger *zap.Logger, err error) {
	appErr, ok := As(err)
	if !ok {
		logger.Error(err.Error())
		return
	}

	fields := []zap.Field{
		zap.String("type", string(appErr.Type)),
		zap.String("severity", string(appErr.Severity)),
		zap.String("code", appErr.Code),
	}
	if len(appErr.Context) > 0 {
		fields = append(fields, zap.Any("context", appErr.Context))
	}
	if appErr.wrapped != nil {
		fields = append(fields, zap.Error(appErr.wrapped))
	}

	switch appErr.Severity {
	case SeverityCritical:
		logger.Error(appErr.Message, fields...)
	case SeverityHigh:
		logger.Warn(appErr.Message, fields...)
	case SeverityMedium:
		logger.Info(appErr.Message, fields...)
	default:
		logger.Debug(appErr.Message, fields...)
	}
}
