package errors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"syscall"

	"github.com/go-sql-driver/mysql"
)

// ErrorType represents different categories of errors
type ErrorType string

const (
	// ErrorTypeConfiguration represents a missing or invalid setting
	ErrorTypeConfiguration ErrorType = "configuration"
	// ErrorTypeBroker represents secrets broker (Vault) failures
	ErrorTypeBroker ErrorType = "broker"
	// ErrorTypeDump represents a failed dump invocation
	ErrorTypeDump ErrorType = "dump"
	// ErrorTypeUpload represents a failed artifact upload
	ErrorTypeUpload ErrorType = "upload"
	// ErrorTypeNotification represents a failed notification delivery
	ErrorTypeNotification ErrorType = "notification"
	// ErrorTypeStaging represents a staging directory conflict
	ErrorTypeStaging ErrorType = "staging"
	// ErrorTypeInterruption represents a canceled attempt
	ErrorTypeInterruption ErrorType = "interruption"
	// ErrorTypeUnknown represents unknown errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// AppError represents an application-specific error with context
type AppError struct {
	Type        ErrorType
	Message     string
	Cause       error
	Context     map[string]interface{}
	Recoverable bool
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRecoverable returns whether the error is recoverable
func (e *AppError) IsRecoverable() bool {
	return e.Recoverable
}

// WithContext adds context information to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: false,
	}
}

// NewRecoverableError creates a new recoverable error
func NewRecoverableError(errorType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:        errorType,
		Message:     message,
		Cause:       cause,
		Context:     make(map[string]interface{}),
		Recoverable: true,
	}
}

// Common error constructors

func NewConfigurationError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeConfiguration, message, cause)
}

func NewBrokerError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeBroker, message, cause)
}

// NewNonRenewableTokenError is the broker error the lease renewal loop skips over.
func NewNonRenewableTokenError(message string, cause error) *AppError {
	return NewRecoverableError(ErrorTypeBroker, message, cause)
}

func NewDumpFailedError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeDump, message, cause)
}

func NewUploadFailedError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeUpload, message, cause)
}

func NewNotificationDeliveryError(message string, cause error) *AppError {
	return NewAppError(ErrorTypeNotification, message, cause)
}

func NewStagingExistsError(path string) *AppError {
	return NewAppError(ErrorTypeStaging, fmt.Sprintf("staging directory %s already exists", path), nil).
		WithContext("path", path)
}

// ErrorClassifier provides methods to classify and handle different types of errors
type ErrorClassifier struct{}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// ClassifyError analyzes an error and returns an AppError with appropriate classification
func (ec *ErrorClassifier) ClassifyError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if ctxErr := ec.classifyContextError(err); ctxErr != nil {
		return ctxErr
	}

	if mysqlErr := ec.classifyMySQLError(err); mysqlErr != nil {
		return mysqlErr
	}

	if fsErr := ec.classifyFileSystemError(err); fsErr != nil {
		return fsErr
	}

	return NewAppError(ErrorTypeUnknown, "An unexpected error occurred", err)
}

// classifyContextError classifies context-related errors
func (ec *ErrorClassifier) classifyContextError(err error) *AppError {
	if errors.Is(err, context.DeadlineExceeded) {
		return NewAppError(ErrorTypeInterruption, "Backup attempt timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return NewAppError(ErrorTypeInterruption, "Backup attempt was canceled", err)
	}
	return nil
}

// classifyMySQLError classifies MySQL-specific errors raised while dumping
func (ec *ErrorClassifier) classifyMySQLError(err error) *AppError {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1045: // Access denied
			return NewDumpFailedError("Database access denied - check username and password", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 1049: // Unknown database
			return NewConfigurationError("Database does not exist", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		case 2003, 2006:
			return NewDumpFailedError("Cannot reach MySQL server", err).
				WithContext("mysql_error_code", mysqlErr.Number)
		default:
			return NewDumpFailedError(fmt.Sprintf("MySQL error: %s", mysqlErr.Message), err).
				WithContext("mysql_error_code", mysqlErr.Number)
		}
	}

	if errors.Is(err, sql.ErrConnDone) {
		return NewDumpFailedError("Database connection is closed", err)
	}

	return nil
}

// classifyFileSystemError classifies file system errors
func (ec *ErrorClassifier) classifyFileSystemError(err error) *AppError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		switch pathErr.Err {
		case syscall.ENOENT:
			return NewConfigurationError(
				fmt.Sprintf("File or directory not found: %s", pathErr.Path), err)
		case syscall.EACCES:
			return NewConfigurationError(
				fmt.Sprintf("Permission denied: %s", pathErr.Path), err)
		case syscall.ENOSPC:
			return NewDumpFailedError("No space left on device", err)
		}
	}
	return nil
}

// IsRecoverableError checks if an error is recoverable
func IsRecoverableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.IsRecoverable()
	}
	return false
}

// GetErrorType returns the error type of an error
func GetErrorType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

func IsConfiguration(err error) bool { return GetErrorType(err) == ErrorTypeConfiguration }
func IsBroker(err error) bool        { return GetErrorType(err) == ErrorTypeBroker }
func IsDumpFailed(err error) bool    { return GetErrorType(err) == ErrorTypeDump }
func IsUploadFailed(err error) bool  { return GetErrorType(err) == ErrorTypeUpload }
func IsStagingExists(err error) bool { return GetErrorType(err) == ErrorTypeStaging }

// Trace renders the full cause chain of err, outermost first, one line per level.
func Trace(err error) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	depth := 0
	for current := err; current != nil; current = errors.Unwrap(current) {
		line := current.Error()
		if appErr, ok := current.(*AppError); ok {
			line = fmt.Sprintf("%s: %s", appErr.Type, appErr.Message)
			keys := make([]string, 0, len(appErr.Context))
			for k := range appErr.Context {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				line += fmt.Sprintf(" [%s=%v]", k, appErr.Context[k])
			}
		}
		if depth > 0 {
			b.WriteString("\n")
			b.WriteString(strings.Repeat("  ", depth))
			b.WriteString("caused by: ")
		}
		b.WriteString(line)
		depth++
	}
	return b.String()
}

// WrapError wraps an existing error with additional context
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return NewAppError(appErr.Type, message, err)
	}

	classified := NewErrorClassifier().ClassifyError(err)
	return NewAppError(classified.Type, message, err)
}
