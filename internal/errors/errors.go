// Package errors classifies failures from the aggregation and loading tools,
// maps them to process exit codes, and retries transient storage failures.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/johnayoung/go-btc-daily-volumes/internal/config"
	"github.com/johnayoung/go-btc-daily-volumes/internal/ingest"
	"github.com/johnayoung/go-btc-daily-volumes/internal/models"
	"github.com/johnayoung/go-btc-daily-volumes/internal/report"
	"github.com/johnayoung/go-btc-daily-volumes/internal/storage"
)

// ErrorType represents the classification of an error
type ErrorType string

const (
	ErrorTypeConfiguration ErrorType = "configuration" // Invalid or unreadable configuration
	ErrorTypeFileAccess    ErrorType = "file_access"   // Input file missing or unreadable
	ErrorTypeMalformedData ErrorType = "malformed_data" // Input row could not be parsed
	ErrorTypeWrite         ErrorType = "write"          // Report could not be written
	ErrorTypeStorage       ErrorType = "storage"        // Historical trades store failure
	ErrorTypeTemporary     ErrorType = "temporary"      // Transient failure such as a held database lock
	ErrorTypeCanceled      ErrorType = "canceled"       // Run interrupted
	ErrorTypeUnknown       ErrorType = "unknown"        // Unclassified errors
)

// Process exit codes
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitConfig      = 2
	ExitFileAccess  = 3
	ExitData        = 4
	ExitWrite       = 5
	ExitInterrupted = 130
)

// Severity represents the severity level of an error
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ConfigError marks a failure to load or validate configuration.
type ConfigError struct {
	Err error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Err)
}

// Unwrap returns the underlying error
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ClassifiedError represents an error with metadata for handling decisions
type ClassifiedError struct {
	Err       error     `json:"error"`
	Type      ErrorType `json:"type"`
	Severity  Severity  `json:"severity"`
	Retryable bool      `json:"retryable"`
	Component string    `json:"component"`
	Operation string    `json:"operation"`
	Timestamp time.Time `json:"timestamp"`
	Attempts  int       `json:"attempts"`
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s: %v", ce.Component, ce.Type, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is checks if the error is of the specified type
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// ExitCode returns the process exit code for the classified error
func (ce *ClassifiedError) ExitCode() int {
	return ExitCodeFor(ce.Type)
}

// ErrorClassifier handles error classification and retry logic
type ErrorClassifier struct {
	logger *slog.Logger
}

// NewErrorClassifier creates a new error classifier
func NewErrorClassifier(logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}

	return &ErrorClassifier{logger: logger}
}

// Classify analyzes an error and returns a ClassifiedError with retry metadata
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	errorType := classifyErrorType(err)
	classified := &ClassifiedError{
		Err:       err,
		Type:      errorType,
		Severity:  determineSeverity(errorType),
		Retryable: errorType == ErrorTypeTemporary,
		Component: component,
		Operation: operation,
		Timestamp: time.Now(),
	}

	ec.logger.Debug("error classified",
		"type", errorType,
		"severity", classified.Severity.String(),
		"retryable", classified.Retryable,
		"component", component,
		"operation", operation,
		"error", err.Error())

	return classified
}

// classifyErrorType determines the error type from the typed errors in the chain
func classifyErrorType(err error) ErrorType {
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCanceled
	}

	var configErr *ConfigError
	if errors.As(err, &configErr) {
		return ErrorTypeConfiguration
	}

	var malformed *models.MalformedRowError
	if errors.As(err, &malformed) {
		return ErrorTypeMalformedData
	}

	var accessErr *ingest.FileAccessError
	if errors.As(err, &accessErr) {
		return ErrorTypeFileAccess
	}

	var writeErr *report.WriteError
	if errors.As(err, &writeErr) {
		return ErrorTypeWrite
	}

	var storageErr *storage.StorageError
	if errors.As(err, &storageErr) {
		if isLockContention(err) {
			return ErrorTypeTemporary
		}
		return ErrorTypeStorage
	}

	return ErrorTypeUnknown
}

// isLockContention reports whether err describes a database file held by
// another process.
func isLockContention(err error) bool {
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "could not set lock") ||
		strings.Contains(errStr, "conflicting lock") ||
		strings.Contains(errStr, "database is locked")
}

// determineSeverity assigns a severity level based on error type
func determineSeverity(errorType ErrorType) Severity {
	switch errorType {
	case ErrorTypeConfiguration, ErrorTypeStorage:
		return SeverityCritical
	case ErrorTypeFileAccess, ErrorTypeWrite, ErrorTypeMalformedData:
		return SeverityHigh
	case ErrorTypeTemporary:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// ExitCodeFor maps an error type to a process exit code
func ExitCodeFor(errorType ErrorType) int {
	switch errorType {
	case ErrorTypeConfiguration:
		return ExitConfig
	case ErrorTypeFileAccess:
		return ExitFileAccess
	case ErrorTypeMalformedData:
		return ExitData
	case ErrorTypeWrite, ErrorTypeStorage, ErrorTypeTemporary:
		return ExitWrite
	case ErrorTypeCanceled:
		return ExitInterrupted
	default:
		return ExitFailure
	}
}

// ExitCode classifies err and returns its exit code. A nil error exits 0.
func (ec *ErrorClassifier) ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	return ec.Classify(err, "", "").ExitCode()
}

// Retry executes fn until it succeeds, fails with a non-retryable error, or
// the policy's attempts are exhausted.
func (ec *ErrorClassifier) Retry(ctx context.Context, policy config.RetryPolicyConfig, component, operation string, fn func() error) error {
	attempts := 0
	var lastErr *ClassifiedError

	op := func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}

		classified := ec.Classify(err, component, operation)
		classified.Attempts = attempts
		lastErr = classified

		ec.logger.Warn("operation failed",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"max_attempts", policy.MaxAttempts,
			"error_type", classified.Type,
			"retryable", classified.Retryable,
			"error", err.Error())

		if !classified.Retryable {
			return backoff.Permanent(classified)
		}
		return classified
	}

	err := backoff.Retry(op, backoff.WithContext(createBackoffStrategy(policy), ctx))
	if err == nil {
		if attempts > 1 {
			ec.logger.Info("operation succeeded after retry",
				"component", component,
				"operation", operation,
				"attempts", attempts)
		}
		return nil
	}

	if ctx.Err() != nil && (lastErr == nil || lastErr.Retryable) {
		return fmt.Errorf("%s.%s canceled during retry: %w", component, operation, ctx.Err())
	}
	if lastErr != nil && lastErr.Retryable {
		ec.logger.Error("operation failed after all retries",
			"component", component,
			"operation", operation,
			"attempts", attempts)
		return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
	}
	return err
}

// createBackoffStrategy creates a backoff strategy based on configuration
func createBackoffStrategy(policy config.RetryPolicyConfig) backoff.BackOff {
	initialDelay, _ := time.ParseDuration(policy.InitialDelay)
	maxDelay, _ := time.ParseDuration(policy.MaxDelay)

	var strategy backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		strategy = backoff.NewConstantBackOff(initialDelay)
	default:
		exponential := backoff.NewExponentialBackOff()
		exponential.InitialInterval = initialDelay
		exponential.MaxInterval = maxDelay
		exponential.MaxElapsedTime = 0
		strategy = exponential
	}

	maxRetries := policy.MaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	return backoff.WithMaxRetries(strategy, uint64(maxRetries))
}
