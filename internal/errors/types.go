package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypePipeline      ErrorType = "pipeline"
	ErrorTypeResolution    ErrorType = "resolution"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeIO            ErrorType = "io"
	ErrorTypeInternal      ErrorType = "internal"
)

const (
	ErrCodeNotFound         = "ERR_NOT_FOUND"
	ErrCodeLoadFailed       = "ERR_LOAD_FAILED"
	ErrCodeTransformFailed  = "ERR_TRANSFORM_FAILED"
	ErrCodeUnresolvedImport = "ERR_UNRESOLVED_IMPORT"
	ErrCodeConfigInvalid    = "ERR_CONFIG_INVALID"
	ErrCodeHTMLFragment     = "ERR_HTML_FRAGMENT"
	ErrCodeHTMLHead         = "ERR_HTML_HEAD"
	ErrCodeNoMount          = "ERR_NO_MOUNT"
	ErrCodeUnbuiltOutput    = "ERR_UNBUILT_OUTPUT"
	ErrCodeReadFailed       = "ERR_READ_FAILED"
	ErrCodeWriteFailed      = "ERR_WRITE_FAILED"
	ErrCodeListenFailed     = "ERR_LISTEN_FAILED"
	ErrCodeInternal         = "ERR_INTERNAL"
)

// Error is the structured error used across snowdrift.
type Error struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Component   string
	FilePath    string
	Stage       string
	Step        string
	Lookups     []string
	Recoverable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}
	if e.Stage != "" {
		parts = append(parts, fmt.Sprintf("%s.%s()", e.Stage, e.Step))
	}
	if e.FilePath != "" {
		parts = append(parts, e.FilePath)
	}
	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")
	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}
	return result
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on type and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}
	return false
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithLocation records the file the error belongs to.
func (e *Error) WithLocation(filePath string) *Error {
	e.FilePath = filePath
	return e
}

// WithComponent adds component context.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithStage tags the error with the pipeline stage and step that raised it.
func (e *Error) WithStage(stage, step string) *Error {
	e.Stage = stage
	e.Step = step
	return e
}

// NewNotFoundError reports a URL that maps to nothing servable. The
// attempted lookups are kept for the 404 page.
func NewNotFoundError(url string, lookups []string) *Error {
	return &Error{
		Type:        ErrorTypeNotFound,
		Code:        ErrCodeNotFound,
		Message:     "not found: " + url,
		Lookups:     lookups,
		Recoverable: true,
	}
}

// NewPipelineError wraps a failure raised by a plugin stage.
func NewPipelineError(stage, step string, cause error) *Error {
	code := ErrCodeLoadFailed
	if step == "transform" {
		code = ErrCodeTransformFailed
	}
	return &Error{
		Type:    ErrorTypePipeline,
		Code:    code,
		Message: "build failed",
		Cause:   cause,
		Stage:   stage,
		Step:    step,
	}
}

// NewResolutionError reports an import specifier that could not be resolved.
func NewResolutionError(spec, importer string, cause error) *Error {
	return &Error{
		Type:     ErrorTypeResolution,
		Code:     ErrCodeUnresolvedImport,
		Message:  fmt.Sprintf("could not resolve %q", spec),
		Cause:    cause,
		FilePath: importer,
	}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(code, message string) *Error {
	return &Error{
		Type:    ErrorTypeConfiguration,
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *Error {
	return &Error{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeIO,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func typeOf(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return "", false
}

// IsNotFound checks if an error is a NotFound error.
func IsNotFound(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeNotFound
}

// IsPipelineError checks if an error came out of a plugin stage.
func IsPipelineError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypePipeline
}

// IsResolutionError checks if an error is an unresolved import.
func IsResolutionError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeResolution
}

// IsConfigurationError checks if an error is a configuration error.
func IsConfigurationError(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeConfiguration
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return false
}

// StageDetails returns the plugin stage and step attached to err, if any.
func StageDetails(err error) (stage, step string, ok bool) {
	var e *Error
	for errors.As(err, &e) {
		if e.Stage != "" {
			return e.Stage, e.Step, true
		}
		err = e.Cause
		if err == nil {
			break
		}
	}
	return "", "", false
}

// Lookups returns the attempted lookups of a NotFound error.
func Lookups(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Lookups
	}
	return nil
}
