package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Is walks the cause chain of err and reports whether any *Error in it
// carries code.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code.Equals(code) {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// As returns the outermost *Error in the chain of err
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// GetContext extracts context from our errors
func GetContext(err error) map[string]string {
	if e, ok := As(err); ok {
		return e.Context
	}
	return nil
}

// GetCode returns the code of the outermost *Error, or "" for foreign errors
func GetCode(err error) string {
	if e, ok := As(err); ok {
		return e.Code.String()
	}
	return ""
}

// FormatError renders an error with its code and context for logging
func FormatError(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return err.Error()
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("Code: %s", e.Code))
	parts = append(parts, fmt.Sprintf("Message: %s", e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		parts = append(parts, "Context:")
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("  %s: %v", k, e.Context[k]))
		}
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause: %v", e.Cause))
	}

	return strings.Join(parts, "\n")
}

// AsError converts any error to the internal *Error format.
// Existing *Error values are returned as-is; foreign errors are wrapped
// with CommonInternal.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return New(CommonInternal, err.Error(), err)
}
