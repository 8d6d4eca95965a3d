package turn

import (
	"fmt"
	"strings"
)

// ErrorKind tags an error with the handling policy from the error design:
// each kind maps to exactly one recovery rule in the pipeline, never to
// ad hoc string matching at the call site.
type ErrorKind string

const (
	KindRateLimited    ErrorKind = "RateLimited"
	KindLlmTransient   ErrorKind = "LlmTransient"
	KindContextOverflow ErrorKind = "ContextOverflow"
	KindLlmEmpty       ErrorKind = "LlmEmpty"
	KindToolFailure    ErrorKind = "ToolFailure"
	KindToolDenied     ErrorKind = "ToolDenied"
	KindPolicyDenied   ErrorKind = "PolicyDenied"
	KindTimeout        ErrorKind = "Timeout"
	KindFatal          ErrorKind = "Fatal"
)

// ClassifiedError pairs a raw error with the handling kind assigned to it by
// whichever component first observed it (provider, tool executor, gate).
type ClassifiedError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *ClassifiedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Cause }

// NewClassifiedError builds a ClassifiedError, defaulting Message to the
// cause's text when not overridden.
func NewClassifiedError(kind ErrorKind, message string, cause error) *ClassifiedError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &ClassifiedError{Kind: kind, Message: message, Cause: cause}
}

// contextOverflowMarkers are substrings that identify a provider error as a
// context-window overflow rather than any other transient failure.
var contextOverflowMarkers = []string{
	"exceeds maximum input length",
	"context_length_exceeded",
	"maximum context length",
	"too many tokens",
	"request too large",
}

// IsContextOverflow reports whether err's message matches one of the known
// context-overflow phrasings used across providers.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range contextOverflowMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
