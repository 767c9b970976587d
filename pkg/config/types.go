package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a manifest error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the path to the offending value, e.g. "workloads.web.runtime".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ManifestError is returned when a manifest cannot be turned into
// workload specs.
type ManifestError struct {
	Source string
	Errors []ValidationError
}

func (e *ManifestError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, ve := range e.Errors {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid manifest %s: %s", e.Source, strings.Join(msgs, "; "))
}

func manifestError(source, path, format string, args ...interface{}) *ManifestError {
	return &ManifestError{
		Source: source,
		Errors: []ValidationError{{
			File:     source,
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		}},
	}
}
