// Package sandbox runs untrusted snippets inside a capability-limited
// interpreter. Snippets are written in a Python dialect (Starlark with
// Python-style import statements) and only reach host functionality through
// the module broker, which consults a fixed capability policy.
//
// Every failure, including rejected imports and interpreter faults, is
// converted into an ExecutionResult. Nothing escapes to the caller as a raw
// error or panic.
package sandbox

import (
	"context"
	"strings"
	"time"
)

// Language identifies the dialect a snippet is written in.
type Language string

// LanguagePython is the only supported language.
const LanguagePython Language = "python"

// LanguageOrDefault returns l, or LanguagePython when the caller omitted it.
func LanguageOrDefault(l Language) Language {
	if l == "" {
		return LanguagePython
	}
	return l
}

// Sandbox executes snippets and always returns a result.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) *ExecutionResult
}

// ExecutionRequest is a single snippet to run.
type ExecutionRequest struct {
	Code     string   `json:"code"`
	Language Language `json:"language"`
}

// ExecutionResult is the structured outcome of an execution.
// Output is always set; Error and Traceback are nil on success.
// Traceback is only set for runtime faults.
type ExecutionResult struct {
	Success   bool    `json:"success"`
	Output    string  `json:"output"`
	Error     *string `json:"error"`
	Traceback *string `json:"traceback"`

	Kind        FaultKind     `json:"-"`
	Duration    time.Duration `json:"-"`
	ExecutionID string        `json:"-"`
}

// Completed builds a successful result.
func Completed(output string) *ExecutionResult {
	return &ExecutionResult{Success: true, Output: output}
}

// Faulted builds a failed result. An empty traceback is reported as null.
func Faulted(kind FaultKind, output, msg, traceback string) *ExecutionResult {
	r := &ExecutionResult{
		Output: output,
		Error:  &msg,
		Kind:   kind,
	}
	if traceback != "" {
		r.Traceback = &traceback
	}
	return r
}

// ErrorMessage returns the error summary or "" on success.
func (r *ExecutionResult) ErrorMessage() string {
	if r == nil || r.Error == nil {
		return ""
	}
	return *r.Error
}

// FailureReport renders the failure the way a Python user expects to read
// it: the traceback ending in the error line, or "Error: <msg>" when there
// is no traceback. It returns "" on success.
func (r *ExecutionResult) FailureReport() string {
	if r == nil || r.Success {
		return ""
	}
	msg := r.ErrorMessage()
	if r.Traceback == nil || *r.Traceback == "" {
		return "Error: " + msg
	}
	if strings.Contains(*r.Traceback, msg) {
		return *r.Traceback
	}
	return *r.Traceback + "\n" + msg
}
