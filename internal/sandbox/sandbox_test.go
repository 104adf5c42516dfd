package sandbox

import (
	"strings"
	"testing"
)

func TestFailureReport(t *testing.T) {
	tb := "Traceback (most recent call last):\n  <snippet>:1:2: in <toplevel>\nError: division by zero"

	tests := []struct {
		name   string
		result *ExecutionResult
		want   string
	}{
		{"success", Completed("hi\n"), ""},
		{"no traceback", Faulted(FaultCapabilityRejected, "", "nope", ""), "Error: nope"},
		{"traceback with error line", Faulted(FaultRuntime, "", "division by zero", tb), tb},
		{"traceback without error line", Faulted(FaultRuntime, "", "boom", "Traceback:\n  x"), "Traceback:\n  x\nboom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.FailureReport(); got != tt.want {
				t.Errorf("FailureReport() = %q, want %q", got, tt.want)
			}
		})
	}

	var nilResult *ExecutionResult
	if got := nilResult.FailureReport(); got != "" {
		t.Errorf("nil FailureReport() = %q, want empty", got)
	}
	if strings.Count(Faulted(FaultRuntime, "", "division by zero", tb).FailureReport(), "division by zero") != 1 {
		t.Error("error line repeated in report")
	}
}

func TestLanguageOrDefault(t *testing.T) {
	if got := LanguageOrDefault(""); got != LanguagePython {
		t.Errorf("LanguageOrDefault(\"\") = %q, want %q", got, LanguagePython)
	}
	if got := LanguageOrDefault("javascript"); got != "javascript" {
		t.Errorf("LanguageOrDefault(javascript) = %q, want javascript", got)
	}
}
