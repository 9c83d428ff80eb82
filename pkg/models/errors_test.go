package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestCoreErrorMessageNamesOperation(t *testing.T) {
	err := NewError(KindLLMTimeout, "reasoning.submit", "could not reach model server")
	if !strings.Contains(err.Error(), "reasoning.submit") {
		t.Errorf("message should name the operation: %q", err.Error())
	}
	if !strings.Contains(err.Error(), "could not reach model server") {
		t.Errorf("message should carry the detail: %q", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"core error", NewError(KindBinaryNotFound, "llm.start", "no binary"), KindBinaryNotFound},
		{"wrapped core error", fmt.Errorf("outer: %w", NewError(KindCancelled, "stream.stop", "")), KindCancelled},
		{"foreign error", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBlockedErrorCarriesFindings(t *testing.T) {
	findings := []ValidationFinding{
		{Field: "end_time", Severity: SeverityError, Message: "end before start"},
		{Field: "priority", Severity: SeverityWarning, Message: "unusual priority"},
	}
	err := BlockedError("approval.approve", findings)

	if !IsKind(err, KindValidationBlocked) {
		t.Fatalf("kind = %v", KindOf(err))
	}
	got := FindingsOf(err)
	if len(got) != 2 {
		t.Fatalf("findings = %d, want 2", len(got))
	}
	if !strings.Contains(err.Error(), "1 errors") {
		t.Errorf("detail should count error findings: %q", err.Error())
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := WrapError(KindSpawnError, "llm.spawn", inner)
	if !errors.Is(err, inner) {
		t.Error("wrapped error should unwrap to the cause")
	}
}
