package errors

import (
	"errors"
	"testing"
)

func TestErrorWrapping(t *testing.T) {
	underlying := errors.New("disk full")
	err := Transient("store.write", underlying).WithPath("/tmp/docs/a.md")

	if err.Kind != KindTransient {
		t.Errorf("expected KindTransient, got %v", err.Kind)
	}
	if !errors.Is(err, underlying) {
		t.Error("expected error to unwrap to underlying")
	}
	if !err.IsRetriable() {
		t.Error("transient errors must be retriable")
	}

	expectedMsg := "transient store.write failed for /tmp/docs/a.md: disk full"
	if err.Error() != expectedMsg {
		t.Errorf("expected %q, got %q", expectedMsg, err.Error())
	}
}

func TestValidationCodes(t *testing.T) {
	err := Validation(CodeSubfolder, "/a/b", "path is a descendant of %s", "/a")
	if err.Code != "SUBFOLDER" {
		t.Errorf("expected code SUBFOLDER, got %s", err.Code)
	}
	if err.Kind != KindValidation {
		t.Errorf("expected KindValidation, got %v", err.Kind)
	}
	if err.IsRetriable() {
		t.Error("validation errors must not be retriable")
	}
}

func TestKindOf(t *testing.T) {
	wrapped := Model("embed", "gte-small", errors.New("connection refused"))
	if got := KindOf(wrapped); got != KindModel {
		t.Errorf("expected KindModel, got %v", got)
	}

	// Wrapping through fmt preserves the kind.
	outer := errors.Join(errors.New("outer"), wrapped)
	if got := KindOf(outer); got != KindModel {
		t.Errorf("expected KindModel through join, got %v", got)
	}

	if got := KindOf(errors.New("bare")); got != KindInternal {
		t.Errorf("unclassified errors should be KindInternal, got %v", got)
	}
}

func TestCorruptionRemediation(t *testing.T) {
	err := Corruption("/tmp/docs", errors.New("malformed database"))
	if err.Remediation == "" {
		t.Error("corruption errors must carry a remediation hint")
	}
	if err.Kind != KindCorruption {
		t.Errorf("expected KindCorruption, got %v", err.Kind)
	}
}
