package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidationJoinsAllRules(t *testing.T) {
	err := Validation("first rule", "second rule")

	if err.Message != "first rule; second rule" {
		t.Errorf("unexpected message: %q", err.Message)
	}
	if len(err.Details) != 2 {
		t.Errorf("expected 2 details, got %d", len(err.Details))
	}
	if !errors.Is(err, ErrValidation) {
		t.Error("expected errors.Is to match ErrValidation")
	}
	if err.HTTPStatus() != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", err.HTTPStatus())
	}
}

func TestKindStatusMapping(t *testing.T) {
	tests := []struct {
		err    *Error
		status int
	}{
		{NotFound("session", "abc"), http.StatusNotFound},
		{BusinessRule("duplicate"), http.StatusConflict},
		{Conflict("stale"), http.StatusConflict},
		{Internal(errors.New("boom")), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := tt.err.HTTPStatus(); got != tt.status {
			t.Errorf("%s: expected %d, got %d", tt.err.Kind, tt.status, got)
		}
	}
}

func TestAsWrapsForeignErrors(t *testing.T) {
	wrapped := fmt.Errorf("load: %w", NotFound("session", "x"))
	if got := As(wrapped); got.Kind != KindNotFound {
		t.Errorf("expected NotFound, got %s", got.Kind)
	}

	if got := As(errors.New("db down")); got.Kind != KindInternal {
		t.Errorf("expected Internal, got %s", got.Kind)
	}

	if !IsKind(wrapped, KindNotFound) {
		t.Error("expected IsKind to see through wrapping")
	}
}
