package idempotency

import (
	"errors"
	"fmt"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	a := GenerateKey("audit-archive", "event-1")
	if a != GenerateKey("audit-archive", "event-1") {
		t.Error("key should be deterministic")
	}
	if len(a) != 64 {
		t.Errorf("expected hex sha256, got %q", a)
	}
	if a == GenerateKey("audit-archive", "event-2") {
		t.Error("different parts should give different keys")
	}
}

func TestPermanent(t *testing.T) {
	cause := errors.New("bad payload")
	err := fmt.Errorf("decode: %w", Permanent(cause))

	if !IsPermanent(err) {
		t.Error("wrapped permanent error should be detected")
	}
	if !errors.Is(err, cause) {
		t.Error("permanent error should unwrap to its cause")
	}
	if IsPermanent(cause) {
		t.Error("plain error is not permanent")
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}
