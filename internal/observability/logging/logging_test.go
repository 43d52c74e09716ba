package logging

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	logger, err := New("mtr-api", "production", "warn")
	if err != nil {
		t.Fatal(err)
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zap.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}

	if _, err := New("mtr-api", "development", "loud"); err == nil {
		t.Error("expected invalid level error")
	}
}
