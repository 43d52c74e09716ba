package circuitbreaker

import (
	"context"
	"errors"
	"testing"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb, err := New(DefaultConfig("remote"), nil)
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		if _, err := cb.Execute(context.Background(), func() (interface{}, error) { return nil, boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected remote error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}

	called := false
	_, err = cb.Execute(context.Background(), func() (interface{}, error) { called = true; return nil, nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("open breaker should not call through")
	}
}

func TestCancellationDoesNotTrip(t *testing.T) {
	cb, _ := New(DefaultConfig("remote"), nil)
	for i := 0; i < 5; i++ {
		cb.Execute(context.Background(), func() (interface{}, error) { return nil, context.Canceled })
	}
	if cb.State() != StateClosed {
		t.Errorf("cancelled calls should not open the breaker, got %s", cb.State())
	}
}

func TestManagerHealth(t *testing.T) {
	m := NewManager(nil)
	a, _ := m.GetOrCreate("drugdb", DefaultConfig(""))
	b, _ := m.GetOrCreate("drugdb", DefaultConfig(""))
	if a != b {
		t.Error("expected the same breaker for one name")
	}
	m.GetOrCreate("audit", DefaultConfig(""))

	health := m.Health()
	if len(health) != 2 || health[0].Name != "audit" || health[1].Name != "drugdb" {
		t.Fatalf("unexpected health %+v", health)
	}
	if !health[1].Healthy || health[1].State != StateClosed {
		t.Errorf("new breaker should be healthy, got %+v", health[1])
	}
}
