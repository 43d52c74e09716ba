package drugdb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/drfirst/go-mtr/pkg/circuitbreaker"
)

// SourceConfig configures the external drug database client
type SourceConfig struct {
	// BaseURL of the drug database service; empty disables refresh
	BaseURL string
	// Path of the dataset resource
	Path       string
	Timeout    time.Duration
	RetryCount int
}

// DefaultSourceConfig returns defaults for the drug database client
func DefaultSourceConfig(baseURL string) SourceConfig {
	return SourceConfig{
		BaseURL:    baseURL,
		Path:       "/v1/knowledge-base",
		Timeout:    10 * time.Second,
		RetryCount: 2,
	}
}

// Source serves the latest known snapshot and refreshes it from an
// external drug database. Snapshots are swapped atomically, so readers
// never block and a failed refresh keeps the current data.
type Source struct {
	current atomic.Pointer[Snapshot]
	cfg     SourceConfig
	client  *resty.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewSource creates a source that starts from initial
func NewSource(initial *Snapshot, cfg SourceConfig, breaker *circuitbreaker.CircuitBreaker, logger *zap.Logger) *Source {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("Accept", "application/json")

	s := &Source{
		cfg:     cfg,
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
	s.current.Store(initial)
	return s
}

// Current returns the snapshot in service
func (s *Source) Current() Base { return s.current.Load() }

// Snapshot returns the snapshot in service
func (s *Source) Snapshot() *Snapshot { return s.current.Load() }

// Refresh downloads the dataset and swaps it in when its version differs
// from the one in service. It reports whether a new snapshot was installed.
func (s *Source) Refresh(ctx context.Context) (bool, error) {
	if s.cfg.BaseURL == "" {
		return false, nil
	}

	fetch := func() (interface{}, error) { return s.fetch(ctx) }
	var (
		result interface{}
		err    error
	)
	if s.breaker != nil {
		result, err = s.breaker.Execute(ctx, fetch)
	} else {
		result, err = fetch()
	}
	if err != nil {
		s.logger.Warn("drug database refresh failed, keeping current dataset",
			zap.String("version", s.Snapshot().Version()),
			zap.Error(err))
		return false, err
	}

	next := result.(*Snapshot)
	prev := s.Snapshot()
	if prev != nil && prev.Version() == next.Version() {
		return false, nil
	}
	s.current.Store(next)

	from := ""
	if prev != nil {
		from = prev.Version()
	}
	s.logger.Info("drug knowledge base updated",
		zap.String("from_version", from),
		zap.String("to_version", next.Version()))
	return true, nil
}

func (s *Source) fetch(ctx context.Context) (*Snapshot, error) {
	resp, err := s.client.R().SetContext(ctx).Get(s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to call drug database: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("drug database returned %s", resp.Status())
	}
	return Parse(resp.Body())
}

// Run refreshes on every tick until ctx is cancelled. observe, if set,
// receives the outcome of every attempt.
func (s *Source) Run(ctx context.Context, interval time.Duration, observe func(updated bool, err error)) {
	if s.cfg.BaseURL == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updated, err := s.Refresh(ctx)
			if observe != nil {
				observe(updated, err)
			}
		}
	}
}
