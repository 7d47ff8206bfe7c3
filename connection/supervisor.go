package connection

import (
	"context"
	"log/slog"
	"time"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/pkg/retry"
)

// defaultProbeInterval is how often the supervisor re-checks link health.
const defaultProbeInterval = time.Second

// Supervisor reconnects a failed manager with backoff. The manager itself
// never reconnects; keeping the retry loop out here lets callers that want
// accurate link-health UI run without one.
type Supervisor struct {
	manager       *Manager
	retryConfig   retry.Config
	probeInterval time.Duration
	logger        *slog.Logger
}

// NewSupervisor wraps a manager with reconnect policy. A zero retry config
// selects retry.Persistent.
func NewSupervisor(m *Manager, cfg retry.Config, logger *slog.Logger) *Supervisor {
	if cfg.MaxAttempts == 0 {
		cfg = retry.Persistent()
	}
	if logger == nil {
		logger = slog.Default().With("component", "connection-supervisor", "connection_id", m.ID())
	}
	return &Supervisor{
		manager:       m,
		retryConfig:   cfg,
		probeInterval: defaultProbeInterval,
		logger:        logger,
	}
}

// ID returns the supervised connection's identifier.
func (s *Supervisor) ID() string { return s.manager.ID() }

// Run keeps the connection up until the context ends, then disconnects.
// Each downtime gets a fresh backoff schedule. Run returns the error that
// ended the last reconnect cycle, or nil on context cancellation.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() { _ = s.manager.Disconnect() }()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		if !s.manager.Connected() {
			err := retry.Do(ctx, s.retryConfig, func() error {
				return s.manager.Connect(ctx)
			})
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("reconnect attempts exhausted", "error", err)
				return err
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
