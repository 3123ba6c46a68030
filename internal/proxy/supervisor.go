package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cordilleralabs/portfwd/internal/metrics"
	"github.com/jonboulle/clockwork"
)

// Supervisor owns the full set of relays derived from the configuration. It
// binds one relay per pair, isolates bind failures so one bad rule never
// stops its siblings, and serves all bound relays until the context is
// cancelled.
type Supervisor struct {
	log *slog.Logger
	cfg *SupervisorConfig

	mu     sync.Mutex
	relays []*Relay
}

type SupervisorConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pairs  []Pair

	// Optional with defaults.
	DialTimeout time.Duration

	// MaxSessions bounds concurrently relayed sessions across all relays;
	// 0 means unbounded.
	MaxSessions int
}

func (c *SupervisorConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if len(c.Pairs) == 0 {
		return errors.New("at least one pair is required")
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxSessions < 0 {
		return errors.New("max sessions must be >= 0")
	}
	return nil
}

func NewSupervisor(cfg *SupervisorConfig) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Supervisor{log: cfg.Logger, cfg: cfg}, nil
}

// Run binds and serves every relay concurrently, blocking until the context
// is cancelled. Individual bind failures are logged and skipped; Run fails
// only when not a single relay could bind.
func (s *Supervisor) Run(ctx context.Context) error {
	sessions := pond.NewPool(s.cfg.MaxSessions)
	defer sessions.StopAndWait()

	var bound []*Relay
	for _, pair := range s.cfg.Pairs {
		relay, err := NewRelay(&RelayConfig{
			Logger:      s.log.With("listen", pair.Listen.String()),
			Clock:       s.cfg.Clock,
			Pair:        pair,
			Sessions:    sessions,
			DialTimeout: s.cfg.DialTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to create relay for %s: %w", pair, err)
		}

		if err := relay.Listen(ctx); err != nil {
			metrics.RelayBindErrs.Inc()
			s.log.Error("relay failed to start; siblings continue", "pair", pair.String(), "error", err)
			continue
		}
		bound = append(bound, relay)
	}

	if len(bound) == 0 {
		return fmt.Errorf("no relay could start, %d pairs all failed to bind", len(s.cfg.Pairs))
	}
	if skipped := len(s.cfg.Pairs) - len(bound); skipped > 0 {
		s.log.Warn("some relays failed to bind", "bound", len(bound), "skipped", skipped)
	}

	s.mu.Lock()
	s.relays = bound
	s.mu.Unlock()

	metrics.RelaysRunning.Set(float64(len(bound)))
	defer metrics.RelaysRunning.Set(0)
	s.log.Info("supervisor started", "relays", len(bound))

	var wg sync.WaitGroup
	for _, relay := range bound {
		wg.Add(1)
		go func(r *Relay) {
			defer wg.Done()
			if err := r.Serve(ctx); err != nil {
				s.log.Error("relay stopped", "listen", r.Addr().String(), "error", err)
			}
		}(relay)
	}
	wg.Wait()

	s.log.Info("supervisor stopped")
	return nil
}

// ListenAddrs returns the bound listen addresses of the relays that started.
// Empty until Run has passed its bind phase.
func (s *Supervisor) ListenAddrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.relays))
	for _, r := range s.relays {
		addrs = append(addrs, r.Addr())
	}
	return addrs
}
