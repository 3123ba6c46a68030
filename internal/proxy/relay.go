package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/cordilleralabs/portfwd/internal/metrics"
	"github.com/jonboulle/clockwork"
)

const (
	defaultDialTimeout = 5 * time.Second

	// Transient accept errors (EMFILE, ECONNABORTED bursts): keep serving
	// but avoid tight loops.
	acceptBaseBackoff = 50 * time.Millisecond
	acceptMaxBackoff  = 2 * time.Second
)

// Relay owns one listening socket and forwards every connection accepted on
// it to one fixed target. Bind and serve are split so the caller can treat a
// bind failure as a startup error while the accept loop runs in the
// background.
type Relay struct {
	log      *slog.Logger
	clock    clockwork.Clock
	pair     Pair
	dialer   net.Dialer
	sessions pond.Pool

	listener net.Listener
}

// RelayConfig holds configuration for a single relay.
type RelayConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Pair   Pair

	// Sessions is the worker pool connection sessions run on, shared across
	// relays to bound process-wide concurrency.
	Sessions pond.Pool

	// Optional with defaults.
	DialTimeout time.Duration
}

func NewRelay(cfg *RelayConfig) (*Relay, error) {
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if !cfg.Pair.Listen.IsValid() || !cfg.Pair.Target.IsValid() {
		return nil, fmt.Errorf("invalid pair: %s", cfg.Pair)
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session pool is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaultDialTimeout
	}

	return &Relay{
		log:      cfg.Logger,
		clock:    cfg.Clock,
		pair:     cfg.Pair,
		dialer:   net.Dialer{Timeout: cfg.DialTimeout},
		sessions: cfg.Sessions,
	}, nil
}

// Listen binds the relay's listening socket. A bind failure here is the
// relay's startup error; it carries the pair identity and leaves sibling
// relays unaffected.
func (r *Relay) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", r.pair.Listen.String())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", r.pair, err)
	}
	r.listener = l
	return nil
}

// Addr returns the bound listen address. Valid only after Listen succeeds.
func (r *Relay) Addr() net.Addr {
	return r.listener.Addr()
}

// Serve runs the accept loop until the context is cancelled or the listener
// fails permanently. Each accepted connection is handed to the session pool;
// a failed session never stops the loop.
func (r *Relay) Serve(ctx context.Context) error {
	if r.listener == nil {
		return errors.New("relay is not listening, call Listen first")
	}

	go func() {
		<-ctx.Done()
		_ = r.listener.Close()
	}()

	r.log.Info("relay started", "listen", r.listener.Addr().String(), "target", r.pair.Target.String())

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = acceptBaseBackoff
	bo.MaxInterval = acceptMaxBackoff
	bo.MaxElapsedTime = 0

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				r.log.Info("relay shutting down", "listen", r.pair.Listen.String())
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				metrics.AcceptErrs.WithLabelValues("closed").Inc()
				return fmt.Errorf("listener closed unexpectedly: %w", err)
			}

			wait := bo.NextBackOff()
			metrics.AcceptErrs.WithLabelValues("transient").Inc()
			r.log.Warn("accept error; continuing", "listen", r.pair.Listen.String(), "error", err, "backoff", wait)
			select {
			case <-r.clock.After(wait):
			case <-ctx.Done():
				return nil
			}
			continue
		}

		bo.Reset()
		metrics.Accepts.Inc()
		r.sessions.Submit(func() {
			r.session(ctx, conn)
		})
	}
}

// session dials the target and copies bytes in both directions until either
// side finishes. Errors terminate only this session.
func (r *Relay) session(ctx context.Context, inbound net.Conn) {
	log := r.log.With("client", inbound.RemoteAddr().String(), "target", r.pair.Target.String())

	outbound, err := r.dialer.DialContext(ctx, "tcp", r.pair.Target.String())
	if err != nil {
		metrics.DialErrs.Inc()
		log.Warn("failed to connect to target", "error", err)
		_ = inbound.Close()
		return
	}

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	log.Debug("session started")

	// Close both conns on cancel so the copies unblock; no drain guarantee.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = inbound.Close()
			_ = outbound.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go r.pipe(&wg, log, outbound, inbound, "in")
	go r.pipe(&wg, log, inbound, outbound, "out")
	wg.Wait()

	log.Debug("session closed")
}

// pipe copies one direction of a session and closes both ends when the copy
// finishes, which unblocks the opposite direction.
func (r *Relay) pipe(wg *sync.WaitGroup, log *slog.Logger, dst, src net.Conn, direction string) {
	defer wg.Done()

	n, err := io.Copy(dst, src)
	metrics.RelayedBytes.WithLabelValues(direction).Add(float64(n))
	if err != nil && !isClosedNetErr(err) {
		metrics.SessionErrs.WithLabelValues(direction).Inc()
		log.Warn("relay copy error", "direction", direction, "bytes", n, "error", err)
	}

	_ = src.Close()
	_ = dst.Close()
}

func isClosedNetErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer")
}
