package proxy

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

// startEchoServer runs a TCP server on a loopback port that writes back
// whatever it reads. Returns its address.
func startEchoServer(t *testing.T) netip.AddrPort {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				_, _ = io.Copy(conn, conn)
				_ = conn.Close()
			}()
		}
	}()

	return l.Addr().(*net.TCPAddr).AddrPort()
}

// startRelay binds a relay on a loopback port and serves it until the test
// ends. Returns the bound listen address.
func startRelay(t *testing.T, ctx context.Context, target netip.AddrPort) net.Addr {
	t.Helper()

	sessions := pond.NewPool(0)
	t.Cleanup(sessions.StopAndWait)

	relay, err := NewRelay(&RelayConfig{
		Logger: newTestLogger(),
		Pair: Pair{
			Listen: netip.MustParseAddrPort("127.0.0.1:0"),
			Target: target,
		},
		Sessions:    sessions,
		DialTimeout: time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, relay.Listen(ctx))

	done := make(chan error, 1)
	go func() { done <- relay.Serve(ctx) }()
	t.Cleanup(func() {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Errorf("relay did not stop after cancel")
		}
	})

	return relay.Addr()
}

func TestPortfwd_Proxy_Relay_ForwardsBytesUnmodified(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := startEchoServer(t)
	addr := startRelay(t, ctx, target)

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	payload := []byte("hello through the relay \x00\x01\xff")
	_, err = client.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPortfwd_Proxy_Relay_ClosePropagatesToTarget(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	targetListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer targetListener.Close()

	addr := startRelay(t, ctx, targetListener.Addr().(*net.TCPAddr).AddrPort())

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)

	targetConn, err := targetListener.Accept()
	require.NoError(t, err)
	defer targetConn.Close()

	// Closing the client must close the target-side connection.
	_ = client.Close()

	require.NoError(t, targetConn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = targetConn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestPortfwd_Proxy_Relay_TargetClosePropagatesToClient(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	targetListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer targetListener.Close()

	addr := startRelay(t, ctx, targetListener.Addr().(*net.TCPAddr).AddrPort())

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	targetConn, err := targetListener.Accept()
	require.NoError(t, err)
	_ = targetConn.Close()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestPortfwd_Proxy_Relay_DialFailureDoesNotStopAcceptLoop(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Reserve a target port with nothing listening on it.
	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := reserved.Addr().(*net.TCPAddr).AddrPort()
	require.NoError(t, reserved.Close())

	addr := startRelay(t, ctx, target)

	// The inbound connection is accepted, then closed once the dial fails.
	first, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer first.Close()

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = first.Read(make([]byte, 1))
	require.Error(t, err)

	// The relay keeps accepting after the failure.
	second, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer second.Close()

	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestPortfwd_Proxy_Relay_ConcurrentSessionsAreIndependent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	target := startEchoServer(t)
	addr := startRelay(t, ctx, target)

	// A stalled first session (no writes, no reads) must not block a second.
	stalled, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer stalled.Close()

	active, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer active.Close()

	payload := []byte("second session")
	_, err = active.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	require.NoError(t, active.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(active, got)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestPortfwd_Proxy_Relay_BindFailureReportsPair(t *testing.T) {
	t.Parallel()

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	sessions := pond.NewPool(0)
	defer sessions.StopAndWait()

	relay, err := NewRelay(&RelayConfig{
		Logger: newTestLogger(),
		Pair: Pair{
			Listen: occupied.Addr().(*net.TCPAddr).AddrPort(),
			Target: netip.MustParseAddrPort("127.0.0.1:9000"),
		},
		Sessions: sessions,
	})
	require.NoError(t, err)

	err = relay.Listen(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), occupied.Addr().String())
}

func TestPortfwd_Proxy_Relay_CancelClosesActiveSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())

	target := startEchoServer(t)
	addr := startRelay(t, ctx, target)

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(client, make([]byte, 4))
	require.NoError(t, err)

	cancel()

	// Cancellation must abruptly end the session, not just the accept loop.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = client.Read(make([]byte, 1))
	require.Error(t, err)
}

func TestPortfwd_Proxy_Relay_ConfigValidation(t *testing.T) {
	t.Parallel()

	sessions := pond.NewPool(0)
	defer sessions.StopAndWait()

	pair := Pair{
		Listen: netip.MustParseAddrPort("127.0.0.1:0"),
		Target: netip.MustParseAddrPort("127.0.0.1:9000"),
	}

	_, err := NewRelay(&RelayConfig{Pair: pair, Sessions: sessions})
	require.Error(t, err)
	require.Contains(t, err.Error(), "logger is required")

	_, err = NewRelay(&RelayConfig{Logger: newTestLogger(), Pair: pair})
	require.Error(t, err)
	require.Contains(t, err.Error(), "session pool is required")

	_, err = NewRelay(&RelayConfig{Logger: newTestLogger(), Sessions: sessions})
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid pair")
}
