package quic

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/Agoric/dapp-peg-as.us/internal/logger"
	"github.com/Agoric/dapp-peg-as.us/internal/transport"
)

type echoHandler struct {
	opened chan transport.Connection
	closed chan error
}

func newEchoHandler() *echoHandler {
	return &echoHandler{
		opened: make(chan transport.Connection, 1),
		closed: make(chan error, 1),
	}
}

func (h *echoHandler) OnOpen(_ context.Context, c transport.Connection) error {
	h.opened <- c
	return nil
}

func (h *echoHandler) OnReceive(_ context.Context, _ transport.Connection, packet []byte) ([]byte, error) {
	if string(packet) == "fail" {
		return nil, errors.New("refused")
	}
	return append([]byte("ack:"), packet...), nil
}

func (h *echoHandler) OnClose(_ context.Context, _ transport.Connection, reason error) error {
	h.closed <- reason
	return nil
}

func newTestNetwork(t *testing.T, port string) *Network {
	t.Helper()
	n, err := Listen(Config{
		ListenAddr:  "127.0.0.1:0",
		PortAddress: port,
		Logger:      logger.Discard(),
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func TestNetworkDialSend(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestNetwork(t, "/ibc-port/portdef")
	client := newTestNetwork(t, "/ibc-port/portabc")

	serverHandler := newEchoHandler()
	go func() { _ = server.Serve(ctx, transport.Accept(serverHandler)) }()

	clientHandler := newEchoHandler()
	conn, err := client.Dial(ctx, server.Addr().String(), "/ibc-port/portdef", clientHandler)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	select {
	case sc := <-serverHandler.opened:
		if sc.RemoteAddress() != "/ibc-port/portabc" {
			t.Errorf("Expected server to see /ibc-port/portabc, got %s", sc.RemoteAddress())
		}
	case <-ctx.Done():
		t.Fatal("Timeout waiting for server open")
	}
	if conn.RemoteAddress() != "/ibc-port/portdef" {
		t.Errorf("Expected remote /ibc-port/portdef, got %s", conn.RemoteAddress())
	}

	ack, err := conn.Send(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if string(ack) != "ack:ping" {
		t.Errorf("Expected ack:ping, got %q", ack)
	}

	if _, err := conn.Send(ctx, []byte("fail")); !errors.Is(err, transport.ErrRemote) {
		t.Errorf("Expected ErrRemote, got %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case <-serverHandler.closed:
	case <-ctx.Done():
		t.Fatal("Timeout waiting for server close")
	}
	if _, err := conn.Send(ctx, []byte("late")); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestNetworkDialWrongPort(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestNetwork(t, "/ibc-port/portdef")
	client := newTestNetwork(t, "/ibc-port/portabc")
	go func() { _ = server.Serve(ctx, transport.Accept(newEchoHandler())) }()

	_, err := client.Dial(ctx, server.Addr().String(), "/ibc-port/other", newEchoHandler())
	if !errors.Is(err, transport.ErrRejected) {
		t.Errorf("Expected ErrRejected, got %v", err)
	}
}

type refusingHandler struct {
	*echoHandler
}

func (h refusingHandler) OnOpen(context.Context, transport.Connection) error {
	return errors.New("not today")
}

func TestNetworkOpenFailureRejects(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := newTestNetwork(t, "/ibc-port/portdef")
	client := newTestNetwork(t, "/ibc-port/portabc")
	serverHandler := refusingHandler{newEchoHandler()}
	go func() { _ = server.Serve(ctx, transport.Accept(serverHandler)) }()

	_, err := client.Dial(ctx, server.Addr().String(), "/ibc-port/portdef", newEchoHandler())
	if !errors.Is(err, transport.ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "not today") {
		t.Errorf("Expected rejection reason in %q", err)
	}

	server.mu.Lock()
	tracked := len(server.conns)
	server.mu.Unlock()
	if tracked != 0 {
		t.Errorf("Expected no tracked connections, got %d", tracked)
	}
	select {
	case reason := <-serverHandler.closed:
		t.Errorf("Expected no close callback for a refused open, got %v", reason)
	default:
	}
}

func TestRejectedHelloClosesConnection(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server := newTestNetwork(t, "/ibc-port/portdef")
	client := newTestNetwork(t, "/ibc-port/portabc")
	go func() { _ = server.Serve(ctx, transport.Accept(newEchoHandler())) }()

	qc, err := client.tr.Dial(ctx, server.Addr().(*net.UDPAddr), client.tls, client.quic)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer qc.CloseWithError(0, "")

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		t.Fatalf("OpenStreamSync failed: %v", err)
	}
	hello := &transport.Frame{Kind: transport.FrameHello, LocalAddr: "/ibc-port/portabc", RemoteAddr: "/ibc-port/other"}
	if err := transport.WriteFrame(stream, hello); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	// The server must close the connection itself instead of leaving it
	// to the idle timeout.
	select {
	case <-qc.Context().Done():
	case <-ctx.Done():
		t.Fatal("Timeout waiting for the server to close the connection")
	}
}
