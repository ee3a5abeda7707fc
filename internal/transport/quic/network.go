// Package quic carries transfer packets between processes over QUIC. Each
// network owns one UDP socket and one port address; every packet travels
// on its own stream and the reply on that stream is its acknowledgement.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Agoric/dapp-peg-as.us/internal/transport"
	quicgo "github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// codeRejected closes a connection whose hello was refused. The reason
// travels both in an error frame and as the close message.
const codeRejected quicgo.ApplicationErrorCode = 1

type Config struct {
	// ListenAddr is the UDP host:port to bind, e.g. "127.0.0.1:0".
	ListenAddr string
	// PortAddress names this end in the connection namespace, e.g.
	// "/ibc-port/pegasus".
	PortAddress string
	Security    Security
	Timeouts    Timeouts
	Logger      *logrus.Logger
}

type Network struct {
	cfg      Config
	logger   *logrus.Logger
	tls      *tls.Config
	quic     *quicgo.Config
	udp      *net.UDPConn
	tr       *quicgo.Transport
	listener *quicgo.Listener

	mu     sync.Mutex
	conns  map[*connection]struct{}
	closed bool
}

func Listen(cfg Config) (*Network, error) {
	if cfg.PortAddress == "" {
		return nil, errors.New("port address is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	tlsConf, err := cfg.Security.tlsConfig(cfg.PortAddress)
	if err != nil {
		return nil, err
	}
	quicConf := cfg.Timeouts.quicConfig()

	udpAddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", cfg.ListenAddr, err)
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", cfg.ListenAddr, err)
	}

	tr := &quicgo.Transport{Conn: udp}
	ln, err := tr.Listen(tlsConf, quicConf)
	if err != nil {
		_ = udp.Close()
		return nil, fmt.Errorf("starting QUIC listener: %w", err)
	}

	return &Network{
		cfg:      cfg,
		logger:   cfg.Logger,
		tls:      tlsConf,
		quic:     quicConf,
		udp:      udp,
		tr:       tr,
		listener: ln,
		conns:    make(map[*connection]struct{}),
	}, nil
}

func (n *Network) Addr() net.Addr { return n.udp.LocalAddr() }

func (n *Network) PortAddress() string { return n.cfg.PortAddress }

// Serve accepts inbound connections until ctx is done or the network is
// closed.
func (n *Network) Serve(ctx context.Context, h transport.ListenHandler) error {
	for {
		qc, err := n.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || n.isClosed() {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		go n.handshakeInbound(ctx, qc, h)
	}
}

func (n *Network) handshakeInbound(ctx context.Context, qc *quicgo.Conn, h transport.ListenHandler) {
	log := n.logger.WithField("peer", qc.RemoteAddr().String())

	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		log.WithField("error", err).Warn("No hello stream")
		_ = qc.CloseWithError(codeRejected, "no hello")
		return
	}
	defer stream.Close()

	hello, err := transport.ReadFrame(stream)
	if err != nil || hello.Kind != transport.FrameHello {
		log.WithField("error", err).Warn("Bad hello")
		_ = qc.CloseWithError(codeRejected, "bad hello")
		return
	}

	reject := func(reason string) {
		_ = transport.WriteFrame(stream, &transport.Frame{Kind: transport.FrameError, Payload: []byte(reason)})
		_ = stream.Close()
		_ = qc.CloseWithError(codeRejected, reason)
		log.WithField("reason", reason).Info("Rejected connection")
	}

	if hello.RemoteAddr != n.cfg.PortAddress {
		reject(fmt.Sprintf("%v: %s", transport.ErrNoListener, hello.RemoteAddr))
		return
	}
	handler, err := h.OnAccept(ctx, n.cfg.PortAddress, hello.LocalAddr)
	if err != nil {
		reject(err.Error())
		return
	}

	c := n.newConnection(qc, hello.LocalAddr, handler)
	if err := handler.OnOpen(ctx, c); err != nil {
		n.untrack(c)
		reject(err.Error())
		return
	}

	reply := &transport.Frame{Kind: transport.FrameHello, LocalAddr: n.cfg.PortAddress, RemoteAddr: hello.LocalAddr}
	if err := transport.WriteFrame(stream, reply); err != nil {
		log.WithField("error", err).Warn("Failed to answer hello")
		_ = qc.CloseWithError(codeRejected, "hello failed")
		c.shutdown(err)
		return
	}

	log.WithField("remote", hello.LocalAddr).Info("Accepted connection")
	go c.serve()
}

// Dial connects to the network at netAddr and opens a connection to the
// port address remotePort there.
func (n *Network) Dial(ctx context.Context, netAddr, remotePort string, h transport.ConnectionHandler) (transport.Connection, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", netAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", netAddr, err)
	}

	qc, err := n.tr.Dial(ctx, udpAddr, n.tls, n.quic)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", netAddr, err)
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(1, "")
		return nil, fmt.Errorf("opening hello stream: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	hello := &transport.Frame{Kind: transport.FrameHello, LocalAddr: n.cfg.PortAddress, RemoteAddr: remotePort}
	if err := transport.WriteFrame(stream, hello); err != nil {
		_ = qc.CloseWithError(1, "")
		return nil, err
	}
	_ = stream.Close()

	reply, err := transport.ReadFrame(stream)
	if err != nil {
		_ = qc.CloseWithError(1, "")
		var appErr *quicgo.ApplicationError
		if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == codeRejected {
			return nil, fmt.Errorf("%w: %s", transport.ErrRejected, appErr.ErrorMessage)
		}
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if reply.Kind == transport.FrameError {
		_ = qc.CloseWithError(1, "")
		return nil, fmt.Errorf("%w: %s", transport.ErrRejected, reply.Payload)
	}
	if reply.Kind != transport.FrameHello {
		_ = qc.CloseWithError(1, "")
		return nil, fmt.Errorf("%w: unexpected %s", transport.ErrMalformedFrame, reply.Kind)
	}

	c := n.newConnection(qc, reply.LocalAddr, h)
	if err := h.OnOpen(ctx, c); err != nil {
		c.shutdown(err)
		_ = qc.CloseWithError(1, "")
		return nil, err
	}
	go c.serve()

	n.logger.WithFields(logrus.Fields{
		"addr":   netAddr,
		"remote": reply.LocalAddr,
	}).Info("Dialed connection")
	return c, nil
}

func (n *Network) newConnection(qc *quicgo.Conn, remote string, h transport.ConnectionHandler) *connection {
	c := &connection{
		network: n,
		qc:      qc,
		local:   n.cfg.PortAddress,
		remote:  remote,
		handler: h,
	}
	n.mu.Lock()
	n.conns[c] = struct{}{}
	n.mu.Unlock()
	return c
}

func (n *Network) untrack(c *connection) {
	n.mu.Lock()
	delete(n.conns, c)
	n.mu.Unlock()
}

func (n *Network) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close closes every connection, then the listener and socket.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	conns := make([]*connection, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	_ = n.listener.Close()
	return n.tr.Close()
}

type connection struct {
	network *Network
	qc      *quicgo.Conn
	local   string
	remote  string
	handler transport.ConnectionHandler

	closed    atomic.Bool
	closeOnce sync.Once
}

func (c *connection) LocalAddress() string  { return c.local }
func (c *connection) RemoteAddress() string { return c.remote }

func (c *connection) Send(ctx context.Context, packet []byte) ([]byte, error) {
	if c.closed.Load() {
		return nil, transport.ErrConnectionClosed
	}

	stream, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		if c.closed.Load() {
			return nil, transport.ErrConnectionClosed
		}
		return nil, fmt.Errorf("opening stream: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(dl)
	}

	if err := transport.WriteFrame(stream, &transport.Frame{Kind: transport.FrameRequest, Payload: packet}); err != nil {
		stream.CancelRead(0)
		return nil, err
	}
	_ = stream.Close()

	reply, err := transport.ReadFrame(stream)
	if err != nil {
		if c.closed.Load() {
			return nil, transport.ErrConnectionClosed
		}
		return nil, fmt.Errorf("reading acknowledgement: %w", err)
	}
	switch reply.Kind {
	case transport.FrameResponse:
		return reply.Payload, nil
	case transport.FrameError:
		return nil, fmt.Errorf("%w: %s", transport.ErrRemote, reply.Payload)
	default:
		return nil, fmt.Errorf("%w: unexpected %s", transport.ErrMalformedFrame, reply.Kind)
	}
}

func (c *connection) serve() {
	ctx := c.qc.Context()
	for {
		stream, err := c.qc.AcceptStream(ctx)
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", transport.ErrConnectionClosed, err))
			return
		}
		go c.handleStream(ctx, stream)
	}
}

func (c *connection) handleStream(ctx context.Context, stream *quicgo.Stream) {
	defer stream.Close()
	log := c.network.logger.WithField("remote", c.remote)

	req, err := transport.ReadFrame(stream)
	if err != nil {
		log.WithField("error", err).Warn("Failed to read request")
		return
	}
	if req.Kind != transport.FrameRequest {
		log.WithField("kind", req.Kind).Warn("Unexpected frame")
		return
	}

	reply := &transport.Frame{Kind: transport.FrameResponse}
	ack, err := c.handler.OnReceive(ctx, c, req.Payload)
	if err != nil {
		reply = &transport.Frame{Kind: transport.FrameError, Payload: []byte(err.Error())}
	} else {
		reply.Payload = ack
	}
	if err := transport.WriteFrame(stream, reply); err != nil {
		log.WithField("error", err).Warn("Failed to write acknowledgement")
	}
}

func (c *connection) shutdown(reason error) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.network.untrack(c)
		if err := c.handler.OnClose(context.Background(), c, reason); err != nil {
			c.network.logger.WithFields(logrus.Fields{
				"remote": c.remote,
				"error":  err,
			}).Warn("Close handler failed")
		}
	})
}

func (c *connection) Close() error {
	if c.closed.Load() {
		return transport.ErrConnectionClosed
	}
	err := c.qc.CloseWithError(0, "closed")
	c.shutdown(transport.ErrConnectionClosed)
	return err
}
