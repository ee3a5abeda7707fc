// Package loopback is an in-process transport. Packets are handed straight
// to the remote handler, so Send returns only once the remote side has
// produced its acknowledgement.
package loopback

import (
	"context"
	"fmt"
	"sync"

	"github.com/Agoric/dapp-peg-as.us/internal/transport"
	"github.com/sirupsen/logrus"
)

type Network struct {
	mu     sync.Mutex
	logger *logrus.Logger
	ports  map[string]*Port
}

func NewNetwork(logger *logrus.Logger) *Network {
	return &Network{
		logger: logger,
		ports:  make(map[string]*Port),
	}
}

// Bind reserves a port address on the network.
func (n *Network) Bind(addr string) (*Port, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.ports[addr]; ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrAddressInUse, addr)
	}
	p := &Port{network: n, addr: addr}
	n.ports[addr] = p
	return p, nil
}

func (n *Network) port(addr string) (*Port, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.ports[addr]
	return p, ok
}

// Close closes every connection on every port.
func (n *Network) Close() error {
	n.mu.Lock()
	ports := make([]*Port, 0, len(n.ports))
	for _, p := range n.ports {
		ports = append(ports, p)
	}
	n.ports = make(map[string]*Port)
	n.mu.Unlock()

	for _, p := range ports {
		_ = p.Close()
	}
	return nil
}

type Port struct {
	network *Network

	mu       sync.Mutex
	addr     string
	listener transport.ListenHandler
	conns    map[*pair]struct{}
}

func (p *Port) Address() string { return p.addr }

func (p *Port) AddListener(h transport.ListenHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = h
}

// Connect opens a connection to the port bound at remoteAddr. Both open
// handlers have run by the time it returns.
func (p *Port) Connect(ctx context.Context, remoteAddr string, h transport.ConnectionHandler) (transport.Connection, error) {
	remote, ok := p.network.port(remoteAddr)
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrNoListener, remoteAddr)
	}
	remote.mu.Lock()
	listener := remote.listener
	remote.mu.Unlock()
	if listener == nil {
		return nil, fmt.Errorf("%w: %s", transport.ErrNoListener, remoteAddr)
	}

	remoteHandler, err := listener.OnAccept(ctx, remote.addr, p.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrRejected, err)
	}

	pr := &pair{logger: p.network.logger}
	pr.ends[0] = &end{pair: pr, side: 0, local: p.addr, remote: remote.addr, handler: h}
	pr.ends[1] = &end{pair: pr, side: 1, local: remote.addr, remote: p.addr, handler: remoteHandler}
	pr.ports = [2]*Port{p, remote}

	p.track(pr)
	remote.track(pr)

	if err := remoteHandler.OnOpen(ctx, pr.ends[1]); err != nil {
		pr.close(err)
		return nil, fmt.Errorf("%w: %v", transport.ErrRejected, err)
	}
	if err := h.OnOpen(ctx, pr.ends[0]); err != nil {
		pr.close(err)
		return nil, err
	}

	p.network.logger.WithFields(logrus.Fields{
		"local":  p.addr,
		"remote": remote.addr,
	}).Debug("Loopback connection open")
	return pr.ends[0], nil
}

func (p *Port) track(pr *pair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns == nil {
		p.conns = make(map[*pair]struct{})
	}
	p.conns[pr] = struct{}{}
}

func (p *Port) untrack(pr *pair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, pr)
}

// Close closes every connection that touches this port.
func (p *Port) Close() error {
	p.mu.Lock()
	conns := make([]*pair, 0, len(p.conns))
	for pr := range p.conns {
		conns = append(conns, pr)
	}
	p.mu.Unlock()

	for _, pr := range conns {
		pr.close(transport.ErrConnectionClosed)
	}
	return nil
}

type pair struct {
	logger *logrus.Logger
	ends   [2]*end
	ports  [2]*Port

	mu     sync.Mutex
	closed bool
}

func (pr *pair) isClosed() bool {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	return pr.closed
}

func (pr *pair) close(reason error) {
	pr.mu.Lock()
	if pr.closed {
		pr.mu.Unlock()
		return
	}
	pr.closed = true
	pr.mu.Unlock()

	for _, p := range pr.ports {
		p.untrack(pr)
	}
	for _, e := range pr.ends {
		if err := e.handler.OnClose(context.Background(), e, reason); err != nil {
			pr.logger.WithFields(logrus.Fields{
				"local": e.local,
				"error": err,
			}).Warn("Close handler failed")
		}
	}
}

type end struct {
	pair    *pair
	side    int
	local   string
	remote  string
	handler transport.ConnectionHandler
}

func (e *end) LocalAddress() string  { return e.local }
func (e *end) RemoteAddress() string { return e.remote }

func (e *end) Send(ctx context.Context, packet []byte) ([]byte, error) {
	if e.pair.isClosed() {
		return nil, transport.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	peer := e.pair.ends[1-e.side]
	ack, err := peer.handler.OnReceive(ctx, peer, append([]byte(nil), packet...))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), ack...), nil
}

func (e *end) Close() error {
	if e.pair.isClosed() {
		return transport.ErrConnectionClosed
	}
	e.pair.close(transport.ErrConnectionClosed)
	return nil
}
