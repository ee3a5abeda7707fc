// Package node assembles a running pegasus instance from its configuration:
// storage, ledger, receiver directory, peg engine and QUIC network.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Agoric/dapp-peg-as.us/internal/config"
	"github.com/Agoric/dapp-peg-as.us/internal/db"
	"github.com/Agoric/dapp-peg-as.us/internal/directory"
	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
	"github.com/Agoric/dapp-peg-as.us/internal/logger"
	"github.com/Agoric/dapp-peg-as.us/internal/pegasus"
	"github.com/Agoric/dapp-peg-as.us/internal/store"
	"github.com/Agoric/dapp-peg-as.us/internal/transport"
	"github.com/Agoric/dapp-peg-as.us/internal/transport/quic"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type Options struct {
	Config config.Config
	Logger *logrus.Logger
}

type Node struct {
	cfg    config.Config
	logger *logrus.Logger

	gdb       *gorm.DB
	ledger    *ledger.Ledger
	directory *directory.Directory
	journal   *store.TransferStore
	pegasus   *pegasus.Pegasus
	network   *quic.Network
	handler   transport.ConnectionHandler

	mu      sync.Mutex
	wallets map[string]*ledger.Wallet
	conns   []transport.Connection
	serving sync.WaitGroup
	stopped bool
}

func New(ctx context.Context, opts Options) (*Node, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		log = logger.NewLogger()
		log.SetLevel(level)
	}

	gdb, err := db.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	l := ledger.New(ledger.Options{Logger: log})
	dir := directory.New(store.NewRegistrationStore(gdb), log)
	journal := store.NewTransferStore(gdb)

	p, err := pegasus.New(pegasus.Options{
		Ledger:   l,
		Resolver: dir,
		Journal:  journal,
		Namer:    cfg.Namer(),
		Logger:   log,
	})
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	network, err := quic.Listen(quic.Config{
		ListenAddr:  cfg.Listen,
		PortAddress: cfg.PortAddress,
		Security: quic.Security{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
		},
		Timeouts: quic.Timeouts{
			Idle:      cfg.QUIC.IdleTimeout,
			KeepAlive: cfg.QUIC.KeepAlive,
		},
		Logger: log,
	})
	if err != nil {
		_ = db.Close(gdb)
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		logger:    log,
		gdb:       gdb,
		ledger:    l,
		directory: dir,
		journal:   journal,
		pegasus:   p,
		network:   network,
		wallets:   make(map[string]*ledger.Wallet),
	}
	n.handler = &trackingHandler{inner: p.ConnectionHandler(), node: n}

	for _, r := range cfg.Receivers {
		if err := n.AddReceiver(ctx, r.ID, r.Account); err != nil {
			_ = n.Shutdown()
			return nil, err
		}
	}
	return n, nil
}

func (n *Node) Addr() net.Addr                  { return n.network.Addr() }
func (n *Node) Ledger() *ledger.Ledger          { return n.ledger }
func (n *Node) Pegasus() *pegasus.Pegasus       { return n.pegasus }
func (n *Node) Journal() *store.TransferStore   { return n.journal }
func (n *Node) Directory() *directory.Directory { return n.directory }

// AddReceiver registers receiver for account and binds the account to its
// wallet, creating the wallet on first use.
func (n *Node) AddReceiver(ctx context.Context, receiver, account string) error {
	n.mu.Lock()
	w, ok := n.wallets[account]
	if !ok {
		w = ledger.NewWallet()
		n.wallets[account] = w
	}
	n.mu.Unlock()

	n.directory.Bind(account, w)
	if err := n.directory.Register(ctx, receiver, account); err != nil {
		return fmt.Errorf("registering receiver %q: %w", receiver, err)
	}
	return nil
}

func (n *Node) Wallet(account string) (*ledger.Wallet, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.wallets[account]
	return w, ok
}

// Connections returns the open connections, inbound and outbound, in the
// order they opened.
func (n *Node) Connections() []transport.Connection {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]transport.Connection(nil), n.conns...)
}

// Start serves inbound connections and dials the configured peers, pegging
// their denominations. A peer that cannot be reached is logged and skipped.
func (n *Node) Start(ctx context.Context) error {
	n.serving.Add(1)
	go func() {
		defer n.serving.Done()
		if err := n.network.Serve(ctx, transport.Accept(n.handler)); err != nil {
			n.logger.WithField("error", err).Error("Stopped serving connections")
		}
	}()

	n.logger.WithFields(logrus.Fields{
		"addr": n.network.Addr().String(),
		"port": n.cfg.PortAddress,
	}).Info("Node is now running")

	for _, peer := range n.cfg.Peers {
		if _, err := n.Connect(ctx, peer); err != nil {
			n.logger.WithFields(logrus.Fields{
				"peer":  peer.Address,
				"error": err,
			}).Warn("Failed to connect to peer")
		}
	}
	return nil
}

// Connect dials peer and pegs its remote denominations on the connection.
func (n *Node) Connect(ctx context.Context, peer config.Peer) (transport.Connection, error) {
	conn, err := n.network.Dial(ctx, peer.Address, peer.Port, n.handler)
	if err != nil {
		return nil, err
	}

	var errs []error
	for _, rp := range peer.Pegs {
		if _, err := n.pegasus.PegRemote(ctx, rp.Name, conn, rp.Denom); err != nil {
			errs = append(errs, fmt.Errorf("pegging %s: %w", rp.Denom, err))
		}
	}
	return conn, errors.Join(errs...)
}

// Run starts the node and blocks until ctx is done or the process is
// interrupted, then shuts down.
func (n *Node) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := n.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	n.logger.Info("Shutting down node...")
	err := n.Shutdown()
	n.logger.Info("Node stopped")
	return err
}

// Shutdown closes every connection, stops the peg engine admitting inbound
// packets, waits for those already in flight and closes the database.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	n.mu.Unlock()

	err := n.network.Close()
	n.serving.Wait()
	n.pegasus.Close()
	return errors.Join(err, db.Close(n.gdb))
}

// trackingHandler keeps the node's connection list in step with the peg
// engine's registry.
type trackingHandler struct {
	inner transport.ConnectionHandler
	node  *Node
}

func (h *trackingHandler) OnOpen(ctx context.Context, c transport.Connection) error {
	if err := h.inner.OnOpen(ctx, c); err != nil {
		return err
	}
	h.node.mu.Lock()
	h.node.conns = append(h.node.conns, c)
	h.node.mu.Unlock()
	return nil
}

func (h *trackingHandler) OnReceive(ctx context.Context, c transport.Connection, packet []byte) ([]byte, error) {
	return h.inner.OnReceive(ctx, c, packet)
}

func (h *trackingHandler) OnClose(ctx context.Context, c transport.Connection, reason error) error {
	h.node.mu.Lock()
	for i, open := range h.node.conns {
		if open == c {
			h.node.conns = append(h.node.conns[:i], h.node.conns[i+1:]...)
			break
		}
	}
	h.node.mu.Unlock()
	return h.inner.OnClose(ctx, c, reason)
}
