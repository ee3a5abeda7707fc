// Package pegasus pegs assets onto packet connections. Value sent out over
// a connection is retained locally (burned, or held in a pool) before the
// packet leaves; value arriving over a connection is minted or released
// from the pool and delivered to the receiver named in the packet.
package pegasus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Agoric/dapp-peg-as.us/internal/denom"
	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
	"github.com/Agoric/dapp-peg-as.us/internal/logger"
	"github.com/Agoric/dapp-peg-as.us/internal/notifier"
	"github.com/Agoric/dapp-peg-as.us/internal/protocol"
	"github.com/Agoric/dapp-peg-as.us/internal/store"
	"github.com/Agoric/dapp-peg-as.us/internal/transport"
	"github.com/sirupsen/logrus"
)

// TransferDescription describes the invitations made by
// MakeInvitationToTransfer.
const TransferDescription = "pegasus transfer"

// Resolver finds the deposit target for a receiver named in a packet.
type Resolver interface {
	Resolve(ctx context.Context, receiver string) (ledger.DepositFacet, error)
}

// Journal records the outcome of every transfer.
type Journal interface {
	Record(ctx context.Context, e store.Entry) error
}

type Options struct {
	Ledger   *ledger.Ledger
	Resolver Resolver
	Journal  Journal
	Namer    *denom.Namer
	Logger   *logrus.Logger
}

type connState struct {
	couriers map[denom.DenomURI]*Courier
	// pending holds denominations reserved by a peg still being built.
	pending  map[denom.DenomURI]struct{}
	pegs     []*Peg
	nonce    uint64
}

func newConnState() *connState {
	return &connState{
		couriers: make(map[denom.DenomURI]*Courier),
		pending:  make(map[denom.DenomURI]struct{}),
	}
}

type Pegasus struct {
	ledger   *ledger.Ledger
	resolver Resolver
	journal  Journal
	namer    *denom.Namer
	codec    *protocol.Codec
	logger   *logrus.Logger
	notifier *notifier.Notifier[[]*Peg]

	mu         sync.Mutex
	conns      map[transport.Connection]*connState
	pegs       map[*Peg]transport.Connection
	order      []*Peg
	localNonce uint64
	closed     bool

	// deliveries counts inbound packets being handled and deposits still
	// in flight. A packet is counted by admit under mu while closed is
	// false; its deposit is counted before the packet's count is released.
	deliveries sync.WaitGroup
}

func New(opts Options) (*Pegasus, error) {
	if opts.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if opts.Namer == nil {
		opts.Namer = denom.NewNamer()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}

	return &Pegasus{
		ledger:   opts.Ledger,
		resolver: opts.Resolver,
		journal:  opts.Journal,
		namer:    opts.Namer,
		codec:    protocol.NewCodec(),
		logger:   opts.Logger,
		notifier: notifier.New([]*Peg{}),
		conns:    make(map[transport.Connection]*connState),
		pegs:     make(map[*Peg]transport.Connection),
	}, nil
}

// NameDenomination composes a denomination identifier with this instance's
// channel fallback policy.
func (p *Pegasus) NameDenomination(address, rawDenom string, proto denom.Protocol) (denom.DenomURI, error) {
	return p.namer.Name(address, rawDenom, proto)
}

type pegOptions struct {
	kind     ledger.AmountKind
	protocol denom.Protocol
}

type PegOption func(*pegOptions)

// WithAmountKind sets the amount kind of a remote peg's shadow asset.
func WithAmountKind(kind ledger.AmountKind) PegOption {
	return func(o *pegOptions) { o.kind = kind }
}

func WithProtocol(proto denom.Protocol) PegOption {
	return func(o *pegOptions) { o.protocol = proto }
}

func buildPegOptions(opts []PegOption) pegOptions {
	o := pegOptions{kind: ledger.NatKind, protocol: denom.DefaultProtocol}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// PegRemote creates a local shadow asset for remoteDenom and a courier
// that burns it when sent and mints it when received.
func (p *Pegasus) PegRemote(ctx context.Context, allegedName string, c transport.Connection, remoteDenom string, opts ...PegOption) (*Peg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := buildPegOptions(opts)

	if err := denom.ValidateDenom(remoteDenom); err != nil {
		return nil, fmt.Errorf("%w; need Cosmos denomination format", err)
	}
	if err := o.kind.Validate(); err != nil {
		return nil, err
	}
	if err := o.protocol.Validate(); err != nil {
		return nil, err
	}
	if !p.registered(c) {
		return nil, ErrConnectionNotRegistered
	}

	uri, err := p.namer.Name(c.LocalAddress(), remoteDenom, o.protocol)
	if err != nil {
		return nil, err
	}
	if err := p.reserve(c, uri); err != nil {
		return nil, err
	}

	keyword := p.nextLocalKeyword()
	mint, err := p.ledger.MakeMint(keyword, o.kind)
	if err != nil {
		p.release(c, uri)
		return nil, err
	}

	courier := p.newCourier(c, uri, mint.Brand(), &mintPolicy{mint: mint})
	peg, err := p.register(c, courier, allegedName)
	if err != nil {
		p.abandon(c, uri, keyword)
		return nil, err
	}
	return peg, nil
}

// PegLocal offers an existing local asset over c under a fresh
// denomination pegasus<n>, backed by a pool seat.
func (p *Pegasus) PegLocal(ctx context.Context, allegedName string, c transport.Connection, issuer *ledger.Issuer, opts ...PegOption) (*Peg, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := buildPegOptions(opts)
	if err := o.protocol.Validate(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	st, ok := p.conns[c]
	if !ok {
		p.mu.Unlock()
		return nil, ErrConnectionNotRegistered
	}
	st.nonce++
	localDenom := fmt.Sprintf("pegasus%d", st.nonce)
	p.mu.Unlock()

	uri, err := p.namer.Name(c.LocalAddress(), localDenom, o.protocol)
	if err != nil {
		return nil, err
	}
	if err := p.reserve(c, uri); err != nil {
		return nil, err
	}

	keyword := p.nextLocalKeyword()
	brand, err := p.ledger.SaveIssuer(issuer, keyword)
	if err != nil {
		p.release(c, uri)
		return nil, err
	}

	pool, _ := p.ledger.MakeEmptySeat()
	courier := p.newCourier(c, uri, brand, &poolPolicy{ledger: p.ledger, pool: pool})
	peg, err := p.register(c, courier, allegedName)
	if err != nil {
		p.abandon(c, uri, keyword)
		return nil, err
	}
	return peg, nil
}

func (p *Pegasus) nextLocalKeyword() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.localNonce++
	return fmt.Sprintf("Local%d", p.localNonce)
}

func (p *Pegasus) newCourier(c transport.Connection, uri denom.DenomURI, brand *ledger.Brand, pol policy) *Courier {
	return &Courier{
		ledger:     p.ledger,
		conn:       c,
		codec:      p.codec,
		resolver:   p.resolver,
		journal:    p.journal,
		logger:     p.logger,
		denomURI:   uri,
		path:       uri.Path(),
		brand:      brand,
		policy:     pol,
		deliveries: &p.deliveries,
	}
}

func (p *Pegasus) registered(c transport.Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[c]
	return ok
}

// reserve claims uri on c until register or release. Only one peg of a
// denomination can be under construction or live per connection.
func (p *Pegasus) reserve(c transport.Connection, uri denom.DenomURI) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	st, ok := p.conns[c]
	if !ok {
		return ErrConnectionNotRegistered
	}
	_, live := st.couriers[uri]
	_, pending := st.pending[uri]
	if live || pending {
		return fmt.Errorf("%w: %s", ErrDuplicateDenomination, uri)
	}
	st.pending[uri] = struct{}{}
	return nil
}

func (p *Pegasus) release(c transport.Connection, uri denom.DenomURI) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.conns[c]; ok {
		delete(st.pending, uri)
	}
}

// abandon undoes a reservation whose asset was already registered in the
// ledger under keyword.
func (p *Pegasus) abandon(c transport.Connection, uri denom.DenomURI, keyword string) {
	p.release(c, uri)
	if err := p.ledger.Forget(keyword); err != nil {
		p.logger.WithFields(logrus.Fields{
			"keyword": keyword,
			"error":   err,
		}).Warn("Failed to forget abandoned peg brand")
	}
}

func (p *Pegasus) register(c transport.Connection, courier *Courier, allegedName string) (*Peg, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.conns[c]
	if !ok {
		return nil, ErrConnectionNotRegistered
	}
	delete(st.pending, courier.denomURI)

	peg := &Peg{allegedName: allegedName, localBrand: courier.brand, denomURI: courier.denomURI}
	st.couriers[courier.denomURI] = courier
	st.pegs = append(st.pegs, peg)
	p.pegs[peg] = c
	p.order = append(p.order, peg)
	p.publishLocked()

	p.logger.WithFields(logrus.Fields{
		"name":  allegedName,
		"denom": courier.denomURI,
		"brand": courier.brand,
	}).Info("Registered peg")
	return peg, nil
}

func (p *Pegasus) publishLocked() {
	snapshot := make([]*Peg, len(p.order))
	copy(snapshot, p.order)
	p.notifier.UpdateState(snapshot)
}

// LocalIssuer returns the issuer of a brand created or adopted by a peg.
func (p *Pegasus) LocalIssuer(brand *ledger.Brand) (*ledger.Issuer, error) {
	return p.ledger.IssuerForBrand(brand)
}

// Notifier publishes the live pegs, in creation order, after every change.
func (p *Pegasus) Notifier() *notifier.Notifier[[]*Peg] {
	return p.notifier
}

func (p *Pegasus) Pegs() []*Peg {
	return p.notifier.Current().Value
}

// MakeInvitationToTransfer returns a one-shot invitation; an offer giving
// exactly a Transfer amount of the peg's brand sends it to receiver.
func (p *Pegasus) MakeInvitationToTransfer(peg *Peg, receiver string) (*ledger.Invitation, error) {
	courier, err := p.courierFor(peg)
	if err != nil {
		return nil, err
	}

	handler := func(ctx context.Context, seat *ledger.Seat) (any, error) {
		return nil, courier.Send(ctx, seat, receiver)
	}
	shape := ledger.ProposalShape{Give: []string{TransferKeyword}}
	return p.ledger.MakeInvitation(handler, TransferDescription, shape), nil
}

func (p *Pegasus) courierFor(peg *Peg) (*Courier, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.pegs[peg]
	if !ok {
		return nil, ErrPegNotFound
	}
	st, ok := p.conns[c]
	if !ok {
		return nil, ErrPegNotFound
	}
	courier, ok := st.couriers[peg.denomURI]
	if !ok {
		return nil, ErrPegNotFound
	}
	return courier, nil
}

// Wait blocks until every inbound packet being handled and every
// background deposit of received value has finished.
func (p *Pegasus) Wait() {
	p.deliveries.Wait()
}

// Close refuses further inbound packets and new pegs, then waits for the
// packets and deposits already in flight.
func (p *Pegasus) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.deliveries.Wait()
}

// admit counts an inbound packet in deliveries unless p is closed.
func (p *Pegasus) admit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.deliveries.Add(1)
	return true
}
