package pegasus

import (
	"context"
	"fmt"

	"github.com/Agoric/dapp-peg-as.us/internal/denom"
	"github.com/Agoric/dapp-peg-as.us/internal/protocol"
	"github.com/Agoric/dapp-peg-as.us/internal/store"
	"github.com/Agoric/dapp-peg-as.us/internal/transport"
	"github.com/sirupsen/logrus"
)

// ConnectionHandler returns the transport handler that registers
// connections with this instance. A connection must be opened through it
// before any peg can be made on it.
func (p *Pegasus) ConnectionHandler() transport.ConnectionHandler {
	return &connectionHandler{p: p}
}

// ListenHandler serves every inbound connection with ConnectionHandler.
func (p *Pegasus) ListenHandler() transport.ListenHandler {
	return transport.Accept(p.ConnectionHandler())
}

type connectionHandler struct {
	p *Pegasus
}

func (h *connectionHandler) OnOpen(_ context.Context, c transport.Connection) error {
	p := h.p
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.conns[c]; ok {
		return fmt.Errorf("%w: %s -> %s", ErrConnectionAlreadyRegistered, c.LocalAddress(), c.RemoteAddress())
	}
	p.conns[c] = newConnState()

	p.logger.WithFields(logrus.Fields{
		"local":  c.LocalAddress(),
		"remote": c.RemoteAddress(),
	}).Info("Connection opened")
	return nil
}

// OnReceive always answers with an encoded acknowledgement; failures
// become negative acknowledgements.
func (h *connectionHandler) OnReceive(ctx context.Context, c transport.Connection, data []byte) ([]byte, error) {
	p := h.p
	if !p.admit() {
		return p.codec.EncodeAck(protocol.ErrorAck(ErrClosed))
	}
	defer p.deliveries.Done()

	packet, err := p.codec.DecodePacket(data)
	if err == nil {
		err = h.dispatch(ctx, c, packet)
	}

	entry := store.Entry{
		Direction:    store.DirectionReceive,
		Denomination: packet.Denomination,
		Amount:       packet.Amount,
		Receiver:     packet.Receiver,
		Status:       store.StatusSucceeded,
	}
	if packet.Denomination != "" {
		entry.DenomURI = string(denom.FromPath(denom.ProtocolICS20, packet.Denomination))
	}

	ack := protocol.SuccessAck()
	if err != nil {
		ack = protocol.ErrorAck(err)
		entry.Status = store.StatusFailed
		entry.Err = err
		p.logger.WithFields(logrus.Fields{
			"remote": c.RemoteAddress(),
			"error":  err,
		}).Warn("Rejected transfer packet")
	}
	if p.journal != nil {
		if jerr := p.journal.Record(ctx, entry); jerr != nil {
			p.logger.WithField("error", jerr).Warn("Failed to journal transfer")
		}
	}
	return p.codec.EncodeAck(ack)
}

func (h *connectionHandler) dispatch(ctx context.Context, c transport.Connection, packet protocol.TransferPacket) error {
	uri := denom.FromPath(denom.ProtocolICS20, packet.Denomination)

	p := h.p
	p.mu.Lock()
	var courier *Courier
	st, ok := p.conns[c]
	if ok {
		courier = st.couriers[uri]
	}
	p.mu.Unlock()

	if courier == nil {
		return fmt.Errorf("%w: %s", ErrUnregisteredDenomination, uri)
	}
	return courier.Receive(ctx, packet)
}

// OnClose forgets the connection and every peg made on it.
func (h *connectionHandler) OnClose(_ context.Context, c transport.Connection, reason error) error {
	p := h.p
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.conns[c]
	if !ok {
		return ErrConnectionNotRegistered
	}
	delete(p.conns, c)

	for _, peg := range st.pegs {
		delete(p.pegs, peg)
	}
	live := p.order[:0]
	for _, peg := range p.order {
		if _, ok := p.pegs[peg]; ok {
			live = append(live, peg)
		}
	}
	p.order = live
	p.publishLocked()

	p.logger.WithFields(logrus.Fields{
		"local":  c.LocalAddress(),
		"remote": c.RemoteAddress(),
		"pegs":   len(st.pegs),
		"reason": reason,
	}).Info("Connection closed")
	return nil
}
