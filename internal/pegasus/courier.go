package pegasus

import (
	"context"
	"fmt"
	"sync"

	"github.com/Agoric/dapp-peg-as.us/internal/denom"
	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
	"github.com/Agoric/dapp-peg-as.us/internal/protocol"
	"github.com/Agoric/dapp-peg-as.us/internal/store"
	"github.com/Agoric/dapp-peg-as.us/internal/transport"
	"github.com/sirupsen/logrus"
)

const (
	// TransferKeyword is the seat slot that holds value being transferred.
	TransferKeyword = "Transfer"
	// PoolKeyword is the slot of a local peg's pool seat.
	PoolKeyword = "Pool"
)

// policy moves value out of a sending seat (retain) and into a receiving
// seat (redeem).
type policy interface {
	retain(seat *ledger.Seat, amount ledger.Amount) error
	redeem(seat *ledger.Seat, amount ledger.Amount) error
}

// mintPolicy shadows a remote asset: sent value is burned and received
// value is minted.
type mintPolicy struct {
	mint *ledger.Mint
}

func (p *mintPolicy) retain(seat *ledger.Seat, amount ledger.Amount) error {
	return p.mint.BurnLosses(ledger.Allocation{TransferKeyword: amount}, seat)
}

func (p *mintPolicy) redeem(seat *ledger.Seat, amount ledger.Amount) error {
	return p.mint.MintGains(ledger.Allocation{TransferKeyword: amount}, seat)
}

// poolPolicy backs a local asset: sent value moves into the pool seat and
// received value is paid out of it.
type poolPolicy struct {
	ledger *ledger.Ledger
	pool   *ledger.Seat

	// mu keeps concurrent transfers from staging against the same pool
	// version.
	mu sync.Mutex
}

func (p *poolPolicy) retain(seat *ledger.Seat, amount ledger.Amount) error {
	return p.move(amount, TransferKeyword, seat, PoolKeyword, p.pool)
}

func (p *poolPolicy) redeem(seat *ledger.Seat, amount ledger.Amount) error {
	return p.move(amount, PoolKeyword, p.pool, TransferKeyword, seat)
}

func (p *poolPolicy) move(amount ledger.Amount, loserKeyword string, loser *ledger.Seat, winnerKeyword string, winner *ledger.Seat) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	newLoser, err := loser.AmountAllocated(loserKeyword, amount.Brand).Subtract(amount)
	if err != nil {
		return err
	}
	newWinner, err := winner.AmountAllocated(winnerKeyword, amount.Brand).Add(amount)
	if err != nil {
		return err
	}
	return p.ledger.Reallocate(
		loser.Stage(ledger.Allocation{loserKeyword: newLoser}),
		winner.Stage(ledger.Allocation{winnerKeyword: newWinner}),
	)
}

func (p *poolPolicy) balance(brand *ledger.Brand) ledger.Amount {
	return p.pool.AmountAllocated(PoolKeyword, brand)
}

// Courier sends and receives one denomination over one connection.
type Courier struct {
	ledger   *ledger.Ledger
	conn     transport.Connection
	codec    *protocol.Codec
	resolver Resolver
	journal  Journal
	logger   *logrus.Logger

	denomURI denom.DenomURI
	path     string
	brand    *ledger.Brand
	policy   policy

	deliveries *sync.WaitGroup
}

func (c *Courier) DenomURI() denom.DenomURI { return c.denomURI }

// Send retains the Transfer allocation of seat, transmits it to receiver
// and waits for the acknowledgement. The seat exits on success and is
// kicked out with the failure otherwise.
func (c *Courier) Send(ctx context.Context, seat *ledger.Seat, receiver string) error {
	amount := seat.AmountAllocated(TransferKeyword, c.brand)
	log := c.logger.WithFields(logrus.Fields{
		"denom":    c.denomURI,
		"amount":   amount.Value.String(),
		"receiver": receiver,
	})

	packet, err := protocol.NewTransferPacket(amount.Value, c.path, receiver)
	if err != nil {
		return c.failSend(ctx, seat, packet, err)
	}
	data, err := c.codec.EncodePacket(packet)
	if err != nil {
		return c.failSend(ctx, seat, packet, err)
	}

	if err := c.policy.retain(seat, amount); err != nil {
		return c.failSend(ctx, seat, packet, fmt.Errorf("retaining escrow: %w", err))
	}

	log.Debug("Sending transfer packet")
	ackData, err := c.conn.Send(ctx, data)
	if err != nil {
		return c.failSend(ctx, seat, packet, fmt.Errorf("sending packet: %w", err))
	}

	// Only a decodable negative acknowledgement counts as a refusal.
	ack, err := c.codec.DecodeAck(ackData)
	if err != nil {
		log.WithField("error", err).Warn("Undecodable acknowledgement treated as success")
	} else if ackErr := ack.Err(); ackErr != nil {
		return c.failSend(ctx, seat, packet, ackErr)
	}

	if err := seat.Exit(); err != nil {
		log.WithField("error", err).Error("Failed to exit transfer seat")
		return err
	}
	c.record(ctx, store.Entry{
		Direction:    store.DirectionSend,
		DenomURI:     string(c.denomURI),
		Denomination: packet.Denomination,
		Amount:       packet.Amount,
		Receiver:     receiver,
		Status:       store.StatusSucceeded,
	})
	log.Info("Transfer sent")
	return nil
}

func (c *Courier) failSend(ctx context.Context, seat *ledger.Seat, packet protocol.TransferPacket, reason error) error {
	if err := seat.Kick(reason); err != nil {
		c.logger.WithFields(logrus.Fields{
			"denom": c.denomURI,
			"error": err,
		}).Error("Kicked out transfer seat without full refund")
	}
	c.record(ctx, store.Entry{
		Direction:    store.DirectionSend,
		DenomURI:     string(c.denomURI),
		Denomination: c.path,
		Amount:       packet.Amount,
		Receiver:     packet.Receiver,
		Status:       store.StatusFailed,
		Err:          reason,
	})
	c.logger.WithFields(logrus.Fields{
		"denom":  c.denomURI,
		"reason": reason,
	}).Warn("Transfer failed")
	return reason
}

// Receive credits the packet's amount to the deposit target its receiver
// resolves to. Nothing is minted or moved unless the receiver resolves and
// the amount parses. Delivery to the target happens in the background.
func (c *Courier) Receive(ctx context.Context, packet protocol.TransferPacket) error {
	facet, err := c.resolver.Resolve(ctx, packet.Receiver)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrUnknownReceiver, packet.Receiver, err)
	}
	if facet == nil {
		return fmt.Errorf("%w %q", ErrUnknownReceiver, packet.Receiver)
	}

	value, err := protocol.ParseAmount(packet.Amount)
	if err != nil {
		return err
	}
	amount := ledger.NewAmount(c.brand, value)

	seat, user := c.ledger.MakeEmptySeat()
	if err := c.policy.redeem(seat, amount); err != nil {
		_ = seat.Kick(err)
		return err
	}
	if err := seat.Exit(); err != nil {
		return err
	}

	payout, err := user.Payout(ctx, TransferKeyword)
	if err != nil {
		return err
	}

	log := c.logger.WithFields(logrus.Fields{
		"denom":    c.denomURI,
		"amount":   packet.Amount,
		"receiver": packet.Receiver,
	})
	c.deliveries.Add(1)
	go func() {
		defer c.deliveries.Done()
		if _, err := facet.Receive(context.Background(), payout); err != nil {
			log.WithField("error", err).Warn("Deposit of received transfer failed")
			return
		}
		log.Info("Transfer received")
	}()
	return nil
}

func (c *Courier) record(ctx context.Context, e store.Entry) {
	if c.journal == nil {
		return
	}
	if err := c.journal.Record(ctx, e); err != nil {
		c.logger.WithField("error", err).Warn("Failed to journal transfer")
	}
}
