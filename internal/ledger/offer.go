package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Proposal states what an offer gives into escrow and what it wants back.
type Proposal struct {
	Give Allocation
	Want Allocation
}

// ProposalShape restricts the keywords a proposal may use. A nil field is
// not checked; a non-nil field must match the proposal's keys exactly.
type ProposalShape struct {
	Give []string
	Want []string
}

func (s ProposalShape) check(p Proposal) error {
	if err := matchKeys("give", s.Give, p.Give); err != nil {
		return err
	}
	return matchKeys("want", s.Want, p.Want)
}

func matchKeys(side string, want []string, got Allocation) error {
	if want == nil {
		return nil
	}
	keys := make([]string, 0, len(got))
	for k := range got {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	expected := append([]string(nil), want...)
	sort.Strings(expected)

	if len(keys) != len(expected) {
		return fmt.Errorf("%w: %s has %v, need %v", ErrProposalShape, side, keys, expected)
	}
	for i := range keys {
		if keys[i] != expected[i] {
			return fmt.Errorf("%w: %s has %v, need %v", ErrProposalShape, side, keys, expected)
		}
	}
	return nil
}

// OfferHandler runs against the seat of an accepted offer. A nil error
// exits the seat with whatever it holds; an error kicks it out.
type OfferHandler func(ctx context.Context, seat *Seat) (any, error)

// Invitation grants the right to make one offer.
type Invitation struct {
	ledger      *Ledger
	handler     OfferHandler
	description string
	shape       ProposalShape
	used        atomic.Bool
}

func (i *Invitation) Description() string { return i.description }

func (l *Ledger) MakeInvitation(handler OfferHandler, description string, shape ProposalShape) *Invitation {
	return &Invitation{
		ledger:      l,
		handler:     handler,
		description: description,
		shape:       shape,
	}
}

// Offer escrows the given payments in a new seat and runs the invitation's
// handler on it. It returns once the payments are escrowed; the handler's
// outcome is reported through the returned UserSeat.
func (l *Ledger) Offer(ctx context.Context, inv *Invitation, proposal Proposal, payments map[string]*Payment) (*UserSeat, error) {
	if inv == nil || inv.ledger != l {
		return nil, fmt.Errorf("%w: invitation from another ledger", ErrInvitationUsed)
	}
	if err := inv.shape.check(proposal); err != nil {
		return nil, err
	}
	if err := l.checkProposal(proposal, payments); err != nil {
		return nil, err
	}
	if !inv.used.CompareAndSwap(false, true) {
		return nil, ErrInvitationUsed
	}

	alloc := make(Allocation, len(proposal.Give))
	var escrowErr error
	for kw := range proposal.Give {
		p := payments[kw]
		a, err := p.issuer.consume(p)
		if err != nil {
			escrowErr = fmt.Errorf("escrowing %s: %w", kw, err)
			break
		}
		alloc[kw] = a
	}

	l.mu.Lock()
	seat := l.newSeatLocked(alloc, true)
	l.mu.Unlock()

	if escrowErr != nil {
		// Whatever was escrowed before the failure is paid back out.
		_ = seat.Kick(escrowErr)
		seat.user.setResult(nil, escrowErr)
		return seat.user, escrowErr
	}

	l.logger.WithFields(logrus.Fields{
		"seat":        seat.id,
		"description": inv.description,
	}).Debug("Offer accepted")

	go l.runHandler(ctx, inv, seat)
	return seat.user, nil
}

func (l *Ledger) runHandler(ctx context.Context, inv *Invitation, seat *Seat) {
	result, err := inv.handler(ctx, seat)
	if err != nil {
		if kickErr := seat.Kick(err); kickErr != nil && !errors.Is(kickErr, ErrSeatExited) {
			l.logger.WithFields(logrus.Fields{"seat": seat.id, "error": kickErr}).Error("Failed to kick out seat")
		}
		seat.user.setResult(nil, err)
		return
	}
	if exitErr := seat.Exit(); exitErr != nil && !errors.Is(exitErr, ErrSeatExited) {
		l.logger.WithFields(logrus.Fields{"seat": seat.id, "error": exitErr}).Error("Failed to exit seat")
	}
	seat.user.setResult(result, nil)
}

func (l *Ledger) checkProposal(proposal Proposal, payments map[string]*Payment) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for kw, a := range proposal.Give {
		if err := a.validate(); err != nil {
			return err
		}
		if _, ok := l.issuers[a.Brand]; !ok {
			return fmt.Errorf("%w: give %s", ErrBrandNotFound, kw)
		}
		p, ok := payments[kw]
		if !ok || p == nil {
			return fmt.Errorf("%w: no payment for %s", ErrPaymentNotLive, kw)
		}
		if p.issuer.brand != a.Brand {
			return fmt.Errorf("%w: %s payment is %s, proposal gives %s", ErrBrandMismatch, kw, p.issuer.brand, a.Brand)
		}
		held, err := p.issuer.AmountOf(p)
		if err != nil {
			return fmt.Errorf("payment for %s: %w", kw, err)
		}
		if !held.Equal(a) {
			return fmt.Errorf("%w: %s payment holds %s, proposal gives %s", ErrInsufficientFunds, kw, held, a)
		}
	}
	for kw, a := range proposal.Want {
		if err := a.validate(); err != nil {
			return err
		}
		if _, ok := l.issuers[a.Brand]; !ok {
			return fmt.Errorf("%w: want %s", ErrBrandNotFound, kw)
		}
	}
	return nil
}
