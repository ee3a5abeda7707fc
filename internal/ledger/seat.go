package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

type compensation struct {
	what string
	undo func() error
}

// Seat is the contract-side view of value held in escrow.
type Seat struct {
	ledger        *Ledger
	id            uint64
	allocation    Allocation
	version       uint64
	journaled     bool
	compensations []compensation
	exited        bool
	user          *UserSeat
}

// Stage is a proposed replacement allocation for one seat, only valid
// until the seat changes.
type Stage struct {
	seat       *Seat
	allocation Allocation
	version    uint64
}

func (s *Seat) ID() uint64 { return s.id }

func (s *Seat) AmountAllocated(keyword string, brand *Brand) Amount {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()

	a, ok := s.allocation[keyword]
	if !ok || a.Brand != brand {
		return EmptyAmount(brand)
	}
	return NewAmount(a.Brand, a.Value)
}

func (s *Seat) CurrentAllocation() Allocation {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	return s.allocation.clone()
}

func (s *Seat) HasExited() bool {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()
	return s.exited
}

// Stage merges changes over the current allocation.
func (s *Seat) Stage(changes Allocation) *Stage {
	s.ledger.mu.Lock()
	defer s.ledger.mu.Unlock()

	alloc := s.allocation.clone()
	for kw, a := range changes {
		alloc[kw] = NewAmount(a.Brand, a.Value)
	}
	return &Stage{seat: s, allocation: alloc, version: s.version}
}

// Exit pays out the current allocation and keeps every change made to it.
func (s *Seat) Exit() error {
	l := s.ledger
	l.mu.Lock()
	if s.exited {
		l.mu.Unlock()
		return fmt.Errorf("%w: seat %d", ErrSeatExited, s.id)
	}
	s.compensations = nil
	payouts := s.settleLocked()
	l.mu.Unlock()

	s.user.finish(payouts, nil)
	l.logger.WithField("seat", s.id).Debug("Seat exited")
	return nil
}

// Kick reverts the journaled burns and reallocations of the seat, newest
// first, then pays out what it holds. A compensation that can no longer be
// applied is skipped and reported in the returned error.
func (s *Seat) Kick(reason error) error {
	l := s.ledger
	l.mu.Lock()
	if s.exited {
		l.mu.Unlock()
		return fmt.Errorf("%w: seat %d", ErrSeatExited, s.id)
	}

	var failures []error
	for i := len(s.compensations) - 1; i >= 0; i-- {
		c := s.compensations[i]
		if err := c.undo(); err != nil {
			failures = append(failures, fmt.Errorf("reverting %s: %w", c.what, err))
		}
	}
	s.compensations = nil
	payouts := s.settleLocked()
	l.mu.Unlock()

	if reason == nil {
		reason = errors.New("seat kicked out")
	}
	s.user.finish(payouts, reason)

	entry := l.logger.WithFields(logrus.Fields{"seat": s.id, "reason": reason})
	if len(failures) > 0 {
		err := errors.Join(failures...)
		entry.WithField("error", err).Warn("Seat kicked out with unrestored value")
		return err
	}
	entry.Debug("Seat kicked out")
	return nil
}

func (s *Seat) settleLocked() map[string]*Payment {
	s.exited = true
	payouts := make(map[string]*Payment, len(s.allocation))
	for kw, a := range s.allocation {
		issuer, ok := s.ledger.issuers[a.Brand]
		if !ok {
			s.ledger.logger.WithFields(logrus.Fields{"seat": s.id, "keyword": kw}).Error("No issuer for allocated brand")
			continue
		}
		payouts[kw] = issuer.issue(a)
	}
	return payouts
}

// UserSeat is the offering party's view of a seat.
type UserSeat struct {
	exitOnce   sync.Once
	exited     chan struct{}
	payouts    map[string]*Payment
	kickReason error

	resultOnce  sync.Once
	resolved    chan struct{}
	resultValue any
	resultErr   error
}

func newUserSeat() *UserSeat {
	return &UserSeat{
		exited:   make(chan struct{}),
		resolved: make(chan struct{}),
	}
}

func (u *UserSeat) finish(payouts map[string]*Payment, reason error) {
	u.exitOnce.Do(func() {
		u.payouts = payouts
		u.kickReason = reason
		close(u.exited)
	})
}

func (u *UserSeat) setResult(v any, err error) {
	u.resultOnce.Do(func() {
		u.resultValue = v
		u.resultErr = err
		close(u.resolved)
	})
}

func (u *UserSeat) HasExited() bool {
	select {
	case <-u.exited:
		return true
	default:
		return false
	}
}

// OfferResult waits for the offer handler to finish.
func (u *UserSeat) OfferResult(ctx context.Context) (any, error) {
	select {
	case <-u.resolved:
		return u.resultValue, u.resultErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Payouts waits for the seat to exit. It returns the payouts even when the
// seat was kicked out; KickReason tells the two apart.
func (u *UserSeat) Payouts(ctx context.Context) (map[string]*Payment, error) {
	select {
	case <-u.exited:
		out := make(map[string]*Payment, len(u.payouts))
		for k, v := range u.payouts {
			out[k] = v
		}
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (u *UserSeat) Payout(ctx context.Context, keyword string) (*Payment, error) {
	payouts, err := u.Payouts(ctx)
	if err != nil {
		return nil, err
	}
	p, ok := payouts[keyword]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeywordNotFound, keyword)
	}
	return p, nil
}

// KickReason is nil unless the seat was kicked out. It must only be read
// after Payouts has returned.
func (u *UserSeat) KickReason() error {
	return u.kickReason
}
