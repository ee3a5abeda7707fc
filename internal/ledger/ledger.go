// Package ledger is an in-memory escrow ledger: asset kinds, purses and
// payments, plus seats that hold value while a contract works on it.
//
// Every mutation of seat allocations happens under a single lock, so a
// burn or reallocation is atomic with respect to every other one. Seats
// created by an offer journal a compensation for each burn and
// reallocation they take part in; kicking such a seat out replays the
// journal in reverse before paying out, which hands the offered value back.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Agoric/dapp-peg-as.us/internal/logger"
	"github.com/sirupsen/logrus"
)

var (
	ErrBrandNotFound         = errors.New("brand not found")
	ErrBrandMismatch         = errors.New("brand mismatch")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrKeywordInUse          = errors.New("keyword already in use")
	ErrUnsupportedAmountKind = errors.New("unsupported amount kind")
	ErrPaymentNotLive        = errors.New("payment is not live")
	ErrSeatExited            = errors.New("seat has exited")
	ErrStaleStage            = errors.New("stage is stale")
	ErrNotConserved          = errors.New("reallocation does not conserve rights")
	ErrInvitationUsed        = errors.New("invitation already used")
	ErrProposalShape         = errors.New("proposal does not match shape")
	ErrKeywordNotFound       = errors.New("keyword not found")
	ErrBrandInUse            = errors.New("brand has outstanding supply")
)

type Options struct {
	Logger *logrus.Logger
}

type Ledger struct {
	mu       sync.Mutex
	logger   *logrus.Logger
	keywords map[string]*Brand
	issuers  map[*Brand]*Issuer
	supply   map[*Brand]*big.Int
	lastSeat uint64
}

func New(opts Options) *Ledger {
	log := opts.Logger
	if log == nil {
		log = logger.NewLogger()
	}
	return &Ledger{
		logger:   log,
		keywords: make(map[string]*Brand),
		issuers:  make(map[*Brand]*Issuer),
		supply:   make(map[*Brand]*big.Int),
	}
}

// MakeMint creates a fresh asset kind whose supply this ledger controls.
func (l *Ledger) MakeMint(keyword string, kind AmountKind) (*Mint, error) {
	if err := kind.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, used := l.keywords[keyword]; used {
		return nil, fmt.Errorf("%w: %q", ErrKeywordInUse, keyword)
	}

	issuer := newIssuer(keyword, kind)
	l.keywords[keyword] = issuer.brand
	l.issuers[issuer.brand] = issuer
	l.supply[issuer.brand] = new(big.Int)

	l.logger.WithField("keyword", keyword).Debug("Created mint")
	return &Mint{ledger: l, issuer: issuer}, nil
}

// SaveIssuer adopts an issuer created elsewhere so that its payments can be
// escrowed in offers.
func (l *Ledger) SaveIssuer(issuer *Issuer, keyword string) (*Brand, error) {
	if issuer == nil {
		return nil, fmt.Errorf("%w: nil issuer", ErrBrandNotFound)
	}
	if err := issuer.brand.kind.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, used := l.keywords[keyword]; used {
		return nil, fmt.Errorf("%w: %q", ErrKeywordInUse, keyword)
	}
	l.keywords[keyword] = issuer.brand
	l.issuers[issuer.brand] = issuer

	l.logger.WithFields(logrus.Fields{"keyword": keyword, "brand": issuer.brand}).Debug("Saved issuer")
	return issuer.brand, nil
}

// Forget drops keyword from the ledger. The brand behind it stays known while
// another keyword still names it. A mint with outstanding supply cannot be
// forgotten.
func (l *Ledger) Forget(keyword string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	brand, ok := l.keywords[keyword]
	if !ok {
		return fmt.Errorf("%w: %q", ErrKeywordNotFound, keyword)
	}
	if supply, minted := l.supply[brand]; minted && supply.Sign() != 0 {
		return fmt.Errorf("%w: %q", ErrBrandInUse, keyword)
	}
	delete(l.keywords, keyword)
	for _, b := range l.keywords {
		if b == brand {
			return nil
		}
	}
	delete(l.issuers, brand)
	delete(l.supply, brand)

	l.logger.WithField("keyword", keyword).Debug("Forgot brand")
	return nil
}

func (l *Ledger) IssuerForBrand(b *Brand) (*Issuer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	issuer, ok := l.issuers[b]
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrBrandNotFound, b)
	}
	return issuer, nil
}

// MakeEmptySeat returns a seat with no allocation that does not journal
// compensations.
func (l *Ledger) MakeEmptySeat() (*Seat, *UserSeat) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seat := l.newSeatLocked(Allocation{}, false)
	seat.user.setResult(nil, nil)
	return seat, seat.user
}

func (l *Ledger) newSeatLocked(alloc Allocation, journaled bool) *Seat {
	l.lastSeat++
	return &Seat{
		ledger:     l,
		id:         l.lastSeat,
		allocation: alloc,
		journaled:  journaled,
		user:       newUserSeat(),
	}
}

// Reallocate atomically replaces the allocations of the staged seats. The
// total per brand must not change and every stage must be current.
func (l *Ledger) Reallocate(stages ...*Stage) error {
	if len(stages) < 2 {
		return fmt.Errorf("%w: need at least two seats", ErrNotConserved)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[*Seat]bool, len(stages))
	before := make(map[*Brand]*big.Int)
	after := make(map[*Brand]*big.Int)

	for _, st := range stages {
		if seen[st.seat] {
			return fmt.Errorf("%w: seat %d staged twice", ErrNotConserved, st.seat.id)
		}
		seen[st.seat] = true

		if st.seat.exited {
			return fmt.Errorf("%w: seat %d", ErrSeatExited, st.seat.id)
		}
		if st.version != st.seat.version {
			return fmt.Errorf("%w: seat %d", ErrStaleStage, st.seat.id)
		}

		for _, a := range st.seat.allocation {
			addTo(before, a)
		}
		for _, a := range st.allocation {
			if err := a.validate(); err != nil {
				return err
			}
			addTo(after, a)
		}
	}

	if !sameTotals(before, after) {
		return ErrNotConserved
	}

	changes := make([]seatChange, 0, len(stages))
	for _, st := range stages {
		changes = append(changes, seatChange{
			seat:  st.seat,
			delta: diff(st.seat.allocation, st.allocation),
		})
		st.seat.allocation = st.allocation.clone()
		st.seat.version++
	}

	// Several journaled seats may share one reallocation; it is reverted once.
	reverted := false
	undo := func() error {
		if reverted {
			return nil
		}
		if err := l.revertLocked(changes); err != nil {
			return err
		}
		reverted = true
		return nil
	}
	for _, st := range stages {
		if st.seat.journaled {
			st.seat.compensations = append(st.seat.compensations, compensation{
				what: "reallocate",
				undo: undo,
			})
		}
	}
	return nil
}

type seatChange struct {
	seat  *Seat
	delta map[string]Amount
}

// revertLocked applies the negation of a reallocation's deltas, provided
// every seat involved can still afford it.
func (l *Ledger) revertLocked(changes []seatChange) error {
	next := make(map[*Seat]Allocation, len(changes))
	for _, ch := range changes {
		if ch.seat.exited {
			return fmt.Errorf("%w: seat %d", ErrSeatExited, ch.seat.id)
		}
		alloc := ch.seat.allocation.clone()
		for kw, d := range ch.delta {
			cur, ok := alloc[kw]
			if !ok {
				cur = EmptyAmount(d.Brand)
			}
			v := new(big.Int).Sub(cur.value(), d.value())
			if v.Sign() < 0 {
				return fmt.Errorf("%w: cannot revert %s on seat %d", ErrInsufficientFunds, kw, ch.seat.id)
			}
			alloc[kw] = NewAmount(d.Brand, v)
		}
		next[ch.seat] = alloc
	}

	for seat, alloc := range next {
		seat.allocation = alloc
		seat.version++
	}
	return nil
}

func addTo(totals map[*Brand]*big.Int, a Amount) {
	t, ok := totals[a.Brand]
	if !ok {
		t = new(big.Int)
		totals[a.Brand] = t
	}
	t.Add(t, a.value())
}

func sameTotals(a, b map[*Brand]*big.Int) bool {
	for brand, v := range a {
		w, ok := b[brand]
		if !ok {
			w = new(big.Int)
		}
		if v.Cmp(w) != 0 {
			return false
		}
	}
	for brand, w := range b {
		if _, ok := a[brand]; !ok && w.Sign() != 0 {
			return false
		}
	}
	return true
}

// diff returns new minus old per keyword; the delta values may be negative.
func diff(old, updated Allocation) map[string]Amount {
	out := make(map[string]Amount)
	for kw, n := range updated {
		o, ok := old[kw]
		if !ok {
			o = EmptyAmount(n.Brand)
		}
		out[kw] = Amount{Brand: n.Brand, Value: new(big.Int).Sub(n.value(), o.value())}
	}
	for kw, o := range old {
		if _, ok := updated[kw]; !ok {
			out[kw] = Amount{Brand: o.Brand, Value: new(big.Int).Neg(o.value())}
		}
	}
	return out
}

// Mint creates and destroys value of one brand inside seats.
type Mint struct {
	ledger *Ledger
	issuer *Issuer
}

func (m *Mint) Issuer() *Issuer { return m.issuer }
func (m *Mint) Brand() *Brand   { return m.issuer.brand }

// Supply is the total amount minted minus the total burned.
func (m *Mint) Supply() Amount {
	m.ledger.mu.Lock()
	defer m.ledger.mu.Unlock()
	return NewAmount(m.issuer.brand, m.ledger.supply[m.issuer.brand])
}

func (m *Mint) MintGains(gains Allocation, seat *Seat) error {
	l := m.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := m.adjustLocked(gains, seat, 1); err != nil {
		return err
	}
	if seat.journaled {
		seat.compensations = append(seat.compensations, compensation{
			what: "mint",
			undo: func() error { return m.adjustLocked(gains, seat, -1) },
		})
	}
	return nil
}

func (m *Mint) BurnLosses(losses Allocation, seat *Seat) error {
	l := m.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := m.adjustLocked(losses, seat, -1); err != nil {
		return err
	}
	if seat.journaled {
		seat.compensations = append(seat.compensations, compensation{
			what: "burn",
			undo: func() error { return m.adjustLocked(losses, seat, 1) },
		})
	}
	return nil
}

// adjustLocked adds (sign 1) or removes (sign -1) amounts from a seat and
// the supply, validating everything before changing anything.
func (m *Mint) adjustLocked(amounts Allocation, seat *Seat, sign int) error {
	brand := m.issuer.brand
	if seat.ledger != m.ledger {
		return fmt.Errorf("%w: seat belongs to another ledger", ErrBrandNotFound)
	}
	if seat.exited {
		return fmt.Errorf("%w: seat %d", ErrSeatExited, seat.id)
	}

	next := seat.allocation.clone()
	total := new(big.Int)
	for kw, a := range amounts {
		if a.Brand != brand {
			return fmt.Errorf("%w: %s is not %s", ErrBrandMismatch, a.Brand, brand)
		}
		if err := a.validate(); err != nil {
			return err
		}
		cur, ok := next[kw]
		if !ok {
			cur = EmptyAmount(brand)
		}
		var updated Amount
		var err error
		if sign > 0 {
			updated, err = cur.Add(a)
		} else {
			updated, err = cur.Subtract(a)
		}
		if err != nil {
			return err
		}
		next[kw] = updated
		total.Add(total, a.value())
	}

	seat.allocation = next
	seat.version++
	supply := m.ledger.supply[brand]
	if sign > 0 {
		supply.Add(supply, total)
	} else {
		supply.Sub(supply, total)
	}
	return nil
}
