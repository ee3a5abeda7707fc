package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Payment is a transferable claim on an issuer. It is live until it is
// deposited, escrowed or otherwise consumed.
type Payment struct {
	issuer *Issuer
}

func (p *Payment) Issuer() *Issuer { return p.issuer }
func (p *Payment) Brand() *Brand   { return p.issuer.brand }

type Issuer struct {
	brand *Brand
	mu    sync.Mutex
	live  map[*Payment]Amount
}

func newIssuer(name string, kind AmountKind) *Issuer {
	return &Issuer{
		brand: &Brand{name: name, kind: kind},
		live:  make(map[*Payment]Amount),
	}
}

func (i *Issuer) Brand() *Brand { return i.brand }

func (i *Issuer) AmountOf(p *Payment) (Amount, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	a, ok := i.live[p]
	if !ok {
		return Amount{}, ErrPaymentNotLive
	}
	return NewAmount(a.Brand, a.Value), nil
}

func (i *Issuer) IsLive(p *Payment) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.live[p]
	return ok
}

func (i *Issuer) MakeEmptyPurse() *Purse {
	return &Purse{issuer: i, balance: EmptyAmount(i.brand)}
}

func (i *Issuer) issue(a Amount) *Payment {
	i.mu.Lock()
	defer i.mu.Unlock()

	p := &Payment{issuer: i}
	i.live[p] = NewAmount(i.brand, a.Value)
	return p
}

func (i *Issuer) consume(p *Payment) (Amount, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	a, ok := i.live[p]
	if !ok {
		return Amount{}, ErrPaymentNotLive
	}
	delete(i.live, p)
	return a, nil
}

// IssuerKit is an issuer together with the authority to mint payments,
// for assets that originate outside a Ledger.
type IssuerKit struct {
	Issuer *Issuer
	Brand  *Brand
}

func NewIssuerKit(name string, kind AmountKind) *IssuerKit {
	issuer := newIssuer(name, kind)
	return &IssuerKit{Issuer: issuer, Brand: issuer.brand}
}

func (k *IssuerKit) MintPayment(a Amount) (*Payment, error) {
	if a.Brand != k.Brand {
		return nil, fmt.Errorf("%w: %s is not %s", ErrBrandMismatch, a.Brand, k.Brand)
	}
	if err := a.validate(); err != nil {
		return nil, err
	}
	return k.Issuer.issue(a), nil
}

// DepositFacet is the receive-only face of a holder of value.
type DepositFacet interface {
	Receive(ctx context.Context, p *Payment) (Amount, error)
}

type Purse struct {
	issuer  *Issuer
	mu      sync.Mutex
	balance Amount
}

func (p *Purse) CurrentAmount() Amount {
	p.mu.Lock()
	defer p.mu.Unlock()
	return NewAmount(p.balance.Brand, p.balance.Value)
}

func (p *Purse) Deposit(payment *Payment) (Amount, error) {
	if payment == nil || payment.issuer != p.issuer {
		return Amount{}, fmt.Errorf("%w: payment is not from %s", ErrBrandMismatch, p.issuer.brand)
	}
	a, err := p.issuer.consume(payment)
	if err != nil {
		return Amount{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	sum, err := p.balance.Add(a)
	if err != nil {
		return Amount{}, err
	}
	p.balance = sum
	return a, nil
}

func (p *Purse) Withdraw(a Amount) (*Payment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rest, err := p.balance.Subtract(a)
	if err != nil {
		return nil, err
	}
	p.balance = rest
	return p.issuer.issue(a), nil
}

func (p *Purse) DepositFacet() DepositFacet {
	return purseFacet{purse: p}
}

type purseFacet struct {
	purse *Purse
}

func (f purseFacet) Receive(_ context.Context, payment *Payment) (Amount, error) {
	return f.purse.Deposit(payment)
}

// Wallet accepts payments of any brand, keeping one purse per issuer.
type Wallet struct {
	mu     sync.Mutex
	purses map[*Issuer]*Purse
}

func NewWallet() *Wallet {
	return &Wallet{purses: make(map[*Issuer]*Purse)}
}

func (w *Wallet) Receive(_ context.Context, payment *Payment) (Amount, error) {
	if payment == nil {
		return Amount{}, ErrPaymentNotLive
	}
	return w.Purse(payment.issuer).Deposit(payment)
}

func (w *Wallet) Purse(issuer *Issuer) *Purse {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.purses[issuer]
	if !ok {
		p = issuer.MakeEmptyPurse()
		w.purses[issuer] = p
	}
	return p
}

// Balances returns the current amount of every purse the wallet holds.
func (w *Wallet) Balances() []Amount {
	w.mu.Lock()
	purses := make([]*Purse, 0, len(w.purses))
	for _, p := range w.purses {
		purses = append(purses, p)
	}
	w.mu.Unlock()

	out := make([]Amount, 0, len(purses))
	for _, p := range purses {
		out = append(out, p.CurrentAmount())
	}
	return out
}

var (
	_ DepositFacet = purseFacet{}
	_ DepositFacet = (*Wallet)(nil)
)
