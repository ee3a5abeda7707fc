package ledger

import (
	"fmt"
	"math/big"
)

type AmountKind string

// NatKind amounts are non-negative integers of unbounded magnitude.
const NatKind AmountKind = "nat"

func (k AmountKind) Validate() error {
	if k != NatKind {
		return fmt.Errorf("%w %q; need %q", ErrUnsupportedAmountKind, string(k), string(NatKind))
	}
	return nil
}

// Brand identifies an asset kind. Brands compare by pointer.
type Brand struct {
	name string
	kind AmountKind
}

func (b *Brand) Name() string     { return b.name }
func (b *Brand) Kind() AmountKind { return b.kind }
func (b *Brand) String() string   { return b.name }

type Amount struct {
	Brand *Brand
	Value *big.Int
}

func NewAmount(b *Brand, v *big.Int) Amount {
	a := Amount{Brand: b, Value: new(big.Int)}
	if v != nil {
		a.Value.Set(v)
	}
	return a
}

func EmptyAmount(b *Brand) Amount {
	return NewAmount(b, nil)
}

func (a Amount) value() *big.Int {
	if a.Value == nil {
		return new(big.Int)
	}
	return a.Value
}

func (a Amount) IsEmpty() bool {
	return a.value().Sign() == 0
}

func (a Amount) Equal(o Amount) bool {
	return a.Brand == o.Brand && a.value().Cmp(o.value()) == 0
}

func (a Amount) Add(o Amount) (Amount, error) {
	if a.Brand != o.Brand {
		return Amount{}, fmt.Errorf("%w: %s and %s", ErrBrandMismatch, a.Brand, o.Brand)
	}
	return NewAmount(a.Brand, new(big.Int).Add(a.value(), o.value())), nil
}

func (a Amount) Subtract(o Amount) (Amount, error) {
	if a.Brand != o.Brand {
		return Amount{}, fmt.Errorf("%w: %s and %s", ErrBrandMismatch, a.Brand, o.Brand)
	}
	v := new(big.Int).Sub(a.value(), o.value())
	if v.Sign() < 0 {
		return Amount{}, fmt.Errorf("%w: %s is less than %s", ErrInsufficientFunds, a, o)
	}
	return NewAmount(a.Brand, v), nil
}

func (a Amount) String() string {
	return fmt.Sprintf("%s %s", a.value(), a.Brand)
}

func (a Amount) validate() error {
	if a.Brand == nil {
		return fmt.Errorf("%w: amount has no brand", ErrBrandNotFound)
	}
	if a.value().Sign() < 0 {
		return fmt.Errorf("%w: negative amount %s", ErrInsufficientFunds, a.value())
	}
	return nil
}

// Allocation maps keywords such as "Transfer" to amounts.
type Allocation map[string]Amount

func (al Allocation) clone() Allocation {
	out := make(Allocation, len(al))
	for k, v := range al {
		out[k] = NewAmount(v.Brand, v.Value)
	}
	return out
}
