package pegasus

import (
	"github.com/Agoric/dapp-peg-as.us/internal/denom"
	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
)

// Peg is one established correspondence between a local asset kind and a
// denomination on a connection. Pegs compare by identity.
type Peg struct {
	allegedName string
	localBrand  *ledger.Brand
	denomURI    denom.DenomURI
}

// AllegedName is the display name given by whoever created the peg. It is
// not verified.
func (p *Peg) AllegedName() string       { return p.allegedName }
func (p *Peg) LocalBrand() *ledger.Brand { return p.localBrand }
func (p *Peg) DenomURI() denom.DenomURI  { return p.denomURI }
func (p *Peg) String() string            { return p.allegedName + " (" + string(p.denomURI) + ")" }
