package pegasus

import (
	"errors"

	"github.com/Agoric/dapp-peg-as.us/internal/denom"
	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
	"github.com/Agoric/dapp-peg-as.us/internal/protocol"
)

var (
	ErrUnregisteredDenomination    = errors.New("unregistered denomination")
	ErrUnknownReceiver             = errors.New("unknown receiver")
	ErrConnectionNotRegistered     = errors.New("connection not registered")
	ErrConnectionAlreadyRegistered = errors.New("connection already registered")
	ErrPegNotFound                 = errors.New("peg not found")
	ErrDuplicateDenomination       = errors.New("denomination already pegged on connection")
	ErrClosed                      = errors.New("pegasus is closed")
)

// Errors surfaced from the packages this one builds on, so callers can
// match every failure of the API against one package.
var (
	ErrUnsupportedProtocol   = denom.ErrUnsupportedProtocol
	ErrMalformedAddress      = denom.ErrMalformedAddress
	ErrInvalidDenom          = denom.ErrInvalidDenom
	ErrInvalidAmount         = protocol.ErrInvalidAmount
	ErrCodec                 = protocol.ErrCodec
	ErrBrandNotFound         = ledger.ErrBrandNotFound
	ErrUnsupportedAmountKind = ledger.ErrUnsupportedAmountKind
)
