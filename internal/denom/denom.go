// Package denom derives protocol-qualified denomination identifiers from
// connection addresses.
package denom

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type Protocol string

const (
	ProtocolICS20   Protocol = "ics20-1"
	DefaultProtocol          = ProtocolICS20
)

const (
	LabelPort    = "ibc-port"
	LabelChannel = "ibc-channel"

	// DefaultFallbackChannel is used when an address carries no channel
	// segment and the namer does not require one.
	DefaultFallbackChannel = "transfer"
)

var (
	ErrUnsupportedProtocol = errors.New("unsupported denomination protocol")
	ErrMalformedAddress    = errors.New("malformed connection address")
	ErrInvalidDenom        = errors.New("invalid denomination")
	ErrInvalidURI          = errors.New("invalid denomination uri")
)

var denomPattern = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(s)
	if err := p.Validate(); err != nil {
		return "", err
	}
	return p, nil
}

func (p Protocol) Validate() error {
	switch p {
	case ProtocolICS20:
		return nil
	default:
		return fmt.Errorf("%w %q; need %q", ErrUnsupportedProtocol, string(p), string(ProtocolICS20))
	}
}

func (p Protocol) String() string { return string(p) }

// ValidateDenom checks a raw remote denomination against the Cosmos format.
func ValidateDenom(raw string) error {
	if !denomPattern.MatchString(raw) {
		return fmt.Errorf("%w %q; need Cosmos denomination format", ErrInvalidDenom, raw)
	}
	return nil
}

// DenomURI is `<protocol>:<path>`.
type DenomURI string

func ParseDenomURI(s string) (DenomURI, error) {
	i := strings.IndexByte(s, ':')
	if i <= 0 {
		return "", fmt.Errorf("%w: %q does not look like a URI", ErrInvalidURI, s)
	}
	return DenomURI(s), nil
}

// FromPath builds the identifier for a wire denomination path.
func FromPath(p Protocol, path string) DenomURI {
	return DenomURI(string(p) + ":" + path)
}

func (u DenomURI) Protocol() Protocol {
	proto, _, _ := strings.Cut(string(u), ":")
	return Protocol(proto)
}

// Path is everything after the first colon; it is the denomination string
// carried in transfer packets.
func (u DenomURI) Path() string {
	_, path, _ := strings.Cut(string(u), ":")
	return path
}

func (u DenomURI) String() string { return string(u) }

// Namer composes identifiers for the supported protocols.
type Namer struct {
	FallbackChannel string
	RequireChannel  bool
}

func NewNamer() *Namer {
	return &Namer{FallbackChannel: DefaultFallbackChannel}
}

// NameDenomination uses the default namer.
func NameDenomination(address, rawDenom string, p Protocol) (DenomURI, error) {
	return NewNamer().Name(address, rawDenom, p)
}

func (n *Namer) Name(address, rawDenom string, p Protocol) (DenomURI, error) {
	switch p {
	case ProtocolICS20:
		segments, err := ParseAddress(address)
		if err != nil {
			return "", err
		}

		port, ok := Lookup(segments, LabelPort)
		if !ok {
			return "", fmt.Errorf("%w: cannot find IBC port in %q", ErrMalformedAddress, address)
		}

		channel, ok := Lookup(segments, LabelChannel)
		if !ok {
			if n.RequireChannel || n.FallbackChannel == "" {
				return "", fmt.Errorf("%w: cannot find IBC channel in %q", ErrMalformedAddress, address)
			}
			channel = n.FallbackChannel
		}

		return FromPath(p, port+"/"+channel+"/"+rawDenom), nil
	default:
		return "", p.Validate()
	}
}
