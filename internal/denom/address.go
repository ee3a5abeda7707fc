package denom

import (
	"fmt"
	"strings"
)

// Segment is one label/value pair of a connection address such as
// `/ibc-port/transfer/ibc-channel/channel-0`.
type Segment struct {
	Label string
	Value string
}

func ParseAddress(address string) ([]Segment, error) {
	if !strings.HasPrefix(address, "/") {
		return nil, fmt.Errorf("%w: %q must start with /", ErrMalformedAddress, address)
	}

	parts := strings.Split(address[1:], "/")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("%w: %q has an unpaired segment", ErrMalformedAddress, address)
	}

	segments := make([]Segment, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		if parts[i] == "" {
			return nil, fmt.Errorf("%w: %q has an empty label", ErrMalformedAddress, address)
		}
		segments = append(segments, Segment{Label: parts[i], Value: parts[i+1]})
	}
	return segments, nil
}

// Lookup returns the value of the first segment with the given label.
func Lookup(segments []Segment, label string) (string, bool) {
	for _, s := range segments {
		if s.Label == label {
			return s.Value, true
		}
	}
	return "", false
}

func FormatAddress(segments []Segment) string {
	var b strings.Builder
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(s.Label)
		b.WriteByte('/')
		b.WriteString(s.Value)
	}
	return b.String()
}
