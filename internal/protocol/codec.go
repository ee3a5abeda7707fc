package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrCodec         = errors.New("codec error")
	ErrInvalidAmount = errors.New("invalid amount")
)

type Codec struct{}

func NewCodec() *Codec {
	return &Codec{}
}

func (c *Codec) EncodePacket(p TransferPacket) ([]byte, error) {
	if _, err := ParseAmount(p.Amount); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return data, nil
}

// DecodePacket ignores fields it does not know, such as `sender`.
func (c *Codec) DecodePacket(data []byte) (TransferPacket, error) {
	var raw struct {
		Amount       *string `json:"amount"`
		Denomination *string `json:"denomination"`
		Receiver     *string `json:"receiver"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return TransferPacket{}, fmt.Errorf("%w: decoding packet: %v", ErrCodec, err)
	}
	if raw.Amount == nil || raw.Denomination == nil || raw.Receiver == nil {
		return TransferPacket{}, fmt.Errorf("%w: packet needs %s, %s and %s",
			ErrCodec, FieldAmount, FieldDenomination, FieldReceiver)
	}

	p := TransferPacket{
		Amount:       *raw.Amount,
		Denomination: *raw.Denomination,
		Receiver:     *raw.Receiver,
	}
	if _, err := ParseAmount(p.Amount); err != nil {
		return TransferPacket{}, err
	}
	return p, nil
}

func (c *Codec) EncodeAck(a Ack) ([]byte, error) {
	if !a.Success && a.Error == "" {
		a.Error = "unknown error"
	}
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return data, nil
}

func (c *Codec) DecodeAck(data []byte) (Ack, error) {
	var raw struct {
		Success *bool   `json:"success"`
		Error   *string `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Ack{}, fmt.Errorf("%w: decoding ack: %v", ErrCodec, err)
	}
	if raw.Success == nil {
		return Ack{}, fmt.Errorf("%w: ack needs %s", ErrCodec, FieldSuccess)
	}

	ack := Ack{Success: *raw.Success}
	if raw.Error != nil {
		ack.Error = *raw.Error
	}
	return ack, nil
}

// ParseAmount accepts only non-empty runs of decimal digits; magnitude is
// unbounded.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil, fmt.Errorf("%w: %q is not a non-negative integer", ErrInvalidAmount, s)
		}
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

func FormatAmount(v *big.Int) (string, error) {
	if v == nil || v.Sign() < 0 {
		return "", fmt.Errorf("%w: %v is not a non-negative integer", ErrInvalidAmount, v)
	}
	return v.String(), nil
}
