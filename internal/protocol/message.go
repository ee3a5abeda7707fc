package protocol

import (
	"fmt"
	"math/big"
)

// TransferPacket is the ICS-20 fungible token packet. Amount is a decimal
// string so that values beyond 64 bits survive the JSON round trip.
type TransferPacket struct {
	Amount       string `json:"amount"`
	Denomination string `json:"denomination"`
	Receiver     string `json:"receiver"`
}

func NewTransferPacket(amount *big.Int, denomination, receiver string) (TransferPacket, error) {
	s, err := FormatAmount(amount)
	if err != nil {
		return TransferPacket{}, err
	}
	return TransferPacket{
		Amount:       s,
		Denomination: denomination,
		Receiver:     receiver,
	}, nil
}

func (p TransferPacket) Value() (*big.Int, error) {
	return ParseAmount(p.Amount)
}

type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func SuccessAck() Ack {
	return Ack{Success: true}
}

func ErrorAck(err error) Ack {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Ack{Error: msg}
}

func (a Ack) Status() AckStatus {
	if a.Success {
		return AckSuccess
	}
	return AckFailure
}

// Err converts a negative acknowledgement into an error.
func (a Ack) Err() error {
	if a.Success {
		return nil
	}
	return &RemoteError{Message: a.Error}
}

// RemoteError carries the reason text of a negative acknowledgement.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transfer rejected by counterparty: %s", e.Message)
}
