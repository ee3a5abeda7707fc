package protocol

import (
	"encoding/json"
	"errors"
	"math/big"
	"testing"
)

func TestCodecPacketRoundTrip(t *testing.T) {
	codec := NewCodec()

	amounts := []string{"0", "1", "18446744073709551615", "100000000000000000001"}
	for _, s := range amounts {
		amount, _ := new(big.Int).SetString(s, 10)
		packet, err := NewTransferPacket(amount, "portdef/chanabc/uatom", "0x1234")
		if err != nil {
			t.Fatalf("NewTransferPacket(%s) failed: %v", s, err)
		}

		data, err := codec.EncodePacket(packet)
		if err != nil {
			t.Fatalf("EncodePacket failed: %v", err)
		}

		decoded, err := codec.DecodePacket(data)
		if err != nil {
			t.Fatalf("DecodePacket failed: %v", err)
		}
		if decoded != packet {
			t.Errorf("Expected %+v, got %+v", packet, decoded)
		}

		value, err := decoded.Value()
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		if value.Cmp(amount) != 0 {
			t.Errorf("Expected %s, got %s", amount, value)
		}
	}
}

func TestCodecPacketWireFields(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodePacket(TransferPacket{
		Amount:       "100000000000000000001",
		Denomination: "portdef/chanabc/uatom",
		Receiver:     "markaccount",
	})
	if err != nil {
		t.Fatalf("EncodePacket failed: %v", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(fields) != 3 {
		t.Errorf("Expected 3 fields, got %d", len(fields))
	}
	if fields[FieldAmount] != "100000000000000000001" {
		t.Errorf("Expected string amount, got %v", fields[FieldAmount])
	}
}

func TestCodecDecodePacketIgnoresSender(t *testing.T) {
	codec := NewCodec()

	data := []byte(`{"sender":"FIXME:sender","receiver":"0x1234","denomination":"portdef/chanabc/uatom","amount":"100000000000000000001"}`)
	packet, err := codec.DecodePacket(data)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}
	if packet.Receiver != "0x1234" {
		t.Errorf("Expected receiver 0x1234, got %s", packet.Receiver)
	}
}

func TestCodecDecodePacketErrors(t *testing.T) {
	codec := NewCodec()

	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"not json", `amount=1`, ErrCodec},
		{"numeric amount", `{"amount":1,"denomination":"d","receiver":"r"}`, ErrCodec},
		{"missing receiver", `{"amount":"1","denomination":"d"}`, ErrCodec},
		{"array", `[]`, ErrCodec},
		{"negative", `{"amount":"-1","denomination":"d","receiver":"r"}`, ErrInvalidAmount},
		{"fraction", `{"amount":"1.5","denomination":"d","receiver":"r"}`, ErrInvalidAmount},
		{"exponent", `{"amount":"1e3","denomination":"d","receiver":"r"}`, ErrInvalidAmount},
		{"plus sign", `{"amount":"+1","denomination":"d","receiver":"r"}`, ErrInvalidAmount},
		{"empty", `{"amount":"","denomination":"d","receiver":"r"}`, ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.DecodePacket([]byte(tt.data))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestCodecEncodePacketRejectsBadAmount(t *testing.T) {
	codec := NewCodec()

	if _, err := codec.EncodePacket(TransferPacket{Amount: "-5"}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
	if _, err := NewTransferPacket(big.NewInt(-1), "d", "r"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount, got %v", err)
	}
	if _, err := NewTransferPacket(nil, "d", "r"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for nil, got %v", err)
	}
}

func TestCodecAck(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeAck(SuccessAck())
	if err != nil {
		t.Fatalf("EncodeAck failed: %v", err)
	}
	if string(data) != `{"success":true}` {
		t.Errorf("Expected {\"success\":true}, got %s", data)
	}

	data, err = codec.EncodeAck(ErrorAck(errors.New("no such receiver")))
	if err != nil {
		t.Fatalf("EncodeAck failed: %v", err)
	}
	if string(data) != `{"success":false,"error":"no such receiver"}` {
		t.Errorf("unexpected nack %s", data)
	}

	ack, err := codec.DecodeAck(data)
	if err != nil {
		t.Fatalf("DecodeAck failed: %v", err)
	}
	if ack.Status() != AckFailure {
		t.Errorf("Expected FAILURE, got %s", ack.Status())
	}

	var remote *RemoteError
	if !errors.As(ack.Err(), &remote) {
		t.Fatalf("Expected *RemoteError, got %T", ack.Err())
	}
	if remote.Message != "no such receiver" {
		t.Errorf("Expected reason text, got %q", remote.Message)
	}
}

func TestCodecEmptyErrorAck(t *testing.T) {
	codec := NewCodec()

	data, err := codec.EncodeAck(Ack{})
	if err != nil {
		t.Fatalf("EncodeAck failed: %v", err)
	}
	ack, err := codec.DecodeAck(data)
	if err != nil {
		t.Fatalf("DecodeAck failed: %v", err)
	}
	if ack.Success || ack.Error == "" {
		t.Errorf("Expected negative ack with reason, got %+v", ack)
	}
}

func TestCodecDecodeAckErrors(t *testing.T) {
	codec := NewCodec()

	for _, data := range []string{``, `{}`, `{"success":"yes"}`, `null`} {
		if _, err := codec.DecodeAck([]byte(data)); !errors.Is(err, ErrCodec) {
			t.Errorf("DecodeAck(%q) = %v, want ErrCodec", data, err)
		}
	}
}

func TestAckStatusString(t *testing.T) {
	tests := []struct {
		expected string
		status   AckStatus
	}{
		{"SUCCESS", AckSuccess},
		{"FAILURE", AckFailure},
		{"UNKNOWN", AckStatus(0)},
	}

	for _, tt := range tests {
		if got := tt.status.String(); got != tt.expected {
			t.Errorf("%d.String() = %s, want %s", tt.status, got, tt.expected)
		}
	}
}
