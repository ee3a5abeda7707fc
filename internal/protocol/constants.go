package protocol

const (
	FieldAmount       = "amount"
	FieldDenomination = "denomination"
	FieldReceiver     = "receiver"
	FieldSuccess      = "success"
	FieldError        = "error"
)

type AckStatus uint8

const (
	AckSuccess AckStatus = iota + 1
	AckFailure
)

func (s AckStatus) String() string {
	switch s {
	case AckSuccess:
		return "SUCCESS"
	case AckFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}
