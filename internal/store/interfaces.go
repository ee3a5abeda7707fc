package store

import (
	"context"

	"github.com/Agoric/dapp-peg-as.us/internal/db"
)

// TransferRepository defines transfer journal operations.
type TransferRepository interface {
	Record(ctx context.Context, e Entry) error
	List(ctx context.Context, f Filter) ([]db.Transfer, error)
}

// RegistrationRepository defines receiver registration operations.
type RegistrationRepository interface {
	Register(ctx context.Context, receiver, account string) (db.Registration, bool, error)
	Unregister(ctx context.Context, receiver string) error
	GetRegistration(ctx context.Context, receiver string) (db.Registration, error)
	GetRegistrations(ctx context.Context) ([]db.Registration, error)
}

var (
	_ TransferRepository     = (*TransferStore)(nil)
	_ RegistrationRepository = (*RegistrationStore)(nil)
)
