// Package directory resolves the receiver strings carried by inbound
// transfers to local deposit facets.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
	"github.com/Agoric/dapp-peg-as.us/internal/store"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotRegistered  = errors.New("receiver not registered")
	ErrAccountUnbound = errors.New("account has no deposit facet")
)

// Directory keeps receiver registrations in the database and the live
// deposit facets of local accounts in memory. Accounts must be bound again
// after a restart.
type Directory struct {
	regs   store.RegistrationRepository
	logger *logrus.Logger

	mu       sync.RWMutex
	accounts map[string]ledger.DepositFacet
}

func New(regs store.RegistrationRepository, logger *logrus.Logger) *Directory {
	return &Directory{
		regs:     regs,
		logger:   logger,
		accounts: make(map[string]ledger.DepositFacet),
	}
}

// Bind attaches a deposit facet to an account name.
func (d *Directory) Bind(account string, facet ledger.DepositFacet) {
	d.mu.Lock()
	d.accounts[account] = facet
	d.mu.Unlock()

	d.logger.WithField("account", account).Debug("Bound account")
}

func (d *Directory) Unbind(account string) {
	d.mu.Lock()
	delete(d.accounts, account)
	d.mu.Unlock()
}

func (d *Directory) Register(ctx context.Context, receiver, account string) error {
	_, created, err := d.regs.Register(ctx, receiver, account)
	if err != nil {
		return err
	}
	d.logger.WithFields(logrus.Fields{
		"receiver": receiver,
		"account":  account,
		"created":  created,
	}).Info("Registered receiver")
	return nil
}

func (d *Directory) Unregister(ctx context.Context, receiver string) error {
	if err := d.regs.Unregister(ctx, receiver); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %q", ErrNotRegistered, receiver)
		}
		return err
	}
	return nil
}

func (d *Directory) Resolve(ctx context.Context, receiver string) (ledger.DepositFacet, error) {
	reg, err := d.regs.GetRegistration(ctx, receiver)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrNotRegistered, receiver)
		}
		return nil, err
	}

	d.mu.RLock()
	facet, ok := d.accounts[reg.Account]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAccountUnbound, reg.Account)
	}
	return facet, nil
}

// Static resolves receivers from a fixed in-memory table.
type Static struct {
	mu      sync.RWMutex
	entries map[string]ledger.DepositFacet
}

func NewStatic() *Static {
	return &Static{entries: make(map[string]ledger.DepositFacet)}
}

func (s *Static) Set(receiver string, facet ledger.DepositFacet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[receiver] = facet
}

func (s *Static) Resolve(_ context.Context, receiver string) (ledger.DepositFacet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	facet, ok := s.entries[receiver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, receiver)
	}
	return facet, nil
}
