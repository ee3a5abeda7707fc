package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/Agoric/dapp-peg-as.us/internal/db"
	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
	"github.com/Agoric/dapp-peg-as.us/internal/logger"
	"github.com/Agoric/dapp-peg-as.us/internal/store"
)

func newTestDirectory(t *testing.T) *Directory {
	t.Helper()
	gdb, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return New(store.NewRegistrationStore(gdb), logger.Discard())
}

func TestDirectoryResolve(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	wallet := ledger.NewWallet()

	if _, err := d.Resolve(ctx, "agoric1xyz"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}

	if err := d.Register(ctx, "agoric1xyz", "alice"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := d.Resolve(ctx, "agoric1xyz"); !errors.Is(err, ErrAccountUnbound) {
		t.Errorf("Expected ErrAccountUnbound, got %v", err)
	}

	d.Bind("alice", wallet)
	facet, err := d.Resolve(ctx, "agoric1xyz")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if facet != ledger.DepositFacet(wallet) {
		t.Errorf("Expected alice's wallet, got %v", facet)
	}

	d.Unbind("alice")
	if _, err := d.Resolve(ctx, "agoric1xyz"); !errors.Is(err, ErrAccountUnbound) {
		t.Errorf("Expected ErrAccountUnbound after unbind, got %v", err)
	}
}

func TestDirectoryUnregister(t *testing.T) {
	d := newTestDirectory(t)
	ctx := context.Background()
	d.Bind("alice", ledger.NewWallet())

	if err := d.Register(ctx, "agoric1xyz", "alice"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.Unregister(ctx, "agoric1xyz"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := d.Resolve(ctx, "agoric1xyz"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}
	if err := d.Unregister(ctx, "agoric1xyz"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered on second unregister, got %v", err)
	}
}

func TestStatic(t *testing.T) {
	s := NewStatic()
	wallet := ledger.NewWallet()
	s.Set("bob", wallet)

	if _, err := s.Resolve(context.Background(), "bob"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if _, err := s.Resolve(context.Background(), "carol"); !errors.Is(err, ErrNotRegistered) {
		t.Errorf("Expected ErrNotRegistered, got %v", err)
	}
}
