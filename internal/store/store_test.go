package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Agoric/dapp-peg-as.us/internal/db"
	"github.com/Agoric/dapp-peg-as.us/internal/store"
)

func setupTestDB(t *testing.T) (*store.TransferStore, *store.RegistrationStore) {
	t.Helper()
	gdb, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(gdb) })
	return store.NewTransferStore(gdb), store.NewRegistrationStore(gdb)
}

func TestTransferStore_RecordAndList(t *testing.T) {
	ts, _ := setupTestDB(t)
	ctx := context.Background()

	entries := []store.Entry{
		{Direction: store.DirectionSend, DenomURI: "ics20-1:portdef/chanabc/uatom", Denomination: "uatom", Amount: "100", Receiver: "agoric1", Status: store.StatusSucceeded},
		{Direction: store.DirectionReceive, DenomURI: "ics20-1:portdef/chanabc/uatom", Denomination: "uatom", Amount: "7", Receiver: "bob", Status: store.StatusFailed, Err: errors.New("unknown receiver")},
		{Direction: store.DirectionSend, DenomURI: "ics20-1:portdef/chanabc/ubld", Denomination: "ubld", Amount: "1", Receiver: "carol", Status: store.StatusSucceeded},
	}
	for _, e := range entries {
		if err := ts.Record(ctx, e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	all, err := ts.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 transfers, got %d", len(all))
	}
	if all[0].Denomination != "ubld" {
		t.Errorf("expected newest first, got %q", all[0].Denomination)
	}

	sends, err := ts.List(ctx, store.Filter{Direction: store.DirectionSend})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sends) != 2 {
		t.Errorf("expected 2 sends, got %d", len(sends))
	}

	atom, err := ts.List(ctx, store.Filter{DenomURI: "ics20-1:portdef/chanabc/uatom", Direction: store.DirectionReceive})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(atom) != 1 || atom[0].Error != "unknown receiver" {
		t.Errorf("expected one failed receive, got %+v", atom)
	}

	limited, err := ts.List(ctx, store.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 transfer with limit, got %d", len(limited))
	}
}

func TestRegistrationStore_Register(t *testing.T) {
	_, rs := setupTestDB(t)
	ctx := context.Background()

	reg, created, err := rs.Register(ctx, "agoric1xyz", "alice")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !created {
		t.Error("expected registration to be created")
	}
	if reg.Account != "alice" {
		t.Errorf("expected account 'alice', got %q", reg.Account)
	}

	_, created, err = rs.Register(ctx, "agoric1xyz", "alice")
	if err != nil {
		t.Fatalf("second Register failed: %v", err)
	}
	if created {
		t.Error("expected registration NOT to be created (duplicate)")
	}

	reg, _, err = rs.Register(ctx, "agoric1xyz", "bob")
	if err != nil {
		t.Fatalf("updating Register failed: %v", err)
	}
	if reg.Account != "bob" {
		t.Errorf("expected account updated to 'bob', got %q", reg.Account)
	}

	regs, err := rs.GetRegistrations(ctx)
	if err != nil {
		t.Fatalf("GetRegistrations failed: %v", err)
	}
	if len(regs) != 1 {
		t.Errorf("expected 1 registration, got %d", len(regs))
	}
}

func TestRegistrationStore_Unregister(t *testing.T) {
	_, rs := setupTestDB(t)
	ctx := context.Background()

	if _, _, err := rs.Register(ctx, "agoric1xyz", "alice"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := rs.Unregister(ctx, "agoric1xyz"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if _, err := rs.GetRegistration(ctx, "agoric1xyz"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := rs.Unregister(ctx, "agoric1xyz"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second unregister, got %v", err)
	}
}
