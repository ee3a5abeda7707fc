package pegasus

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
)

// collector gathers failures from worker goroutines, which must not call
// t.Fatal.
type collector struct {
	mu   sync.Mutex
	errs []error
}

func (c *collector) add(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *collector) check(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, err := range c.errs {
		t.Errorf("Concurrent transfer failed: %v", err)
	}
	if len(c.errs) > 0 {
		t.FailNow()
	}
}

func TestLocalPegConcurrentTransfers(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, `{"success":true}`)

	kit := ledger.NewIssuerKit("Bld", ledger.NatKind)
	peg, err := f.pegasus.PegLocal(ctx, "Bld", f.conn, kit.Issuer)
	if err != nil {
		t.Fatalf("PegLocal failed: %v", err)
	}
	courier, err := f.pegasus.courierFor(peg)
	if err != nil {
		t.Fatalf("courierFor failed: %v", err)
	}
	pool := courier.policy.(*poolPolicy)

	wallet := ledger.NewWallet()
	f.dir.Set("0x1234", wallet)

	const senders, receives = 20, 30
	var (
		wg       sync.WaitGroup
		failures collector
		mu       sync.Mutex
		refunded = new(big.Int)
		redeemed int64
	)

	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ten := ledger.NewAmount(kit.Brand, big.NewInt(10))
			payment, err := kit.MintPayment(ten)
			if err != nil {
				failures.add(err)
				return
			}
			user, err := f.transfer(ctx, peg, "cosmos1abc", ten, payment)
			if err != nil {
				failures.add(err)
				return
			}
			refund, err := user.Payout(ctx, TransferKeyword)
			if err != nil {
				failures.add(err)
				return
			}
			amount, err := kit.Issuer.AmountOf(refund)
			if err != nil {
				failures.add(err)
				return
			}
			mu.Lock()
			refunded.Add(refunded, amount.Value)
			mu.Unlock()
		}()
	}
	for i := 0; i < receives; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := f.deliver(ctx, `{"amount":"3","denomination":"portdef/chanabc/pegasus1","receiver":"0x1234"}`)
			if err != nil {
				failures.add(err)
				return
			}
			// The pool may be short while sends are still arriving.
			if ack.Success {
				mu.Lock()
				redeemed += 3
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	f.pegasus.Wait()
	failures.check(t)

	if refunded.Sign() != 0 {
		t.Errorf("Expected no refunds from acknowledged sends, got %s", refunded)
	}
	if got := len(f.gaia.received()); got != senders {
		t.Errorf("Expected %d packets sent, got %d", senders, got)
	}

	minted := big.NewInt(senders * 10)
	held := wallet.Purse(kit.Issuer).CurrentAmount().Value
	if held.Int64() != redeemed {
		t.Errorf("Expected wallet to hold the %d redeemed, got %s", redeemed, held)
	}
	poolBalance := pool.balance(kit.Brand).Value
	if poolBalance.Sign() < 0 {
		t.Fatalf("Expected non-negative pool, got %s", poolBalance)
	}
	total := new(big.Int).Add(poolBalance, held)
	total.Add(total, refunded)
	if total.Cmp(minted) != 0 {
		t.Errorf("Expected pool %s + wallet %s + refunds %s to equal minted %s", poolBalance, held, refunded, minted)
	}
}

func TestRemotePegConcurrentTransfers(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, `{"success":true}`)

	peg, err := f.pegasus.PegRemote(ctx, "Gaia", f.conn, "uatom")
	if err != nil {
		t.Fatalf("PegRemote failed: %v", err)
	}
	issuer, err := f.pegasus.LocalIssuer(peg.LocalBrand())
	if err != nil {
		t.Fatalf("LocalIssuer failed: %v", err)
	}

	const senders, receives = 20, 30
	funding := issuer.MakeEmptyPurse()
	f.dir.Set("0x1234", funding.DepositFacet())
	ack := f.gaiaSend(t, ctx, fmt.Sprintf(`{"amount":"%d","denomination":"portdef/chanabc/uatom","receiver":"0x1234"}`, senders*4))
	if !ack.Success {
		t.Fatalf("Expected successful ack, got error %q", ack.Error)
	}
	four := ledger.NewAmount(peg.LocalBrand(), big.NewInt(4))
	payments := make([]*ledger.Payment, senders)
	for i := range payments {
		if payments[i], err = funding.Withdraw(four); err != nil {
			t.Fatalf("Withdraw failed: %v", err)
		}
	}

	wallet := ledger.NewWallet()
	f.dir.Set("0x5678", wallet)

	var (
		wg       sync.WaitGroup
		failures collector
	)
	for _, payment := range payments {
		wg.Add(1)
		go func(payment *ledger.Payment) {
			defer wg.Done()
			user, err := f.transfer(ctx, peg, "cosmos1abc", four, payment)
			if err != nil {
				failures.add(err)
				return
			}
			refund, err := user.Payout(ctx, TransferKeyword)
			if err != nil {
				failures.add(err)
				return
			}
			if amount, err := issuer.AmountOf(refund); err != nil || !amount.IsEmpty() {
				failures.add(fmt.Errorf("unexpected refund %v: %v", amount, err))
			}
		}(payment)
	}
	for i := 0; i < receives; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := f.deliver(ctx, `{"amount":"5","denomination":"portdef/chanabc/uatom","receiver":"0x5678"}`)
			if err != nil {
				failures.add(err)
				return
			}
			if !ack.Success {
				failures.add(errors.New(ack.Error))
			}
		}()
	}
	wg.Wait()
	f.pegasus.Wait()
	failures.check(t)

	want := big.NewInt(receives * 5)
	if got := f.supply(t, peg); got.Cmp(want) != 0 {
		t.Errorf("Expected supply %s after burning every send, got %s", want, got)
	}
	if got := wallet.Purse(issuer).CurrentAmount().Value; got.Cmp(want) != 0 {
		t.Errorf("Expected wallet to hold %s, got %s", want, got)
	}
	if got := funding.CurrentAmount(); !got.IsEmpty() {
		t.Errorf("Expected funding purse drained, got %s", got)
	}
	if got := len(f.gaia.received()); got != senders {
		t.Errorf("Expected %d packets sent, got %d", senders, got)
	}
}

func TestPegRemoteConcurrentDuplicates(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, `{"success":true}`)

	const racers = 8
	var (
		wg         sync.WaitGroup
		won        atomic.Int32
		duplicates atomic.Int32
		failures   collector
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pegasus.PegRemote(ctx, "Gaia", f.conn, "uatom")
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrDuplicateDenomination):
				duplicates.Add(1)
			default:
				failures.add(err)
			}
		}()
	}
	wg.Wait()
	failures.check(t)

	if won.Load() != 1 || duplicates.Load() != racers-1 {
		t.Fatalf("Expected 1 peg and %d duplicates, got %d and %d", racers-1, won.Load(), duplicates.Load())
	}
	if got := len(f.pegasus.Pegs()); got != 1 {
		t.Errorf("Expected 1 registered peg, got %d", got)
	}

	// Losing racers never reach the ledger, so the next asset gets the
	// next keyword.
	next, err := f.pegasus.PegRemote(ctx, "Osmosis", f.conn, "uosmo")
	if err != nil {
		t.Fatalf("PegRemote failed: %v", err)
	}
	if next.LocalBrand().Name() != "Local2" {
		t.Errorf("Expected keyword Local2, got %s", next.LocalBrand().Name())
	}
}

func TestCloseDrainsInboundPackets(t *testing.T) {
	ctx := testContext(t)
	f := newFixture(t, `{"success":true}`)

	peg, err := f.pegasus.PegRemote(ctx, "Gaia", f.conn, "uatom")
	if err != nil {
		t.Fatalf("PegRemote failed: %v", err)
	}
	issuer, err := f.pegasus.LocalIssuer(peg.LocalBrand())
	if err != nil {
		t.Fatalf("LocalIssuer failed: %v", err)
	}
	wallet := ledger.NewWallet()
	f.dir.Set("0x1234", wallet)

	const receives = 40
	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
		failures collector
	)
	start := make(chan struct{})
	for i := 0; i < receives; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ack, err := f.deliver(ctx, `{"amount":"2","denomination":"portdef/chanabc/uatom","receiver":"0x1234"}`)
			if err != nil {
				failures.add(err)
				return
			}
			if ack.Success {
				accepted.Add(2)
			} else if !strings.Contains(ack.Error, ErrClosed.Error()) {
				failures.add(errors.New(ack.Error))
			}
		}()
	}
	close(start)
	f.pegasus.Close()

	// Everything minted before Close returned has been deposited.
	minted := f.supply(t, peg)
	if held := wallet.Purse(issuer).CurrentAmount().Value; held.Cmp(minted) != 0 {
		t.Errorf("Expected every admitted packet deposited, wallet %s supply %s", held, minted)
	}

	wg.Wait()
	failures.check(t)
	if got := f.supply(t, peg); got.Cmp(minted) != 0 {
		t.Errorf("Expected no mint after Close, supply went from %s to %s", minted, got)
	}
	if got := f.supply(t, peg).Int64(); got != accepted.Load() {
		t.Errorf("Expected supply to match the %d acknowledged, got %d", accepted.Load(), got)
	}

	ack := f.gaiaSend(t, ctx, `{"amount":"2","denomination":"portdef/chanabc/uatom","receiver":"0x1234"}`)
	if ack.Success || !strings.Contains(ack.Error, ErrClosed.Error()) {
		t.Errorf("Expected a closed acknowledgement, got %+v", ack)
	}
	if _, err := f.pegasus.PegRemote(ctx, "Osmosis", f.conn, "uosmo"); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
