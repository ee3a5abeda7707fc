package cli

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/Agoric/dapp-peg-as.us/internal/db"
	"github.com/Agoric/dapp-peg-as.us/internal/directory"
	"github.com/Agoric/dapp-peg-as.us/internal/ledger"
	"github.com/Agoric/dapp-peg-as.us/internal/pegasus"
	"github.com/Agoric/dapp-peg-as.us/internal/protocol"
	"github.com/Agoric/dapp-peg-as.us/internal/store"
	"github.com/Agoric/dapp-peg-as.us/internal/transport"
	"github.com/Agoric/dapp-peg-as.us/internal/transport/loopback"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	demoPortAddress = "/ibc-channel/channel-0/ibc-port/transfer"
	demoReceiver    = "agoric1demo"
	demoAccount     = "demo"
	demoRemote      = "cosmos1demo"
)

var (
	demoTransfers int
	demoAmount    string
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "peg uatom from a simulated chain and send it back",
	Long: `runs an in-process demo: a simulated chain sends uatom transfers to a local
account over a loopback connection, then the whole balance is sent back`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd, "warn")
		if err != nil {
			return err
		}
		amount, err := protocol.ParseAmount(demoAmount)
		if err != nil {
			return err
		}
		return runDemo(cmd.Context(), cmd.OutOrStdout(), log, demoTransfers, amount)
	},
}

func init() {
	demoCmd.Flags().IntVarP(&demoTransfers, "transfers", "n", 20, "number of inbound transfers")
	demoCmd.Flags().StringVar(&demoAmount, "amount", "1000000", "uatom per transfer")
}

func runDemo(ctx context.Context, out io.Writer, log *logrus.Logger, transfers int, amount *big.Int) error {
	gdb, err := db.Open(":memory:")
	if err != nil {
		return err
	}
	defer db.Close(gdb)

	l := ledger.New(ledger.Options{Logger: log})
	dir := directory.New(store.NewRegistrationStore(gdb), log)
	journal := store.NewTransferStore(gdb)
	p, err := pegasus.New(pegasus.Options{
		Ledger:   l,
		Resolver: dir,
		Journal:  journal,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	network := loopback.NewNetwork(log)
	defer network.Close()
	port, err := network.Bind(demoPortAddress)
	if err != nil {
		return err
	}
	chain := &demoChain{codec: protocol.NewCodec()}
	port.AddListener(transport.Accept(chain))

	conn, err := port.Connect(ctx, port.Address(), p.ConnectionHandler())
	if err != nil {
		return err
	}
	peg, err := p.PegRemote(ctx, "Atom", conn, "uatom")
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "pegged %s as %s\n", peg.DenomURI(), peg.LocalBrand())

	wallet := ledger.NewWallet()
	dir.Bind(demoAccount, wallet)
	if err := dir.Register(ctx, demoReceiver, demoAccount); err != nil {
		return err
	}

	bar := progressbar.NewOptions(transfers,
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("receiving uatom"),
		progressbar.OptionShowCount(),
	)
	for i := 0; i < transfers; i++ {
		packet, err := protocol.NewTransferPacket(amount, peg.DenomURI().Path(), demoReceiver)
		if err != nil {
			return err
		}
		if err := chain.send(ctx, packet); err != nil {
			return fmt.Errorf("transfer %d: %w", i, err)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	p.Wait()

	issuer, err := p.LocalIssuer(peg.LocalBrand())
	if err != nil {
		return err
	}
	purse := wallet.Purse(issuer)
	total := purse.CurrentAmount()
	fmt.Fprintf(out, "\nreceived %s %s\n", total.Value, peg.LocalBrand())

	payment, err := purse.Withdraw(total)
	if err != nil {
		return err
	}
	inv, err := p.MakeInvitationToTransfer(peg, demoRemote)
	if err != nil {
		return err
	}
	user, err := l.Offer(ctx, inv,
		ledger.Proposal{Give: ledger.Allocation{pegasus.TransferKeyword: total}},
		map[string]*ledger.Payment{pegasus.TransferKeyword: payment})
	if err != nil {
		return err
	}
	if _, err := user.OfferResult(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "sent %s uatom to %s\n", chain.released(), demoRemote)

	entries, err := journal.List(ctx, store.Filter{})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "journaled %d transfers\n", len(entries))
	return nil
}

// demoChain stands in for the counterparty: it escrows uatom for every
// transfer it sends and releases it again for every transfer it receives.
type demoChain struct {
	codec *protocol.Codec

	mu       sync.Mutex
	conn     transport.Connection
	escrow   big.Int
	returned big.Int
}

func (c *demoChain) OnOpen(_ context.Context, conn transport.Connection) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	return nil
}

func (c *demoChain) OnReceive(_ context.Context, _ transport.Connection, data []byte) ([]byte, error) {
	packet, err := c.codec.DecodePacket(data)
	if err != nil {
		return c.codec.EncodeAck(protocol.ErrorAck(err))
	}
	value, _ := packet.Value()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.escrow.Cmp(value) < 0 {
		return c.codec.EncodeAck(protocol.ErrorAck(fmt.Errorf("escrow holds only %s", c.escrow.String())))
	}
	c.escrow.Sub(&c.escrow, value)
	c.returned.Add(&c.returned, value)
	return c.codec.EncodeAck(protocol.SuccessAck())
}

func (c *demoChain) OnClose(context.Context, transport.Connection, error) error { return nil }

func (c *demoChain) send(ctx context.Context, packet protocol.TransferPacket) error {
	data, err := c.codec.EncodePacket(packet)
	if err != nil {
		return err
	}
	value, _ := packet.Value()

	c.mu.Lock()
	conn := c.conn
	c.escrow.Add(&c.escrow, value)
	c.mu.Unlock()

	reply, err := conn.Send(ctx, data)
	if err != nil {
		return err
	}
	ack, err := c.codec.DecodeAck(reply)
	if err != nil {
		return err
	}
	if err := ack.Err(); err != nil {
		c.mu.Lock()
		c.escrow.Sub(&c.escrow, value)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *demoChain) released() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.returned.String()
}
