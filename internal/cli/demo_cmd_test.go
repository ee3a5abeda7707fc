package cli

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/Agoric/dapp-peg-as.us/internal/logger"
)

func TestRunDemo(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := runDemo(ctx, &out, logger.Discard(), 3, big.NewInt(5)); err != nil {
		t.Fatalf("runDemo failed: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"pegged ics20-1:transfer/channel-0/uatom",
		"received 15",
		"sent 15 uatom to cosmos1demo",
		"journaled 4 transfers",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, got)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if strings.TrimSpace(out.String()) != "pegasus "+Version {
		t.Errorf("Expected version line, got %q", out.String())
	}
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	if err := serveCmd.Flags().Set("listen", "127.0.0.1:7000"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	defer func() {
		_ = serveCmd.Flags().Set("listen", "127.0.0.1:4600")
		serveCmd.Flags().Lookup("listen").Changed = false
	}()

	cfg, err := loadConfig(serveCmd)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Listen != "127.0.0.1:7000" {
		t.Errorf("Expected listen override, got %q", cfg.Listen)
	}
	if cfg.Database != ":memory:" {
		t.Errorf("Expected default database, got %q", cfg.Database)
	}
}
