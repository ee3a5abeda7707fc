package cli

import (
	"os"

	"github.com/Agoric/dapp-peg-as.us/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "pegasus",
	Short: "peg assets across packet connections",
	Long: `pegasus pegs local and remote assets onto ICS-20 style connections,
burning or pooling value on the way out and minting or releasing it on the way in`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logger.NewLogger().Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger honours --log-level, falling back to fallback when the flag
// is not set.
func newLogger(cmd *cobra.Command, fallback string) (*logrus.Logger, error) {
	level := fallback
	if cmd.Flags().Changed("log-level") {
		level = logLevel
	}
	return logger.NewWithLevel(level)
}
