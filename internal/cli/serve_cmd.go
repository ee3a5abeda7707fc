package cli

import (
	"github.com/Agoric/dapp-peg-as.us/internal/config"
	"github.com/Agoric/dapp-peg-as.us/internal/node"
	"github.com/spf13/cobra"
)

var (
	configPath string
	listenAddr string
	dbPath     string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run a pegasus node",
	Long: `runs a pegasus node: it listens for QUIC connections, dials the configured peers
and pegs their denominations, and delivers inbound transfers to registered receivers`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log, err := newLogger(cmd, cfg.LogLevel)
		if err != nil {
			return err
		}
		log.Debugf("Config: %+v", cfg)

		n, err := node.New(cmd.Context(), node.Options{Config: cfg, Logger: log})
		if err != nil {
			return err
		}
		return n.Run(cmd.Context())
	},
}

// loadConfig reads --config, or the defaults without it, then applies the
// flags that were set explicitly.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = listenAddr
	}
	if flags.Changed("db") {
		cfg.Database = dbPath
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to pegasus.toml")
	serveCmd.Flags().StringVar(&listenAddr, "listen", config.DefaultListen, "UDP address to listen on")
	serveCmd.Flags().StringVar(&dbPath, "db", config.DefaultDatabase, "sqlite database path")
}
