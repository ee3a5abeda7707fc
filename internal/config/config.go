// Package config loads the node configuration from a TOML file overlaid on
// defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/Agoric/dapp-peg-as.us/internal/denom"
	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DefaultListen          = "127.0.0.1:4600"
	DefaultPortAddress     = "/ibc-port/pegasus/ibc-channel/channel-0"
	DefaultDatabase        = ":memory:"
	DefaultLogLevel        = "info"
	DefaultFallbackChannel = denom.DefaultFallbackChannel
	DefaultIdleTimeout     = 30 * time.Second
	DefaultKeepAlive       = 10 * time.Second
)

type Config struct {
	Listen      string
	PortAddress string
	Database    string
	LogLevel    string
	Naming      Naming
	TLS         TLS
	QUIC        QUIC
	Peers       []Peer
	Receivers   []Receiver
}

// Naming controls how denominations are named from connection addresses.
type Naming struct {
	FallbackChannel string
	RequireChannel  bool
}

// TLS names the key pair the node presents. Both empty means a
// certificate is generated at startup.
type TLS struct {
	CertFile string
	KeyFile  string
}

type QUIC struct {
	IdleTimeout time.Duration
	KeepAlive   time.Duration
}

// Peer is a remote node dialed at startup, with the remote denominations
// to peg once connected.
type Peer struct {
	Address string
	Port    string
	Pegs    []RemotePeg
}

type RemotePeg struct {
	Name  string
	Denom string
}

// Receiver maps a packet receiver identifier to a local account.
type Receiver struct {
	ID      string
	Account string
}

// pegasus.toml key mapping.
type fileConfig struct {
	Listen      string         `toml:"listen"`
	PortAddress string         `toml:"port_address"`
	Database    string         `toml:"database"`
	LogLevel    string         `toml:"log_level"`
	Naming      fileNaming     `toml:"naming"`
	TLS         fileTLS        `toml:"tls"`
	QUIC        fileQUIC       `toml:"quic"`
	Peers       []filePeer     `toml:"peer"`
	Receivers   []fileReceiver `toml:"receiver"`
}

type fileNaming struct {
	FallbackChannel string `toml:"fallback_channel"`
	RequireChannel  bool   `toml:"require_channel"`
}

type fileTLS struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// Durations are Go duration strings such as "45s".
type fileQUIC struct {
	IdleTimeout string `toml:"idle_timeout"`
	KeepAlive   string `toml:"keep_alive"`
}

type filePeer struct {
	Address string          `toml:"address"`
	Port    string          `toml:"port"`
	Pegs    []fileRemotePeg `toml:"peg"`
}

type fileRemotePeg struct {
	Name  string `toml:"name"`
	Denom string `toml:"denom"`
}

type fileReceiver struct {
	ID      string `toml:"id"`
	Account string `toml:"account"`
}

func Default() Config {
	return Config{
		Listen:      DefaultListen,
		PortAddress: DefaultPortAddress,
		Database:    DefaultDatabase,
		LogLevel:    DefaultLogLevel,
		Naming: Naming{
			FallbackChannel: DefaultFallbackChannel,
		},
		QUIC: QUIC{
			IdleTimeout: DefaultIdleTimeout,
			KeepAlive:   DefaultKeepAlive,
		},
	}
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalidConfig, undecoded[0].String())
	}

	cfg := Default()
	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("port_address") {
		cfg.PortAddress = strings.TrimSpace(raw.PortAddress)
	}
	if meta.IsDefined("database") {
		cfg.Database = strings.TrimSpace(raw.Database)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("naming", "fallback_channel") {
		cfg.Naming.FallbackChannel = strings.TrimSpace(raw.Naming.FallbackChannel)
	}
	if meta.IsDefined("naming", "require_channel") {
		cfg.Naming.RequireChannel = raw.Naming.RequireChannel
	}
	if meta.IsDefined("tls", "cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLS.CertFile)
	}
	if meta.IsDefined("tls", "key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLS.KeyFile)
	}
	if meta.IsDefined("quic", "idle_timeout") {
		if cfg.QUIC.IdleTimeout, err = time.ParseDuration(strings.TrimSpace(raw.QUIC.IdleTimeout)); err != nil {
			return Config{}, fmt.Errorf("%w: quic.idle_timeout: %v", ErrInvalidConfig, err)
		}
	}
	if meta.IsDefined("quic", "keep_alive") {
		if cfg.QUIC.KeepAlive, err = time.ParseDuration(strings.TrimSpace(raw.QUIC.KeepAlive)); err != nil {
			return Config{}, fmt.Errorf("%w: quic.keep_alive: %v", ErrInvalidConfig, err)
		}
	}

	for _, p := range raw.Peers {
		peer := Peer{
			Address: strings.TrimSpace(p.Address),
			Port:    strings.TrimSpace(p.Port),
		}
		for _, rp := range p.Pegs {
			peer.Pegs = append(peer.Pegs, RemotePeg{
				Name:  strings.TrimSpace(rp.Name),
				Denom: strings.TrimSpace(rp.Denom),
			})
		}
		cfg.Peers = append(cfg.Peers, peer)
	}
	for _, r := range raw.Receivers {
		cfg.Receivers = append(cfg.Receivers, Receiver{
			ID:      strings.TrimSpace(r.ID),
			Account: strings.TrimSpace(r.Account),
		})
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("%w: listen %q: %v", ErrInvalidConfig, c.Listen, err)
	}
	if err := validatePort(c.PortAddress); err != nil {
		return fmt.Errorf("%w: port_address: %v", ErrInvalidConfig, err)
	}
	if c.Database == "" {
		return fmt.Errorf("%w: database is required", ErrInvalidConfig)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %v", ErrInvalidConfig, err)
	}
	if !c.Naming.RequireChannel && c.Naming.FallbackChannel == "" {
		return fmt.Errorf("%w: naming.fallback_channel is required unless require_channel is set", ErrInvalidConfig)
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls.cert_file and tls.key_file must be set together", ErrInvalidConfig)
	}
	if c.QUIC.IdleTimeout <= 0 {
		return fmt.Errorf("%w: quic.idle_timeout must be positive", ErrInvalidConfig)
	}
	if c.QUIC.KeepAlive <= 0 || c.QUIC.KeepAlive >= c.QUIC.IdleTimeout {
		return fmt.Errorf("%w: quic.keep_alive must be positive and below idle_timeout", ErrInvalidConfig)
	}

	for i, p := range c.Peers {
		if _, _, err := net.SplitHostPort(p.Address); err != nil {
			return fmt.Errorf("%w: peer %d address %q: %v", ErrInvalidConfig, i, p.Address, err)
		}
		if err := validatePort(p.Port); err != nil {
			return fmt.Errorf("%w: peer %d port: %v", ErrInvalidConfig, i, err)
		}
		seen := make(map[string]bool, len(p.Pegs))
		for _, rp := range p.Pegs {
			if err := denom.ValidateDenom(rp.Denom); err != nil {
				return fmt.Errorf("%w: peer %d: %v", ErrInvalidConfig, i, err)
			}
			if seen[rp.Denom] {
				return fmt.Errorf("%w: peer %d pegs %s twice", ErrInvalidConfig, i, rp.Denom)
			}
			seen[rp.Denom] = true
		}
	}

	ids := make(map[string]bool, len(c.Receivers))
	for _, r := range c.Receivers {
		if r.ID == "" || r.Account == "" {
			return fmt.Errorf("%w: receiver needs id and account", ErrInvalidConfig)
		}
		if ids[r.ID] {
			return fmt.Errorf("%w: receiver %q listed twice", ErrInvalidConfig, r.ID)
		}
		ids[r.ID] = true
	}
	return nil
}

// Namer returns the denomination namer for the naming section.
func (c Config) Namer() *denom.Namer {
	return &denom.Namer{
		FallbackChannel: c.Naming.FallbackChannel,
		RequireChannel:  c.Naming.RequireChannel,
	}
}

func validatePort(address string) error {
	segments, err := denom.ParseAddress(address)
	if err != nil {
		return err
	}
	if _, ok := denom.Lookup(segments, denom.LabelPort); !ok {
		return fmt.Errorf("%w: %q has no %s", denom.ErrMalformedAddress, address, denom.LabelPort)
	}
	return nil
}
