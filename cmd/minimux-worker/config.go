package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/raskyld/minimux/pkg/flow"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/types/known/structpb"
)

const envPrefix = "MINIMUX"

var ErrInvalidCfg = errors.New("minimux-worker: invalid config")

// Config of the `serve` command. Every field can be set with a flag, an
// environment variable prefixed by MINIMUX_ or a configuration file.
type Config struct {
	LogLevel string `mapstructure:"log-level"`

	Stdio  bool   `mapstructure:"stdio"`
	Listen string `mapstructure:"listen"`

	TLSCert string `mapstructure:"tls-cert"`
	TLSKey  string `mapstructure:"tls-key"`
	TLSCA   string `mapstructure:"tls-ca"`

	GossipListen string   `mapstructure:"gossip-listen"`
	GossipName   string   `mapstructure:"gossip-name"`
	GossipJoin   []string `mapstructure:"gossip-join"`
	Advertise    string   `mapstructure:"advertise"`

	Concurrency int           `mapstructure:"concurrency"`
	Codec       string        `mapstructure:"codec"`
	Heartbeat   time.Duration `mapstructure:"heartbeat"`

	Squeeze SqueezeSettings `mapstructure:",squash"`
}

func serveFlags(fs *pflag.FlagSet) {
	fs.Bool("stdio", false, "serve a single coordinator on stdin/stdout")
	fs.String("listen", "", "serve coordinators over QUIC on this address")
	fs.String("tls-cert", "", "PEM certificate presented to coordinators")
	fs.String("tls-key", "", "PEM private key of the certificate")
	fs.String("tls-ca", "", "PEM bundle used to verify coordinators, enables mutual TLS")
	fs.String("gossip-listen", "", "join a gossip cluster from this host:port")
	fs.String("gossip-name", "", "unique name in the gossip cluster (default to the hostname)")
	fs.StringSlice("gossip-join", nil, "gossip neighbours to contact")
	fs.String("advertise", "", "address advertised to coordinators (default to the listen address)")
	fs.Int("concurrency", 0, "maximum parallel minifications (default to the number of CPUs)")
	fs.String("codec", "proto", "wire codec: proto or json")
	fs.Duration("heartbeat", 5*time.Second, "period of queue depth reports, 0 uses the default, negative disables")
	fs.Bool("keep-comments", false, "keep line comments")
	fs.Bool("keep-newlines", false, "keep line breaks")
}

// loadConfig merges, by increasing priority, the file named by --config,
// the environment and the command line flags.
func loadConfig(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return nil, err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.Stdio && c.Listen != "":
		return fmt.Errorf("%w: --stdio and --listen are exclusive", ErrInvalidCfg)
	case !c.Stdio && c.Listen == "":
		return fmt.Errorf("%w: one of --stdio or --listen is required", ErrInvalidCfg)
	case c.Listen != "" && (c.TLSCert == "" || c.TLSKey == ""):
		return fmt.Errorf("%w: --listen requires --tls-cert and --tls-key", ErrInvalidCfg)
	case c.GossipListen != "" && c.Listen == "":
		return fmt.Errorf("%w: gossip is only available with --listen", ErrInvalidCfg)
	}

	if _, err := c.codec(); err != nil {
		return err
	}
	if _, err := c.level(); err != nil {
		return err
	}
	if c.GossipListen != "" {
		if _, _, err := c.gossipAddr(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) codec() (flow.Codec, error) {
	switch c.Codec {
	case "", "proto":
		return flow.NewProtoCodec[*structpb.Value](false), nil
	case "json":
		return flow.NewProtoJSONCodec[*structpb.Value](false), nil
	}
	return nil, fmt.Errorf("%w: unknown codec %q", ErrInvalidCfg, c.Codec)
}

func (c *Config) level() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return lvl, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return lvl, nil
}

func (c *Config) gossipAddr() (string, int, error) {
	host, port, err := net.SplitHostPort(c.GossipListen)
	if err != nil {
		return "", 0, fmt.Errorf("%w: gossip-listen: %w", ErrInvalidCfg, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return "", 0, fmt.Errorf("%w: gossip-listen: %w", ErrInvalidCfg, err)
	}
	return host, p, nil
}

func (c *Config) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLSCert, c.TLSKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}

	tc := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if c.TLSCA != "" {
		bundle, err := os.ReadFile(c.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(bundle) {
			return nil, fmt.Errorf("%w: no certificate found in %s", ErrInvalidCfg, c.TLSCA)
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}
