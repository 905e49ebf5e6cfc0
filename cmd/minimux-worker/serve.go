package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raskyld/minimux/internal/telemetry"
	"github.com/raskyld/minimux/pkg/discovery"
	"github.com/raskyld/minimux/pkg/flow"
	"github.com/raskyld/minimux/pkg/worker"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve coordinators until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if err := cfg.validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	serveFlags(cmd.Flags())
	return cmd
}

func configHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config-hash",
		Short: "Print the identity sent to coordinators during the handshake",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			h, err := newSqueezer(cfg.Squeeze)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h.ConfigHash())
			return err
		},
	}
	cmd.Flags().Bool("keep-comments", false, "keep line comments")
	cmd.Flags().Bool("keep-newlines", false, "keep line breaks")
	return cmd
}

// logs always go to stderr, stdout may carry the protocol.
func newLogHandler(cfg *Config) slog.Handler {
	lvl, _ := cfg.level()
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
}

func serve(ctx context.Context, cfg *Config) error {
	logs := newLogHandler(cfg)
	logger := slog.New(logs)

	h, err := newSqueezer(cfg.Squeeze)
	if err != nil {
		return err
	}
	codec, err := cfg.codec()
	if err != nil {
		return err
	}

	opts := []worker.Option{
		worker.WithLog(logs),
		worker.WithCodec(codec),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithHeartbeat(cfg.Heartbeat),
	}

	logger.Info("worker starting", telemetry.LabelConfigHash.L(h.ConfigHash()))

	if cfg.Stdio {
		return worker.Serve(ctx, flow.Stdio(os.Stdin, os.Stdout), h, opts...)
	}

	tc, err := cfg.tlsConfig()
	if err != nil {
		return err
	}

	ln, err := flow.ListenQUIC(cfg.Listen, flow.QUICConfig{
		TLSConfig:  tc,
		LogHandler: logs,
	})
	if err != nil {
		return err
	}
	logger.Info("listening", telemetry.LabelPeerAddr.L(ln.Addr().String()))

	if cfg.GossipListen != "" {
		dir, err := startGossip(cfg, logs, h.ConfigHash(), ln.Addr().String())
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer func() {
			if err := dir.Shutdown(); err != nil {
				logger.Warn("gossip shutdown failed", telemetry.LabelError.L(err))
			}
		}()
	}

	return worker.ListenAndServe(ctx, ln, h, opts...)
}

func startGossip(cfg *Config, logs slog.Handler, configHash, listenAddr string) (*discovery.Directory, error) {
	host, port, err := cfg.gossipAddr()
	if err != nil {
		return nil, err
	}

	advertise := cfg.Advertise
	if advertise == "" {
		advertise = listenAddr
	}

	dir, err := discovery.Create(
		discovery.WithNodeName(cfg.GossipName),
		discovery.WithListenOn(host, port),
		discovery.WithNeighbours(cfg.GossipJoin),
		discovery.WithLog(logs),
		discovery.WithAdvertise(discovery.Advertisement{
			Addr:       advertise,
			ConfigHash: configHash,
		}),
	)
	if err != nil {
		return nil, err
	}

	if err := dir.Join(); err != nil {
		_ = dir.Shutdown()
		return nil, err
	}
	return dir, nil
}
