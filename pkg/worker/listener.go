package worker

import (
	"context"
	"errors"

	"github.com/raskyld/minimux/internal/telemetry"
	"github.com/raskyld/minimux/pkg/flow"
	"golang.org/x/sync/errgroup"
)

// ListenAndServe serves every coordinator connecting to ln, each on its own
// flow, until ctx is cancelled. It then waits for every session to say
// goodbye and closes ln.
func ListenAndServe(ctx context.Context, ln *flow.Listener, h Handler, opts ...Option) error {
	cfg, err := buildConfig(opts)
	if err != nil {
		return err
	}
	logger := cfg.logger().With(telemetry.LabelTransport.L("quic"))
	logger.Info("accepting coordinators", telemetry.LabelPeerAddr.L(ln.Addr().String()))

	var sessions errgroup.Group
	defer ln.Close()

	for {
		raw, err := ln.Accept(ctx)
		if err != nil {
			_ = sessions.Wait()
			if ctx.Err() != nil || errors.Is(err, flow.ErrListenerClosed) {
				return nil
			}
			return err
		}

		sessions.Go(func() error {
			if err := Serve(ctx, raw, h, opts...); err != nil {
				logger.Warn("session ended with an error", telemetry.LabelError.L(err))
			}
			return nil
		})
	}
}
