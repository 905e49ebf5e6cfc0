// Package worker implements the worker side of the minimux protocol.
//
// A worker answers the handshake with the configuration identity of its
// [Handler], then minifies requests concurrently and sends results back in
// completion order. It periodically reports how many requests it is
// processing and says goodbye before shutting down gracefully.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/minimux/internal/telemetry"
	"github.com/raskyld/minimux/pkg/flow"
	"github.com/raskyld/minimux/pkg/wire"
	"golang.org/x/sync/errgroup"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	ErrInvalidCfg = errors.New("worker: invalid options")
	ErrHandshake  = errors.New("worker: handshake failed")
)

type session struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink
	h      Handler

	sender   *flow.Sender[*structpb.Value]
	receiver *flow.Receiver[*structpb.Value]

	inFlight atomic.Int64
}

// Serve speaks the protocol over raw until the coordinator disconnects or
// ctx is cancelled. Serve owns raw and closes it before returning.
//
// When ctx is cancelled, Serve stops reading, waits for the requests in
// flight, sends a goodbye and returns nil.
func Serve(ctx context.Context, raw flow.Raw, h Handler, opts ...Option) error {
	cfg, err := buildConfig(opts)
	if err != nil {
		raw.Close()
		return err
	}

	s := &session{
		cfg:      cfg,
		logger:   cfg.logger().With(telemetry.LabelConfigHash.L(h.ConfigHash())),
		msink:    cfg.msink,
		h:        h,
		sender:   flow.NewSender[*structpb.Value](raw.RawSender, cfg.codec, cfg.bufferSize),
		receiver: flow.NewReceiver[*structpb.Value](raw.RawReceiver, cfg.codec, cfg.bufferSize),
	}
	defer s.close(raw)

	s.msink.IncrCounterWithLabels(MetricSessions, 1, cfg.metricLabels)

	if err := s.handshake(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	s.logger.Info("coordinator connected")

	return s.serve(ctx)
}

func (s *session) handshake(ctx context.Context) error {
	first, err := s.receiver.Recv(ctx)
	if err != nil {
		return err
	}

	msg, err := wire.DecodeOutbound(first)
	if err != nil {
		return err
	}
	if _, ok := msg.(wire.Initialize); !ok {
		return fmt.Errorf("expected initialize, got a %s", msg.Kind())
	}

	return s.send(ctx, wire.ConfigIdentity{Hash: s.h.ConfigHash()})
}

func (s *session) serve(ctx context.Context) error {
	// Requests already accepted are completed even if ctx is cancelled.
	reqCtx, cancelReqs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelReqs()

	var g errgroup.Group
	g.SetLimit(s.cfg.concurrency)

	stopHeartbeat := s.startHeartbeat()

	var serveErr error
	for {
		value, err := s.receiver.Recv(ctx)
		if err != nil {
			if ctx.Err() == nil && !isEOF(err) {
				serveErr = err
				s.logger.Error("flow with coordinator failed", telemetry.LabelError.L(err))
				cancelReqs()
			}
			break
		}

		msg, err := wire.DecodeOutbound(value)
		if err != nil {
			serveErr = err
			s.logger.Error("received a malformed message", telemetry.LabelError.L(err))
			cancelReqs()
			break
		}

		switch m := msg.(type) {
		case wire.Request:
			// blocks when the concurrency limit is reached.
			g.Go(func() error {
				s.process(reqCtx, m)
				return nil
			})
		case wire.Initialize:
			s.logger.Warn("ignoring initialize received after the handshake")
		}
	}

	_ = g.Wait()
	stopHeartbeat()

	if ctx.Err() != nil && serveErr == nil {
		s.logger.Info("shutting down, saying goodbye to the coordinator")
		if err := s.send(context.Background(), wire.Goodbye{}); err != nil {
			s.logger.Debug("could not say goodbye", telemetry.LabelError.L(err))
		}
	} else {
		s.logger.Info("coordinator disconnected")
	}

	return serveErr
}

func (s *session) process(ctx context.Context, req wire.Request) {
	pending := s.inFlight.Add(1)
	s.msink.SetGaugeWithLabels(MetricInFlight, float32(pending), s.cfg.metricLabels)
	defer func() {
		pending := s.inFlight.Add(-1)
		s.msink.SetGaugeWithLabels(MetricInFlight, float32(pending), s.cfg.metricLabels)
	}()

	s.msink.IncrCounterWithLabels(MetricRequests, 1, s.cfg.metricLabels)
	start := time.Now()
	out, err := s.minify(ctx, req)
	elapsed := time.Since(start)
	s.msink.AddSampleWithLabels(MetricMinifyDuration, float32(elapsed.Milliseconds()), s.cfg.metricLabels)

	result := wire.Result{Hash: req.Hash}
	if err != nil {
		s.msink.IncrCounterWithLabels(MetricRequestErrors, 1, s.cfg.metricLabels)
		s.logger.Debug("minification failed", telemetry.LabelHash.L(req.Hash), telemetry.LabelError.L(err))
		result.Err = err
	} else {
		result.Code = out.Code
		result.Map = out.Map
		s.logger.Debug("minified", telemetry.LabelHash.L(req.Hash), telemetry.LabelDuration.L(elapsed))
	}

	err = s.send(ctx, result)
	if errors.Is(err, wire.ErrMalformed) {
		// the output could not be serialised, the caller must still
		// get an answer.
		err = s.send(ctx, wire.Result{Hash: req.Hash, Err: err})
	}
	if err != nil {
		s.logger.Debug("could not send result", telemetry.LabelHash.L(req.Hash), telemetry.LabelError.L(err))
	}
}

func (s *session) minify(ctx context.Context, req wire.Request) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.msink.IncrCounterWithLabels(MetricRequestPanics, 1, s.cfg.metricLabels)
			s.logger.Error("handler panicked", telemetry.LabelHash.L(req.Hash), telemetry.LabelPanic.L(r))
			err = &wire.WorkerError{
				Message: fmt.Sprint(r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return s.h.Minify(ctx, req)
}

func (s *session) startHeartbeat() (stop func()) {
	if s.cfg.heartbeat < 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(s.cfg.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				pending := int(s.inFlight.Load())
				if err := s.send(context.Background(), wire.Heartbeat{Pending: pending}); err != nil {
					s.logger.Debug("could not send heartbeat", telemetry.LabelError.L(err))
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *session) send(ctx context.Context, msg wire.Message) error {
	value, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, value)
}

func (s *session) close(raw flow.Raw) {
	// flush the goodbye and the last results.
	if err := s.sender.Close(); err != nil && !isEOF(err) {
		s.logger.Debug("error closing sender", telemetry.LabelError.L(err))
	}
	s.receiver.Close()
	if raw.Conn != nil {
		raw.Conn.Close()
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, flow.ErrFlowClosed)
}
