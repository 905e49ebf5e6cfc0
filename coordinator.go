package minimux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/minimux/internal/telemetry"
	"github.com/raskyld/minimux/pkg/flow"
	"github.com/raskyld/minimux/pkg/wire"
	"google.golang.org/protobuf/types/known/structpb"
)

// Coordinator dispatches minification requests to a single worker over a
// flow, deduplicating them by hash, and routes results back to callers.
type Coordinator struct {
	cfg    *config
	logger *slog.Logger
	msink  metrics.MetricSink

	raw      flow.Raw
	sender   *flow.Sender[*structpb.Value]
	receiver *flow.Receiver[*structpb.Value]
	registry *registry

	lk            sync.Mutex
	state         State
	closeErr      *ClosedError
	routerStarted bool

	closeOnce  sync.Once
	closeCh    chan struct{}
	routerDone chan struct{}
	// routerBusy is set while the router goroutine runs callbacks, the
	// ones of a result or the ones failed when it ends the connection.
	routerBusy atomic.Bool
}

// New returns a Coordinator talking to a worker over raw. The coordinator
// takes ownership of raw and closes it on disconnect.
func New(raw flow.Raw, opts ...Option) (*Coordinator, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	return newCoordinator(raw, cfg), nil
}

func newCoordinator(raw flow.Raw, cfg *config) *Coordinator {
	return &Coordinator{
		cfg:    cfg,
		logger: cfg.logger(),
		msink:  cfg.msink,

		raw:      raw,
		sender:   flow.NewSender[*structpb.Value](raw.RawSender, cfg.codec, cfg.sendBuffer),
		receiver: flow.NewReceiver[*structpb.Value](raw.RawReceiver, cfg.codec, cfg.recvBuffer),
		registry: newRegistry(),

		closeCh:    make(chan struct{}),
		routerDone: make(chan struct{}),
	}
}

// State returns where the coordinator is in its lifecycle.
func (c *Coordinator) State() State {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.state
}

// Minify implements Minifier.
//
// It may be called before Connect: the request is dispatched right away
// and callers are responsible for ordering it after the handshake if they
// need the configuration identity. Once the coordinator is closed, cb is
// called before Minify returns with a *ClosedError.
//
// Minify only waits when the send buffer is full.
func (c *Coordinator) Minify(req Request, cb Callback) {
	c.msink.IncrCounterWithLabels(MetricRequests, 1, c.cfg.metricLabels)

	dispatch, err := c.registry.submit(req.Hash, cb)
	if err != nil {
		c.msink.IncrCounterWithLabels(MetricRejected, 1, c.cfg.metricLabels)
		c.logger.Debug("request rejected", telemetry.LabelHash.L(req.Hash), telemetry.LabelError.L(err))
		return
	}
	if !dispatch {
		c.msink.IncrCounterWithLabels(MetricDeduplicated, 1, c.cfg.metricLabels)
		c.logger.Debug("request joined the one in flight", telemetry.LabelHash.L(req.Hash))
		return
	}

	c.msink.SetGaugeWithLabels(MetricPendingHashes, float32(c.registry.inFlight()), c.cfg.metricLabels)

	msg, err := wire.Encode(req)
	if err == nil {
		err = c.sender.Send(context.Background(), msg)
	}
	if err != nil {
		c.msink.IncrCounterWithLabels(MetricDispatchError, 1, c.cfg.metricLabels)
		c.logger.Error(
			"could not dispatch request",
			telemetry.LabelHash.L(req.Hash),
			telemetry.LabelError.L(err),
		)
		c.registry.fail(req.Hash, &ClosedError{
			Cause: ClosedByTransport,
			Err:   fmt.Errorf("%w: %w", ErrTransportClosed, err),
		})
		return
	}

	c.msink.IncrCounterWithLabels(MetricDispatched, 1, c.cfg.metricLabels)
	c.logger.Debug("request dispatched", telemetry.LabelHash.L(req.Hash))
}

// Connect implements Minifier.
//
// It sends the initialize message and waits for the first message of the
// worker, which must be its configuration identity. When ctx has no
// deadline, the handshake timeout applies. Connect can only succeed once:
// a failed handshake closes the coordinator.
func (c *Coordinator) Connect(ctx context.Context) (*Connection, error) {
	c.lk.Lock()
	switch c.state {
	case StateClosed:
		c.lk.Unlock()
		return nil, ErrClosed
	case StateHandshaking, StateConnected:
		c.lk.Unlock()
		return nil, ErrAlreadyConnected
	}
	c.state = StateHandshaking
	c.lk.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.handshakeTimeout)
		defer cancel()
	}

	start := time.Now()
	identity, err := c.handshake(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrHandshake, err)
		c.terminate(ClosedByTransport, err)
		return nil, err
	}

	c.lk.Lock()
	if c.state == StateClosed {
		c.lk.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrHandshake, ErrClosed)
	}
	c.state = StateConnected
	c.routerStarted = true
	c.lk.Unlock()

	elapsed := time.Since(start)
	c.msink.AddSampleWithLabels(MetricHandshakeDuration, float32(elapsed.Milliseconds()), c.cfg.metricLabels)
	c.logger.Info(
		"connected to worker",
		telemetry.LabelConfigHash.L(identity.Hash),
		telemetry.LabelDuration.L(elapsed),
	)

	go c.route()

	return &Connection{
		ConfigHash: identity.Hash,
		c:          c,
	}, nil
}

func (c *Coordinator) handshake(ctx context.Context) (wire.ConfigIdentity, error) {
	initialize, err := wire.Encode(wire.Initialize{})
	if err != nil {
		return wire.ConfigIdentity{}, err
	}

	if err := c.sender.Send(ctx, initialize); err != nil {
		return wire.ConfigIdentity{}, fmt.Errorf("could not send initialize: %w", err)
	}

	reply, err := c.receiver.Recv(ctx)
	if err != nil {
		return wire.ConfigIdentity{}, fmt.Errorf("no configuration identity received: %w", err)
	}

	msg, err := wire.DecodeInbound(reply)
	if err != nil {
		return wire.ConfigIdentity{}, err
	}

	identity, ok := msg.(wire.ConfigIdentity)
	if !ok {
		return wire.ConfigIdentity{}, fmt.Errorf(
			"%w: expected a configuration identity, got a %s",
			ErrProtocolViolation,
			msg.Kind(),
		)
	}
	return identity, nil
}

// route is the only reader of the flow once connected.
func (c *Coordinator) route() {
	defer close(c.routerDone)

	for {
		value, err := c.receiver.Recv(context.Background())
		if err != nil {
			c.routerTerminate(ClosedByTransport, fmt.Errorf("%w: %w", ErrTransportClosed, err))
			return
		}

		msg, err := wire.DecodeInbound(value)
		if err != nil {
			c.routerTerminate(ClosedByTransport, fmt.Errorf("%w: %w", ErrTransportClosed, err))
			return
		}

		switch m := msg.(type) {
		case wire.Result:
			if !c.deliver(m) {
				return
			}

		case wire.Heartbeat:
			c.msink.SetGaugeWithLabels(MetricWorkerQueueDepth, float32(m.Pending), c.cfg.metricLabels)
			c.logger.Debug("worker heartbeat", telemetry.LabelPending.L(m.Pending))

		case wire.Goodbye:
			c.routerTerminate(ClosedByRemote, ErrWorkerGone)
			return

		case wire.ConfigIdentity:
			c.logger.Warn(
				"ignoring configuration identity received after the handshake",
				telemetry.LabelConfigHash.L(m.Hash),
			)
		}
	}
}

// deliver returns false when the router must stop.
func (c *Coordinator) deliver(res wire.Result) bool {
	c.routerBusy.Store(true)
	resolved, err := c.registry.resolve(res.Hash, res)
	c.routerBusy.Store(false)

	switch {
	case errors.Is(err, errRegistryClosed):
		return false

	case err != nil:
		c.msink.IncrCounterWithLabels(MetricProtocolViolations, 1, c.cfg.metricLabels)
		c.logger.Error(
			"worker answered a hash nobody is waiting for",
			telemetry.LabelHash.L(res.Hash),
			telemetry.LabelError.L(err),
		)
		c.routerTerminate(ClosedByViolation, err)
		return false
	}

	labels := c.cfg.metricLabels
	if res.Failed() {
		c.msink.IncrCounterWithLabels(MetricWorkerErrors, 1, labels)
	}
	c.msink.IncrCounterWithLabels(MetricResults, 1, labels)
	c.msink.AddSampleWithLabels(MetricLatency, float32(resolved.elapsed.Milliseconds()), labels)
	c.msink.SetGaugeWithLabels(MetricPendingHashes, float32(c.registry.inFlight()), labels)
	c.logger.Debug(
		"result delivered",
		telemetry.LabelHash.L(res.Hash),
		telemetry.LabelWaiters.L(resolved.waiters),
		telemetry.LabelDuration.L(resolved.elapsed),
	)
	return true
}

// terminate ends the connection once: the flow is closed, then pending
// callbacks receive the closing error. Only the first call returns the
// error of the flow.
//
// Callbacks run once closeOnce is done, so they may call Close.
func (c *Coordinator) terminate(cause ClosedBy, reason error) (err error) {
	var (
		closeErr *ClosedError
		pending  []abandoned
	)
	c.closeOnce.Do(func() {
		closeErr = &ClosedError{Cause: cause, Err: reason}

		c.lk.Lock()
		c.state = StateClosed
		c.closeErr = closeErr
		c.lk.Unlock()

		if cause == ClosedByUser {
			c.logger.Info("disconnecting from worker")
		} else {
			c.logger.Error(
				"connection to worker lost",
				telemetry.LabelCause.L(cause.String()),
				telemetry.LabelError.L(reason),
			)
		}

		pending = c.registry.close(closeErr)

		labels := telemetry.With(c.cfg.metricLabels, telemetry.LabelCause.M(cause.String()))
		c.msink.IncrCounterWithLabels(MetricConnectionsClosed, 1, labels)
		c.msink.IncrCounterWithLabels(MetricAbandoned, float32(countAbandoned(pending)), labels)
		c.msink.SetGaugeWithLabels(MetricPendingHashes, 0, c.cfg.metricLabels)

		// Abort the flow first, so the sender does not wait on a worker
		// which stopped reading.
		err = c.raw.Close()
		_ = c.sender.Close()
		_ = c.receiver.Close()

		close(c.closeCh)
	})
	if closeErr != nil {
		failAbandoned(pending, closeErr)
	}
	return
}

// routerTerminate is terminate called from the router goroutine.
func (c *Coordinator) routerTerminate(cause ClosedBy, reason error) {
	c.routerBusy.Store(true)
	defer c.routerBusy.Store(false)
	c.terminate(cause, reason)
}

// Close ends the connection, see `Connection.Disconnect`. It is useful to
// release a coordinator that never connected.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.terminate(ClosedByUser, ErrDisconnected)

	c.lk.Lock()
	started := c.routerStarted
	c.lk.Unlock()

	// the router cannot be waited for from one of its callbacks. The
	// registry is closed, so it delivers no result past this point.
	if !started || c.routerBusy.Load() {
		return err
	}

	select {
	case <-c.routerDone:
		return err
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
}

func (c *Coordinator) done() <-chan struct{} {
	return c.closeCh
}

func (c *Coordinator) err() error {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.closeErr == nil {
		return nil
	}
	return c.closeErr
}
