package minimux

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/minimux/pkg/flow"
	"github.com/raskyld/minimux/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func testLog() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	})
}

// fakeWorker is the worker end of the flow, driven by the test.
type fakeWorker struct {
	t        *testing.T
	raw      flow.Raw
	sender   *flow.Sender[*structpb.Value]
	receiver *flow.Receiver[*structpb.Value]
}

func (w *fakeWorker) send(msg wire.Message) error {
	w.t.Helper()
	v, err := wire.Encode(msg)
	require.NoError(w.t, err)
	return w.sender.Send(context.Background(), v)
}

func (w *fakeWorker) expect() wire.Message {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := w.receiver.Recv(ctx)
	require.NoError(w.t, err)
	msg, err := wire.DecodeOutbound(v)
	require.NoError(w.t, err)
	return msg
}

func (w *fakeWorker) expectNothing() {
	w.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	v, err := w.receiver.Recv(ctx)
	require.ErrorIs(w.t, err, context.DeadlineExceeded, "unexpected message %v", v)
}

func (w *fakeWorker) crash() {
	w.raw.Close()
	w.sender.Close()
	w.receiver.Close()
}

func newHarness(t *testing.T, opts ...Option) (*Coordinator, *fakeWorker, *metrics.InmemSink) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	client, server := flow.Pipe(16)

	coord, err := New(client, append([]Option{
		WithLog(testLog()),
		WithMetricSink(sink),
	}, opts...)...)
	require.NoError(t, err)

	codec := flow.NewProtoCodec[*structpb.Value](false)
	w := &fakeWorker{
		t:        t,
		raw:      server,
		sender:   flow.NewSender[*structpb.Value](server.RawSender, codec, 16),
		receiver: flow.NewReceiver[*structpb.Value](server.RawReceiver, codec, 16),
	}
	t.Cleanup(func() {
		coord.Close(context.Background())
		w.crash()
	})
	return coord, w, sink
}

func connect(t *testing.T, coord *Coordinator, w *fakeWorker) *Connection {
	t.Helper()
	type outcome struct {
		conn *Connection
		err  error
	}
	connected := make(chan outcome, 1)
	go func() {
		conn, err := coord.Connect(context.Background())
		connected <- outcome{conn, err}
	}()

	require.Equal(t, wire.Initialize{}, w.expect())
	require.NoError(t, w.send(wire.ConfigIdentity{Hash: "cfg-123"}))

	select {
	case out := <-connected:
		require.NoError(t, out.err)
		return out.conn
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
		return nil
	}
}

func counter(sink *metrics.InmemSink, name []string) int {
	key := strings.Join(name, ".")
	total := 0
	for _, interval := range sink.Data() {
		interval.RLock()
		for k, c := range interval.Counters {
			// counters with labels are suffixed by them.
			if k == key || strings.HasPrefix(k, key+";") {
				total += int(c.Sum)
			}
		}
		interval.RUnlock()
	}
	return total
}

func gauge(sink *metrics.InmemSink, name []string) (float32, bool) {
	key := strings.Join(name, ".")
	data := sink.Data()
	for i := len(data) - 1; i >= 0; i-- {
		data[i].RLock()
		g, ok := data[i].Gauges[key]
		data[i].RUnlock()
		if ok {
			return g.Value, true
		}
	}
	return 0, false
}

func TestScenario(t *testing.T) {
	coord, w, sink := newHarness(t)
	rec := &recorder{}

	// 1. handshake.
	connected := make(chan *Connection, 1)
	go func() {
		conn, err := coord.Connect(context.Background())
		assert.NoError(t, err)
		connected <- conn
	}()
	require.Equal(t, wire.Initialize{}, w.expect())
	require.Equal(t, StateHandshaking, coord.State(), "not connected before the identity is received")
	require.NoError(t, w.send(wire.ConfigIdentity{Hash: "cfg-123"}))

	var conn *Connection
	select {
	case conn = <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("Connect did not return")
	}
	require.Equal(t, "cfg-123", conn.ConfigHash)
	require.Equal(t, StateConnected, coord.State())

	// 2. first request is dispatched.
	coord.Minify(Request{Hash: "a", Code: "x"}, rec.cb("cb1"))
	require.Equal(t, wire.Request{Hash: "a", Code: "x"}, w.expect())

	// 3. same hash in flight, nothing is sent.
	coord.Minify(Request{Hash: "a", Code: "x-ignored"}, rec.cb("cb2"))
	w.expectNothing()

	// 4. the worker answers.
	result := Result{Hash: "a", Code: "minified_x"}
	require.NoError(t, w.send(result))

	// 5. both callbacks, in order, with the same result.
	require.Eventually(t, func() bool {
		calls, _ := rec.snapshot()
		return len(calls) == 2
	}, 5*time.Second, 10*time.Millisecond)
	calls, got := rec.snapshot()
	require.Equal(t, []string{"cb1", "cb2"}, calls)
	require.Equal(t, []Result{result, result}, got)

	// 6. nothing is routed after disconnect.
	require.NoError(t, conn.Disconnect(context.Background()))
	require.Equal(t, StateClosed, coord.State())
	_ = w.send(Result{Hash: "a", Code: "late"})
	time.Sleep(50 * time.Millisecond)
	calls, _ = rec.snapshot()
	require.Len(t, calls, 2)

	require.Equal(t, 2, counter(sink, MetricRequests))
	require.Equal(t, 1, counter(sink, MetricDispatched))
	require.Equal(t, 1, counter(sink, MetricDeduplicated))
	require.Equal(t, 1, counter(sink, MetricResults))
	require.Zero(t, counter(sink, MetricProtocolViolations))
}

func TestDedupUnderConcurrency(t *testing.T) {
	coord, w, _ := newHarness(t)
	connect(t, coord, w)

	var (
		wg        sync.WaitGroup
		delivered sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		delivered.Add(1)
		go func() {
			defer wg.Done()
			coord.Minify(Request{Hash: "shared", Code: "x"}, func(res Result) {
				assert.Equal(t, "X", res.Code)
				delivered.Done()
			})
		}()
	}
	wg.Wait()

	require.Equal(t, wire.Request{Hash: "shared", Code: "x"}, w.expect())
	w.expectNothing()

	require.NoError(t, w.send(Result{Hash: "shared", Code: "X"}))
	delivered.Wait()
}

func TestCleanRemoval(t *testing.T) {
	coord, w, _ := newHarness(t)
	connect(t, coord, w)

	done := make(chan Result, 2)
	cb := func(res Result) { done <- res }

	coord.Minify(Request{Hash: "a", Code: "x"}, cb)
	require.Equal(t, wire.Request{Hash: "a", Code: "x"}, w.expect())
	require.NoError(t, w.send(Result{Hash: "a", Code: "1"}))
	require.Equal(t, "1", (<-done).Code)

	coord.Minify(Request{Hash: "a", Code: "x"}, cb)
	require.Equal(t, wire.Request{Hash: "a", Code: "x"}, w.expect(), "a new dispatch")
	require.NoError(t, w.send(Result{Hash: "a", Code: "2"}))
	require.Equal(t, "2", (<-done).Code)
}

func TestWorkerErrorIsData(t *testing.T) {
	coord, w, sink := newHarness(t)
	conn := connect(t, coord, w)

	done := make(chan Result, 1)
	coord.Minify(Request{Hash: "a", Code: "x", NameForMap: "a.js", Externals: []string{"React"}}, func(res Result) {
		done <- res
	})
	require.Equal(t, wire.Request{Hash: "a", Code: "x", NameForMap: "a.js", Externals: []string{"React"}}, w.expect())

	werr := &wire.WorkerError{Message: "unexpected token", Stack: "at 1:1"}
	require.NoError(t, w.send(Result{Hash: "a", Err: werr}))

	res := <-done
	require.Equal(t, werr, res.Err)
	require.Nil(t, conn.Err(), "the connection is still healthy")
	require.Equal(t, 1, counter(sink, MetricWorkerErrors))
}

func TestProtocolViolation(t *testing.T) {
	coord, w, sink := newHarness(t)
	conn := connect(t, coord, w)

	done := make(chan Result, 1)
	coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) { done <- res })
	w.expect()

	require.NoError(t, w.send(Result{Hash: "nobody-asked", Code: "y"}))

	res := <-done
	require.ErrorIs(t, res.Err, ErrProtocolViolation)
	require.ErrorIs(t, res.Err, ErrClosed)

	var closeErr *ClosedError
	require.ErrorAs(t, res.Err, &closeErr)
	require.Equal(t, ClosedByViolation, closeErr.Cause)

	var hashErr *UnknownHashError
	require.ErrorAs(t, res.Err, &hashErr)
	require.Equal(t, "nobody-asked", hashErr.Hash)

	select {
	case <-conn.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection not terminated")
	}
	require.ErrorIs(t, conn.Err(), ErrProtocolViolation)
	require.Equal(t, 1, counter(sink, MetricProtocolViolations))
	require.Equal(t, 1, counter(sink, MetricAbandoned))
}

func TestTransportFailure(t *testing.T) {
	coord, w, _ := newHarness(t)
	conn := connect(t, coord, w)

	done := make(chan Result, 2)
	coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) { done <- res })
	coord.Minify(Request{Hash: "b", Code: "y"}, func(res Result) { done <- res })
	w.expect()
	w.expect()

	w.crash()

	for i := 0; i < 2; i++ {
		select {
		case res := <-done:
			var closeErr *ClosedError
			require.ErrorAs(t, res.Err, &closeErr)
			require.Equal(t, ClosedByTransport, closeErr.Cause)
			require.ErrorIs(t, res.Err, ErrTransportClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("pending callbacks were abandoned")
		}
	}

	<-conn.Done()
	require.Equal(t, StateClosed, coord.State())

	t.Run("minify after close calls back synchronously", func(t *testing.T) {
		var got Result
		coord.Minify(Request{Hash: "c", Code: "z"}, func(res Result) { got = res })
		require.ErrorIs(t, got.Err, ErrClosed)
		require.Equal(t, "c", got.Hash)
	})
}

func TestMalformedMessageClosesConnection(t *testing.T) {
	coord, w, _ := newHarness(t)
	conn := connect(t, coord, w)

	done := make(chan Result, 1)
	coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) { done <- res })
	w.expect()

	require.NoError(t, w.sender.Send(context.Background(), structpb.NewBoolValue(true)))

	res := <-done
	require.ErrorIs(t, res.Err, ErrTransportClosed)
	require.ErrorIs(t, res.Err, wire.ErrMalformed)
	<-conn.Done()
}

func TestGoodbye(t *testing.T) {
	coord, w, _ := newHarness(t)
	conn := connect(t, coord, w)

	done := make(chan Result, 1)
	coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) { done <- res })
	w.expect()

	require.NoError(t, w.send(wire.Goodbye{}))

	res := <-done
	require.ErrorIs(t, res.Err, ErrWorkerGone)

	<-conn.Done()
	var closeErr *ClosedError
	require.ErrorAs(t, conn.Err(), &closeErr)
	require.Equal(t, ClosedByRemote, closeErr.Cause)
}

func TestHeartbeatAndStrayIdentity(t *testing.T) {
	coord, w, sink := newHarness(t)
	connect(t, coord, w)

	require.NoError(t, w.send(wire.Heartbeat{Pending: 7}))
	require.NoError(t, w.send(wire.ConfigIdentity{Hash: "cfg-other"}))

	done := make(chan Result, 1)
	coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) { done <- res })
	w.expect()
	require.NoError(t, w.send(Result{Hash: "a", Code: "X"}))
	require.Equal(t, "X", (<-done).Code, "the connection survived both messages")

	depth, ok := gauge(sink, MetricWorkerQueueDepth)
	require.True(t, ok)
	require.Equal(t, float32(7), depth)
}

func TestHandshake(t *testing.T) {
	t.Run("wrong first message", func(t *testing.T) {
		coord, w, _ := newHarness(t)

		failed := make(chan error, 1)
		go func() {
			_, err := coord.Connect(context.Background())
			failed <- err
		}()
		w.expect()
		require.NoError(t, w.send(wire.Heartbeat{Pending: 1}))

		err := <-failed
		require.ErrorIs(t, err, ErrHandshake)
		require.ErrorIs(t, err, ErrProtocolViolation)
		require.Equal(t, StateClosed, coord.State())

		_, err = coord.Connect(context.Background())
		require.ErrorIs(t, err, ErrClosed)
	})

	t.Run("timeout", func(t *testing.T) {
		coord, w, _ := newHarness(t, WithHandshakeTimeout(50*time.Millisecond))

		failed := make(chan error, 1)
		go func() {
			_, err := coord.Connect(context.Background())
			failed <- err
		}()
		w.expect()

		err := <-failed
		require.ErrorIs(t, err, ErrHandshake)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("connect twice", func(t *testing.T) {
		coord, w, _ := newHarness(t)
		connect(t, coord, w)

		_, err := coord.Connect(context.Background())
		require.ErrorIs(t, err, ErrAlreadyConnected)
	})

	t.Run("invalid options", func(t *testing.T) {
		client, _ := flow.Pipe(1)
		_, err := New(client, WithHandshakeTimeout(-1))
		require.ErrorIs(t, err, ErrInvalidCfg)
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("fails pending callbacks and is idempotent", func(t *testing.T) {
		coord, w, sink := newHarness(t)
		conn := connect(t, coord, w)

		done := make(chan Result, 1)
		coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) { done <- res })
		w.expect()

		require.NoError(t, conn.Disconnect(context.Background()))
		require.NoError(t, conn.Disconnect(context.Background()))

		res := <-done
		require.ErrorIs(t, res.Err, ErrDisconnected)
		require.ErrorIs(t, conn.Err(), ErrDisconnected)
		require.Equal(t, 1, counter(sink, MetricAbandoned))

		_, err := coord.Connect(context.Background())
		require.ErrorIs(t, err, ErrClosed)
	})

	t.Run("from a callback", func(t *testing.T) {
		coord, w, _ := newHarness(t)
		conn := connect(t, coord, w)

		disconnected := make(chan error, 1)
		coord.Minify(Request{Hash: "a", Code: "x"}, func(Result) {
			disconnected <- conn.Disconnect(context.Background())
		})
		w.expect()
		require.NoError(t, w.send(Result{Hash: "a", Code: "X"}))

		select {
		case err := <-disconnected:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Disconnect deadlocked in a callback")
		}
		<-conn.Done()
	})

	t.Run("from a callback failed by goodbye", func(t *testing.T) {
		coord, w, _ := newHarness(t)
		conn := connect(t, coord, w)

		disconnected := make(chan error, 1)
		coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) {
			assert.ErrorIs(t, res.Err, ErrWorkerGone)
			disconnected <- conn.Disconnect(context.Background())
		})
		w.expect()
		require.NoError(t, w.send(wire.Goodbye{}))

		select {
		case err := <-disconnected:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Disconnect deadlocked in a failed callback")
		}
		<-conn.Done()
		require.ErrorIs(t, conn.Err(), ErrWorkerGone, "the first cause is kept")
	})

	t.Run("from a callback failed by disconnect", func(t *testing.T) {
		coord, w, _ := newHarness(t)
		conn := connect(t, coord, w)

		inner := make(chan error, 1)
		coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) {
			assert.ErrorIs(t, res.Err, ErrDisconnected)
			inner <- conn.Disconnect(context.Background())
		})
		w.expect()

		outer := make(chan error, 1)
		go func() {
			outer <- conn.Disconnect(context.Background())
		}()

		for _, ch := range []chan error{inner, outer} {
			select {
			case err := <-ch:
				require.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Disconnect deadlocked")
			}
		}
	})

	t.Run("while the router runs a callback", func(t *testing.T) {
		coord, w, _ := newHarness(t)
		conn := connect(t, coord, w)

		rec := &recorder{}
		entered := make(chan struct{})
		release := make(chan struct{})
		coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) {
			rec.cb("first")(res)
			close(entered)
			<-release
		})
		coord.Minify(Request{Hash: "a", Code: "x"}, rec.cb("second"))
		w.expect()
		require.NoError(t, w.send(Result{Hash: "a", Code: "A"}))

		select {
		case <-entered:
		case <-time.After(5 * time.Second):
			t.Fatal("result not delivered")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Disconnect(ctx))
		close(release)

		select {
		case <-coord.routerDone:
		case <-time.After(5 * time.Second):
			t.Fatal("router did not stop")
		}
		calls, got := rec.snapshot()
		require.Equal(t, []string{"first", "second"}, calls)
		require.Equal(t, "A", got[0].Code)
		require.ErrorIs(t, got[1].Err, ErrDisconnected, "no result once Disconnect returned")
	})

	t.Run("before connect", func(t *testing.T) {
		coord, _, _ := newHarness(t)

		var got Result
		require.NoError(t, coord.Close(context.Background()))
		coord.Minify(Request{Hash: "a", Code: "x"}, func(res Result) { got = res })
		require.True(t, errors.Is(got.Err, ErrClosed))
	})
}

func TestNilCallback(t *testing.T) {
	coord, w, _ := newHarness(t)
	connect(t, coord, w)

	coord.Minify(Request{Hash: "a", Code: "x"}, nil)
	w.expect()
	require.NoError(t, w.send(Result{Hash: "a", Code: "X"}))

	done := make(chan struct{})
	coord.Minify(Request{Hash: "b", Code: "y"}, func(Result) { close(done) })
	w.expect()
	require.NoError(t, w.send(Result{Hash: "b", Code: "Y"}))
	<-done
}
