package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/minimux/pkg/flow"
	"github.com/raskyld/minimux/pkg/wire"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

var testHandler = NewHandler("cfg-upper", func(_ context.Context, req wire.Request) (Output, error) {
	switch req.Code {
	case "fail":
		return Output{}, &wire.WorkerError{Message: "unexpected token", Stack: "at 1:1"}
	case "panic":
		panic("handler bug")
	case "slow":
		time.Sleep(200 * time.Millisecond)
	}
	out := Output{Code: strings.ToUpper(req.Code)}
	if req.NameForMap != "" {
		out.Map = map[string]interface{}{"file": req.NameForMap}
	}
	return out, nil
})

// peer is the coordinator end of a flow, driven by hand.
type peer struct {
	t        *testing.T
	sender   *flow.Sender[*structpb.Value]
	receiver *flow.Receiver[*structpb.Value]
	raw      flow.Raw
}

func newPeer(t *testing.T, raw flow.Raw) *peer {
	codec := flow.NewProtoCodec[*structpb.Value](false)
	return &peer{
		t:        t,
		sender:   flow.NewSender[*structpb.Value](raw.RawSender, codec, 16),
		receiver: flow.NewReceiver[*structpb.Value](raw.RawReceiver, codec, 16),
		raw:      raw,
	}
}

func (p *peer) send(msg wire.Message) {
	p.t.Helper()
	v, err := wire.Encode(msg)
	require.NoError(p.t, err)
	require.NoError(p.t, p.sender.Send(context.Background(), v))
}

// recv skips heartbeats unless asked for.
func (p *peer) recv(keepHeartbeats bool) wire.Message {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		v, err := p.receiver.Recv(ctx)
		require.NoError(p.t, err)
		msg, err := wire.DecodeInbound(v)
		require.NoError(p.t, err)
		if _, ok := msg.(wire.Heartbeat); ok && !keepHeartbeats {
			continue
		}
		return msg
	}
}

func (p *peer) close() {
	p.raw.Close()
	p.sender.Close()
	p.receiver.Close()
}

func testLog() slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
}

func startServe(t *testing.T, ctx context.Context, opts ...Option) (*peer, chan error) {
	client, server := flow.Pipe(16)
	served := make(chan error, 1)
	go func() {
		served <- Serve(ctx, server, testHandler, append([]Option{WithLog(testLog())}, opts...)...)
	}()
	return newPeer(t, client), served
}

func TestServe(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)
	p, served := startServe(t, context.Background(), WithMetricSink(sink), WithHeartbeat(-1))

	p.send(wire.Initialize{})
	require.Equal(t, wire.ConfigIdentity{Hash: "cfg-upper"}, p.recv(false))

	t.Run("success", func(t *testing.T) {
		p.send(wire.Request{Hash: "a", Code: "x", NameForMap: "a.js"})
		require.Equal(t, wire.Result{
			Hash: "a",
			Code: "X",
			Map:  map[string]interface{}{"file": "a.js"},
		}, p.recv(false))
	})

	t.Run("failure is forwarded", func(t *testing.T) {
		p.send(wire.Request{Hash: "b", Code: "fail"})
		res := p.recv(false).(wire.Result)
		require.Equal(t, "b", res.Hash)
		require.Equal(t, &wire.WorkerError{Message: "unexpected token", Stack: "at 1:1"}, res.Err)
		require.Empty(t, res.Code)
	})

	t.Run("panic becomes a worker error", func(t *testing.T) {
		p.send(wire.Request{Hash: "c", Code: "panic"})
		res := p.recv(false).(wire.Result)
		require.Equal(t, "c", res.Hash)

		var werr *wire.WorkerError
		require.True(t, errors.As(res.Err, &werr))
		require.Equal(t, "handler bug", werr.Message)
		require.Contains(t, werr.Stack, "minify")
	})

	t.Run("second initialize is ignored", func(t *testing.T) {
		p.send(wire.Initialize{})
		p.send(wire.Request{Hash: "d", Code: "y"})
		require.Equal(t, wire.Result{Hash: "d", Code: "Y"}, p.recv(false))
	})

	p.close()
	select {
	case err := <-served:
		require.NoError(t, err, "a coordinator leaving is not an error")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after the coordinator left")
	}

	require.Equal(t, 4, counter(sink, MetricRequests))
	require.Equal(t, 2, counter(sink, MetricRequestErrors))
	require.Equal(t, 1, counter(sink, MetricRequestPanics))
}

func TestServeResultsInCompletionOrder(t *testing.T) {
	p, _ := startServe(t, context.Background(), WithConcurrency(2), WithHeartbeat(-1))
	defer p.close()

	p.send(wire.Initialize{})
	p.recv(false)

	p.send(wire.Request{Hash: "slow", Code: "slow"})
	p.send(wire.Request{Hash: "fast", Code: "fast"})

	require.Equal(t, "fast", p.recv(false).(wire.Result).Hash)
	require.Equal(t, wire.Result{Hash: "slow", Code: "SLOW"}, p.recv(false))
}

func TestServeHeartbeat(t *testing.T) {
	p, _ := startServe(t, context.Background(), WithHeartbeat(20*time.Millisecond))
	defer p.close()

	p.send(wire.Initialize{})
	require.Equal(t, wire.ConfigIdentity{Hash: "cfg-upper"}, p.recv(true))

	require.Equal(t, wire.Heartbeat{Pending: 0}, p.recv(true))
}

func TestServeGoodbye(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p, served := startServe(t, ctx, WithHeartbeat(-1))
	defer p.close()

	p.send(wire.Initialize{})
	p.recv(false)

	p.send(wire.Request{Hash: "slow", Code: "slow"})
	// let the request be picked up before stopping.
	time.Sleep(50 * time.Millisecond)
	cancel()

	require.Equal(t, wire.Result{Hash: "slow", Code: "SLOW"}, p.recv(false), "requests in flight complete")
	require.Equal(t, wire.Goodbye{}, p.recv(false))

	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after ctx was cancelled")
	}
}

func TestServeHandshakeViolation(t *testing.T) {
	p, served := startServe(t, context.Background())
	defer p.close()

	p.send(wire.Request{Hash: "a", Code: "x"})

	select {
	case err := <-served:
		require.ErrorIs(t, err, ErrHandshake)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve accepted a request before the handshake")
	}
}

func TestInvalidOptions(t *testing.T) {
	client, server := flow.Pipe(1)
	defer client.Close()

	err := Serve(context.Background(), server, testHandler, WithConcurrency(-1))
	require.ErrorIs(t, err, ErrInvalidCfg)
}

func counter(sink *metrics.InmemSink, name []string) int {
	key := strings.Join(name, ".")
	total := 0
	for _, interval := range sink.Data() {
		interval.RLock()
		if c, ok := interval.Counters[key]; ok {
			total += c.Count
		}
		interval.RUnlock()
	}
	return total
}
