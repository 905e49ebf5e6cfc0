package flow

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/minimux/internal/telemetry"
)

// ALPN is negotiated when the tls.Config does not set NextProtos.
const ALPN = "minimux/1"

var (
	ErrListenerClosed = errors.New("flow: listener closed")
)

var (
	QErrStreamClosed            = quic.StreamErrorCode(0xC)
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
)

var (
	QErrDone = QuicApplicationError{
		Code:   0x0,
		Prefix: "done",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

// QUICConfig configures both ends of a QUIC flow.
type QUICConfig struct {
	// TLSConfig is mandatory. Use mTLS in production: it is the only way
	// for a worker to authenticate its coordinators.
	TLSConfig *tls.Config

	// MaxIdleTimeout closes connections without activity. Default to 1m.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod, when set, keeps idle connections open.
	KeepAlivePeriod time.Duration

	// Linger is how long an accepted flow waits, on Close, for the dialer to
	// close the connection first, so frames still in flight are delivered.
	// Default to 2s.
	Linger time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func (cfg *QUICConfig) tls() *tls.Config {
	tlsConf := cfg.TLSConfig.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	return tlsConf
}

func (cfg *QUICConfig) quic() *quic.Config {
	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}
	return &quic.Config{
		Versions:        []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: cfg.KeepAlivePeriod,
		// A flow is a single bidirectional stream per connection.
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: -1,
	}
}

func (cfg *QUICConfig) logger() *slog.Logger {
	if cfg.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.LogHandler)
}

// DialQUIC connects to a QUIC listener and opens the stream carrying the
// flow. Closing the returned flow closes the connection.
func DialQUIC(ctx context.Context, addr string, cfg QUICConfig) (raw Raw, err error) {
	if cfg.TLSConfig == nil {
		return raw, ErrNoTLSConfig
	}

	conn, err := quic.DialAddr(ctx, addr, cfg.tls(), cfg.quic())
	if err != nil {
		return raw, fmt.Errorf("flow: failed to dial %s: %w", addr, err)
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		QErrInternal.Close(conn, "could not open stream")
		return raw, fmt.Errorf("flow: failed to open stream to %s: %w", addr, err)
	}

	return newStreamFlow(conn, stream, 0), nil
}

// streamReceiver reads from the receive side of a QUIC stream.
// Closing it aborts the read side instead of waiting for the peer.
type streamReceiver struct {
	StreamReceiver
	stream quic.ReceiveStream
}

// Recv reports a connection closed gracefully by the peer as io.EOF.
func (r streamReceiver) Recv(dec Decoder) (interface{}, error) {
	msg, err := r.StreamReceiver.Recv(dec)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == quic.ApplicationErrorCode(QErrDone.Code) {
		return nil, io.EOF
	}
	return msg, err
}

func (r streamReceiver) Close() error {
	r.stream.CancelRead(QErrStreamClosed)
	return nil
}

// connCloser closes the QUIC connection owning a flow, after an optional
// grace period during which the peer may close it first.
type connCloser struct {
	conn   quic.Connection
	linger time.Duration
}

func (c connCloser) Close() error {
	if c.linger > 0 {
		// dumb SO_LINGER like behaviour until go-quic exposes whether
		// the send buffers were drained.
		timer := time.NewTimer(c.linger)
		defer timer.Stop()
		select {
		case <-c.conn.Context().Done():
			return nil
		case <-timer.C:
		}
	}
	return QErrDone.Close(c.conn, "flow closed")
}

func newStreamFlow(conn quic.Connection, stream quic.Stream, linger time.Duration) Raw {
	return Raw{
		RawSender: NewStreamSender(stream),
		RawReceiver: streamReceiver{
			StreamReceiver: NewStreamReceiver(io.NopCloser(stream)),
			stream:         stream,
		},
		Conn: &onceCloser{closer: connCloser{conn: conn, linger: linger}},
	}
}

// Listener accepts flows dialed with DialQUIC.
type Listener struct {
	cfg    QUICConfig
	logger *slog.Logger
	ln     *quic.Listener

	flowCh chan Raw

	closed  bool
	closeCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	lk      sync.Mutex
	wg      sync.WaitGroup
}

func ListenQUIC(addr string, cfg QUICConfig) (*Listener, error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}
	if cfg.Linger == 0 {
		cfg.Linger = 2 * time.Second
	}

	ln, err := quic.ListenAddr(addr, cfg.tls(), cfg.quic())
	if err != nil {
		return nil, fmt.Errorf("flow: failed to allocate QUIC listener: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		cfg:     cfg,
		logger:  cfg.logger(),
		ln:      ln,
		flowCh:  make(chan Raw),
		closeCh: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	l.wg.Add(1)
	go l.acceptCx()
	return l, nil
}

// Addr is the UDP address the listener is bound to.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Accept(ctx context.Context) (Raw, error) {
	select {
	case <-ctx.Done():
		return Raw{}, ctx.Err()
	case <-l.closeCh:
		return Raw{}, ErrListenerClosed
	case raw := <-l.flowCh:
		return raw, nil
	}
}

func (l *Listener) Close() error {
	l.lk.Lock()
	if l.closed {
		l.lk.Unlock()
		return nil
	}
	l.closed = true
	close(l.closeCh)
	l.lk.Unlock()

	l.cancel()
	err := l.ln.Close()
	l.wg.Wait()
	return err
}

func (l *Listener) acceptCx() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept(l.ctx)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("unexpected QUIC listener closure", telemetry.LabelError.L(err))
			}
			return
		}

		l.wg.Add(1)
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn quic.Connection) {
	defer l.wg.Done()
	logger := l.logger.With(telemetry.LabelPeerAddr.L(conn.RemoteAddr().String()))

	stream, err := conn.AcceptStream(l.ctx)
	if err != nil {
		if l.ctx.Err() != nil {
			QErrShutdown.Close(conn, "listener is shutting down")
			return
		}
		logger.Warn("no stream opened on connection", telemetry.LabelError.L(err))
		QErrInternal.Close(conn, "expected a stream")
		return
	}

	logger.Debug("accepted a flow", telemetry.LabelStreamID.L(int64(stream.StreamID())))
	raw := newStreamFlow(conn, stream, l.cfg.Linger)
	select {
	case l.flowCh <- raw:
	case <-l.closeCh:
		stream.CancelRead(QErrStreamClosed)
		stream.CancelWrite(QErrStreamClosed)
		QErrShutdown.Close(conn, "listener is shutting down")
	}
}
