package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/raskyld/minimux/pkg/flow"
	"github.com/raskyld/minimux/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockHandler struct {
	m mock.Mock
}

func (h *MockHandler) ConfigHash() string {
	return h.m.Called().String(0)
}

func (h *MockHandler) Minify(ctx context.Context, req wire.Request) (Output, error) {
	args := h.m.Called(req)
	return args.Get(0).(Output), args.Error(1)
}

func TestServeCallsHandler(t *testing.T) {
	h := &MockHandler{}
	h.m.On("ConfigHash").Return("cfg-mock")

	req := wire.Request{
		Hash:       "a",
		Code:       "let a = 1",
		NameForMap: "a.js",
		Externals:  []string{"react"},
	}
	h.m.On("Minify", req).Return(Output{Code: "a=1"}, nil).Once()

	plain := wire.Request{Hash: "b", Code: "oops"}
	h.m.On("Minify", plain).Return(Output{}, errors.New("syntax error")).Once()

	client, server := flow.Pipe(16)
	p := newPeer(t, client)
	served := make(chan error, 1)
	go func() {
		served <- Serve(context.Background(), server, h, WithLog(testLog()), WithHeartbeat(-1))
	}()

	p.send(wire.Initialize{})
	require.Equal(t, wire.ConfigIdentity{Hash: "cfg-mock"}, p.recv(false))

	p.send(req)
	require.Equal(t, wire.Result{Hash: "a", Code: "a=1"}, p.recv(false))

	p.send(plain)
	res := p.recv(false).(wire.Result)
	require.Equal(t, "b", res.Hash)
	require.Equal(t, &wire.WorkerError{Message: "syntax error"}, res.Err)

	p.close()
	require.NoError(t, <-served)
	h.m.AssertExpectations(t)
}
