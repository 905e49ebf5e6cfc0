package flow

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/raskyld/minimux/internal/telemetry"
)

var (
	ErrProcessStart = errors.New("flow: could not start worker process")
)

// ProcessConfig tunes how a worker process is started and stopped.
type ProcessConfig struct {
	// Dir is the working directory of the process, default to ours.
	Dir string

	// Env of the process, default to ours.
	Env []string

	// GracePeriod is how long Close waits for the process to exit once
	// its stdin is closed, before killing it. Default to 5s.
	GracePeriod time.Duration

	// LogHandler receives the lines the process writes on its stderr.
	LogHandler slog.Handler
}

// StartProcess runs a worker process and returns a flow sending on its
// stdin and receiving from its stdout. The process is interrupted when ctx
// is cancelled.
//
// Closing the flow closes the stdin of the process, which is expected to
// exit on EOF, then waits for it up to the grace period.
func StartProcess(ctx context.Context, name string, args []string, cfg ProcessConfig) (raw Raw, err error) {
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 5 * time.Second
	}
	logger := slog.Default()
	if cfg.LogHandler != nil {
		logger = slog.New(cfg.LogHandler)
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = cfg.GracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return raw, fmt.Errorf("%w: %w", ErrProcessStart, err)
	}

	// stdout is not an exec pipe: Wait would close it before we read what
	// the process wrote last.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return raw, fmt.Errorf("%w: %w", ErrProcessStart, err)
	}
	cmd.Stdout = stdoutW

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return raw, fmt.Errorf("%w: %w", ErrProcessStart, err)
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return raw, fmt.Errorf("%w: %w", ErrProcessStart, err)
	}
	stdoutW.Close()

	proc := &process{
		cmd:    cmd,
		grace:  cfg.GracePeriod,
		logger: logger.With(telemetry.LabelPID.L(cmd.Process.Pid), telemetry.LabelCommand.L(name)),
		exited: make(chan struct{}),
	}
	proc.logger.Debug("worker process started")

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			proc.logger.Info(scanner.Text(), telemetry.LabelStream.L("stderr"))
		}
		proc.err = cmd.Wait()
		close(proc.exited)
		if proc.err != nil {
			proc.logger.Warn("worker process exited", telemetry.LabelError.L(proc.err))
		} else {
			proc.logger.Debug("worker process exited")
		}
	}()

	return Raw{
		RawSender:   NewStreamSender(stdin),
		RawReceiver: NewStreamReceiver(stdoutR),
		Conn:        proc,
	}, nil
}

type process struct {
	cmd    *exec.Cmd
	grace  time.Duration
	logger *slog.Logger

	exited chan struct{}
	err    error

	closeOnce sync.Once
}

// Close waits for the process to exit and kills it after the grace period.
func (p *process) Close() error {
	p.closeOnce.Do(func() {
		timer := time.NewTimer(p.grace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.logger.Warn("worker process did not exit in time, killing it")
			if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				p.logger.Error("could not kill worker process", telemetry.LabelError.L(err))
			}
			<-p.exited
		}
	})

	// a process we had to interrupt or kill is not an error of the flow.
	var exitErr *exec.ExitError
	if errors.As(p.err, &exitErr) {
		return nil
	}
	return p.err
}
