// Package agentproc spawns one external agent process per call and exposes
// its combined output as an ordered line stream.
package agentproc

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/agentd-io/agentd/pkg/logging"
	"github.com/agentd-io/agentd/pkg/models"
)

const maxLineBytes = 1024 * 1024

// Stream is the live output of one subprocess run. Lines carries stdout and
// stderr merged into one channel; ordering is stable within each of the two
// source streams but not across them. The final line always encodes the
// terminal exit code ("completed, exit code: 0" / "failed, exit code: N").
// Consumers must drain Lines until it closes; Err blocks until then.
type Stream struct {
	Lines <-chan string

	done chan struct{}
	err  error
}

// Err reports the terminal error of the run: nil on a clean exit (including a
// non-zero exit code, which is reported through the trailer line),
// models.ErrTimeout when the wall-clock bound was hit. Blocks until the
// stream has ended.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

// Adapter runs agent subprocesses. Safe for concurrent use: every Run spawns
// an isolated OS process with its own pipes and working directory.
type Adapter struct {
	shell  string
	logger logging.Logger
}

func NewAdapter(logger logging.Logger) *Adapter {
	return &Adapter{shell: "sh", logger: logging.OrNop(logger)}
}

// Run spawns commandline under dir and streams its merged output. A timeout
// of zero means no bound. The spawned process is terminated on every exit
// path: timeout, cancellation, or a mid-stream failure.
func (a *Adapter) Run(ctx context.Context, commandline, dir string, timeout time.Duration) (*Stream, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: working directory %q: %v", models.ErrInvalidArgument, dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: working directory %q is not a directory", models.ErrInvalidArgument, dir)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	cmd := exec.CommandContext(runCtx, a.shell, "-c", commandline)
	cmd.Dir = dir
	cmd.Stdin = nil
	// Run the shell in its own process group and kill the group on
	// cancellation, so grandchildren cannot outlive the run or hold the
	// output pipes open. WaitDelay bounds the pipe drain after a kill.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start process: %w", err)
	}

	lines := make(chan string, 256)
	stream := &Stream{Lines: lines, done: make(chan struct{})}

	var wg sync.WaitGroup
	wg.Add(2)
	go a.scanPipe(runCtx, &wg, stdout, lines)
	go a.scanPipe(runCtx, &wg, stderr, lines)

	go func() {
		defer cancel()
		defer close(stream.done)
		defer close(lines)

		wg.Wait()
		waitErr := cmd.Wait()

		// cmd.Wait has reaped the process by now; the context-driven kill
		// covers timeout and cancellation, so no live child survives any
		// return path below.
		exitCode := 0
		if waitErr != nil {
			var exitErr *exec.ExitError
			if errors.As(waitErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		trailer := fmt.Sprintf("completed, exit code: %d", exitCode)
		if exitCode != 0 {
			trailer = fmt.Sprintf("failed, exit code: %d", exitCode)
		}
		select {
		case lines <- trailer:
		case <-ctx.Done():
		}

		if runCtx.Err() == context.DeadlineExceeded {
			stream.err = fmt.Errorf("%w: process exceeded %s", models.ErrTimeout, timeout)
			a.logger.Warn("agentproc: killed process after timeout %s", timeout)
		} else if ctx.Err() != nil {
			stream.err = ctx.Err()
		}
	}()

	return stream, nil
}

func (a *Adapter) scanPipe(ctx context.Context, wg *sync.WaitGroup, r io.Reader, out chan<- string) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
}
