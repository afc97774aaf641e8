package batchserver

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"geopm/pkg/apperror"
	"geopm/pkg/logger"
)

// readyLine is the one line a spawned geopm-batch-server process
// prints to stdout once its regions and wakeup FIFO exist, so Launch
// knows it is safe to hand the key back to the caller.
const readyLine = "READY"

// Handle is what start_batch_server (§4.5) hands back to PIO: the
// child's pid and the key naming its two shared-memory regions.
type Handle struct {
	PID         int
	Key         string
	sessionPath string
	cmd         *exec.Cmd
}

// Launch re-execs the current executable with a leading "batch-server"
// argument followed by -session and -shm-dir flags, for the given
// signal/control set, waits for it to announce
// readiness, and returns a Handle. validate is checked before the
// child is even spawned, so an unknown name fails fast instead of
// leaving an orphaned process to clean up.
func Launch(ctx context.Context, shmDir string, signals, controls []PushSpec, validate Validator) (*Handle, error) {
	if validate != nil {
		spec := SessionSpec{Signals: signals, Controls: controls}
		if err := spec.Validate(validate); err != nil {
			return nil, err
		}
	}

	key := "geopm-batch-" + uuid.NewString()
	spec := SessionSpec{Key: key, Signals: signals, Controls: controls}
	sessionPath := filepath.Join(shmDir, key+".session.json")
	if err := spec.WriteFile(sessionPath); err != nil {
		return nil, err
	}

	exe, err := os.Executable()
	if err != nil {
		os.Remove(sessionPath)
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to resolve executable path for batch server re-exec")
	}

	cmd := exec.Command(exe, "batch-server", "-session", sessionPath, "-shm-dir", shmDir)
	cmd.Stderr = os.Stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(sessionPath)
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to attach batch server stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		os.Remove(sessionPath)
		return nil, apperror.Wrap(err, apperror.Runtime, "failed to start batch server process").WithDetail("key", key)
	}

	if err := waitForReady(ctx, stdout); err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		os.Remove(sessionPath)
		return nil, err
	}

	logger.Info("batch server started", "key", key, "pid", cmd.Process.Pid)
	return &Handle{PID: cmd.Process.Pid, Key: key, sessionPath: sessionPath, cmd: cmd}, nil
}

func waitForReady(ctx context.Context, stdout interface{ Read([]byte) (int, error) }) error {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			if scanner.Text() == readyLine {
				done <- result{true, nil}
				return
			}
		}
		done <- result{false, apperror.New(apperror.Runtime, "batch server exited before announcing ready")}
	}()

	timeout := 10 * time.Second
	select {
	case <-ctx.Done():
		return apperror.Wrap(ctx.Err(), apperror.Runtime, "batch server launch cancelled")
	case <-time.After(timeout):
		return apperror.New(apperror.Runtime, "timed out waiting for batch server readiness")
	case r := <-done:
		if !r.ok {
			return r.err
		}
		return nil
	}
}

// Stop sends an interrupt (SIGINT) and waits for the process to exit, then removes
// the session file Launch wrote (the server itself unlinks its own
// shared-memory regions and wakeup FIFO on a clean ControlStop).
func (h *Handle) Stop() error {
	defer os.Remove(h.sessionPath)
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(os.Interrupt); err != nil {
		return apperror.Wrap(err, apperror.Runtime, "failed to signal batch server").WithDetail("pid", h.PID)
	}
	if err := h.cmd.Wait(); err != nil {
		return apperror.Wrap(err, apperror.Runtime, "batch server exited with error").WithDetail("pid", h.PID)
	}
	return nil
}
