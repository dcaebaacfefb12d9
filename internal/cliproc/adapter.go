// Package cliproc is the process-backed provider adapter. It spawns the
// resolved CLI binary, pumps its line-delimited JSON stdout into adapter
// callbacks, writes interaction decisions back on stdin, and terminates the
// child with SIGTERM then SIGKILL. Callers above it never see a provider's
// wire format.
package cliproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/user/agentherd/internal/types"
)

const (
	defaultGrace  = 5 * time.Second
	scannerBuffer = 1024 * 1024
)

// Factory returns an AdapterFactory that produces one fresh Adapter per run.
func Factory(grace time.Duration) types.AdapterFactory {
	return func(p types.Provider) types.Adapter {
		return New(p, grace)
	}
}

// Adapter drives a single provider process for a single run.
type Adapter struct {
	provider types.Provider
	grace    time.Duration

	mu                sync.Mutex
	cmd               *exec.Cmd
	stdin             io.WriteCloser
	cb                types.Callbacks
	wireInteractionID string
	resultSeen        bool
	resultSummary     string
	failCode          string
	failMessage       string
	cancelReason      string

	stopping    atomic.Bool
	finishOnce  sync.Once
	stderrDrain sync.WaitGroup
	done        chan struct{}
}

var _ types.Adapter = (*Adapter)(nil)

// New creates an adapter for one run of the given provider.
func New(provider types.Provider, grace time.Duration) *Adapter {
	if grace <= 0 {
		grace = defaultGrace
	}
	return &Adapter{
		provider: provider,
		grace:    grace,
		done:     make(chan struct{}),
	}
}

// Start spawns the provider binary and begins pumping its output. It returns
// once the process is running; all further reporting goes through cb.
func (a *Adapter) Start(_ context.Context, input types.StartInput, cb types.Callbacks) error {
	args := launchArgs(a.provider, input)
	cmd := exec.Command(input.BinaryPath, args...)
	cmd.Dir = input.WorkingDirectory

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open %s stdin: %w", a.provider, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("open %s stdout: %w", a.provider, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("open %s stderr: %w", a.provider, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn %s: %w", a.provider, err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.stdin = stdin
	a.cb = cb
	a.mu.Unlock()

	slog.Debug("provider process started",
		"provider", string(a.provider),
		"pid", cmd.Process.Pid,
		"dir", input.WorkingDirectory,
	)
	if cb.OnLaunchCommand != nil {
		cb.OnLaunchCommand(input.BinaryPath, args)
	}

	a.stderrDrain.Add(1)
	go a.drainStderr(stderr)
	go a.pump(stdout)
	return nil
}

// Respond writes the decision to the provider's stdin, correlated to the
// interaction the provider raised.
func (a *Adapter) Respond(_ context.Context, id types.InteractionID, resp types.Response) error {
	a.mu.Lock()
	stdin := a.stdin
	wireID := a.wireInteractionID
	a.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("respond: %s process is not running", a.provider)
	}
	if wireID == "" {
		wireID = string(id)
	}
	payload, err := json.Marshal(wireResponse{
		Type:     "response",
		ID:       wireID,
		Decision: string(resp.Decision),
		Text:     resp.Text,
	})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write %s stdin: %w", a.provider, err)
	}
	return nil
}

// Cancel asks the process to terminate with SIGTERM. If it has not exited
// when the grace period ends it is killed. The terminal callback fires from
// the pump once the process is gone.
func (a *Adapter) Cancel(_ context.Context, reason string) error {
	a.mu.Lock()
	a.cancelReason = reason
	cmd := a.cmd
	a.mu.Unlock()
	a.stopping.Store(true)

	if cmd == nil || cmd.Process == nil {
		// Never spawned; nothing to wait for.
		a.finish(func(cb types.Callbacks) { cb.OnCancelled(reason) })
		return nil
	}
	if err := signalProcess(cmd.Process, syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal %s: %w", a.provider, err)
	}
	go func() {
		select {
		case <-a.done:
		case <-time.After(a.grace):
			slog.Warn("provider ignored SIGTERM, killing",
				"provider", string(a.provider), "pid", cmd.Process.Pid)
			_ = signalProcess(cmd.Process, os.Kill)
		}
	}()
	return nil
}

// Dispose kills the process outright. Safe to call at any point, including
// after the process has exited.
func (a *Adapter) Dispose() {
	a.stopping.Store(true)
	a.mu.Lock()
	cmd := a.cmd
	stdin := a.stdin
	a.stdin = nil
	a.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		_ = signalProcess(cmd.Process, os.Kill)
	}
}

// pump reads stdout lines for the life of the process, then reaps it and
// fires exactly one terminal callback.
func (a *Adapter) pump(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		a.handleLine(line)
	}
	scanErr := scanner.Err()

	a.mu.Lock()
	cmd := a.cmd
	a.mu.Unlock()
	// Wait closes the stderr pipe; let the drain read it dry first so
	// trailing diagnostics are not lost.
	a.stderrDrain.Wait()
	code := 0
	if err := cmd.Wait(); err != nil {
		code = -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
	}

	cb := a.callbacks()
	if cb.OnProcessExit != nil {
		cb.OnProcessExit(code)
	}

	a.mu.Lock()
	resultSeen := a.resultSeen
	summary := a.resultSummary
	failCode, failMessage := a.failCode, a.failMessage
	reason := a.cancelReason
	a.mu.Unlock()

	switch {
	case a.stopping.Load():
		a.finish(func(cb types.Callbacks) { cb.OnCancelled(reason) })
	case failCode != "":
		a.finish(func(cb types.Callbacks) { cb.OnFailed(failCode, failMessage) })
	case scanErr != nil:
		a.finish(func(cb types.Callbacks) {
			cb.OnFailed(types.CodeProtocolError, fmt.Sprintf("read %s output: %v", a.provider, scanErr))
		})
	case resultSeen && code == 0:
		a.finish(func(cb types.Callbacks) { cb.OnCompleted(summary) })
	case code == 0:
		a.finish(func(cb types.Callbacks) {
			cb.OnFailed(types.CodeProtocolError, fmt.Sprintf("%s exited without reporting a result", a.provider))
		})
	default:
		a.finish(func(cb types.Callbacks) {
			cb.OnFailed(types.CodeProtocolError, fmt.Sprintf("%s exited with code %d", a.provider, code))
		})
	}
}

// handleLine translates one stdout line into callbacks. Lines that are not
// recognizable events are degraded to plain progress, never dropped and
// never fatal.
func (a *Adapter) handleLine(line string) {
	cb := a.callbacks()
	ev, ok := parseEvent(line)
	if !ok {
		cb.OnProgress(types.ProgressEvent, line)
		return
	}
	switch ev.Type {
	case "status":
		cb.OnProgress(types.ProgressStatus, ev.Message)
	case "assistant":
		text := ev.Text
		if text == "" {
			text = ev.Message
		}
		cb.OnProgress(types.ProgressAssistant, text)
	case "permission_request":
		a.raiseInteraction(cb, types.InteractionPermission, ev)
	case "question":
		a.raiseInteraction(cb, types.InteractionQuestion, ev)
	case "result":
		a.mu.Lock()
		a.resultSeen = true
		a.resultSummary = ev.Summary
		a.mu.Unlock()
	case "error":
		code := ev.Code
		if code == "" {
			code = types.CodeProtocolError
		}
		a.mu.Lock()
		a.failCode = code
		a.failMessage = ev.Message
		a.mu.Unlock()
		cb.OnProgress(types.ProgressError, ev.Message)
	default:
		cb.OnProgress(types.ProgressEvent, line)
	}
}

// raiseInteraction records the provider's correlation id and surfaces the
// interaction. The run manager owns exclusivity and id minting.
func (a *Adapter) raiseInteraction(cb types.Callbacks, kind types.InteractionType, ev wireEvent) {
	a.mu.Lock()
	a.wireInteractionID = ev.ID
	a.mu.Unlock()
	cb.OnWaitingInteraction(types.PendingInteraction{
		InteractionID: types.InteractionID(ev.ID),
		Type:          kind,
		Prompt:        ev.Prompt,
		Options:       ev.Options,
	})
}

// finish fires the terminal callback exactly once and unblocks Cancel's
// grace watcher.
func (a *Adapter) finish(report func(types.Callbacks)) {
	a.finishOnce.Do(func() {
		report(a.callbacks())
		close(a.done)
	})
}

func (a *Adapter) callbacks() types.Callbacks {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cb
}

// drainStderr forwards provider stderr lines to the diagnostic hook. The
// pump waits for it before reaping the process.
func (a *Adapter) drainStderr(stderr io.Reader) {
	defer a.stderrDrain.Done()
	cb := a.callbacks()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), scannerBuffer)
	for scanner.Scan() {
		if cb.OnDiagnosticLog != nil {
			cb.OnDiagnosticLog(scanner.Text())
		}
	}
}

// signalProcess sends sig to a process, treating an already-exited process
// as success.
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
