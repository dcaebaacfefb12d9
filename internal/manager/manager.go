// Package manager orchestrates runs of the external CLI agents: it owns the
// run registry, enforces trust and bypass policy before launch, resolves
// working directories, drives each run's adapter, and exposes the lifecycle
// API consumed by the tool layer and the chat UI.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/agentherd/internal/config"
	"github.com/user/agentherd/internal/types"
)

// Availability is the slice of the discovery service the manager consumes.
// Defined here, at the consumer side.
type Availability interface {
	Availability(ctx context.Context, force bool) (*types.AvailabilitySnapshot, error)
}

// StartRunInput are the launch parameters for one run.
type StartRunInput struct {
	SessionID types.SessionID
	Provider  types.Provider
	Prompt    string
	// WorkingDirectory may be relative; it is resolved against Root.
	WorkingDirectory string
	// Root is the caller-supplied base for relative working directories.
	// Empty means the manager's default root.
	Root                      string
	CreateIfMissing           bool
	RequestedBypassPermission bool
	BypassPermission          bool
	Origin                    string
}

// run pairs a record with its adapter and a per-run lock. Mutation of one
// run never blocks unrelated runs.
type run struct {
	mu       sync.Mutex
	rec      *types.RunRecord
	adapter  types.Adapter
	released bool
}

// Manager supervises all runs. Safe for concurrent use.
type Manager struct {
	cfg     *config.Config
	disc    Availability
	factory types.AdapterFactory
	store   types.RunStore
	root    string
	grace   time.Duration
	sem     *semaphore.Weighted

	mu   sync.RWMutex
	runs map[types.RunID]*run

	initOnce sync.Once
	initErr  error
}

// New creates a Manager. The factory produces one fresh adapter per run.
func New(cfg *config.Config, disc Availability, factory types.AdapterFactory, store types.RunStore) *Manager {
	root, err := os.Getwd()
	if err != nil {
		root = string(filepath.Separator)
	}
	return &Manager{
		cfg:     cfg,
		disc:    disc,
		factory: factory,
		store:   store,
		root:    root,
		grace:   cfg.CancelGrace(),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentRuns)),
		runs:    make(map[types.RunID]*run),
	}
}

// Initialize loads persisted run history. Idempotent; StartRun and the read
// methods call it implicitly. Runs that were live at last shutdown come back
// as interrupted: their processes are gone.
func (m *Manager) Initialize() error {
	m.initOnce.Do(func() {
		persisted, err := m.store.Load()
		if err != nil {
			m.initErr = fmt.Errorf("load run history: %w", err)
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, rec := range persisted.Runs {
			rec := rec.Clone()
			if !rec.Status.Terminal() {
				now := time.Now()
				rec.Status = types.RunInterrupted
				rec.PendingInteraction = nil
				rec.UpdatedAt = now
				if rec.FinishedAt == nil {
					rec.FinishedAt = &now
				}
			}
			m.runs[rec.RunID] = &run{rec: rec, released: true}
		}
		slog.Info("run history loaded", "runs", len(persisted.Runs))
	})
	return m.initErr
}

// StartRun validates policy, resolves the working directory, and launches
// the provider adapter. It returns as soon as the adapter has been started;
// the agent's actual work is reported through the run record.
func (m *Manager) StartRun(ctx context.Context, input StartRunInput) (types.RunSummary, error) {
	var zero types.RunSummary
	if err := m.Initialize(); err != nil {
		return zero, err
	}

	if !input.Provider.Valid() {
		return zero, types.ProtocolError("unknown provider %q", input.Provider)
	}
	if input.SessionID == "" {
		return zero, types.ProtocolError("session id is required")
	}
	if input.Prompt == "" {
		return zero, types.ProtocolError("prompt is required")
	}

	pc := m.cfg.Provider(input.Provider)
	if !pc.Enabled {
		return zero, types.BlockedError("provider %s is disabled in configuration", input.Provider)
	}

	snap, err := m.disc.Availability(ctx, false)
	if err != nil {
		return zero, fmt.Errorf("availability check: %w", err)
	}
	entry := snap.Entry(input.Provider)
	if !entry.Installed {
		return zero, types.BlockedError("provider %s is not installed", input.Provider)
	}
	if entry.BinaryTrust != types.TrustTrusted {
		return zero, types.BlockedError("provider %s binary is not trusted: %s", input.Provider, entry.TrustReason)
	}
	if entry.AuthStatus == types.AuthUnauthenticated {
		return zero, types.BlockedError("provider %s is not authenticated: %s", input.Provider, entry.AuthMessage)
	}

	resolved, err := m.resolveWorkingDir(input.WorkingDirectory, input.Root, input.CreateIfMissing)
	if err != nil {
		return zero, err
	}

	requested := input.RequestedBypassPermission || input.BypassPermission
	effective := requested && pc.AllowBypassPermissions

	if !m.sem.TryAcquire(1) {
		return zero, types.ProtocolError("maximum of %d concurrent runs reached", m.cfg.MaxConcurrentRuns)
	}

	now := time.Now()
	rec := &types.RunRecord{
		RunID:                     types.NewRunID(),
		SessionID:                 input.SessionID,
		Provider:                  input.Provider,
		Prompt:                    input.Prompt,
		WorkingDirectory:          input.WorkingDirectory,
		ResolvedWorkingDir:        resolved,
		CreateIfMissing:           input.CreateIfMissing,
		Origin:                    input.Origin,
		RequestedBypassPermission: requested,
		EffectiveBypassPermission: effective,
		BypassPermission:          effective,
		Status:                    types.RunQueued,
		StartedAt:                 now,
		UpdatedAt:                 now,
	}
	if requested && !effective {
		// The downgrade must be visible to the user, not just logged.
		rec.Progress = append(rec.Progress, types.ProgressEntry{
			At:   now,
			Kind: types.ProgressStatus,
			Message: fmt.Sprintf(
				"bypass permissions were requested but are disallowed for provider %s by operator configuration; the run will prompt for approvals",
				input.Provider),
		})
	}

	r := &run{rec: rec, adapter: m.factory(input.Provider)}
	m.mu.Lock()
	m.runs[rec.RunID] = r
	m.mu.Unlock()

	// The record is visible to readers and, once Start returns, to adapter
	// callbacks; from here on every access goes through r.mu.
	r.mu.Lock()
	rec.Status = types.RunRunning
	r.mu.Unlock()

	if err := r.adapter.Start(ctx, types.StartInput{
		RunID:            rec.RunID,
		SessionID:        rec.SessionID,
		Provider:         rec.Provider,
		Prompt:           rec.Prompt,
		BinaryPath:       entry.BinaryPath,
		WorkingDirectory: resolved,
		BypassPermission: effective,
	}, m.callbacks(rec.RunID)); err != nil {
		r.mu.Lock()
		m.finishLocked(r, types.RunFailed)
		rec.ErrorCode = types.CodeProtocolError
		rec.ErrorMessage = err.Error()
		r.mu.Unlock()
		m.persist()
		return zero, fmt.Errorf("start %s adapter: %w", input.Provider, err)
	}

	r.mu.Lock()
	summary := rec.Summary()
	r.mu.Unlock()

	slog.Info("run started",
		"run_id", string(summary.RunID),
		"session_id", string(summary.SessionID),
		"provider", string(summary.Provider),
		"working_dir", resolved,
		"bypass", effective,
	)
	m.persist()
	return summary, nil
}

// resolveWorkingDir resolves dir against root, creating it only when asked.
// Resolution is idempotent: an already-absolute path resolves to itself.
func (m *Manager) resolveWorkingDir(dir, root string, createIfMissing bool) (string, error) {
	if root == "" {
		root = m.root
	}
	resolved := dir
	switch {
	case resolved == "":
		resolved = root
	case !filepath.IsAbs(resolved):
		resolved = filepath.Join(root, resolved)
	}
	resolved = filepath.Clean(resolved)

	info, err := os.Stat(resolved)
	switch {
	case err == nil:
		if !info.IsDir() {
			return "", types.ProtocolError("working directory %s is not a directory", resolved)
		}
	case os.IsNotExist(err):
		if !createIfMissing {
			return "", types.ProtocolError("working directory %s does not exist", resolved)
		}
		if err := os.MkdirAll(resolved, 0o755); err != nil {
			return "", types.ProtocolError("create working directory %s: %v", resolved, err)
		}
	default:
		return "", fmt.Errorf("stat working directory %s: %w", resolved, err)
	}
	return resolved, nil
}

// GetRun returns a copy of the run record, or nil if unknown.
func (m *Manager) GetRun(id types.RunID) *types.RunRecord {
	if err := m.Initialize(); err != nil {
		return nil
	}
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Clone()
}

// GetLatestRun returns the most recently updated run for a session,
// regardless of status, or nil.
func (m *Manager) GetLatestRun(sessionID types.SessionID) *types.RunRecord {
	if err := m.Initialize(); err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *run
	var latestAt time.Time
	for _, r := range m.runs {
		r.mu.Lock()
		if r.rec.SessionID == sessionID && (latest == nil || r.rec.UpdatedAt.After(latestAt)) {
			latest = r
			latestAt = r.rec.UpdatedAt
		}
		r.mu.Unlock()
	}
	if latest == nil {
		return nil
	}
	latest.mu.Lock()
	defer latest.mu.Unlock()
	return latest.rec.Clone()
}

// Filter narrows ListRuns output. Zero values match everything.
type Filter struct {
	SessionID  types.SessionID
	Provider   types.Provider
	Status     types.RunStatus
	ActiveOnly bool
	Limit      int
}

// ListRuns returns summaries of matching runs, most recently started first.
func (m *Manager) ListRuns(f Filter) []types.RunSummary {
	if err := m.Initialize(); err != nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.RunSummary
	for _, r := range m.runs {
		r.mu.Lock()
		rec := r.rec
		match := (f.SessionID == "" || rec.SessionID == f.SessionID) &&
			(f.Provider == "" || rec.Provider == f.Provider) &&
			(f.Status == "" || rec.Status == f.Status) &&
			(!f.ActiveOnly || !rec.Status.Terminal())
		if match {
			out = append(out, rec.Summary())
		}
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Respond forwards a structured decision to the run owning the interaction,
// clears the pending interaction, and moves the run back to running.
// Responding to an unknown or already-resolved interaction is an error, not
// a crash.
func (m *Manager) Respond(ctx context.Context, id types.InteractionID, resp types.Response) (types.RunSummary, error) {
	var zero types.RunSummary
	if err := m.Initialize(); err != nil {
		return zero, err
	}

	r := m.findByInteraction(id)
	if r == nil {
		return zero, fmt.Errorf("respond to %s: %w", id, types.ErrInteractionNotFound)
	}

	r.mu.Lock()
	adapter := r.adapter
	r.mu.Unlock()
	if adapter == nil {
		return zero, fmt.Errorf("respond to %s: %w", id, types.ErrRunTerminal)
	}

	if err := adapter.Respond(ctx, id, resp); err != nil {
		return zero, fmt.Errorf("forward response: %w", err)
	}

	r.mu.Lock()
	// The adapter may already have reported resolution through its callback.
	if r.rec.PendingInteraction != nil && r.rec.PendingInteraction.InteractionID == id {
		r.rec.PendingInteraction = nil
		if r.rec.Status == types.RunWaitingUser {
			r.rec.Status = types.RunRunning
		}
	}
	r.appendProgress(types.ProgressEvent, fmt.Sprintf("user decision: %s", resp.Decision))
	summary := r.rec.Summary()
	r.mu.Unlock()

	m.persist()
	return summary, nil
}

// Cancel requests graceful termination from the adapter. If the adapter has
// not acknowledged within the grace period the run is forced to cancelled
// locally and the adapter disposed; the leaked process is not tracked
// further.
func (m *Manager) Cancel(ctx context.Context, id types.RunID, reason string) (types.RunSummary, error) {
	var zero types.RunSummary
	if err := m.Initialize(); err != nil {
		return zero, err
	}
	m.mu.RLock()
	r, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return zero, fmt.Errorf("cancel %s: %w", id, types.ErrRunNotFound)
	}

	r.mu.Lock()
	if r.rec.Status.Terminal() {
		summary := r.rec.Summary()
		r.mu.Unlock()
		return summary, nil
	}
	adapter := r.adapter
	summary := r.rec.Summary()
	r.mu.Unlock()

	if adapter != nil {
		if err := adapter.Cancel(ctx, reason); err != nil {
			slog.Warn("adapter cancel failed", "run_id", string(id), "error", err)
		}
	}

	go m.forceCancelAfterGrace(r, reason)
	return summary, nil
}

// forceCancelAfterGrace forces the run to cancelled if the adapter has not
// acknowledged within the grace period.
func (m *Manager) forceCancelAfterGrace(r *run, reason string) {
	time.Sleep(m.grace)
	r.mu.Lock()
	if !r.rec.Status.Terminal() {
		r.appendProgress(types.ProgressEvent, "cancellation grace period expired; run forced to cancelled")
		m.finishLocked(r, types.RunCancelled)
		r.rec.ErrorMessage = reason
		slog.Warn("run force-cancelled", "run_id", string(r.rec.RunID))
	}
	adapter := r.adapter
	r.adapter = nil
	r.mu.Unlock()
	if adapter != nil {
		adapter.Dispose()
	}
	m.persist()
}

// Shutdown disposes all adapters and persists history. Live runs are marked
// interrupted. Safe to call with zero or many active runs, and more than
// once.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	runs := make([]*run, 0, len(m.runs))
	for _, r := range m.runs {
		runs = append(runs, r)
	}
	m.mu.RUnlock()

	for _, r := range runs {
		r.mu.Lock()
		if !r.rec.Status.Terminal() {
			m.finishLocked(r, types.RunInterrupted)
		}
		adapter := r.adapter
		r.adapter = nil
		r.mu.Unlock()
		if adapter != nil {
			adapter.Dispose()
		}
	}
	m.persist()
	slog.Info("run manager shut down", "runs", len(runs))
}

// findByInteraction locates the run holding a pending interaction.
func (m *Manager) findByInteraction(id types.InteractionID) *run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runs {
		r.mu.Lock()
		match := r.rec.PendingInteraction != nil && r.rec.PendingInteraction.InteractionID == id
		r.mu.Unlock()
		if match {
			return r
		}
	}
	return nil
}

// appendProgress appends to the audit trail. Caller holds r.mu. Entries on a
// terminal run are dropped.
func (r *run) appendProgress(kind types.ProgressKind, message string) {
	if r.rec.Status.Terminal() {
		return
	}
	now := time.Now()
	r.rec.Progress = append(r.rec.Progress, types.ProgressEntry{At: now, Kind: kind, Message: message})
	r.rec.UpdatedAt = now
}

// finishLocked moves the run to a terminal status exactly once, clearing the
// pending interaction and releasing the concurrency slot. Caller holds r.mu.
func (m *Manager) finishLocked(r *run, status types.RunStatus) {
	if r.rec.Status.Terminal() {
		return
	}
	now := time.Now()
	r.rec.Status = status
	r.rec.PendingInteraction = nil
	r.rec.UpdatedAt = now
	if r.rec.FinishedAt == nil {
		r.rec.FinishedAt = &now
	}
	if !r.released {
		r.released = true
		m.sem.Release(1)
	}
}

// persist saves a snapshot of all runs. Best-effort: persistence failures
// are logged, never surfaced to lifecycle callers.
func (m *Manager) persist() {
	m.mu.RLock()
	out := &types.PersistedRuns{Runs: make([]*types.RunRecord, 0, len(m.runs))}
	for _, r := range m.runs {
		r.mu.Lock()
		out.Runs = append(out.Runs, r.rec.Clone())
		r.mu.Unlock()
	}
	m.mu.RUnlock()

	if err := m.store.Save(out); err != nil {
		slog.Error("persist run history", "error", err)
	}
}

// setDiagnostic records an observability datum on the run. Caller holds r.mu.
func (r *run) setDiagnostic(key, value string) {
	if r.rec.Diagnostics == nil {
		r.rec.Diagnostics = make(map[string]string)
	}
	r.rec.Diagnostics[key] = value
}

// callbacks builds the adapter callback set for one run. Every hook locks
// only that run's state, so concurrent runs never contend.
func (m *Manager) callbacks(id types.RunID) types.Callbacks {
	withRun := func(fn func(r *run)) {
		m.mu.RLock()
		r, ok := m.runs[id]
		m.mu.RUnlock()
		if !ok {
			return
		}
		r.mu.Lock()
		fn(r)
		r.mu.Unlock()
	}

	return types.Callbacks{
		OnProgress: func(kind types.ProgressKind, message string) {
			withRun(func(r *run) {
				r.appendProgress(kind, message)
			})
		},
		OnWaitingInteraction: func(interaction types.PendingInteraction) {
			withRun(func(r *run) {
				if r.rec.Status != types.RunRunning {
					return
				}
				if r.rec.PendingInteraction != nil {
					// At most one pending interaction per run; a second one
					// must never overwrite the first silently.
					slog.Warn("interaction rejected: one already pending",
						"run_id", string(id),
						"pending", string(r.rec.PendingInteraction.InteractionID))
					return
				}
				if interaction.InteractionID == "" {
					interaction.InteractionID = types.NewInteractionID()
				}
				interaction.RunID = r.rec.RunID
				interaction.SessionID = r.rec.SessionID
				interaction.Provider = r.rec.Provider
				if interaction.RequestedAt.IsZero() {
					interaction.RequestedAt = time.Now()
				}
				r.appendProgress(types.ProgressEvent, fmt.Sprintf("waiting for user (%s)", interaction.Type))
				r.rec.PendingInteraction = &interaction
				r.rec.Status = types.RunWaitingUser
				r.rec.UpdatedAt = time.Now()
			})
			m.persist()
		},
		OnInteractionResolved: func(iid types.InteractionID) {
			withRun(func(r *run) {
				if r.rec.PendingInteraction == nil || r.rec.PendingInteraction.InteractionID != iid {
					return
				}
				r.rec.PendingInteraction = nil
				if r.rec.Status == types.RunWaitingUser {
					r.rec.Status = types.RunRunning
				}
				r.rec.UpdatedAt = time.Now()
			})
		},
		OnCompleted: func(resultSummary string) {
			var adapter types.Adapter
			withRun(func(r *run) {
				if r.rec.Status.Terminal() {
					return
				}
				m.finishLocked(r, types.RunCompleted)
				r.rec.ResultSummary = resultSummary
				adapter = r.adapter
				r.adapter = nil
			})
			if adapter != nil {
				adapter.Dispose()
			}
			m.persist()
		},
		OnFailed: func(code, message string) {
			var adapter types.Adapter
			withRun(func(r *run) {
				if r.rec.Status.Terminal() {
					return
				}
				r.appendProgress(types.ProgressError, message)
				m.finishLocked(r, types.RunFailed)
				r.rec.ErrorCode = code
				r.rec.ErrorMessage = message
				adapter = r.adapter
				r.adapter = nil
			})
			if adapter != nil {
				adapter.Dispose()
			}
			m.persist()
		},
		OnCancelled: func(reason string) {
			var adapter types.Adapter
			withRun(func(r *run) {
				if r.rec.Status.Terminal() {
					return
				}
				r.appendProgress(types.ProgressEvent, fmt.Sprintf("cancelled: %s", reason))
				m.finishLocked(r, types.RunCancelled)
				adapter = r.adapter
				r.adapter = nil
			})
			if adapter != nil {
				adapter.Dispose()
			}
			m.persist()
		},
		OnLaunchCommand: func(binary string, args []string) {
			withRun(func(r *run) {
				r.setDiagnostic("launch_command", binary+" "+fmt.Sprint(args))
			})
		},
		OnDiagnosticLog: func(line string) {
			slog.Debug("adapter diagnostic", "run_id", string(id), "line", line)
		},
		OnProcessExit: func(code int) {
			withRun(func(r *run) {
				r.setDiagnostic("process_exit_code", strconv.Itoa(code))
			})
		},
	}
}
