// internal/types/models.go
package types

import "time"

// Provider identifies one of the supported external CLI agent binaries.
type Provider string

const (
	ProviderCodex  Provider = "codex"
	ProviderClaude Provider = "claude"
)

// Providers lists every supported provider in a stable order.
func Providers() []Provider {
	return []Provider{ProviderCodex, ProviderClaude}
}

// Valid reports whether p names a supported provider.
func (p Provider) Valid() bool {
	return p == ProviderCodex || p == ProviderClaude
}

// TrustLevel is the outcome of evaluating a resolved binary against the
// trust policy.
type TrustLevel string

const (
	TrustTrusted   TrustLevel = "trusted"
	TrustUntrusted TrustLevel = "untrusted"
	TrustUnknown   TrustLevel = "unknown"
)

// AuthStatus is the best-effort result of the provider's own auth probe.
type AuthStatus string

const (
	AuthAuthenticated   AuthStatus = "authenticated"
	AuthUnauthenticated AuthStatus = "unauthenticated"
	AuthUnknown         AuthStatus = "unknown"
)

// AvailabilityEntry is an immutable per-provider discovery snapshot. It is
// superseded wholesale by the next discovery cycle, never patched in place.
type AvailabilityEntry struct {
	Provider     Provider   `json:"provider"`
	Installed    bool       `json:"installed"`
	BinaryPath   string     `json:"binary_path,omitempty"`
	BinarySHA256 string     `json:"binary_sha256,omitempty"`
	BinaryTrust  TrustLevel `json:"binary_trust"`
	TrustReason  string     `json:"trust_reason,omitempty"`
	Version      string     `json:"version,omitempty"`
	AuthStatus   AuthStatus `json:"auth_status"`
	AuthMessage  string     `json:"auth_message,omitempty"`
	CheckedAt    time.Time  `json:"checked_at"`
}

// AvailabilitySnapshot bundles both providers' entries. It is the unit the
// discovery service caches and invalidates.
type AvailabilitySnapshot struct {
	Entries   map[Provider]AvailabilityEntry `json:"entries"`
	CheckedAt time.Time                      `json:"checked_at"`
	TTL       time.Duration                  `json:"ttl_ms"`
}

// Entry returns the entry for p, or a zero not-installed entry if absent.
func (s *AvailabilitySnapshot) Entry(p Provider) AvailabilityEntry {
	if s == nil {
		return AvailabilityEntry{Provider: p, BinaryTrust: TrustUnknown, AuthStatus: AuthUnknown}
	}
	if e, ok := s.Entries[p]; ok {
		return e
	}
	return AvailabilityEntry{Provider: p, BinaryTrust: TrustUnknown, AuthStatus: AuthUnknown}
}

// All returns the entries in stable provider order, filling in zero entries
// for providers the snapshot never saw.
func (s *AvailabilitySnapshot) All() []AvailabilityEntry {
	out := make([]AvailabilityEntry, 0, len(Providers()))
	for _, p := range Providers() {
		out = append(out, s.Entry(p))
	}
	return out
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunQueued      RunStatus = "queued"
	RunRunning     RunStatus = "running"
	RunWaitingUser RunStatus = "waiting_user"
	RunCompleted   RunStatus = "completed"
	RunFailed      RunStatus = "failed"
	RunCancelled   RunStatus = "cancelled"
	RunInterrupted RunStatus = "interrupted"
)

// Terminal reports whether the status is absorbing: once reached, progress,
// pending interaction and status may no longer change.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled, RunInterrupted:
		return true
	}
	return false
}

// ProgressKind classifies a progress entry.
type ProgressKind string

const (
	ProgressStatus    ProgressKind = "status"
	ProgressAssistant ProgressKind = "assistant"
	ProgressEvent     ProgressKind = "event"
	ProgressError     ProgressKind = "error"
)

// ProgressEntry is one append-only audit-trail item. Entries are kept in
// arrival order, never reordered or deduplicated.
type ProgressEntry struct {
	At      time.Time    `json:"at"`
	Kind    ProgressKind `json:"kind"`
	Message string       `json:"message"`
}

// InteractionType distinguishes a permission prompt from an open question.
type InteractionType string

const (
	InteractionPermission InteractionType = "permission"
	InteractionQuestion   InteractionType = "question"
)

// PendingInteraction is a blocking request from the running CLI process
// awaiting a structured human decision. A run carries at most one at a time.
type PendingInteraction struct {
	InteractionID InteractionID     `json:"interaction_id"`
	RunID         RunID             `json:"run_id"`
	SessionID     SessionID         `json:"session_id"`
	Provider      Provider          `json:"provider"`
	Type          InteractionType   `json:"type"`
	Prompt        string            `json:"prompt"`
	Options       []string          `json:"options,omitempty"`
	RequestedAt   time.Time         `json:"requested_at"`
	Origin        string            `json:"origin,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RunRecord is the full state of one run. It is owned exclusively by the
// run manager for its entire lifetime and mutated only through adapter
// callbacks and manager methods.
type RunRecord struct {
	RunID     RunID     `json:"run_id"`
	SessionID SessionID `json:"session_id"`
	Provider  Provider  `json:"provider"`

	Prompt               string `json:"prompt"`
	WorkingDirectory     string `json:"working_directory,omitempty"`
	ResolvedWorkingDir   string `json:"resolved_working_directory"`
	CreateIfMissing      bool   `json:"create_if_missing,omitempty"`
	Origin               string `json:"origin,omitempty"`

	RequestedBypassPermission bool `json:"requested_bypass_permission"`
	EffectiveBypassPermission bool `json:"effective_bypass_permission"`
	// BypassPermission is the value actually passed to the adapter.
	BypassPermission bool `json:"bypass_permission"`

	Status     RunStatus  `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	Progress           []ProgressEntry     `json:"progress"`
	PendingInteraction *PendingInteraction `json:"pending_interaction,omitempty"`

	ErrorCode     string            `json:"error_code,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ResultSummary string            `json:"result_summary,omitempty"`
	Diagnostics   map[string]string `json:"diagnostics,omitempty"`
}

// Clone returns a deep copy safe to hand to callers while the manager keeps
// mutating the original.
func (r *RunRecord) Clone() *RunRecord {
	if r == nil {
		return nil
	}
	out := *r
	out.Progress = make([]ProgressEntry, len(r.Progress))
	copy(out.Progress, r.Progress)
	if r.FinishedAt != nil {
		t := *r.FinishedAt
		out.FinishedAt = &t
	}
	if r.PendingInteraction != nil {
		pi := *r.PendingInteraction
		pi.Options = append([]string(nil), r.PendingInteraction.Options...)
		if r.PendingInteraction.Metadata != nil {
			pi.Metadata = make(map[string]string, len(r.PendingInteraction.Metadata))
			for k, v := range r.PendingInteraction.Metadata {
				pi.Metadata[k] = v
			}
		}
		out.PendingInteraction = &pi
	}
	if r.Diagnostics != nil {
		out.Diagnostics = make(map[string]string, len(r.Diagnostics))
		for k, v := range r.Diagnostics {
			out.Diagnostics[k] = v
		}
	}
	return &out
}

// Summary projects the record into the shape returned by lifecycle calls.
func (r *RunRecord) Summary() RunSummary {
	s := RunSummary{
		RunID:            r.RunID,
		SessionID:        r.SessionID,
		Provider:         r.Provider,
		Status:           r.Status,
		WorkingDirectory: r.ResolvedWorkingDir,
		StartedAt:        r.StartedAt,
		UpdatedAt:        r.UpdatedAt,
		ErrorCode:        r.ErrorCode,
		ResultSummary:    r.ResultSummary,
	}
	if r.PendingInteraction != nil {
		s.PendingInteractionID = r.PendingInteraction.InteractionID
	}
	return s
}

// RunSummary is the immediate, non-blocking projection returned by startRun
// and the other lifecycle calls.
type RunSummary struct {
	RunID                RunID         `json:"run_id"`
	SessionID            SessionID     `json:"session_id"`
	Provider             Provider      `json:"provider"`
	Status               RunStatus     `json:"status"`
	WorkingDirectory     string        `json:"working_directory,omitempty"`
	StartedAt            time.Time     `json:"started_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
	PendingInteractionID InteractionID `json:"pending_interaction_id,omitempty"`
	ErrorCode            string        `json:"error_code,omitempty"`
	ResultSummary        string        `json:"result_summary,omitempty"`
}

// Decision is the structured outcome of classifying a free-text user reply.
type Decision string

const (
	DecisionAllowOnce    Decision = "allow_once"
	DecisionAllowSession Decision = "allow_session"
	DecisionDeny         Decision = "deny"
	DecisionCancel       Decision = "cancel"
	DecisionAnswer       Decision = "answer"
)

// Response is the structured decision forwarded to an adapter.
type Response struct {
	Decision Decision `json:"decision"`
	Text     string   `json:"text,omitempty"`
}

// PersistedRuns is the shape the manager exchanges with the history store.
type PersistedRuns struct {
	Runs      []*RunRecord `json:"runs"`
	UpdatedAt time.Time    `json:"updated_at"`
}
