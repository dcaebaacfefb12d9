// internal/types/interfaces.go
package types

import "context"

// StartInput carries everything an adapter needs to launch its CLI process.
// BypassPermission is the effective, post-downgrade value.
type StartInput struct {
	RunID            RunID
	SessionID        SessionID
	Provider         Provider
	Prompt           string
	BinaryPath       string
	WorkingDirectory string
	BypassPermission bool
}

// Callbacks is the full set of hooks an adapter drives while a run is live.
// The first six are required; the manager consumes nothing else from the
// provider's wire format. The observability hooks are optional and may be nil.
type Callbacks struct {
	OnProgress            func(kind ProgressKind, message string)
	OnWaitingInteraction  func(interaction PendingInteraction)
	OnInteractionResolved func(id InteractionID)
	OnCompleted           func(resultSummary string)
	OnFailed              func(code, message string)
	OnCancelled           func(reason string)

	OnLaunchCommand func(binary string, args []string)
	OnDiagnosticLog func(line string)
	OnProcessExit   func(code int)
}

// Adapter is the contract every provider-specific process driver implements.
// New CLI providers are added behind this interface without touching
// orchestration logic.
type Adapter interface {
	Start(ctx context.Context, input StartInput, cb Callbacks) error
	Respond(ctx context.Context, id InteractionID, resp Response) error
	Cancel(ctx context.Context, reason string) error
	Dispose()
}

// AdapterFactory returns a fresh adapter for one run of the given provider.
type AdapterFactory func(p Provider) Adapter

// RunStore persists run history. Load returns an empty set when nothing has
// been saved yet.
type RunStore interface {
	Load() (*PersistedRuns, error)
	Save(runs *PersistedRuns) error
}
