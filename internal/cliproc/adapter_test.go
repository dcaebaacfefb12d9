package cliproc

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/user/agentherd/internal/types"
)

// recorder is a callback set that captures everything it receives.
type recorder struct {
	mu           sync.Mutex
	progress     []string
	kinds        []types.ProgressKind
	interactions []types.PendingInteraction
	completed    []string
	failed       [][2]string
	cancelled    []string
	diagnostics  []string
}

func (r *recorder) callbacks() types.Callbacks {
	return types.Callbacks{
		OnProgress: func(kind types.ProgressKind, message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.kinds = append(r.kinds, kind)
			r.progress = append(r.progress, message)
		},
		OnWaitingInteraction: func(pi types.PendingInteraction) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.interactions = append(r.interactions, pi)
		},
		OnInteractionResolved: func(types.InteractionID) {},
		OnCompleted: func(summary string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed = append(r.completed, summary)
		},
		OnFailed: func(code, message string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failed = append(r.failed, [2]string{code, message})
		},
		OnCancelled: func(reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.cancelled = append(r.cancelled, reason)
		},
		OnDiagnosticLog: func(line string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.diagnostics = append(r.diagnostics, line)
		},
	}
}

// newTestAdapter wires a recorder in without spawning a process.
func newTestAdapter(t *testing.T, provider types.Provider) (*Adapter, *recorder) {
	t.Helper()
	rec := &recorder{}
	a := New(provider, time.Second)
	a.cb = rec.callbacks()
	return a, rec
}

func TestLaunchArgs(t *testing.T) {
	codex := launchArgs(types.ProviderCodex, types.StartInput{Prompt: "do things"})
	if codex[0] != "exec" || codex[len(codex)-1] != "do things" {
		t.Errorf("codex args = %v", codex)
	}
	for _, a := range codex {
		if strings.Contains(a, "dangerously") {
			t.Errorf("bypass flag present without bypass: %v", codex)
		}
	}

	codexBypass := launchArgs(types.ProviderCodex, types.StartInput{Prompt: "p", BypassPermission: true})
	found := false
	for _, a := range codexBypass {
		if a == "--dangerously-bypass-approvals-and-sandbox" {
			found = true
		}
	}
	if !found {
		t.Errorf("codex bypass flag missing: %v", codexBypass)
	}

	claude := launchArgs(types.ProviderClaude, types.StartInput{Prompt: "p", BypassPermission: true})
	if claude[len(claude)-1] != "p" {
		t.Errorf("prompt must be the final argument: %v", claude)
	}
	found = false
	for _, a := range claude {
		if a == "--dangerously-skip-permissions" {
			found = true
		}
	}
	if !found {
		t.Errorf("claude bypass flag missing: %v", claude)
	}
}

func TestHandleLineDispatch(t *testing.T) {
	a, rec := newTestAdapter(t, types.ProviderClaude)

	a.handleLine(`{"type":"status","message":"booting"}`)
	a.handleLine(`{"type":"assistant","text":"I will edit main.go"}`)
	a.handleLine(`{"type":"permission_request","id":"wire-7","prompt":"run tests?","options":["allow","deny"]}`)
	a.handleLine(`{"type":"result","summary":"edited 2 files"}`)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.progress) != 2 {
		t.Fatalf("progress = %v", rec.progress)
	}
	if rec.kinds[0] != types.ProgressStatus || rec.progress[0] != "booting" {
		t.Errorf("status event mishandled: %s %q", rec.kinds[0], rec.progress[0])
	}
	if rec.kinds[1] != types.ProgressAssistant {
		t.Errorf("assistant kind = %s", rec.kinds[1])
	}
	if len(rec.interactions) != 1 {
		t.Fatalf("interactions = %d", len(rec.interactions))
	}
	pi := rec.interactions[0]
	if pi.Type != types.InteractionPermission || pi.Prompt != "run tests?" || len(pi.Options) != 2 {
		t.Errorf("interaction = %+v", pi)
	}
	if string(pi.InteractionID) != "wire-7" {
		t.Errorf("wire id not carried: %q", pi.InteractionID)
	}
	if !a.resultSeen || a.resultSummary != "edited 2 files" {
		t.Errorf("result not recorded: %v %q", a.resultSeen, a.resultSummary)
	}
}

func TestHandleLineQuestion(t *testing.T) {
	a, rec := newTestAdapter(t, types.ProviderCodex)
	a.handleLine(`{"type":"question","id":"q1","prompt":"which branch?"}`)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.interactions) != 1 || rec.interactions[0].Type != types.InteractionQuestion {
		t.Fatalf("interactions = %+v", rec.interactions)
	}
}

func TestHandleLineDegradesUnknown(t *testing.T) {
	a, rec := newTestAdapter(t, types.ProviderCodex)

	a.handleLine("npm WARN deprecated something")
	a.handleLine(`{"type":"thread.started","thread_id":"abc"}`)
	a.handleLine(`{"no_type_at_all":true}`)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.progress) != 3 {
		t.Fatalf("unknown lines must degrade to progress, got %v", rec.progress)
	}
	for _, k := range rec.kinds {
		if k != types.ProgressEvent {
			t.Errorf("kind = %s, want event", k)
		}
	}
	if rec.progress[0] != "npm WARN deprecated something" {
		t.Errorf("raw line not preserved: %q", rec.progress[0])
	}
}

func TestHandleLineError(t *testing.T) {
	a, rec := newTestAdapter(t, types.ProviderClaude)
	a.handleLine(`{"type":"error","code":"RATE_LIMIT","message":"slow down"}`)

	if a.failCode != "RATE_LIMIT" || a.failMessage != "slow down" {
		t.Errorf("error not recorded: %q %q", a.failCode, a.failMessage)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.kinds) != 1 || rec.kinds[0] != types.ProgressError {
		t.Errorf("error event should surface as error progress: %v", rec.kinds)
	}
}

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

func TestRespondWritesWireResponse(t *testing.T) {
	a, _ := newTestAdapter(t, types.ProviderClaude)
	var buf bytes.Buffer
	a.stdin = nopWriteCloser{&buf}
	a.wireInteractionID = "wire-9"

	err := a.Respond(context.Background(), "manager-id", types.Response{
		Decision: types.DecisionAllowOnce,
		Text:     "go ahead",
	})
	if err != nil {
		t.Fatal(err)
	}
	line := buf.String()
	if !strings.HasSuffix(line, "\n") {
		t.Error("response must be newline-terminated")
	}
	var resp wireResponse
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Type != "response" || resp.ID != "wire-9" || resp.Decision != "allow_once" || resp.Text != "go ahead" {
		t.Errorf("wire response = %+v", resp)
	}
}

func TestRespondFallsBackToGivenID(t *testing.T) {
	a, _ := newTestAdapter(t, types.ProviderCodex)
	var buf bytes.Buffer
	a.stdin = nopWriteCloser{&buf}

	if err := a.Respond(context.Background(), "minted-3", types.Response{Decision: types.DecisionDeny}); err != nil {
		t.Fatal(err)
	}
	var resp wireResponse
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != "minted-3" {
		t.Errorf("id = %q", resp.ID)
	}
}

func TestRespondWithoutProcess(t *testing.T) {
	a, _ := newTestAdapter(t, types.ProviderClaude)
	if err := a.Respond(context.Background(), "x", types.Response{Decision: types.DecisionDeny}); err == nil {
		t.Fatal("expected error when no process is running")
	}
}

func TestCancelWithoutProcess(t *testing.T) {
	a, rec := newTestAdapter(t, types.ProviderCodex)
	if err := a.Cancel(context.Background(), "never started"); err != nil {
		t.Fatal(err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.cancelled) != 1 || rec.cancelled[0] != "never started" {
		t.Errorf("cancelled = %v", rec.cancelled)
	}
}

func TestFinishFiresOnce(t *testing.T) {
	a, rec := newTestAdapter(t, types.ProviderClaude)
	a.finish(func(cb types.Callbacks) { cb.OnCompleted("first") })
	a.finish(func(cb types.Callbacks) { cb.OnFailed("X", "second") })

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.completed) != 1 || len(rec.failed) != 0 {
		t.Errorf("terminal callback fired more than once: %v %v", rec.completed, rec.failed)
	}
	select {
	case <-a.done:
	default:
		t.Error("done channel not closed")
	}
}

func TestStderrDrainedBeforeReap(t *testing.T) {
	a, rec := newTestAdapter(t, types.ProviderCodex)

	// The process closes stdout before writing its last stderr lines, so
	// the pump sees EOF while diagnostics are still in flight. Reaping the
	// process then must not cut the stderr drain short.
	cmd := exec.Command("sh", "-c",
		`printf '{"type":"result","summary":"done"}\n'; exec 1>&-; printf 'late diagnostic 1\nlate diagnostic 2\n' >&2`)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot run sh: %v", err)
	}
	a.cmd = cmd
	a.stderrDrain.Add(1)
	go a.drainStderr(stderr)
	a.pump(stdout)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.completed) != 1 || rec.completed[0] != "done" {
		t.Fatalf("completed = %v", rec.completed)
	}
	want := []string{"late diagnostic 1", "late diagnostic 2"}
	if len(rec.diagnostics) != len(want) {
		t.Fatalf("diagnostics = %v, want %v", rec.diagnostics, want)
	}
	for i, d := range want {
		if rec.diagnostics[i] != d {
			t.Errorf("diagnostic %d = %q, want %q", i, rec.diagnostics[i], d)
		}
	}
}
