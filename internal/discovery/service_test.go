package discovery

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/agentherd/internal/trust"
	"github.com/user/agentherd/internal/types"
)

type fakeHost struct {
	locateCalls atomic.Int64
	binaries    map[string]string // name -> path
	digest      string
	digestErr   error
	runOut      string
	runCode     int
	runErr      error
}

func (h *fakeHost) probes() Probes {
	return Probes{
		Locate: func(name string) (string, error) {
			h.locateCalls.Add(1)
			if path, ok := h.binaries[name]; ok {
				return path, nil
			}
			return "", errors.New("executable file not found in $PATH")
		},
		Identity: func(path string) (string, error) { return path, nil },
		Digest: func(string) (string, error) {
			if h.digestErr != nil {
				return "", h.digestErr
			}
			return h.digest, nil
		},
		Run: func(_ context.Context, _ string, _ ...string) (string, int, error) {
			return h.runOut, h.runCode, h.runErr
		},
	}
}

func testService(h *fakeHost, ttl time.Duration) *Service {
	policy := trust.Policy{TrustedDirs: []string{"/usr/local/bin"}}
	svc := New(policy, ttl, time.Second)
	svc.probes = h.probes()
	return svc
}

func TestAvailabilityNotInstalled(t *testing.T) {
	h := &fakeHost{binaries: map[string]string{}}
	svc := testService(h, time.Minute)

	snap, err := svc.Availability(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	entry := snap.Entry(types.ProviderCodex)
	if entry.Installed {
		t.Error("codex should not be installed")
	}
	if entry.BinaryTrust != types.TrustUnknown || entry.AuthStatus != types.AuthUnknown {
		t.Errorf("zero entry expected, got %+v", entry)
	}
}

func TestAvailabilityHappyPath(t *testing.T) {
	h := &fakeHost{
		binaries: map[string]string{
			"codex":  "/usr/local/bin/codex",
			"claude": "/usr/local/bin/claude",
		},
		digest: "abc123",
		runOut: "1.2.3\n",
	}
	svc := testService(h, time.Minute)

	snap, err := svc.Availability(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range types.Providers() {
		entry := snap.Entry(p)
		if !entry.Installed {
			t.Fatalf("%s should be installed", p)
		}
		if entry.BinaryTrust != types.TrustTrusted {
			t.Errorf("%s trust = %s (%s)", p, entry.BinaryTrust, entry.TrustReason)
		}
		if entry.Version != "1.2.3" {
			t.Errorf("%s version = %q", p, entry.Version)
		}
		if entry.AuthStatus != types.AuthAuthenticated {
			t.Errorf("%s auth = %s", p, entry.AuthStatus)
		}
		if entry.BinarySHA256 != "abc123" {
			t.Errorf("%s digest = %q", p, entry.BinarySHA256)
		}
	}
}

func TestAvailabilityCachesWithinTTL(t *testing.T) {
	h := &fakeHost{binaries: map[string]string{"codex": "/usr/local/bin/codex"}}
	svc := testService(h, time.Minute)

	first, err := svc.Availability(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	calls := h.locateCalls.Load()

	second, err := svc.Availability(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if second != first {
		t.Error("expected the cached snapshot to be returned unchanged")
	}
	if h.locateCalls.Load() != calls {
		t.Error("cached call should not re-probe")
	}
}

func TestAvailabilityForceRefresh(t *testing.T) {
	h := &fakeHost{binaries: map[string]string{"codex": "/usr/local/bin/codex"}}
	svc := testService(h, time.Minute)

	if _, err := svc.Availability(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	calls := h.locateCalls.Load()
	if _, err := svc.Availability(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if h.locateCalls.Load() == calls {
		t.Error("force refresh should re-probe")
	}
}

func TestInvalidateClearsCache(t *testing.T) {
	h := &fakeHost{binaries: map[string]string{"codex": "/usr/local/bin/codex"}}
	svc := testService(h, time.Minute)

	if _, err := svc.Availability(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	if svc.Cached() == nil {
		t.Fatal("expected cached snapshot")
	}
	svc.Invalidate()
	if svc.Cached() != nil {
		t.Error("cache should be empty after Invalidate")
	}
}

func TestProbeDegradation(t *testing.T) {
	h := &fakeHost{
		binaries:  map[string]string{"codex": "/usr/local/bin/codex"},
		digestErr: errors.New("permission denied"),
		runErr:    errors.New("probe timed out"),
	}
	svc := testService(h, time.Minute)

	snap, err := svc.Availability(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	entry := snap.Entry(types.ProviderCodex)
	if !entry.Installed {
		t.Fatal("binary is present; hashing failure must not hide it")
	}
	if entry.BinarySHA256 != "" {
		t.Errorf("digest should be empty, got %q", entry.BinarySHA256)
	}
	if entry.Version != "" {
		t.Errorf("version should be empty, got %q", entry.Version)
	}
	if entry.AuthStatus != types.AuthUnknown {
		t.Errorf("auth should degrade to unknown, got %s", entry.AuthStatus)
	}
}

func TestUnauthenticatedExit(t *testing.T) {
	h := &fakeHost{
		binaries: map[string]string{"claude": "/usr/local/bin/claude"},
		runCode:  1,
		runOut:   "not logged in\n",
	}
	svc := testService(h, time.Minute)

	snap, err := svc.Availability(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	entry := snap.Entry(types.ProviderClaude)
	if entry.AuthStatus != types.AuthUnauthenticated {
		t.Errorf("auth = %s, want unauthenticated", entry.AuthStatus)
	}
	if entry.AuthMessage != "not logged in" {
		t.Errorf("auth message = %q", entry.AuthMessage)
	}
}

func TestDigestCacheReuse(t *testing.T) {
	digests := 0
	h := &fakeHost{binaries: map[string]string{"codex": "/usr/local/bin/codex"}}
	svc := testService(h, time.Minute)
	svc.probes.Digest = func(string) (string, error) {
		digests++
		return "abc", nil
	}

	if _, err := svc.Availability(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Availability(context.Background(), true); err != nil {
		t.Fatal(err)
	}
	if digests != 1 {
		t.Errorf("digest computed %d times, want 1 (identity unchanged)", digests)
	}
}
