package trust

import (
	"strings"
	"testing"

	"github.com/user/agentherd/internal/types"
)

const (
	digestA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	digestB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func testPolicy(digests map[types.Provider][]string) Policy {
	return Policy{
		TrustedDirs:      []string{"/usr/local/bin", "/opt/homebrew/bin"},
		DigestAllowlists: digests,
	}
}

func TestEvaluateBasenameMismatch(t *testing.T) {
	res := Evaluate(testPolicy(nil), types.ProviderCodex, "/usr/local/bin/claude", "")
	if res.Trust != types.TrustUntrusted {
		t.Fatalf("expected untrusted, got %s", res.Trust)
	}
	if !strings.Contains(res.Reason, "basename mismatch") {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
}

func TestEvaluatePathOutsideAllowlist(t *testing.T) {
	res := Evaluate(testPolicy(nil), types.ProviderCodex, "/tmp/evil/codex", "")
	if res.Trust != types.TrustUntrusted {
		t.Fatalf("expected untrusted, got %s", res.Trust)
	}
	if !strings.Contains(res.Reason, "outside allowlist") {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
}

func TestEvaluatePrefixTrickRejected(t *testing.T) {
	// /usr/local/bin-evil shares a string prefix with /usr/local/bin but is
	// not a descendant of it.
	res := Evaluate(testPolicy(nil), types.ProviderCodex, "/usr/local/bin-evil/codex", "")
	if res.Trust != types.TrustUntrusted {
		t.Fatalf("expected untrusted, got %s", res.Trust)
	}
}

func TestEvaluateDescendantAllowed(t *testing.T) {
	res := Evaluate(testPolicy(nil), types.ProviderClaude, "/usr/local/bin/node_modules/.bin/claude", "")
	if res.Trust != types.TrustTrusted {
		t.Fatalf("expected trusted, got %s (%s)", res.Trust, res.Reason)
	}
}

func TestEvaluatePathOnly(t *testing.T) {
	res := Evaluate(testPolicy(nil), types.ProviderCodex, "/usr/local/bin/codex", "")
	if res.Trust != types.TrustTrusted {
		t.Fatalf("expected trusted, got %s (%s)", res.Trust, res.Reason)
	}
	if res.Reason != "path allowlisted" {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
}

func TestEvaluateDigestUnavailable(t *testing.T) {
	policy := testPolicy(map[types.Provider][]string{types.ProviderCodex: {digestA}})
	res := Evaluate(policy, types.ProviderCodex, "/usr/local/bin/codex", "")
	if res.Trust != types.TrustUntrusted {
		t.Fatalf("expected untrusted, got %s", res.Trust)
	}
	if !strings.Contains(res.Reason, "unavailable") {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
}

func TestEvaluateDigestMismatch(t *testing.T) {
	policy := testPolicy(map[types.Provider][]string{types.ProviderCodex: {digestA}})
	res := Evaluate(policy, types.ProviderCodex, "/usr/local/bin/codex", digestB)
	if res.Trust != types.TrustUntrusted {
		t.Fatalf("expected untrusted, got %s", res.Trust)
	}
	if !strings.Contains(res.Reason, "mismatch") {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
}

func TestEvaluateDigestMatch(t *testing.T) {
	policy := testPolicy(map[types.Provider][]string{types.ProviderCodex: {digestA}})
	res := Evaluate(policy, types.ProviderCodex, "/usr/local/bin/codex", strings.ToUpper(digestA))
	if res.Trust != types.TrustTrusted {
		t.Fatalf("expected trusted, got %s (%s)", res.Trust, res.Reason)
	}
	if res.Reason != "path and digest allowlisted" {
		t.Errorf("unexpected reason: %q", res.Reason)
	}
}

func TestEvaluateExecutableSuffix(t *testing.T) {
	res := Evaluate(testPolicy(nil), types.ProviderClaude, "/usr/local/bin/Claude.EXE", "")
	if res.Trust != types.TrustTrusted {
		t.Fatalf("expected trusted, got %s (%s)", res.Trust, res.Reason)
	}
}

func TestDirAllowedCaseFold(t *testing.T) {
	trusted := []string{"/Users/Me/AppData/Local/Programs"}

	// Case-insensitive filesystems accept a differently-cased install path.
	if !dirAllowed(trusted, "/users/me/appdata/local/programs", true) {
		t.Error("folded comparison rejected an identical path")
	}
	if !dirAllowed(trusted, "/users/me/appdata/local/programs/claude-cli", true) {
		t.Error("folded comparison rejected a descendant path")
	}
	if dirAllowed(trusted, "/users/me/appdata/local/programs-evil", true) {
		t.Error("folded comparison accepted a prefix trick")
	}

	// Case-sensitive filesystems must keep the exact comparison.
	if dirAllowed(trusted, "/users/me/appdata/local/programs", false) {
		t.Error("exact comparison folded case")
	}
}

func TestParseDigestAllowlist(t *testing.T) {
	raw := digestA + ", " + strings.ToUpper(digestB) + ",not-a-digest,, deadbeef"
	got := ParseDigestAllowlist(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 digests, got %d: %v", len(got), got)
	}
	if got[0] != digestA || got[1] != digestB {
		t.Errorf("unexpected digests: %v", got)
	}
	if ParseDigestAllowlist("") != nil {
		t.Error("empty input should yield nil")
	}
}
