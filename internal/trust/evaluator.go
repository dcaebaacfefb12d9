// Package trust decides whether a resolved provider binary is safe to
// launch. Evaluation is a pure function over its inputs so it can be tested
// against synthetic paths and digests without touching the filesystem.
package trust

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/user/agentherd/internal/types"
)

// Windows paths compare case-insensitively, matching the .exe handling in
// Evaluate.
var foldPathCase = runtime.GOOS == "windows"

// Policy is the operator-controlled input to evaluation.
type Policy struct {
	// TrustedDirs are installation directories considered safe. A binary is
	// accepted when its directory equals, or is a strict descendant of, one
	// of these.
	TrustedDirs []string
	// DigestAllowlists optionally pins accepted SHA-256 digests per provider.
	// An empty or missing list disables the digest check for that provider.
	DigestAllowlists map[types.Provider][]string
}

// Result is the trust verdict plus a human-readable reason.
type Result struct {
	Trust  types.TrustLevel
	Reason string
}

// canonicalName returns the exact executable file name expected for a
// provider, without platform suffix.
func canonicalName(p types.Provider) string {
	return string(p)
}

// Evaluate applies the trust policy in order; the first failing check wins.
//
//  1. The basename must match the provider's canonical name (case-insensitive,
//     platform executable suffix aware).
//  2. The path must live under one of the trusted directories.
//  3. When a digest allowlist is configured for the provider, the binary's
//     digest must be present and match one entry.
func Evaluate(policy Policy, p types.Provider, binaryPath, digest string) Result {
	base := filepath.Base(binaryPath)
	if ext := strings.ToLower(filepath.Ext(base)); ext == ".exe" {
		base = base[:len(base)-len(ext)]
	}
	if !strings.EqualFold(base, canonicalName(p)) {
		return Result{
			Trust:  types.TrustUntrusted,
			Reason: fmt.Sprintf("basename mismatch: %q is not %q", filepath.Base(binaryPath), canonicalName(p)),
		}
	}

	dir := filepath.Dir(filepath.Clean(binaryPath))
	if !dirAllowed(policy.TrustedDirs, dir, foldPathCase) {
		return Result{
			Trust:  types.TrustUntrusted,
			Reason: fmt.Sprintf("path outside allowlist: %s", dir),
		}
	}

	allowed := policy.DigestAllowlists[p]
	if len(allowed) == 0 {
		return Result{Trust: types.TrustTrusted, Reason: "path allowlisted"}
	}
	if digest == "" {
		return Result{Trust: types.TrustUntrusted, Reason: "digest allowlist configured but binary digest unavailable"}
	}
	for _, d := range allowed {
		if strings.EqualFold(d, digest) {
			return Result{Trust: types.TrustTrusted, Reason: "path and digest allowlisted"}
		}
	}
	return Result{
		Trust:  types.TrustUntrusted,
		Reason: fmt.Sprintf("digest mismatch: %s not in allowlist", digest),
	}
}

// dirAllowed reports whether dir equals or descends from any trusted dir,
// folding case on case-insensitive filesystems.
func dirAllowed(trusted []string, dir string, foldCase bool) bool {
	if foldCase {
		dir = strings.ToLower(dir)
	}
	for _, t := range trusted {
		t = filepath.Clean(t)
		if foldCase {
			t = strings.ToLower(t)
		}
		if dir == t {
			return true
		}
		if strings.HasPrefix(dir, t+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
