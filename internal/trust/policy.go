package trust

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/user/agentherd/internal/types"
)

// Environment variables holding operator digest allowlists, one per provider.
const (
	EnvCodexDigests  = "AGENTHERD_CODEX_SHA256"
	EnvClaudeDigests = "AGENTHERD_CLAUDE_SHA256"
)

// DefaultPolicy builds the platform trust policy: package-manager and
// user-local bin directories, plus digest allowlists read from the
// environment.
func DefaultPolicy() Policy {
	return Policy{
		TrustedDirs: platformTrustedDirs(runtime.GOOS, os.Getenv("HOME"), os.Getenv("LOCALAPPDATA")),
		DigestAllowlists: map[types.Provider][]string{
			types.ProviderCodex:  ParseDigestAllowlist(os.Getenv(EnvCodexDigests)),
			types.ProviderClaude: ParseDigestAllowlist(os.Getenv(EnvClaudeDigests)),
		},
	}
}

// platformTrustedDirs returns the safe installation directories for an OS.
// Split out from DefaultPolicy so tests can cover each platform set.
func platformTrustedDirs(goos, home, localAppData string) []string {
	var dirs []string
	switch goos {
	case "windows":
		if localAppData != "" {
			dirs = append(dirs,
				filepath.Join(localAppData, "Programs"),
				filepath.Join(localAppData, "npm"),
			)
		}
		if home != "" {
			dirs = append(dirs, filepath.Join(home, "AppData", "Roaming", "npm"))
		}
	case "darwin":
		dirs = append(dirs,
			"/opt/homebrew/bin",
			"/usr/local/bin",
			"/usr/local/opt",
		)
	default:
		dirs = append(dirs,
			"/usr/local/bin",
			"/usr/bin",
			"/snap/bin",
			"/home/linuxbrew/.linuxbrew/bin",
		)
	}
	if goos != "windows" && home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".local", "share"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".volta", "bin"),
			filepath.Join(home, "bin"),
		)
	}
	return dirs
}

// ParseDigestAllowlist parses a comma-separated list of SHA-256 hex digests.
// Invalid entries are dropped, not fatal: the value is operator-controlled
// and a typo in one entry should not disable the rest.
func ParseDigestAllowlist(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		d := strings.ToLower(strings.TrimSpace(part))
		if isSHA256Hex(d) {
			out = append(out, d)
		}
	}
	return out
}

func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}
