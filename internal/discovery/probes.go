package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/user/agentherd/internal/types"
)

// Probes are the host-facing operations discovery depends on. They are a
// struct of functions so tests can substitute synthetic hosts.
type Probes struct {
	// Locate resolves a binary name on the search path.
	Locate func(name string) (string, error)
	// Identity returns a cache key covering the file's identity and mtime.
	Identity func(path string) (string, error)
	// Digest computes the file's SHA-256 content hash.
	Digest func(path string) (string, error)
	// Run executes the binary with args and returns its combined output and
	// exit code. err is set only when the process could not run to completion
	// (spawn failure, timeout); a non-zero exit is not an error.
	Run func(ctx context.Context, binary string, args ...string) (string, int, error)
}

func defaultProbes() Probes {
	return Probes{
		Locate:   exec.LookPath,
		Identity: fileIdentity,
		Digest:   fileSHA256,
		Run:      runCommand,
	}
}

func fileIdentity(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano()), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func runCommand(ctx context.Context, binary string, args ...string) (string, int, error) {
	out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			return string(out), ee.ExitCode(), nil
		}
		return string(out), -1, err
	}
	return string(out), 0, nil
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func versionArgs(types.Provider) []string {
	return []string{"--version"}
}

// authArgs returns each provider's own auth-status subcommand.
func authArgs(p types.Provider) []string {
	if p == types.ProviderCodex {
		return []string{"login", "status"}
	}
	return []string{"auth", "status"}
}
