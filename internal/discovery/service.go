// Package discovery locates the provider binaries on the host, establishes
// their identity (path, content digest, version, auth status), applies the
// trust policy, and caches the result as a snapshot with a TTL.
package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/user/agentherd/internal/trust"
	"github.com/user/agentherd/internal/types"
)

const digestCacheSize = 8

// Service probes provider availability. Reads of the cached snapshot are
// lock-free; refreshes are serialized and swap a fully assembled snapshot in
// one step, so no caller ever observes a partially built one.
type Service struct {
	policy       trust.Policy
	ttl          time.Duration
	probeTimeout time.Duration
	probes       Probes
	retry        *RetryPolicy

	// digests caches content hashes keyed by path+size+mtime so an unchanged
	// binary is not re-hashed on every refresh.
	digests *expirable.LRU[string, string]

	refreshMu sync.Mutex
	mu        sync.RWMutex
	snap      *types.AvailabilitySnapshot
}

// New creates a discovery service with the given trust policy, snapshot TTL
// and per-probe wall-clock budget.
func New(policy trust.Policy, ttl, probeTimeout time.Duration) *Service {
	return &Service{
		policy:       policy,
		ttl:          ttl,
		probeTimeout: probeTimeout,
		probes:       defaultProbes(),
		retry:        defaultProbeRetry(),
		digests:      expirable.NewLRU[string, string](digestCacheSize, nil, time.Hour),
	}
}

// Cached returns the last snapshot without triggering a probe, or nil if
// none has been taken yet.
func (s *Service) Cached() *types.AvailabilitySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Invalidate clears the cached snapshot unconditionally.
func (s *Service) Invalidate() {
	s.mu.Lock()
	s.snap = nil
	s.mu.Unlock()
}

// Availability returns the current snapshot, probing only when the cache is
// missing, expired, or force is set. Probing never fails the snapshot as a
// whole: individual probe failures degrade the corresponding fields.
func (s *Service) Availability(ctx context.Context, force bool) (*types.AvailabilitySnapshot, error) {
	if !force {
		if snap := s.Cached(); snap != nil && time.Since(snap.CheckedAt) < s.ttl {
			return snap, nil
		}
	}

	// One refresh at a time; late arrivals reuse the snapshot the winner took.
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if !force {
		if snap := s.Cached(); snap != nil && time.Since(snap.CheckedAt) < s.ttl {
			return snap, nil
		}
	}

	snap := &types.AvailabilitySnapshot{
		Entries:   make(map[types.Provider]types.AvailabilityEntry, 2),
		CheckedAt: time.Now(),
		TTL:       s.ttl,
	}

	var entryMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range types.Providers() {
		p := p
		g.Go(func() error {
			entry := s.probeProvider(gctx, p)
			entryMu.Lock()
			snap.Entries[p] = entry
			entryMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
	return snap, nil
}

// probeProvider assembles one provider's entry. Every step is best-effort:
// a missing binary yields a zero entry, a failed hash leaves the digest
// empty, failed version/auth probes degrade to unknown.
func (s *Service) probeProvider(ctx context.Context, p types.Provider) types.AvailabilityEntry {
	entry := types.AvailabilityEntry{
		Provider:    p,
		BinaryTrust: types.TrustUnknown,
		AuthStatus:  types.AuthUnknown,
		CheckedAt:   time.Now(),
	}

	path, err := s.probes.Locate(string(p))
	if err != nil {
		return entry
	}
	entry.Installed = true
	entry.BinaryPath = path

	digest, err := s.digestFor(path)
	if err != nil {
		slog.Debug("binary digest unavailable", "provider", string(p), "path", path, "error", err)
	}
	entry.BinarySHA256 = digest

	verdict := trust.Evaluate(s.policy, p, path, digest)
	entry.BinaryTrust = verdict.Trust
	entry.TrustReason = verdict.Reason

	if version, code, err := s.runProbe(ctx, path, versionArgs(p)...); err == nil && code == 0 {
		entry.Version = firstLine(version)
	}

	entry.AuthStatus, entry.AuthMessage = s.probeAuth(ctx, p, path)
	return entry
}

// digestFor hashes the binary, consulting the LRU keyed by identity
// (path, size, mtime) first.
func (s *Service) digestFor(path string) (string, error) {
	key, err := s.probes.Identity(path)
	if err != nil {
		return "", err
	}
	if digest, ok := s.digests.Get(key); ok {
		return digest, nil
	}
	digest, err := s.probes.Digest(path)
	if err != nil {
		return "", err
	}
	s.digests.Add(key, digest)
	return digest, nil
}

// probeAuth runs the provider's own auth-status command. Exit 0 means
// authenticated, a clean non-zero exit means unauthenticated, anything else
// (timeout, spawn failure) stays unknown.
func (s *Service) probeAuth(ctx context.Context, p types.Provider, path string) (types.AuthStatus, string) {
	out, code, err := s.runProbe(ctx, path, authArgs(p)...)
	switch {
	case err != nil:
		return types.AuthUnknown, err.Error()
	case code == 0:
		return types.AuthAuthenticated, firstLine(out)
	default:
		return types.AuthUnauthenticated, firstLine(out)
	}
}

// runProbe invokes the binary with a per-attempt wall-clock budget,
// retrying transient spawn failures.
func (s *Service) runProbe(ctx context.Context, binary string, args ...string) (string, int, error) {
	return s.retry.run(ctx, func() (string, int, error) {
		pctx, cancel := context.WithTimeout(ctx, s.probeTimeout)
		defer cancel()
		return s.probes.Run(pctx, binary, args...)
	})
}
