// internal/registry/registry.go
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/finsight/internal/session"
	"github.com/user/finsight/internal/types"
)

// Registry hands every UI surface its own isolated session, keyed by
// purpose ("summary", "chat:inline", "chat:floating", "savings", ...).
// Sessions under different keys never share mutable state; within one key,
// Start supersedes any prior activation so at most one connection is live
// per key. A weighted semaphore additionally caps in-flight activations
// across all keys.
type Registry struct {
	cfg    session.Config
	tokens types.TokenSource
	sem    *semaphore.Weighted

	mu       sync.Mutex
	sessions map[types.SessionKey]*session.Session
}

// New creates a Registry whose sessions share the given configuration.
// maxConcurrent caps simultaneously in-flight activations; values <= 0
// mean 4.
func New(cfg session.Config, tokens types.TokenSource, maxConcurrent int64) *Registry {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Registry{
		cfg:      cfg,
		tokens:   tokens,
		sem:      semaphore.NewWeighted(maxConcurrent),
		sessions: make(map[types.SessionKey]*session.Session),
	}
}

// Get returns the session for the key, creating it on first access.
func (r *Registry) Get(key types.SessionKey) *session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[key]
	if !ok {
		sess = session.New(key, r.cfg)
		r.sessions[key] = sess
	}
	return sess
}

// Start stamps the request with the current auth token, tears down any
// prior activation under the key, and begins a new one. It blocks while
// the registry is at its concurrency cap. The returned channel closes when
// the activation ends.
func (r *Registry) Start(ctx context.Context, key types.SessionKey, req types.InsightRequest) (<-chan struct{}, error) {
	if req.Token == "" && r.tokens != nil {
		tok, err := r.tokens.Token()
		if err != nil {
			return nil, fmt.Errorf("resolve auth token: %w", err)
		}
		req.Token = tok
	}

	sess := r.Get(key)

	// Free the key's previous slot before acquiring a new one, so a
	// same-key restart never deadlocks against the concurrency cap.
	sess.Reset()

	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire session slot: %w", err)
	}
	done := sess.Start(ctx, req)
	go func() {
		<-done
		r.sem.Release(1)
	}()
	return done, nil
}

// Reset returns the keyed session to Idle, tearing down any live
// transport, timer, or in-flight fallback effect. No-op for unknown keys.
func (r *Registry) Reset(key types.SessionKey) {
	r.mu.Lock()
	sess, ok := r.sessions[key]
	r.mu.Unlock()
	if ok {
		sess.Reset()
	}
}

// Keys returns all known session keys in sorted order.
func (r *Registry) Keys() []types.SessionKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]types.SessionKey, 0, len(r.sessions))
	for k := range r.sessions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Shutdown resets every session, closing all live connections.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.Reset()
	}
}
