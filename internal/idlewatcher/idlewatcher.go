// Package idlewatcher implements the Idle/Activity Watcher component
// (§4.10): a coarse ticker that transitions active sessions with no
// attached connections and an expired idle timer to idle, pausing the
// sandbox when the provider supports it.
package idlewatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/pi-relay/relay/internal/domain"
	"github.com/pi-relay/relay/internal/store"
)

// EngineReconciler is the subset of the SessionEngine the watcher drives.
type EngineReconciler interface {
	ReconcileIdle(ctx context.Context, sessionID string) error
}

// Watcher periodically scans active sessions and idles out the ones past
// their environment's idle timeout with no attached connection.
type Watcher struct {
	store        store.SessionStore
	engine       EngineReconciler
	tickInterval time.Duration
	defaultIdle  time.Duration
}

func New(st store.SessionStore, eng EngineReconciler, tickInterval, defaultIdleTimeout time.Duration) *Watcher {
	if tickInterval <= 0 {
		tickInterval = 30 * time.Second
	}
	if defaultIdleTimeout <= 0 {
		defaultIdleTimeout = 30 * time.Minute
	}
	return &Watcher{store: st, engine: eng, tickInterval: tickInterval, defaultIdle: defaultIdleTimeout}
}

// Run blocks, ticking until ctx is canceled. Callers should launch it in
// its own goroutine from main.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	sessions, err := w.store.ListSessions(ctx)
	if err != nil {
		slog.Warn("idle watcher: failed to list sessions", "error", err)
		return
	}

	envCache := make(map[string]*domain.Environment)
	now := time.Now()
	for _, s := range sessions {
		if s.Status != domain.StatusActive {
			continue
		}
		timeout := w.idleTimeoutFor(ctx, s.EnvironmentID, envCache)
		if now.Sub(s.LastActivityAt) < timeout {
			continue
		}
		if err := w.engine.ReconcileIdle(ctx, s.ID); err != nil {
			slog.Warn("idle watcher: reconcile failed", "session_id", s.ID, "error", err)
			continue
		}
		slog.Info("idle watcher: session idled", "session_id", s.ID)
	}
}

func (w *Watcher) idleTimeoutFor(ctx context.Context, environmentID string, cache map[string]*domain.Environment) time.Duration {
	env, ok := cache[environmentID]
	if !ok {
		env, _ = w.store.GetEnvironment(ctx, environmentID)
		cache[environmentID] = env
	}
	if env == nil || env.IdleTimeoutSecs <= 0 {
		return w.defaultIdle
	}
	return time.Duration(env.IdleTimeoutSecs) * time.Second
}
