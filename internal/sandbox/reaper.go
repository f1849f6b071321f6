package sandbox

import (
	"context"
	"log/slog"
	"time"
)

// Reaper sweeps sandbox containers that outlived the policy's maximum age.
// It is the backstop for containers orphaned by a crashed executor.
type Reaper struct {
	runtime ContainerRuntime
	policy  Policy
	logger  *slog.Logger
}

// NewReaper creates a reaper over the given runtime and policy.
func NewReaper(rt ContainerRuntime, policy Policy, logger *slog.Logger) *Reaper {
	return &Reaper{runtime: rt, policy: policy, logger: logger}
}

// Run sweeps on the policy interval until ctx is cancelled. One sweep runs
// immediately on startup to clear leftovers from a previous process.
func (r *Reaper) Run(ctx context.Context) {
	r.Sweep(ctx)

	ticker := time.NewTicker(r.policy.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep force-removes every sandbox container older than the policy maximum
// age and returns how many were removed.
func (r *Reaper) Sweep(ctx context.Context) int {
	list, err := r.runtime.List(ctx, r.policy.NamePrefix)
	if err != nil {
		r.logger.Error("list sandbox containers", "error", err)
		return 0
	}
	sandboxContainers.Set(float64(len(list)))

	cutoff := time.Now().UTC().Add(-r.policy.ReaperMaxAge)
	removed := 0
	for _, c := range list {
		if !c.CreatedAt.Before(cutoff) {
			continue
		}
		if err := r.runtime.Remove(ctx, c.ID); err != nil {
			r.logger.Error("reap sandbox container", "name", c.Name, "error", err)
			continue
		}
		r.logger.Info("reaped stale sandbox container", "name", c.Name, "age", time.Since(c.CreatedAt).Round(time.Second))
		containersReaped.Inc()
		removed++
	}
	if removed > 0 {
		sandboxContainers.Sub(float64(removed))
	}
	return removed
}
