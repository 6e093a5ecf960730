package server

import (
	"context"
	"time"

	"github.com/freitascorp/agentrelay/pkg/relay"
)

const watchdogInterval = 30 * time.Second

// startupWatchdog sweeps the registry and fails sessions whose container
// never finished initializing, then reaps stopped relays that have sat idle
// past the TTL. The relay itself never runs timers; stuck startups are an
// operational concern handled here.
func (s *Server) startupWatchdog(ctx context.Context) {
	deadline := s.cfg.Relay.StartupDeadline.Std()
	idleTTL := s.cfg.Relay.IdleTTL.Std()
	if deadline <= 0 && idleTTL <= 0 {
		return
	}

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if deadline > 0 {
				s.sweepStartups(deadline)
			}
			if idleTTL > 0 {
				s.sweepIdle(idleTTL)
			}
		}
	}
}

func (s *Server) sweepStartups(deadline time.Duration) {
	for _, id := range s.registry.Sessions() {
		r := s.registry.Get(id)
		if r == nil || !r.StartupDeadlineExceeded(deadline) {
			continue
		}
		s.logger.Warn("session startup timed out",
			"session_id", id, "deadline", deadline)
		s.rec.RecordStatus(id, relay.StatusErrored, map[string]any{
			"error": "Container startup timed out",
		})
		s.registry.Remove(id)
	}
}

// sweepIdle removes stopped relays nobody has touched within the TTL. The
// persisted session row survives; only the in-memory relay goes away.
func (s *Server) sweepIdle(ttl time.Duration) {
	for _, id := range s.registry.Sessions() {
		r := s.registry.Get(id)
		if r == nil || r.Status() != relay.StatusStopped {
			continue
		}
		if time.Since(r.LastActivityAt()) < ttl {
			continue
		}
		s.logger.Info("reaping idle relay", "session_id", id)
		s.registry.Remove(id)
	}
}
