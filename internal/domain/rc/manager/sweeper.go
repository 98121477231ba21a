// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package manager

import (
	"context"
	"time"

	"github.com/ManuGH/rcd/internal/domain/rc/model"
	"github.com/ManuGH/rcd/internal/domain/rc/store"
	"github.com/ManuGH/rcd/internal/log"
)

// SweeperConfig defines sweep cadence and retention.
type SweeperConfig struct {
	Interval time.Duration
	// SessionRetention is how long closed sessions stay queryable before
	// the sweep deletes them. Zero disables retention cleanup entirely;
	// closed sessions are then kept forever.
	SessionRetention time.Duration
}

// Sweeper periodically closes timed-out sessions and prunes old closed
// rows. One instance runs per daemon.
type Sweeper struct {
	Orch *Orchestrator
	Conf SweeperConfig
}

// Run starts the sweep loop. It returns when ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Conf.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.Conf.Interval)
	defer ticker.Stop()

	log.L().Info().Dur("interval", s.Conf.Interval).Msg("session sweeper started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs exactly one sweep pass: timeout closes, then retention
// deletes. Deterministic and suitable for unit testing.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	closed, err := s.Orch.CheckAndCloseTimedOutSessions(ctx)
	if err != nil {
		log.L().Warn().Err(err).Msg("timeout sweep failed")
	} else if closed > 0 {
		log.L().Info().Int("count", closed).Msg("timeout sweep closed idle sessions")
	}

	s.sweepRetention(ctx)
}

func (s *Sweeper) sweepRetention(ctx context.Context) {
	if s.Conf.SessionRetention <= 0 {
		return
	}

	cutoff := s.Orch.now().Add(-s.Conf.SessionRetention).Unix()
	expired, err := s.Orch.Store.QuerySessions(ctx, store.SessionFilter{
		States:        []model.SessionState{model.SessionClosed},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		log.L().Warn().Err(err).Msg("retention sweep query failed")
		return
	}

	deleted := 0
	for _, rec := range expired {
		if err := s.Orch.Store.DeleteSession(ctx, rec.SessionID); err != nil {
			log.L().Warn().Err(err).
				Str(log.FieldSessionID, rec.SessionID).
				Msg("retention sweep failed to delete session")
			continue
		}
		deleted++
	}
	if deleted > 0 {
		log.L().Info().Int("count", deleted).Msg("retention sweep removed expired sessions")
	}
}
