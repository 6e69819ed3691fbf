package research

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/angelododaro/open-deep-research/internal/model"
	"github.com/angelododaro/open-deep-research/internal/session"
)

const sweepBatch = 500

var errStale = errors.New("research: session changed since listing")

// SweeperConfig controls the sweeper.
type SweeperConfig struct {
	Interval time.Duration
	Grace    time.Duration
	Clock    func() time.Time
}

// Sweeper is the terminal fallback for sessions no worker is driving, for
// example after a process restart. A running session past its deadline plus
// grace is timed out; a pending session older than grace is failed.
type Sweeper struct {
	store  *session.Store
	driven func(id string) bool
	cfg    SweeperConfig
	logger *slog.Logger
}

// NewSweeper creates a Sweeper. driven reports whether a local worker owns a
// session; nil means none do.
func NewSweeper(store *session.Store, driven func(id string) bool, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if driven == nil {
		driven = func(string) bool { return false }
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Sweeper{store: store, driven: driven, cfg: cfg, logger: logger}
}

// Sweep runs one pass and returns the number of sessions it finalized.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	active, err := s.store.ListActive(ctx, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("research: sweep: %w", err)
	}

	now := s.cfg.Clock()
	swept := 0
	for _, rs := range active {
		if s.driven(rs.ID) {
			continue
		}
		var (
			to     model.Status
			reason string
		)
		switch {
		case rs.Status == model.StatusRunning && now.After(rs.Deadline().Add(s.cfg.Grace)):
			to = model.StatusTimedOut
		case rs.Status == model.StatusPending && now.Sub(rs.StartTime) > s.cfg.Grace:
			to, reason = model.StatusFailed, "session was never started by a worker"
		default:
			continue
		}

		_, err := s.store.Mutate(ctx, rs.ID, session.Actor{UserID: rs.UserID, Kind: session.ActorSystem},
			func(cur *model.ResearchSession) error {
				// The worker may have extended or finished it since the listing.
				if cur.Status != rs.Status || cur.TimeLimitSeconds != rs.TimeLimitSeconds {
					return errStale
				}
				cur.Status = to
				cur.Error = reason
				return nil
			})
		if errors.Is(err, errStale) {
			continue
		}
		if err != nil {
			s.logger.Warn("research sweep: finalize session", "session_id", rs.ID, "error", err)
			continue
		}
		swept++
		s.logger.Info("research sweep finalized session", "session_id", rs.ID, "status", to)
	}
	return swept, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				s.logger.Warn("research sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("research sweep completed", "finalized", n)
			}
		}
	}
}
