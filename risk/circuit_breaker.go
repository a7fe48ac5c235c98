package risk

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/optrader/spreadctl/types"
)

// RejectionTracker counts consecutive non-benign broker rejections and
// trips the system into HARD_STOP once a threshold is reached — repeated
// genuine rejections (bad account state, a symbol the broker no longer
// supports, a malformed order) are a structural signal distinct from the
// daily-loss trip in manager.go, so they get their own counter rather than
// folding into dailyPnL.
type RejectionTracker struct {
	mu        sync.Mutex
	threshold int
	streak    int
	manager   *Manager
}

// NewRejectionTracker builds a tracker that trips manager into HARD_STOP
// after threshold consecutive genuine rejections.
func NewRejectionTracker(manager *Manager, threshold int) *RejectionTracker {
	if threshold < 1 {
		threshold = 1
	}
	return &RejectionTracker{threshold: threshold, manager: manager}
}

// Observe records one broker rejection outcome. Benign rejections (market
// closed, after-hours) reset the streak rather than extending it, since
// they carry no information about account or logic health.
func (rt *RejectionTracker) Observe(ctx context.Context, reason string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if IsBenignRejection(reason) {
		rt.streak = 0
		return
	}

	rt.streak++
	log.Warn().Int("streak", rt.streak).Str("reason", reason).Msg("non-benign broker rejection")

	if rt.streak >= rt.threshold {
		if err := rt.manager.SetSystemMode(ctx, types.ModeHardStop, "consecutive non-benign broker rejections"); err != nil {
			log.Error().Err(err).Msg("failed to trip system mode after rejection streak")
		}
		rt.streak = 0
	}
}

// ObserveSuccess resets the streak after any accepted order.
func (rt *RejectionTracker) ObserveSuccess() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.streak = 0
}
