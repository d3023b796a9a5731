package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pysiyou/atlas-sub001/token"
)

// Scheduler proactively refreshes the access token before it expires,
// independent of request traffic. Each successful refresh re-arms the
// timer from the new token's validity window, producing a self-renewing
// chain. A failed attempt does not re-arm and does not tear the session
// down: recovery is left to the next ordinary request's 401 handling,
// which avoids duplicate teardown races between the background timer
// and foreground traffic.
type Scheduler struct {
	refresh func(ctx context.Context) (string, error)
	log     zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewScheduler creates a Scheduler that refreshes through fn, which is
// expected to route through the single-flight coordinator.
func NewScheduler(fn func(ctx context.Context) (string, error), log zerolog.Logger) *Scheduler {
	return &Scheduler{refresh: fn, log: log}
}

// Arm starts (or restarts) the chain: any previously armed timer is
// cancelled, a prior Stop is undone, and a one-shot refresh is
// scheduled at the midpoint of raw's validity window. Tokens with no
// expiry cannot be scheduled and leave the timer disarmed.
func (s *Scheduler) Arm(raw string) {
	s.mu.Lock()
	s.stopped = false
	s.mu.Unlock()
	s.schedule(raw)
}

// schedule arms the one-shot timer unless Stop intervened. fire uses
// this instead of Arm so a refresh that settles after Stop cannot
// restart the chain.
func (s *Scheduler) schedule(raw string) {
	delay, ok := token.ProactiveRefreshDelay(raw)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !ok || s.stopped {
		return
	}
	s.timer = time.AfterFunc(delay, s.fire)
	s.log.Debug().Dur("delay", delay).Msg("proactive refresh armed")
}

// Stop cancels any armed timer and keeps an in-flight firing from
// re-arming when it settles. Idempotent; a later Arm starts a fresh
// chain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) fire() {
	newToken, err := s.refresh(context.Background())
	if err != nil {
		s.log.Warn().Err(err).Msg("proactive refresh failed, waiting for foreground traffic to recover")
		return
	}
	s.schedule(newToken)
}
