package session

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/zhouzirui/tutor-voice/backend/internal/logger"
)

const (
	DefaultHealthInterval = 15 * time.Second
	DefaultIdleCeiling    = 60 * time.Second
)

// Target is what the supervisor inspects and expires. *Registry satisfies it.
type Target interface {
	LastActivity(sessionID string) (time.Time, bool)
	Teardown(sessionID, reason string) bool
}

// SupervisorOptions tunes the idle sweep.
type SupervisorOptions struct {
	Interval    time.Duration
	IdleCeiling time.Duration
}

// Supervisor expires sessions whose last audio activity is older than the
// idle ceiling. Each watched session gets its own ticker.
type Supervisor struct {
	target Target
	opts   SupervisorOptions
	log    *log.Logger
	now    func() time.Time
}

func NewSupervisor(target Target, opts SupervisorOptions) *Supervisor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultHealthInterval
	}
	if opts.IdleCeiling <= 0 {
		opts.IdleCeiling = DefaultIdleCeiling
	}
	return &Supervisor{
		target: target,
		opts:   opts,
		log:    logger.With("component", "health"),
		now:    time.Now,
	}
}

// Watch starts periodic checks for sessionID. The returned func stops them.
func (s *Supervisor) Watch(sessionID string) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go s.loop(ctx, sessionID)
	return cancel
}

func (s *Supervisor) loop(ctx context.Context, sessionID string) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.check(sessionID) {
				return
			}
		}
	}
}

// check reports whether the session should keep being watched.
func (s *Supervisor) check(sessionID string) bool {
	last, ok := s.target.LastActivity(sessionID)
	if !ok {
		return false
	}

	idle := s.now().Sub(last)
	if idle <= s.opts.IdleCeiling {
		return true
	}

	s.log.Info("session idle, tearing down", "session", sessionID, "idle", idle.Round(time.Second))
	s.target.Teardown(sessionID, ReasonIdleTimeout)
	return false
}
