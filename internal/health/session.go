package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zsiec/devicemirror/pkg/mirror"
)

// SessionView is the part of a mirroring session the checker reads.
type SessionView interface {
	Stats() mirror.Stats
	Done() <-chan struct{}
	Err() error
}

// SessionChecker reports on the current mirroring session. A session that
// has not seen codec configuration yet, or has stopped producing frames for
// longer than staleAfter, is degraded. No session or an ended one is down.
type SessionChecker struct {
	current    func() SessionView
	staleAfter time.Duration
	now        func() time.Time

	mu         sync.Mutex
	lastFrames uint64
	lastChange time.Time
	last       mirror.Stats
}

// NewSessionChecker creates a checker over the session returned by current,
// which may return nil while no session is running.
func NewSessionChecker(current func() SessionView, staleAfter time.Duration) *SessionChecker {
	return &SessionChecker{
		current:    current,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

func (c *SessionChecker) Name() string {
	return "session"
}

func (c *SessionChecker) Check(ctx context.Context) error {
	s := c.current()
	if s == nil {
		return errors.New("no mirroring session")
	}

	select {
	case <-s.Done():
		if err := s.Err(); err != nil {
			return fmt.Errorf("mirroring session ended: %w", err)
		}
		return errors.New("mirroring session ended")
	default:
	}

	stats := s.Stats()
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = stats
	if stats.FramesPublished != c.lastFrames || c.lastChange.IsZero() {
		c.lastFrames = stats.FramesPublished
		c.lastChange = now
	}

	if stats.State == "awaiting_config" {
		return Degraded("waiting for codec configuration")
	}
	if c.staleAfter > 0 && now.Sub(c.lastChange) > c.staleAfter {
		return Degraded(fmt.Sprintf("no new frame for %s", now.Sub(c.lastChange).Truncate(time.Second)))
	}
	return nil
}

// Details reports the counters seen by the last check.
func (c *SessionChecker) Details() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last.State == "" {
		return nil
	}
	return map[string]interface{}{
		"state":            c.last.State,
		"packets":          c.last.Packets,
		"frames_published": c.last.FramesPublished,
		"corrupt_units":    c.last.CorruptUnits,
	}
}
