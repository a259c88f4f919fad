package registry

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/zsiec/devicemirror/internal/logger"
	"github.com/zsiec/devicemirror/pkg/mirror"
)

const unregisterTimeout = 2 * time.Second

// NewRecord describes a session for registration.
func NewRecord(sessionID string, info mirror.StreamInfo, mode mirror.Mode, statusAddr string) *Record {
	host, _ := os.Hostname()
	return &Record{
		SessionID:  sessionID,
		DeviceName: info.DeviceName,
		Codec:      info.Codec,
		Width:      info.Width,
		Height:     info.Height,
		Mode:       mode.String(),
		Host:       host,
		StatusAddr: statusAddr,
		State:      "awaiting_config",
	}
}

// Publisher keeps one session record alive with periodic heartbeats.
type Publisher struct {
	reg      Registry
	interval time.Duration
	log      logger.Logger
}

// NewPublisher creates a publisher heartbeating every interval.
func NewPublisher(reg Registry, interval time.Duration, log logger.Logger) *Publisher {
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &Publisher{
		reg:      reg,
		interval: interval,
		log:      log.WithField("component", "registry"),
	}
}

// Run registers rec and heartbeats it with the counters from stats until ctx
// is done, then unregisters it. An entry that expired in the meantime is
// registered again. Registry failures are logged, never returned, except for
// the initial registration.
func (p *Publisher) Run(ctx context.Context, rec *Record, stats func() Heartbeat) error {
	rec.apply(stats())
	if err := p.reg.Register(ctx, rec); err != nil {
		return err
	}
	defer p.unregister(rec.SessionID)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		hb := stats()
		err := p.reg.Heartbeat(ctx, rec.SessionID, hb)
		switch {
		case err == nil:
		case errors.Is(err, ErrSessionNotFound):
			rec.apply(hb)
			if err := p.reg.Register(ctx, rec); err != nil {
				p.log.WithError(err).Warn("Failed to re-register expired session")
			} else {
				p.log.WithField("session_id", rec.SessionID).Info("Re-registered expired session")
			}
		case ctx.Err() != nil:
			return nil
		default:
			p.log.WithError(err).Warn("Session heartbeat failed")
		}
	}
}

func (p *Publisher) unregister(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), unregisterTimeout)
	defer cancel()
	if err := p.reg.Unregister(ctx, sessionID); err != nil && !errors.Is(err, ErrSessionNotFound) {
		p.log.WithError(err).Warn("Failed to unregister session")
	}
}
