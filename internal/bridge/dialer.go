// Package bridge connects to the video socket the device bridge tool has
// forwarded to a local TCP port.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/zsiec/devicemirror/internal/config"
	apperrors "github.com/zsiec/devicemirror/internal/errors"
	"github.com/zsiec/devicemirror/internal/logger"
	"github.com/zsiec/devicemirror/internal/metrics"
)

// Dial attempt outcomes, as recorded in metrics.
const (
	OutcomeConnected = "connected"
	OutcomeRefused   = "refused"
	OutcomeNotReady  = "not_ready"
	OutcomeFailed    = "failed"
)

var errNotReady = errors.New("device server not listening yet")

// Dialer opens the tunnel connection. With a forward tunnel the bridge
// accepts connections before the device server listens and then closes them
// at once, so a connection only counts once the server's dummy byte arrived.
type Dialer struct {
	cfg         config.BridgeConfig
	expectDummy bool
	log         logger.Logger

	dialContext func(ctx context.Context, network, address string) (net.Conn, error)
	newStrategy func() Strategy
}

// NewDialer returns a dialer for cfg. When expectDummyByte is set Dial
// consumes the dummy byte, so the session must not expect it again.
func NewDialer(cfg config.BridgeConfig, expectDummyByte bool, log logger.Logger) *Dialer {
	if log == nil {
		log = logger.NewNullLogger()
	}
	nd := &net.Dialer{Timeout: cfg.DialTimeout}
	return &Dialer{
		cfg:         cfg,
		expectDummy: expectDummyByte,
		log:         log.WithField("component", "bridge"),
		dialContext: nd.DialContext,
		newStrategy: func() Strategy {
			retries := cfg.ConnectAttempts - 1
			if retries < 1 {
				retries = 1
			}
			return NewExponentialBackoff(cfg.RetryDelay, cfg.MaxRetryDelay, 2.0, retries)
		},
	}
}

// Dial connects, retrying while the device server is not reachable or not
// ready. A wrong dummy byte is a ProtocolError and is not retried; running
// out of attempts is a ChannelError.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	strategy := d.newStrategy()
	attempt := 0
	for {
		attempt++
		conn, err := d.attempt(ctx)
		if err == nil {
			d.log.WithFields(map[string]interface{}{
				"address":  d.cfg.Address,
				"attempts": attempt,
			}).Info("Connected to device server")
			return conn, nil
		}
		if apperrors.IsType(err, apperrors.ErrorTypeProtocol) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, apperrors.NewChannelError(ctx.Err(), "dial cancelled")
		}

		delay, retry := strategy.NextDelay()
		if !retry {
			return nil, apperrors.NewChannelError(err, fmt.Sprintf("device server at %s not reachable after %d attempts", d.cfg.Address, attempt))
		}
		d.log.WithError(err).WithFields(map[string]interface{}{
			"attempt":  attempt,
			"retry_in": delay.String(),
		}).Debug("Device server not ready, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, apperrors.NewChannelError(ctx.Err(), "dial cancelled")
		case <-timer.C:
		}
	}
}

func (d *Dialer) attempt(ctx context.Context) (net.Conn, error) {
	conn, err := d.dialContext(ctx, "tcp", d.cfg.Address)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			metrics.RecordDialAttempt(OutcomeRefused)
		} else {
			metrics.RecordDialAttempt(OutcomeFailed)
		}
		return nil, err
	}

	if d.expectDummy {
		if err := d.readDummyByte(conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	metrics.RecordDialAttempt(OutcomeConnected)
	return conn, nil
}

func (d *Dialer) readDummyByte(conn net.Conn) error {
	if d.cfg.DialTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(d.cfg.DialTimeout))
		defer conn.SetReadDeadline(time.Time{})
	}

	var b [1]byte
	if _, err := io.ReadFull(conn, b[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, syscall.ECONNRESET) {
			metrics.RecordDialAttempt(OutcomeNotReady)
			return errNotReady
		}
		metrics.RecordDialAttempt(OutcomeFailed)
		return fmt.Errorf("reading dummy byte: %w", err)
	}
	if b[0] != 0 {
		metrics.RecordDialAttempt(OutcomeFailed)
		return apperrors.NewProtocolError(fmt.Sprintf("unexpected dummy byte 0x%02x", b[0]))
	}
	return nil
}
