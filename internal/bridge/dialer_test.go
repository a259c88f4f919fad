package bridge

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/devicemirror/internal/config"
	apperrors "github.com/zsiec/devicemirror/internal/errors"
)

func testBridgeConfig(addr string, attempts int) config.BridgeConfig {
	return config.BridgeConfig{
		Address:         addr,
		DialTimeout:     time.Second,
		ConnectAttempts: attempts,
		RetryDelay:      5 * time.Millisecond,
		MaxRetryDelay:   20 * time.Millisecond,
	}
}

func dialAttempts(t *testing.T, outcome string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "devicemirror_bridge_dial_attempts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "outcome" && lp.GetValue() == outcome {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

// serve accepts connections and hands each to handle with its ordinal.
func serve(t *testing.T, handle func(n int, c net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		var n int
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			n++
			go handle(n, c)
		}
	}()
	return ln.Addr().String()
}

func TestDialConsumesDummyByte(t *testing.T) {
	addr := serve(t, func(_ int, c net.Conn) {
		_, _ = c.Write([]byte{0, 'h', 'i'})
		time.Sleep(100 * time.Millisecond)
		c.Close()
	})

	before := dialAttempts(t, OutcomeConnected)
	conn, err := NewDialer(testBridgeConfig(addr, 3), true, nil).Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 2)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(buf), "the dummy byte is not passed on")
	assert.Equal(t, before+1, dialAttempts(t, OutcomeConnected))
}

func TestDialRetriesUntilServerReady(t *testing.T) {
	var accepted atomic.Int32
	addr := serve(t, func(n int, c net.Conn) {
		accepted.Add(1)
		if n < 3 {
			// the bridge accepted but nothing listens on the device yet
			c.Close()
			return
		}
		_, _ = c.Write([]byte{0})
		time.Sleep(100 * time.Millisecond)
		c.Close()
	})

	conn, err := NewDialer(testBridgeConfig(addr, 10), true, nil).Dial(context.Background())
	require.NoError(t, err)
	conn.Close()
	assert.Equal(t, int32(3), accepted.Load())
}

func TestDialWithoutDummyByte(t *testing.T) {
	addr := serve(t, func(_ int, c net.Conn) {
		time.Sleep(100 * time.Millisecond)
		c.Close()
	})

	conn, err := NewDialer(testBridgeConfig(addr, 1), false, nil).Dial(context.Background())
	require.NoError(t, err)
	conn.Close()
}

func TestDialWrongDummyByte(t *testing.T) {
	var accepted atomic.Int32
	addr := serve(t, func(_ int, c net.Conn) {
		accepted.Add(1)
		_, _ = c.Write([]byte{0x7f})
		c.Close()
	})

	_, err := NewDialer(testBridgeConfig(addr, 5), true, nil).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeProtocol))
	assert.Equal(t, int32(1), accepted.Load(), "protocol errors are not retried")
}

func TestDialGivesUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewDialer(testBridgeConfig(addr, 3), true, nil).Dial(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeChannel))
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestDialCancelled(t *testing.T) {
	addr := serve(t, func(_ int, c net.Conn) { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	cfg := testBridgeConfig(addr, 0)
	cfg.RetryDelay = 10 * time.Millisecond
	d := NewDialer(cfg, true, nil)
	d.newStrategy = func() Strategy { return NewExponentialBackoff(cfg.RetryDelay, cfg.RetryDelay, 1, 0) }

	_, err := d.Dial(ctx)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeChannel))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
