// Package registry publishes running mirroring sessions so other processes
// on the host can discover them.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/zsiec/devicemirror/internal/protocol"
	"github.com/zsiec/devicemirror/pkg/mirror"
)

var (
	// ErrSessionNotFound is returned when a session is not registered or
	// its entry expired.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned by Register for a live duplicate ID.
	ErrSessionExists = errors.New("session already registered")
)

// Record describes one registered session.
type Record struct {
	SessionID  string         `json:"session_id"`
	DeviceName string         `json:"device_name"`
	Codec      protocol.Codec `json:"codec"`
	Width      uint32         `json:"width"`
	Height     uint32         `json:"height"`
	Mode       string         `json:"mode"`
	Host       string         `json:"host,omitempty"`
	StatusAddr string         `json:"status_addr,omitempty"`

	State             string    `json:"state"`
	Packets           uint64    `json:"packets"`
	FramesPublished   uint64    `json:"frames_published"`
	FramesOverwritten uint64    `json:"frames_overwritten"`
	CorruptUnits      uint64    `json:"corrupt_units"`
	StartedAt         time.Time `json:"started_at"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
}

// Heartbeat carries the counters refreshed on every heartbeat.
type Heartbeat struct {
	State             string `json:"state"`
	Packets           uint64 `json:"packets"`
	FramesPublished   uint64 `json:"frames_published"`
	FramesOverwritten uint64 `json:"frames_overwritten"`
	CorruptUnits      uint64 `json:"corrupt_units"`
}

// HeartbeatFromStats extracts the heartbeat fields of a session snapshot.
func HeartbeatFromStats(s mirror.Stats) Heartbeat {
	return Heartbeat{
		State:             s.State,
		Packets:           s.Packets,
		FramesPublished:   s.FramesPublished,
		FramesOverwritten: s.FramesOverwritten,
		CorruptUnits:      s.CorruptUnits,
	}
}

func (r *Record) apply(hb Heartbeat) {
	r.State = hb.State
	r.Packets = hb.Packets
	r.FramesPublished = hb.FramesPublished
	r.FramesOverwritten = hb.FramesOverwritten
	r.CorruptUnits = hb.CorruptUnits
}

// Registry stores session records. Entries expire unless heartbeats keep
// them alive.
type Registry interface {
	// Register adds a session. Registering an ID that is already live
	// returns ErrSessionExists.
	Register(ctx context.Context, rec *Record) error

	// Heartbeat refreshes the entry's counters and TTL.
	Heartbeat(ctx context.Context, sessionID string, hb Heartbeat) error

	// Unregister removes a session.
	Unregister(ctx context.Context, sessionID string) error

	// Get retrieves a session by ID.
	Get(ctx context.Context, sessionID string) (*Record, error)

	// List returns all live sessions.
	List(ctx context.Context) ([]*Record, error)

	// Close releases resources held by the registry.
	Close() error
}
