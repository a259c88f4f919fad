// Package delivery holds the single latest-frame slot shared by the decode
// worker and frame consumers.
package delivery

import (
	"context"
	"errors"
	"sync"

	"github.com/zsiec/devicemirror/pkg/frame"
)

// ErrClosed is returned by Next once the slot is closed and holds no unread
// frame.
var ErrClosed = errors.New("delivery: slot closed")

// Stats is a snapshot of the slot counters.
type Stats struct {
	Published   uint64 `json:"frames_published"`
	Overwritten uint64 `json:"frames_overwritten"`
}

// Slot stores only the most recently published frame. Publishing replaces
// the previous frame whether or not anyone read it; there is no queue.
//
// A frame is "unread" until Latest, Take or Next hands it out. After Close
// the slot keeps its last frame until read, then reports the terminal error
// once through TakeError.
type Slot struct {
	mu      sync.Mutex
	frame   *frame.Frame
	seq     uint64        // publish count, seq of frame
	readSeq uint64        // seq of the last frame handed out
	notify  chan struct{} // closed and replaced on every publish

	closed      bool
	err         error
	errReported bool

	overwritten uint64
	onOverwrite func()
}

// NewSlot returns an empty slot. onOverwrite, if not nil, is called without
// the lock held each time an unread frame is replaced.
func NewSlot(onOverwrite func()) *Slot {
	return &Slot{
		notify:      make(chan struct{}),
		onOverwrite: onOverwrite,
	}
}

// Publish replaces the stored frame and wakes every waiter. Publishing on a
// closed slot is a no-op.
func (s *Slot) Publish(f *frame.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	dropped := s.frame != nil && s.readSeq < s.seq
	if dropped {
		s.overwritten++
	}
	s.frame = f
	s.seq++
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	if dropped && s.onOverwrite != nil {
		s.onOverwrite()
	}
}

// Deliver stores f as the current frame, already handed out. Unlike Publish
// it also records frames on a closed slot, for callers that drain frames
// decoded at the end of the stream themselves.
func (s *Slot) Deliver(f *frame.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = f
	s.seq++
	s.readSeq = s.seq
	if !s.closed {
		close(s.notify)
		s.notify = make(chan struct{})
	}
}

// Latest returns the stored frame without waiting, or nil if nothing was
// published yet. Once the slot is closed only an unread frame is returned.
func (s *Slot) Latest() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.takeLocked()
	}
	s.readSeq = s.seq
	return s.frame
}

// Peek returns the stored frame without marking it handed out.
func (s *Slot) Peek() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Take returns the stored frame if it has not been handed out yet.
func (s *Slot) Take() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.takeLocked()
}

func (s *Slot) takeLocked() *frame.Frame {
	if s.frame == nil || s.readSeq == s.seq {
		return nil
	}
	s.readSeq = s.seq
	return s.frame
}

// Next waits for an unread frame. It returns ErrClosed once the slot is
// closed and drained, or the context error.
func (s *Slot) Next(ctx context.Context) (*frame.Frame, error) {
	for {
		s.mu.Lock()
		if f := s.takeLocked(); f != nil {
			s.mu.Unlock()
			return f, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrClosed
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the end of publishing with the terminal error, nil for a clean
// end, and wakes every waiter. Only the first call has an effect.
func (s *Slot) Close(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.notify)
}

// Closed reports whether Close was called.
func (s *Slot) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Err returns the terminal error without consuming it.
func (s *Slot) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// TakeError returns the terminal error the first time it is called after a
// failing Close, and nil otherwise.
func (s *Slot) TakeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil || s.errReported {
		return nil
	}
	s.errReported = true
	return s.err
}

// Seq returns how many frames were published.
func (s *Slot) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Stats returns a snapshot of the counters.
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Published: s.seq, Overwritten: s.overwritten}
}
