// Package channel wraps the tunnel byte stream with an exact-read primitive.
// Every higher level parser is built from ReadExact, so callers never see a
// partially satisfied read.
package channel

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/zsiec/devicemirror/internal/errors"
)

const readBufferSize = 64 << 10

// ErrStopped is wrapped by the ChannelClosed error returned for reads that
// fail because Close was called locally.
var ErrStopped = errors.New("channel closed locally")

// ErrTimeout is wrapped by the error returned for reads that hit a deadline
// set with SetReadDeadline. The stream stays usable.
var ErrTimeout = errors.New("channel read deadline exceeded")

// ErrDeadlineUnsupported is returned by SetReadDeadline when the stream has
// no deadline support.
var ErrDeadlineUnsupported = errors.New("channel: stream does not support read deadlines")

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader reads exact byte counts from a tunnel stream. It is not safe for
// concurrent reads; Close may be called from any goroutine.
type Reader struct {
	src    io.Reader
	closer io.Closer
	buf    *bufio.Reader

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
	bytesRead atomic.Int64
}

// New wraps r. If r is also an io.Closer, Close closes it.
func New(r io.Reader) *Reader {
	c, _ := r.(io.Closer)
	return &Reader{
		src:    r,
		closer: c,
		buf:    bufio.NewReaderSize(r, readBufferSize),
	}
}

// ReadExact reads exactly n bytes into a new slice.
//
// An end of stream yields a ChannelClosed error wrapping io.EOF when nothing
// was read and io.ErrUnexpectedEOF when the stream ended part way. Reads
// interrupted by Close yield ChannelClosed wrapping ErrStopped. Any other
// failure is a ChannelError.
func (r *Reader) ReadExact(n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("channel: negative read size %d", n)
	}
	p := make([]byte, n)
	if err := r.ReadFull(p); err != nil {
		return nil, err
	}
	return p, nil
}

// ReadFull fills p completely, with the error semantics of ReadExact.
func (r *Reader) ReadFull(p []byte) error {
	_, err := r.Fill(p)
	return err
}

// Fill reads into p until it is full and returns how many bytes it read.
// Errors follow ReadExact, plus a timeout error wrapping ErrTimeout when a
// read deadline passes. After a timeout the bytes already read stay in
// p[:n], so the caller can resume with p[n:].
func (r *Reader) Fill(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, apperrors.NewChannelClosed(ErrStopped, "read after close")
	}

	got, err := io.ReadFull(r.buf, p)
	r.bytesRead.Add(int64(got))
	if err == nil {
		return got, nil
	}
	return got, r.classify(err, got, len(p))
}

// SetReadDeadline sets the deadline for future reads on the underlying
// stream. A zero time clears it. It returns ErrDeadlineUnsupported when the
// stream cannot time out.
func (r *Reader) SetReadDeadline(t time.Time) error {
	d, ok := r.src.(readDeadliner)
	if !ok {
		return ErrDeadlineUnsupported
	}
	return d.SetReadDeadline(t)
}

func (r *Reader) classify(err error, got, want int) error {
	switch {
	case r.closed.Load() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe):
		return apperrors.NewChannelClosed(ErrStopped, "channel closed")
	case isTimeout(err):
		return apperrors.Wrap(fmt.Errorf("%w: %w", ErrTimeout, err), apperrors.ErrorTypeTimeout,
			fmt.Sprintf("read timed out after %d of %d bytes", got, want), http.StatusRequestTimeout)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return apperrors.NewChannelClosed(err, fmt.Sprintf("stream ended after %d of %d bytes", got, want))
	case errors.Is(err, io.EOF):
		return apperrors.NewChannelClosed(err, "end of stream")
	default:
		return apperrors.NewChannelError(err, fmt.Sprintf("read failed after %d of %d bytes", got, want))
	}
}

// ReadByte reads a single byte.
func (r *Reader) ReadByte() (byte, error) {
	var b [1]byte
	if err := r.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadUint32 reads a big-endian uint32.
func (r *Reader) ReadUint32() (uint32, error) {
	var b [4]byte
	if err := r.ReadFull(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadFixedString reads an n byte field and returns it up to the first NUL.
func (r *Reader) ReadFixedString(n int) (string, error) {
	p, err := r.ReadExact(n)
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p), nil
}

// BytesRead returns the number of bytes consumed from the stream.
func (r *Reader) BytesRead() int64 {
	return r.bytesRead.Load()
}

// Closed reports whether Close has been called.
func (r *Reader) Closed() bool {
	return r.closed.Load()
}

// Close closes the underlying stream exactly once, unblocking any pending
// read. Later calls return the first result.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		if r.closer != nil {
			r.closeErr = r.closer.Close()
		}
	})
	return r.closeErr
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsTimeout reports whether err came from a read that hit its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsStopped reports whether err came from a read interrupted by Close.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}

// IsEndOfStream reports whether err is an orderly end of stream with no
// bytes of the current read consumed.
func IsEndOfStream(err error) bool {
	return apperrors.IsType(err, apperrors.ErrorTypeChannelClosed) &&
		errors.Is(err, io.EOF)
}

// IsTruncated reports whether err is an end of stream in the middle of a read.
func IsTruncated(err error) bool {
	return apperrors.IsType(err, apperrors.ErrorTypeChannelClosed) && errors.Is(err, io.ErrUnexpectedEOF)
}
