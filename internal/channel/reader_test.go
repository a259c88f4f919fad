package channel

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/zsiec/devicemirror/internal/errors"
)

func TestReadExact(t *testing.T) {
	r := New(iotest.OneByteReader(bytes.NewReader([]byte("abcdefgh"))))

	p, err := r.ReadExact(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), p)

	p, err = r.ReadExact(0)
	require.NoError(t, err)
	assert.Empty(t, p)

	p, err = r.ReadExact(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("defgh"), p)
	assert.Equal(t, int64(8), r.BytesRead())
}

func TestReadExactCleanEOF(t *testing.T) {
	r := New(bytes.NewReader([]byte{1, 2}))
	_, err := r.ReadExact(2)
	require.NoError(t, err)

	_, err = r.ReadExact(4)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeChannelClosed))
	assert.True(t, IsEndOfStream(err))
	assert.False(t, IsTruncated(err))
	assert.False(t, IsStopped(err))
}

func TestReadExactTruncated(t *testing.T) {
	r := New(bytes.NewReader([]byte{1, 2, 3}))

	p, err := r.ReadExact(5)
	require.Error(t, err)
	assert.Nil(t, p, "no partial result")
	assert.True(t, IsTruncated(err))
	assert.False(t, IsEndOfStream(err))
	assert.Contains(t, err.Error(), "3 of 5")
}

func TestReadExactIOFailure(t *testing.T) {
	boom := errors.New("connection reset by peer")
	r := New(io.MultiReader(bytes.NewReader([]byte{9}), iotest.ErrReader(boom)))

	_, err := r.ReadExact(4)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeChannel))
	assert.True(t, errors.Is(err, boom))
	assert.True(t, apperrors.IsFatal(err))
}

func TestReadFixedString(t *testing.T) {
	field := make([]byte, 64)
	copy(field, "test-device")
	r := New(bytes.NewReader(append(field, 'x')))

	name, err := r.ReadFixedString(64)
	require.NoError(t, err)
	assert.Equal(t, "test-device", name)

	b, err := r.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte('x'), b)
}

func TestReadFixedStringUnterminated(t *testing.T) {
	r := New(bytes.NewReader([]byte("abcd")))
	s, err := r.ReadFixedString(4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", s)
}

func TestReadUint32(t *testing.T) {
	r := New(bytes.NewReader([]byte{0x68, 0x32, 0x36, 0x34}))
	v, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x68323634), v)
}

func TestCloseUnblocksRead(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	r := New(client)
	errCh := make(chan error, 1)
	go func() {
		_, err := r.ReadExact(12)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.True(t, IsStopped(err))
		assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeChannelClosed))
		assert.False(t, apperrors.IsFatal(err))
	case <-time.After(time.Second):
		t.Fatal("read was not unblocked by Close")
	}
}

type countingCloser struct {
	io.Reader
	closes int
}

func (c *countingCloser) Close() error {
	c.closes++
	return nil
}

func TestCloseExactlyOnce(t *testing.T) {
	cc := &countingCloser{Reader: bytes.NewReader(nil)}
	r := New(cc)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Equal(t, 1, cc.closes)
	assert.True(t, r.Closed())

	_, err := r.ReadExact(1)
	assert.True(t, IsStopped(err))
}

func TestCloseWithoutCloser(t *testing.T) {
	r := New(bytes.NewReader([]byte{1}))
	assert.NoError(t, r.Close())
}

func TestFillResumesAfterTimeout(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	r := New(client)
	defer r.Close()

	go func() { _, _ = server.Write([]byte("abc")) }()

	p := make([]byte, 6)
	require.NoError(t, r.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	n, err := r.Fill(p)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeTimeout))
	assert.False(t, IsStopped(err))
	assert.Equal(t, 3, n)

	go func() { _, _ = server.Write([]byte("def")) }()
	require.NoError(t, r.SetReadDeadline(time.Time{}))
	m, err := r.Fill(p[n:])
	require.NoError(t, err)
	assert.Equal(t, 3, m)
	assert.Equal(t, []byte("abcdef"), p)
	assert.Equal(t, int64(6), r.BytesRead())
}

func TestSetReadDeadlineUnsupported(t *testing.T) {
	r := New(bytes.NewReader(nil))
	assert.ErrorIs(t, r.SetReadDeadline(time.Now()), ErrDeadlineUnsupported)
}

func TestNegativeRead(t *testing.T) {
	r := New(bytes.NewReader(nil))
	_, err := r.ReadExact(-1)
	assert.Error(t, err)
}
