package decoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zsiec/devicemirror/internal/h264"
	"github.com/zsiec/devicemirror/internal/logger"
)

const (
	DefaultStartTimeout = 5 * time.Second
	defaultOutputWait   = 15 * time.Millisecond
	stderrTailSize      = 2048
)

// FFmpegOptions configures FFmpegDecoder.
type FFmpegOptions struct {
	// Path of the ffmpeg binary. Empty means a PATH lookup.
	Path string

	// Threads is passed to the decoder; 0 lets ffmpeg decide.
	Threads int

	// StartTimeout is how long a freshly configured process may take to
	// produce its first picture once units are pending. It also bounds the
	// wait for the process to exit on Flush.
	StartTimeout time.Duration

	// OutputWait is how long Decode waits for a picture when units are
	// pending and none is ready yet.
	OutputWait time.Duration

	Logger logger.Logger
}

// FFmpegDecoder decodes H.264 by piping the elementary stream through an
// external ffmpeg process and reading raw yuv420p pictures back.
type FFmpegDecoder struct {
	opts FFmpegOptions
	log  logger.Logger

	proc          *ffmpegProcess
	width, height int

	pending     []time.Duration // PTS of written units awaiting a picture
	carry       []*image.YCbCr  // pictures drained from a replaced process
	firstUnitAt time.Time
	gotOutput   bool
}

var _ Decoder = (*FFmpegDecoder)(nil)

// NewFFmpeg returns an unconfigured decoder. No process runs until Configure.
func NewFFmpeg(opts FFmpegOptions) *FFmpegDecoder {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.OutputWait <= 0 {
		opts.OutputWait = defaultOutputWait
	}
	log := opts.Logger
	if log == nil {
		log = logger.NewNullLogger()
	}
	return &FFmpegDecoder{opts: opts, log: log.WithField("component", "ffmpeg_decoder")}
}

// FFmpegFactory returns a Factory creating FFmpegDecoders.
func FFmpegFactory(opts FFmpegOptions) Factory {
	return func() (Decoder, error) {
		if _, err := ResolveFFmpeg(opts.Path); err != nil {
			return nil, err
		}
		return NewFFmpeg(opts), nil
	}
}

// ResolveFFmpeg returns the ffmpeg binary to run.
func ResolveFFmpeg(path string) (string, error) {
	if path == "" {
		path = "ffmpeg"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("decoder: ffmpeg binary not found: %w", err)
	}
	return resolved, nil
}

// Configure starts an ffmpeg process sized from the SPS in config. When the
// size is unchanged the running process is kept and config is fed in-band.
func (d *FFmpegDecoder) Configure(config []byte) error {
	w, h, err := h264.SizeFromConfig(config)
	if err != nil {
		return fmt.Errorf("decoder: configure: %w", err)
	}

	if d.proc != nil && !d.proc.exited() && w == d.width && h == d.height {
		return d.write(config)
	}

	if d.proc != nil {
		d.carry = append(d.carry, d.proc.finish(d.opts.StartTimeout)...)
		d.proc = nil
	}

	proc, err := startFFmpeg(d.opts, w, h)
	if err != nil {
		return err
	}
	d.log.WithFields(map[string]interface{}{
		"width":  w,
		"height": h,
		"pid":    proc.cmd.Process.Pid,
	}).Debug("ffmpeg decoder started")

	d.proc = proc
	d.width, d.height = w, h
	d.firstUnitAt = time.Time{}
	d.gotOutput = false
	return d.write(config)
}

// Decode writes one access unit and returns the pictures ready so far.
// Units holding no NAL unit at all are rejected with ErrCorruptUnit.
func (d *FFmpegDecoder) Decode(unit []byte, pts time.Duration) ([]Picture, error) {
	if d.proc == nil {
		return nil, errors.New("decoder: decode before configure")
	}
	nals := h264.SplitAnnexB(unit)
	if len(nals) == 0 {
		return nil, fmt.Errorf("%w: no NAL unit in %d bytes", ErrCorruptUnit, len(unit))
	}
	if d.proc.exited() {
		return nil, d.proc.exitError()
	}
	if err := d.write(unit); err != nil {
		return nil, err
	}

	for _, nal := range nals {
		if t := h264.TypeOf(nal); t == h264.NALSlice || t == h264.NALIDR {
			d.pending = append(d.pending, pts)
			if d.firstUnitAt.IsZero() {
				d.firstUnitAt = time.Now()
			}
			break
		}
	}

	pics := d.collect(d.opts.OutputWait)
	if len(pics) == 0 && !d.gotOutput && !d.firstUnitAt.IsZero() &&
		time.Since(d.firstUnitAt) > d.opts.StartTimeout {
		return nil, fmt.Errorf("decoder: ffmpeg produced no picture within %s", d.opts.StartTimeout)
	}
	return pics, nil
}

// Flush closes the process input and returns every remaining picture.
func (d *FFmpegDecoder) Flush() ([]Picture, error) {
	if d.proc == nil {
		return d.assign(d.takeCarry()), nil
	}
	imgs := append(d.takeCarry(), d.proc.finish(d.opts.StartTimeout)...)
	err := d.proc.exitError()
	d.proc = nil
	pics := d.assign(imgs)
	d.pending = nil
	if err != nil && !errors.Is(err, io.EOF) {
		return pics, err
	}
	return pics, nil
}

// Close kills the process.
func (d *FFmpegDecoder) Close() error {
	if d.proc == nil {
		return nil
	}
	d.proc.kill()
	d.proc = nil
	d.pending = nil
	d.carry = nil
	return nil
}

func (d *FFmpegDecoder) write(b []byte) error {
	if _, err := d.proc.stdin.Write(b); err != nil {
		if d.proc.exited() {
			return d.proc.exitError()
		}
		return fmt.Errorf("decoder: write to ffmpeg: %w", err)
	}
	return nil
}

func (d *FFmpegDecoder) takeCarry() []*image.YCbCr {
	c := d.carry
	d.carry = nil
	return c
}

func (d *FFmpegDecoder) collect(wait time.Duration) []Picture {
	imgs := append(d.takeCarry(), d.proc.take()...)
	if len(imgs) == 0 && len(d.pending) > 0 && wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-d.proc.ready:
		case <-d.proc.done:
		case <-timer.C:
		}
		timer.Stop()
		imgs = d.proc.take()
	}
	return d.assign(imgs)
}

// assign pairs pictures with pending PTS values in order.
func (d *FFmpegDecoder) assign(imgs []*image.YCbCr) []Picture {
	if len(imgs) == 0 {
		return nil
	}
	d.gotOutput = true
	pics := make([]Picture, len(imgs))
	var last time.Duration
	for i, img := range imgs {
		if len(d.pending) > 0 {
			last = d.pending[0]
			d.pending = d.pending[1:]
		}
		pics[i] = Picture{Image: img, PTS: last}
	}
	return pics
}

// ffmpegProcess is one running ffmpeg and the goroutine reading its output.
type ffmpegProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stderr *tailBuffer

	mu       sync.Mutex
	pictures []*image.YCbCr
	ready    chan struct{} // signalled when a picture is appended
	done     chan struct{} // closed when the reader exits
	err      error         // reader exit reason, set before done closes
}

func ffmpegArgs(threads int) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-fflags", "nobuffer", "-flags", "low_delay"}
	if threads > 0 {
		args = append(args, "-threads", strconv.Itoa(threads))
	}
	return append(args,
		"-f", "h264", "-i", "pipe:0",
		"-f", "rawvideo", "-pix_fmt", "yuv420p", "pipe:1",
	)
}

func startFFmpeg(opts FFmpegOptions, width, height int) (*ffmpegProcess, error) {
	path, err := ResolveFFmpeg(opts.Path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, path, ffmpegArgs(opts.Threads)...)

	p := &ffmpegProcess{
		cmd:    cmd,
		cancel: cancel,
		stderr: &tailBuffer{max: stderrTailSize},
		ready:  make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	if p.stdin, err = cmd.StdinPipe(); err != nil {
		cancel()
		return nil, fmt.Errorf("decoder: ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("decoder: ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("decoder: start ffmpeg: %w", err)
	}

	go p.readPictures(stdout, width, height)
	return p, nil
}

func (p *ffmpegProcess) readPictures(r io.Reader, width, height int) {
	defer close(p.done)
	for {
		img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
		for _, plane := range [][]byte{img.Y, img.Cb, img.Cr} {
			if _, err := io.ReadFull(r, plane); err != nil {
				p.err = err
				// reap the process so exitError can report its status
				if werr := p.cmd.Wait(); werr != nil && errors.Is(err, io.EOF) {
					p.err = werr
				}
				return
			}
		}

		p.mu.Lock()
		p.pictures = append(p.pictures, img)
		p.mu.Unlock()
		select {
		case p.ready <- struct{}{}:
		default:
		}
	}
}

func (p *ffmpegProcess) take() []*image.YCbCr {
	p.mu.Lock()
	defer p.mu.Unlock()
	imgs := p.pictures
	p.pictures = nil
	return imgs
}

func (p *ffmpegProcess) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *ffmpegProcess) exitError() error {
	err := p.err
	if err == nil {
		err = io.EOF
	}
	if tail := strings.TrimSpace(p.stderr.String()); tail != "" {
		return fmt.Errorf("decoder: ffmpeg exited: %w: %s", err, tail)
	}
	return fmt.Errorf("decoder: ffmpeg exited: %w", err)
}

// finish closes stdin and waits up to timeout for ffmpeg to drain, returning
// every picture produced. The process is killed if it does not exit in time.
func (p *ffmpegProcess) finish(timeout time.Duration) []*image.YCbCr {
	_ = p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(timeout):
		p.kill()
	}
	p.cancel()
	return p.take()
}

func (p *ffmpegProcess) kill() {
	_ = p.stdin.Close()
	p.cancel()
	<-p.done
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
