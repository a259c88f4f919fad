package health

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// FFmpegChecker verifies that the ffmpeg binary used for decoding runs and
// has an H.264 decoder.
type FFmpegChecker struct {
	binaryPath string
	timeout    time.Duration

	version string
}

// NewFFmpegChecker creates a checker for binaryPath, looked up in PATH when
// empty.
func NewFFmpegChecker(binaryPath string) *FFmpegChecker {
	if binaryPath == "" {
		if path, err := exec.LookPath("ffmpeg"); err == nil {
			binaryPath = path
		}
	}
	return &FFmpegChecker{
		binaryPath: binaryPath,
		timeout:    checkTimeout,
	}
}

func (f *FFmpegChecker) Name() string {
	return "ffmpeg"
}

func (f *FFmpegChecker) Check(ctx context.Context) error {
	if f.binaryPath == "" {
		return fmt.Errorf("ffmpeg binary not found in PATH")
	}

	out, err := f.run(ctx, "-version")
	if err != nil {
		return fmt.Errorf("ffmpeg version check failed: %w", err)
	}
	first, _, _ := strings.Cut(out, "\n")
	if !strings.HasPrefix(first, "ffmpeg version") {
		return fmt.Errorf("unexpected ffmpeg version output")
	}
	f.version = strings.TrimSpace(first)

	out, err = f.run(ctx, "-hide_banner", "-decoders")
	if err != nil {
		return fmt.Errorf("failed to get decoder list: %w", err)
	}
	if !hasVideoDecoder(out, "h264") {
		return fmt.Errorf("ffmpeg has no h264 decoder")
	}
	return nil
}

// Details reports the ffmpeg version seen by the last successful check.
func (f *FFmpegChecker) Details() map[string]interface{} {
	details := map[string]interface{}{"binary_path": f.binaryPath}
	if f.version != "" {
		details["version"] = f.version
	}
	return details
}

func (f *FFmpegChecker) run(ctx context.Context, args ...string) (string, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, f.binaryPath, args...).Output()
	return string(out), err
}

// hasVideoDecoder scans `ffmpeg -decoders` output, whose rows look like
// " V....D h264                 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10".
func hasVideoDecoder(list, name string) bool {
	for _, line := range strings.Split(list, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		if fields[0][0] == 'V' && fields[1] == name {
			return true
		}
	}
	return false
}
