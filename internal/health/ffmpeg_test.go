package health

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFFmpeg writes a shell script answering -version and -decoders.
func fakeFFmpeg(t *testing.T, decoders string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script binaries not supported")
	}
	script := `#!/bin/sh
case "$1" in
  -version) echo "ffmpeg version 6.1.1 Copyright (c) 2000-2023"; echo "built with gcc" ;;
  *) cat <<'LIST'
Decoders:
 V..... = Video
 ------
` + decoders + `
LIST
  ;;
esac
`
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestNewFFmpegChecker(t *testing.T) {
	checker := NewFFmpegChecker("/usr/bin/ffmpeg")
	assert.Equal(t, "/usr/bin/ffmpeg", checker.binaryPath)
	assert.Equal(t, 5*time.Second, checker.timeout)
	assert.Equal(t, "ffmpeg", checker.Name())
}

func TestFFmpegCheckerCheck(t *testing.T) {
	t.Run("h264 available", func(t *testing.T) {
		checker := NewFFmpegChecker(fakeFFmpeg(t, " V....D h264                 H.264 / AVC / MPEG-4 AVC"))
		require.NoError(t, checker.Check(context.Background()))

		details := checker.Details()
		assert.Equal(t, "ffmpeg version 6.1.1 Copyright (c) 2000-2023", details["version"])
	})

	t.Run("h264 missing", func(t *testing.T) {
		checker := NewFFmpegChecker(fakeFFmpeg(t, " V....D hevc                 HEVC"))
		err := checker.Check(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no h264 decoder")
	})

	t.Run("missing binary", func(t *testing.T) {
		checker := &FFmpegChecker{binaryPath: "/nonexistent/ffmpeg", timeout: time.Second}
		err := checker.Check(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "version check failed")
	})

	t.Run("empty path", func(t *testing.T) {
		checker := &FFmpegChecker{timeout: time.Second}
		err := checker.Check(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
		assert.NotContains(t, checker.Details(), "version")
	})
}

func TestHasVideoDecoder(t *testing.T) {
	list := ` V..... = Video
 A..... = Audio
 ------
 V....D h264                 H.264 / AVC / MPEG-4 AVC / MPEG-4 part 10
 A....D h264_fake            not video
 VFS..D hevc                 HEVC (High Efficiency Video Coding)
`
	assert.True(t, hasVideoDecoder(list, "h264"))
	assert.True(t, hasVideoDecoder(list, "hevc"))
	assert.False(t, hasVideoDecoder(list, "h264_fake"))
	assert.False(t, hasVideoDecoder(list, "av1"))
}
