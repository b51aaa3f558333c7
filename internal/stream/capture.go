package stream

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/pierviz/pierviz/internal/errors"
)

// Capturer writes exactly one decoded frame from streamURL to destPath.
type Capturer interface {
	Capture(ctx context.Context, streamURL, destPath string) error
}

// FFmpegCapturer grabs a frame with an ffmpeg subprocess.
type FFmpegCapturer struct {
	Binary string
	// Width and Height scale the frame when both are positive.
	Width  int
	Height int
	// Timeout bounds the subprocess. Zero leaves bounding to the caller.
	Timeout time.Duration
}

// Capture implements Capturer. The frame is first written next to destPath
// under a non-frame name and renamed into place only when it is non-empty,
// so a failed grab never leaves a truncated frame behind.
func (c *FFmpegCapturer) Capture(ctx context.Context, streamURL, destPath string) error {
	if streamURL == "" {
		return errors.NewCaptureFailed(destPath, fmt.Errorf("empty stream url"))
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return errors.NewCaptureFailed(destPath, err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	tmpPath := partialPath(destPath)
	defer os.Remove(tmpPath)

	bin := c.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, c.args(streamURL, tmpPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w (%v)", ctx.Err(), err)
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			err = fmt.Errorf("%w: %s", err, lastLine(msg))
		}
		return errors.NewCaptureFailed(destPath, err)
	}

	info, err := os.Stat(tmpPath)
	if err != nil {
		return errors.NewCaptureFailed(destPath, fmt.Errorf("no output written: %w", err))
	}
	if info.Size() == 0 {
		return errors.NewCaptureFailed(destPath, fmt.Errorf("output is empty"))
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return errors.NewCaptureFailed(destPath, err)
	}
	return nil
}

func (c *FFmpegCapturer) args(streamURL, out string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-i", streamURL,
		"-frames:v", "1",
	}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", c.Width, c.Height))
	}
	return append(args, out)
}

// partialPath maps dir/13.png to dir/13.partial.png. The extension is kept
// so ffmpeg picks the right encoder; the stem is not a frame name.
func partialPath(destPath string) string {
	ext := filepath.Ext(destPath)
	return strings.TrimSuffix(destPath, ext) + ".partial" + ext
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
