package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"
)

// Runner executes the transform binary. The exit code is the only success
// signal; err is reserved for failures to run it at all.
type Runner interface {
	Run(ctx context.Context, dir string, args []string) (exitCode int, err error)
}

// FFmpeg runs the ffmpeg binary with a per-invocation timeout.
type FFmpeg struct {
	Path    string
	Timeout time.Duration
	Logger  *slog.Logger
}

// stderrTail bounds how much ffmpeg output is kept for error logs.
const stderrTail = 4096

func (f *FFmpeg) Run(ctx context.Context, dir string, args []string) (int, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, f.Path, append([]string{"-hide_banner", "-y"}, args...)...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return -1, fmt.Errorf("ffmpeg did not finish: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if f.Logger != nil {
			out := stderr.Bytes()
			if len(out) > stderrTail {
				out = out[len(out)-stderrTail:]
			}
			f.Logger.Warn("ffmpeg exited with error", "exit_code", exitErr.ExitCode(), "stderr", string(out))
		}
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, fmt.Errorf("run ffmpeg: %w", err)
	}
	return 0, nil
}
