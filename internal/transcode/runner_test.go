package transcode

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestFFmpeg_ExitCode(t *testing.T) {
	for _, bin := range []string{"true", "false"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}

	ok := &FFmpeg{Path: "true", Timeout: 5 * time.Second}
	code, err := ok.Run(context.Background(), t.TempDir(), []string{"-i", "in.mp4"})
	if err != nil || code != 0 {
		t.Errorf("Expected exit 0, got %d, %v", code, err)
	}

	failing := &FFmpeg{Path: "false", Timeout: 5 * time.Second}
	code, err = failing.Run(context.Background(), t.TempDir(), nil)
	if err != nil {
		t.Errorf("Non-zero exit must not be reported as a run error: %v", err)
	}
	if code == 0 {
		t.Error("Expected non-zero exit code")
	}
}

func TestFFmpeg_MissingBinary(t *testing.T) {
	r := &FFmpeg{Path: "/nonexistent/ffmpeg"}
	if _, err := r.Run(context.Background(), t.TempDir(), nil); err == nil {
		t.Error("Expected error for missing binary")
	}
}
