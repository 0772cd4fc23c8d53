package utils

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

var QuitChan = make(chan os.Signal, 1)

func Shutdown(reason string) {
	slog.Error("🚨 " + reason)
	os.Exit(-1)
}

func GracefulExit(reason string) {
	slog.Warn("🚨 " + reason)
	process, err := os.FindProcess(os.Getpid())
	if err == nil {
		process.Signal(syscall.SIGTERM)
	}
}

// ContentTypeByExt maps pipeline artifact names to the content type they are
// stored and served with.
func ContentTypeByExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
