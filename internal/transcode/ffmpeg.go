package transcode

import (
	"fmt"
	"strconv"
	"strings"

	"vidflow/internal/config"
)

// renditionArgs encodes one HLS variant. Paths are relative to the output
// directory the command runs in.
func renditionArgs(input string, r config.Rendition, segmentSeconds int) []string {
	return []string{
		"-i", input,
		"-vf", fmt.Sprintf("scale=-2:%d", r.Height),
		"-c:a", "aac",
		"-ar", "48000",
		"-c:v", "h264",
		"-profile:v", "main",
		"-crf", "20",
		"-sc_threshold", "0",
		"-g", "48",
		"-keyint_min", "48",
		"-hls_time", strconv.Itoa(segmentSeconds),
		"-hls_playlist_type", "vod",
		"-b:v", r.VideoBitrate,
		"-maxrate", r.MaxRate,
		"-bufsize", r.BufSize,
		"-hls_segment_filename", r.Name + "_%03d.ts",
		r.Name + ".m3u8",
	}
}

// frameArgs grabs a single frame at offset.
func frameArgs(input, offset, output string) []string {
	return []string{
		"-ss", offset,
		"-i", input,
		"-frames:v", "1",
		"-q:v", "2",
		output,
	}
}

// masterPlaylist references every rendition playlist with its advertised
// bandwidth and resolution.
func masterPlaylist(renditions []config.Rendition) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, r := range renditions {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n", r.Bandwidth, r.Width, r.Height)
		b.WriteString(r.Name + ".m3u8\n")
	}
	return b.String()
}
