package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

// Rendition is one HLS variant produced by the transcoder.
type Rendition struct {
	Name         string `yaml:"name"`
	Width        int    `yaml:"width"`
	Height       int    `yaml:"height"`
	VideoBitrate string `yaml:"video_bitrate"`
	MaxRate      string `yaml:"maxrate"`
	BufSize      string `yaml:"bufsize"`
	Bandwidth    int    `yaml:"bandwidth"` // advertised in the master playlist, bits/s
}

type ThumbnailOptions struct {
	Offset  string `yaml:"offset"`
	Width   int    `yaml:"width"`
	Quality int    `yaml:"quality"`
}

type TranscodeConfig struct {
	SegmentSeconds int              `yaml:"segment_seconds"`
	Renditions     []Rendition      `yaml:"renditions"`
	Thumbnail      ThumbnailOptions `yaml:"thumbnail"`
}

// LoadTranscodeConfig reads the transcode profile. A missing file yields the
// built-in 480p/720p profile; any field left empty is filled from it.
func LoadTranscodeConfig(path string) (*TranscodeConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultTranscodeConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read transcode config: %w", err)
	}

	var tc TranscodeConfig
	if err := yaml.Unmarshal(data, &tc); err != nil {
		return nil, fmt.Errorf("failed to parse transcode config: %w", err)
	}
	tc.applyDefaults()

	if err := tc.Validate(); err != nil {
		return nil, err
	}
	return &tc, nil
}

func (tc *TranscodeConfig) applyDefaults() {
	def := DefaultTranscodeConfig()
	if tc.SegmentSeconds == 0 {
		tc.SegmentSeconds = def.SegmentSeconds
	}
	if len(tc.Renditions) == 0 {
		tc.Renditions = def.Renditions
	}
	if tc.Thumbnail.Offset == "" {
		tc.Thumbnail.Offset = def.Thumbnail.Offset
	}
	if tc.Thumbnail.Width == 0 {
		tc.Thumbnail.Width = def.Thumbnail.Width
	}
	if tc.Thumbnail.Quality == 0 {
		tc.Thumbnail.Quality = def.Thumbnail.Quality
	}
}

func (tc *TranscodeConfig) Validate() error {
	seen := make(map[string]bool, len(tc.Renditions))
	for _, r := range tc.Renditions {
		if r.Name == "" {
			return errors.New("transcode config: rendition name is required")
		}
		if seen[r.Name] {
			return fmt.Errorf("transcode config: duplicate rendition %q", r.Name)
		}
		seen[r.Name] = true
		if r.Height <= 0 || r.Width <= 0 || r.Bandwidth <= 0 {
			return fmt.Errorf("transcode config: rendition %q needs positive width, height and bandwidth", r.Name)
		}
	}
	if tc.Thumbnail.Quality < 1 || tc.Thumbnail.Quality > 100 {
		return fmt.Errorf("transcode config: thumbnail quality must be between 1 and 100, got %d", tc.Thumbnail.Quality)
	}
	return nil
}

func DefaultTranscodeConfig() *TranscodeConfig {
	return &TranscodeConfig{
		SegmentSeconds: 4,
		Renditions: []Rendition{
			{
				Name:         "480p",
				Width:        640,
				Height:       480,
				VideoBitrate: "800k",
				MaxRate:      "856k",
				BufSize:      "1200k",
				Bandwidth:    800000,
			},
			{
				Name:         "720p",
				Width:        1280,
				Height:       720,
				VideoBitrate: "2800k",
				MaxRate:      "2996k",
				BufSize:      "4200k",
				Bandwidth:    2800000,
			},
		},
		Thumbnail: ThumbnailOptions{
			Offset:  "00:00:02.000",
			Width:   640,
			Quality: 85,
		},
	}
}
