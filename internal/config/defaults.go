package config

import (
	"os"
	"path/filepath"

	"clip-collector/internal/domain"
)

// DefaultSettings returns baseline local configuration for first launch.
func DefaultSettings() domain.Settings {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}

	return domain.Settings{
		ListenAddr:      ":9000",
		DataDir:         filepath.Join(homeDir, ".clip-collector"),
		FetcherPath:     "yt-dlp",
		FFmpegPath:      "ffmpeg",
		FFprobePath:     "ffprobe",
		TranscriberPath: "whisper-align",
		ClustererPath:   "face-cluster",
		Language:        "vi",
		GraceMinutes:    30,
		SweepMinutes:    10,
	}
}
