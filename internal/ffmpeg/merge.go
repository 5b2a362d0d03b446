package ffmpeg

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// Merge combines a separate video part and audio part in to a single container
// via stream copy. This runs before the transcode step for sites that serve
// video and audio as discrete streams.
//
// The arguments are built as an explicit slice; no shell is involved, so the
// (untrusted) media paths cannot be interpreted.
func (t *Transcoder) Merge(ctx context.Context, videoPath string, audioPath string, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create merge output directory: %w", err)
	}

	args := []string{
		"-y",
		"-i", videoPath,
		"-i", audioPath,
		"-c:v", "copy",
		"-c:a", "copy",
		"-map", "0:v:0",
		"-map", "1:a:0",
		outputPath,
	}

	cmd := exec.CommandContext(ctx, t.config.FfmpegBinPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(outputPath)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &TranscodeError{
			Diagnostic: redactPaths(lastLines(stderr.String(), 5)),
			cause:      fmt.Errorf("ffmpeg merge failed: %w", err),
		}
	}

	return nil
}
