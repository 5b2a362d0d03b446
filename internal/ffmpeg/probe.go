package ffmpeg

import (
	"fmt"

	"github.com/floostack/transcoder/ffmpeg"
)

// SourceInfo summarizes the streams of a downloaded media file, as reported by
// ffprobe. It drives the remux-or-reencode decision.
type SourceInfo struct {
	Container  string
	VideoCodec string
	AudioCodec string
	Duration   string
}

// Probe inspects the file at the path provided using ffprobe.
func (t *Transcoder) Probe(path string) (*SourceInfo, error) {
	instance := ffmpeg.
		New(&ffmpeg.Config{
			FfmpegBinPath:  t.config.FfmpegBinPath,
			FfprobeBinPath: t.config.FfprobeBinPath,
		}).
		Input(path)

	metadata, err := instance.GetMetadata()
	if err != nil {
		return nil, fmt.Errorf("failed to extract media metadata using ffprobe: %w", err)
	}

	info := &SourceInfo{
		Container: metadata.GetFormat().GetFormatName(),
		Duration:  metadata.GetFormat().GetDuration(),
	}

	for _, stream := range metadata.GetStreams() {
		switch stream.GetCodecType() {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = stream.GetCodecName()
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec = stream.GetCodecName()
			}
		}
	}

	return info, nil
}
