package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/floostack/transcoder"
	"github.com/floostack/transcoder/ffmpeg"
)

// OutputFormat is a requested output container/encoding. The supported set is
// deliberately small; each format carries the codecs it accepts via stream
// copy and the encoder settings used when a re-encode is unavoidable.
type OutputFormat string

const (
	FormatMP4  OutputFormat = "mp4"
	FormatMKV  OutputFormat = "mkv"
	FormatWebM OutputFormat = "webm"
	FormatMP3  OutputFormat = "mp3"
	FormatM4A  OutputFormat = "m4a"
)

// ParseOutputFormat validates a client-supplied format string.
func ParseOutputFormat(raw string) (OutputFormat, error) {
	format := OutputFormat(strings.ToLower(strings.TrimSpace(raw)))
	switch format {
	case FormatMP4, FormatMKV, FormatWebM, FormatMP3, FormatM4A:
		return format, nil
	default:
		return "", fmt.Errorf("unsupported output format %q", raw)
	}
}

func (format OutputFormat) String() string { return string(format) }

func (format OutputFormat) Extension() string { return "." + string(format) }

// AudioOnly reports whether the format discards any video stream.
func (format OutputFormat) AudioOnly() bool {
	return format == FormatMP3 || format == FormatM4A
}

// compatibleCodecs maps each container to the codecs it can carry without a
// re-encode. Matroska accepts effectively anything.
var compatibleCodecs = map[OutputFormat]map[string]bool{
	FormatMP4:  {"h264": true, "hevc": true, "av1": true, "aac": true, "mp3": true, "": true},
	FormatWebM: {"vp8": true, "vp9": true, "av1": true, "opus": true, "vorbis": true, "": true},
	FormatM4A:  {"aac": true, "alac": true},
	FormatMP3:  {"mp3": true},
}

// CanRemux reports whether the source's streams can be copied straight in to
// the target container, skipping the (far more expensive) re-encode.
func CanRemux(source *SourceInfo, format OutputFormat) bool {
	if format == FormatMKV {
		return true
	}

	allowed, ok := compatibleCodecs[format]
	if !ok {
		return false
	}

	if format.AudioOnly() {
		return allowed[strings.ToLower(source.AudioCodec)]
	}

	return allowed[strings.ToLower(source.VideoCodec)] && allowed[strings.ToLower(source.AudioCodec)]
}

// TranscodeOptions builds the encoder settings for a full re-encode in to this
// format.
func (format OutputFormat) TranscodeOptions() transcoder.Options {
	overwrite := true
	options := ffmpeg.Options{Overwrite: &overwrite}

	switch format {
	case FormatMP4:
		options.OutputFormat = strPtr("mp4")
		options.VideoCodec = strPtr("libx264")
		options.AudioCodec = strPtr("aac")
		options.MovFlags = strPtr("faststart")
	case FormatMKV:
		options.OutputFormat = strPtr("matroska")
		options.VideoCodec = strPtr("libx264")
		options.AudioCodec = strPtr("aac")
	case FormatWebM:
		options.OutputFormat = strPtr("webm")
		options.VideoCodec = strPtr("libvpx-vp9")
		options.AudioCodec = strPtr("libopus")
	case FormatMP3:
		options.OutputFormat = strPtr("mp3")
		options.AudioCodec = strPtr("libmp3lame")
		options.SkipVideo = boolPtr(true)
	case FormatM4A:
		options.OutputFormat = strPtr("ipod")
		options.AudioCodec = strPtr("aac")
		options.SkipVideo = boolPtr(true)
	}

	return options
}

// remuxOptions builds stream-copy settings for this format.
func remuxOptions(format OutputFormat) transcoder.Options {
	overwrite := true
	copyCodec := "copy"
	options := ffmpeg.Options{Overwrite: &overwrite, AudioCodec: &copyCodec}

	if format.AudioOnly() {
		options.SkipVideo = boolPtr(true)
	} else {
		options.VideoCodec = &copyCodec
	}

	switch format {
	case FormatMP4:
		options.OutputFormat = strPtr("mp4")
		options.MovFlags = strPtr("faststart")
	case FormatMKV:
		options.OutputFormat = strPtr("matroska")
	case FormatWebM:
		options.OutputFormat = strPtr("webm")
	case FormatMP3:
		options.OutputFormat = strPtr("mp3")
	case FormatM4A:
		options.OutputFormat = strPtr("ipod")
	}

	return options
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
