package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/floostack/transcoder/ffmpeg"
	"github.com/hbomb79/Rhea/pkg/logger"
)

var log = logger.Get("FFmpeg")

type (
	Config struct {
		FfmpegBinPath  string `yaml:"ffmpeg_binary" env:"FORMAT_FFMPEG_BINARY_PATH" env-default:"/usr/bin/ffmpeg"`
		FfprobeBinPath string `yaml:"ffprobe_binary" env:"FORMAT_FFPROBE_BINARY_PATH" env-default:"/usr/bin/ffprobe"`
		OutputDir      string `yaml:"output_dir" env:"FORMAT_OUTPUT_DIR" env-default:"/tmp/rhea-output"`
	}

	Progress struct {
		FramesProcessed string
		CurrentTime     string
		CurrentBitrate  string
		Progress        float64
		Speed           string
	}

	ProgressFn func(Progress)

	// TranscodeError wraps an ffmpeg failure with a diagnostic already
	// stripped of local filesystem paths, safe to surface to API clients.
	TranscodeError struct {
		Diagnostic string
		cause      error
	}

	// Transcoder converts downloaded media in to the requested output format,
	// remuxing (stream copy) when the source codecs already satisfy the
	// target container and re-encoding only when they do not.
	Transcoder struct {
		config Config
	}
)

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("transcode failed: %s", e.Diagnostic)
}

func (e *TranscodeError) Unwrap() error { return e.cause }

func New(config Config) *Transcoder {
	return &Transcoder{config: config}
}

// Transcode converts the input file to the format provided, writing the result
// to outputPath. Progress updates from the underlying ffmpeg process are
// forwarded to the callback provided. Cancelling the context kills the process.
func (t *Transcoder) Transcode(ctx context.Context, inputPath string, outputPath string, format OutputFormat, source *SourceInfo, onProgress ProgressFn) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	options := format.TranscodeOptions()
	if source != nil && CanRemux(source, format) {
		log.Emit(logger.DEBUG, "Source codecs (%s/%s) satisfy %s container. Remuxing without re-encode\n", source.VideoCodec, source.AudioCodec, format)
		options = remuxOptions(format)
	}

	instance := ffmpeg.
		New(&ffmpeg.Config{
			ProgressEnabled: true,
			FfmpegBinPath:   t.config.FfmpegBinPath,
			FfprobeBinPath:  t.config.FfprobeBinPath,
		}).
		Input(inputPath).
		Output(outputPath).
		WithContext(&ctx)

	progressChannel, err := instance.Start(options)
	if err != nil {
		os.Remove(outputPath)
		return sanitizeFfmpegError(err)
	}

	for {
		prog, ok := <-progressChannel
		if !ok {
			if ctx.Err() != nil {
				os.Remove(outputPath)
				return ctx.Err()
			}

			return nil
		}

		if onProgress != nil {
			onProgress(Progress{
				FramesProcessed: prog.GetFramesProcessed(),
				CurrentTime:     prog.GetCurrentTime(),
				CurrentBitrate:  prog.GetCurrentBitrate(),
				Progress:        prog.GetProgress(),
				Speed:           prog.GetSpeed(),
			})
		}
	}
}

var ffmpegMessagePattern = regexp.MustCompile(`(?s)message: ({.*})`)

// sanitizeFfmpegError reduces ffmpeg's enormous failure output (build flags,
// full command line, library versions) to the embedded error message, and
// strips any filesystem paths so the result is safe to surface to clients.
func sanitizeFfmpegError(err error) error {
	diagnostic := err.Error()

	if groups := ffmpegMessagePattern.FindStringSubmatch(diagnostic); len(groups) > 1 {
		var out map[string]interface{}
		if jsonErr := json.Unmarshal([]byte(groups[1]), &out); jsonErr == nil {
			if exception, ok := out["error"].(map[string]interface{}); ok {
				if str, ok := exception["string"].(string); ok {
					diagnostic = str
				}
			}
		} else {
			diagnostic = groups[1]
		}
	}

	return &TranscodeError{Diagnostic: redactPaths(lastLines(diagnostic, 5)), cause: errors.New("ffmpeg process failed")}
}

var absolutePathPattern = regexp.MustCompile(`(/[\w.\-]+)+`)

func redactPaths(s string) string {
	return absolutePathPattern.ReplaceAllString(s, "<path>")
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}

	return strings.Join(lines, "\n")
}
