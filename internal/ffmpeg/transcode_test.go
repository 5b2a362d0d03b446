package ffmpeg

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SanitizeFfmpegError_ExtractsEmbeddedMessage(t *testing.T) {
	t.Parallel()

	raw := errors.New(`ffmpeg version 6.0, built with gcc
configuration: --enable-gpl --enable-libx264
message: {"error": {"code": -1094995529, "string": "Invalid data found when processing input"}}`)

	err := sanitizeFfmpegError(raw)

	var transcodeErr *TranscodeError
	require.ErrorAs(t, err, &transcodeErr)
	assert.Equal(t, "Invalid data found when processing input", transcodeErr.Diagnostic)
}

func Test_SanitizeFfmpegError_RedactsFilesystemPaths(t *testing.T) {
	t.Parallel()

	raw := errors.New("Error opening input file /tmp/rhea-downloads/8c2f/part-0-muxed.mp4: No such file or directory")

	err := sanitizeFfmpegError(raw)

	var transcodeErr *TranscodeError
	require.ErrorAs(t, err, &transcodeErr)
	assert.NotContains(t, transcodeErr.Diagnostic, "/tmp/rhea-downloads")
	assert.Contains(t, transcodeErr.Diagnostic, "<path>")
	assert.NotContains(t, err.Error(), "/tmp")
}

func Test_SanitizeFfmpegError_TruncatesToFinalLines(t *testing.T) {
	t.Parallel()

	raw := errors.New(`line one
line two
line three
line four
line five
line six
the actual failure`)

	err := sanitizeFfmpegError(raw)

	var transcodeErr *TranscodeError
	require.ErrorAs(t, err, &transcodeErr)
	assert.NotContains(t, transcodeErr.Diagnostic, "line one")
	assert.NotContains(t, transcodeErr.Diagnostic, "line two")
	assert.Contains(t, transcodeErr.Diagnostic, "the actual failure")
}
