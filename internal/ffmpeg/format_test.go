package ffmpeg_test

import (
	"testing"

	"github.com/hbomb79/Rhea/internal/ffmpeg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseOutputFormat(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"mp4", "MKV", " webm ", "mp3", "M4A"} {
		format, err := ffmpeg.ParseOutputFormat(raw)
		require.NoErrorf(t, err, "format %q should parse", raw)
		assert.NotEmpty(t, format.Extension())
	}

	for _, raw := range []string{"", "flac", "avi", "mp44"} {
		_, err := ffmpeg.ParseOutputFormat(raw)
		assert.Errorf(t, err, "format %q should be rejected", raw)
	}
}

func Test_OutputFormat_AudioOnly(t *testing.T) {
	t.Parallel()

	assert.True(t, ffmpeg.FormatMP3.AudioOnly())
	assert.True(t, ffmpeg.FormatM4A.AudioOnly())
	assert.False(t, ffmpeg.FormatMP4.AudioOnly())
	assert.False(t, ffmpeg.FormatMKV.AudioOnly())
	assert.False(t, ffmpeg.FormatWebM.AudioOnly())
}

func Test_CanRemux(t *testing.T) {
	t.Parallel()

	tests := []struct {
		summary  string
		source   ffmpeg.SourceInfo
		format   ffmpeg.OutputFormat
		expected bool
	}{
		{"h264/aac fits mp4", ffmpeg.SourceInfo{VideoCodec: "h264", AudioCodec: "aac"}, ffmpeg.FormatMP4, true},
		{"hevc fits mp4", ffmpeg.SourceInfo{VideoCodec: "hevc", AudioCodec: "aac"}, ffmpeg.FormatMP4, true},
		{"vp9/opus does not fit mp4", ffmpeg.SourceInfo{VideoCodec: "vp9", AudioCodec: "opus"}, ffmpeg.FormatMP4, false},
		{"vp9/opus fits webm", ffmpeg.SourceInfo{VideoCodec: "vp9", AudioCodec: "opus"}, ffmpeg.FormatWebM, true},
		{"h264 does not fit webm", ffmpeg.SourceInfo{VideoCodec: "h264", AudioCodec: "aac"}, ffmpeg.FormatWebM, false},
		{"mkv accepts anything", ffmpeg.SourceInfo{VideoCodec: "mystery", AudioCodec: "mystery"}, ffmpeg.FormatMKV, true},
		{"aac source can remux to m4a", ffmpeg.SourceInfo{VideoCodec: "h264", AudioCodec: "aac"}, ffmpeg.FormatM4A, true},
		{"opus source cannot remux to m4a", ffmpeg.SourceInfo{VideoCodec: "vp9", AudioCodec: "opus"}, ffmpeg.FormatM4A, false},
		{"mp3 source can remux to mp3", ffmpeg.SourceInfo{AudioCodec: "mp3"}, ffmpeg.FormatMP3, true},
		{"aac source cannot remux to mp3", ffmpeg.SourceInfo{AudioCodec: "aac"}, ffmpeg.FormatMP3, false},
		{"codec casing is ignored", ffmpeg.SourceInfo{VideoCodec: "H264", AudioCodec: "AAC"}, ffmpeg.FormatMP4, true},
	}

	for _, test := range tests {
		test := test
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			source := test.source
			assert.Equal(t, test.expected, ffmpeg.CanRemux(&source, test.format))
		})
	}
}
