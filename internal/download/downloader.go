package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/locator"
	"github.com/hbomb79/Rhea/pkg/logger"
)

var log = logger.Get("Downloader")

type (
	// IncompleteDownloadError indicates the origin closed the connection before
	// the advertised content length was received. The partial file is kept on
	// disk so a retry can resume from the existing offset.
	IncompleteDownloadError struct {
		URL      string
		Expected int64
		Actual   int64
	}

	// PartFile is one downloaded stream part, checksummed as it was written.
	PartFile struct {
		Path     string
		Kind     locator.StreamKind
		Size     int64
		Checksum string
	}

	// Artifact is the on-disk product of a completed download: every part of
	// the located stream, fully received and verified against the origin's
	// advertised length.
	Artifact struct {
		Dir       string
		Parts     []PartFile
		TotalSize int64
	}

	// Progress is emitted periodically while parts are streaming to disk.
	Progress struct {
		Part       int
		PartCount  int
		BytesDone  int64
		BytesTotal int64 // 0 when the origin does not advertise a length
	}

	ProgressFn func(Progress)

	Config struct {
		WorkDir               string `yaml:"work_dir" env:"DOWNLOAD_WORK_DIR" env-default:"/tmp/rhea-downloads"`
		RequestTimeoutMinutes int    `yaml:"request_timeout_minutes" env:"DOWNLOAD_REQUEST_TIMEOUT" env-default:"45"`
	}

	// Downloader streams located media parts to per-extraction working
	// directories. It performs no retry logic of its own; failure handling and
	// resumption policy belong to the extraction coordinator.
	Downloader struct {
		config Config
		client *http.Client
	}
)

func (e *IncompleteDownloadError) Error() string {
	return fmt.Sprintf("download of %s ended prematurely (%d of %d bytes received)", e.URL, e.Actual, e.Expected)
}

func New(config Config) *Downloader {
	return &Downloader{
		config: config,
		client: &http.Client{
			Timeout: time.Duration(config.RequestTimeoutMinutes) * time.Minute,
		},
	}
}

// Download fetches every part of the stream provided in to a working directory
// scoped to the extraction ID. Partial files from a previous attempt of the
// same extraction are resumed via a ranged request rather than restarted.
func (d *Downloader) Download(ctx context.Context, extractionID uuid.UUID, stream *locator.LocatedStream, onProgress ProgressFn) (*Artifact, error) {
	dir := filepath.Join(d.config.WorkDir, extractionID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download working directory: %w", err)
	}

	artifact := &Artifact{Dir: dir}
	for i, part := range stream.Parts {
		dest := filepath.Join(dir, partFilename(i, part))

		file, err := d.downloadPart(ctx, part, stream.Headers, dest, func(done, total int64) {
			if onProgress != nil {
				onProgress(Progress{Part: i + 1, PartCount: len(stream.Parts), BytesDone: done, BytesTotal: total})
			}
		})
		if err != nil {
			return nil, err
		}

		artifact.Parts = append(artifact.Parts, *file)
		artifact.TotalSize += file.Size
	}

	log.Emit(logger.SUCCESS, "Downloaded %d part(s) for extraction %s (%d bytes)\n", len(artifact.Parts), extractionID, artifact.TotalSize)
	return artifact, nil
}

// Cleanup removes the working directory of the extraction provided, including
// any partial files left behind by a failed attempt.
func (d *Downloader) Cleanup(extractionID uuid.UUID) {
	dir := filepath.Join(d.config.WorkDir, extractionID.String())
	if err := os.RemoveAll(dir); err != nil {
		log.Emit(logger.WARNING, "Failed to clean download working directory %s: %v\n", dir, err)
	}
}

func (d *Downloader) downloadPart(ctx context.Context, part locator.CandidateStream, headers map[string]string, dest string, onProgress func(done, total int64)) (*PartFile, error) {
	var resumeFrom int64
	if info, err := os.Stat(dest); err == nil && info.Size() > 0 {
		resumeFrom = info.Size()
		log.Emit(logger.DEBUG, "Resuming %s part from byte offset %d\n", part.Kind, resumeFrom)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, part.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to construct download request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}
	if resumeFrom > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", resumeFrom))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resumeFrom > 0 && resp.StatusCode == http.StatusPartialContent:
		// Origin honoured the range; append to the partial file.
	case resp.StatusCode == http.StatusOK:
		// Full body (or origin ignored the range); start the part over.
		resumeFrom = 0
	case resumeFrom > 0 && resp.StatusCode == http.StatusRequestedRangeNotSatisfiable:
		// A ranged request starting at EOF means this part already finished on
		// a prior attempt of the same extraction. Confirm against the length
		// the origin declares before trusting the file.
		if size, ok := parseUnsatisfiedRange(resp.Header.Get("Content-Range")); ok && size == resumeFrom {
			log.Emit(logger.DEBUG, "Skipping %s part; already complete on disk (%d bytes)\n", part.Kind, resumeFrom)
			return completedPart(part, dest, resumeFrom)
		}

		// The local file is longer than the origin's resource, so it cannot
		// be trusted. Discard it and fetch the part from scratch.
		if err := os.Remove(dest); err != nil {
			return nil, fmt.Errorf("failed to discard conflicting partial file: %w", err)
		}

		return d.downloadPart(ctx, part, headers, dest, onProgress)
	default:
		return nil, fmt.Errorf("origin refused download with status %d", resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resumeFrom > 0 {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	file, err := os.OpenFile(dest, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open destination file: %w", err)
	}
	defer file.Close()

	expected := resp.ContentLength
	if expected > 0 {
		expected += resumeFrom
	}

	written, err := copyWithProgress(ctx, file, resp.Body, resumeFrom, expected, onProgress)
	total := resumeFrom + written
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Keep the partial file so a coordinator-driven retry can resume.
		return nil, &IncompleteDownloadError{URL: part.URL, Expected: expected, Actual: total}
	}

	if expected > 0 && total != expected {
		return nil, &IncompleteDownloadError{URL: part.URL, Expected: expected, Actual: total}
	}

	return completedPart(part, dest, total)
}

// completedPart checksums a fully received part file and describes it.
func completedPart(part locator.CandidateStream, dest string, size int64) (*PartFile, error) {
	checksum, err := ChecksumFile(dest)
	if err != nil {
		return nil, fmt.Errorf("failed to checksum downloaded part: %w", err)
	}

	return &PartFile{Path: dest, Kind: part.Kind, Size: size, Checksum: checksum}, nil
}

// parseUnsatisfiedRange extracts the complete resource length from the
// "Content-Range: bytes */<size>" header of a 416 response.
func parseUnsatisfiedRange(contentRange string) (int64, bool) {
	rest, found := strings.CutPrefix(strings.TrimSpace(contentRange), "bytes */")
	if !found {
		return 0, false
	}

	size, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || size < 0 {
		return 0, false
	}

	return size, true
}

// copyWithProgress streams the body to the file, reporting progress roughly
// once per second. The hash covers only the bytes of this attempt; resumed
// parts are re-hashed from disk afterwards.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, offset int64, expected int64, onProgress func(done, total int64)) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	lastReport := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return written, writeErr
			}
			written += int64(n)

			if onProgress != nil && time.Since(lastReport) > time.Second {
				onProgress(offset+written, expected)
				lastReport = time.Now()
			}
		}

		if readErr == io.EOF {
			if onProgress != nil {
				onProgress(offset+written, expected)
			}

			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

// ChecksumFile computes the hex-encoded SHA-256 digest of the file provided.
func ChecksumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	var digest hash.Hash = sha256.New()
	if _, err := io.Copy(digest, file); err != nil {
		return "", err
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// partFilename derives a stable, filesystem-safe name for a stream part so a
// retried download of the same extraction finds its partial file again.
func partFilename(index int, part locator.CandidateStream) string {
	ext := ".bin"
	if parsed, err := url.Parse(part.URL); err == nil {
		if e := path.Ext(parsed.Path); e != "" && len(e) <= 8 {
			ext = e
		}
	}

	name := fmt.Sprintf("part-%d-%s%s", index, part.Kind, ext)
	return unsafeFilenameChars.ReplaceAllString(strings.ToLower(name), "_")
}
