package extraction

import (
	"context"
	"errors"
	"fmt"

	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/cookie"
	"github.com/hbomb79/Rhea/internal/download"
	"github.com/hbomb79/Rhea/internal/ffmpeg"
	"github.com/hbomb79/Rhea/internal/locator"
)

// When a stage of the extraction pipeline fails, the error is classified in to
// a 'trouble'. The trouble kind is the single place retry policy and API
// status mapping hang off; stages themselves never decide whether a failure
// is retryable.
type TroubleKind int

const (
	POOL_EXHAUSTED TroubleKind = iota
	AUTHENTICATION_REQUIRED
	STREAM_NOT_FOUND
	NAVIGATION_FAILURE
	INCOMPLETE_DOWNLOAD
	TRANSCODE_FAILURE
	COOKIE_STORE_UNAVAILABLE
	CANCELLED
	GENERIC_FAILURE
)

func (kind TroubleKind) String() string {
	switch kind {
	case POOL_EXHAUSTED:
		return fmt.Sprintf("POOL_EXHAUSTED[%d]", kind)
	case AUTHENTICATION_REQUIRED:
		return fmt.Sprintf("AUTHENTICATION_REQUIRED[%d]", kind)
	case STREAM_NOT_FOUND:
		return fmt.Sprintf("STREAM_NOT_FOUND[%d]", kind)
	case NAVIGATION_FAILURE:
		return fmt.Sprintf("NAVIGATION_FAILURE[%d]", kind)
	case INCOMPLETE_DOWNLOAD:
		return fmt.Sprintf("INCOMPLETE_DOWNLOAD[%d]", kind)
	case TRANSCODE_FAILURE:
		return fmt.Sprintf("TRANSCODE_FAILURE[%d]", kind)
	case COOKIE_STORE_UNAVAILABLE:
		return fmt.Sprintf("COOKIE_STORE_UNAVAILABLE[%d]", kind)
	case CANCELLED:
		return fmt.Sprintf("CANCELLED[%d]", kind)
	case GENERIC_FAILURE:
		return fmt.Sprintf("GENERIC_FAILURE[%d]", kind)
	}

	return fmt.Sprintf("UNKNOWN[%d]", kind)
}

// Trouble wraps a pipeline failure with its classification and the stage it
// occurred in. The message is already sanitized by the originating stage and
// is safe to surface to API clients.
type Trouble struct {
	kind    TroubleKind
	stage   string
	message string
	cause   error
}

func (t *Trouble) Error() string {
	return fmt.Sprintf("extraction failed during %s: %s", t.stage, t.message)
}

func (t *Trouble) Unwrap() error     { return t.cause }
func (t *Trouble) Kind() TroubleKind { return t.kind }
func (t *Trouble) Stage() string     { return t.stage }
func (t *Trouble) Message() string   { return t.message }

// newTrouble classifies a stage error via the typed errors each stage
// exposes. Anything unrecognized becomes a GENERIC_FAILURE.
func newTrouble(stage string, err error) *Trouble {
	trouble := &Trouble{stage: stage, cause: err, message: err.Error()}

	var (
		authErr       *locator.AuthRequiredError
		notFoundErr   *locator.StreamNotFoundError
		navErr        *locator.NavigationError
		incompleteErr *download.IncompleteDownloadError
		transcodeErr  *ffmpeg.TranscodeError
	)

	switch {
	case errors.Is(err, browser.ErrPoolExhausted):
		trouble.kind = POOL_EXHAUSTED
	case errors.As(err, &authErr):
		trouble.kind = AUTHENTICATION_REQUIRED
	case errors.As(err, &notFoundErr):
		trouble.kind = STREAM_NOT_FOUND
	case errors.As(err, &navErr):
		trouble.kind = NAVIGATION_FAILURE
	case errors.As(err, &incompleteErr):
		trouble.kind = INCOMPLETE_DOWNLOAD
	case errors.As(err, &transcodeErr):
		trouble.kind = TRANSCODE_FAILURE
		trouble.message = transcodeErr.Diagnostic
	case errors.Is(err, cookie.ErrStoreUnavailable):
		trouble.kind = COOKIE_STORE_UNAVAILABLE
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		trouble.kind = CANCELLED
	default:
		trouble.kind = GENERIC_FAILURE
	}

	return trouble
}

// retryable reports whether the coordinator should retry the whole pipeline
// for this trouble. AUTHENTICATION_REQUIRED is handled separately (exactly one
// retry, after invalidating cookies), as is INCOMPLETE_DOWNLOAD (the download
// stage resumes rather than the pipeline restarting).
func (t *Trouble) retryable() bool {
	switch t.kind {
	case STREAM_NOT_FOUND, NAVIGATION_FAILURE:
		return true
	default:
		return false
	}
}
