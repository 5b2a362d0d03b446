package extraction

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/cookie"
	"github.com/hbomb79/Rhea/internal/download"
	"github.com/hbomb79/Rhea/internal/ffmpeg"
	"github.com/hbomb79/Rhea/internal/locator"
	"github.com/stretchr/testify/assert"
)

func Test_NewTrouble_ClassifiesStageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		summary      string
		err          error
		expectedKind TroubleKind
	}{
		{"pool exhaustion", browser.ErrPoolExhausted, POOL_EXHAUSTED},
		{"wrapped pool exhaustion", fmt.Errorf("acquire: %w", browser.ErrPoolExhausted), POOL_EXHAUSTED},
		{"auth wall", &locator.AuthRequiredError{Domain: "example.com"}, AUTHENTICATION_REQUIRED},
		{"no stream observed", &locator.StreamNotFoundError{URL: "https://example.com", Window: time.Second}, STREAM_NOT_FOUND},
		{"navigation failure", &locator.NavigationError{URL: "https://example.com"}, NAVIGATION_FAILURE},
		{"incomplete download", &download.IncompleteDownloadError{URL: "https://cdn.example.com/a.mp4", Expected: 100, Actual: 50}, INCOMPLETE_DOWNLOAD},
		{"cookie store missing", fmt.Errorf("load: %w", cookie.ErrStoreUnavailable), COOKIE_STORE_UNAVAILABLE},
		{"context cancelled", context.Canceled, CANCELLED},
		{"context deadline", context.DeadlineExceeded, CANCELLED},
		{"anything else", errors.New("disk full"), GENERIC_FAILURE},
	}

	for _, test := range tests {
		test := test
		t.Run(test.summary, func(t *testing.T) {
			t.Parallel()

			trouble := newTrouble("some stage", test.err)
			assert.Equal(t, test.expectedKind, trouble.Kind())
			assert.Equal(t, "some stage", trouble.Stage())
			assert.ErrorIs(t, trouble, test.err)
		})
	}
}

func Test_NewTrouble_TranscodeFailureUsesSanitizedDiagnostic(t *testing.T) {
	t.Parallel()

	cause := &ffmpeg.TranscodeError{Diagnostic: "Invalid data found when processing input"}
	trouble := newTrouble("transcode", cause)

	assert.Equal(t, TRANSCODE_FAILURE, trouble.Kind())
	assert.Equal(t, "Invalid data found when processing input", trouble.Message())
	assert.NotContains(t, trouble.Error(), "/tmp/rhea-downloads")
}

func Test_Trouble_RetryPolicyByKind(t *testing.T) {
	t.Parallel()

	retryable := map[TroubleKind]bool{
		STREAM_NOT_FOUND:         true,
		NAVIGATION_FAILURE:       true,
		POOL_EXHAUSTED:           false,
		AUTHENTICATION_REQUIRED:  false,
		INCOMPLETE_DOWNLOAD:      false,
		TRANSCODE_FAILURE:        false,
		COOKIE_STORE_UNAVAILABLE: false,
		CANCELLED:                false,
		GENERIC_FAILURE:          false,
	}

	for kind, expected := range retryable {
		trouble := &Trouble{kind: kind}
		assert.Equalf(t, expected, trouble.retryable(), "kind %s", kind)
	}
}
