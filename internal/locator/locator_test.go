package locator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/cookie"
	"github.com/hbomb79/Rhea/internal/locator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCookieSource struct{ cookies []cookie.SessionCookie }

func (s *staticCookieSource) CookiesFor(string) []cookie.SessionCookie { return s.cookies }

// fakeSession mimics the real session's shape: it reports its exchanges to the
// observer and then holds the page open until the observation window closes.
type fakeSession struct {
	finalURL  string
	exchanges []browser.NetworkExchange
	visitErr  error
}

func (s *fakeSession) ID() uuid.UUID { return uuid.Nil }

func (s *fakeSession) Visit(ctx context.Context, url string, _ []cookie.SessionCookie, observe browser.NetworkObserver) (*browser.VisitResult, error) {
	if s.visitErr != nil {
		return nil, s.visitErr
	}

	for _, exchange := range s.exchanges {
		observe(exchange)
	}

	<-ctx.Done()

	finalURL := s.finalURL
	if finalURL == "" {
		finalURL = url
	}

	return &browser.VisitResult{FinalURL: finalURL}, nil
}

func (s *fakeSession) Reset() error  { return nil }
func (s *fakeSession) Healthy() bool { return true }
func (s *fakeSession) Close() error  { return nil }

func testLocator(cookies []cookie.SessionCookie) *locator.Locator {
	config := locator.Config{
		WindowSeconds:    1,
		SettleSeconds:    0,
		MinContentLength: 1024,
		StreamTTLSeconds: 300,
	}

	return locator.New(config, locator.NewRegistry(), &staticCookieSource{cookies: cookies})
}

func Test_Locate_ReturnsStreamWithOriginHeaders(t *testing.T) {
	t.Parallel()

	session := &fakeSession{exchanges: []browser.NetworkExchange{
		{URL: "https://example.com/watch/123", ContentType: "text/html", ContentLength: 40_000, StatusCode: 200},
		{URL: "https://cdn.example.com/media/720p/video.mp4", ContentType: "video/mp4", ContentLength: 50_000_000, StatusCode: 200},
	}}

	cookies := []cookie.SessionCookie{
		{Domain: ".example.com", Name: "session", Value: "abc", Expires: time.Now().Add(time.Hour)},
		{Domain: ".example.com", Name: "csrf", Value: "xyz", Expires: time.Now().Add(time.Hour)},
	}

	stream, err := testLocator(cookies).Locate(context.Background(), session, "https://example.com/watch/123", "best")
	require.NoError(t, err)
	require.Len(t, stream.Parts, 1)

	assert.Equal(t, "https://cdn.example.com/media/720p/video.mp4", stream.Parts[0].URL)
	assert.Equal(t, 720, stream.Parts[0].Quality)
	assert.True(t, stream.ExpiresAt.After(time.Now()), "located stream must carry its expiry")

	assert.Equal(t, "https://example.com/watch/123", stream.Headers["Referer"])
	assert.Equal(t, "https://example.com", stream.Headers["Origin"])
	assert.NotEmpty(t, stream.Headers["User-Agent"])
	assert.Equal(t, "session=abc; csrf=xyz", stream.Headers["Cookie"])
}

func Test_Locate_NoCookiesOmitsCookieHeader(t *testing.T) {
	t.Parallel()

	session := &fakeSession{exchanges: []browser.NetworkExchange{
		{URL: "https://cdn.example.com/media/video.mp4", ContentType: "video/mp4", ContentLength: 50_000_000, StatusCode: 200},
	}}

	stream, err := testLocator(nil).Locate(context.Background(), session, "https://example.com/watch/123", "best")
	require.NoError(t, err)
	assert.NotContains(t, stream.Headers, "Cookie")
}

func Test_Locate_AuthWall(t *testing.T) {
	t.Parallel()

	session := &fakeSession{
		finalURL: "https://example.com/login?next=%2Fwatch%2F123",
		exchanges: []browser.NetworkExchange{
			{URL: "https://example.com/login", ContentType: "text/html", ContentLength: 20_000, StatusCode: 200},
		},
	}

	_, err := testLocator(nil).Locate(context.Background(), session, "https://example.com/watch/123", "best")

	var authErr *locator.AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "example.com", authErr.Domain)
}

func Test_Locate_NoStreamObserved(t *testing.T) {
	t.Parallel()

	session := &fakeSession{exchanges: []browser.NetworkExchange{
		{URL: "https://example.com/watch/123", ContentType: "text/html", ContentLength: 40_000, StatusCode: 200},
	}}

	_, err := testLocator(nil).Locate(context.Background(), session, "https://example.com/watch/123", "best")

	var notFoundErr *locator.StreamNotFoundError
	require.ErrorAs(t, err, &notFoundErr)
	assert.Equal(t, "https://example.com/watch/123", notFoundErr.URL)
}

func Test_Locate_NavigationFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	session := &fakeSession{visitErr: cause}

	_, err := testLocator(nil).Locate(context.Background(), session, "https://no-such-host.example/watch", "best")

	var navErr *locator.NavigationError
	require.ErrorAs(t, err, &navErr)
	assert.ErrorIs(t, err, cause)
}

func Test_Locate_RejectsInvalidTarget(t *testing.T) {
	t.Parallel()

	var navErr *locator.NavigationError

	_, err := testLocator(nil).Locate(context.Background(), &fakeSession{}, "ftp://example.com/watch", "best")
	assert.ErrorAs(t, err, &navErr)

	_, err = testLocator(nil).Locate(context.Background(), &fakeSession{}, "://broken", "best")
	assert.ErrorAs(t, err, &navErr)
}

func Test_Locate_CallerCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	session := &fakeSession{exchanges: []browser.NetworkExchange{
		{URL: "https://cdn.example.com/media/video.mp4", ContentType: "video/mp4", ContentLength: 50_000_000, StatusCode: 200},
	}}

	_, err := testLocator(nil).Locate(ctx, session, "https://example.com/watch/123", "best")
	assert.ErrorIs(t, err, context.Canceled)
}
