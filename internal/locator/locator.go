package locator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hbomb79/Rhea/internal/browser"
	"github.com/hbomb79/Rhea/internal/cookie"
	"github.com/hbomb79/Rhea/pkg/logger"
)

var log = logger.Get("StreamLoc")

// defaultUserAgent is presented alongside located stream URLs; media CDNs
// commonly reject requests whose agent differs from the browser that located
// the stream.
const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type (
	StreamKind string

	// CandidateStream is one resolved media URL. A located stream carries one
	// muxed part, or separate video and audio parts which are merged after
	// download.
	CandidateStream struct {
		URL     string
		Kind    StreamKind
		Quality int // vertical resolution where derivable, 0 otherwise
	}

	// LocatedStream is the product of a successful locate: resolved media
	// URL(s) and the request headers the origin requires. Sites sign and
	// expire their media URLs, so a located stream is only valid until
	// ExpiresAt and must never be reused across extractions.
	LocatedStream struct {
		Parts     []CandidateStream
		Headers   map[string]string
		ExpiresAt time.Time
	}

	// AuthRequiredError indicates the target site rejected (or never saw) our
	// session cookies and demanded a login instead of serving media.
	AuthRequiredError struct {
		Domain string
	}

	// StreamNotFoundError indicates the observation window elapsed without a
	// single network exchange matching the site's media heuristics.
	StreamNotFoundError struct {
		URL    string
		Window time.Duration
	}

	// NavigationError indicates a transport-level navigation failure (DNS,
	// TLS, connection refused, unreachable page).
	NavigationError struct {
		URL   string
		cause error
	}

	// cookieSource supplies the current session cookie set for a host. Values
	// are injected in to the browser and never logged.
	cookieSource interface {
		CookiesFor(host string) []cookie.SessionCookie
	}

	Config struct {
		WindowSeconds    int   `yaml:"window_seconds" env:"LOCATOR_WINDOW_SECONDS" env-default:"15"`
		SettleSeconds    int   `yaml:"settle_seconds" env:"LOCATOR_SETTLE_SECONDS" env-default:"3"`
		MinContentLength int64 `yaml:"min_content_length" env:"LOCATOR_MIN_CONTENT_LENGTH" env-default:"262144"`
		StreamTTLSeconds int   `yaml:"stream_ttl_seconds" env:"LOCATOR_STREAM_TTL_SECONDS" env-default:"300"`
	}

	// Locator drives a leased browser session to a target page and watches
	// the network traffic it generates, delegating the "which exchange is the
	// real media" decision to the matcher registered for the target site.
	Locator struct {
		config   Config
		registry *Registry
		cookies  cookieSource
	}
)

const (
	KindMuxed StreamKind = "muxed"
	KindVideo StreamKind = "video"
	KindAudio StreamKind = "audio"
)

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("authentication required by %s; session cookies are absent or expired", e.Domain)
}

func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("no media stream observed for %s within %s", e.URL, e.Window)
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.cause)
}

func (e *NavigationError) Unwrap() error { return e.cause }

func New(config Config, registry *Registry, cookies cookieSource) *Locator {
	return &Locator{config: config, registry: registry, cookies: cookies}
}

func (l *Locator) window() time.Duration { return time.Duration(l.config.WindowSeconds) * time.Second }
func (l *Locator) settle() time.Duration { return time.Duration(l.config.SettleSeconds) * time.Second }

// Locate navigates the session provided to the target URL and observes the
// network exchanges the page performs for a bounded window, returning the
// media stream selected by the site's matcher.
//
// Failure modes are deliberately distinct: AuthRequiredError when the site
// demanded a login, StreamNotFoundError when the window elapsed with no
// matching exchange (retried upstream with fresh navigation), and
// NavigationError for transport-level failures.
func (l *Locator) Locate(ctx context.Context, session browser.Session, targetURL string, hint string) (*LocatedStream, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, &NavigationError{URL: targetURL, cause: errors.New("target is not a valid http(s) URL")}
	}

	matcher := l.registry.MatcherFor(parsed.Host)
	cookies := l.cookies.CookiesFor(parsed.Host)
	log.Emit(logger.DEBUG, "Locating stream for %s via matcher %s (%d cookies injected)\n", targetURL, matcher.Name(), len(cookies))

	visitCtx, cancelVisit := context.WithTimeout(ctx, l.window())
	defer cancelVisit()

	var (
		mu        sync.Mutex
		exchanges []browser.NetworkExchange
	)
	firstMatch := make(chan struct{}, 1)

	result, visitErr := session.Visit(visitCtx, targetURL, cookies, func(exchange browser.NetworkExchange) {
		mu.Lock()
		exchanges = append(exchanges, exchange)
		mu.Unlock()

		if len(matcher.SelectStreams([]browser.NetworkExchange{exchange}, hint)) > 0 {
			select {
			case firstMatch <- struct{}{}:
			default:
			}
		}
	})

	// Once a matching exchange appears, allow a short settle period for any
	// companion parts (e.g. a separate audio stream) before closing the window.
	go func() {
		select {
		case <-firstMatch:
			select {
			case <-time.After(l.settle()):
				cancelVisit()
			case <-visitCtx.Done():
			}
		case <-visitCtx.Done():
		}
	}()

	if visitErr != nil && ctx.Err() == nil && visitCtx.Err() == nil {
		return nil, &NavigationError{URL: targetURL, cause: visitErr}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	mu.Lock()
	observed := append([]browser.NetworkExchange(nil), exchanges...)
	mu.Unlock()

	finalURL := targetURL
	if result != nil && result.FinalURL != "" {
		finalURL = result.FinalURL
	}

	if matcher.IsAuthWall(finalURL, observed) {
		return nil, &AuthRequiredError{Domain: parsed.Host}
	}

	parts := matcher.SelectStreams(observed, hint)
	if len(parts) == 0 {
		return nil, &StreamNotFoundError{URL: targetURL, Window: l.window()}
	}

	log.Emit(logger.SUCCESS, "Located %d stream part(s) for %s (observed %d exchanges)\n", len(parts), targetURL, len(observed))
	return &LocatedStream{
		Parts:     parts,
		Headers:   l.streamHeaders(parsed, cookies),
		ExpiresAt: time.Now().Add(time.Duration(l.config.StreamTTLSeconds) * time.Second),
	}, nil
}

// streamHeaders assembles the request headers the origin expects downloads to
// carry: the referring page, a browser user agent, and the session cookies.
func (l *Locator) streamHeaders(page *url.URL, cookies []cookie.SessionCookie) map[string]string {
	headers := map[string]string{
		"Referer":    page.String(),
		"Origin":     fmt.Sprintf("%s://%s", page.Scheme, page.Host),
		"User-Agent": defaultUserAgent,
	}

	if len(cookies) > 0 {
		pairs := make([]string, 0, len(cookies))
		for _, c := range cookies {
			pairs = append(pairs, c.Name+"="+c.Value)
		}

		headers["Cookie"] = strings.Join(pairs, "; ")
	}

	return headers
}
