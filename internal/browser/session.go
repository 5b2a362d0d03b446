package browser

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/hbomb79/Rhea/internal/cookie"
	"github.com/hbomb79/Rhea/pkg/logger"
)

var log = logger.Get("Browser")

type (
	// NetworkExchange is one response observed on the wire while a page is
	// being driven. Only metadata is captured; response bodies are never
	// buffered by the session.
	NetworkExchange struct {
		URL           string
		ContentType   string
		ContentLength int64
		StatusCode    int
	}

	// NetworkObserver is invoked for every exchange observed during a Visit.
	// Observers must return quickly as they're called from the event loop of
	// the underlying page.
	NetworkObserver func(NetworkExchange)

	// VisitResult carries the page state captured once initial navigation
	// settled (before the observation window elapsed).
	VisitResult struct {
		FinalURL string
	}

	// Session is an exclusively-leased handle to one headless browser
	// process. It is handed out by the Pool for the duration of a single
	// extraction and must never be shared across concurrent extractions.
	//
	// Modelled as a capability interface (visit/reset/health-check) so the
	// pool and the extraction coordinator can be exercised against fakes.
	Session interface {
		ID() uuid.UUID

		// Visit injects the cookies provided, navigates to the URL and then
		// reports network exchanges to the observer until the context is
		// cancelled. The context therefore bounds the observation window.
		Visit(ctx context.Context, url string, cookies []cookie.SessionCookie, observe NetworkObserver) (*VisitResult, error)

		// Reset clears all per-lease state (injected cookies, open pages) so
		// nothing leaks in to the next lease.
		Reset() error

		// Healthy reports whether the underlying browser process is still
		// responsive to protocol commands.
		Healthy() bool

		Close() error
	}
)

// Config governs the browser runtime for each pool slot.
type Config struct {
	PoolSize              int    `yaml:"pool_size" env:"BROWSER_POOL_SIZE" env-default:"2"`
	AcquireTimeoutSeconds int    `yaml:"acquire_timeout_seconds" env:"BROWSER_ACQUIRE_TIMEOUT" env-default:"30"`
	BinaryPath            string `yaml:"binary_path" env:"BROWSER_BINARY_PATH"`
	StateDir              string `yaml:"state_dir" env:"BROWSER_STATE_DIR" env-default:"/tmp/rhea-browser"`
	PageLoadSeconds       int    `yaml:"page_load_seconds" env:"BROWSER_PAGE_LOAD_TIMEOUT" env-default:"20"`
}

func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.AcquireTimeoutSeconds) * time.Second
}

func (c Config) PageLoadTimeout() time.Duration {
	return time.Duration(c.PageLoadSeconds) * time.Second
}

// rodSession drives one headless Chromium process via the go-rod automation
// protocol bindings. Each session owns its own browser process and profile
// directory, which is what allows the pool to replace a wedged session by
// simply killing and relaunching it.
type rodSession struct {
	id       uuid.UUID
	config   Config
	launcher *launcher.Launcher
	browser  *rod.Browser
}

// NewSession launches a fresh headless browser process and connects to it.
func NewSession(config Config) (Session, error) {
	id := uuid.New()

	l := launcher.New().
		Leakless(false).
		Headless(true).
		Set("disable-gpu").
		Set("no-sandbox").
		UserDataDir(filepath.Join(config.StateDir, id.String()))

	if config.BinaryPath != "" {
		l = l.Bin(config.BinaryPath)
	} else if path, found := launcher.LookPath(); found {
		l = l.Bin(path)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser process: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser control socket: %w", err)
	}

	log.Emit(logger.NEW, "Launched browser session %s\n", id)
	return &rodSession{id: id, config: config, launcher: l, browser: browser}, nil
}

func (session *rodSession) ID() uuid.UUID { return session.id }

func (session *rodSession) Visit(ctx context.Context, url string, cookies []cookie.SessionCookie, observe NetworkObserver) (*VisitResult, error) {
	if err := session.injectCookies(cookies); err != nil {
		return nil, fmt.Errorf("failed to inject session cookies: %w", err)
	}

	page, err := stealth.Page(session.browser)
	if err != nil {
		return nil, fmt.Errorf("failed to open stealth page: %w", err)
	}
	defer page.Close()

	page = page.Context(ctx)

	// Subscribe to network responses before navigating so the document
	// response itself is observed too.
	waitEvents := page.EachEvent(func(e *proto.NetworkResponseReceived) {
		observe(NetworkExchange{
			URL:           e.Response.URL,
			ContentType:   e.Response.MIMEType,
			ContentLength: contentLengthOf(e.Response),
			StatusCode:    e.Response.Status,
		})
	})
	go waitEvents()

	if err := page.Navigate(url); err != nil {
		return nil, err
	}

	if err := page.Timeout(session.config.PageLoadTimeout()).WaitLoad(); err != nil {
		// A slow page is not fatal; media requests are frequently observable
		// before (or without) the load event firing.
		log.Emit(logger.DEBUG, "Session %s: page load wait for %s gave up: %v\n", session.id, url, err)
	}

	result := &VisitResult{FinalURL: url}
	if info, err := page.Info(); err == nil {
		result.FinalURL = info.URL
	}

	// Keep the page (and its event subscription) alive until the caller's
	// observation window elapses.
	<-ctx.Done()

	return result, nil
}

func (session *rodSession) injectCookies(cookies []cookie.SessionCookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Secure: c.Secure,
		}
		if !c.Expires.IsZero() {
			param.Expires = proto.TimeSinceEpoch(c.Expires.Unix())
		}

		params = append(params, param)
	}

	return session.browser.SetCookies(params)
}

// Reset clears cookies and any stray pages left behind by the previous lease.
func (session *rodSession) Reset() error {
	if err := session.browser.SetCookies(nil); err != nil {
		return fmt.Errorf("failed to clear browser cookies: %w", err)
	}

	pages, err := session.browser.Pages()
	if err != nil {
		return fmt.Errorf("failed to enumerate open pages: %w", err)
	}

	for _, page := range pages {
		if err := page.Close(); err != nil {
			log.Emit(logger.WARNING, "Session %s: failed to close leftover page: %v\n", session.id, err)
		}
	}

	return nil
}

func (session *rodSession) Healthy() bool {
	probe := session.browser.Timeout(5 * time.Second)
	_, err := proto.BrowserGetVersion{}.Call(probe)
	return err == nil
}

func (session *rodSession) Close() error {
	err := session.browser.Close()
	session.launcher.Kill()
	session.launcher.Cleanup()

	log.Emit(logger.STOP, "Closed browser session %s\n", session.id)
	return err
}

func contentLengthOf(response *proto.NetworkResponse) int64 {
	if response.Headers == nil {
		return 0
	}

	for _, key := range []string{"Content-Length", "content-length"} {
		if v, ok := response.Headers[key]; ok {
			if length, err := strconv.ParseInt(v.Str(), 10, 64); err == nil {
				return length
			}
		}
	}

	return 0
}
