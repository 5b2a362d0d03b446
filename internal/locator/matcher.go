package locator

import (
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hbomb79/Rhea/internal/browser"
)

type (
	// Matcher is the tagged strategy that decides, for one target site, which
	// of the observed network exchanges carry the genuine media resource, and
	// whether the page we landed on is a login wall. New site integrations
	// implement this interface; nothing else in the pipeline changes.
	Matcher interface {
		Name() string

		// MatchesHost reports whether this matcher serves pages on the host provided.
		MatchesHost(host string) bool

		// SelectStreams picks the media part(s) from the exchanges observed,
		// preferring the highest quality consistent with the hint provided
		// ("best", "audio", or a vertical resolution such as "720p").
		SelectStreams(exchanges []browser.NetworkExchange, hint string) []CandidateStream

		// IsAuthWall inspects the settled page URL and observed exchanges for
		// the site's login-redirect signal.
		IsAuthWall(finalURL string, exchanges []browser.NetworkExchange) bool
	}

	// Registry resolves the matcher for a host, falling back to the generic
	// heuristic matcher for sites without a dedicated strategy.
	Registry struct {
		matchers []Matcher
		fallback Matcher
	}
)

func NewRegistry(matchers ...Matcher) *Registry {
	return &Registry{matchers: matchers, fallback: NewGenericMatcher(GenericMatcherConfig{})}
}

// WithFallback replaces the default generic fallback, so the service-wide
// content length floor also applies to sites without a dedicated integration.
func (registry *Registry) WithFallback(fallback Matcher) *Registry {
	registry.fallback = fallback
	return registry
}

func (registry *Registry) MatcherFor(host string) Matcher {
	for _, m := range registry.matchers {
		if m.MatchesHost(host) {
			return m
		}
	}

	return registry.fallback
}

// mediaContentTypes are response MIME types considered direct media.
var mediaContentTypes = map[string]StreamKind{
	"video/mp4":                     KindVideo,
	"video/webm":                    KindVideo,
	"video/x-matroska":              KindVideo,
	"video/mp2t":                    KindVideo,
	"audio/mp4":                     KindAudio,
	"audio/mpeg":                    KindAudio,
	"audio/webm":                    KindAudio,
	"audio/aac":                     KindAudio,
	"application/vnd.apple.mpegurl": KindMuxed,
	"application/x-mpegurl":         KindMuxed,
	"application/dash+xml":          KindMuxed,
}

// mediaExtensions classify by URL path when the server lies about (or omits)
// the content type.
var mediaExtensions = map[string]StreamKind{
	".mp4":  KindVideo,
	".webm": KindVideo,
	".mkv":  KindVideo,
	".ts":   KindVideo,
	".m4a":  KindAudio,
	".mp3":  KindAudio,
	".aac":  KindAudio,
	".m3u8": KindMuxed,
	".mpd":  KindMuxed,
}

var qualityPattern = regexp.MustCompile(`(?:^|[^0-9])([0-9]{3,4})[pP](?:[^0-9a-zA-Z]|$)`)

type (
	GenericMatcherConfig struct {
		// MinContentLength filters out thumbnails, previews and beacon
		// payloads that share a media content type with the real resource.
		// Playlist/manifest responses are exempt.
		MinContentLength int64
	}

	// genericMatcher is the fallback strategy: classify exchanges by content
	// type and URL pattern, discard anything below the size threshold, and
	// rank the remainder by derivable quality.
	genericMatcher struct {
		config GenericMatcherConfig
	}
)

const defaultMinContentLength = 256 * 1024

func NewGenericMatcher(config GenericMatcherConfig) Matcher {
	if config.MinContentLength == 0 {
		config.MinContentLength = defaultMinContentLength
	}

	return &genericMatcher{config: config}
}

func (m *genericMatcher) Name() string { return "generic" }

func (m *genericMatcher) MatchesHost(string) bool { return true }

func (m *genericMatcher) SelectStreams(exchanges []browser.NetworkExchange, hint string) []CandidateStream {
	candidates := make([]CandidateStream, 0)
	seen := make(map[string]bool)

	for _, exchange := range exchanges {
		if exchange.StatusCode != 200 && exchange.StatusCode != 206 {
			continue
		}

		kind, ok := classifyExchange(exchange)
		if !ok || seen[exchange.URL] {
			continue
		}

		// Manifests are tiny; everything else must clear the size floor to be
		// considered the genuine resource rather than a preview blob.
		if kind != KindMuxed && exchange.ContentLength > 0 && exchange.ContentLength < m.config.MinContentLength {
			continue
		}

		seen[exchange.URL] = true
		candidates = append(candidates, CandidateStream{
			URL:     exchange.URL,
			Kind:    kind,
			Quality: qualityOf(exchange.URL),
		})
	}

	return selectByHint(candidates, hint)
}

func (m *genericMatcher) IsAuthWall(finalURL string, _ []browser.NetworkExchange) bool {
	lowered := strings.ToLower(finalURL)
	for _, marker := range []string{"/login", "/signin", "/sign-in", "/accounts/login", "/auth/"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}

	return false
}

type (
	// SiteMatcherConfig describes one target-site integration declaratively:
	// which hosts it serves, the URL pattern its media resources follow, and
	// the signal that identifies its login wall. This is how the single
	// target-site model stays generalizable without touching the coordinator.
	SiteMatcherConfig struct {
		Name             string `yaml:"name" env-required:"true"`
		HostSuffix       string `yaml:"host_suffix" env-required:"true"`
		MediaURLPattern  string `yaml:"media_url_pattern"`
		LoginURLPattern  string `yaml:"login_url_pattern"`
		MinContentLength int64  `yaml:"min_content_length"`
	}

	siteMatcher struct {
		config       SiteMatcherConfig
		mediaPattern *regexp.Regexp
		loginPattern *regexp.Regexp
		generic      Matcher
	}
)

// NewSiteMatcher compiles a declarative site integration in to a Matcher. An
// error is returned if either configured pattern fails to compile.
func NewSiteMatcher(config SiteMatcherConfig) (Matcher, error) {
	matcher := &siteMatcher{
		config:  config,
		generic: NewGenericMatcher(GenericMatcherConfig{MinContentLength: config.MinContentLength}),
	}

	if config.MediaURLPattern != "" {
		pattern, err := regexp.Compile(config.MediaURLPattern)
		if err != nil {
			return nil, err
		}
		matcher.mediaPattern = pattern
	}

	if config.LoginURLPattern != "" {
		pattern, err := regexp.Compile(config.LoginURLPattern)
		if err != nil {
			return nil, err
		}
		matcher.loginPattern = pattern
	}

	return matcher, nil
}

func (m *siteMatcher) Name() string { return m.config.Name }

func (m *siteMatcher) MatchesHost(host string) bool {
	host = strings.ToLower(host)
	suffix := strings.ToLower(m.config.HostSuffix)
	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

func (m *siteMatcher) SelectStreams(exchanges []browser.NetworkExchange, hint string) []CandidateStream {
	if m.mediaPattern == nil {
		return m.generic.SelectStreams(exchanges, hint)
	}

	// The site pattern narrows the field; the generic heuristics then rank
	// and classify whatever survives.
	narrowed := make([]browser.NetworkExchange, 0, len(exchanges))
	for _, exchange := range exchanges {
		if m.mediaPattern.MatchString(exchange.URL) {
			narrowed = append(narrowed, exchange)
		}
	}

	return m.generic.SelectStreams(narrowed, hint)
}

func (m *siteMatcher) IsAuthWall(finalURL string, exchanges []browser.NetworkExchange) bool {
	if m.loginPattern != nil {
		if m.loginPattern.MatchString(finalURL) {
			return true
		}

		for _, exchange := range exchanges {
			if exchange.StatusCode >= 300 && exchange.StatusCode < 400 && m.loginPattern.MatchString(exchange.URL) {
				return true
			}
		}

		return false
	}

	return m.generic.IsAuthWall(finalURL, exchanges)
}

func classifyExchange(exchange browser.NetworkExchange) (StreamKind, bool) {
	contentType := strings.ToLower(exchange.ContentType)
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = strings.TrimSpace(contentType[:idx])
	}

	if kind, ok := mediaContentTypes[contentType]; ok {
		return kind, true
	}

	if parsed, err := url.Parse(exchange.URL); err == nil {
		if kind, ok := mediaExtensions[strings.ToLower(path.Ext(parsed.Path))]; ok {
			return kind, true
		}
	}

	return "", false
}

// qualityOf derives a vertical resolution from markers in the URL (e.g.
// ".../720p/segment.ts" or "...?quality=1080p"). Zero when underivable.
func qualityOf(rawURL string) int {
	groups := qualityPattern.FindStringSubmatch(rawURL)
	if groups == nil {
		return 0
	}

	quality, err := strconv.Atoi(groups[1])
	if err != nil {
		return 0
	}

	return quality
}

// selectByHint reduces ranked candidates to the part(s) a single extraction
// should download: the best muxed/video stream for the hint, plus the best
// separate audio stream when the video part has no audio of its own.
func selectByHint(candidates []CandidateStream, hint string) []CandidateStream {
	if len(candidates) == 0 {
		return nil
	}

	videos := make([]CandidateStream, 0)
	audios := make([]CandidateStream, 0)
	for _, c := range candidates {
		switch c.Kind {
		case KindAudio:
			audios = append(audios, c)
		default:
			videos = append(videos, c)
		}
	}

	sortByQuality(videos)
	sortByQuality(audios)

	if strings.EqualFold(hint, "audio") {
		if len(audios) > 0 {
			return audios[:1]
		}

		// No discrete audio stream; the muxed stream is the only source.
		if len(videos) > 0 {
			return videos[:1]
		}

		return nil
	}

	if target := parseQualityHint(hint); target > 0 {
		videos = preferQuality(videos, target)
	}

	selected := make([]CandidateStream, 0, 2)
	if len(videos) > 0 {
		selected = append(selected, videos[0])
		if videos[0].Kind == KindVideo && len(audios) > 0 {
			selected = append(selected, audios[0])
		}

		return selected
	}

	return audios[:1]
}

func sortByQuality(streams []CandidateStream) {
	sort.SliceStable(streams, func(i, j int) bool {
		return streams[i].Quality > streams[j].Quality
	})
}

// preferQuality moves the candidate closest to the requested resolution
// (without exceeding it, where possible) to the front.
func preferQuality(streams []CandidateStream, target int) []CandidateStream {
	if len(streams) < 2 {
		return streams
	}

	best := 0
	for i, s := range streams {
		if s.Quality <= target && (streams[best].Quality > target || s.Quality > streams[best].Quality) {
			best = i
		}
	}

	reordered := append([]CandidateStream{streams[best]}, append(append([]CandidateStream(nil), streams[:best]...), streams[best+1:]...)...)
	return reordered
}

func parseQualityHint(hint string) int {
	hint = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hint)), "p")
	quality, err := strconv.Atoi(hint)
	if err != nil {
		return 0
	}

	return quality
}
