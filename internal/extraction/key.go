package extraction

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/hbomb79/Rhea/internal/ffmpeg"
)

// ExtractionKey identifies a unit of deduplicatable work. Two requests whose
// keys are equal describe the same extraction; concurrent requests for the
// same key join the single in-flight task rather than spawning another one.
type ExtractionKey string

// NewExtractionKey normalizes the target URL and combines it with the output
// format and quality hint. Normalization deliberately ignores differences that
// cannot change the extracted media: scheme/host casing, default ports, the
// fragment, and query parameter ordering.
func NewExtractionKey(targetURL string, format ffmpeg.OutputFormat, quality string) (ExtractionKey, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse target URL: %w", err)
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	parsed.Fragment = ""

	if (parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80")) ||
		(parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443")) {
		parsed.Host = parsed.Host[:strings.LastIndex(parsed.Host, ":")]
	}

	if parsed.RawQuery != "" {
		query := parsed.Query()
		keys := make([]string, 0, len(query))
		for k := range query {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		ordered := url.Values{}
		for _, k := range keys {
			for _, v := range query[k] {
				ordered.Add(k, v)
			}
		}
		parsed.RawQuery = ordered.Encode()
	}

	quality = strings.ToLower(strings.TrimSpace(quality))
	if quality == "" {
		quality = "best"
	}

	return ExtractionKey(fmt.Sprintf("%s|%s|%s", parsed.String(), format, quality)), nil
}
