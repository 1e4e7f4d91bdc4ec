// -----------------------------------------------------------------------
// Link Detector - finds supported short-video links in message text
// -----------------------------------------------------------------------

package links

import (
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/ternarybob/brainrot/internal/models"
)

type pattern struct {
	platform models.Platform
	re       *regexp.Regexp
}

// patterns is the closed set of supported platforms
var patterns = []pattern{
	{
		platform: models.PlatformTikTok,
		re:       regexp.MustCompile(`(?i)https?://(?:www\.|vm\.|vt\.|m\.|t\.)?tiktok\.com/[^\s<>]+`),
	},
	{
		platform: models.PlatformInstagram,
		re:       regexp.MustCompile(`(?i)https?://(?:www\.|m\.)?instagram\.com/(?:reels?|p|t|v|tv)/[^\s<>]+`),
	},
}

// trailingPunctuation is stripped from the end of a match so that
// "look at https://tiktok.com/x." does not carry the full stop
const trailingPunctuation = `.,;:!?'")]}»…`

// Detect returns every supported link in text, in order of appearance.
// Repeated links are all returned; deduplication happens at intake.
// Text without a supported link (including malformed URLs) yields nil.
func Detect(text string) []models.SourceLink {
	if text == "" {
		return nil
	}

	type match struct {
		start int
		link  models.SourceLink
	}
	var matches []match

	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			raw := strings.TrimRight(text[loc[0]:loc[1]], trailingPunctuation)
			if !valid(raw) {
				continue
			}
			matches = append(matches, match{
				start: loc[0],
				link:  models.SourceLink{URL: raw, Platform: p.platform},
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].start < matches[j].start
	})

	result := make([]models.SourceLink, 0, len(matches))
	for _, m := range matches {
		result = append(result, m.link)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// valid rejects matches that do not parse or have no path after the prefix
func valid(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.Trim(u.Path, "/") != ""
}

// Canonical normalizes a link for deduplication: scheme and host are
// lowercased, the www. and m. prefixes, query, fragment and trailing
// slash are dropped. Short-link hosts (vm., vt.) are kept since their
// paths are not interchangeable with full video urls.
func Canonical(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(raw))
	}

	host := strings.ToLower(u.Host)
	host = strings.TrimPrefix(host, "www.")
	host = strings.TrimPrefix(host, "m.")

	path := strings.TrimRight(u.Path, "/")
	return "https://" + host + path
}
