// Package detect answers "is this broadcaster live right now" with a single
// authenticated HTTP probe. The page is never fully rendered; liveness is
// read out of markers the site embeds in the first half megabyte of HTML.
package detect

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"castmon/internal/session"
	"castmon/internal/target"
)

// Probe outcome reasons.
const (
	ReasonLive         = "LIVE"
	ReasonNotLive      = "NOT_LIVE"
	ReasonAuthRequired = "AUTH_REQUIRED"
	ReasonInvalidURL   = "INVALID_URL"
	ReasonTimeout      = "TIMEOUT"
	ReasonNetworkError = "NETWORK_ERROR"
)

// maxReadSize bounds how much of the page body is inspected.
const maxReadSize = 512 * 1024

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36"

// Result is the outcome of one liveness probe.
type Result struct {
	IsLive  bool   `json:"is_live"`
	MovieID string `json:"movie_id,omitempty"`
	Reason  string `json:"reason"`
	Detail  string `json:"detail,omitempty"`
	Title   string `json:"title,omitempty"`

	// CookieIncomplete marks an auth refusal that happened while holding
	// only partial credentials; a re-login is likely to fix it.
	CookieIncomplete bool `json:"cookie_incomplete,omitempty"`
}

// CookieSource supplies the credentials attached to probe requests.
// session.Manager satisfies it.
type CookieSource interface {
	DomainCookies(mode session.Mode) ([]session.Cookie, error)
}

// Detector probes broadcast pages over plain HTTP.
type Detector struct {
	client  *http.Client
	cookies CookieSource
	log     *zap.Logger
	now     func() time.Time
}

// NewDetector creates a detector. A nil cookie source probes anonymously;
// member-only streams will then report AUTH_REQUIRED.
func NewDetector(cookies CookieSource, log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Detector{
		client: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return errors.New("too many redirects")
				}
				return nil
			},
		},
		cookies: cookies,
		log:     log,
		now:     time.Now,
	}
}

// Auth-wall markers. Any of these in the body means the stream exists but is
// gated behind login or membership.
var authMarkers = []string{
	"tw-gate-required",
	"membership-required",
	"group-required",
	"限定配信",
	"ログインが必要",
	"メンバー限定",
	"フォロワー限定",
	"グループ限定",
	"membershipjoinplans",
	"group_member_only",
	"follower_only",
}

var livePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)["']is_live["']\s*:\s*true`),
	regexp.MustCompile(`(?i)data-is-live\s*=\s*["']?true["']?`),
	regexp.MustCompile(`(?i)["']isOnlive["']\s*:\s*true`),
	regexp.MustCompile(`(?i)["']is_onlive["']\s*:\s*(true|1)`),
	regexp.MustCompile(`(?i)data-is-onlive\s*=\s*["']?(true|1)["']?`),
	regexp.MustCompile(`(?i)isLive\s*:\s*true`),
	regexp.MustCompile(`(?i)onLive\s*:\s*true`),
	regexp.MustCompile(`(?i)tw-player-container`),
	regexp.MustCompile(`(?i)<video[^>]*>`),
}

var movieIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)data-movie-id=["']?(\d+)["']?`),
	regexp.MustCompile(`(?i)"movie_id"\s*:\s*(\d+)`),
	regexp.MustCompile(`(?i)movieId:\s*'(\d+)'`),
	regexp.MustCompile(`(?i)movie_id=(\d+)`),
}

// CheckLive probes one target. The context carries the probe deadline;
// exceeding it yields a TIMEOUT result, not an error. CheckLive only
// returns an error for programming mistakes, never for stream state.
func (d *Detector) CheckLive(ctx context.Context, rawURL string) Result {
	canonical, err := target.Normalize(rawURL)
	if err != nil {
		return Result{Reason: ReasonInvalidURL, Detail: err.Error()}
	}

	cookies, incomplete := d.credentialSnapshot()

	// Cache-busting query keeps CDN copies out of the liveness answer.
	sep := "?"
	if strings.Contains(canonical, "?") {
		sep = "&"
	}
	probeURL := fmt.Sprintf("%s%st=%d", canonical, sep, d.now().Unix())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return Result{Reason: ReasonInvalidURL, Detail: err.Error()}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "ja,en-US;q=0.8,en;q=0.6")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Referer", canonical)
	if h := buildCookieHeader(cookies); h != "" {
		req.Header.Set("Cookie", h)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Reason: ReasonTimeout, Detail: "probe deadline exceeded"}
		}
		return Result{Reason: ReasonNetworkError, Detail: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return Result{
			Reason:           ReasonAuthRequired,
			Detail:           fmt.Sprintf("HTTP %d", resp.StatusCode),
			CookieIncomplete: incomplete,
		}
	}
	if resp.StatusCode != http.StatusOK {
		return Result{
			Reason: fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Detail: fmt.Sprintf("unexpected status %d", resp.StatusCode),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxReadSize))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{Reason: ReasonTimeout, Detail: "probe deadline exceeded"}
		}
		return Result{Reason: ReasonNetworkError, Detail: err.Error()}
	}

	return d.classifyBody(canonical, string(body), incomplete)
}

func (d *Detector) classifyBody(url, body string, cookieIncomplete bool) Result {
	title := extractTitle(body)

	lower := strings.ToLower(body)
	for _, marker := range authMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return Result{
				Reason:           ReasonAuthRequired,
				Detail:           "login or membership required",
				Title:            title,
				CookieIncomplete: cookieIncomplete,
			}
		}
	}

	movieID := extractMovieID(body)
	for _, p := range livePatterns {
		if p.MatchString(body) {
			d.log.Debug("live marker matched", zap.String("url", url), zap.String("pattern", p.String()))
			return Result{IsLive: true, MovieID: movieID, Reason: ReasonLive, Title: title}
		}
	}

	return Result{MovieID: movieID, Reason: ReasonNotLive, Title: title}
}

// credentialSnapshot reads the current headless cookies and judges whether
// they form a complete login. Incomplete means identity without a primary
// session cookie.
func (d *Detector) credentialSnapshot() ([]session.Cookie, bool) {
	if d.cookies == nil {
		return nil, false
	}
	cookies, err := d.cookies.DomainCookies(session.ModeHeadless)
	if err != nil {
		d.log.Debug("cookie snapshot unavailable", zap.Error(err))
		return nil, false
	}
	names := make(map[string]bool, len(cookies))
	for _, c := range cookies {
		names[c.Name] = true
	}
	incomplete := len(cookies) > 0 && !names["_twitcasting_session"] && !names["tc_ss"]
	return cookies, incomplete
}

// cookieOrder lists the names sent with probes, strongest first.
var cookieOrder = []string{
	"_twitcasting_session", "tc_ss", "tc_s", "tc_id", "tc_u", "keep", "mfadid", "did",
}

func buildCookieHeader(cookies []session.Cookie) string {
	byName := make(map[string]string, len(cookies))
	for _, c := range cookies {
		byName[c.Name] = c.Value
	}
	var items []string
	for _, name := range cookieOrder {
		if v, ok := byName[name]; ok {
			items = append(items, name+"="+v)
		}
	}
	return strings.Join(items, "; ")
}

func extractMovieID(body string) string {
	for _, p := range movieIDPatterns {
		if m := p.FindStringSubmatch(body); m != nil {
			return m[1]
		}
	}
	return ""
}

// extractTitle pulls the page title out of possibly truncated HTML.
func extractTitle(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	var title string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if title != "" {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" {
			if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
				title = strings.TrimSpace(n.FirstChild.Data)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return title
}
