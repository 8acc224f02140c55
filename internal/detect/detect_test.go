package detect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"castmon/internal/session"
)

// rewriteHost sends every request to the test server regardless of the
// canonical host the detector computed.
type rewriteHost struct{ target *url.URL }

func (r rewriteHost) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = r.target.Scheme
	req.URL.Host = r.target.Host
	return http.DefaultTransport.RoundTrip(req)
}

type staticCookies []session.Cookie

func (s staticCookies) DomainCookies(session.Mode) ([]session.Cookie, error) {
	return s, nil
}

func newTestDetector(t *testing.T, handler http.HandlerFunc, cookies CookieSource) *Detector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	d := NewDetector(cookies, zap.NewNop())
	d.client = &http.Client{Transport: rewriteHost{target: u}}
	return d
}

func TestCheckLiveDetectsLiveMarkers(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"json flag", `<html><body><script>{"is_live": true, "movie_id": 12345}</script></body></html>`},
		{"data attribute", `<html><body><div data-is-live="true" data-movie-id="12345"></div></body></html>`},
		{"player container", `<html><body><div class="tw-player-container" data-movie-id="12345"></div></body></html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}, nil)

			res := d.CheckLive(context.Background(), "someuser")
			assert.True(t, res.IsLive)
			assert.Equal(t, ReasonLive, res.Reason)
			assert.Equal(t, "12345", res.MovieID)
		})
	}
}

func TestCheckLiveNotLive(t *testing.T) {
	d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>someuser - offline</title></head><body>nothing here</body></html>`))
	}, nil)

	res := d.CheckLive(context.Background(), "someuser")
	assert.False(t, res.IsLive)
	assert.Equal(t, ReasonNotLive, res.Reason)
	assert.Equal(t, "someuser - offline", res.Title)
}

func TestCheckLiveAuthWall(t *testing.T) {
	d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body><div class="tw-gate-required">members only</div></body></html>`))
	}, staticCookies{{Name: "tc_id", Value: "u1", Domain: ".twitcasting.tv"}})

	res := d.CheckLive(context.Background(), "someuser")
	assert.False(t, res.IsLive)
	assert.Equal(t, ReasonAuthRequired, res.Reason)
	assert.True(t, res.CookieIncomplete, "identity without session cookie is incomplete")
}

func TestCheckLiveAuthWallWithFullCredentials(t *testing.T) {
	d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}, staticCookies{
		{Name: "tc_id", Value: "u1"},
		{Name: "_twitcasting_session", Value: "s1"},
	})

	res := d.CheckLive(context.Background(), "someuser")
	assert.Equal(t, ReasonAuthRequired, res.Reason)
	assert.False(t, res.CookieIncomplete)
}

func TestCheckLiveHTTPErrorStatus(t *testing.T) {
	d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, nil)

	res := d.CheckLive(context.Background(), "someuser")
	assert.False(t, res.IsLive)
	assert.Equal(t, "HTTP_502", res.Reason)
}

func TestCheckLiveInvalidURL(t *testing.T) {
	d := NewDetector(nil, zap.NewNop())

	res := d.CheckLive(context.Background(), "https://example.com/notcasting")
	assert.Equal(t, ReasonInvalidURL, res.Reason)
}

func TestCheckLiveTimeout(t *testing.T) {
	d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res := d.CheckLive(ctx, "someuser")
	assert.Equal(t, ReasonTimeout, res.Reason)
}

func TestCheckLiveCookieHeaderOrder(t *testing.T) {
	var gotCookie string
	d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		w.Write([]byte("<html></html>"))
	}, staticCookies{
		{Name: "did", Value: "d"},
		{Name: "tc_id", Value: "i"},
		{Name: "tc_ss", Value: "s"},
	})

	d.CheckLive(context.Background(), "someuser")
	assert.Equal(t, "tc_ss=s; tc_id=i; did=d", gotCookie, "strongest credential leads")
}

func TestCheckLiveCacheBusting(t *testing.T) {
	var gotQuery url.Values
	d := newTestDetector(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		w.Write([]byte("<html></html>"))
	}, nil)

	d.CheckLive(context.Background(), "someuser")
	assert.NotEmpty(t, gotQuery.Get("t"))
}

func TestBuildCookieHeaderSkipsUnknownNames(t *testing.T) {
	h := buildCookieHeader([]session.Cookie{
		{Name: "random", Value: "x"},
		{Name: "tc_u", Value: "u"},
	})
	assert.Equal(t, "tc_u=u", h)
}
