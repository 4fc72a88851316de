package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"watchparty/internal/core/domain"
	"watchparty/internal/infrastructure/upstream"
)

type fakeTokens struct {
	enabled bool
	valid   string
}

func (f *fakeTokens) Enabled() bool { return f.enabled }
func (f *fakeTokens) Issue(ctx context.Context, code domain.PartyCode, session domain.SessionID, item domain.ItemID) (string, error) {
	return f.valid, nil
}
func (f *fakeTokens) Validate(ctx context.Context, token string, item domain.ItemID) (domain.SessionID, error) {
	if token != f.valid {
		return "", domain.ErrTokenInvalid
	}
	return "sess-1", nil
}
func (f *fakeTokens) Sweep(ctx context.Context) (int, error) { return 0, nil }

type noopMetrics struct{}

func (noopMetrics) PartyCreated()               {}
func (noopMetrics) PartyRemoved()               {}
func (noopMetrics) MemberJoined()               {}
func (noopMetrics) MemberLeft()                 {}
func (noopMetrics) ControlMessage(string)       {}
func (noopMetrics) DuplicateDropped(string)     {}
func (noopMetrics) BroadcastSent(string, int)   {}
func (noopMetrics) TokenValidation(string)      {}
func (noopMetrics) ProxyRequest(string, string) {}
func (noopMetrics) SegmentDuration(float64)     {}

func newProxyRouter(t *testing.T, upstreamHandler http.Handler) (*gin.Engine, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	srv := httptest.NewServer(upstreamHandler)
	t.Cleanup(srv.Close)

	client := upstream.NewClient(upstream.Config{
		ServerURL:      srv.URL,
		APIKey:         "upstream-key",
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop().Sugar())

	router := gin.New()
	NewServer(&fakeTokens{enabled: true, valid: "good-token"}, client, noopMetrics{}, zap.NewNop().Sugar()).Register(router)
	return router, srv
}

func TestMasterPlaylist_RewritesURLsAndAppendsToken(t *testing.T) {
	var upstreamURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/emby/Videos/item-1/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "upstream-key", r.Header.Get("X-Emby-Token"))
		assert.Empty(t, r.URL.Query().Get("token"), "proxy token must not be forwarded upstream")
		assert.Equal(t, "ms-1", r.URL.Query().Get("MediaSourceId"), "transcode params forwarded")
		body := "#EXTM3U\n" +
			"#EXT-X-STREAM-INF:BANDWIDTH=2000000\n" +
			upstreamURL + "/emby/Videos/item-1/main.m3u8?DeviceId=dev1\n" +
			"/emby/Videos/item-1/low.m3u8\n"
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		_, _ = w.Write([]byte(body))
	})

	router, srv := newProxyRouter(t, mux)
	upstreamURL = srv.URL

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/hls/item-1/master.m3u8?MediaSourceId=ms-1&token=good-token", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/vnd.apple.mpegurl", w.Header().Get("Content-Type"))
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	body := w.Body.String()
	assert.Contains(t, body, "/hls/item-1/main.m3u8?DeviceId=dev1&token=good-token",
		"absolute upstream URL rewritten, token appended with & after existing query")
	assert.Contains(t, body, "/hls/item-1/low.m3u8?token=good-token",
		"relative URL rewritten, token appended with ?")
	assert.NotContains(t, body, "/emby/Videos/")
	assert.Contains(t, body, "#EXT-X-STREAM-INF:BANDWIDTH=2000000", "comment lines untouched")
}

func TestProxy_InvalidTokenIs401(t *testing.T) {
	router, _ := newProxyRouter(t, http.NewServeMux())

	for _, target := range []string{
		"/hls/item-1/master.m3u8?token=bad",
		"/hls/item-1/master.m3u8",
		"/hls/item-1/seg_001.ts?token=bad",
	} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, "target %s", target)
	}
}

func TestProxy_UpstreamDownIs502(t *testing.T) {
	gin.SetMode(gin.TestMode)
	client := upstream.NewClient(upstream.Config{
		ServerURL:      "http://127.0.0.1:1",
		APIKey:         "k",
		RequestTimeout: time.Second,
	}, zap.NewNop().Sugar())

	router := gin.New()
	NewServer(&fakeTokens{enabled: true, valid: "good-token"}, client, noopMetrics{}, zap.NewNop().Sugar()).Register(router)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hls/item-1/master.m3u8?token=good-token", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestProxy_SegmentStreamsBinary(t *testing.T) {
	payload := []byte{0x47, 0x40, 0x00, 0x10, 0xde, 0xad, 0xbe, 0xef}
	mux := http.NewServeMux()
	mux.HandleFunc("/emby/Videos/item-1/seg_001.ts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/MP2T")
		_, _ = w.Write(payload)
	})

	router, _ := newProxyRouter(t, mux)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/hls/item-1/seg_001.ts?token=good-token", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "video/MP2T", w.Header().Get("Content-Type"))
	assert.Equal(t, payload, w.Body.Bytes())
}

func TestRewritePlaylist_NoTokenLeavesLinesAlone(t *testing.T) {
	in := "#EXTM3U\nseg_001.ts\nseg_002.ts\n"
	out := RewritePlaylist(in, "http://emby:8096", "item-1", "")
	assert.Equal(t, in, out)
}

func TestRewritePlaylist_DoesNotDoubleToken(t *testing.T) {
	in := "#EXTM3U\nseg_001.ts?token=abc\n"
	out := RewritePlaylist(in, "http://emby:8096", "item-1", "abc")
	assert.Equal(t, in, out)
}
