package proxy

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
)

// Upstream is the slice of the media client the proxy needs: URL building,
// auth headers and the shared HTTP client.
type Upstream interface {
	VideoURL(item domain.ItemID, path, rawQuery string) string
	AuthHeaders() http.Header
	HTTPClient() *http.Client
	BaseURL() string
}

// Server proxies HLS playlists and segments so the media server never has to
// be reachable by viewers. Every request is gated by a per-member stream
// token; playlists are rewritten on the fly to keep all URLs pointing back
// at the proxy.
type Server struct {
	tokens   ports.TokenService
	upstream Upstream
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
}

func NewServer(tokens ports.TokenService, upstream Upstream, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Server {
	return &Server{tokens: tokens, upstream: upstream, metrics: metrics, logger: logger}
}

// Register mounts the proxy routes. A single wildcard route serves both the
// master playlist and everything below it.
func (s *Server) Register(r gin.IRouter) {
	r.GET("/hls/:itemID/*path", s.handle)
}

func (s *Server) handle(c *gin.Context) {
	start := time.Now()
	item := domain.ItemID(c.Param("itemID"))
	path := strings.TrimPrefix(c.Param("path"), "/")
	isPlaylist := strings.HasSuffix(path, ".m3u8")

	kind := "segment"
	if isPlaylist {
		kind = "playlist"
	}

	token := c.Query("token")
	if s.tokens.Enabled() {
		if _, err := s.tokens.Validate(c.Request.Context(), token, item); err != nil {
			s.metrics.ProxyRequest(kind, "unauthorized")
			s.logger.Warnw("rejected stream request", "item", item, "path", path, "error", err)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
	}

	// The proxy token is ours; everything else in the query belongs upstream.
	query := c.Request.URL.Query()
	query.Del("token")

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet,
		s.upstream.VideoURL(item, path, query.Encode()), nil)
	if err != nil {
		s.metrics.ProxyRequest(kind, "error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	for k, vs := range s.upstream.AuthHeaders() {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if rang := c.GetHeader("Range"); rang != "" {
		req.Header.Set("Range", rang)
	}

	resp, err := s.upstream.HTTPClient().Do(req)
	if err != nil {
		s.metrics.ProxyRequest(kind, "upstream_error")
		s.logger.Errorw("failed to fetch from media server", "item", item, "path", path, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch video from media server"})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		s.metrics.ProxyRequest(kind, "upstream_error")
		s.logger.Errorw("media server rejected stream request",
			"item", item, "path", path, "status", resp.StatusCode)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch video from media server"})
		return
	}

	corsHeaders(c)

	if isPlaylist {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			s.metrics.ProxyRequest(kind, "upstream_error")
			c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to fetch video from media server"})
			return
		}
		rewritten := RewritePlaylist(string(body), s.upstream.BaseURL(), item, token)
		s.metrics.ProxyRequest(kind, "ok")
		c.Data(http.StatusOK, "application/vnd.apple.mpegurl", []byte(rewritten))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.HasSuffix(path, ".ts") || contentType == "" {
		contentType = "video/MP2T"
	}
	c.Header("Content-Type", contentType)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		c.Header("Content-Length", cl)
	}

	// Segments stream straight through; buffering whole .ts files would
	// multiply memory per concurrent viewer.
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.Debugw("segment transfer aborted", "item", item, "path", path, "error", err)
	}
	s.metrics.ProxyRequest(kind, "ok")
	s.metrics.SegmentDuration(time.Since(start).Seconds())
}

func corsHeaders(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Range")
}

// RewritePlaylist points every upstream URL in an HLS playlist back at the
// proxy and stamps the viewer's token onto each media line. Comment lines
// pass through untouched.
func RewritePlaylist(content, upstreamBase string, item domain.ItemID, token string) string {
	proxyPrefix := "/hls/" + string(item) + "/"
	content = strings.ReplaceAll(content, upstreamBase+"/emby/Videos/"+string(item)+"/", proxyPrefix)
	content = strings.ReplaceAll(content, "/emby/Videos/"+string(item)+"/", proxyPrefix)

	if token == "" {
		return content
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if !strings.Contains(line, ".m3u8") && !strings.Contains(line, ".ts") {
			continue
		}
		if strings.Contains(line, "token=") {
			continue
		}
		sep := "?"
		if strings.Contains(line, "?") {
			sep = "&"
		}
		lines[i] = line + sep + "token=" + token
	}
	return strings.Join(lines, "\n")
}
