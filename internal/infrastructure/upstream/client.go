package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/cache"
	"watchparty/pkg/circuitbreaker"
	"watchparty/pkg/retry"
)

// catalogCacheTTL bounds how stale library listings may get; intro markers
// never change for an item, so they keep a longer TTL.
const (
	catalogCacheTTL = 30 * time.Second
	introCacheTTL   = 10 * time.Minute
)

// imageSubtitleCodecs are subtitle formats that cannot be rendered as text
// and must be burned into the video by the transcoder.
var imageSubtitleCodecs = map[string]bool{
	"pgssub":       true,
	"pgs":          true,
	"dvd_subtitle": true,
	"dvdsub":       true,
	"vobsub":       true,
}

type Config struct {
	ServerURL           string
	APIKey              string
	Username            string
	Password            string
	MaxStreamingBitrate int
	RequestTimeout      time.Duration
}

// Client talks to an Emby-compatible media server. It authenticates once via
// Connect and serves descriptor resolution, catalog browsing and transcode
// teardown for the rest of the process lifetime.
type Client struct {
	baseURL    string
	deviceID   string
	maxBitrate int
	cfg        Config
	http       *http.Client
	retryCfg   retry.Config
	breaker    *circuitbreaker.CircuitBreaker
	catalog    *cache.Cache
	logger     *zap.SugaredLogger

	mu          sync.RWMutex
	accessToken string
	userID      string
}

var _ ports.MediaClient = (*Client)(nil)

func NewClient(cfg Config, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(cfg.ServerURL, "/"),
		deviceID:    "watchparty-" + uuid.NewString()[:8],
		maxBitrate:  cfg.MaxStreamingBitrate,
		cfg:         cfg,
		http:        &http.Client{Timeout: cfg.RequestTimeout},
		retryCfg:    retry.DefaultConfig(),
		breaker:     circuitbreaker.New(circuitbreaker.DefaultConfig()),
		catalog:     cache.NewCache(catalogCacheTTL),
		logger:      logger,
		accessToken: cfg.APIKey,
	}
}

// DeviceID identifies this server's transcode sessions upstream.
func (c *Client) DeviceID() string { return c.deviceID }

// Connect establishes an upstream session: user credentials when configured,
// otherwise the API key plus a first-user lookup for a user-scoped context.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Username != "" && c.cfg.Password != "" {
		token, userID, err := c.authenticateByName(ctx, c.cfg.Username, c.cfg.Password)
		if err != nil {
			return fmt.Errorf("upstream authentication failed: %w", err)
		}
		c.mu.Lock()
		c.accessToken = token
		c.userID = userID
		c.mu.Unlock()
		c.logger.Infow("authenticated with media server", "user", c.cfg.Username, "device_id", c.deviceID)
		return nil
	}

	if c.cfg.APIKey == "" {
		return fmt.Errorf("no upstream credentials configured")
	}

	userID, err := c.firstUserID(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve upstream user: %w", err)
	}
	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	c.logger.Infow("connected to media server with api key", "user_id", userID, "device_id", c.deviceID)
	return nil
}

// VerifyCredentials checks a username/password pair without touching the
// client's own session. Used by login gating.
func (c *Client) VerifyCredentials(ctx context.Context, username, password string) error {
	_, _, err := c.authenticateByName(ctx, username, password)
	return err
}

func (c *Client) authenticateByName(ctx context.Context, username, password string) (token, userID string, err error) {
	body, err := json.Marshal(map[string]string{"Username": username, "Pw": password})
	if err != nil {
		return "", "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/emby/Users/AuthenticateByName", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Emby-Authorization",
		fmt.Sprintf(`Emby Client="WatchParty", Device="Server", DeviceId=%q, Version="1.0"`, c.deviceID))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("authentication rejected: status %d", resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"AccessToken"`
		User        struct {
			ID string `json:"Id"`
		} `json:"User"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	return result.AccessToken, result.User.ID, nil
}

func (c *Client) firstUserID(ctx context.Context) (string, error) {
	raw, err := c.get(ctx, "/emby/Users", nil)
	if err != nil {
		return "", err
	}
	var users []struct {
		ID string `json:"Id"`
	}
	if err := json.Unmarshal(raw, &users); err != nil {
		return "", fmt.Errorf("failed to decode users: %w", err)
	}
	if len(users) == 0 {
		return "", fmt.Errorf("media server has no users")
	}
	return users[0].ID, nil
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) user() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// AuthHeaders returns the headers the stream proxy must attach when
// forwarding requests upstream.
func (c *Client) AuthHeaders() http.Header {
	h := http.Header{}
	h.Set("X-Emby-Token", c.token())
	return h
}

// VideoURL builds the upstream URL for an HLS playlist or segment request.
func (c *Client) VideoURL(item domain.ItemID, path, rawQuery string) string {
	u := fmt.Sprintf("%s/emby/Videos/%s/%s", c.baseURL, item, strings.TrimLeft(path, "/"))
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// HTTPClient exposes the shared client so the proxy reuses its timeout and
// connection pool.
func (c *Client) HTTPClient() *http.Client { return c.http }

// BaseURL is the upstream server root, needed for manifest URL rewriting.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) get(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Emby-Token", c.token())

	// Transport failures trip the breaker; HTTP error statuses do not. An
	// open breaker short-circuits requests until the upstream recovers.
	res, err := c.breaker.ExecuteWithResult(ctx, func() (interface{}, error) {
		return c.http.Do(req)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
	}
	resp := res.(*http.Response)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream returned status %d for %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}
	return body, nil
}

// cachedGet serves catalog reads through the in-memory TTL cache.
func (c *Client) cachedGet(ctx context.Context, key, path string, params url.Values, ttl time.Duration) (json.RawMessage, error) {
	if v, ok := c.catalog.Get(key); ok {
		return v.(json.RawMessage), nil
	}
	body, err := c.get(ctx, path, params)
	if err != nil {
		return nil, err
	}
	c.catalog.SetWithTTL(key, body, ttl)
	return body, nil
}

type playbackInfo struct {
	PlaySessionID string `json:"PlaySessionId"`
	MediaSources  []struct {
		ID           string       `json:"Id"`
		MediaStreams []embyStream `json:"MediaStreams"`
	} `json:"MediaSources"`
}

type embyStream struct {
	Index                int    `json:"Index"`
	Type                 string `json:"Type"`
	Language             string `json:"Language"`
	DisplayLanguage      string `json:"DisplayLanguage"`
	DisplayTitle         string `json:"DisplayTitle"`
	Codec                string `json:"Codec"`
	Channels             int    `json:"Channels"`
	IsDefault            bool   `json:"IsDefault"`
	IsForced             bool   `json:"IsForced"`
	IsExternal           bool   `json:"IsExternal"`
	IsTextSubtitleStream bool   `json:"IsTextSubtitleStream"`
}

func (c *Client) playbackInfo(ctx context.Context, item domain.ItemID) (*playbackInfo, error) {
	params := url.Values{}
	params.Set("UserId", c.user())

	raw, err := c.get(ctx, fmt.Sprintf("/emby/Items/%s/PlaybackInfo", item), params)
	if err != nil {
		return nil, err
	}

	var info playbackInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to decode playback info: %w", err)
	}
	if len(info.MediaSources) == 0 {
		return nil, fmt.Errorf("no media sources for item %s", item)
	}
	return &info, nil
}

// StreamDescriptor resolves the proxy-relative HLS URL for an item with the
// full transcode parameter set. Track selection follows the media source's
// default audio stream when none is requested; subtitles are opt-in only,
// with image-based formats burned in and text formats left for separate VTT
// delivery.
func (c *Client) StreamDescriptor(ctx context.Context, item domain.ItemID, audioIndex, subtitleIndex *int) (*domain.StreamDescriptor, error) {
	info, err := c.playbackInfo(ctx, item)
	if err != nil {
		return nil, err
	}
	source := info.MediaSources[0]

	if audioIndex == nil {
		audioIndex = defaultAudioIndex(source.MediaStreams)
	}

	params := url.Values{}
	params.Set("MediaSourceId", source.ID)
	params.Set("PlaySessionId", info.PlaySessionID)
	params.Set("DeviceId", c.deviceID)
	params.Set("SegmentContainer", "ts")
	params.Set("VideoCodec", "h264")
	params.Set("AudioCodec", "aac,mp3")
	params.Set("MaxAudioChannels", "2")
	params.Set("TranscodingMaxAudioChannels", "2")
	params.Set("BreakOnNonKeyFrames", "True")
	if c.maxBitrate > 0 {
		params.Set("MaxStreamingBitrate", fmt.Sprintf("%d", c.maxBitrate))
	}
	if audioIndex != nil {
		params.Set("AudioStreamIndex", fmt.Sprintf("%d", *audioIndex))
	}

	if subtitleIndex != nil && *subtitleIndex >= 0 {
		if isImageSubtitle(source.MediaStreams, *subtitleIndex) {
			params.Set("SubtitleStreamIndex", fmt.Sprintf("%d", *subtitleIndex))
			params.Set("SubtitleMethod", "Encode")
		}
		// Text subtitles are fetched separately as VTT; omitting the
		// parameter keeps the transcoder from auto-selecting a track.
	}

	return &domain.StreamDescriptor{
		URLBase:       fmt.Sprintf("/hls/%s/master.m3u8?%s", item, params.Encode()),
		MediaSourceID: source.ID,
		PlaySessionID: info.PlaySessionID,
		AudioIndex:    audioIndex,
		SubtitleIndex: subtitleIndex,
	}, nil
}

func defaultAudioIndex(streams []embyStream) *int {
	var first *int
	for i := range streams {
		s := streams[i]
		if s.Type != "Audio" {
			continue
		}
		if s.IsDefault {
			idx := s.Index
			return &idx
		}
		if first == nil {
			idx := s.Index
			first = &idx
		}
	}
	return first
}

func isImageSubtitle(streams []embyStream, index int) bool {
	for _, s := range streams {
		if s.Type == "Subtitle" && s.Index == index {
			return imageSubtitleCodecs[strings.ToLower(s.Codec)]
		}
	}
	return false
}

// StopActiveEncodings tears down all transcode sessions for this device.
func (c *Client) StopActiveEncodings(ctx context.Context) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		params := url.Values{}
		params.Set("DeviceId", c.deviceID)

		req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
			c.baseURL+"/emby/Videos/ActiveEncodings?"+params.Encode(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("X-Emby-Token", c.token())

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("upstream returned status %d", resp.StatusCode)
		}
		return nil
	})
}

func (c *Client) Libraries(ctx context.Context) (json.RawMessage, error) {
	user := c.user()
	return c.cachedGet(ctx, "views:"+user, fmt.Sprintf("/emby/Users/%s/Views", user), nil, catalogCacheTTL)
}

func (c *Client) Items(ctx context.Context, parentID, itemType string, recursive bool) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("Fields", "Overview,PrimaryImageAspectRatio,ProductionYear")
	if parentID != "" {
		params.Set("ParentId", parentID)
	}
	if itemType != "" {
		params.Set("IncludeItemTypes", itemType)
	}
	if recursive {
		params.Set("Recursive", "true")
	}
	key := fmt.Sprintf("items:%s:%s:%t", parentID, itemType, recursive)
	return c.cachedGet(ctx, key, fmt.Sprintf("/emby/Users/%s/Items", c.user()), params, catalogCacheTTL)
}

func (c *Client) Search(ctx context.Context, query string) (json.RawMessage, error) {
	params := url.Values{}
	params.Set("SearchTerm", query)
	params.Set("IncludeItemTypes", "Movie,Series,Episode")
	params.Set("Recursive", "true")
	params.Set("Fields", "Overview,PrimaryImageAspectRatio,ProductionYear")
	return c.cachedGet(ctx, "search:"+query, fmt.Sprintf("/emby/Users/%s/Items", c.user()), params, catalogCacheTTL)
}

func (c *Client) ItemDetails(ctx context.Context, item domain.ItemID) (json.RawMessage, error) {
	return c.get(ctx, fmt.Sprintf("/emby/Users/%s/Items/%s", c.user(), item), nil)
}

// ItemStreams lists the item's audio and subtitle tracks in the client-facing
// shape, along with the media source id needed for subtitle fetches.
func (c *Client) ItemStreams(ctx context.Context, item domain.ItemID) ([]domain.MediaStream, string, error) {
	info, err := c.playbackInfo(ctx, item)
	if err != nil {
		return nil, "", err
	}
	source := info.MediaSources[0]

	streams := make([]domain.MediaStream, 0, len(source.MediaStreams))
	for _, s := range source.MediaStreams {
		if s.Type != "Audio" && s.Type != "Subtitle" {
			continue
		}
		streams = append(streams, domain.MediaStream{
			Index:      s.Index,
			Type:       strings.ToLower(s.Type),
			Language:   s.Language,
			Display:    s.DisplayLanguage,
			Codec:      s.Codec,
			Channels:   s.Channels,
			IsDefault:  s.IsDefault,
			IsForced:   s.IsForced,
			IsExternal: s.IsExternal,
			IsText:     s.IsTextSubtitleStream,
			IsImage:    imageSubtitleCodecs[strings.ToLower(s.Codec)],
			Title:      s.DisplayTitle,
		})
	}
	return streams, source.ID, nil
}

// Intro looks the item up in the server's intro marker table. Positions come
// back in ticks (100ns units) and are converted to seconds. A missing entry
// is not an error.
func (c *Client) Intro(ctx context.Context, item domain.ItemID) (*domain.IntroInfo, error) {
	raw, err := c.cachedGet(ctx, "intros", "/emby/Items/Intros", nil, introCacheTTL)
	if err != nil {
		return nil, err
	}

	var intros []struct {
		ID    json.Number `json:"Id"`
		Start float64     `json:"Start"`
		End   float64     `json:"End"`
	}
	if err := json.Unmarshal(raw, &intros); err != nil {
		return nil, fmt.Errorf("failed to decode intros: %w", err)
	}

	const ticksPerSecond = 10_000_000
	for _, in := range intros {
		if in.ID.String() == string(item) {
			start := in.Start / ticksPerSecond
			end := in.End / ticksPerSecond
			return &domain.IntroInfo{
				HasIntro: true,
				Start:    start,
				End:      end,
				Duration: end - start,
			}, nil
		}
	}
	return &domain.IntroInfo{HasIntro: false}, nil
}

func (c *Client) Image(ctx context.Context, item domain.ItemID, imageType string) ([]byte, string, error) {
	if imageType == "" {
		imageType = "Primary"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/emby/Items/%s/Images/%s", c.baseURL, item, imageType), nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("X-Emby-Token", c.token())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", domain.ErrUpstreamUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("upstream returned status %d for image", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// Subtitles fetches a text subtitle track as WebVTT.
func (c *Client) Subtitles(ctx context.Context, item domain.ItemID, mediaSourceID string, index int) ([]byte, error) {
	path := fmt.Sprintf("/emby/Videos/%s/%s/Subtitles/%d/Stream.vtt", item, mediaSourceID, index)
	return c.get(ctx, path, nil)
}
