package domain

// StreamDescriptor is the resolved playback description for an item,
// produced by the upstream media client. URLBase is proxy-relative and
// carries the full transcode parameter set but no access token.
type StreamDescriptor struct {
	URLBase       string
	MediaSourceID string
	PlaySessionID string
	AudioIndex    *int
	SubtitleIndex *int
}

// MediaStream is one audio or subtitle track of a media source.
type MediaStream struct {
	Index      int    `json:"index"`
	Type       string `json:"type"`
	Language   string `json:"language"`
	Display    string `json:"displayLanguage"`
	Codec      string `json:"codec"`
	Channels   int    `json:"channels,omitempty"`
	IsDefault  bool   `json:"isDefault"`
	IsForced   bool   `json:"isForced,omitempty"`
	IsExternal bool   `json:"isExternal,omitempty"`
	IsText     bool   `json:"isTextSubtitleStream,omitempty"`
	IsImage    bool   `json:"isPGS,omitempty"`
	Title      string `json:"title"`
}

// IntroInfo describes the skippable intro window of an item, in seconds.
type IntroInfo struct {
	HasIntro bool    `json:"hasIntro"`
	Start    float64 `json:"start,omitempty"`
	End      float64 `json:"end,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}
