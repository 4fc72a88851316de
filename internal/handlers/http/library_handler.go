package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/errors"
	"watchparty/pkg/validation"
)

// LibraryHandler exposes read-only media catalog browsing backed by the
// upstream media server. Responses for listing endpoints are passed through
// as the upstream returned them.
type LibraryHandler struct {
	media ports.MediaClient
}

func NewLibraryHandler(media ports.MediaClient) *LibraryHandler {
	return &LibraryHandler{
		media: media,
	}
}

func (h *LibraryHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api")
	{
		api.GET("/libraries", h.Libraries)
		api.GET("/items", h.Items)
		api.GET("/search", h.Search)
		api.GET("/item/:id", h.ItemDetails)
		api.GET("/item/:id/streams", h.ItemStreams)
		api.GET("/intro/:id", h.Intro)
		api.GET("/image/:id", h.Image)
		api.GET("/subtitles/:id/:msid/:idx", h.Subtitles)
	}
}

func (h *LibraryHandler) Libraries(c *gin.Context) {
	body, err := h.media.Libraries(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (h *LibraryHandler) Items(c *gin.Context) {
	parentID := c.Query("parent_id")
	itemType := c.Query("type")
	recursive := c.Query("recursive") == "true"

	body, err := h.media.Items(c.Request.Context(), parentID, itemType, recursive)
	if err != nil {
		c.Error(err)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (h *LibraryHandler) Search(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.Error(errors.NewInvalidInputError("search query is required"))
		return
	}

	body, err := h.media.Search(c.Request.Context(), query)
	if err != nil {
		c.Error(err)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (h *LibraryHandler) ItemDetails(c *gin.Context) {
	itemID, ok := h.itemParam(c)
	if !ok {
		return
	}

	body, err := h.media.ItemDetails(c.Request.Context(), itemID)
	if err != nil {
		c.Error(err)
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (h *LibraryHandler) ItemStreams(c *gin.Context) {
	itemID, ok := h.itemParam(c)
	if !ok {
		return
	}

	streams, mediaSourceID, err := h.media.ItemStreams(c.Request.Context(), itemID)
	if err != nil {
		c.Error(err)
		return
	}

	audio := make([]domain.MediaStream, 0)
	subtitles := make([]domain.MediaStream, 0)
	for _, s := range streams {
		switch s.Type {
		case "Audio":
			audio = append(audio, s)
		case "Subtitle":
			subtitles = append(subtitles, s)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"media_source_id": mediaSourceID,
		"audio":           audio,
		"subtitles":       subtitles,
	})
}

func (h *LibraryHandler) Intro(c *gin.Context) {
	itemID, ok := h.itemParam(c)
	if !ok {
		return
	}

	intro, err := h.media.Intro(c.Request.Context(), itemID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, intro)
}

func (h *LibraryHandler) Image(c *gin.Context) {
	itemID, ok := h.itemParam(c)
	if !ok {
		return
	}
	imageType := c.DefaultQuery("type", "Primary")

	body, contentType, err := h.media.Image(c.Request.Context(), itemID, imageType)
	if err != nil {
		c.Error(err)
		return
	}
	if contentType == "" {
		contentType = "image/jpeg"
	}
	c.Header("Cache-Control", "public, max-age=86400")
	c.Data(http.StatusOK, contentType, body)
}

func (h *LibraryHandler) Subtitles(c *gin.Context) {
	itemID, ok := h.itemParam(c)
	if !ok {
		return
	}
	mediaSourceID := c.Param("msid")
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.Error(errors.NewInvalidInputError("invalid subtitle stream index"))
		return
	}

	body, err := h.media.Subtitles(c.Request.Context(), itemID, mediaSourceID, idx)
	if err != nil {
		c.Error(err)
		return
	}
	c.Data(http.StatusOK, "text/vtt; charset=utf-8", body)
}

func (h *LibraryHandler) itemParam(c *gin.Context) (domain.ItemID, bool) {
	id := c.Param("id")
	if err := validation.ValidateItemID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.ItemID(id), true
}
