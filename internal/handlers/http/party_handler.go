package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/pkg/errors"
	"watchparty/pkg/validation"
)

type PartyHandler struct {
	partyService ports.PartyService
}

func NewPartyHandler(partyService ports.PartyService) *PartyHandler {
	return &PartyHandler{
		partyService: partyService,
	}
}

// SetupRoutes registers the party endpoints. creationLimiter applies only to
// party creation, which allocates server state and gets a tighter budget.
func (h *PartyHandler) SetupRoutes(router *gin.Engine, creationLimiter gin.HandlerFunc) {
	api := router.Group("/api/party")
	{
		api.POST("/create", creationLimiter, h.CreateParty)
		api.GET("/:id/info", h.PartyInfo)
	}
}

func (h *PartyHandler) CreateParty(c *gin.Context) {
	party, err := h.partyService.CreateParty(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"party_id": party.Code,
		"url":      "/party/" + string(party.Code),
	})
}

func (h *PartyHandler) PartyInfo(c *gin.Context) {
	code := c.Param("id")
	if err := validation.ValidatePartyCode(code); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	info, err := h.partyService.PartyInfo(c.Request.Context(), domain.PartyCode(code))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, info)
}
