package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	"watchparty/internal/infrastructure/middleware"
)

type fakePartyService struct {
	createParty func(ctx context.Context) (*domain.Party, error)
	partyInfo   func(ctx context.Context, code domain.PartyCode) (*ports.PartyInfo, error)
}

func (f *fakePartyService) CreateParty(ctx context.Context) (*domain.Party, error) {
	return f.createParty(ctx)
}

func (f *fakePartyService) PartyInfo(ctx context.Context, code domain.PartyCode) (*ports.PartyInfo, error) {
	return f.partyInfo(ctx, code)
}

func (f *fakePartyService) Join(context.Context, domain.PartyCode, domain.SessionID, string) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) Leave(context.Context, domain.PartyCode, domain.SessionID) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) Disconnect(context.Context, domain.SessionID) []ports.Event {
	return nil
}

func (f *fakePartyService) SelectVideo(context.Context, domain.PartyCode, domain.SessionID, ports.SelectVideoRequest) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) Play(context.Context, domain.PartyCode, domain.SessionID, float64) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) Pause(context.Context, domain.PartyCode, domain.SessionID, float64) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) Seek(context.Context, domain.PartyCode, domain.SessionID, float64) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) ChangeStreams(context.Context, domain.PartyCode, domain.SessionID, *int, *int) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) StopVideo(context.Context, domain.PartyCode, domain.SessionID) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) VideoEnded(context.Context, domain.PartyCode, domain.SessionID) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) ToggleLibrary(context.Context, domain.PartyCode, domain.SessionID, bool) ([]ports.Event, error) {
	return nil, nil
}

func (f *fakePartyService) Chat(context.Context, domain.PartyCode, domain.SessionID, string) ([]ports.Event, error) {
	return nil, nil
}

func newPartyRouter(svc ports.PartyService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))

	handler := NewPartyHandler(svc)
	passthrough := func(c *gin.Context) { c.Next() }
	handler.SetupRoutes(router, passthrough)
	return router
}

func TestCreateParty_ReturnsCodeAndURL(t *testing.T) {
	svc := &fakePartyService{
		createParty: func(ctx context.Context) (*domain.Party, error) {
			return domain.NewParty("ABCDE"), nil
		},
	}
	router := newPartyRouter(svc)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/api/party/create", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ABCDE", body["party_id"])
	assert.Equal(t, "/party/ABCDE", body["url"])
}

func TestPartyInfo_ReturnsSnapshot(t *testing.T) {
	svc := &fakePartyService{
		partyInfo: func(ctx context.Context, code domain.PartyCode) (*ports.PartyInfo, error) {
			assert.Equal(t, domain.PartyCode("ABCDE"), code)
			return &ports.PartyInfo{
				Code:  "ABCDE",
				Users: []string{"alice", "bob"},
			}, nil
		},
	}
	router := newPartyRouter(svc)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/party/ABCDE/info", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var info ports.PartyInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, domain.PartyCode("ABCDE"), info.Code)
	assert.Equal(t, []string{"alice", "bob"}, info.Users)
}

func TestPartyInfo_UnknownParty_Returns404(t *testing.T) {
	svc := &fakePartyService{
		partyInfo: func(ctx context.Context, code domain.PartyCode) (*ports.PartyInfo, error) {
			return nil, domain.ErrPartyNotFound
		},
	}
	router := newPartyRouter(svc)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/party/ZZZZZ/info", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPartyInfo_BadCode_Returns400(t *testing.T) {
	router := newPartyRouter(&fakePartyService{})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/api/party/a!b/info", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
