package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"watchparty/internal/core/domain"
	"watchparty/internal/core/ports"
	apperrors "watchparty/pkg/errors"
	"watchparty/pkg/validation"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ControlMessage is the inbound control-channel envelope.
type ControlMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// queued wraps one outbound frame for the writer goroutine. closeAfter makes
// the writer shut the socket down once the frame is on the wire, which is how
// evicted sessions are terminated in order.
type queued struct {
	msg        outbound
	closeAfter bool
}

type connection struct {
	sessionID domain.SessionID
	ws        *websocket.Conn
	send      chan queued
	closeOnce sync.Once
}

func (c *connection) close() {
	c.closeOnce.Do(func() { c.ws.Close() })
}

// WebSocketServer is the realtime control channel. One goroutine reads each
// connection, one writes it; all party mutation goes through the party
// service, and the resulting events are fanned out fire-and-forget so a slow
// viewer never blocks a room.
type WebSocketServer struct {
	partyService ports.PartyService
	metrics      ports.MetricsRecorder
	logger       *zap.SugaredLogger

	connections map[domain.SessionID]*connection
	mu          sync.RWMutex

	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration
	sendBufferSize int
}

type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	SendBufferSize int
}

func NewWebSocketServer(partyService ports.PartyService, metrics ports.MetricsRecorder, logger *zap.SugaredLogger, cfg Config) *WebSocketServer {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 60 * time.Second
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = 64
	}
	return &WebSocketServer{
		partyService:   partyService,
		metrics:        metrics,
		logger:         logger,
		connections:    make(map[domain.SessionID]*connection),
		pingInterval:   cfg.PingInterval,
		pongTimeout:    cfg.PongTimeout,
		writeTimeout:   10 * time.Second,
		sendBufferSize: cfg.SendBufferSize,
	}
}

type connectedPayload struct {
	SessionID domain.SessionID `json:"session_id"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	conn := &connection{
		sessionID: domain.SessionID(uuid.NewString()),
		ws:        ws,
		send:      make(chan queued, s.sendBufferSize),
	}
	defer conn.close()

	s.mu.Lock()
	s.connections[conn.sessionID] = conn
	s.mu.Unlock()

	s.logger.Infow("session connected", "session", conn.sessionID, "remote", r.RemoteAddr)

	go s.writePump(conn)
	conn.enqueue(outbound{Type: ports.EventConnected, Payload: connectedPayload{SessionID: conn.sessionID}}, false)

	ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	messageChan := make(chan ControlMessage, 10)
	errorChan := make(chan error, 1)

	go func() {
		for {
			var msg ControlMessage
			if err := ws.ReadJSON(&msg); err != nil {
				errorChan <- err
				return
			}
			ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
			messageChan <- msg
		}
	}()

	for {
		select {
		case msg := <-messageChan:
			if err := s.handleMessage(r.Context(), conn, msg); err != nil {
				s.logger.Infow("error handling control message",
					"session", conn.sessionID, "type", msg.Type, "error", err)
				s.sendError(conn, err)
			}

		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Infow("error sending ping", "session", conn.sessionID, "error", err)
				s.cleanup(conn)
				return
			}

		case err := <-errorChan:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading control message", "session", conn.sessionID, "error", err)
			}
			s.cleanup(conn)
			return
		}
	}
}

func (s *WebSocketServer) cleanup(conn *connection) {
	s.mu.Lock()
	delete(s.connections, conn.sessionID)
	s.mu.Unlock()

	events := s.partyService.Disconnect(context.Background(), conn.sessionID)
	s.Deliver(events)

	conn.close()
	s.logger.Infow("session disconnected", "session", conn.sessionID)
}

// writePump serializes all writes for one connection.
func (s *WebSocketServer) writePump(conn *connection) {
	for q := range conn.send {
		conn.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := conn.ws.WriteJSON(q.msg); err != nil {
			conn.close()
			return
		}
		if q.closeAfter {
			conn.close()
			return
		}
	}
}

// enqueue hands a frame to the writer without ever blocking the caller. A
// full buffer means the viewer is too far behind to stay in sync anyway, so
// the frame is dropped.
func (c *connection) enqueue(msg outbound, closeAfter bool) bool {
	select {
	case c.send <- queued{msg: msg, closeAfter: closeAfter}:
		return true
	default:
		return false
	}
}

// Deliver fans out state-machine events to their recipients.
func (s *WebSocketServer) Deliver(events []ports.Event) {
	for _, event := range events {
		delivered := 0
		for _, sessionID := range event.To {
			s.mu.RLock()
			conn, ok := s.connections[sessionID]
			s.mu.RUnlock()
			if !ok {
				continue
			}
			if conn.enqueue(outbound{Type: event.Type, Payload: event.Payload}, event.Type == ports.EventEvicted) {
				delivered++
			} else {
				s.logger.Warnw("dropping event for slow session",
					"session", sessionID, "type", event.Type)
			}
		}
		s.metrics.BroadcastSent(event.Type, delivered)
	}
}

func (s *WebSocketServer) sendError(conn *connection, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		appErr = apperrors.FromDomain(err)
	}
	conn.enqueue(outbound{
		Type:    ports.EventError,
		Payload: errorPayload{Code: string(appErr.Code), Message: appErr.Message},
	}, false)
}

type joinPartyPayload struct {
	PartyID  string `json:"party_id"`
	Username string `json:"username"`
}

type partyScopedPayload struct {
	PartyID string `json:"party_id"`
}

type selectVideoPayload struct {
	PartyID       string `json:"party_id"`
	ItemID        string `json:"item_id"`
	Title         string `json:"title"`
	Overview      string `json:"overview"`
	AudioIndex    *int   `json:"audio_index"`
	SubtitleIndex *int   `json:"subtitle_index"`
}

type playbackCommandPayload struct {
	PartyID string  `json:"party_id"`
	Time    float64 `json:"time"`
}

type changeStreamsPayload struct {
	PartyID       string `json:"party_id"`
	AudioIndex    *int   `json:"audio_index"`
	SubtitleIndex *int   `json:"subtitle_index"`
}

type toggleLibraryInbound struct {
	PartyID string `json:"party_id"`
	Show    bool   `json:"show"`
}

type chatInbound struct {
	PartyID string `json:"party_id"`
	Message string `json:"message"`
}

func (s *WebSocketServer) handleMessage(ctx context.Context, conn *connection, msg ControlMessage) error {
	if msg.Type == "" {
		return apperrors.NewInvalidInputError("message type is required")
	}
	s.metrics.ControlMessage(msg.Type)

	var (
		events []ports.Event
		err    error
	)

	switch msg.Type {
	case "join_party":
		var p joinPartyPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		if err := validation.ValidatePartyCode(p.PartyID); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		if err := validation.ValidateUsername(p.Username); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		events, err = s.partyService.Join(ctx, domain.PartyCode(p.PartyID), conn.sessionID, p.Username)

	case "leave_party":
		var p partyScopedPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		events, err = s.partyService.Leave(ctx, domain.PartyCode(p.PartyID), conn.sessionID)

	case "select_video":
		var p selectVideoPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		if err := validation.ValidateItemID(p.ItemID); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		events, err = s.partyService.SelectVideo(ctx, domain.PartyCode(p.PartyID), conn.sessionID, ports.SelectVideoRequest{
			ItemID:        domain.ItemID(p.ItemID),
			Title:         p.Title,
			Overview:      p.Overview,
			AudioIndex:    p.AudioIndex,
			SubtitleIndex: p.SubtitleIndex,
		})

	case "play", "pause", "seek":
		var p playbackCommandPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		if err := validation.ValidatePlaybackTime(p.Time); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		switch msg.Type {
		case "play":
			events, err = s.partyService.Play(ctx, domain.PartyCode(p.PartyID), conn.sessionID, p.Time)
		case "pause":
			events, err = s.partyService.Pause(ctx, domain.PartyCode(p.PartyID), conn.sessionID, p.Time)
		case "seek":
			events, err = s.partyService.Seek(ctx, domain.PartyCode(p.PartyID), conn.sessionID, p.Time)
		}

	case "change_streams":
		var p changeStreamsPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		events, err = s.partyService.ChangeStreams(ctx, domain.PartyCode(p.PartyID), conn.sessionID, p.AudioIndex, p.SubtitleIndex)

	case "stop_video":
		var p partyScopedPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		events, err = s.partyService.StopVideo(ctx, domain.PartyCode(p.PartyID), conn.sessionID)

	case "video_ended":
		var p partyScopedPayload
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		events, err = s.partyService.VideoEnded(ctx, domain.PartyCode(p.PartyID), conn.sessionID)

	case "toggle_library":
		var p toggleLibraryInbound
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		events, err = s.partyService.ToggleLibrary(ctx, domain.PartyCode(p.PartyID), conn.sessionID, p.Show)

	case "chat_message":
		var p chatInbound
		if err := unmarshalPayload(msg.Payload, &p); err != nil {
			return err
		}
		if err := validation.ValidateChatMessage(p.Message); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		events, err = s.partyService.Chat(ctx, domain.PartyCode(p.PartyID), conn.sessionID, p.Message)

	default:
		return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}

	if err != nil {
		return err
	}
	s.Deliver(events)
	return nil
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return apperrors.NewInvalidInputError("payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid payload: %v", err))
	}
	return nil
}

// ConnectionCount reports the number of live control-channel sessions.
func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}
