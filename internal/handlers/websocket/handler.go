package websocket

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/domains/session"
	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/Logger"
)

// Close code sent when the connection fails authentication.
const closeCodeUnauthorized = 4401

// SessionClaims is the JWT payload minted by the account service.
type SessionClaims struct {
	UserID string `json:"user_id"`
	Tier   string `json:"tier"`
	jwt.RegisteredClaims
}

// Deps carries everything a new session needs, built once at startup.
type Deps struct {
	Config       *config.Settings
	Collaborator session.Collaborators
}

// Handler upgrades voice-stream websocket connections and pumps their
// read loops. Each accepted connection gets its own session.
type Handler struct {
	logger            *Logger.Logger
	deps              Deps
	connectionManager *ConnectionManager
	upgrader          websocket.Upgrader
}

func NewHandler(logger *Logger.Logger, deps Deps) *Handler {
	return &Handler{
		logger:            logger,
		deps:              deps,
		connectionManager: NewConnectionManager(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the web client's domains are fixed
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// RegisterRoutes registers the websocket routes.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	ws := router.Group("/ws")
	{
		ws.GET("/", h.HandleVoiceStream)
		ws.GET("/stats", h.HandleStats)
	}
}

// HandleVoiceStream is the main entry point: authenticate, build a
// session, then pump messages until the peer goes away.
func (h *Handler) HandleVoiceStream(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %v", err)
		return
	}

	conn := NewConn(ws, c.Query("encoding"), h.logger)

	userID, tier, guest, err := h.authenticate(c)
	if err != nil {
		h.logger.Warnf("websocket auth rejected: %v", err)
		conn.CloseWithCode(closeCodeUnauthorized, "authentication failed")
		return
	}

	sess := session.New(userID, guest, tier, conn, h.deps.Config.Session, h.deps.Collaborator)
	h.connectionManager.Register(sess)
	defer h.connectionManager.Unregister(sess.SessionID)

	conn.StartPing()
	h.pumpMessages(sess, conn, ws)
}

// authenticate resolves the connecting identity. Exactly one of token
// and guest_id must be present; a token must verify, a guest id just
// needs to be a UUID.
func (h *Handler) authenticate(c *gin.Context) (uuid.UUID, types.Tier, bool, error) {
	token := c.Query("token")
	guestID := c.Query("guest_id")

	if token != "" && guestID != "" {
		return uuid.Nil, "", false, fmt.Errorf("token and guest_id are mutually exclusive")
	}

	if token != "" {
		claims := &SessionClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(h.deps.Config.Auth.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			return uuid.Nil, "", false, fmt.Errorf("invalid token: %w", err)
		}
		userID, err := uuid.Parse(claims.UserID)
		if err != nil {
			return uuid.Nil, "", false, fmt.Errorf("malformed user id in claims: %q", claims.UserID)
		}
		tier := types.Tier(claims.Tier)
		if tier != types.TierPro {
			tier = types.TierFree
		}
		return userID, tier, false, nil
	}

	if guestID != "" {
		userID, err := uuid.Parse(guestID)
		if err != nil {
			return uuid.Nil, "", false, fmt.Errorf("malformed guest_id: %q", guestID)
		}
		return userID, types.TierFree, true, nil
	}

	return uuid.Nil, "", false, fmt.Errorf("no token or guest_id provided")
}

// pumpMessages runs the read loop until the connection dies. Binary
// frames are raw audio; text frames are JSON control messages gated by a
// per-connection rate limiter.
func (h *Handler) pumpMessages(sess *session.Session, conn *Conn, ws *websocket.Conn) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorf("panic in session %s read loop: %v", sess.SessionID, r)
			conn.SendError("internal", "gateway", "internal error")
			sess.Close()
		}
	}()

	limiter := rate.NewLimiter(
		rate.Limit(h.deps.Config.Session.ControlMsgsPerSec),
		h.deps.Config.Session.ControlMsgsPerSec,
	)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Errorf("websocket read error: %v", err)
			} else {
				h.logger.Infof("websocket closed for session %s", sess.SessionID)
			}
			return
		}
		if sess.Closed() {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			sess.HandleAudioFrame(data, int32(h.deps.Config.STT.SampleRate), int16(h.deps.Config.STT.Channels))
		case websocket.TextMessage:
			if !limiter.Allow() {
				h.logger.Warnf("dropping control message from session %s: rate limit", sess.SessionID)
				continue
			}
			h.handleControlMessage(sess, data)
		}
	}
}

func (h *Handler) handleControlMessage(sess *session.Session, data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warnf("unparseable control message: %v", err)
		return
	}

	switch msg.Type {
	case MessageTypeStartStream:
		if err := sess.StartStream(); err != nil {
			h.logger.Warnf("start_stream rejected for session %s: %v", sess.SessionID, err)
		}

	case MessageTypeEOU:
		sess.HandleEOU()

	case MessageTypeInterrupt:
		sess.HandleInterrupt()

	case MessageTypeText:
		var payload TextMessage
		if !decodePayload(msg.Data, &payload) || payload.Content == "" {
			return
		}
		if len(payload.Content) > h.deps.Config.Session.MaxTextMessageLen {
			h.logger.Warnf("dropping oversized text message from session %s", sess.SessionID)
			return
		}
		sess.HandleTextMessage(payload.Content)

	case MessageTypeImage, MessageTypeImages:
		var payload ImageMessage
		if !decodePayload(msg.Data, &payload) {
			return
		}
		items := payload.Items
		if payload.Data != "" {
			items = append(items, payload.Data)
		}
		if len(items) > 0 {
			sess.HandleImages(items)
		}

	default:
		h.logger.Warnf("unknown message type %q from session %s", msg.Type, sess.SessionID)
	}
}

// decodePayload remarshals the loosely typed Data field into a concrete
// payload struct.
func decodePayload(data interface{}, out interface{}) bool {
	if data == nil {
		return false
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// HandleStats reports live connection statistics.
func (h *Handler) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"data":   h.connectionManager.Stats(),
	})
}

// Close shuts down all live sessions.
func (h *Handler) Close() error {
	return h.connectionManager.Close()
}
