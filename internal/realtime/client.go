package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

var (
	ErrSessionClosed  = errors.New("session is closed")
	ErrSendBufferFull = errors.New("session send buffer is full")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is one websocket subscriber. Outbound frames go through a buffered
// channel drained by writePump; a full buffer means the peer has stopped
// reading and the session is treated as dead.
type Client struct {
	id       string
	identity string
	conn     *websocket.Conn
	manager  *Manager

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (client *Client) ID() string {
	return client.id
}

func (client *Client) Send(payload []byte) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.closed {
		return ErrSessionClosed
	}

	select {
	case client.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (client *Client) close() {
	client.mu.Lock()
	defer client.mu.Unlock()

	if client.closed {
		return
	}

	client.closed = true
	close(client.send)
}

// ServeWS authenticates the token query parameter, upgrades the connection
// and runs the session until the peer goes away.
func ServeWS(manager *Manager, w http.ResponseWriter, r *http.Request) {
	identity, err := ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		logging.Logger.Warn("[ServeWS] Rejected websocket connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("error", err.Error()),
		)

		http.Error(w, "invalid or missing token", http.StatusUnauthorized)

		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Logger.Error("[ServeWS] Failed to upgrade connection",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("error", err.Error()),
		)

		return
	}

	client := &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		manager:  manager,
		send:     make(chan []byte, sendBufferSize),
	}

	manager.Register(client)

	go client.writePump()
	go client.readPump()
}

func (client *Client) readPump() {
	defer func() {
		client.manager.Unregister(client.id)
		client.close()

		cerr := client.conn.Close()
		if cerr != nil {
			logging.Logger.Debug("Failed to close websocket connection", zap.String("error", cerr.Error()))
		}
	}()

	client.conn.SetReadLimit(maxMessageSize)

	err := client.conn.SetReadDeadline(time.Now().Add(pongWait))
	if err != nil {
		return
	}

	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Logger.Warn("[readPump] Unexpected websocket close",
					zap.String("session_id", client.id),
					zap.String("error", err.Error()),
				)
			}

			return
		}

		client.handleFrame(payload)
	}
}

func (client *Client) handleFrame(payload []byte) {
	ctx := context.Background()

	var frame ClientFrame

	err := json.Unmarshal(payload, &frame)
	if err != nil || (frame.Subscribe == "" && frame.Unsubscribe == "") {
		client.sendError(ErrorCodeInvalidMessageFormat, "expected {\"subscribe\": <id>} or {\"unsubscribe\": <id>}")
		return
	}

	if frame.Subscribe != "" {
		_, err := client.manager.Subscribe(ctx, client.id, frame.Subscribe)
		if errors.Is(err, call.ErrCallNotFound) {
			client.sendError(ErrorCodeCallNotFound, "no call matches "+frame.Subscribe)
			return
		}

		if err != nil {
			logging.Logger.Error("[handleFrame] Subscribe failed",
				zap.String("session_id", client.id),
				zap.String("key", frame.Subscribe),
				zap.String("error", err.Error()),
			)

			client.sendError(ErrorCodeCallNotFound, "failed to resolve "+frame.Subscribe)
		}

		return
	}

	resolved, err := client.manager.Unsubscribe(ctx, client.id, frame.Unsubscribe)
	if errors.Is(err, call.ErrCallNotFound) {
		client.sendError(ErrorCodeCallNotFound, "no call matches "+frame.Unsubscribe)
		return
	}

	if err != nil {
		logging.Logger.Error("[handleFrame] Unsubscribe failed",
			zap.String("session_id", client.id),
			zap.String("key", frame.Unsubscribe),
			zap.String("error", err.Error()),
		)

		return
	}

	client.sendJSON(UnsubscribeConfirmedFrame{
		Type: FrameTypeUnsubscribeConfirmed,
		Key:  resolved.CallID,
	})
}

func (client *Client) sendError(code, message string) {
	client.sendJSON(ErrorFrame{
		Type:    FrameTypeError,
		Code:    code,
		Message: message,
	})
}

func (client *Client) sendJSON(frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		logging.Logger.Error("[sendJSON] Failed to marshal frame", zap.String("error", err.Error()))
		return
	}

	err = client.Send(payload)
	if err != nil {
		logging.Logger.Debug("[sendJSON] Failed to queue frame",
			zap.String("session_id", client.id),
			zap.String("error", err.Error()),
		)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()

		cerr := client.conn.Close()
		if cerr != nil {
			logging.Logger.Debug("Failed to close websocket connection", zap.String("error", cerr.Error()))
		}
	}()

	for {
		select {
		case payload, ok := <-client.send:
			err := client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				return
			}

			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			err = client.conn.WriteMessage(websocket.TextMessage, payload)
			if err != nil {
				return
			}
		case <-ticker.C:
			err := client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err != nil {
				return
			}

			err = client.conn.WriteMessage(websocket.PingMessage, nil)
			if err != nil {
				return
			}
		}
	}
}
