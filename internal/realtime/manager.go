package realtime

import (
	"context"
	"errors"
	"sync"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/logging"
	prometheusConvoy "git.fleetops.dev/dispatch/golang/convoy/internal/prometheus"
	"git.fleetops.dev/dispatch/golang/convoy/internal/transcription"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var ErrSessionNotRegistered = errors.New("session is not registered")

// Session is one live subscriber connection. Send must not block on a dead
// peer: it reports an error instead, and the manager prunes the session.
type Session interface {
	ID() string
	Send(payload []byte) error
}

type CallResolver interface {
	GetByCallID(ctx context.Context, callID string) (*call.Call, error)
	GetByExternalID(ctx context.Context, externalConversationID string) (*call.Call, error)
}

type HistorySource interface {
	ListByExternalID(ctx context.Context, externalConversationID string, limit int) ([]transcription.Transcription, error)
}

// Manager owns the subscription index: which sessions are interested in which
// call. A call is indexed under both its local call_id and its vendor
// conversation id, so a broadcast triggered by either key reaches the same
// listeners. All mutation goes through one mutex.
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]Session
	subscriptions map[string]map[string]struct{}
	sessionKeys   map[string]map[string]struct{}

	calls   CallResolver
	history HistorySource
}

func NewManager(calls CallResolver, history HistorySource) *Manager {
	return &Manager{
		sessions:      make(map[string]Session),
		subscriptions: make(map[string]map[string]struct{}),
		sessionKeys:   make(map[string]map[string]struct{}),
		calls:         calls,
		history:       history,
	}
}

func (manager *Manager) Register(session Session) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	if _, ok := manager.sessions[session.ID()]; ok {
		return
	}

	manager.sessions[session.ID()] = session
	manager.sessionKeys[session.ID()] = make(map[string]struct{})

	prometheusConvoy.ActiveWebsocketConnections.Inc()

	logging.Logger.Info("[Register] Session registered",
		zap.String("session_id", session.ID()),
		zap.Int("total_sessions", len(manager.sessions)),
	)
}

// Unregister removes a session and unwinds every subscription key it held.
// Idempotent.
func (manager *Manager) Unregister(sessionID string) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	manager.unregisterLocked(sessionID)
}

func (manager *Manager) unregisterLocked(sessionID string) {
	if _, ok := manager.sessions[sessionID]; !ok {
		return
	}

	for key := range manager.sessionKeys[sessionID] {
		manager.removeFromIndexLocked(key, sessionID)
	}

	delete(manager.sessions, sessionID)
	delete(manager.sessionKeys, sessionID)

	prometheusConvoy.ActiveWebsocketConnections.Dec()

	logging.Logger.Info("[Unregister] Session removed",
		zap.String("session_id", sessionID),
		zap.Int("total_sessions", len(manager.sessions)),
	)
}

func (manager *Manager) removeFromIndexLocked(key, sessionID string) {
	subscribers, ok := manager.subscriptions[key]
	if !ok {
		return
	}

	delete(subscribers, sessionID)

	if len(subscribers) == 0 {
		delete(manager.subscriptions, key)
	}
}

func (manager *Manager) indexLocked(key, sessionID string) {
	subscribers, ok := manager.subscriptions[key]
	if !ok {
		subscribers = make(map[string]struct{})
		manager.subscriptions[key] = subscribers
	}

	subscribers[sessionID] = struct{}{}

	keys, ok := manager.sessionKeys[sessionID]
	if ok {
		keys[key] = struct{}{}
	}
}

// resolveCall tries the key first as a local call_id, then as a vendor
// conversation id.
func (manager *Manager) resolveCall(ctx context.Context, key string) (*call.Call, error) {
	found, err := manager.calls.GetByCallID(ctx, key)
	if err != nil {
		return nil, err
	}

	if found != nil {
		return found, nil
	}

	found, err = manager.calls.GetByExternalID(ctx, key)
	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, call.ErrCallNotFound
	}

	return found, nil
}

// Subscribe registers the session's interest in a call resolved by either of
// its identifiers, then replays the full existing history to the new
// subscriber in ascending sequence order. A late subscriber must see
// everything, not just future turns.
func (manager *Manager) Subscribe(ctx context.Context, sessionID, key string) (*call.Call, error) {
	resolved, err := manager.resolveCall(ctx, key)
	if err != nil {
		return nil, err
	}

	manager.mu.Lock()

	session, ok := manager.sessions[sessionID]
	if !ok {
		manager.mu.Unlock()
		return nil, ErrSessionNotRegistered
	}

	manager.indexLocked(resolved.CallID, sessionID)

	if resolved.ExternalConversationID != nil {
		manager.indexLocked(*resolved.ExternalConversationID, sessionID)
	}

	manager.mu.Unlock()

	manager.sendFrame(session, SubscribeConfirmedFrame{
		Type:                   FrameTypeSubscribeConfirmed,
		CallID:                 resolved.CallID,
		ExternalConversationID: resolved.ExternalConversationID,
		Status:                 resolved.Status,
	})

	manager.replayHistory(ctx, session, resolved)

	return resolved, nil
}

func (manager *Manager) replayHistory(ctx context.Context, session Session, resolved *call.Call) {
	if resolved.ExternalConversationID == nil {
		return
	}

	turns, err := manager.history.ListByExternalID(ctx, *resolved.ExternalConversationID, 0)
	if err != nil {
		logging.Logger.Error("[replayHistory] Failed to fetch history for replay",
			zap.String("call_id", resolved.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	for i := range turns {
		manager.sendFrame(session, newTranscriptionFrame(resolved, &turns[i]))
	}
}

// Unsubscribe removes the session's interest in a call, under both of the
// call's identifiers.
func (manager *Manager) Unsubscribe(ctx context.Context, sessionID, key string) (*call.Call, error) {
	resolved, err := manager.resolveCall(ctx, key)
	if err != nil {
		return nil, err
	}

	manager.mu.Lock()
	defer manager.mu.Unlock()

	manager.removeFromIndexLocked(resolved.CallID, sessionID)

	keys, ok := manager.sessionKeys[sessionID]
	if ok {
		delete(keys, resolved.CallID)
	}

	if resolved.ExternalConversationID != nil {
		manager.removeFromIndexLocked(*resolved.ExternalConversationID, sessionID)

		if ok {
			delete(keys, *resolved.ExternalConversationID)
		}
	}

	return resolved, nil
}

// BroadcastTranscription fans one new turn out to every subscriber of the
// call.
func (manager *Manager) BroadcastTranscription(c *call.Call, turn *transcription.Transcription) {
	manager.broadcastToCall(c, newTranscriptionFrame(c, turn), FrameTypeTranscription)
}

// BroadcastCompletion sends two ordered frames: a lightweight status notice
// first, so clients can flip their UI immediately, then the full payload. The
// call's subscription entries are cleared afterward since no further events
// are expected once terminal.
func (manager *Manager) BroadcastCompletion(c *call.Call) {
	manager.broadcastToCall(c, CallStatusFrame{
		Type:        FrameTypeCallStatus,
		CallID:      c.CallID,
		Status:      c.Status,
		CallEndTime: c.CallEndTime,
	}, FrameTypeCallStatus)

	manager.broadcastToCall(c, CallCompletedFrame{
		Type:     FrameTypeCallCompleted,
		CallID:   c.CallID,
		CallData: c,
	}, FrameTypeCallCompleted)

	manager.clearCallSubscriptions(c)
}

func (manager *Manager) clearCallSubscriptions(c *call.Call) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	keys := []string{c.CallID}
	if c.ExternalConversationID != nil {
		keys = append(keys, *c.ExternalConversationID)
	}

	for _, key := range keys {
		for sessionID := range manager.subscriptions[key] {
			sessionKeys, ok := manager.sessionKeys[sessionID]
			if ok {
				delete(sessionKeys, key)
			}
		}

		delete(manager.subscriptions, key)
	}
}

// broadcastToCall delivers a frame to the union of subscribers indexed under
// the call's two identifiers. A failed send marks the session dead; dead
// sessions are unregistered after the loop so one dead peer never blocks
// delivery to the rest.
func (manager *Manager) broadcastToCall(c *call.Call, frame any, frameType string) {
	payload, err := json.Marshal(frame)
	if err != nil {
		logging.Logger.Error("[broadcastToCall] Failed to marshal frame",
			zap.String("call_id", c.CallID),
			zap.String("frame_type", frameType),
			zap.String("error", err.Error()),
		)

		return
	}

	manager.mu.Lock()

	targets := make(map[string]Session)

	keys := []string{c.CallID}
	if c.ExternalConversationID != nil {
		keys = append(keys, *c.ExternalConversationID)
	}

	for _, key := range keys {
		for sessionID := range manager.subscriptions[key] {
			session, ok := manager.sessions[sessionID]
			if ok {
				targets[sessionID] = session
			}
		}
	}

	manager.mu.Unlock()

	var dead []string

	for sessionID, session := range targets {
		err := session.Send(payload)
		if err != nil {
			logging.Logger.Warn("[broadcastToCall] Dropping dead session",
				zap.String("session_id", sessionID),
				zap.String("error", err.Error()),
			)

			dead = append(dead, sessionID)

			continue
		}

		prometheusConvoy.BroadcastDeliveriesTotal.WithLabelValues(frameType).Inc()
	}

	manager.mu.Lock()
	for _, sessionID := range dead {
		manager.unregisterLocked(sessionID)
	}
	manager.mu.Unlock()
}

func (manager *Manager) sendFrame(session Session, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		logging.Logger.Error("[sendFrame] Failed to marshal frame", zap.String("error", err.Error()))
		return
	}

	err = session.Send(payload)
	if err != nil {
		logging.Logger.Warn("[sendFrame] Failed to send frame, removing session",
			zap.String("session_id", session.ID()),
			zap.String("error", err.Error()),
		)

		manager.Unregister(session.ID())
	}
}
