package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.fleetops.dev/dispatch/golang/convoy/internal/call"
	"git.fleetops.dev/dispatch/golang/convoy/internal/transcription"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id   string
	dead bool

	mu     sync.Mutex
	frames [][]byte
}

func (session *fakeSession) ID() string {
	return session.id
}

func (session *fakeSession) Send(payload []byte) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.dead {
		return errors.New("connection reset by peer")
	}

	session.frames = append(session.frames, payload)

	return nil
}

func (session *fakeSession) frameTypes(t *testing.T) []string {
	t.Helper()

	session.mu.Lock()
	defer session.mu.Unlock()

	types := make([]string, 0, len(session.frames))

	for _, payload := range session.frames {
		var frame struct {
			Type string `json:"type"`
		}

		require.NoError(t, json.Unmarshal(payload, &frame))

		types = append(types, frame.Type)
	}

	return types
}

type fakeCallResolver struct {
	byCallID     map[string]*call.Call
	byExternalID map[string]*call.Call
}

func (resolver *fakeCallResolver) GetByCallID(ctx context.Context, callID string) (*call.Call, error) {
	return resolver.byCallID[callID], nil
}

func (resolver *fakeCallResolver) GetByExternalID(
	ctx context.Context,
	externalConversationID string,
) (*call.Call, error) {
	return resolver.byExternalID[externalConversationID], nil
}

type fakeHistorySource struct {
	turns map[string][]transcription.Transcription
}

func (source *fakeHistorySource) ListByExternalID(
	ctx context.Context,
	externalConversationID string,
	limit int,
) ([]transcription.Transcription, error) {
	return source.turns[externalConversationID], nil
}

func newTestCall(callID, externalConversationID string) *call.Call {
	return &call.Call{
		CallID:                 callID,
		ExternalConversationID: &externalConversationID,
		Status:                 call.StatusInProgress,
		CallStartTime:          time.Now().UTC(),
	}
}

func newTestManager(calls ...*call.Call) *Manager {
	resolver := &fakeCallResolver{
		byCallID:     make(map[string]*call.Call),
		byExternalID: make(map[string]*call.Call),
	}

	history := &fakeHistorySource{turns: make(map[string][]transcription.Transcription)}

	for _, c := range calls {
		resolver.byCallID[c.CallID] = c

		if c.ExternalConversationID != nil {
			resolver.byExternalID[*c.ExternalConversationID] = c
		}
	}

	return NewManager(resolver, history)
}

func TestSubscribeReplaysHistoryInOrder(t *testing.T) {
	watched := newTestCall("EL_1_300", "conv_300")

	manager := newTestManager(watched)
	manager.history.(*fakeHistorySource).turns["conv_300"] = []transcription.Transcription{
		{ExternalConversationID: "conv_300", Speaker: transcription.SpeakerAgent, MessageText: "hello", SequenceNumber: 1},
		{ExternalConversationID: "conv_300", Speaker: transcription.SpeakerDriver, MessageText: "hi", SequenceNumber: 2},
	}

	session := &fakeSession{id: "session-1"}
	manager.Register(session)

	resolved, err := manager.Subscribe(context.Background(), session.id, "EL_1_300")
	require.NoError(t, err)
	require.Equal(t, "EL_1_300", resolved.CallID)

	require.Equal(t, []string{
		FrameTypeSubscribeConfirmed,
		FrameTypeTranscription,
		FrameTypeTranscription,
	}, session.frameTypes(t))

	var second TranscriptionFrame
	require.NoError(t, json.Unmarshal(session.frames[2], &second))
	require.Equal(t, 2, second.SequenceNumber)
	require.Equal(t, transcription.SpeakerDriver, second.SpeakerType)
}

func TestSubscribeByExternalIDResolvesSameCall(t *testing.T) {
	watched := newTestCall("EL_1_301", "conv_301")
	manager := newTestManager(watched)

	session := &fakeSession{id: "session-1"}
	manager.Register(session)

	resolved, err := manager.Subscribe(context.Background(), session.id, "conv_301")
	require.NoError(t, err)
	require.Equal(t, "EL_1_301", resolved.CallID)
}

func TestSubscribeUnknownKey(t *testing.T) {
	manager := newTestManager()

	session := &fakeSession{id: "session-1"}
	manager.Register(session)

	_, err := manager.Subscribe(context.Background(), session.id, "no-such-call")
	require.ErrorIs(t, err, call.ErrCallNotFound)
}

func TestSubscribeUnregisteredSession(t *testing.T) {
	watched := newTestCall("EL_1_302", "conv_302")
	manager := newTestManager(watched)

	_, err := manager.Subscribe(context.Background(), "ghost", "EL_1_302")
	require.ErrorIs(t, err, ErrSessionNotRegistered)
}

func TestBroadcastReachesSubscribersUnderEitherKey(t *testing.T) {
	watched := newTestCall("EL_1_303", "conv_303")
	manager := newTestManager(watched)

	byCallID := &fakeSession{id: "session-1"}
	byExternalID := &fakeSession{id: "session-2"}

	manager.Register(byCallID)
	manager.Register(byExternalID)

	_, err := manager.Subscribe(context.Background(), byCallID.id, "EL_1_303")
	require.NoError(t, err)

	_, err = manager.Subscribe(context.Background(), byExternalID.id, "conv_303")
	require.NoError(t, err)

	manager.BroadcastTranscription(watched, &transcription.Transcription{
		ExternalConversationID: "conv_303",
		Speaker:                transcription.SpeakerAgent,
		MessageText:            "hello",
		SequenceNumber:         1,
	})

	for _, session := range []*fakeSession{byCallID, byExternalID} {
		types := session.frameTypes(t)
		require.Equal(t, FrameTypeTranscription, types[len(types)-1], "session %s", session.id)
	}
}

func TestBroadcastDeliversOncePerSession(t *testing.T) {
	watched := newTestCall("EL_1_304", "conv_304")
	manager := newTestManager(watched)

	session := &fakeSession{id: "session-1"}
	manager.Register(session)

	// Subscribed under both keys; the union must still deliver a single frame.
	_, err := manager.Subscribe(context.Background(), session.id, "EL_1_304")
	require.NoError(t, err)

	before := len(session.frames)

	manager.BroadcastTranscription(watched, &transcription.Transcription{
		ExternalConversationID: "conv_304",
		SequenceNumber:         1,
	})

	require.Len(t, session.frames, before+1)
}

func TestBroadcastPrunesDeadSessions(t *testing.T) {
	watched := newTestCall("EL_1_305", "conv_305")
	manager := newTestManager(watched)

	live := &fakeSession{id: "session-live"}
	dead := &fakeSession{id: "session-dead", dead: true}

	manager.Register(live)
	manager.Register(dead)

	_, err := manager.Subscribe(context.Background(), live.id, "EL_1_305")
	require.NoError(t, err)

	manager.mu.Lock()
	manager.indexLocked("EL_1_305", dead.id)
	manager.mu.Unlock()

	manager.BroadcastTranscription(watched, &transcription.Transcription{
		ExternalConversationID: "conv_305",
		SequenceNumber:         1,
	})

	types := live.frameTypes(t)
	require.Equal(t, FrameTypeTranscription, types[len(types)-1])

	_, err = manager.Subscribe(context.Background(), dead.id, "EL_1_305")
	require.ErrorIs(t, err, ErrSessionNotRegistered)
}

func TestBroadcastCompletionOrderAndCleanup(t *testing.T) {
	watched := newTestCall("EL_1_306", "conv_306")
	manager := newTestManager(watched)

	session := &fakeSession{id: "session-1"}
	manager.Register(session)

	_, err := manager.Subscribe(context.Background(), session.id, "EL_1_306")
	require.NoError(t, err)

	endTime := time.Now().UTC()
	watched.Status = call.StatusCompleted
	watched.CallEndTime = &endTime

	manager.BroadcastCompletion(watched)

	types := session.frameTypes(t)
	require.Equal(t, []string{
		FrameTypeSubscribeConfirmed,
		FrameTypeCallStatus,
		FrameTypeCallCompleted,
	}, types)

	var statusFrame CallStatusFrame
	require.NoError(t, json.Unmarshal(session.frames[1], &statusFrame))
	require.Equal(t, call.StatusCompleted, statusFrame.Status)

	var completedFrame CallCompletedFrame
	require.NoError(t, json.Unmarshal(session.frames[2], &completedFrame))
	require.NotNil(t, completedFrame.CallData)
	require.Equal(t, "EL_1_306", completedFrame.CallData.CallID)

	// The terminal broadcast cleared the subscription, so later frames for the
	// same call go nowhere.
	before := len(session.frames)

	manager.BroadcastTranscription(watched, &transcription.Transcription{
		ExternalConversationID: "conv_306",
		SequenceNumber:         99,
	})

	require.Len(t, session.frames, before)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	watched := newTestCall("EL_1_307", "conv_307")
	manager := newTestManager(watched)

	session := &fakeSession{id: "session-1"}
	manager.Register(session)

	_, err := manager.Subscribe(context.Background(), session.id, "EL_1_307")
	require.NoError(t, err)

	resolved, err := manager.Unsubscribe(context.Background(), session.id, "conv_307")
	require.NoError(t, err)
	require.Equal(t, "EL_1_307", resolved.CallID)

	before := len(session.frames)

	manager.BroadcastTranscription(watched, &transcription.Transcription{
		ExternalConversationID: "conv_307",
		SequenceNumber:         1,
	})

	require.Len(t, session.frames, before)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	manager := newTestManager()

	session := &fakeSession{id: "session-1"}
	manager.Register(session)

	manager.Unregister(session.id)

	require.NotPanics(t, func() {
		manager.Unregister(session.id)
	})
}
