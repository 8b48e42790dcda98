package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	logrustest "github.com/sirupsen/logrus/hooks/test"

	"telegraph/internal/store"
	api "telegraph/pkg/api/telegraph"
	"telegraph/pkg/models"
)

var errFakeClosed = errors.New("fake connection closed")

// fakeConn is an in-memory Conn for driving the hub without a socket
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-f.inbound:
		return websocket.TextMessage, msg, nil
	case <-f.closed:
		return 0, nil, errFakeClosed
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	if messageType == websocket.TextMessage {
		cp := append([]byte(nil), data...)
		f.frames = append(f.frames, cp)
	}
	return nil
}

func (f *fakeConn) SetReadLimit(int64) {}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) SetPongHandler(func(string) error) {}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) failWrites() {
	f.mu.Lock()
	f.writeErr = errors.New("write failed")
	f.mu.Unlock()
}

// request feeds an inbound client message to the read pump
func (f *fakeConn) request(msg string) {
	f.inbound <- []byte(msg)
}

// messages decodes every text frame written so far
func (f *fakeConn) messages() []map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(f.frames))
	for _, frame := range f.frames {
		var m map[string]interface{}
		if err := json.Unmarshal(frame, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) messagesOfType(msgType string) []map[string]interface{} {
	var out []map[string]interface{}
	for _, m := range f.messages() {
		if m["type"] == msgType {
			out = append(out, m)
		}
	}
	return out
}

// waitFor blocks until at least n messages of msgType have been written
func (f *fakeConn) waitFor(t *testing.T, msgType string, n int) []map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs := f.messagesOfType(msgType)
		if len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q messages, have %v", n, msgType, f.messages())
	return nil
}

// fakeStore is an in-memory CallStore
type fakeStore struct {
	mu       sync.Mutex
	calls    []models.Call
	turns    map[string][]models.DialogueTurn
	turnsErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{turns: make(map[string][]models.DialogueTurn)}
}

func (s *fakeStore) addCall(call models.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.calls {
		if s.calls[i].GeneratedID == call.GeneratedID {
			s.calls[i] = call
			return
		}
	}
	s.calls = append(s.calls, call)
}

func (s *fakeStore) addTurn(turn models.DialogueTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns[turn.CallID] = append(s.turns[turn.CallID], turn)
	sort.Slice(s.turns[turn.CallID], func(i, j int) bool {
		return s.turns[turn.CallID][i].SequenceNumber < s.turns[turn.CallID][j].SequenceNumber
	})
}

func (s *fakeStore) setTurnsErr(err error) {
	s.mu.Lock()
	s.turnsErr = err
	s.mu.Unlock()
}

func (s *fakeStore) GetCallByGeneratedID(_ context.Context, generatedID string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.GeneratedID == generatedID {
			cp := c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetCallByExternalID(_ context.Context, externalID string) (*models.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.calls {
		if c.ExternalID != nil && *c.ExternalID == externalID {
			cp := c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *fakeStore) GetAllTurns(ctx context.Context, callID string) ([]models.DialogueTurn, error) {
	return s.GetTurnsAfter(ctx, callID, 0)
}

func (s *fakeStore) GetTurnsAfter(_ context.Context, callID string, afterSeq int64) ([]models.DialogueTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnsErr != nil {
		return nil, s.turnsErr
	}
	var out []models.DialogueTurn
	for _, turn := range s.turns[callID] {
		if turn.SequenceNumber > afterSeq {
			out = append(out, turn)
		}
	}
	return out, nil
}

func newTestHub(s store.CallStore) *Hub {
	logger, _ := logrustest.NewNullLogger()
	return New(s, Config{
		// Long interval so pollers never tick unless a test drives
		// pollOnce or uses its own hub
		PollInterval:    time.Hour,
		SendTimeout:     time.Second,
		GeneratedPrefix: "EL_",
		StoreTimeout:    time.Second,
	}, logger, nil)
}

func strPtr(s string) *string { return &s }

func inProgressCall(generatedID string, externalID *string) models.Call {
	return models.Call{
		GeneratedID: generatedID,
		ExternalID:  externalID,
		Status:      models.CallStatusInProgress,
		StartedAt:   time.Now().UTC(),
	}
}

func makeTurn(callID string, seq int64, text string) models.DialogueTurn {
	return models.DialogueTurn{
		ID:             fmt.Sprintf("%s-turn-%d", callID, seq),
		CallID:         callID,
		SequenceNumber: seq,
		Speaker:        models.SpeakerAgent,
		Text:           text,
		OccurredAt:     time.Now().UTC(),
	}
}

// subscribeClient connects a fake client and subscribes it to an identifier
func subscribeClient(t *testing.T, h *Hub, identifier string) (*fakeConn, string) {
	t.Helper()
	fc := newFakeConn()
	connID := h.Accept(fc, "user-1")
	fc.request(`{"subscribe":"` + identifier + `"}`)
	fc.waitFor(t, api.TypeSubscriptionConfirmed, 1)
	return fc, connID
}

// subscriptionOf digs out the internal subscription record for assertions
func subscriptionOf(t *testing.T, h *Hub, connID, identifier string) *subscription {
	t.Helper()
	h.registry.mu.RLock()
	defer h.registry.mu.RUnlock()
	topic := h.registry.topics[identifier]
	if topic == nil {
		t.Fatalf("no topic registered for %q", identifier)
	}
	sub := topic.subs[connID]
	if sub == nil {
		t.Fatalf("connection %s not subscribed to %q", connID, identifier)
	}
	return sub
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDisconnectCleansUpRegistryAndPollers(t *testing.T) {
	fs := newFakeStore()
	fs.addCall(inProgressCall("EL_D1_001", strPtr("conv_001")))
	h := newTestHub(fs)

	_, connID := subscribeClient(t, h, "EL_D1_001")
	sub := subscriptionOf(t, h, connID, "EL_D1_001")

	h.Disconnect(connID)

	if got := h.SubscribersOf("EL_D1_001"); len(got) != 0 {
		t.Fatalf("expected no subscribers by generated id, got %v", got)
	}
	if got := h.SubscribersOf("conv_001"); len(got) != 0 {
		t.Fatalf("expected no subscribers by external id, got %v", got)
	}
	if sub.ctx.Err() == nil {
		t.Fatal("expected polling task to be cancelled on disconnect")
	}

	// Second disconnect is a no-op
	h.Disconnect(connID)
}

func TestSendFailureDropsConnection(t *testing.T) {
	fs := newFakeStore()
	fs.addCall(inProgressCall("EL_D1_002", nil))
	h := newTestHub(fs)

	fc, connID := subscribeClient(t, h, "EL_D1_002")
	fc.failWrites()

	call, _ := fs.GetCallByGeneratedID(context.Background(), "EL_D1_002")
	turn := makeTurn("EL_D1_002", 1, "hello")
	h.OnDialogueTurnPersisted(call, &turn)

	eventually(t, "failed connection to be removed", func() bool {
		return h.Stats().Connections == 0
	})
	eventually(t, "registry cleanup after write failure", func() bool {
		return len(h.SubscribersOf("EL_D1_002")) == 0
	})
	_ = connID
}

func TestMalformedMessageKeepsConnectionOpen(t *testing.T) {
	fs := newFakeStore()
	fs.addCall(inProgressCall("EL_D1_003", nil))
	h := newTestHub(fs)

	fc := newFakeConn()
	h.Accept(fc, "user-1")

	fc.request(`not json at all`)
	msgs := fc.waitFor(t, api.TypeError, 1)
	if msgs[0]["code"] != api.CodeInvalidMessageFormat {
		t.Fatalf("expected %s, got %v", api.CodeInvalidMessageFormat, msgs[0]["code"])
	}

	fc.request(`{"ping":"pong"}`)
	fc.waitFor(t, api.TypeError, 2)

	// Connection still works after bad input
	fc.request(`{"subscribe":"EL_D1_003"}`)
	fc.waitFor(t, api.TypeSubscriptionConfirmed, 1)
}

func TestEmptyIdentifierRejected(t *testing.T) {
	h := newTestHub(newFakeStore())

	fc := newFakeConn()
	h.Accept(fc, "user-1")

	fc.request(`{"subscribe":""}`)
	msgs := fc.waitFor(t, api.TypeError, 1)
	if msgs[0]["code"] != api.CodeInvalidIdentifier {
		t.Fatalf("expected %s, got %v", api.CodeInvalidIdentifier, msgs[0]["code"])
	}
}

func TestSubscribeUnknownCall(t *testing.T) {
	h := newTestHub(newFakeStore())

	fc := newFakeConn()
	h.Accept(fc, "user-1")

	fc.request(`{"subscribe":"EL_NOPE"}`)
	msgs := fc.waitFor(t, api.TypeError, 1)
	if msgs[0]["code"] != api.CodeCallNotFound {
		t.Fatalf("expected %s, got %v", api.CodeCallNotFound, msgs[0]["code"])
	}
	if len(h.SubscribersOf("EL_NOPE")) != 0 {
		t.Fatal("failed subscribe must not create registry entries")
	}
}

func TestUnsubscribeByOtherIdentifierFamily(t *testing.T) {
	fs := newFakeStore()
	fs.addCall(inProgressCall("EL_D1_004", strPtr("conv_004")))
	h := newTestHub(fs)

	// Subscribe by generated id, unsubscribe by external id
	fc, connID := subscribeClient(t, h, "EL_D1_004")
	sub := subscriptionOf(t, h, connID, "EL_D1_004")

	fc.request(`{"unsubscribe":"conv_004"}`)
	fc.waitFor(t, api.TypeUnsubscribeConfirmed, 1)

	eventually(t, "registry cleanup after unsubscribe", func() bool {
		return len(h.SubscribersOf("EL_D1_004")) == 0
	})
	if sub.ctx.Err() == nil {
		t.Fatal("expected polling task cancelled on unsubscribe")
	}
}

func TestUnsubscribeWhenNotSubscribedIsNoop(t *testing.T) {
	fs := newFakeStore()
	fs.addCall(inProgressCall("EL_D1_005", nil))
	h := newTestHub(fs)

	fc := newFakeConn()
	h.Accept(fc, "user-1")

	fc.request(`{"unsubscribe":"EL_D1_005"}`)
	fc.waitFor(t, api.TypeUnsubscribeConfirmed, 1)
}
