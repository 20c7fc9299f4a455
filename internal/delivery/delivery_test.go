package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/noemahq/noema/internal/core"
	"github.com/noemahq/noema/internal/events"
)

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type memDelivery struct {
	mu      sync.Mutex
	gens    map[string]*core.Generation
	users   map[string]*core.User
	updated int
}

func newMemDelivery() *memDelivery {
	return &memDelivery{
		gens:  make(map[string]*core.Generation),
		users: make(map[string]*core.User),
	}
}

func (m *memDelivery) FindGenerationByID(_ context.Context, id string) (*core.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *memDelivery) FindUserByID(_ context.Context, id string) (*core.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

func (m *memDelivery) UpdateGeneration(_ context.Context, id string, patch bson.M) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.gens[id]
	if !ok {
		return core.E(core.KindNotFound, "generation %s not found", id)
	}
	if v, ok := patch["deliveryStatus"]; ok {
		g.DeliveryStatus = v.(core.DeliveryStatus)
	}
	m.updated++
	return nil
}

func (m *memDelivery) status(id string) core.DeliveryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gens[id].DeliveryStatus
}

func (m *memDelivery) updateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updated
}

func seedGen(st *memDelivery, platform string) *core.Generation {
	gen := &core.Generation{
		ID:                   core.NewID(),
		MasterAccountID:      "U1",
		ToolDisplayName:      "Dreamscape",
		Status:               core.GenCompleted,
		DeliveryStatus:       core.DeliveryPending,
		NotificationPlatform: platform,
		ResultPayload: map[string]interface{}{
			"images": []interface{}{map[string]interface{}{"url": "https://cdn.example/i.png"}},
		},
	}
	st.mu.Lock()
	st.gens[gen.ID] = gen
	st.mu.Unlock()
	return gen
}

func seedUser(st *memDelivery, identities ...core.PlatformIdentity) {
	st.mu.Lock()
	st.users["U1"] = &core.User{ID: "U1", Identities: identities}
	st.mu.Unlock()
}

// ============================================================================
// DISPATCHER
// ============================================================================

func testDispatcher(t *testing.T, workers int) *Dispatcher {
	t.Helper()
	d := NewDispatcher("s3cret", workers)
	d.backoff = func(int) time.Duration { return 0 }
	t.Cleanup(d.Shutdown)
	return d
}

func awaitOutcome(t *testing.T, ch chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(2 * time.Second):
		t.Fatal("delivery outcome never arrived")
		return false
	}
}

func TestDispatcherSignsAndDelivers(t *testing.T) {
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(t, 1)
	ev := events.NewEvent(events.TypeGenerationUpdated, "/engine", "G1", map[string]interface{}{"generationId": "G1"})

	outcome := make(chan bool, 1)
	d.Deliver(srv.URL, ev, func(ok bool) { outcome <- ok })
	require.True(t, awaitOutcome(t, outcome))

	assert.Equal(t, "generationUpdated", gotHeader.Get("X-Noema-Event-Type"))
	assert.Equal(t, ev.ID, gotHeader.Get("X-Noema-Event-ID"))
	assert.Equal(t, "1", gotHeader.Get("X-Noema-Delivery-Attempt"))
	assert.Equal(t, "sha256="+SignPayload(gotBody, "s3cret"), gotHeader.Get("X-Noema-Signature"))

	var decoded events.Event
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "G1", decoded.Subject)
}

func TestDispatcherRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := testDispatcher(t, 1)
	ev := events.NewEvent(events.TypeGenerationUpdated, "/engine", "G1", nil)

	outcome := make(chan bool, 1)
	d.Deliver(srv.URL, ev, func(ok bool) { outcome <- ok })
	assert.True(t, awaitOutcome(t, outcome))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDispatcherGivesUpAfterThreeAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := testDispatcher(t, 1)
	outcome := make(chan bool, 1)
	d.Deliver(srv.URL, events.NewEvent(events.TypeGenerationUpdated, "/engine", "G1", nil),
		func(ok bool) { outcome <- ok })

	assert.False(t, awaitOutcome(t, outcome))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDispatcherDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	d := testDispatcher(t, 1)
	outcome := make(chan bool, 1)
	d.Deliver(srv.URL, events.NewEvent(events.TypeGenerationUpdated, "/engine", "G1", nil),
		func(ok bool) { outcome <- ok })

	assert.False(t, awaitOutcome(t, outcome))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

// ============================================================================
// SENDERS
// ============================================================================

func TestTelegramSender(t *testing.T) {
	var gotPath string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN")
	s.baseURL = srv.URL
	gen := &core.Generation{
		ToolDisplayName: "Dreamscape",
		Status:          core.GenCompleted,
		ResultPayload:   map[string]interface{}{"url": "https://cdn.example/i.png"},
	}
	require.NoError(t, s.Send(context.Background(), "chat-42", gen))

	assert.Equal(t, "/botTOKEN/sendMessage", gotPath)
	assert.Equal(t, "chat-42", gotBody["chat_id"])
	text := gotBody["text"].(string)
	assert.Contains(t, text, "Dreamscape")
	assert.Contains(t, text, "https://cdn.example/i.png")
}

func TestDiscordSender(t *testing.T) {
	var gotPath, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewDiscordSender("DTOKEN")
	s.baseURL = srv.URL
	gen := &core.Generation{ToolDisplayName: "Dreamscape", Status: core.GenFailed,
		Error: &core.GenerationError{Code: "UPSTREAM_FAILED", Message: "boom"}}
	require.NoError(t, s.Send(context.Background(), "C1", gen))

	assert.Equal(t, "/api/v10/channels/C1/messages", gotPath)
	assert.Equal(t, "Bot DTOKEN", gotAuth)
}

func TestSenderErrorsOnUpstreamRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN")
	s.baseURL = srv.URL
	err := s.Send(context.Background(), "chat", &core.Generation{Status: core.GenCompleted})
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindUpstreamFailed))
}

func TestFirstOutputURLShapes(t *testing.T) {
	assert.Equal(t, "u1", firstOutputURL(map[string]interface{}{"url": "u1"}))
	assert.Equal(t, "u2", firstOutputURL(map[string]interface{}{
		"images": []interface{}{map[string]interface{}{"url": "u2"}},
	}))
	assert.Equal(t, "u3", firstOutputURL(map[string]interface{}{
		"outputs": map[string]interface{}{
			"images": []interface{}{map[string]interface{}{"url": "u3"}},
		},
	}))
	assert.Equal(t, "", firstOutputURL(nil))
	assert.Equal(t, "", firstOutputURL(map[string]interface{}{"images": []interface{}{}}))
}

// ============================================================================
// HUB
// ============================================================================

func dialHub(t *testing.T, hub *Hub, account string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, account)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() > 0 },
		2*time.Second, 5*time.Millisecond)
	return conn
}

func TestHubBroadcastReachesAccountClients(t *testing.T) {
	hub := NewHub("development", "")
	conn := dialHub(t, hub, "U1")

	require.Equal(t, 1, hub.Broadcast("U1", []byte(`{"k":"v"}`)))
	require.Equal(t, 0, hub.Broadcast("U2", []byte(`{}`)), "other accounts see nothing")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":"v"}`, string(payload))
}

func TestHubStreamsProgressFromBus(t *testing.T) {
	hub := NewHub("development", "")
	bus := events.NewBus()
	hub.Start(bus)
	t.Cleanup(func() { hub.Stop(bus) })

	conn := dialHub(t, hub, "U1")

	gen := &core.Generation{ID: "G1", MasterAccountID: "U1"}
	bus.Publish(events.GenerationProgress(gen, "running", 0.5, "Sampling"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev events.Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	assert.Equal(t, events.TypeGenerationProgress, ev.Type)
	assert.Equal(t, 0.5, ev.Data["progress"])
}

// ============================================================================
// DELIVERER
// ============================================================================

func TestDelivererRoutesWebhookAndSettles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newMemDelivery()
	gen := seedGen(st, "webhook")
	seedUser(st, core.PlatformIdentity{Platform: "webhook", PlatformID: srv.URL})

	bus := events.NewBus()
	del := NewDeliverer(st, nil, testDispatcher(t, 1))
	del.Start(bus)
	t.Cleanup(func() { del.Stop(bus) })

	bus.Publish(events.GenerationUpdated(gen))

	require.Eventually(t, func() bool { return st.status(gen.ID) == core.DeliveryDelivered },
		2*time.Second, 5*time.Millisecond)
}

func TestDelivererTelegramFailureMarksFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	st := newMemDelivery()
	gen := seedGen(st, "telegram")
	seedUser(st, core.PlatformIdentity{Platform: "telegram", PlatformID: "chat-1"})

	sender := NewTelegramSender("TOKEN")
	sender.baseURL = srv.URL

	bus := events.NewBus()
	del := NewDeliverer(st, nil, nil, sender)
	del.Start(bus)
	t.Cleanup(func() { del.Stop(bus) })

	bus.Publish(events.GenerationUpdated(gen))

	require.Eventually(t, func() bool { return st.status(gen.ID) == core.DeliveryFailed },
		2*time.Second, 5*time.Millisecond)
}

func TestDelivererWebWithoutClientsSkips(t *testing.T) {
	st := newMemDelivery()
	gen := seedGen(st, "web")

	bus := events.NewBus()
	del := NewDeliverer(st, NewHub("development", ""), nil)
	del.Start(bus)
	t.Cleanup(func() { del.Stop(bus) })

	bus.Publish(events.GenerationUpdated(gen))

	require.Eventually(t, func() bool { return st.status(gen.ID) == core.DeliverySkipped },
		2*time.Second, 5*time.Millisecond)
}

func TestDelivererReportsOutcomes(t *testing.T) {
	st := newMemDelivery()
	gen := seedGen(st, "web")

	var mu sync.Mutex
	counts := make(map[string]int)

	bus := events.NewBus()
	del := NewDeliverer(st, NewHub("development", ""), nil)
	del.Observe(func(platform, result string) {
		mu.Lock()
		counts[platform+"/"+result]++
		mu.Unlock()
	})
	del.Start(bus)
	t.Cleanup(func() { del.Stop(bus) })

	bus.Publish(events.GenerationUpdated(gen))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["web/skipped"] == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDelivererIgnoresAlreadySettledRecords(t *testing.T) {
	st := newMemDelivery()
	gen := seedGen(st, "telegram")
	st.mu.Lock()
	st.gens[gen.ID].DeliveryStatus = core.DeliveryDelivered
	st.mu.Unlock()

	bus := events.NewBus()
	del := NewDeliverer(st, nil, nil)
	del.Start(bus)
	t.Cleanup(func() { del.Stop(bus) })

	bus.Publish(events.GenerationUpdated(gen))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, st.updateCount(), "replays never rewrite deliveryStatus")
}
