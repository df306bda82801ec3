package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/flow"
	"github.com/relaydesk/relaydesk/internal/models"
	"github.com/relaydesk/relaydesk/internal/queue"
	"github.com/relaydesk/relaydesk/internal/store"
)

type recordingSender struct {
	sent []string
}

func (s *recordingSender) Send(ctx context.Context, to string, body string) (string, error) {
	s.sent = append(s.sent, body)
	return "msg-1", nil
}

func newTestServer(t *testing.T) (*Server, *store.InMemoryStore, *recordingSender) {
	t.Helper()
	st := store.NewInMemoryStore()
	sender := &recordingSender{}
	registry, err := flow.NewRegistry(flow.Dependencies{Sender: sender})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	engine := flow.NewEngine(st, registry)
	srv := NewServer(st, engine, queue.NewDispatcher(st), queue.NewPullService(st))
	return srv, st, sender
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

var onboardingFlow = models.Flow{
	ID: "onboarding",
	Nodes: []models.Node{
		{ID: "ask", Type: models.NodeTypeQuestion, Config: []byte(`{"body":"What is your name?","variable":"name"}`)},
		{ID: "greet", Type: models.NodeTypeMessage, Config: []byte(`{"body":"Hi {{name}}"}`)},
		{ID: "bye", Type: models.NodeTypeEnd, Config: []byte(`{}`)},
	},
	Edges: []models.Edge{
		{Source: "ask", Target: "greet"},
		{Source: "greet", Target: "bye"},
	},
	StartNodeID: "ask",
}

func TestSaveFlowHandler(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/flows", onboardingFlow)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := st.GetFlow("onboarding"); err != nil {
		t.Errorf("expected flow persisted, got %v", err)
	}

	bad := onboardingFlow
	bad.ID = "bad"
	bad.Nodes = []models.Node{{ID: "x", Type: "teleport"}}
	bad.Edges = nil
	bad.StartNodeID = "x"
	rec = doJSON(t, srv, http.MethodPost, "/flows", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown node type, got %d", rec.Code)
	}

	dangling := onboardingFlow
	dangling.ID = "dangling"
	dangling.Edges = []models.Edge{{Source: "ask", Target: "missing"}}
	rec = doJSON(t, srv, http.MethodPost, "/flows", dangling)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for dangling edge, got %d", rec.Code)
	}
}

func TestConversationLifecycle(t *testing.T) {
	srv, st, sender := newTestServer(t)
	st.SaveFlow(onboardingFlow)

	// Create a conversation; the flow runs until the question suspends.
	rec := doJSON(t, srv, http.MethodPost, "/conversations", map[string]string{
		"contact_ref": "contact-1",
		"channel_ref": "+15551234567",
		"flow_id":     "onboarding",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data, _ := json.Marshal(resp.Result)
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}
	if conv.AwaitingVar != "name" {
		t.Fatalf("expected conversation awaiting 'name', got %+v", conv)
	}
	if len(sender.sent) != 1 || sender.sent[0] != "What is your name?" {
		t.Errorf("expected question sent, got %v", sender.sent)
	}

	// The reply drives the flow to completion.
	rec = doJSON(t, srv, http.MethodPost, "/events", models.InboundEvent{
		ConversationRef: conv.ID,
		Payload:         "Ana",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	saved, _ := st.GetConversation(conv.ID)
	if saved.Status != models.StatusClosed {
		t.Errorf("expected closed conversation, got %s", saved.Status)
	}
	if len(sender.sent) != 2 || sender.sent[1] != "Hi Ana" {
		t.Errorf("expected greeting sent, got %v", sender.sent)
	}

	// A late event against the closed conversation is acknowledged but ignored.
	rec = doJSON(t, srv, http.MethodPost, "/events", models.InboundEvent{
		ConversationRef: conv.ID,
		Payload:         "hello again",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for ignored event, got %d", rec.Code)
	}
	resp = decodeResponse(t, rec)
	if resp.Message == "" {
		t.Error("expected ignore message in response")
	}

	rec = doJSON(t, srv, http.MethodPost, "/events", models.InboundEvent{
		ConversationRef: "missing",
		Payload:         "hi",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown conversation, got %d", rec.Code)
	}
}

func TestCreateConversationValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/conversations", map[string]string{"contact_ref": "c"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing flow_id, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodPost, "/conversations", map[string]string{
		"contact_ref": "c", "flow_id": "missing",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown flow, got %d", rec.Code)
	}
}

func TestHandoffThroughEventEndpoint(t *testing.T) {
	srv, st, _ := newTestServer(t)
	st.SaveQueue(models.Queue{ID: "support", Active: true})
	handoffFlow := models.Flow{
		ID: "escalate",
		Nodes: []models.Node{
			{ID: "h", Type: models.NodeTypeHandoff, Config: []byte(`{"queue_id":"support","tier":"urgent"}`)},
		},
		StartNodeID: "h",
	}
	st.SaveFlow(handoffFlow)

	rec := doJSON(t, srv, http.MethodPost, "/conversations", map[string]string{
		"contact_ref": "contact-1",
		"channel_ref": "+15551234567",
		"flow_id":     "escalate",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 handoff response, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data, _ := json.Marshal(resp.Result)
	var conv models.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		t.Fatalf("failed to decode conversation: %v", err)
	}
	if conv.Status != models.StatusQueued || conv.QueueID != "support" {
		t.Errorf("expected queued in support, got status=%s queue=%s", conv.Status, conv.QueueID)
	}
	if conv.Priority != models.PriorityUrgent {
		t.Errorf("expected urgent priority, got %d", conv.Priority)
	}
}

func TestPullAndCloseHandlers(t *testing.T) {
	srv, st, _ := newTestServer(t)
	st.SaveQueue(models.Queue{ID: "support", Active: true})
	st.SaveAgent(models.Agent{ID: "a1", Online: true})

	conv := models.NewConversation("contact-1", "+15551234567", "f")
	conv.Status = models.StatusQueued
	conv.BotActive = false
	conv.QueueID = "support"
	conv.Priority = models.PriorityNormal
	now := time.Now().UTC()
	conv.QueuedAt = &now
	st.SaveConversation(conv)

	rec := doJSON(t, srv, http.MethodPost, "/agents/pull", map[string]string{"agent_id": "a1", "queue_id": "support"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Result == nil {
		t.Fatal("expected pulled conversation in result")
	}
	agent, _ := st.GetAgent("a1")
	if agent.ActiveConversations != 1 {
		t.Errorf("expected agent active count 1, got %d", agent.ActiveConversations)
	}

	// Nothing left to pull.
	rec = doJSON(t, srv, http.MethodPost, "/agents/pull", map[string]string{"agent_id": "a1"})
	resp = decodeResponse(t, rec)
	if resp.Result != nil {
		t.Errorf("expected empty pull result, got %v", resp.Result)
	}

	rec = doJSON(t, srv, http.MethodPost, "/agents/pull", map[string]string{"agent_id": "ghost"})
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown agent, got %d", rec.Code)
	}

	// Closing the assigned conversation releases the agent slot.
	rec = doJSON(t, srv, http.MethodPost, "/conversations/"+conv.ID+"/close", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	saved, _ := st.GetConversation(conv.ID)
	if saved.Status != models.StatusClosed {
		t.Errorf("expected closed conversation, got %s", saved.Status)
	}
	agent, _ = st.GetAgent("a1")
	if agent.ActiveConversations != 0 {
		t.Errorf("expected agent active count released, got %d", agent.ActiveConversations)
	}

	// Closing again is a no-op.
	rec = doJSON(t, srv, http.MethodPost, "/conversations/"+conv.ID+"/close", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected repeat close to be a no-op 200, got %d", rec.Code)
	}
}

func TestGetConversationHandler(t *testing.T) {
	srv, st, _ := newTestServer(t)
	conv := models.NewConversation("contact-1", "+15551234567", "f")
	st.SaveConversation(conv)

	rec := doJSON(t, srv, http.MethodGet, "/conversations/"+conv.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = doJSON(t, srv, http.MethodGet, "/conversations/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestQueueStatsHandler(t *testing.T) {
	srv, st, _ := newTestServer(t)
	st.SaveQueue(models.Queue{ID: "support", Name: "Support", Active: true, Capacity: 10, OverflowQueueID: "backup"})

	conv := models.NewConversation("contact-1", "+15551234567", "f")
	conv.Status = models.StatusQueued
	conv.BotActive = false
	conv.QueueID = "support"
	now := time.Now().UTC()
	conv.QueuedAt = &now
	st.SaveConversation(conv)

	rec := doJSON(t, srv, http.MethodGet, "/queues/support/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	data, _ := json.Marshal(resp.Result)
	var stats queueStats
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.Queued != 1 || stats.Capacity != 10 || stats.OverflowQueueID != "backup" {
		t.Errorf("unexpected stats %+v", stats)
	}

	rec = doJSON(t, srv, http.MethodGet, "/queues/missing/stats", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown queue, got %d", rec.Code)
	}
}

func TestProvisioningHandlers(t *testing.T) {
	srv, st, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/queues", models.Queue{ID: "support", Name: "Support", Active: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, err := st.GetQueue("support"); err != nil {
		t.Errorf("expected queue persisted, got %v", err)
	}

	rec = doJSON(t, srv, http.MethodPost, "/agents", models.Agent{ID: "a1", Name: "Dana", Online: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, err := st.GetAgent("a1"); err != nil {
		t.Errorf("expected agent persisted, got %v", err)
	}

	rec = doJSON(t, srv, http.MethodPost, "/queues", models.Queue{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for queue without id, got %d", rec.Code)
	}
}

func TestCloseQueuedConversationClearsQueuedAt(t *testing.T) {
	srv, st, _ := newTestServer(t)
	st.SaveQueue(models.Queue{ID: "support", Active: true})

	conv := models.NewConversation("contact-1", "+15551234567", "f")
	conv.Status = models.StatusQueued
	conv.BotActive = false
	conv.QueueID = "support"
	now := time.Now().UTC()
	conv.QueuedAt = &now
	st.SaveConversation(conv)

	rec := doJSON(t, srv, http.MethodPost, "/conversations/"+conv.ID+"/close", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	saved, _ := st.GetConversation(conv.ID)
	if saved.Status != models.StatusClosed {
		t.Fatalf("expected closed conversation, got %s", saved.Status)
	}
	// queued_at is non-null only while status is queued.
	if saved.QueuedAt != nil {
		t.Errorf("expected queued_at cleared on close, got %v", saved.QueuedAt)
	}
	if saved.QueueID != "support" {
		t.Errorf("expected queue id kept as the last routing decision, got %q", saved.QueueID)
	}
}

func TestNewServerTimeouts(t *testing.T) {
	st := store.NewInMemoryStore()
	registry, err := flow.NewRegistry(flow.Dependencies{Sender: &recordingSender{}})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	engine := flow.NewEngine(st, registry)

	srv := NewServer(st, engine, queue.NewDispatcher(st), queue.NewPullService(st))
	if srv.httpServer.ReadTimeout != DefaultTimeout || srv.httpServer.WriteTimeout != DefaultTimeout {
		t.Errorf("expected default timeouts %v, got read=%v write=%v",
			DefaultTimeout, srv.httpServer.ReadTimeout, srv.httpServer.WriteTimeout)
	}

	srv = NewServer(st, engine, queue.NewDispatcher(st), queue.NewPullService(st), WithTimeout(5*time.Second))
	if srv.httpServer.ReadTimeout != 5*time.Second || srv.httpServer.WriteTimeout != 5*time.Second {
		t.Errorf("expected 5s timeouts, got read=%v write=%v",
			srv.httpServer.ReadTimeout, srv.httpServer.WriteTimeout)
	}
}
