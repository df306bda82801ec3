package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/relaydesk/relaydesk/internal/flow"
	"github.com/relaydesk/relaydesk/internal/models"
)

// createConversationRequest starts a new bot-driven conversation on a flow.
type createConversationRequest struct {
	ContactRef string `json:"contact_ref"`
	ChannelRef string `json:"channel_ref"`
	FlowID     string `json:"flow_id"`
}

// pullRequest asks for the next eligible queued conversation for an agent.
type pullRequest struct {
	AgentID string `json:"agent_id"`
	QueueID string `json:"queue_id,omitempty"`
}

// queueStats is the monitoring view of one queue.
type queueStats struct {
	QueueID         string `json:"queue_id"`
	Name            string `json:"name"`
	Queued          int    `json:"queued"`
	Capacity        int    `json:"capacity"`
	OverflowQueueID string `json:"overflow_queue_id,omitempty"`
}

func (s *Server) createConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.createConversationHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.ContactRef == "" || req.FlowID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("contact_ref and flow_id are required"))
		return
	}
	if _, err := s.store.GetFlow(req.FlowID); err != nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}

	conv := models.NewConversation(req.ContactRef, req.ChannelRef, req.FlowID)
	if err := s.store.SaveConversation(conv); err != nil {
		slog.Error("Server.createConversationHandler: failed to save conversation", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create conversation"))
		return
	}
	slog.Info("Server.createConversationHandler: conversation created", "conversation", conv.ID, "flow", req.FlowID)

	result, handled := s.advanceAndDispatch(w, r, conv.ID, nil)
	if handled {
		return
	}
	writeJSONResponse(w, http.StatusCreated, models.Success(result.Conversation))
}

func (s *Server) eventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var ev models.InboundEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		slog.Warn("Server.eventHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if ev.ConversationRef == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("conversation_ref is required"))
		return
	}

	result, handled := s.advanceAndDispatch(w, r, ev.ConversationRef, &ev)
	if handled {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(result.Conversation))
}

// advanceAndDispatch runs the flow engine for one conversation and routes a
// handoff outcome through the queue dispatcher. It returns handled=true when
// it already wrote an HTTP response (error cases and handoffs).
func (s *Server) advanceAndDispatch(w http.ResponseWriter, r *http.Request, conversationID string, ev *models.InboundEvent) (*flow.ExecutionResult, bool) {
	result, err := s.engine.Advance(r.Context(), conversationID, ev)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrConversationNotFound):
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
		case errors.Is(err, models.ErrBotInactive):
			// Late event against a queued, assigned, or closed conversation;
			// acknowledged but not processed.
			writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Event ignored: bot is not active", nil))
		case models.IsConfigurationError(err):
			slog.Error("Server.advanceAndDispatch: flow configuration error", "error", err, "conversation", conversationID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
		default:
			slog.Error("Server.advanceAndDispatch: advance failed", "error", err, "conversation", conversationID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to process event"))
		}
		return nil, true
	}

	if result.Outcome == flow.OutcomeHandoff {
		conv, err := s.dispatcher.Dispatch(r.Context(), conversationID, result.Handoff)
		if err != nil {
			slog.Error("Server.advanceAndDispatch: handoff dispatch failed", "error", err, "conversation", conversationID)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error(err.Error()))
			return nil, true
		}
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation handed off", conv))
		return nil, true
	}
	return result, false
}

func (s *Server) getConversationHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := s.store.GetConversation(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.getConversationHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

func (s *Server) closeConversationHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.store.GetConversation(id)
	if err != nil {
		if errors.Is(err, models.ErrConversationNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Conversation not found"))
			return
		}
		slog.Error("Server.closeConversationHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load conversation"))
		return
	}
	if conv.Status == models.StatusClosed {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation already closed", conv))
		return
	}

	agentID := conv.AssignedAgentID
	conv.Status = models.StatusClosed
	conv.BotActive = false
	conv.AwaitingVar = ""
	conv.WakeAt = nil
	// queued_at is only meaningful while the conversation sits in a queue;
	// QueueID stays as the last routing decision for the audit trail.
	conv.QueuedAt = nil
	if err := s.store.SaveConversation(*conv); err != nil {
		slog.Error("Server.closeConversationHandler: failed to save conversation", "error", err, "conversation", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to close conversation"))
		return
	}
	if agentID != "" {
		if err := s.store.AdjustAgentActive(agentID, -1); err != nil {
			slog.Error("Server.closeConversationHandler: failed to adjust agent active count", "error", err, "agent", agentID)
		}
	}
	slog.Info("Server.closeConversationHandler: conversation closed", "conversation", id, "agent", agentID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Conversation closed", conv))
}

func (s *Server) pullHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.pullHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.AgentID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("agent_id is required"))
		return
	}

	conv, err := s.pull.PullNext(r.Context(), req.AgentID, req.QueueID)
	if err != nil {
		if errors.Is(err, models.ErrAgentNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Agent not found"))
			return
		}
		slog.Error("Server.pullHandler: pull failed", "error", err, "agent", req.AgentID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to pull conversation"))
		return
	}
	if conv == nil {
		writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("No eligible conversation", nil))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(conv))
}

func (s *Server) saveAgentHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var agent models.Agent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if agent.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("agent id is required"))
		return
	}
	if err := s.store.SaveAgent(agent); err != nil {
		slog.Error("Server.saveAgentHandler: failed to save agent", "error", err, "agent", agent.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save agent"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Agent saved", nil))
}

func (s *Server) saveQueueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var q models.Queue
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if q.ID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("queue id is required"))
		return
	}
	if err := s.store.SaveQueue(q); err != nil {
		slog.Error("Server.saveQueueHandler: failed to save queue", "error", err, "queue", q.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save queue"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Queue saved", nil))
}

func (s *Server) queueStatsHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q, err := s.store.GetQueue(id)
	if err != nil {
		if errors.Is(err, models.ErrQueueNotFound) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Queue not found"))
			return
		}
		slog.Error("Server.queueStatsHandler: lookup failed", "error", err, "queue", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load queue"))
		return
	}
	queued, err := s.store.CountQueued(id)
	if err != nil {
		slog.Error("Server.queueStatsHandler: count failed", "error", err, "queue", id)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to count queue"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(queueStats{
		QueueID:         q.ID,
		Name:            q.Name,
		Queued:          queued,
		Capacity:        q.Capacity,
		OverflowQueueID: q.OverflowQueueID,
	}))
}

func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var fl models.Flow
	if err := json.NewDecoder(r.Body).Decode(&fl); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := validateFlow(&fl); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if fl.Version == 0 {
		fl.Version = 1
	}
	if err := s.store.SaveFlow(fl); err != nil {
		slog.Error("Server.saveFlowHandler: failed to save flow", "error", err, "flow", fl.ID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("Server.saveFlowHandler: flow saved", "flow", fl.ID, "version", fl.Version, "nodes", len(fl.Nodes))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Flow saved", nil))
}

// validateFlow rejects flow definitions that would only fail later at
// execution time: missing ids, unknown node types, and edges referencing
// nodes that do not exist.
func validateFlow(fl *models.Flow) error {
	if fl.ID == "" {
		return errors.New("flow id is required")
	}
	if fl.StartNodeID == "" {
		return errors.New("flow start node is required")
	}
	known := make(map[models.NodeType]bool, len(models.AllNodeTypes))
	for _, t := range models.AllNodeTypes {
		known[t] = true
	}
	ids := make(map[string]bool, len(fl.Nodes))
	for _, n := range fl.Nodes {
		if n.ID == "" {
			return errors.New("flow contains a node without an id")
		}
		if !known[n.Type] {
			return errors.New("unknown node type " + string(n.Type) + " at node " + n.ID)
		}
		ids[n.ID] = true
	}
	if !ids[fl.StartNodeID] {
		return errors.New("start node " + fl.StartNodeID + " does not exist")
	}
	for _, e := range fl.Edges {
		if !ids[e.Source] || !ids[e.Target] {
			return errors.New("edge references unknown node: " + e.Source + " -> " + e.Target)
		}
	}
	return nil
}
