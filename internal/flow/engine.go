package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaydesk/relaydesk/internal/models"
	"github.com/relaydesk/relaydesk/internal/store"
)

// MaxStepsPerAdvance bounds one Advance call so a mis-authored flow cycle
// (jump loops with no suspension) cannot spin forever.
const MaxStepsPerAdvance = 1000

// ExecutionResult reports where one Advance call left the conversation.
type ExecutionResult struct {
	Conversation *models.Conversation `json:"conversation"`
	Outcome      Outcome              `json:"outcome"`
	Steps        int                  `json:"steps"`
	Handoff      *HandoffRequest      `json:"handoff,omitempty"`
}

// Engine drives conversations through their flows. Advance calls on the same
// conversation are serialized; different conversations advance in parallel.
type Engine struct {
	store    store.Store
	registry *Registry
	locks    convLocks
}

// NewEngine creates a flow engine over the given store and executor registry.
func NewEngine(st store.Store, registry *Registry) *Engine {
	return &Engine{store: st, registry: registry}
}

// Advance drives a conversation through its flow until it suspends,
// terminates, or requests a handoff. event may be nil (scheduler wake).
// On a handoff outcome the caller must invoke the queue dispatcher with the
// returned HandoffRequest.
func (e *Engine) Advance(ctx context.Context, conversationID string, event *models.InboundEvent) (*ExecutionResult, error) {
	unlock := e.locks.lock(conversationID)
	defer unlock()

	conv, err := e.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	// A closed or handed-off conversation ignores racing events.
	if conv.Status != models.StatusBotActive || !conv.BotActive {
		slog.Debug("Engine.Advance: bot not active, ignoring event", "conversation", conversationID, "status", conv.Status)
		return nil, models.ErrBotInactive
	}
	if conv.FlowID == "" {
		return nil, models.ErrNoActiveFlow
	}
	fl, err := e.store.GetFlow(conv.FlowID)
	if err != nil {
		return nil, models.NewConfigurationError("conversation %s references unknown flow %s", conv.ID, conv.FlowID)
	}

	suspended, err := e.position(conv, fl, event)
	if err != nil {
		return nil, err
	}
	if suspended {
		// A wake arrived while a question is still pending; nothing to run.
		if err := e.store.SaveConversation(*conv); err != nil {
			return nil, err
		}
		return &ExecutionResult{Conversation: conv, Outcome: OutcomeSuspend}, nil
	}
	if conv.CurrentNodeID == "" {
		// Resuming a suspended node with no continuation: implicit terminate.
		return e.terminate(conv, 0)
	}

	result := &ExecutionResult{}
	for {
		result.Steps++
		if result.Steps > MaxStepsPerAdvance {
			return nil, fmt.Errorf("flow %s exceeded %d steps in one advance for conversation %s", fl.ID, MaxStepsPerAdvance, conv.ID)
		}

		node, ok := fl.NodeByID(conv.CurrentNodeID)
		if !ok {
			return nil, models.NewConfigurationError("node %s not found in flow %s", conv.CurrentNodeID, fl.ID)
		}
		exec, ok := e.registry.Get(node.Type)
		if !ok {
			return nil, models.NewConfigurationError("unknown node type %s at node %s", node.Type, node.ID)
		}

		res, err := exec.Execute(ctx, *node, conv, event)
		if err != nil {
			if models.IsConfigurationError(err) {
				// Fatal; the conversation stays in its last persisted state.
				slog.Error("Engine.Advance configuration error", "error", err, "conversation", conv.ID, "node", node.ID)
				return nil, err
			}
			if edge, ok := fl.OutgoingEdge(node.ID, models.EdgeLabelError); ok {
				slog.Warn("Engine.Advance following error edge", "error", err, "conversation", conv.ID, "node", node.ID, "target", edge.Target)
				conv.CurrentNodeID = edge.Target
				if saveErr := e.store.SaveConversation(*conv); saveErr != nil {
					return nil, saveErr
				}
				continue
			}
			return nil, e.halt(conv, node.ID, err)
		}

		for k, v := range res.Variables {
			conv.SetVariable(k, v)
		}

		switch res.Outcome {
		case OutcomeSuspend:
			conv.AwaitingVar = res.AwaitVariable
			conv.WakeAt = res.WakeAt
			if err := e.store.SaveConversation(*conv); err != nil {
				return nil, err
			}
			slog.Debug("Engine.Advance suspended", "conversation", conv.ID, "node", node.ID, "awaiting", conv.AwaitingVar, "wake_at", conv.WakeAt)
			result.Conversation = conv
			result.Outcome = OutcomeSuspend
			return result, nil

		case OutcomeTerminate:
			return e.terminate(conv, result.Steps)

		case OutcomeHandoff:
			// The bot is deactivated in the same commit as the handoff
			// decision so a racing inbound event is not processed further.
			conv.BotActive = false
			if err := e.store.SaveConversation(*conv); err != nil {
				return nil, err
			}
			slog.Info("Engine.Advance handing off", "conversation", conv.ID, "node", node.ID)
			result.Conversation = conv
			result.Outcome = OutcomeHandoff
			result.Handoff = res.Handoff
			return result, nil

		case OutcomeContinue:
			if res.JumpTo != "" {
				if _, ok := fl.NodeByID(res.JumpTo); !ok {
					return nil, models.NewConfigurationError("jump target %s not found in flow %s", res.JumpTo, fl.ID)
				}
				conv.CurrentNodeID = res.JumpTo
			} else {
				edge, ok := fl.OutgoingEdge(node.ID, res.EdgeSelector)
				if !ok {
					// No matching outgoing edge is an implicit terminate,
					// not an error.
					slog.Debug("Engine.Advance: no outgoing edge, implicit terminate", "conversation", conv.ID, "node", node.ID, "selector", res.EdgeSelector)
					return e.terminate(conv, result.Steps)
				}
				conv.CurrentNodeID = edge.Target
			}
			if err := e.store.SaveConversation(*conv); err != nil {
				return nil, err
			}

		default:
			return nil, fmt.Errorf("executor for node %s returned unknown outcome %q", node.ID, res.Outcome)
		}
	}
}

// position prepares the conversation for the execution loop: it resolves the
// start node on first entry, consumes a pending question reply, and steps
// past a suspended node on resume. It clears CurrentNodeID when a suspended
// node has no continuation. suspended=true means there is nothing to run
// because a question is still waiting for its reply.
func (e *Engine) position(conv *models.Conversation, fl *models.Flow, event *models.InboundEvent) (suspended bool, err error) {
	if conv.CurrentNodeID == "" {
		if fl.StartNodeID == "" {
			return false, models.NewConfigurationError("flow %s has no start node", fl.ID)
		}
		if _, ok := fl.NodeByID(fl.StartNodeID); !ok {
			return false, models.NewConfigurationError("flow %s start node %s does not exist", fl.ID, fl.StartNodeID)
		}
		conv.CurrentNodeID = fl.StartNodeID
		return false, nil
	}

	resuming := false
	if conv.AwaitingVar != "" {
		if event == nil {
			conv.WakeAt = nil
			return true, nil
		}
		conv.SetVariable(conv.AwaitingVar, event.Payload)
		conv.AwaitingVar = ""
		resuming = true
	} else if conv.WakeAt != nil {
		conv.WakeAt = nil
		resuming = true
	}
	if !resuming {
		// Re-entry at an already-positioned node (crash recovery): execute
		// it again. Effectful nodes must be authored idempotently.
		return false, nil
	}

	edge, ok := fl.OutgoingEdge(conv.CurrentNodeID, "")
	if !ok {
		conv.CurrentNodeID = ""
		return false, nil
	}
	conv.CurrentNodeID = edge.Target
	return false, nil
}

// halt flags the conversation after an unrecoverable node failure so it is
// inspected by an operator instead of crash-looping.
func (e *Engine) halt(conv *models.Conversation, nodeID string, execErr error) error {
	conv.Halted = true
	conv.HaltReason = execErr.Error()
	conv.BotActive = false
	if err := e.store.SaveConversation(*conv); err != nil {
		slog.Error("Engine.Advance failed to persist halt", "error", err, "conversation", conv.ID)
	}
	slog.Error("Engine.Advance halted conversation", "error", execErr, "conversation", conv.ID, "node", nodeID)
	return execErr
}

// terminate closes the conversation and deactivates the bot.
func (e *Engine) terminate(conv *models.Conversation, steps int) (*ExecutionResult, error) {
	conv.Status = models.StatusClosed
	conv.BotActive = false
	conv.AwaitingVar = ""
	conv.WakeAt = nil
	if err := e.store.SaveConversation(*conv); err != nil {
		return nil, err
	}
	slog.Info("Engine.Advance conversation closed", "conversation", conv.ID)
	return &ExecutionResult{Conversation: conv, Outcome: OutcomeTerminate, Steps: steps}, nil
}

// convLocks provides per-conversation mutual exclusion keyed by id.
type convLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for one conversation and returns its release
// function. Lock entries are reference counted and removed when idle so the
// map does not grow with conversation history.
func (l *convLocks) lock(id string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*convLock)
	}
	entry, ok := l.locks[id]
	if !ok {
		entry = &convLock{}
		l.locks[id] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
