// Package flow implements the conversation flow engine: an interpreter that
// walks a per-conversation state machine over a directed graph of typed
// nodes until the flow suspends, terminates, or hands the conversation off
// to a human queue.
package flow

import (
	"context"
	"net/http"
	"time"

	"github.com/relaydesk/relaydesk/internal/models"
)

// Outcome is what a node execution tells the dispatcher to do next.
type Outcome string

const (
	// OutcomeContinue advances along the selected edge and keeps executing.
	OutcomeContinue Outcome = "continue"
	// OutcomeSuspend stops the loop until further input (reply or wake).
	OutcomeSuspend Outcome = "suspend"
	// OutcomeTerminate closes the conversation.
	OutcomeTerminate Outcome = "terminate"
	// OutcomeHandoff exits the loop; the caller must invoke the queue dispatcher.
	OutcomeHandoff Outcome = "handoff"
)

// HandoffRequest is the payload a handoff node produces. Exactly one of
// QueueID, DepartmentID, or AgentID names the target.
type HandoffRequest struct {
	QueueID      string              `json:"queue_id,omitempty"`
	DepartmentID string              `json:"department_id,omitempty"`
	AgentID      string              `json:"agent_id,omitempty"`
	Tier         models.PriorityTier `json:"tier,omitempty"`
}

// Result is the outcome of executing one node.
type Result struct {
	Outcome       Outcome
	Variables     map[string]string // merged into the conversation context
	EdgeSelector  string            // label of the outgoing edge to follow; empty selects the default edge
	HadSideEffect bool              // true when the node touched an external collaborator
	AwaitVariable string            // question: variable the next inbound reply fills
	WakeAt        *time.Time        // delay: when the scheduler should re-enter the flow
	JumpTo        string            // jump: node id to move to directly
	Handoff       *HandoffRequest   // handoff payload
}

// Executor runs one node type. Implementations must not mutate the
// conversation; variable writes go through Result.Variables.
type Executor interface {
	Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error)
}

// Sender delivers a rendered message to a contact's channel address and
// returns the external message id. The channel package provides
// implementations.
type Sender interface {
	Send(ctx context.Context, to string, body string) (string, error)
}

// Generator produces language-model output for ai_prompt nodes.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ScriptRunner executes a script node's source against the conversation
// variables and returns its output.
type ScriptRunner interface {
	Run(ctx context.Context, source string, vars map[string]string) (string, error)
}

// QueryRunner executes a database_query node's query and returns its result
// as a string.
type QueryRunner interface {
	Query(ctx context.Context, query string) (string, error)
}

// Dependencies holds the collaborators injected into node executors.
// Sender is required; the others may be nil, in which case the nodes that
// need them fail with an ExternalCallError at execution time.
type Dependencies struct {
	Sender       Sender
	Generator    Generator
	ScriptRunner ScriptRunner
	QueryRunner  QueryRunner
	HTTPClient   *http.Client
}

// Registry maps node type tags to executors. It is built once at startup,
// validated exhaustively, and never mutated afterwards.
type Registry struct {
	executors map[models.NodeType]Executor
}

// NewRegistry constructs executors for every node type and fails fast when
// any type is left without an executor or a required dependency is missing.
func NewRegistry(deps Dependencies) (*Registry, error) {
	if deps.Sender == nil {
		return nil, models.NewConfigurationError("flow registry requires a channel sender")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	executors := map[models.NodeType]Executor{
		models.NodeTypeMessage:       &MessageExecutor{Sender: deps.Sender},
		models.NodeTypeQuestion:      &QuestionExecutor{Sender: deps.Sender},
		models.NodeTypeCondition:     &ConditionExecutor{},
		models.NodeTypeSetVariable:   &SetVariableExecutor{},
		models.NodeTypeDelay:         &DelayExecutor{},
		models.NodeTypeRandom:        &RandomExecutor{},
		models.NodeTypeJump:          &JumpExecutor{},
		models.NodeTypeScript:        &ScriptExecutor{Runner: deps.ScriptRunner},
		models.NodeTypeDatabaseQuery: &DatabaseQueryExecutor{Runner: deps.QueryRunner},
		models.NodeTypeAPICall:       &APICallExecutor{Client: httpClient},
		models.NodeTypeAIPrompt:      &AIPromptExecutor{Generator: deps.Generator},
		models.NodeTypeHandoff:       &HandoffExecutor{},
		models.NodeTypeEnd:           &EndExecutor{Sender: deps.Sender},
	}
	for _, t := range models.AllNodeTypes {
		if executors[t] == nil {
			return nil, models.NewConfigurationError("no executor registered for node type %s", t)
		}
	}
	return &Registry{executors: executors}, nil
}

// Get retrieves the executor for a node type.
func (r *Registry) Get(t models.NodeType) (Executor, bool) {
	exec, ok := r.executors[t]
	return exec, ok
}
