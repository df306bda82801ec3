package models

import "encoding/json"

// NodeType is the type tag of a flow node. The executor registry is keyed by
// these tags and validated exhaustively at startup.
type NodeType string

const (
	NodeTypeMessage       NodeType = "message"
	NodeTypeQuestion      NodeType = "question"
	NodeTypeCondition     NodeType = "condition"
	NodeTypeSetVariable   NodeType = "set_variable"
	NodeTypeDelay         NodeType = "delay"
	NodeTypeRandom        NodeType = "random"
	NodeTypeJump          NodeType = "jump"
	NodeTypeScript        NodeType = "script"
	NodeTypeDatabaseQuery NodeType = "database_query"
	NodeTypeAPICall       NodeType = "api_call"
	NodeTypeAIPrompt      NodeType = "ai_prompt"
	NodeTypeHandoff       NodeType = "handoff"
	NodeTypeEnd           NodeType = "end"
)

// AllNodeTypes lists every node type the engine must be able to execute.
var AllNodeTypes = []NodeType{
	NodeTypeMessage,
	NodeTypeQuestion,
	NodeTypeCondition,
	NodeTypeSetVariable,
	NodeTypeDelay,
	NodeTypeRandom,
	NodeTypeJump,
	NodeTypeScript,
	NodeTypeDatabaseQuery,
	NodeTypeAPICall,
	NodeTypeAIPrompt,
	NodeTypeHandoff,
	NodeTypeEnd,
}

// EdgeLabelError is the reserved edge label followed when an externally
// effectful node fails and the flow declares a recovery path.
const EdgeLabelError = "error"

// Node is one step in a flow: a type tag plus its typed configuration,
// decoded by the matching executor.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Edge connects two nodes. An empty label marks the default edge; labeled
// edges are used by branching and weighted node types.
type Edge struct {
	Source string `json:"source"`
	Label  string `json:"label,omitempty"`
	Target string `json:"target"`
}

// Flow is a versioned directed graph of nodes describing an automated
// conversation script.
type Flow struct {
	ID          string `json:"id"`
	Version     int    `json:"version"`
	Nodes       []Node `json:"nodes"`
	Edges       []Edge `json:"edges"`
	StartNodeID string `json:"start_node_id"`
}

// NodeByID looks up a node in the flow.
func (f *Flow) NodeByID(id string) (*Node, bool) {
	for i := range f.Nodes {
		if f.Nodes[i].ID == id {
			return &f.Nodes[i], true
		}
	}
	return nil, false
}

// OutgoingEdge resolves the outgoing edge of a node for a selector. An empty
// selector matches the node's default (unlabeled) edge. Missing edges are
// reported via ok=false; the engine treats that as an implicit terminate.
func (f *Flow) OutgoingEdge(nodeID, selector string) (Edge, bool) {
	for _, e := range f.Edges {
		if e.Source == nodeID && e.Label == selector {
			return e, true
		}
	}
	// A single "default"-labeled edge also serves as the default edge.
	if selector == "" {
		for _, e := range f.Edges {
			if e.Source == nodeID && e.Label == "default" {
				return e, true
			}
		}
	}
	return Edge{}, false
}

// HasErrorEdge reports whether the node declares an error recovery edge.
func (f *Flow) HasErrorEdge(nodeID string) bool {
	_, ok := f.OutgoingEdge(nodeID, EdgeLabelError)
	return ok
}

// Typed node configurations. Each executor unmarshals its node's Config into
// the matching struct.

// MessageConfig configures message and end nodes.
type MessageConfig struct {
	Body string `json:"body"`
}

// QuestionConfig configures a question node: the rendered prompt plus the
// variable the next inbound reply fills.
type QuestionConfig struct {
	Body     string `json:"body"`
	Variable string `json:"variable"`
}

// ConditionRule is one ordered comparison in a condition node.
type ConditionRule struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"` // eq, neq, gt, lt, gte, lte, contains
	Value    string `json:"value"`
	Edge     string `json:"edge"` // edge label taken when the rule matches
}

// ConditionConfig configures a condition node. First matching rule wins;
// no match falls through to the node's default edge.
type ConditionConfig struct {
	Rules []ConditionRule `json:"rules"`
}

// SetVariableConfig configures a set_variable node.
type SetVariableConfig struct {
	Variable string `json:"variable"`
	Value    string `json:"value"`
}

// DelayConfig configures a delay node.
type DelayConfig struct {
	Seconds int `json:"seconds"`
}

// WeightedEdge is one choice of a random node. Weights across a node sum to 100.
type WeightedEdge struct {
	Edge   string `json:"edge"`
	Weight int    `json:"weight"`
}

// RandomConfig configures a random node. A non-nil seed makes the pick
// deterministic.
type RandomConfig struct {
	Choices []WeightedEdge `json:"choices"`
	Seed    *int64         `json:"seed,omitempty"`
}

// JumpConfig configures a jump node.
type JumpConfig struct {
	TargetNodeID string `json:"target_node_id"`
}

// ScriptConfig configures a script node.
type ScriptConfig struct {
	Source         string `json:"source"`
	ResultVariable string `json:"result_variable,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// DatabaseQueryConfig configures a database_query node.
type DatabaseQueryConfig struct {
	Query          string `json:"query"`
	ResultVariable string `json:"result_variable,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// APICallConfig configures an api_call node.
type APICallConfig struct {
	Method         string `json:"method,omitempty"`
	URL            string `json:"url"`
	Body           string `json:"body,omitempty"`
	ResultVariable string `json:"result_variable,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// AIPromptConfig configures an ai_prompt node.
type AIPromptConfig struct {
	SystemPrompt   string `json:"system_prompt,omitempty"`
	UserPrompt     string `json:"user_prompt"`
	ResultVariable string `json:"result_variable,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// HandoffConfig configures a handoff node. Exactly one of QueueID,
// DepartmentID, or AgentID names the target.
type HandoffConfig struct {
	QueueID      string       `json:"queue_id,omitempty"`
	DepartmentID string       `json:"department_id,omitempty"`
	AgentID      string       `json:"agent_id,omitempty"`
	Tier         PriorityTier `json:"tier,omitempty"`
}

// EndConfig configures an end node with an optional farewell message.
type EndConfig struct {
	Farewell string `json:"farewell,omitempty"`
}
