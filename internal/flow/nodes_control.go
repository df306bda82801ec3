package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/models"
	"github.com/relaydesk/relaydesk/internal/util"
)

// ConditionExecutor evaluates ordered comparisons against the variable
// context. The first matching rule selects its edge; no match falls through
// to the node's default edge.
type ConditionExecutor struct{}

func (e *ConditionExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.ConditionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("condition node %s has invalid config: %v", node.ID, err)
	}
	for _, rule := range cfg.Rules {
		actual := conv.Context[rule.Variable]
		match, err := evaluateRule(actual, rule.Operator, rule.Value)
		if err != nil {
			return Result{}, models.NewConfigurationError("condition node %s rule on %q: %v", node.ID, rule.Variable, err)
		}
		if match {
			slog.Debug("ConditionExecutor rule matched", "node", node.ID, "variable", rule.Variable, "operator", rule.Operator, "edge", rule.Edge)
			return Result{Outcome: OutcomeContinue, EdgeSelector: rule.Edge}, nil
		}
	}
	slog.Debug("ConditionExecutor no rule matched, taking default edge", "node", node.ID)
	return Result{Outcome: OutcomeContinue}, nil
}

// evaluateRule applies one comparison operator. eq/neq/contains compare
// strings; gt/lt/gte/lte compare numerically and do not match when either
// side is not a number.
func evaluateRule(actual, operator, expected string) (bool, error) {
	switch operator {
	case "eq":
		return actual == expected, nil
	case "neq":
		return actual != expected, nil
	case "contains":
		return strings.Contains(actual, expected), nil
	case "gt", "lt", "gte", "lte":
		a, errA := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		b, errB := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if errA != nil || errB != nil {
			return false, nil
		}
		switch operator {
		case "gt":
			return a > b, nil
		case "lt":
			return a < b, nil
		case "gte":
			return a >= b, nil
		default:
			return a <= b, nil
		}
	default:
		return false, models.NewConfigurationError("unknown operator %q", operator)
	}
}

// SetVariableExecutor writes one variable into the context. The value may
// itself contain {{var}} placeholders.
type SetVariableExecutor struct{}

func (e *SetVariableExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.SetVariableConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("set_variable node %s has invalid config: %v", node.ID, err)
	}
	if cfg.Variable == "" {
		return Result{}, models.NewConfigurationError("set_variable node %s declares no variable", node.ID)
	}
	value := Render(cfg.Value, conv.Context)
	return Result{
		Outcome:   OutcomeContinue,
		Variables: map[string]string{cfg.Variable: value},
	}, nil
}

// DelayExecutor suspends the flow with a persisted wake time. The flow holds
// no resource while waiting; the scheduler re-enters Advance at-least-once
// at or after the wake time.
type DelayExecutor struct{}

func (e *DelayExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.DelayConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("delay node %s has invalid config: %v", node.ID, err)
	}
	if cfg.Seconds <= 0 {
		return Result{}, models.NewConfigurationError("delay node %s has non-positive duration", node.ID)
	}
	wake := time.Now().UTC().Add(time.Duration(cfg.Seconds) * time.Second)
	slog.Debug("DelayExecutor suspending", "node", node.ID, "conversation", conv.ID, "wake_at", wake)
	return Result{Outcome: OutcomeSuspend, WakeAt: &wake}, nil
}

// RandomExecutor selects an outgoing edge by configured weights. Weights
// must sum to 100; a configured seed makes the pick deterministic.
type RandomExecutor struct{}

func (e *RandomExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.RandomConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("random node %s has invalid config: %v", node.ID, err)
	}
	if len(cfg.Choices) == 0 {
		return Result{}, models.NewConfigurationError("random node %s has no choices", node.ID)
	}
	weights := make([]int, len(cfg.Choices))
	for i, c := range cfg.Choices {
		weights[i] = c.Weight
	}
	idx, err := util.PickWeighted(weights, cfg.Seed)
	if err != nil {
		return Result{}, models.NewConfigurationError("random node %s: %v", node.ID, err)
	}
	edge := cfg.Choices[idx].Edge
	slog.Debug("RandomExecutor picked edge", "node", node.ID, "edge", edge)
	return Result{Outcome: OutcomeContinue, EdgeSelector: edge}, nil
}

// JumpExecutor moves the conversation to another node directly, without
// suspension or edge traversal.
type JumpExecutor struct{}

func (e *JumpExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.JumpConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("jump node %s has invalid config: %v", node.ID, err)
	}
	if cfg.TargetNodeID == "" {
		return Result{}, models.NewConfigurationError("jump node %s has no target", node.ID)
	}
	return Result{Outcome: OutcomeContinue, JumpTo: cfg.TargetNodeID}, nil
}
