package flow

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/relaydesk/relaydesk/internal/models"
)

// MessageExecutor renders a message node's body with {{var}} interpolation
// and sends it to the contact's channel address.
type MessageExecutor struct {
	Sender Sender
}

func (e *MessageExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.MessageConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("message node %s has invalid config: %v", node.ID, err)
	}
	body := Render(cfg.Body, conv.Context)
	msgID, err := e.Sender.Send(ctx, conv.ChannelRef, body)
	if err != nil {
		slog.Error("MessageExecutor send failed", "error", err, "node", node.ID, "conversation", conv.ID)
		return Result{HadSideEffect: true}, &models.ExternalCallError{Node: node.ID, Err: err}
	}
	slog.Debug("MessageExecutor sent message", "node", node.ID, "conversation", conv.ID, "message_id", msgID)
	return Result{Outcome: OutcomeContinue, HadSideEffect: true}, nil
}

// QuestionExecutor sends a rendered prompt and suspends the flow, recording
// which variable the next inbound reply fills.
type QuestionExecutor struct {
	Sender Sender
}

func (e *QuestionExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.QuestionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("question node %s has invalid config: %v", node.ID, err)
	}
	if cfg.Variable == "" {
		return Result{}, models.NewConfigurationError("question node %s declares no reply variable", node.ID)
	}
	body := Render(cfg.Body, conv.Context)
	msgID, err := e.Sender.Send(ctx, conv.ChannelRef, body)
	if err != nil {
		slog.Error("QuestionExecutor send failed", "error", err, "node", node.ID, "conversation", conv.ID)
		return Result{HadSideEffect: true}, &models.ExternalCallError{Node: node.ID, Err: err}
	}
	slog.Debug("QuestionExecutor sent question", "node", node.ID, "conversation", conv.ID, "variable", cfg.Variable, "message_id", msgID)
	return Result{Outcome: OutcomeSuspend, AwaitVariable: cfg.Variable, HadSideEffect: true}, nil
}

// EndExecutor optionally sends a farewell and terminates the conversation.
type EndExecutor struct {
	Sender Sender
}

func (e *EndExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.EndConfig
	if len(node.Config) > 0 {
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return Result{}, models.NewConfigurationError("end node %s has invalid config: %v", node.ID, err)
		}
	}
	hadSideEffect := false
	if cfg.Farewell != "" {
		body := Render(cfg.Farewell, conv.Context)
		hadSideEffect = true
		if _, err := e.Sender.Send(ctx, conv.ChannelRef, body); err != nil {
			// A failed farewell still ends the conversation.
			slog.Warn("EndExecutor farewell send failed", "error", err, "node", node.ID, "conversation", conv.ID)
		}
	}
	slog.Debug("EndExecutor terminating conversation", "node", node.ID, "conversation", conv.ID)
	return Result{Outcome: OutcomeTerminate, HadSideEffect: hadSideEffect}, nil
}
