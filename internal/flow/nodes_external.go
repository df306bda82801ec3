package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/models"
)

// DefaultExternalTimeout bounds external collaborator calls when a node does
// not declare its own timeout.
const DefaultExternalTimeout = 10 * time.Second

// MaxExternalResponseBytes caps how much of an api_call response body is
// captured into the variable context.
const MaxExternalResponseBytes = 64 * 1024

func nodeTimeout(seconds int) time.Duration {
	if seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return DefaultExternalTimeout
}

// ScriptExecutor runs a script node through the configured script runner
// collaborator under a bounded timeout.
type ScriptExecutor struct {
	Runner ScriptRunner
}

func (e *ScriptExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.ScriptConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("script node %s has invalid config: %v", node.ID, err)
	}
	if e.Runner == nil {
		return Result{}, &models.ExternalCallError{Node: node.ID, Err: fmt.Errorf("no script runner configured")}
	}
	callCtx, cancel := context.WithTimeout(ctx, nodeTimeout(cfg.TimeoutSeconds))
	defer cancel()

	out, err := e.Runner.Run(callCtx, cfg.Source, conv.Context)
	if err != nil {
		slog.Error("ScriptExecutor run failed", "error", err, "node", node.ID, "conversation", conv.ID)
		return Result{HadSideEffect: true}, &models.ExternalCallError{Node: node.ID, Err: err}
	}
	res := Result{Outcome: OutcomeContinue, HadSideEffect: true}
	if cfg.ResultVariable != "" {
		res.Variables = map[string]string{cfg.ResultVariable: out}
	}
	return res, nil
}

// DatabaseQueryExecutor runs a database_query node through the configured
// query runner collaborator under a bounded timeout.
type DatabaseQueryExecutor struct {
	Runner QueryRunner
}

func (e *DatabaseQueryExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.DatabaseQueryConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("database_query node %s has invalid config: %v", node.ID, err)
	}
	if e.Runner == nil {
		return Result{}, &models.ExternalCallError{Node: node.ID, Err: fmt.Errorf("no query runner configured")}
	}
	callCtx, cancel := context.WithTimeout(ctx, nodeTimeout(cfg.TimeoutSeconds))
	defer cancel()

	query := Render(cfg.Query, conv.Context)
	out, err := e.Runner.Query(callCtx, query)
	if err != nil {
		slog.Error("DatabaseQueryExecutor query failed", "error", err, "node", node.ID, "conversation", conv.ID)
		return Result{HadSideEffect: true}, &models.ExternalCallError{Node: node.ID, Err: err}
	}
	res := Result{Outcome: OutcomeContinue, HadSideEffect: true}
	if cfg.ResultVariable != "" {
		res.Variables = map[string]string{cfg.ResultVariable: out}
	}
	return res, nil
}

// APICallExecutor performs an HTTP request with interpolated URL and body,
// capturing the response into the variable context.
type APICallExecutor struct {
	Client *http.Client
}

func (e *APICallExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.APICallConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("api_call node %s has invalid config: %v", node.ID, err)
	}
	if cfg.URL == "" {
		return Result{}, models.NewConfigurationError("api_call node %s has no URL", node.ID)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	callCtx, cancel := context.WithTimeout(ctx, nodeTimeout(cfg.TimeoutSeconds))
	defer cancel()

	url := Render(cfg.URL, conv.Context)
	var bodyReader io.Reader
	if cfg.Body != "" {
		bodyReader = strings.NewReader(Render(cfg.Body, conv.Context))
	}
	req, err := http.NewRequestWithContext(callCtx, method, url, bodyReader)
	if err != nil {
		return Result{}, models.NewConfigurationError("api_call node %s has invalid request: %v", node.ID, err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.Client.Do(req)
	if err != nil {
		slog.Error("APICallExecutor request failed", "error", err, "node", node.ID, "conversation", conv.ID, "url", url)
		return Result{HadSideEffect: true}, &models.ExternalCallError{Node: node.ID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxExternalResponseBytes))
	if err != nil {
		return Result{HadSideEffect: true}, &models.ExternalCallError{Node: node.ID, Err: err}
	}
	if resp.StatusCode >= 400 {
		slog.Error("APICallExecutor received error status", "status", resp.StatusCode, "node", node.ID, "conversation", conv.ID)
		return Result{HadSideEffect: true}, &models.ExternalCallError{
			Node: node.ID,
			Err:  fmt.Errorf("api call returned status %d", resp.StatusCode),
		}
	}

	res := Result{Outcome: OutcomeContinue, HadSideEffect: true}
	if cfg.ResultVariable != "" {
		res.Variables = map[string]string{cfg.ResultVariable: string(body)}
	}
	slog.Debug("APICallExecutor succeeded", "node", node.ID, "conversation", conv.ID, "status", resp.StatusCode)
	return res, nil
}

// AIPromptExecutor calls the language-model collaborator with interpolated
// prompts under a bounded timeout.
type AIPromptExecutor struct {
	Generator Generator
}

func (e *AIPromptExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.AIPromptConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("ai_prompt node %s has invalid config: %v", node.ID, err)
	}
	if e.Generator == nil {
		return Result{}, &models.ExternalCallError{Node: node.ID, Err: fmt.Errorf("no generator configured")}
	}
	callCtx, cancel := context.WithTimeout(ctx, nodeTimeout(cfg.TimeoutSeconds))
	defer cancel()

	system := Render(cfg.SystemPrompt, conv.Context)
	user := Render(cfg.UserPrompt, conv.Context)
	out, err := e.Generator.Generate(callCtx, system, user)
	if err != nil {
		slog.Error("AIPromptExecutor generation failed", "error", err, "node", node.ID, "conversation", conv.ID)
		return Result{HadSideEffect: true}, &models.ExternalCallError{Node: node.ID, Err: err}
	}
	res := Result{Outcome: OutcomeContinue, HadSideEffect: true}
	if cfg.ResultVariable != "" {
		res.Variables = map[string]string{cfg.ResultVariable: out}
	}
	return res, nil
}

// HandoffExecutor computes the handoff target and priority tier and exits
// the flow loop with a handoff outcome. The engine deactivates the bot in
// the same state commit.
type HandoffExecutor struct{}

func (e *HandoffExecutor) Execute(ctx context.Context, node models.Node, conv *models.Conversation, event *models.InboundEvent) (Result, error) {
	var cfg models.HandoffConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return Result{}, models.NewConfigurationError("handoff node %s has invalid config: %v", node.ID, err)
	}
	targets := 0
	for _, t := range []string{cfg.QueueID, cfg.DepartmentID, cfg.AgentID} {
		if t != "" {
			targets++
		}
	}
	if targets != 1 {
		return Result{}, models.NewConfigurationError("handoff node %s must name exactly one of queue, department, or agent", node.ID)
	}
	if _, err := models.MapPriorityTier(cfg.Tier); err != nil {
		return Result{}, models.NewConfigurationError("handoff node %s has invalid priority tier %q", node.ID, cfg.Tier)
	}
	slog.Debug("HandoffExecutor requesting handoff", "node", node.ID, "conversation", conv.ID,
		"queue", cfg.QueueID, "department", cfg.DepartmentID, "agent", cfg.AgentID, "tier", cfg.Tier)
	return Result{
		Outcome: OutcomeHandoff,
		Handoff: &HandoffRequest{
			QueueID:      cfg.QueueID,
			DepartmentID: cfg.DepartmentID,
			AgentID:      cfg.AgentID,
			Tier:         cfg.Tier,
		},
	}, nil
}
