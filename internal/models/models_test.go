package models

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("flow %s has no start node", "f1")
	if !IsConfigurationError(err) {
		t.Error("expected IsConfigurationError to recognize a configuration error")
	}
	if !strings.Contains(err.Error(), "f1") {
		t.Errorf("expected formatted reason, got %q", err.Error())
	}
	// Wrapping must not hide the classification.
	wrapped := fmt.Errorf("advance failed: %w", err)
	if !IsConfigurationError(wrapped) {
		t.Error("expected IsConfigurationError to see through wrapping")
	}
	if IsConfigurationError(errors.New("plain")) {
		t.Error("expected plain error not to classify as configuration error")
	}
}

func TestExternalCallErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &ExternalCallError{Node: "n1", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("expected external call error to unwrap to its cause")
	}
	if IsConfigurationError(err) {
		t.Error("expected external call error not to classify as configuration error")
	}
	if !strings.Contains(err.Error(), "n1") {
		t.Errorf("expected node id in message, got %q", err.Error())
	}
}

func TestOutgoingEdge(t *testing.T) {
	fl := Flow{
		ID: "f1",
		Nodes: []Node{
			{ID: "a", Type: NodeTypeMessage},
			{ID: "b", Type: NodeTypeMessage},
			{ID: "c", Type: NodeTypeMessage},
		},
		Edges: []Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Label: "default", Target: "c"},
			{Source: "b", Label: "error", Target: "a"},
		},
		StartNodeID: "a",
	}

	edge, ok := fl.OutgoingEdge("a", "")
	if !ok || edge.Target != "b" {
		t.Errorf("expected unlabeled default edge a->b, got %v ok=%v", edge, ok)
	}
	// A "default"-labeled edge serves as the default edge too.
	edge, ok = fl.OutgoingEdge("b", "")
	if !ok || edge.Target != "c" {
		t.Errorf("expected default-labeled edge b->c, got %v ok=%v", edge, ok)
	}
	edge, ok = fl.OutgoingEdge("b", EdgeLabelError)
	if !ok || edge.Target != "a" {
		t.Errorf("expected error edge b->a, got %v ok=%v", edge, ok)
	}
	if _, ok := fl.OutgoingEdge("c", ""); ok {
		t.Error("expected terminal node to have no outgoing edge")
	}
	if !fl.HasErrorEdge("b") {
		t.Error("expected node b to declare an error edge")
	}
	if fl.HasErrorEdge("a") {
		t.Error("expected node a to have no error edge")
	}
}
