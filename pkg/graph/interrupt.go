package graph

import "fmt"

// Interrupt suspends a workflow at the current node until an external
// decision arrives. It carries enough context for whoever answers to know
// what is being asked.
type Interrupt struct {
	Reason  string         `json:"reason"`
	Node    string         `json:"node"`
	Payload map[string]any `json:"payload,omitempty"`
}

// InterruptError signals the engine to checkpoint and suspend instead of
// routing onward.
type InterruptError struct {
	Interrupt Interrupt
}

func (e *InterruptError) Error() string {
	return fmt.Sprintf("workflow interrupted at %s: %s", e.Interrupt.Node, e.Interrupt.Reason)
}

// Suspend builds the interrupt error a node returns to pause the workflow.
func Suspend(node, reason string, payload map[string]any) error {
	return &InterruptError{Interrupt: Interrupt{Reason: reason, Node: node, Payload: payload}}
}
