// Package llm wraps the text generation collaborator behind a small
// interface so sessions can run against fakes in tests.
package llm

import (
	"context"
	"time"
)

type Role string

const (
	USER      Role = "user"
	ASSISTANT Role = "assistant"
	SYSTEM    Role = "system"
	TOOL      Role = "tool"
)

// Message is one entry of the ordered context sent to the generation
// service. Images carries data URLs attached to a user turn; ToolCalls is
// set on an assistant tool-invocation message; ToolCallID on a tool result.
type Message struct {
	Role       Role
	Content    string
	Images     []string
	ToolCalls  []ToolCall
	ToolCallID string
	CreatedAt  time.Time
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolSpec describes a callable tool offered to the model. Parameters is a
// JSON-schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type Request struct {
	Msgs  []Message
	Tools []ToolSpec
}

type OutcomeKind int

const (
	OutcomeText OutcomeKind = iota
	OutcomeToolCalls
)

// Outcome is the tagged result of one generation call: either final reply
// text, or tool invocations that need a follow-up pass.
type Outcome struct {
	Kind      OutcomeKind
	Text      string
	ToolCalls []ToolCall
}

type Client interface {
	Complete(ctx context.Context, req Request) (*Outcome, error)
}
