package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/clock"
	"github.com/emberhq/ember/pkg/llm"
)

func newTestWindow(gen llm.Client) *Window {
	return NewWindow("You are Ember.", 50, 8, 600, gen, clock.New(), testLogger())
}

func TestReplyNoToolCall(t *testing.T) {
	gen := &fakeLLM{outcomes: []*llm.Outcome{textOutcome("hi, good to hear you")}}
	w := newTestWindow(gen)
	g := NewGenerator(gen, clock.New(), testLogger())

	text, err := g.Reply(context.Background(), w, types.NewChatMessage(llm.USER, "hello there"))
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if text != "hi, good to hear you" {
		t.Errorf("Unexpected reply text: %q", text)
	}
	if gen.calls() != 1 {
		t.Errorf("Expected exactly one generation call, got %d", gen.calls())
	}
	// user + assistant appended
	if got := w.LiveCount(); got != 2 {
		t.Errorf("Expected 2 live messages, got %d", got)
	}
	if len(gen.request(0).Tools) == 0 {
		t.Error("First pass should offer the tool surface")
	}
}

func TestReplyWithToolCall(t *testing.T) {
	gen := &fakeLLM{outcomes: []*llm.Outcome{
		{Kind: llm.OutcomeToolCalls, ToolCalls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      ToolUpdateViewingContext,
			Arguments: `{"context":"sunset photo"}`,
		}}},
		textOutcome("that sunset looks lovely"),
	}}
	w := newTestWindow(gen)
	g := NewGenerator(gen, clock.New(), testLogger())

	text, err := g.Reply(context.Background(), w, types.NewChatMessage(llm.USER, "look at this"))
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if text != "that sunset looks lovely" {
		t.Errorf("Unexpected reply text: %q", text)
	}
	if gen.calls() != 2 {
		t.Fatalf("Expected exactly two generation calls, got %d", gen.calls())
	}
	if len(gen.request(1).Tools) != 0 {
		t.Error("Follow-up call must not offer tools; recursion is bounded to depth one")
	}
	if w.ViewingLabel() != "sunset photo" {
		t.Errorf("Tool handler did not set viewing label, got %q", w.ViewingLabel())
	}
	// user + tool invocation + tool result + assistant
	if got := w.LiveCount(); got != 4 {
		t.Errorf("Expected 4 live messages, got %d", got)
	}
}

func TestReplyStampsToolExchangeWithClock(t *testing.T) {
	gen := &fakeLLM{outcomes: []*llm.Outcome{
		{Kind: llm.OutcomeToolCalls, ToolCalls: []llm.ToolCall{{
			ID:        "call_2",
			Name:      ToolUpdateViewingContext,
			Arguments: `{"context":"a recipe"}`,
		}}},
		textOutcome("looks tasty"),
	}}
	fc := clock.NewFake(time.Unix(7000, 0))
	w := NewWindow("You are Ember.", 50, 8, 600, gen, fc, testLogger())
	g := NewGenerator(gen, fc, testLogger())

	if _, err := g.Reply(context.Background(), w, types.NewChatMessage(llm.USER, "see this")); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	// the tool invocation and tool result ride the injected clock
	stamped := 0
	for _, m := range w.Archive() {
		if len(m.ToolCalls) > 0 || m.ToolCallID != "" {
			stamped++
			if !m.CreatedAt.Equal(fc.Now()) {
				t.Errorf("Tool exchange message stamped %v, want %v", m.CreatedAt, fc.Now())
			}
		}
	}
	if stamped != 2 {
		t.Errorf("Expected 2 tool exchange messages, got %d", stamped)
	}
}

func TestReplyUnknownToolStillAnswers(t *testing.T) {
	gen := &fakeLLM{outcomes: []*llm.Outcome{
		{Kind: llm.OutcomeToolCalls, ToolCalls: []llm.ToolCall{{
			ID:        "call_9",
			Name:      "launch_rocket",
			Arguments: `{}`,
		}}},
		textOutcome("sorry, I cannot do that"),
	}}
	w := newTestWindow(gen)
	g := NewGenerator(gen, clock.New(), testLogger())

	text, err := g.Reply(context.Background(), w, types.NewChatMessage(llm.USER, "do it"))
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if text != "sorry, I cannot do that" {
		t.Errorf("Unexpected reply text: %q", text)
	}
	if w.ViewingLabel() != "" {
		t.Error("Unknown tool must not mutate the viewing label")
	}
}

func TestReplyGenerationFailure(t *testing.T) {
	gen := &fakeLLM{errs: []error{errUpstream}}
	w := newTestWindow(gen)
	g := NewGenerator(gen, clock.New(), testLogger())

	if _, err := g.Reply(context.Background(), w, types.NewChatMessage(llm.USER, "hello")); err == nil {
		t.Fatal("Expected error from failed generation")
	}
	// user message is already committed to history even on failure
	if got := w.LiveCount(); got != 1 {
		t.Errorf("Expected 1 live message, got %d", got)
	}
}

func TestFactExtraction(t *testing.T) {
	gen := &fakeLLM{outcomes: []*llm.Outcome{
		textOutcome(`{"worth_memory": true, "saliency": 7, "content": "User is moving to Lisbon in June.", "keywords": ["move", "lisbon", "june"]}`),
	}}
	store := &fakeStore{}
	fx := NewFactExtractor(gen, store, testLogger())

	rec := types.ConversationRecord{
		Messages: []types.ChatMessage{
			types.NewChatMessage(llm.USER, "I'm moving to Lisbon in June"),
			types.NewChatMessage(llm.ASSISTANT, "How exciting!"),
		},
	}
	if err := fx.ExtractAndStore(context.Background(), rec); err != nil {
		t.Fatalf("ExtractAndStore failed: %v", err)
	}
	if len(store.facts) != 1 {
		t.Fatalf("Expected 1 stored fact, got %d", len(store.facts))
	}
	if store.facts[0].Saliency != 7 {
		t.Errorf("Expected saliency 7, got %d", store.facts[0].Saliency)
	}
}

func TestFactExtractionNotWorthKeeping(t *testing.T) {
	gen := &fakeLLM{outcomes: []*llm.Outcome{
		textOutcome(`{"worth_memory": false, "saliency": 1, "content": "", "keywords": []}`),
	}}
	store := &fakeStore{}
	fx := NewFactExtractor(gen, store, testLogger())

	rec := types.ConversationRecord{
		Messages: []types.ChatMessage{types.NewChatMessage(llm.USER, "hi")},
	}
	if err := fx.ExtractAndStore(context.Background(), rec); err != nil {
		t.Fatalf("ExtractAndStore failed: %v", err)
	}
	if len(store.facts) != 0 {
		t.Errorf("Expected no stored facts, got %d", len(store.facts))
	}
}

type fakeStore struct {
	records []types.ConversationRecord
	facts   []types.MemoryFact
}

func (f *fakeStore) AppendConversation(ctx context.Context, rec types.ConversationRecord) error {
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) SaveFact(ctx context.Context, fact types.MemoryFact) error {
	f.facts = append(f.facts, fact)
	return nil
}
