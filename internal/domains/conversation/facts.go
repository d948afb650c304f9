package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/llm"
)

const factInstruction = `You are the memory formation step for a personal AI companion. Read the finished conversation and decide whether it contains information worth keeping as long-term memory: facts, plans, preferences, commitments, significant events. Casual greetings and small talk are not worth keeping.

Respond with only a JSON object:
{"worth_memory": bool, "saliency": 1-10, "content": "concise summary of the fact(s)", "keywords": ["3-7 search terms"]}`

type factResult struct {
	WorthMemory bool     `json:"worth_memory"`
	Saliency    uint8    `json:"saliency"`
	Content     string   `json:"content"`
	Keywords    []string `json:"keywords"`
}

// FactExtractor runs once at session close: one generation call over the
// finished conversation, storing an extracted memory fact when the model
// judges it worth keeping. Failures are logged, never fatal to close.
type FactExtractor struct {
	gen    llm.Client
	store  types.ConversationStore
	logger *Logger.Logger
}

func NewFactExtractor(gen llm.Client, store types.ConversationStore, logger *Logger.Logger) *FactExtractor {
	return &FactExtractor{gen: gen, store: store, logger: logger}
}

func (f *FactExtractor) ExtractAndStore(ctx context.Context, rec types.ConversationRecord) error {
	var b strings.Builder
	for _, m := range rec.Messages {
		if m.Role != llm.USER && m.Role != llm.ASSISTANT {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
	}
	if b.Len() == 0 {
		return nil
	}

	out, err := f.gen.Complete(ctx, llm.Request{
		Msgs: []llm.Message{
			{Role: llm.SYSTEM, Content: factInstruction},
			{Role: llm.USER, Content: b.String()},
		},
	})
	if err != nil {
		return fmt.Errorf("fact extraction call failed: %w", err)
	}
	if out.Kind != llm.OutcomeText {
		return fmt.Errorf("fact extraction returned tool calls")
	}

	var result factResult
	if err := json.Unmarshal([]byte(stripFences(out.Text)), &result); err != nil {
		return fmt.Errorf("unparseable fact extraction result: %w", err)
	}
	if !result.WorthMemory || strings.TrimSpace(result.Content) == "" {
		f.logger.Debugf("conversation for user %s produced no memory fact", rec.UserID)
		return nil
	}

	fact := types.MemoryFact{
		ID:        uuid.New(),
		UserID:    rec.UserID,
		Content:   result.Content,
		Saliency:  result.Saliency,
		Keywords:  result.Keywords,
		CreatedAt: time.Now(),
	}
	if err := f.store.SaveFact(ctx, fact); err != nil {
		return fmt.Errorf("storing extracted fact: %w", err)
	}

	f.logger.Infof("stored memory fact for user %s (saliency=%d)", rec.UserID, fact.Saliency)
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
