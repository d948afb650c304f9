package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/clock"
	"github.com/emberhq/ember/pkg/llm"
)

const summarizerInstruction = `You maintain a rolling summary of an ongoing spoken conversation between a user and their AI companion. Merge the prior summary with the new messages into one updated summary. Keep it under %d characters, third person, plain prose. Preserve names, plans, preferences and emotional context; drop filler.`

// Window maintains the bounded ordered conversation history: fixed system
// instructions first, an optional rolling-summary message, then the live
// window. Everything ever appended is also kept in an archive for the
// end-of-session persistence handoff.
type Window struct {
	mu           sync.Mutex
	system       types.ChatMessage
	summary      *types.ChatMessage
	live         []types.ChatMessage
	archive      []types.ChatMessage
	viewingLabel string

	threshold  int
	batch      int
	summaryMax int

	gen    llm.Client
	clk    clock.Clock
	logger *Logger.Logger
	wg     sync.WaitGroup
}

func NewWindow(systemInstructions string, threshold, batch, summaryMax int, gen llm.Client, clk clock.Clock, logger *Logger.Logger) *Window {
	return &Window{
		system:     types.NewChatMessage(llm.SYSTEM, systemInstructions),
		threshold:  threshold,
		batch:      batch,
		summaryMax: summaryMax,
		gen:        gen,
		clk:        clk,
		logger:     logger,
	}
}

// Append adds a message to the live window and compacts if the window
// overflowed. Compaction removes the oldest batch synchronously; the
// rolling summary is regenerated in the background so the reply path
// never blocks on it.
func (w *Window) Append(msg types.ChatMessage) {
	w.mu.Lock()
	w.live = append(w.live, msg)
	w.archive = append(w.archive, msg)

	if len(w.live) <= w.threshold {
		w.mu.Unlock()
		return
	}

	// trim the oldest block so the live window lands at threshold-batch,
	// leaving headroom before the next compaction
	target := w.threshold - w.batch
	if target < 0 {
		target = 0
	}
	n := len(w.live) - target
	victims := make([]types.ChatMessage, n)
	copy(victims, w.live[:n])
	w.live = append([]types.ChatMessage(nil), w.live[n:]...)

	prior := ""
	if w.summary == nil {
		s := types.ChatMessage{
			ID:        uuid.New(),
			Role:      llm.SYSTEM,
			IsSummary: true,
			CreatedAt: w.clk.Now(),
		}
		w.summary = &s
	} else {
		prior = w.summary.Text
	}
	w.mu.Unlock()

	w.wg.Add(1)
	go w.summarize(prior, victims)
}

// summarize asks the generation service for an updated rolling summary.
// On failure the prior summary is retained; the compacted messages are
// already gone either way, bounded memory wins over summary completeness.
func (w *Window) summarize(prior string, victims []types.ChatMessage) {
	defer w.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var b strings.Builder
	if prior != "" {
		fmt.Fprintf(&b, "Prior summary:\n%s\n\n", prior)
	}
	b.WriteString("New messages:\n")
	for _, m := range victims {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Text)
	}

	out, err := w.gen.Complete(ctx, llm.Request{
		Msgs: []llm.Message{
			{Role: llm.SYSTEM, Content: fmt.Sprintf(summarizerInstruction, w.summaryMax)},
			{Role: llm.USER, Content: b.String()},
		},
	})
	if err != nil || out.Kind != llm.OutcomeText || strings.TrimSpace(out.Text) == "" {
		w.logger.Warnf("summarization failed, retaining prior summary: %v", err)
		return
	}

	text := strings.TrimSpace(out.Text)
	if runes := []rune(text); len(runes) > w.summaryMax {
		text = string(runes[:w.summaryMax])
	}

	w.mu.Lock()
	if w.summary != nil {
		w.summary.Text = text
	}
	w.mu.Unlock()
}

// Snapshot renders the full ordered context for a generation call:
// system, optional viewing-context note, optional summary, live window.
func (w *Window) Snapshot() []llm.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	msgs := make([]llm.Message, 0, len(w.live)+3)
	msgs = append(msgs, w.system.ToLLM())
	if w.viewingLabel != "" {
		msgs = append(msgs, llm.Message{
			Role:    llm.SYSTEM,
			Content: "The user is currently viewing: " + w.viewingLabel,
		})
	}
	if w.summary != nil && w.summary.Text != "" {
		msgs = append(msgs, llm.Message{
			Role:    llm.SYSTEM,
			Content: "Conversation so far (summarized): " + w.summary.Text,
		})
	}
	for _, m := range w.live {
		msgs = append(msgs, m.ToLLM())
	}
	return msgs
}

// SetViewingLabel updates the freeform viewing-context label.
func (w *Window) SetViewingLabel(label string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.viewingLabel = label
}

func (w *Window) ViewingLabel() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.viewingLabel
}

// LiveCount reports the number of non-system messages in the live window.
func (w *Window) LiveCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.live)
}

// HasSummary reports whether a summary slot exists right after the
// system block.
func (w *Window) HasSummary() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.summary != nil
}

func (w *Window) Summary() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.summary == nil {
		return ""
	}
	return w.summary.Text
}

// Archive returns every message appended over the session's lifetime.
func (w *Window) Archive() []types.ChatMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.ChatMessage, len(w.archive))
	copy(out, w.archive)
	return out
}

// Wait blocks until in-flight background summarizations settle.
func (w *Window) Wait() {
	w.wg.Wait()
}
