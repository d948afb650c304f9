package conversation

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/clock"
	"github.com/emberhq/ember/pkg/llm"
)

func fillWindow(w *Window, n int) {
	for i := 0; i < n; i++ {
		role := llm.USER
		if i%2 == 1 {
			role = llm.ASSISTANT
		}
		w.Append(types.NewChatMessage(role, "message"))
	}
}

func TestWindowCompactsWhenOverThreshold(t *testing.T) {
	gen := &fakeLLM{outcomes: []*llm.Outcome{textOutcome("they talked about plans")}}
	w := NewWindow("You are Ember.", 6, 4, 600, gen, clock.New(), testLogger())

	fillWindow(w, 6)
	if w.LiveCount() != 6 {
		t.Fatalf("Expected 6 live messages, got %d", w.LiveCount())
	}
	if w.HasSummary() {
		t.Fatal("No summary expected before overflow")
	}

	// the 7th append overflows; the window is trimmed to threshold-batch
	w.Append(types.NewChatMessage(llm.USER, "one more"))
	w.Wait()

	if got := w.LiveCount(); got > 6-4 {
		t.Errorf("Live window exceeds threshold minus batch: %d", got)
	}
	if !w.HasSummary() {
		t.Fatal("Expected a summary message after compaction")
	}
	if w.Summary() != "they talked about plans" {
		t.Errorf("Unexpected summary text: %q", w.Summary())
	}

	// the summary sits immediately after the system block
	snap := w.Snapshot()
	if snap[0].Role != llm.SYSTEM {
		t.Fatal("First snapshot entry must be system instructions")
	}
	if !strings.Contains(snap[1].Content, "they talked about plans") {
		t.Errorf("Second snapshot entry should carry the summary, got %q", snap[1].Content)
	}
	for _, m := range snap[2:] {
		if m.Role == llm.SYSTEM {
			t.Error("Only one summary/system entry expected after the system block")
		}
	}
}

func TestWindowRetainsSummaryOnFailure(t *testing.T) {
	gen := &fakeLLM{
		outcomes: []*llm.Outcome{textOutcome("first summary"), nil},
		errs:     []error{nil, errUpstream},
	}
	w := NewWindow("You are Ember.", 4, 2, 600, gen, clock.New(), testLogger())

	fillWindow(w, 5)
	w.Wait()
	if w.Summary() != "first summary" {
		t.Fatalf("Expected first summary, got %q", w.Summary())
	}
	countAfterFirst := w.LiveCount()

	// trigger a second compaction whose summarization fails
	fillWindow(w, 5-countAfterFirst+1)
	w.Wait()

	if w.Summary() != "first summary" {
		t.Errorf("Prior summary must be retained on failure, got %q", w.Summary())
	}
	// messages were still removed: bounded memory over summary completeness
	if w.LiveCount() > 4 {
		t.Errorf("Window not bounded after failed summarization: %d live", w.LiveCount())
	}
}

func TestWindowSummaryBounded(t *testing.T) {
	long := strings.Repeat("x", 2000)
	gen := &fakeLLM{outcomes: []*llm.Outcome{textOutcome(long)}}
	w := NewWindow("You are Ember.", 2, 2, 100, gen, clock.New(), testLogger())

	fillWindow(w, 3)
	w.Wait()

	if got := utf8.RuneCountInString(w.Summary()); got > 100 {
		t.Errorf("Summary not bounded: %d chars", got)
	}
}

func TestWindowSummaryTruncatesOnRuneBoundary(t *testing.T) {
	long := strings.Repeat("café ", 100)
	gen := &fakeLLM{outcomes: []*llm.Outcome{textOutcome(long)}}
	w := NewWindow("You are Ember.", 2, 2, 100, gen, clock.New(), testLogger())

	fillWindow(w, 3)
	w.Wait()

	s := w.Summary()
	if !utf8.ValidString(s) {
		t.Errorf("Truncated summary is not valid UTF-8: %q", s)
	}
	if got := utf8.RuneCountInString(s); got > 100 {
		t.Errorf("Summary not bounded: %d chars", got)
	}
}

func TestWindowViewingLabelInSnapshot(t *testing.T) {
	w := NewWindow("You are Ember.", 10, 2, 600, &fakeLLM{}, clock.New(), testLogger())
	w.SetViewingLabel("a photo of a dog")
	w.Append(types.NewChatMessage(llm.USER, "what is this"))

	snap := w.Snapshot()
	found := false
	for _, m := range snap {
		if m.Role == llm.SYSTEM && strings.Contains(m.Content, "a photo of a dog") {
			found = true
		}
	}
	if !found {
		t.Error("Viewing label missing from snapshot")
	}
}

func TestWindowArchiveKeepsCompactedMessages(t *testing.T) {
	gen := &fakeLLM{outcomes: []*llm.Outcome{textOutcome("s")}}
	w := NewWindow("You are Ember.", 4, 2, 600, gen, clock.New(), testLogger())

	fillWindow(w, 5)
	w.Wait()

	if got := len(w.Archive()); got != 5 {
		t.Errorf("Archive should keep all appended messages, got %d", got)
	}
}
