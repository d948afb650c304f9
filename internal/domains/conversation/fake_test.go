package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/llm"
)

// fakeLLM returns canned outcomes in order and records every request.
type fakeLLM struct {
	mu       sync.Mutex
	outcomes []*llm.Outcome
	errs     []error
	requests []llm.Request
}

func (f *fakeLLM) Complete(ctx context.Context, req llm.Request) (*llm.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.outcomes) {
		return f.outcomes[i], nil
	}
	return &llm.Outcome{Kind: llm.OutcomeText, Text: "ok"}, nil
}

func (f *fakeLLM) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLLM) request(i int) llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func textOutcome(text string) *llm.Outcome {
	return &llm.Outcome{Kind: llm.OutcomeText, Text: text}
}

var errUpstream = errors.New("upstream unavailable")

func testLogger() *Logger.Logger {
	return Logger.New(true)
}
