package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/clock"
	"github.com/emberhq/ember/pkg/llm"
	"github.com/emberhq/ember/pkg/stt"
)

// fakeStream is a scripted transcription stream the test drives by hand.
type fakeStream struct {
	mu        sync.Mutex
	events    chan stt.Event
	written   [][]byte
	destroyed bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan stt.Event, 16)}
}

func (f *fakeStream) WriteAudio(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return errors.New("stream destroyed")
	}
	f.written = append(f.written, chunk)
	return nil
}

func (f *fakeStream) Events() <-chan stt.Event { return f.events }

func (f *fakeStream) Destroy() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.destroyed {
		f.destroyed = true
		close(f.events)
	}
	return nil
}

func (f *fakeStream) emit(ev stt.Event) { f.events <- ev }

func (f *fakeStream) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

type fakeFactory struct {
	mu      sync.Mutex
	streams []*fakeStream
	failAll bool
}

func (f *fakeFactory) Start(ctx context.Context, cfg stt.Config) (stt.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("upstream refused")
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	return s, nil
}

func (f *fakeFactory) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeFactory) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

// fakePeer records every message pushed to the client in arrival order.
type fakePeer struct {
	mu     sync.Mutex
	log    []string
	closed bool
}

func (p *fakePeer) record(format string, args ...any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.log = append(p.log, fmt.Sprintf(format, args...))
	return nil
}

func (p *fakePeer) SendReady(id string) error { return p.record("ready") }
func (p *fakePeer) SendSessionConfig(tier string, remaining int64) error {
	return p.record("config %s %d", tier, remaining)
}
func (p *fakePeer) SendState(state string) error { return p.record("state %s", state) }
func (p *fakePeer) SendTranscript(role, text string, interim bool) error {
	if interim {
		return p.record("interim %s %s", role, text)
	}
	return p.record("transcript %s %s", role, text)
}
func (p *fakePeer) SendSpeechStart(id string) error  { return p.record("speech_start") }
func (p *fakePeer) SendSpeechEnd(id string) error    { return p.record("speech_end") }
func (p *fakePeer) SendAudio(chunk []byte) error     { return p.record("audio %d", len(chunk)) }
func (p *fakePeer) SendError(code, where, msg string) error {
	return p.record("error %s %s", code, where)
}
func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.log))
	copy(out, p.log)
	return out
}

func (p *fakePeer) waitFor(t *testing.T, entry string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range p.snapshot() {
			if e == entry {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, log: %v", entry, p.snapshot())
}

func (p *fakePeer) contains(entry string) bool {
	for _, e := range p.snapshot() {
		if e == entry {
			return true
		}
	}
	return false
}

// scriptedLLM returns canned outcomes in order.
type scriptedLLM struct {
	mu       sync.Mutex
	outcomes []*llm.Outcome
	requests []llm.Request
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (*llm.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.outcomes) == 0 {
		return &llm.Outcome{Kind: llm.OutcomeText, Text: "fallback"}, nil
	}
	out := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return out, nil
}

type fakeStores struct {
	mu      sync.Mutex
	records []types.ConversationRecord
	facts   []types.MemoryFact
	usage   map[uuid.UUID]*types.Usage
}

func newFakeStores() *fakeStores {
	return &fakeStores{usage: make(map[uuid.UUID]*types.Usage)}
}

func (f *fakeStores) AppendConversation(ctx context.Context, rec types.ConversationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStores) SaveFact(ctx context.Context, fact types.MemoryFact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts = append(f.facts, fact)
	return nil
}

func (f *fakeStores) FetchUsage(ctx context.Context, userID uuid.UUID, tier types.Tier) (*types.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.usage[userID]; ok {
		return u, nil
	}
	u := &types.Usage{UserID: userID, Tier: tier, LimitSeconds: 600}
	f.usage[userID] = u
	return u, nil
}

func (f *fakeStores) AddUsage(ctx context.Context, userID uuid.UUID, seconds int64) (*types.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := f.usage[userID]
	u.UsedSeconds += seconds
	cp := *u
	return &cp, nil
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		EOUDebounceMs:     600,
		StaleGraceMs:      300,
		EmptyEOUThreshold: 3,
		WindowThreshold:   24,
		CompactBatch:      8,
		SummaryMaxChars:   600,
		ImageTTLSecs:      60,
		AudioRingBytes:    1 << 16,
		UsageTickSecs:     30,
	}
}

func newTestSession(t *testing.T, gen *scriptedLLM) (*Session, *fakePeer, *fakeFactory, *fakeStores, *clock.Fake) {
	t.Helper()
	peer := &fakePeer{}
	factory := &fakeFactory{}
	stores := newFakeStores()
	fc := clock.NewFake(time.Unix(5000, 0))

	s := New(uuid.New(), false, types.TierFree, peer, testSessionConfig(), Collaborators{
		STTFactory: factory,
		Gen:        gen,
		Synth:      &scriptedSynth{},
		Store:      stores,
		Usage:      stores,
		Clock:      fc,
		Logger:     Logger.New(true),
	})
	return s, peer, factory, stores, fc
}

func TestStreamLifecycle(t *testing.T) {
	gen := &scriptedLLM{outcomes: []*llm.Outcome{
		{Kind: llm.OutcomeText, Text: "Hi! How can I help?"},
	}}
	s, peer, factory, stores, fc := newTestSession(t, gen)

	if err := s.StartStream(); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	peer.waitFor(t, "state listening")
	if !peer.contains("ready") || !peer.contains("config free 600") {
		t.Fatalf("missing handshake events: %v", peer.snapshot())
	}

	// audio only flows upstream while listening
	s.HandleAudioFrame([]byte{1, 2, 3}, 16000, 1)
	if factory.stream(0).writeCount() == 0 {
		t.Error("audio frame should reach the transcription stream")
	}

	factory.stream(0).emit(stt.Event{Text: "hello", IsFinal: false})
	peer.waitFor(t, "interim user hello")
	factory.stream(0).emit(stt.Event{Text: "hello there", IsFinal: true})
	time.Sleep(50 * time.Millisecond)

	// retry EOU until the pump has delivered the final fragment
	deadline := time.Now().Add(time.Second)
	for s.turn.State() == StateListening && time.Now().Before(deadline) {
		s.HandleEOU()
		time.Sleep(5 * time.Millisecond)
		fc.Advance(time.Second)
	}

	peer.waitFor(t, "transcript user hello there")
	peer.waitFor(t, "transcript assistant Hi! How can I help?")
	peer.waitFor(t, "speech_start")
	peer.waitFor(t, "speech_end")
	peer.waitFor(t, "state listening")

	// order within the turn
	var idx = map[string]int{}
	for i, e := range peer.snapshot() {
		if _, seen := idx[e]; !seen {
			idx[e] = i
		}
	}
	if !(idx["state thinking"] < idx["transcript assistant Hi! How can I help?"] &&
		idx["speech_start"] < idx["speech_end"]) {
		t.Errorf("events out of order: %v", peer.snapshot())
	}

	deadline = time.Now().Add(time.Second)
	for s.turn.State() != StateListening && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	s.Close()
	if !peer.isClosed() {
		t.Error("close should close the client")
	}
	stores.mu.Lock()
	n := len(stores.records)
	stores.mu.Unlock()
	if n != 1 {
		t.Fatalf("persisted %d conversations, want 1", n)
	}
}

func TestStartStreamAtLimit(t *testing.T) {
	gen := &scriptedLLM{}
	s, peer, _, stores, _ := newTestSession(t, gen)

	uid := s.UserID
	stores.usage[uid] = &types.Usage{UserID: uid, Tier: types.TierFree, UsedSeconds: 600, LimitSeconds: 600}

	if err := s.StartStream(); err == nil {
		t.Fatal("expected limit error")
	}
	if !peer.contains("error limit_reached entitlement") {
		t.Errorf("missing limit_reached event: %v", peer.snapshot())
	}
	if !peer.isClosed() {
		t.Error("session at limit should close the connection")
	}
}

func TestSTTErrorTriggersReconnect(t *testing.T) {
	gen := &scriptedLLM{}
	s, peer, factory, _, _ := newTestSession(t, gen)

	if err := s.StartStream(); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	factory.stream(0).emit(stt.Event{Err: errors.New("upstream reset")})

	deadline := time.Now().Add(2 * time.Second)
	for factory.startCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if factory.startCount() != 2 {
		t.Fatalf("started %d streams, want a single replacement", factory.startCount())
	}
	peer.waitFor(t, "error stt_error stt")
	s.Close()
}

func TestDeadUpstreamRetriesAfterFailedReconnect(t *testing.T) {
	gen := &scriptedLLM{}
	s, peer, factory, _, fc := newTestSession(t, gen)

	if err := s.StartStream(); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	factory.mu.Lock()
	factory.failAll = true
	factory.mu.Unlock()

	// sustained silence trips the detector; the replacement attempt fails
	for i := 0; i < testEmptyLimit; i++ {
		fc.Advance(time.Second)
		s.HandleEOU()
	}
	peer.waitFor(t, "error stt_error stt")
	if factory.startCount() != 1 {
		t.Fatalf("started %d streams while the factory was failing, want 1", factory.startCount())
	}

	factory.mu.Lock()
	factory.failAll = false
	factory.mu.Unlock()

	// the detector re-arms, so the next run of silence gets a fresh stream
	for i := 0; i < testEmptyLimit; i++ {
		fc.Advance(time.Second)
		s.HandleEOU()
	}
	deadline := time.Now().Add(2 * time.Second)
	for factory.startCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if factory.startCount() != 2 {
		t.Fatalf("started %d streams after recovery, want 2", factory.startCount())
	}
	s.Close()
}

func TestTextMessageRunsTurn(t *testing.T) {
	gen := &scriptedLLM{outcomes: []*llm.Outcome{
		{Kind: llm.OutcomeText, Text: "Noted."},
	}}
	s, peer, _, _, _ := newTestSession(t, gen)

	if err := s.StartStream(); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	s.HandleTextMessage("remember I like jazz")
	peer.waitFor(t, "transcript assistant Noted.")
	s.Close()
}

func TestStaleImagesPruned(t *testing.T) {
	gen := &scriptedLLM{outcomes: []*llm.Outcome{
		{Kind: llm.OutcomeText, Text: "I see it."},
	}}
	s, peer, _, _, fc := newTestSession(t, gen)

	if err := s.StartStream(); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	s.HandleImages([]string{"data:image/jpeg;base64,old"})
	fc.Advance(2 * time.Minute)
	s.HandleImages([]string{"data:image/jpeg;base64,fresh"})

	s.HandleTextMessage("what is this")
	peer.waitFor(t, "transcript assistant I see it.")

	gen.mu.Lock()
	req := gen.requests[0]
	gen.mu.Unlock()
	var userImages []string
	for _, m := range req.Msgs {
		if m.Role == llm.USER && strings.Contains(m.Content, "what is this") {
			userImages = m.Images
		}
	}
	if len(userImages) != 1 || !strings.HasSuffix(userImages[0], "fresh") {
		t.Errorf("images on user turn = %v, want only the fresh one", userImages)
	}
	s.Close()
}

func TestInterruptIsIgnored(t *testing.T) {
	gen := &scriptedLLM{}
	s, _, _, _, _ := newTestSession(t, gen)

	if err := s.StartStream(); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	s.HandleInterrupt()
	if s.turn.State() != StateListening {
		t.Errorf("interrupt changed state to %q", s.turn.State())
	}
	s.Close()
}

func TestCloseIsIdempotent(t *testing.T) {
	gen := &scriptedLLM{}
	s, _, _, stores, _ := newTestSession(t, gen)

	if err := s.StartStream(); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	s.Close()
	s.Close()
	stores.mu.Lock()
	n := len(stores.records)
	stores.mu.Unlock()
	if n > 0 {
		t.Errorf("empty conversation should not be persisted, got %d records", n)
	}
	if !s.Closed() {
		t.Error("Closed() should report true")
	}
}
