// Package session implements the per-connection orchestration: one
// Session per accepted websocket, coordinating the transcription stream,
// the turn state machine, the context window, reply generation, speech
// output and usage metering. Sessions never share mutable state.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/config"
	"github.com/emberhq/ember/internal/domains/conversation"
	"github.com/emberhq/ember/internal/domains/entitlement"
	"github.com/emberhq/ember/internal/types"
	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/audio"
	"github.com/emberhq/ember/pkg/clock"
	"github.com/emberhq/ember/pkg/llm"
	"github.com/emberhq/ember/pkg/stt"
	"github.com/emberhq/ember/pkg/tts"
)

// Client is the session's view of the connected websocket peer.
type Client interface {
	SendReady(sessionID string) error
	SendSessionConfig(tier string, remainingSecs int64) error
	SendState(state string) error
	SendTranscript(role, text string, interim bool) error
	SendSpeechStart(turnID string) error
	SendSpeechEnd(turnID string) error
	SendAudio(chunk []byte) error
	SendError(code, where, message string) error
	Close() error
}

// Collaborators are the injected external services a session talks to.
type Collaborators struct {
	STTFactory stt.Factory
	STTConfig  stt.Config
	Gen        llm.Client
	Synth      tts.Synthesizer
	Store      types.ConversationStore
	Usage      types.UsageStore
	Clock      clock.Clock
	Logger     *Logger.Logger
}

type imageAttachment struct {
	data    string
	addedAt time.Time
}

// Session is the per-connection orchestrator.
type Session struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	Guest     bool
	Tier      types.Tier

	cfg    config.SessionConfig
	col    Collaborators
	client Client
	log    *Logger.Logger

	turn      *TurnController
	window    *conversation.Window
	generator *conversation.Generator
	speaker   *speaker
	sttMgr    *sttManager
	meter     *entitlement.Meter

	mu        sync.Mutex
	images    []imageAttachment
	startedAt time.Time
	streaming bool

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

func New(userID uuid.UUID, guest bool, tier types.Tier, client Client, cfg config.SessionConfig, col Collaborators) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	log := col.Logger.Named("session")

	s := &Session{
		UserID:    userID,
		SessionID: uuid.New(),
		Guest:     guest,
		Tier:      tier,
		cfg:       cfg,
		col:       col,
		client:    client,
		log:       log,
		startedAt: col.Clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.turn = NewTurnController(col.Clock, log, cfg.EOUDebounce(), cfg.StaleGrace(), cfg.EmptyEOUThreshold)
	s.window = conversation.NewWindow(cfg.SystemInstructions, cfg.WindowThreshold, cfg.CompactBatch, cfg.SummaryMaxChars, col.Gen, col.Clock, log)
	s.generator = conversation.NewGenerator(col.Gen, col.Clock, log)
	s.speaker = newSpeaker(col.Synth, log)
	s.sttMgr = newSTTManager(col.STTFactory, col.STTConfig, cfg.AudioRingBytes, log)
	s.meter = entitlement.NewMeter(col.Usage, col.Clock, cfg.UsageTick(), log)

	s.turn.SetHandlers(s.notifyState, s.launchTurn, s.reconnectSTT)
	s.sttMgr.onEvent = s.handleSTTEvent
	s.sttMgr.onReconnected = s.turn.ResetEmptyEOUs

	return s
}

// StartStream sets up the pipeline: entitlement check, transcription
// stream, usage ticker. Called on the client's start_stream message.
func (s *Session) StartStream() error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = true
	s.mu.Unlock()

	usage, err := s.meter.Begin(s.ctx, s.UserID, s.Tier)
	if err == entitlement.ErrLimitReached {
		s.client.SendError("limit_reached", "entitlement", "usage limit reached")
		s.Close()
		return err
	}
	if err != nil {
		s.client.SendError("internal", "entitlement", "could not resolve entitlement")
		s.Close()
		return err
	}

	if err := s.sttMgr.start(s.ctx); err != nil {
		s.log.Errorf("initial stt connect failed: %v", err)
		s.client.SendError("stt_unavailable", "stt", "transcription unavailable")
		s.Close()
		return err
	}

	go s.meter.Run(s.ctx, s.UserID, func(u *types.Usage) {
		s.client.SendError("limit_reached", "entitlement", "usage limit reached")
		s.Close()
	})

	s.client.SendReady(s.SessionID.String())
	s.client.SendSessionConfig(string(usage.Tier), usage.RemainingSeconds())
	s.notifyState(StateListening)
	return nil
}

// HandleAudioFrame forwards raw audio upstream, but only while
// listening. Frames in thinking/speaking are the agent's own speech
// window leaking back and are dropped.
func (s *Session) HandleAudioFrame(data []byte, sampleRate int32, channels int16) {
	if !s.turn.Listening() {
		return
	}
	s.sttMgr.writeFrame(audio.Frame{
		Data:       data,
		Timestamp:  s.col.Clock.Now(),
		SampleRate: sampleRate,
		Channels:   channels,
	})
}

// HandleEOU processes a client-detected end of utterance.
func (s *Session) HandleEOU() {
	s.turn.OnEOU()
}

// HandleInterrupt is accepted and deliberately does nothing: barge-in is
// disabled so incidental noise cannot cut the agent off mid-reply.
func (s *Session) HandleInterrupt() {
	s.log.Debugf("interrupt received and ignored (barge-in disabled)")
}

// HandleTextMessage runs a text-only turn, bypassing transcription.
func (s *Session) HandleTextMessage(content string) {
	s.turn.CommitText(content)
}

// HandleImages attaches recent visual context with a short TTL.
func (s *Session) HandleImages(items []string) {
	now := s.col.Clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.images = append(s.images, imageAttachment{data: it, addedAt: now})
	}
}

func (s *Session) takeFreshImages() []string {
	now := s.col.Clock.Now()
	ttl := s.cfg.ImageTTL()
	s.mu.Lock()
	defer s.mu.Unlock()
	var fresh []string
	for _, img := range s.images {
		if now.Sub(img.addedAt) <= ttl {
			fresh = append(fresh, img.data)
		}
	}
	s.images = nil
	return fresh
}

func (s *Session) handleSTTEvent(ev stt.Event) {
	switch {
	case ev.Err != nil:
		s.log.Warnf("stt stream error: %v", ev.Err)
		s.client.SendError("stt_error", "stt", "transcription hiccup, recovering")
		s.reconnectSTT()
	case ev.Closed:
		s.log.Warnf("stt stream closed unexpectedly")
		s.reconnectSTT()
	default:
		s.turn.OnTranscript(ev.Text, ev.IsFinal)
		if !ev.IsFinal {
			// The composed utterance goes out when the turn commits;
			// only partials are streamed live.
			s.client.SendTranscript("user", ev.Text, true)
		}
	}
}

func (s *Session) reconnectSTT() {
	if s.closed.Load() {
		return
	}
	if err := s.sttMgr.reconnect(s.ctx); err != nil {
		s.log.Errorf("stt reconnect failed: %v", err)
		s.client.SendError("stt_error", "stt", "transcription unavailable, still trying")
		// let the empty-EOU counter climb back to the threshold so the
		// next run of silence triggers another attempt
		s.turn.ResetEmptyEOUs()
	}
}

func (s *Session) notifyState(state string) {
	if err := s.client.SendState(state); err != nil {
		s.log.Debugf("state notification failed: %v", err)
	}
}

// launchTurn runs one turn's thinking and speaking work. Whatever
// happens, the controller lands back in listening and the client gets a
// terminating speech marker for the turn it was told had started.
func (s *Session) launchTurn(utterance string) {
	go func() {
		turnID := uuid.New().String()
		speechStarted := false
		defer func() {
			if !speechStarted {
				s.client.SendSpeechStart(turnID)
			}
			s.client.SendSpeechEnd(turnID)
			s.turn.FinishTurn()
		}()

		s.client.SendTranscript("user", utterance, false)

		userMsg := types.NewChatMessage(llm.USER, utterance)
		userMsg.Images = s.takeFreshImages()

		reply, err := s.generator.Reply(s.ctx, s.window, userMsg)
		if err != nil {
			s.log.Errorf("reply generation failed: %v", err)
			s.client.SendError("generation_failed", "generation", "could not generate a reply")
			return
		}

		s.client.SendTranscript("assistant", reply, false)
		s.turn.BeginSpeaking()

		s.client.SendSpeechStart(turnID)
		speechStarted = true
		if err := s.speaker.speak(s.ctx, reply, s.client.SendAudio); err != nil {
			s.log.Errorf("speech pipeline aborted: %v", err)
			s.client.SendError("synthesis_failed", "synthesis", "audio output interrupted")
		}
	}()
}

// Close tears down all owned resources deterministically and hands the
// conversation to the persistence collaborator. Idempotent.
func (s *Session) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	s.sttMgr.destroy()
	s.window.Wait()

	rec := types.ConversationRecord{
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Guest:     s.Guest,
		Messages:  s.window.Archive(),
		Summary:   s.window.Summary(),
		StartedAt: s.startedAt,
		EndedAt:   s.col.Clock.Now(),
	}

	if len(rec.Messages) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.col.Store.AppendConversation(ctx, rec); err != nil {
			s.log.Errorf("persisting conversation failed: %v", err)
		}
		extractor := conversation.NewFactExtractor(s.col.Gen, s.col.Store, s.log)
		if err := extractor.ExtractAndStore(ctx, rec); err != nil {
			s.log.Warnf("memory fact extraction failed: %v", err)
		}
	}

	s.client.Close()
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// State exposes the current turn state, mainly for stats.
func (s *Session) State() string {
	return s.turn.State()
}
