package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/clock"
)

const (
	StateListening = "listening"
	StateThinking  = "thinking"
	StateSpeaking  = "speaking"
)

// duplicateWindow bounds duplicate-utterance suppression. Back-to-back
// repeats are echo artifacts; the same words minutes apart are a real
// answer and must commit.
const duplicateWindow = 5 * time.Second

// TurnController is the single serialization point for a session's turn
// taking. It owns the transcript buffers and the state machine; nothing
// else writes them.
type TurnController struct {
	mu  sync.Mutex
	sm  *fsm.FSM
	clk clock.Clock
	log *Logger.Logger

	debounce   time.Duration
	staleGrace time.Duration
	emptyLimit int

	committed     strings.Builder
	interim       string
	lastClear     time.Time
	lastEOU       time.Time
	lastUtterance string
	lastCommitted time.Time
	emptyEOUs     int

	// notify fires on every state transition; runTurn launches the
	// thinking/speaking work for a committed utterance; onDeadUpstream
	// fires when repeated empty EOUs suggest a silently dead STT stream.
	notify         func(state string)
	runTurn        func(utterance string)
	onDeadUpstream func()
}

func NewTurnController(clk clock.Clock, log *Logger.Logger, debounce, staleGrace time.Duration, emptyLimit int) *TurnController {
	tc := &TurnController{
		clk:        clk,
		log:        log,
		debounce:   debounce,
		staleGrace: staleGrace,
		emptyLimit: emptyLimit,
		notify:     func(string) {},
		runTurn:    func(string) {},
	}
	tc.sm = fsm.NewFSM(
		StateListening,
		fsm.Events{
			{Name: "commit", Src: []string{StateListening}, Dst: StateThinking},
			{Name: "speak", Src: []string{StateThinking}, Dst: StateSpeaking},
			{Name: "finish", Src: []string{StateThinking, StateSpeaking}, Dst: StateListening},
		},
		fsm.Callbacks{},
	)
	return tc
}

func (tc *TurnController) SetHandlers(notify func(state string), runTurn func(utterance string), onDeadUpstream func()) {
	tc.notify = notify
	tc.runTurn = runTurn
	tc.onDeadUpstream = onDeadUpstream
}

func (tc *TurnController) State() string {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.sm.Current()
}

// Listening reports whether audio should currently be forwarded upstream.
func (tc *TurnController) Listening() bool {
	return tc.State() == StateListening
}

// OnTranscript folds a transcript fragment into the buffers. Fragments
// arriving within the stale grace window after a buffer clear belong to
// audio already in flight before the clear and are discarded.
func (tc *TurnController) OnTranscript(text string, isFinal bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	tc.mu.Lock()
	defer tc.mu.Unlock()

	if !tc.lastClear.IsZero() && tc.clk.Now().Sub(tc.lastClear) < tc.staleGrace {
		tc.log.Debugf("discarding stale transcript fragment: %q", text)
		return
	}

	if isFinal {
		if tc.committed.Len() > 0 {
			tc.committed.WriteByte(' ')
		}
		tc.committed.WriteString(text)
		tc.interim = ""
	} else {
		tc.interim = text
	}
}

// OnEOU processes an end-of-utterance signal. Returns true when a turn
// was committed.
func (tc *TurnController) OnEOU() bool {
	tc.mu.Lock()

	if tc.sm.Current() != StateListening {
		tc.mu.Unlock()
		return false
	}

	now := tc.clk.Now()
	if !tc.lastEOU.IsZero() && now.Sub(tc.lastEOU) < tc.debounce {
		tc.mu.Unlock()
		return false
	}
	tc.lastEOU = now

	// no final transcript but a non-empty interim is good enough to
	// commit; latency is worth more than fidelity here
	utterance := strings.TrimSpace(tc.committed.String())
	if utterance == "" {
		utterance = strings.TrimSpace(tc.interim)
	}

	if utterance == "" {
		tc.emptyEOUs++
		hitLimit := tc.emptyEOUs == tc.emptyLimit
		cb := tc.onDeadUpstream
		tc.mu.Unlock()
		if hitLimit && cb != nil {
			tc.log.Warnf("%d empty EOUs in a row, transcription upstream looks dead", tc.emptyLimit)
			cb()
		}
		return false
	}

	tc.clearBuffersLocked(now)

	if utterance == tc.lastUtterance && now.Sub(tc.lastCommitted) < duplicateWindow {
		tc.log.Debugf("suppressing duplicate utterance: %q", utterance)
		tc.mu.Unlock()
		return false
	}
	tc.lastUtterance = utterance
	tc.lastCommitted = now

	if err := tc.sm.Event(context.Background(), "commit"); err != nil {
		tc.mu.Unlock()
		return false
	}
	tc.mu.Unlock()

	tc.notify(StateThinking)
	tc.runTurn(utterance)
	return true
}

// CommitText bypasses the transcript buffers for a text-only turn. The
// same debounce, duplicate and state rules apply.
func (tc *TurnController) CommitText(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	tc.mu.Lock()
	tc.committed.Reset()
	tc.committed.WriteString(text)
	tc.interim = ""
	tc.mu.Unlock()
	return tc.OnEOU()
}

// BeginSpeaking moves thinking into speaking once reply text is ready.
func (tc *TurnController) BeginSpeaking() {
	tc.mu.Lock()
	err := tc.sm.Event(context.Background(), "speak")
	tc.mu.Unlock()
	if err == nil {
		tc.notify(StateSpeaking)
	}
}

// FinishTurn returns the controller to listening. Every turn completion
// and every error path funnels through here; the state machine must never
// be left outside listening once a turn concludes.
func (tc *TurnController) FinishTurn() {
	tc.mu.Lock()
	if tc.sm.Current() == StateListening {
		tc.mu.Unlock()
		return
	}
	err := tc.sm.Event(context.Background(), "finish")
	tc.mu.Unlock()
	if err == nil {
		tc.notify(StateListening)
	}
}

// ResetEmptyEOUs re-arms the dead-upstream detector once a reconnect
// attempt has settled, whichever way it went.
func (tc *TurnController) ResetEmptyEOUs() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.emptyEOUs = 0
}

func (tc *TurnController) clearBuffersLocked(now time.Time) {
	tc.committed.Reset()
	tc.interim = ""
	tc.lastClear = now
}
