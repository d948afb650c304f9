package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/audio"
	"github.com/emberhq/ember/pkg/stt"
)

// sttManager owns the session's transcription stream handle. The handle
// is replaced, never mutated, on reconnection; an in-progress flag keeps
// concurrent reconnect attempts from overlapping.
type sttManager struct {
	factory stt.Factory
	cfg     stt.Config
	ring    *audio.Ring
	log     *Logger.Logger

	mu     sync.Mutex
	stream stt.Stream

	reconnecting atomic.Bool

	// onEvent receives transcript/error/close events from whichever
	// stream is current; onReconnected fires after a successful swap.
	onEvent       func(stt.Event)
	onReconnected func()
}

func newSTTManager(factory stt.Factory, cfg stt.Config, ringBytes int, log *Logger.Logger) *sttManager {
	return &sttManager{
		factory: factory,
		cfg:     cfg,
		ring:    audio.NewRing(ringBytes),
		log:     log,
		onEvent: func(stt.Event) {},
	}
}

func (m *sttManager) start(ctx context.Context) error {
	stream, err := m.factory.Start(ctx, m.cfg)
	if err != nil {
		return fmt.Errorf("stt start failed: %w", err)
	}
	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()
	go m.pump(stream)
	return nil
}

// writeFrame buffers an audio frame and flushes the ring to the current
// stream. While a reconnect is in progress frames are dropped rather
// than queued unboundedly.
func (m *sttManager) writeFrame(f audio.Frame) {
	if m.reconnecting.Load() {
		return
	}
	if err := m.ring.Enqueue(f); err != nil {
		m.log.Warnf("audio ring rejected frame: %v", err)
		return
	}
	m.flush()
}

func (m *sttManager) flush() {
	m.mu.Lock()
	stream := m.stream
	m.mu.Unlock()
	if stream == nil {
		return
	}
	for {
		f, ok := m.ring.Dequeue()
		if !ok {
			return
		}
		if err := stream.WriteAudio(f.Data); err != nil {
			m.log.Warnf("stt write failed, dropping frame: %v", err)
			return
		}
	}
}

// reconnect tears down the dead handle and replaces it with a fresh
// identically configured one. Idempotent against concurrent attempts.
func (m *sttManager) reconnect(ctx context.Context) error {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return nil
	}
	defer m.reconnecting.Store(false)

	m.mu.Lock()
	old := m.stream
	m.stream = nil
	m.mu.Unlock()

	if old != nil {
		if err := old.Destroy(); err != nil {
			m.log.Debugf("tearing down dead stt stream: %v", err)
		}
	}
	m.ring.Reset()

	stream, err := m.factory.Start(ctx, m.cfg)
	if err != nil {
		return fmt.Errorf("stt reconnect failed: %w", err)
	}

	m.mu.Lock()
	m.stream = stream
	m.mu.Unlock()
	go m.pump(stream)

	m.log.Infof("stt stream reconnected")
	if m.onReconnected != nil {
		m.onReconnected()
	}
	return nil
}

func (m *sttManager) pump(stream stt.Stream) {
	for ev := range stream.Events() {
		m.onEvent(ev)
	}
}

func (m *sttManager) destroy() {
	m.mu.Lock()
	stream := m.stream
	m.stream = nil
	m.mu.Unlock()
	if stream != nil {
		stream.Destroy()
	}
}
