package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/emberhq/ember/pkg/Logger"
)

// transcriptMessage is the upstream ASR service's event schema.
type transcriptMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	IsFinal bool   `json:"is_final"`
}

type wsFactory struct {
	logger *Logger.Logger
}

// NewWSFactory returns a Factory dialing the ASR service over websocket.
func NewWSFactory(logger *Logger.Logger) Factory {
	return &wsFactory{logger: logger}
}

func (f *wsFactory) Start(ctx context.Context, cfg Config) (Stream, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid stt url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	q.Set("channels", fmt.Sprintf("%d", cfg.Channels))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("stt dial failed: %w", err)
	}

	ws := &wsStream{
		conn:   conn,
		events: make(chan Event, 32),
		logger: f.logger,
	}
	go ws.readLoop()
	return ws, nil
}

type wsStream struct {
	conn    *websocket.Conn
	events  chan Event
	logger  *Logger.Logger
	writeMu sync.Mutex

	closeOnce sync.Once
	destroyed bool
	mu        sync.Mutex
}

// WriteAudio implements Stream.
func (s *wsStream) WriteAudio(chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
		return fmt.Errorf("stt audio write failed: %w", err)
	}
	return nil
}

// Events implements Stream.
func (s *wsStream) Events() <-chan Event {
	return s.events
}

// Destroy implements Stream.
func (s *wsStream) Destroy() error {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()

	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			destroyed := s.destroyed
			s.mu.Unlock()
			if destroyed {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.events <- Event{Err: err}
			} else {
				s.events <- Event{Closed: true}
			}
			return
		}

		var msg transcriptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warnf("stt: dropping unparseable message: %v", err)
			continue
		}
		if msg.Type != "transcript" {
			continue
		}
		s.events <- Event{Text: msg.Text, IsFinal: msg.IsFinal}
	}
}
