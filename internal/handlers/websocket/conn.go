package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/emberhq/ember/pkg/Logger"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 20 * time.Second
)

// Conn is the write half of one websocket connection. All writes are
// serialized through it; gorilla connections do not allow concurrent
// writers.
type Conn struct {
	ws       *websocket.Conn
	log      *Logger.Logger
	encoding string

	mu     sync.Mutex
	active bool

	stopPing chan struct{}
	pingOnce sync.Once
}

func NewConn(ws *websocket.Conn, encoding string, log *Logger.Logger) *Conn {
	if encoding == "" {
		encoding = "pcm_s16le"
	}
	return &Conn{
		ws:       ws,
		log:      log,
		encoding: encoding,
		active:   true,
		stopPing: make(chan struct{}),
	}
}

func (c *Conn) writeJSON(msgType MessageType, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return fmt.Errorf("connection no longer active")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(WSMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	})
}

func (c *Conn) SendReady(sessionID string) error {
	return c.writeJSON(MessageTypeStreamReady, StreamReadyMessage{SessionID: sessionID})
}

func (c *Conn) SendSessionConfig(tier string, remainingSecs int64) error {
	return c.writeJSON(MessageTypeSessionConfig, SessionConfigMessage{
		Tier:             tier,
		RemainingSeconds: remainingSecs,
		AudioEncoding:    c.encoding,
		SampleRate:       16000,
	})
}

func (c *Conn) SendState(state string) error {
	return c.writeJSON(stateMessageType(state), nil)
}

func (c *Conn) SendTranscript(role, text string, interim bool) error {
	return c.writeJSON(MessageTypeTranscript, TranscriptMessage{
		Role:    role,
		Text:    text,
		Interim: interim,
	})
}

func (c *Conn) SendSpeechStart(turnID string) error {
	return c.writeJSON(MessageTypeSpeechStart, SpeechMarkerMessage{TurnID: turnID})
}

func (c *Conn) SendSpeechEnd(turnID string) error {
	return c.writeJSON(MessageTypeSpeechEnd, SpeechMarkerMessage{TurnID: turnID})
}

// SendAudio pushes one synthesized audio chunk as a binary frame.
func (c *Conn) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return fmt.Errorf("connection no longer active")
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, chunk)
}

func (c *Conn) SendError(code, where, message string) error {
	return c.writeJSON(MessageTypeError, ErrorMessage{
		Code:    code,
		Where:   where,
		Message: message,
	})
}

// StartPing keeps the connection warm through idle stretches.
func (c *Conn) StartPing() {
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.writeJSON(MessageTypePing, nil); err != nil {
					return
				}
			case <-c.stopPing:
				return
			}
		}
	}()
}

// Close marks the connection inactive and closes the socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.pingOnce.Do(func() { close(c.stopPing) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}
	c.active = false
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// CloseWithCode closes the socket with a specific close code, used for
// auth rejections before a session exists.
func (c *Conn) CloseWithCode(code int, reason string) error {
	c.pingOnce.Do(func() { close(c.stopPing) })

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return nil
	}
	c.active = false
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	return c.ws.Close()
}
