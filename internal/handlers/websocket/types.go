package websocket

import "time"

// MessageType tags every JSON frame on the wire, both directions.
type MessageType string

// Client to server.
const (
	MessageTypeStartStream MessageType = "start_stream"
	MessageTypeEOU         MessageType = "eou"
	MessageTypeInterrupt   MessageType = "interrupt"
	MessageTypeImage       MessageType = "image"
	MessageTypeImages      MessageType = "images"
	MessageTypeText        MessageType = "text_message"
)

// Server to client.
const (
	MessageTypeStreamReady   MessageType = "stream_ready"
	MessageTypeSessionConfig MessageType = "session_config"
	MessageTypeTranscript    MessageType = "transcript"
	MessageTypeSpeechStart   MessageType = "tts_chunk_starts"
	MessageTypeSpeechEnd     MessageType = "tts_chunk_ends"
	MessageTypeError         MessageType = "error"
	MessageTypePing          MessageType = "ping"
)

// Turn-state notifications are typed as state_<name> frames with no
// payload, e.g. state_listening.
func stateMessageType(state string) MessageType {
	return MessageType("state_" + state)
}

// WSMessage is the JSON envelope for every non-binary frame.
type WSMessage struct {
	Type      MessageType `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TextMessage is the payload of a text_message frame.
type TextMessage struct {
	Content string `json:"content"`
}

// ImageMessage carries one or more data-URL encoded images.
type ImageMessage struct {
	Data  string   `json:"data,omitempty"`
	Items []string `json:"items,omitempty"`
}

// StreamReadyMessage acknowledges start_stream.
type StreamReadyMessage struct {
	SessionID string `json:"sessionId"`
}

// SessionConfigMessage tells the client its negotiated session settings.
type SessionConfigMessage struct {
	Tier             string `json:"tier"`
	RemainingSeconds int64  `json:"remainingSeconds"`
	AudioEncoding    string `json:"audioEncoding"`
	SampleRate       int    `json:"sampleRate"`
}

// TranscriptMessage carries user or assistant text.
type TranscriptMessage struct {
	Role    string `json:"role"`
	Text    string `json:"text"`
	Interim bool   `json:"interim,omitempty"`
}

// SpeechMarkerMessage brackets one reply's audio chunks.
type SpeechMarkerMessage struct {
	TurnID string `json:"turnId"`
}

// ErrorMessage reports a recoverable or terminal error condition.
type ErrorMessage struct {
	Code    string `json:"code"`
	Where   string `json:"where"`
	Message string `json:"message"`
}
