// Package stt wraps the upstream streaming transcription collaborator.
// One Stream owns one upstream connection; recovery from a dead
// connection is the caller's job (tear down, Start a fresh one).
package stt

import "context"

// Event is one message off the transcription stream. Exactly one of the
// four shapes is populated: a transcript (Text, IsFinal), an upstream
// error (Err), or an unexpected close (Closed).
type Event struct {
	Text    string
	IsFinal bool
	Err     error
	Closed  bool
}

// Config carries the per-stream transcription settings.
type Config struct {
	URL        string
	APIKey     string
	SampleRate int
	Channels   int
	Language   string
}

// Stream is a live transcription connection. WriteAudio forwards raw
// audio; Events delivers transcript/error/close events until Destroy.
type Stream interface {
	WriteAudio(chunk []byte) error
	Events() <-chan Event
	Destroy() error
}

// Factory opens transcription streams. Sessions hold a Factory so a dead
// stream can be replaced with an identically configured fresh one.
type Factory interface {
	Start(ctx context.Context, cfg Config) (Stream, error)
}
