package session

import (
	"context"
	"io"

	"github.com/emberhq/ember/pkg/Logger"
	"github.com/emberhq/ember/pkg/tts"
)

const audioChunkSize = 4096

// speaker streams a reply's audio: the text is segmented into speakable
// units, each unit synthesized and its audio emitted before the next
// unit's synthesis begins. Ordering correctness over synthesis
// concurrency.
type speaker struct {
	synth tts.Synthesizer
	log   *Logger.Logger
}

func newSpeaker(synth tts.Synthesizer, log *Logger.Logger) *speaker {
	return &speaker{synth: synth, log: log}
}

// speak emits all audio for the reply through emit. A unit that fails to
// synthesize is logged and skipped; the turn carries on with the next.
func (sp *speaker) speak(ctx context.Context, text string, emit func(chunk []byte) error) error {
	for _, unit := range tts.Segment(text) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sp.speakUnit(ctx, unit, emit); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sp.log.Warnf("skipping unit after synthesis failure: %v", err)
		}
	}
	return nil
}

func (sp *speaker) speakUnit(ctx context.Context, unit string, emit func(chunk []byte) error) error {
	rc, err := sp.synth.Synthesize(ctx, unit)
	if err != nil {
		return err
	}
	defer rc.Close()

	buf := make([]byte, audioChunkSize)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := emit(chunk); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
