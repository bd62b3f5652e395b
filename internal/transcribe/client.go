// Package transcribe sends finished audio clips to a remote speech-to-text
// service. A client performs exactly one attempt per call and keeps no state
// between calls; retry policy belongs to the session orchestrator.
package transcribe

import (
	"context"

	"github.com/voxpadlabs/voxpad-core/internal/audio"
)

// Result is the transcription outcome for one clip.
type Result struct {
	Text string
	// Chunks reports how many uploads the clip was split into.
	Chunks int
}

// Client abstracts the speech-to-text service.
type Client interface {
	Transcribe(ctx context.Context, clip audio.Clip) (Result, error)
}
