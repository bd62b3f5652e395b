package transcribe

import (
	"context"
	"fmt"
	"time"

	"github.com/voxpadlabs/voxpad-core/internal/audio"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
)

// Mock returns a canned transcript without touching the network.
type Mock struct {
	// Text is returned verbatim when set.
	Text string
}

func NewMock(text string) *Mock {
	return &Mock{Text: text}
}

func (m *Mock) Transcribe(_ context.Context, clip audio.Clip) (Result, error) {
	if clip.Empty() {
		return Result{}, fault.Errorf(fault.KindEmptyInput, "no audio to transcribe")
	}
	if m.Text != "" {
		return Result{Text: m.Text, Chunks: 1}, nil
	}
	return Result{
		Text:   fmt.Sprintf("[mock transcript duration=%s]", clip.Duration().Round(time.Millisecond)),
		Chunks: 1,
	}, nil
}
