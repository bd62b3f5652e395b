package cleanup

import (
	"context"
	"strings"
	"time"
)

// Mock collapses whitespace and trims the transcript, which is enough to
// tell cleaned output from raw in dev mode.
type Mock struct{}

func NewMock() *Mock { return &Mock{} }

func (m *Mock) Clean(ctx context.Context, transcript, _ string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return transcript, nil
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(20 * time.Millisecond):
	}
	return strings.Join(strings.Fields(transcript), " "), nil
}
