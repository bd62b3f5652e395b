// Package cleanup pipes raw transcripts through a text-cleanup service
// driven by an opaque instruction. Cleaning nothing is a no-op, not a fault,
// and clients never retry; that policy belongs to the orchestrator.
package cleanup

import "context"

// Client abstracts the text-cleanup service.
type Client interface {
	Clean(ctx context.Context, transcript, instruction string) (string, error)
}
