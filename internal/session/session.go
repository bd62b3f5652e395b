// Package session drives the record, transcribe, cleanup lifecycle.
// A single session occupies the engine at a time; terminal sessions
// stay readable until the slot is reused.
package session

import (
	"time"

	"github.com/voxpadlabs/voxpad-core/internal/audio"
	"github.com/voxpadlabs/voxpad-core/internal/protocol"
)

// State is a lifecycle phase of a session.
type State string

const (
	StateIdle         State = "idle"
	StateRecording    State = "recording"
	StatePaused       State = "paused"
	StateStopped      State = "stopped"
	StateTranscribing State = "transcribing"
	StateCleaning     State = "cleaning"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// transitions lists the legal command-driven state changes. Pipeline
// transitions out of Transcribing and Cleaning are included so every
// observed change can be checked against one table.
var transitions = map[State][]State{
	StateIdle:         {StateRecording},
	StateRecording:    {StatePaused, StateStopped},
	StatePaused:       {StateRecording, StateStopped},
	StateStopped:      {StateTranscribing},
	StateTranscribing: {StateCleaning, StateDone, StateFailed},
	StateCleaning:     {StateDone, StateFailed},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the engine's view of one recording. All fields are
// guarded by the orchestrator's mutex.
type Session struct {
	ID                string
	State             State
	Device            string
	ApplyCleanup      bool
	Instruction       string
	Clip              audio.Clip
	RawTranscript     string
	CleanedTranscript string
	Warning           string
	Chunks            int
	Err               error
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// instructionText is the resolved prompt body, fixed when the
	// session stops.
	instructionText string
}

func (s *Session) snapshot(buf *audio.Buffer) protocol.SessionSnapshot {
	snap := protocol.SessionSnapshot{
		SessionID:    s.ID,
		State:        string(s.State),
		StartedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		ApplyCleanup: s.ApplyCleanup,
		Instruction:  s.Instruction,
	}
	switch {
	case !s.Clip.Empty():
		snap.AudioMS = s.Clip.Duration().Milliseconds()
	case buf != nil:
		snap.AudioMS = buf.Duration().Milliseconds()
	}
	return snap
}
