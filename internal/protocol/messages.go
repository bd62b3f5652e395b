// Package protocol defines the bus message types and subjects shared
// by the daemon and its clients.
package protocol

import "time"

// StateChange announces a session transition on the bus.
type StateChange struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
}

// FaultInfo carries a classified failure in a terminal result.
type FaultInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionResult is the terminal payload published when a session
// reaches Done or Failed. CleanedTranscript is set only when cleanup
// ran and succeeded; Warning is set when cleanup was requested but
// the session completed on the raw transcript instead.
type SessionResult struct {
	SessionID         string     `json:"session_id"`
	State             string     `json:"state"`
	RawTranscript     string     `json:"raw_transcript,omitempty"`
	CleanedTranscript string     `json:"cleaned_transcript,omitempty"`
	ApplyCleanup      bool       `json:"apply_cleanup"`
	Instruction       string     `json:"instruction,omitempty"`
	Chunks            int        `json:"chunks,omitempty"`
	DurationMS        int64      `json:"duration_ms,omitempty"`
	Warning           string     `json:"warning,omitempty"`
	Error             *FaultInfo `json:"error,omitempty"`
	Timestamp         time.Time  `json:"timestamp"`
}

// Command is a request on the session command subject.
type Command struct {
	Action       string `json:"action"`
	SessionID    string `json:"session_id,omitempty"`
	Device       string `json:"device,omitempty"`
	ApplyCleanup *bool  `json:"apply_cleanup,omitempty"`
	Instruction  string `json:"instruction,omitempty"`
}

// Command actions.
const (
	ActionBegin      = "begin"
	ActionPause      = "pause"
	ActionResume     = "resume"
	ActionStop       = "stop"
	ActionTranscribe = "transcribe"
	ActionCancel     = "cancel"
	ActionReset      = "reset"
	ActionStatus     = "status"
	ActionResubmit   = "resubmit"
)

// SessionSnapshot describes a session for status replies.
type SessionSnapshot struct {
	SessionID    string    `json:"session_id"`
	State        string    `json:"state"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AudioMS      int64     `json:"audio_ms"`
	ApplyCleanup bool      `json:"apply_cleanup"`
	Instruction  string    `json:"instruction,omitempty"`
}

// CommandReply is the response to a Command request.
type CommandReply struct {
	OK      bool             `json:"ok"`
	Error   *FaultInfo       `json:"error,omitempty"`
	Session *SessionSnapshot `json:"session,omitempty"`
	Result  *SessionResult   `json:"result,omitempty"`
}

// Device describes an input device visible to the capture backend.
type Device struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	SampleRate float64 `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Default    bool    `json:"default"`
}

// DeviceList is published periodically and returned from the device
// list subject.
type DeviceList struct {
	Devices   []Device  `json:"devices"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectSessionCommand = "session.command"
	SubjectSessionState   = "session.state"
	SubjectSessionResult  = "session.result"
	SubjectDeviceAnnounce = "devices.announce"
	SubjectDeviceList     = "devices.list"
)
