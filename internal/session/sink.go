package session

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/voxpadlabs/voxpad-core/internal/bus"
	"github.com/voxpadlabs/voxpad-core/internal/protocol"
)

// EventSink receives session transitions and terminal results.
type EventSink interface {
	StateChanged(sessionID string, state State, at time.Time)
	Completed(result protocol.SessionResult)
}

// LogSink writes session events to the logger.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) StateChanged(sessionID string, state State, at time.Time) {
	s.Log.Info("session state changed",
		slog.String("session_id", sessionID),
		slog.String("state", string(state)))
}

func (s LogSink) Completed(result protocol.SessionResult) {
	attrs := []any{
		slog.String("session_id", result.SessionID),
		slog.String("state", result.State),
		slog.Int("chunks", result.Chunks),
	}
	if result.Warning != "" {
		attrs = append(attrs, slog.String("warning", result.Warning))
	}
	if result.Error != nil {
		attrs = append(attrs, slog.String("error_kind", result.Error.Kind), slog.String("error", result.Error.Message))
	}
	s.Log.Info("session completed", attrs...)
}

// BusSink publishes session events on the NATS subjects.
type BusSink struct {
	Bus *bus.Client
	Log *slog.Logger
}

func (s BusSink) StateChanged(sessionID string, state State, at time.Time) {
	msg := protocol.StateChange{
		SessionID: sessionID,
		State:     string(state),
		Timestamp: at.UTC(),
	}
	s.publish(protocol.SubjectSessionState, msg)
}

func (s BusSink) Completed(result protocol.SessionResult) {
	s.publish(protocol.SubjectSessionResult, result)
}

func (s BusSink) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.Log.Warn("failed to marshal session event", slog.String("error", err.Error()))
		return
	}
	if err := s.Bus.Conn().Publish(subject, data); err != nil {
		s.Log.Warn("failed to publish session event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

// Sinks fans events out to every member.
type Sinks []EventSink

func (s Sinks) StateChanged(sessionID string, state State, at time.Time) {
	for _, sink := range s {
		sink.StateChanged(sessionID, state, at)
	}
}

func (s Sinks) Completed(result protocol.SessionResult) {
	for _, sink := range s {
		sink.Completed(result)
	}
}
