package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxpadlabs/voxpad-core/internal/bus"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
	"github.com/voxpadlabs/voxpad-core/internal/protocol"
)

// commandTimeout bounds a single command against the orchestrator.
// Stop waits for the capture goroutine to drain; everything else
// returns quickly.
const commandTimeout = 15 * time.Second

// Service exposes the orchestrator on the session command subject as
// a request/reply surface.
type Service struct {
	orch *Orchestrator
	bus  *bus.Client
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sub    *nats.Subscription
	wg     sync.WaitGroup
	ready  bool
}

func NewService(parent context.Context, orch *Orchestrator, busClient *bus.Client, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		orch:   orch,
		bus:    busClient,
		log:    log.With(slog.String("component", "session-service")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSessionCommand, s.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe session commands: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready && s.orch.Healthy()
}

func (s *Service) handleCommand(msg *nats.Msg) {
	var cmd protocol.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.log.Warn("failed to decode session command", slogError(err))
		s.respond(msg, replyError(fmt.Errorf("decode command: %w", err)))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
		defer cancel()
		s.respond(msg, s.dispatch(ctx, cmd))
	}()
}

func (s *Service) dispatch(ctx context.Context, cmd protocol.Command) protocol.CommandReply {
	var (
		snap protocol.SessionSnapshot
		err  error
	)
	switch cmd.Action {
	case protocol.ActionBegin:
		snap, err = s.orch.Begin(ctx, cmd.Device)
	case protocol.ActionPause:
		snap, err = s.orch.Pause()
	case protocol.ActionResume:
		snap, err = s.orch.Resume()
	case protocol.ActionStop:
		snap, err = s.orch.Stop(cmd.ApplyCleanup, cmd.Instruction)
	case protocol.ActionTranscribe:
		snap, err = s.orch.Transcribe()
	case protocol.ActionCancel:
		snap, err = s.orch.Cancel()
	case protocol.ActionReset:
		snap, err = s.orch.Reset()
	case protocol.ActionResubmit:
		snap, err = s.orch.Resubmit(cmd.SessionID)
	case protocol.ActionStatus:
		return s.status(ctx, cmd.SessionID)
	default:
		err = fmt.Errorf("unknown action %q", cmd.Action)
	}
	if err != nil {
		return replyError(err)
	}
	return protocol.CommandReply{OK: true, Session: &snap}
}

// status also attaches the terminal payload when the session already
// finished, so one round trip answers "is it done and what did it say".
func (s *Service) status(ctx context.Context, sessionID string) protocol.CommandReply {
	snap, err := s.orch.Status(ctx, sessionID)
	if err != nil {
		return replyError(err)
	}
	reply := protocol.CommandReply{OK: true, Session: &snap}
	if res, ok := s.orch.Result(snap.SessionID); ok {
		reply.Result = &res
	}
	return reply
}

func (s *Service) respond(msg *nats.Msg, reply protocol.CommandReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.log.Warn("failed to marshal command reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond to command", slogError(err))
	}
}

func replyError(err error) protocol.CommandReply {
	return protocol.CommandReply{
		OK: false,
		Error: &protocol.FaultInfo{
			Kind:    string(fault.KindOf(err)),
			Message: err.Error(),
		},
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
