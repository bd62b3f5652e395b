package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxpadlabs/voxpad-core/internal/audio"
	"github.com/voxpadlabs/voxpad-core/internal/capture"
	"github.com/voxpadlabs/voxpad-core/internal/cleanup"
	"github.com/voxpadlabs/voxpad-core/internal/config"
	"github.com/voxpadlabs/voxpad-core/internal/fault"
	"github.com/voxpadlabs/voxpad-core/internal/prompts"
	"github.com/voxpadlabs/voxpad-core/internal/protocol"
	"github.com/voxpadlabs/voxpad-core/internal/sessionstore"
	"github.com/voxpadlabs/voxpad-core/internal/transcribe"
)

// historyLimit bounds how many terminal sessions stay in memory for
// status lookups and resubmission. The frozen audio is the heavy part
// of a retained session.
const historyLimit = 16

// Deps are the orchestrator's collaborators.
type Deps struct {
	Backend     capture.Backend
	Transcriber transcribe.Client
	Cleaner     cleanup.Client
	Catalog     *prompts.Catalog
	Store       *sessionstore.Store
	Sink        EventSink
}

// Orchestrator owns the single active session, enforces the lifecycle
// state machine, and runs the transcription pipeline. Retry policy
// against the providers lives here and nowhere else.
type Orchestrator struct {
	cfg      config.SessionConfig
	audioCfg config.AudioConfig
	log      *slog.Logger
	deps     Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	meter      metric.Meter
	doneCount  metric.Int64Counter
	failCount  metric.Int64Counter
	retryCount metric.Int64Counter

	mu         sync.Mutex
	current    *Session
	controller *capture.Controller
	buffer     *audio.Buffer
	runCancel  context.CancelFunc
	history    map[string]*Session
	order      []string

	clock func() time.Time
	newID func() string
}

// NewOrchestrator builds an orchestrator bound to the parent context.
func NewOrchestrator(parent context.Context, cfg config.SessionConfig, audioCfg config.AudioConfig, deps Deps, log *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		cfg:      cfg,
		audioCfg: audioCfg,
		log:      log.With(slog.String("component", "session")),
		deps:     deps,
		ctx:      ctx,
		cancel:   cancel,
		meter:    otel.Meter("github.com/voxpadlabs/voxpad-core/runtime"),
		history:  make(map[string]*Session),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
	if err := o.initMetrics(); err != nil {
		o.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return o
}

func (o *Orchestrator) initMetrics() error {
	if o.meter == nil {
		return nil
	}
	done, err := o.meter.Int64Counter("voxpad.sessions.completed", metric.WithDescription("Sessions that reached done"))
	if err != nil {
		return err
	}
	failed, err := o.meter.Int64Counter("voxpad.sessions.failed", metric.WithDescription("Sessions that reached failed"))
	if err != nil {
		return err
	}
	retries, err := o.meter.Int64Counter("voxpad.pipeline.retries", metric.WithDescription("Retry attempts against transcription and cleanup providers"))
	if err != nil {
		return err
	}
	o.doneCount = done
	o.failCount = failed
	o.retryCount = retries
	return nil
}

// Close cancels any in-flight pipeline and releases the capture
// stream. In-flight sessions finish as failed.
func (o *Orchestrator) Close() {
	o.cancel()
	o.mu.Lock()
	ctrl := o.controller
	o.controller = nil
	o.mu.Unlock()
	if ctrl != nil {
		ctrl.Reset()
	}
	o.wg.Wait()
}

func (o *Orchestrator) Healthy() bool {
	return o != nil && o.ctx.Err() == nil
}

// Begin claims the engine slot and starts recording. Fails with a
// session in use fault while a non-terminal session holds the slot.
func (o *Orchestrator) Begin(ctx context.Context, device string) (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	if cur := o.current; cur != nil && !cur.State.Terminal() {
		id, st := cur.ID, cur.State
		o.mu.Unlock()
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindSessionInUse, "session %s is %s", id, st)
	}
	if o.current != nil {
		o.archiveLocked(o.current)
	}
	now := o.clock().UTC()
	sess := &Session{ID: o.newID(), State: StateIdle, Device: device, CreatedAt: now, UpdatedAt: now}
	buf := audio.NewBuffer(o.audioCfg.SampleRate, o.audioCfg.Channels)
	id := sess.ID
	ctrl := capture.New(o.deps.Backend, o.streamConfig(), o.log, func(err error) {
		o.handleCaptureFault(id, err)
	})
	o.current = sess
	o.controller = ctrl
	o.buffer = buf
	o.mu.Unlock()

	if err := ctrl.Start(ctx, buf, device); err != nil {
		o.mu.Lock()
		if o.current == sess {
			o.current, o.controller, o.buffer = nil, nil, nil
		}
		o.mu.Unlock()
		return protocol.SessionSnapshot{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.transitionLocked(sess, StateRecording); err != nil {
		return protocol.SessionSnapshot{}, err
	}
	return sess.snapshot(o.buffer), nil
}

func (o *Orchestrator) streamConfig() capture.StreamConfig {
	return capture.StreamConfig{
		Device:      o.audioCfg.Device,
		SampleRate:  o.audioCfg.SampleRate,
		Channels:    o.audioCfg.Channels,
		FrameBytes:  capture.FrameBytes(o.audioCfg.SampleRate, o.audioCfg.Channels, o.audioCfg.FrameDurationMS),
		QueueFrames: o.audioCfg.QueueFrames,
	}
}

// Pause suspends frame intake. Audio played while paused is dropped.
func (o *Orchestrator) Pause() (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, err := o.activeLocked()
	if err != nil {
		return protocol.SessionSnapshot{}, err
	}
	if err := o.controller.Pause(); err != nil {
		return protocol.SessionSnapshot{}, err
	}
	if err := o.transitionLocked(cur, StatePaused); err != nil {
		return protocol.SessionSnapshot{}, err
	}
	return cur.snapshot(o.buffer), nil
}

// Resume reverses Pause.
func (o *Orchestrator) Resume() (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, err := o.activeLocked()
	if err != nil {
		return protocol.SessionSnapshot{}, err
	}
	if err := o.controller.Resume(); err != nil {
		return protocol.SessionSnapshot{}, err
	}
	if err := o.transitionLocked(cur, StateRecording); err != nil {
		return protocol.SessionSnapshot{}, err
	}
	return cur.snapshot(o.buffer), nil
}

// Stop freezes the recording. The cleanup decision and instruction
// are fixed here; a nil applyCleanup means cleanup is wanted, an
// empty instruction resolves to the catalog default. The frozen audio
// is not sent anywhere until Transcribe.
func (o *Orchestrator) Stop(applyCleanup *bool, instruction string) (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	cur, err := o.activeLocked()
	if err != nil {
		o.mu.Unlock()
		return protocol.SessionSnapshot{}, err
	}
	if cur.State != StateRecording && cur.State != StatePaused {
		st := cur.State
		o.mu.Unlock()
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindInvalidTransition, "stop: state %s", st)
	}
	prompt, err := o.deps.Catalog.Get(instruction)
	if err != nil {
		o.mu.Unlock()
		return protocol.SessionSnapshot{}, err
	}
	ctrl := o.controller
	o.mu.Unlock()

	// The capture goroutine may be inside the fault callback, which
	// takes our mutex, so the controller is stopped unlocked.
	clip, err := ctrl.Stop()
	if err != nil {
		return protocol.SessionSnapshot{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != cur {
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindInvalidTransition, "stop: session %s was reset", cur.ID)
	}
	cur.Clip = clip
	cur.ApplyCleanup = applyCleanup == nil || *applyCleanup
	cur.Instruction = prompt.Name
	cur.instructionText = prompt.Instruction
	if err := o.transitionLocked(cur, StateStopped); err != nil {
		return protocol.SessionSnapshot{}, err
	}
	return cur.snapshot(nil), nil
}

// Transcribe submits the frozen audio to the pipeline. An empty
// recording is rejected synchronously and the session stays stopped.
func (o *Orchestrator) Transcribe() (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur, err := o.activeLocked()
	if err != nil {
		return protocol.SessionSnapshot{}, err
	}
	if cur.State != StateStopped {
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindInvalidTransition, "transcribe: state %s", cur.State)
	}
	if cur.Clip.Empty() {
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindEmptyInput, "session %s has no audio", cur.ID)
	}
	if err := o.transitionLocked(cur, StateTranscribing); err != nil {
		return protocol.SessionSnapshot{}, err
	}

	runCtx, cancel := context.WithCancel(o.ctx)
	o.runCancel = cancel
	o.wg.Add(1)
	go o.run(runCtx, cur, cur.Clip, cur.ApplyCleanup, cur.instructionText)

	return cur.snapshot(nil), nil
}

// Cancel aborts the in-flight pipeline. The session finishes as
// failed with a canceled fault; cancellation outside Transcribing and
// Cleaning is an invalid transition.
func (o *Orchestrator) Cancel() (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	cur := o.current
	if cur == nil || (cur.State != StateTranscribing && cur.State != StateCleaning) {
		state := "none"
		if cur != nil {
			state = string(cur.State)
		}
		o.mu.Unlock()
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindInvalidTransition, "cancel: state %s", state)
	}
	cancelFn := o.runCancel
	snap := cur.snapshot(nil)
	o.mu.Unlock()

	if cancelFn != nil {
		cancelFn()
	}
	return snap, nil
}

// Reset frees the engine slot. No-op when the slot is already free;
// an in-flight pipeline must be canceled first.
func (o *Orchestrator) Reset() (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	cur := o.current
	if cur == nil {
		o.mu.Unlock()
		return protocol.SessionSnapshot{}, nil
	}
	if cur.State == StateTranscribing || cur.State == StateCleaning {
		id, st := cur.ID, cur.State
		o.mu.Unlock()
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindInvalidTransition, "reset: session %s is %s, cancel it first", id, st)
	}
	if cur.State.Terminal() {
		o.archiveLocked(cur)
	}
	ctrl := o.controller
	o.current = nil
	o.controller = nil
	o.buffer = nil
	o.runCancel = nil
	o.mu.Unlock()

	if ctrl != nil {
		ctrl.Reset()
	}
	return protocol.SessionSnapshot{}, nil
}

// Resubmit seeds a new stopped session with the frozen audio of a
// finished one, so a failed transcription can be retried without
// recording again.
func (o *Orchestrator) Resubmit(sessionID string) (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cur := o.current; cur != nil && !cur.State.Terminal() {
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindSessionInUse, "session %s is %s", cur.ID, cur.State)
	}
	if o.current != nil {
		o.archiveLocked(o.current)
	}
	prior := o.history[sessionID]
	if prior == nil {
		return protocol.SessionSnapshot{}, fmt.Errorf("unknown session %q", sessionID)
	}
	if prior.Clip.Empty() {
		return protocol.SessionSnapshot{}, fault.Errorf(fault.KindEmptyInput, "session %s has no audio", sessionID)
	}

	now := o.clock().UTC()
	sess := &Session{
		ID:              o.newID(),
		State:           StateStopped,
		Device:          prior.Device,
		ApplyCleanup:    prior.ApplyCleanup,
		Instruction:     prior.Instruction,
		instructionText: prior.instructionText,
		Clip:            prior.Clip,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	o.current = sess
	o.persistLocked(sess, StateIdle)
	o.deps.Sink.StateChanged(sess.ID, sess.State, now)
	o.log.Info("session resubmitted",
		slog.String("session_id", sess.ID),
		slog.String("source", sessionID))
	return sess.snapshot(nil), nil
}

// Status reports the named session, or the active one when sessionID
// is empty. Finished sessions are served from memory first, then from
// the store.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (protocol.SessionSnapshot, error) {
	o.mu.Lock()
	if sessionID == "" {
		if o.current == nil {
			o.mu.Unlock()
			return protocol.SessionSnapshot{}, fmt.Errorf("no active session")
		}
		snap := o.current.snapshot(o.buffer)
		o.mu.Unlock()
		return snap, nil
	}
	if cur := o.current; cur != nil && cur.ID == sessionID {
		snap := cur.snapshot(o.buffer)
		o.mu.Unlock()
		return snap, nil
	}
	if sess := o.history[sessionID]; sess != nil {
		snap := sess.snapshot(nil)
		o.mu.Unlock()
		return snap, nil
	}
	o.mu.Unlock()

	rec, err := o.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return protocol.SessionSnapshot{}, fmt.Errorf("unknown session %q", sessionID)
	}
	return protocol.SessionSnapshot{
		SessionID:    rec.SessionID,
		State:        rec.State,
		StartedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		AudioMS:      rec.AudioMS,
		ApplyCleanup: rec.ApplyCleanup,
		Instruction:  rec.Instruction,
	}, nil
}

// Result returns the terminal payload of a finished session held in
// memory.
func (o *Orchestrator) Result(sessionID string) (protocol.SessionResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	sess := o.history[sessionID]
	if sess == nil && o.current != nil && o.current.ID == sessionID {
		sess = o.current
	}
	if sess == nil || !sess.State.Terminal() {
		return protocol.SessionResult{}, false
	}
	return o.resultLocked(sess), true
}

// handleCaptureFault is invoked from the capture goroutine when the
// device dies mid-recording. The partial audio is already frozen; the
// session moves to stopped with cleanup defaults so it can still be
// transcribed.
func (o *Orchestrator) handleCaptureFault(sessionID string, devErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cur := o.current
	if cur == nil || cur.ID != sessionID {
		return
	}
	if cur.State != StateRecording && cur.State != StatePaused {
		return
	}
	if o.buffer != nil {
		cur.Clip = o.buffer.Freeze()
	}
	prompt := o.deps.Catalog.Default()
	cur.ApplyCleanup = true
	cur.Instruction = prompt.Name
	cur.instructionText = prompt.Instruction
	cur.Warning = fmt.Sprintf("input device failed, partial audio retained: %v", devErr)
	if err := o.transitionLocked(cur, StateStopped); err != nil {
		o.log.Warn("salvage transition failed", slog.String("error", err.Error()))
		return
	}
	o.log.Warn("recording stopped by device fault",
		slog.String("session_id", sessionID),
		slog.String("error", devErr.Error()),
		slog.Int64("audio_ms", cur.Clip.Duration().Milliseconds()))
}

// run carries one session through transcription and optional cleanup.
func (o *Orchestrator) run(ctx context.Context, sess *Session, clip audio.Clip, applyCleanup bool, instruction string) {
	defer o.wg.Done()

	res, err := o.transcribeWithRetry(ctx, clip)
	if err != nil {
		o.fail(sess, err)
		return
	}

	o.mu.Lock()
	sess.RawTranscript = res.Text
	sess.Chunks = res.Chunks
	o.mu.Unlock()

	if !applyCleanup {
		o.complete(sess, "", "")
		return
	}

	o.mu.Lock()
	err = o.transitionLocked(sess, StateCleaning)
	o.mu.Unlock()
	if err != nil {
		o.fail(sess, err)
		return
	}

	cleaned, err := o.cleanWithRetry(ctx, res.Text, instruction)
	if err != nil {
		if isCanceled(err) {
			o.fail(sess, err)
			return
		}
		// Cleanup exhaustion does not lose the recording: finish with
		// the raw transcript and say so.
		o.log.Warn("cleanup failed, returning raw transcript",
			slog.String("session_id", sess.ID),
			slog.String("error", err.Error()))
		o.complete(sess, "", fmt.Sprintf("cleanup failed, raw transcript returned: %v", err))
		return
	}
	o.complete(sess, cleaned, "")
}

func (o *Orchestrator) transcribeWithRetry(ctx context.Context, clip audio.Clip) (transcribe.Result, error) {
	operation := func() (transcribe.Result, error) {
		res, err := o.deps.Transcriber.Transcribe(ctx, clip)
		if err != nil && !fault.Retryable(err) {
			return transcribe.Result{}, backoff.Permanent(err)
		}
		return res, err
	}
	return backoff.Retry(ctx, operation, o.retryOptions("transcription")...)
}

func (o *Orchestrator) cleanWithRetry(ctx context.Context, transcript, instruction string) (string, error) {
	operation := func() (string, error) {
		out, err := o.deps.Cleaner.Clean(ctx, transcript, instruction)
		if err != nil && !fault.Retryable(err) {
			return "", backoff.Permanent(err)
		}
		return out, err
	}
	return backoff.Retry(ctx, operation, o.retryOptions("cleanup")...)
}

func (o *Orchestrator) retryOptions(stage string) []backoff.RetryOption {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Duration(o.cfg.Retry.InitialBackoffMS) * time.Millisecond
	expo.MaxInterval = time.Duration(o.cfg.Retry.MaxBackoffMS) * time.Millisecond
	if o.cfg.Retry.Multiplier > 0 {
		expo.Multiplier = o.cfg.Retry.Multiplier
	}
	return []backoff.RetryOption{
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(o.cfg.Retry.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			o.log.Warn("retrying "+stage,
				slog.String("error", err.Error()),
				slog.Duration("backoff", next))
			if o.retryCount != nil {
				o.retryCount.Add(o.ctx, 1)
			}
		}),
	}
}

func (o *Orchestrator) complete(sess *Session, cleaned, warning string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cleaned != "" {
		sess.CleanedTranscript = cleaned
	}
	if warning != "" {
		if sess.Warning != "" {
			sess.Warning += "; " + warning
		} else {
			sess.Warning = warning
		}
	}
	if err := o.transitionLocked(sess, StateDone); err != nil {
		o.log.Warn("completion transition failed", slog.String("error", err.Error()))
		return
	}
	o.finishLocked(sess)
	if o.doneCount != nil {
		o.doneCount.Add(o.ctx, 1)
	}
}

func (o *Orchestrator) fail(sess *Session, err error) {
	err = terminalErr(err)
	o.mu.Lock()
	defer o.mu.Unlock()
	sess.Err = err
	if terr := o.transitionLocked(sess, StateFailed); terr != nil {
		o.log.Warn("failure transition failed", slog.String("error", terr.Error()))
		return
	}
	o.finishLocked(sess)
	if o.failCount != nil {
		o.failCount.Add(o.ctx, 1)
	}
}

func (o *Orchestrator) finishLocked(sess *Session) {
	o.archiveLocked(sess)
	o.runCancel = nil
	o.controller = nil
	o.buffer = nil
	o.deps.Sink.Completed(o.resultLocked(sess))
}

func (o *Orchestrator) transitionLocked(sess *Session, to State) error {
	if !canTransition(sess.State, to) {
		return fault.Errorf(fault.KindInvalidTransition, "%s -> %s", sess.State, to)
	}
	from := sess.State
	sess.State = to
	sess.UpdatedAt = o.clock().UTC()
	o.persistLocked(sess, from)
	o.deps.Sink.StateChanged(sess.ID, to, sess.UpdatedAt)
	return nil
}

func (o *Orchestrator) persistLocked(sess *Session, from State) {
	ctx, cancel := context.WithTimeout(o.ctx, 5*time.Second)
	defer cancel()
	rec := sessionstore.Record{
		SessionID:         sess.ID,
		State:             string(sess.State),
		ApplyCleanup:      sess.ApplyCleanup,
		Instruction:       sess.Instruction,
		RawTranscript:     sess.RawTranscript,
		CleanedTranscript: sess.CleanedTranscript,
		Warning:           sess.Warning,
		Chunks:            sess.Chunks,
		AudioMS:           sess.Clip.Duration().Milliseconds(),
		CreatedAt:         sess.CreatedAt,
		UpdatedAt:         sess.UpdatedAt,
	}
	if sess.Err != nil {
		rec.ErrorKind = string(fault.KindOf(sess.Err))
		rec.ErrorMessage = sess.Err.Error()
	}
	if err := o.deps.Store.SaveSession(ctx, rec); err != nil {
		o.log.Warn("persist session", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
	if err := o.deps.Store.AppendTransition(ctx, sess.ID, string(from), string(sess.State)); err != nil {
		o.log.Warn("persist transition", slog.String("session_id", sess.ID), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) resultLocked(sess *Session) protocol.SessionResult {
	res := protocol.SessionResult{
		SessionID:         sess.ID,
		State:             string(sess.State),
		RawTranscript:     sess.RawTranscript,
		CleanedTranscript: sess.CleanedTranscript,
		ApplyCleanup:      sess.ApplyCleanup,
		Instruction:       sess.Instruction,
		Chunks:            sess.Chunks,
		DurationMS:        sess.Clip.Duration().Milliseconds(),
		Warning:           sess.Warning,
		Timestamp:         sess.UpdatedAt,
	}
	if sess.Err != nil {
		res.Error = &protocol.FaultInfo{
			Kind:    string(fault.KindOf(sess.Err)),
			Message: sess.Err.Error(),
		}
	}
	return res
}

// activeLocked returns the current session or an invalid transition
// fault when the slot is free or already finished.
func (o *Orchestrator) activeLocked() (*Session, error) {
	if o.current == nil {
		return nil, fault.Errorf(fault.KindInvalidTransition, "no active session")
	}
	if o.current.State.Terminal() {
		return nil, fault.Errorf(fault.KindInvalidTransition, "session %s is %s", o.current.ID, o.current.State)
	}
	return o.current, nil
}

func (o *Orchestrator) archiveLocked(sess *Session) {
	if _, ok := o.history[sess.ID]; ok {
		return
	}
	o.history[sess.ID] = sess
	o.order = append(o.order, sess.ID)
	for len(o.order) > historyLimit {
		oldest := o.order[0]
		o.order = o.order[1:]
		delete(o.history, oldest)
	}
}

// terminalErr guarantees the pipeline error carries a fault kind.
// Context cancellation surfaced by the retry loop arrives unkinded.
func terminalErr(err error) error {
	if fault.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return fault.Wrap(fault.KindCanceled, err)
	}
	return fault.Wrap(fault.KindTransient, err)
}

func isCanceled(err error) bool {
	return fault.Is(err, fault.KindCanceled) || errors.Is(err, context.Canceled)
}
