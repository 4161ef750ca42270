package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"
)


// runTurn drives one Listening -> ... -> Idle turn: stop capture,
// transcribe, run the agent, play the response back. It is called
// only from the event loop on MicUp while Listening (orchestrator.go
// dispatch), so it always runs on the single-writer goroutine.
//
// The ASR, agent and playback stages derive their context from the
// session's own cancellable context (session.ctx) composed with a stage
// deadline; capture.Stop runs under session.ctx alone, with no deadline.
// classifyStageErr always checks session.ctx first so a barge-in or
// Stop racing a deadline is reported as cancellation, not timeout.
func (o *Orchestrator) runTurn() {
	o.mu.Lock()
	sess := o.currentSession
	cfg := o.config
	o.mu.Unlock()

	if sess == nil {
		return
	}
	id := sess.id

	o.transition(StateTranscribing, nil)

	clip, err := o.capture.Stop(sess.ctx, id)
	if err != nil {
		o.failStage(sess, err, AuditCaptureStopError, "capture_stop_error")
		return
	}
	if o.sessionInterrupted(sess) {
		return
	}

	if clip.Empty() {
		o.audit.Record(AuditEvent{Actor: "voice", Action: AuditEmptyClip, Result: ResultOK, SessionID: id, At: o.clock.Now()})
		o.endSession(ReasonComplete, "empty_clip")
		return
	}

	transcript, err := runStage(sess, cfg.AsrTimeout, func(ctx context.Context) (string, error) {
		return o.asr.Transcribe(ctx, clip, id)
	})
	if err != nil {
		o.failStage(sess, err, AuditAsrError, "asr_error")
		return
	}
	if o.sessionInterrupted(sess) {
		return
	}

	if strings.TrimSpace(transcript) == "" {
		o.endSession(ReasonComplete, "empty_transcript")
		return
	}
	o.emitProgress(ProgressTranscriptReady, transcript, id)

	o.transition(StateThinking, nil)
	if o.sessionInterrupted(sess) {
		return
	}

	resp, err := runStage(sess, cfg.AgentTimeout, func(ctx context.Context) (AgentResponse, error) {
		return o.agent.Process(ctx, transcript, id)
	})
	if err != nil {
		o.failStage(sess, err, AuditAgentError, "agent_error")
		return
	}
	if o.sessionInterrupted(sess) {
		return
	}

	if !resp.Success {
		reason := ReasonComplete
		if resp.Err != nil {
			reason = ReasonFault
		}
		detail := map[string]interface{}{"reason": string(reason)}
		if resp.Err != nil {
			detail["error"] = resp.Err.Error()
		}
		o.audit.Record(AuditEvent{Actor: "voice", Action: AuditAgentUnsuccessful, Result: ResultOK, SessionID: id, Details: detail, At: o.clock.Now()})
		o.endSession(reason, "agent_unsuccessful")
		return
	}
	o.emitProgress(ProgressAgentResponseReady, resp.Text, id)

	if strings.TrimSpace(resp.Text) == "" {
		o.endSession(ReasonComplete, "empty_response_text")
		return
	}

	o.transition(StateSpeaking, nil)
	if o.sessionInterrupted(sess) {
		return
	}

	_, err = runStage(sess, cfg.SpeakingTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.playback.Play(ctx, resp.Text, id)
	})
	if err != nil {
		o.failStage(sess, err, AuditPlaybackError, "playback_error")
		return
	}
	if o.sessionInterrupted(sess) {
		return
	}

	o.endSession(ReasonComplete, "turn_complete")
}


// runStage composes a stage deadline onto the session's cancellable
// context and invokes fn. A free function rather than a method because
// Go methods cannot carry their own type parameters.
func runStage[T any](sess *session, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(sess.ctx, timeout)
	defer cancel()
	return fn(ctx)
}

// sessionSuperseded reports whether sess is no longer the orchestrator's
// current session, i.e. a later MicDown, Stop or Fault already moved
// the loop on.
func (o *Orchestrator) sessionSuperseded(sess *session) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentSession != sess
}

// sessionInterrupted reports whether the turn should stop running: sess
// was already superseded by a later MicDown/Stop/Fault, or a
// cancellation signal is pending for it. A pending cancellation is
// consumed and ends the session with its reason before returning true,
// so a Stop landing in the window right after a stage returns
// successfully is never silently overwritten by a later Complete.
func (o *Orchestrator) sessionInterrupted(sess *session) bool {
	if o.sessionSuperseded(sess) {
		return true
	}
	if o.hasPendingCancel() {
		reason := o.consumeCancelReason(ReasonInterrupt)
		o.endSession(reason, "pending_cancel")
		return true
	}
	return false
}

// classifyStageErr disambiguates a stage error into an end reason and
// audit result. The session's own cancellation is checked first so a
// barge-in or Stop racing a deadline is always reported as
// cancellation, never timeout, even if both contexts expired in the
// same instant.
func (o *Orchestrator) classifyStageErr(sess *session, err error) (VoiceEndReason, AuditResult) {
	if sess.ctx.Err() != nil {
		return o.consumeCancelReason(ReasonInterrupt), ResultIgnored
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout, ResultTimeout
	}
	return ReasonFault, ResultError
}

// failStage records the stage error, then ends the session with the
// classified reason. Timeout and Fault both make a Faulted transition
// visible to state observers before the cleanup path commits Idle, per
// the stage-error propagation rule; a cancellation reason ends directly
// since the session itself was never faulted — it was pre-empted.
func (o *Orchestrator) failStage(sess *session, err error, action AuditAction, detail string) {
	reason, result := o.classifyStageErr(sess, err)
	o.audit.Record(AuditEvent{
		Actor: "voice", Action: action, Result: result,
		SessionID: sess.id, Details: map[string]interface{}{"error": err.Error()}, At: o.clock.Now(),
	})
	if reason == ReasonTimeout || reason == ReasonFault {
		o.transition(StateFaulted, &reason)
	}
	o.endSession(reason, detail)
}
