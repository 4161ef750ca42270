package orchestrator

// endSession is the single cleanup path every exit from a turn funnels
// through: capture-and-clear the session handle first so a concurrent
// cancellation router call and a second endSession call both see
// nothing left to tear down, release the collaborators best-effort,
// then commit the transition to Idle.
//
// endSession only ever runs on the event-loop goroutine, so the
// capture-and-clear itself doesn't need the idempotence sync.Once
// would give a multi-writer caller; the lock still guards the fields
// against readers like State()/sessionSuperseded.
func (o *Orchestrator) endSession(reason VoiceEndReason, detail string) {
	o.mu.Lock()
	sess := o.currentSession
	o.currentSession = nil
	o.pendingCancelReason = nil
	o.mu.Unlock()

	if sess == nil {
		o.transition(StateIdle, &reason)
		return
	}

	o.playback.Stop()
	o.capture.Abort(sess.id)
	sess.cancel()

	o.audit.Record(AuditEvent{
		Actor: "voice", Action: AuditSessionEnded, Result: ResultOK,
		SessionID: sess.id,
		Details:   map[string]interface{}{"reason": string(reason), "detail": detail},
		At:        o.clock.Now(),
	})

	o.transition(StateIdle, &reason)
}
