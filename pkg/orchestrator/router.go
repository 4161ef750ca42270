package orchestrator

// The cancellation router: three operations, all executed under
// o.mu, the single mutex that also guards currentSession, currentState
// and pendingCancelReason. No I/O runs under the lock.

// routeCancel translates an external lifecycle signal into a
// session-scoped cancellation, strengthening pendingCancelReason per
// the Stop > Interrupt == Fault partial order, and triggers the
// current session's cancellation signal if one exists. Called before
// the triggering event is enqueued, so any stage already awaiting on
// the current session observes cancellation no later than the moment
// the caller asked for it.
func (o *Orchestrator) routeCancel(reason VoiceEndReason) {
	o.mu.Lock()
	if o.pendingCancelReason == nil {
		r := reason
		o.pendingCancelReason = &r
	} else {
		r := strongerReason(*o.pendingCancelReason, reason)
		o.pendingCancelReason = &r
	}
	sess := o.currentSession
	o.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}
}

// consumeCancelReason reads and clears pendingCancelReason, returning
// fallback if none was pending. Only the event loop calls this.
func (o *Orchestrator) consumeCancelReason(fallback VoiceEndReason) VoiceEndReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pendingCancelReason == nil {
		return fallback
	}
	r := *o.pendingCancelReason
	o.pendingCancelReason = nil
	return r
}

// hasPendingCancel is a non-destructive read.
func (o *Orchestrator) hasPendingCancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pendingCancelReason != nil
}
