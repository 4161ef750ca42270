package orchestrator

import (
	"context"
	"sync"
	"time"
)


// Orchestrator is the single-writer voice session state machine.
// Exactly one goroutine — the one
// started by Start — ever mutates currentState and currentSession;
// everything else reaches the core through the enqueue API and the
// cancellation router, which may strengthen pendingCancelReason under
// mu from the enqueuing goroutine.
type Orchestrator struct {
	capture  Capture
	asr      ASR
	agent    Agent
	playback Playback

	config Config
	logger Logger
	audit  AuditSink
	clock  Clock

	queue *eventQueue

	// Single mutex guarding the event-loop-owned state:
	// currentState, currentSession, pendingCancelReason.
	mu                  sync.Mutex
	currentState        VoiceState
	currentSession      *session
	pendingCancelReason *VoiceEndReason
	sessionCounter      uint64

	obsMu             sync.Mutex
	stateObservers    []StateChangeObserver
	progressObservers []ProgressObserver

	lifecycleMu sync.Mutex
	started     bool
	loopDone    chan struct{}
}


// New constructs an Orchestrator with a no-op logger, a discarding
// audit sink and the real clock.
func New(capture Capture, asr ASR, agent Agent, playback Playback, config Config) *Orchestrator {
	return NewWithLogger(capture, asr, agent, playback, config, nil, nil, nil)
}

// NewWithLogger constructs an Orchestrator with explicit ambient
// dependencies; nil arguments fall back to no-op defaults.
func NewWithLogger(capture Capture, asr ASR, agent Agent, playback Playback, config Config, logger Logger, audit AuditSink, clock Clock) *Orchestrator {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if audit == nil {
		audit = NoOpAuditSink{}
	}
	if clock == nil {
		clock = NewRealClock()
	}
	return &Orchestrator{
		capture:      capture,
		asr:          asr,
		agent:        agent,
		playback:     playback,
		config:       config,
		logger:       logger,
		audit:        audit,
		clock:        clock,
		queue:        newEventQueue(),
		currentState: StateIdle,
	}
}

// OnStateChanged registers an observer notified on every committed
// transition.
func (o *Orchestrator) OnStateChanged(fn StateChangeObserver) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.stateObservers = append(o.stateObservers, fn)
}

// OnProgress registers an observer notified of best-effort progress
// signals (transcript-ready, agent-response-ready). ProgressPhaseInfo
// is declared but the loop never emits it.
func (o *Orchestrator) OnProgress(fn ProgressObserver) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.progressObservers = append(o.progressObservers, fn)
}

// State returns the current state. Observational only; callers must
// not use it to gate correctness decisions.
func (o *Orchestrator) State() VoiceState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.currentState
}

// UpdateConfig swaps the deadline/device configuration. Safe to call
// concurrently with a running loop; a turn reads the configuration
// once when it starts, so the change takes effect from the next turn.
func (o *Orchestrator) UpdateConfig(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.config = cfg
}

// GetConfig returns the current configuration.
func (o *Orchestrator) GetConfig() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.config
}


// Start launches the event loop as a cooperative background goroutine.
// Idempotent: calling Start twice is a no-op. Records
// AuditOrchestratorStarted on the not-started -> started transition.
func (o *Orchestrator) Start() {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.started {
		return
	}
	o.started = true
	o.loopDone = make(chan struct{})
	o.audit.Record(AuditEvent{Actor: "voice", Action: AuditOrchestratorStarted, Result: ResultOK, At: o.clock.Now()})
	go o.run()
}

// Stop is idempotent: it signals Stop, waits up to
// config.QueueDrainTimeout for the state to reach Idle, then requests
// loop shutdown and joins. If the loop does not exit within the grace
// window it emits a timeout audit event but still returns cleanly.
func (o *Orchestrator) Stop(grace time.Duration) {
	o.lifecycleMu.Lock()
	if !o.started {
		o.lifecycleMu.Unlock()
		return
	}
	done := o.loopDone
	o.lifecycleMu.Unlock()

	o.enqueueStopLocked()

	deadline := o.clock.After(o.GetConfig().QueueDrainTimeout)
	idle := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			if o.State() == StateIdle {
				close(idle)
				return
			}
			select {
			case <-done:
				close(idle)
				return
			case <-ticker.C:
			}
		}
	}()

	select {
	case <-idle:
	case <-deadline:
	}

	o.queue.closeQueue()
	select {
	case <-done:
	case <-o.clock.After(grace):
		o.audit.Record(AuditEvent{Actor: "voice", Action: AuditOrchestratorStopTimeo, Result: ResultTimeout, At: o.clock.Now()})
	}

	o.lifecycleMu.Lock()
	o.started = false
	o.lifecycleMu.Unlock()

	o.audit.Record(AuditEvent{Actor: "voice", Action: AuditOrchestratorStopped, Result: ResultOK, At: o.clock.Now()})
}


// EnqueueMicDown routes cancellation with reason Interrupt *before*
// enqueuing the event, so any stage currently awaiting on the old
// session observes cancellation at the same moment the new MicDown
// becomes visible, not only when the loop next dequeues.
func (o *Orchestrator) EnqueueMicDown() {
	// A MicDown while already Listening is ignored by dispatch (no new
	// session replaces the current one), so it must not cancel the
	// session that's still being recorded. This check is a best-effort
	// race with the loop's own state read in dispatch, same as the
	// rest of the router's pre-enqueue signaling; the loop's own ignore
	// branch is the authoritative guard.
	if o.State() != StateListening {
		o.routeCancel(ReasonInterrupt)
	}
	o.queue.push(VoiceEvent{Kind: EventMicDown, At: o.clock.Now()})
}

// EnqueueMicUp enqueues without routing cancellation.
func (o *Orchestrator) EnqueueMicUp() {
	o.queue.push(VoiceEvent{Kind: EventMicUp, At: o.clock.Now()})
}

// EnqueueStop routes cancellation with reason Stop, then enqueues.
func (o *Orchestrator) EnqueueStop() {
	o.enqueueStopLocked()
}

func (o *Orchestrator) enqueueStopLocked() {
	o.routeCancel(ReasonStop)
	o.queue.push(VoiceEvent{Kind: EventStop, At: o.clock.Now()})
}

// EnqueueFault routes cancellation with reason Fault, then enqueues
// the event carrying detail.
func (o *Orchestrator) EnqueueFault(detail string) {
	o.routeCancel(ReasonFault)
	o.queue.push(VoiceEvent{Kind: EventFault, Detail: detail, At: o.clock.Now()})
}


// run is the event loop: the single reader of the queue and the only
// mutator of currentState/currentSession; it consumes and clears
// pendingCancelReason, which the router sets. Any
// uncaught panic inside a turn is treated equivalently to Fault
// (AuditLoopError) rather than killing the process.
func (o *Orchestrator) run() {
	defer close(o.loopDone)
	for {
		ev, ok := o.queue.pop()
		if !ok {
			return
		}
		o.dispatch(ev)
	}
}

func (o *Orchestrator) dispatch(ev VoiceEvent) {
	defer func() {
		if r := recover(); r != nil {
			o.transition(StateFaulted, nil)
			o.audit.Record(AuditEvent{
				Actor: "voice", Action: AuditLoopError, Result: ResultError,
				SessionID: o.currentSessionID(),
				Details:   map[string]interface{}{"panic": r},
				At:        o.clock.Now(),
			})
			o.endSession(ReasonFault, "loop_error")
		}
	}()

	state := o.State()

	switch ev.Kind {
	case EventMicDown:
		switch state {
		case StateListening:
			o.audit.Record(AuditEvent{
				Actor: "voice", Action: AuditMicDownIgnored, Result: ResultIgnored,
				SessionID: o.currentSessionID(), Details: map[string]interface{}{"reason": "already_listening"},
				At: o.clock.Now(),
			})
		default:
			// Defensive: end any residual session before starting fresh.
			o.endSession(ReasonInterrupt, "micdown_defensive")
			o.beginSession()
		}

	case EventMicUp:
		if state != StateListening {
			o.audit.Record(AuditEvent{Actor: "voice", Action: AuditMicUpIgnored, Result: ResultIgnored, At: o.clock.Now()})
			return
		}
		o.runTurn()

	case EventStop:
		o.endSession(ReasonStop, "stop_event")

	case EventFault:
		o.transition(StateFaulted, nil)
		o.endSession(ReasonFault, ev.Detail)
	}
}

// currentSessionID is a convenience observational read for audit
// details; it never gates correctness.
func (o *Orchestrator) currentSessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.currentSession == nil {
		return ""
	}
	return o.currentSession.id
}

// beginSession creates a fresh session with a new monotonically
// increasing id, starts capture, and transitions to Listening.
func (o *Orchestrator) beginSession() {
	o.mu.Lock()
	o.sessionCounter++
	id := nextSessionID(o.sessionCounter)
	sess := newSession(context.Background(), id)
	o.currentSession = sess
	o.mu.Unlock()

	if err := o.capture.Start(sess.ctx, id); err != nil {
		o.audit.Record(AuditEvent{
			Actor: "voice", Action: AuditCaptureStartError, Result: ResultError,
			SessionID: id, Details: map[string]interface{}{"error": err.Error()}, At: o.clock.Now(),
		})
		o.transition(StateFaulted, nil)
		o.endSession(ReasonFault, "capture_start_failed")
		return
	}

	o.audit.Record(AuditEvent{Actor: "voice", Action: AuditCaptureStarted, Result: ResultOK, SessionID: id, At: o.clock.Now()})
	o.transition(StateListening, nil)
}

// transition commits a state change and notifies observers. reason is
// non-nil only for transitions into Idle or Faulted (spec's
// onStateChanged(previous, current, reason?)).
func (o *Orchestrator) transition(next VoiceState, reason *VoiceEndReason) {
	o.mu.Lock()
	prev := o.currentState
	o.currentState = next
	o.mu.Unlock()

	if prev == next {
		return
	}

	details := map[string]interface{}{"from": string(prev), "to": string(next)}
	if reason != nil {
		details["reason"] = string(*reason)
	}
	o.audit.Record(AuditEvent{Actor: "voice", Action: AuditStateChange, Result: ResultOK, SessionID: o.currentSessionID(), Details: details, At: o.clock.Now()})

	o.obsMu.Lock()
	observers := append([]StateChangeObserver(nil), o.stateObservers...)
	o.obsMu.Unlock()
	for _, fn := range observers {
		o.safeNotifyState(fn, prev, next, reason)
	}
}

// safeNotifyState guards against a panicking observer affecting
// session state: a handler exception must never affect session state.
func (o *Orchestrator) safeNotifyState(fn StateChangeObserver, prev, next VoiceState, reason *VoiceEndReason) {
	defer func() { _ = recover() }()
	fn(prev, next, reason)
}

// emitProgress notifies progress observers, guarding against panics
// exactly as state-change observers are guarded.
func (o *Orchestrator) emitProgress(kind ProgressKind, text string, sessionID string) {
	o.obsMu.Lock()
	observers := append([]ProgressObserver(nil), o.progressObservers...)
	o.obsMu.Unlock()
	for _, fn := range observers {
		o.safeNotifyProgress(fn, kind, text, sessionID)
	}
}

func (o *Orchestrator) safeNotifyProgress(fn ProgressObserver, kind ProgressKind, text, sessionID string) {
	defer func() { _ = recover() }()
	fn(kind, text, sessionID)
}
