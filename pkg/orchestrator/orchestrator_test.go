package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)


// recordingSink collects every audit event for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (s *recordingSink) Record(ev AuditEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) find(action AuditAction) []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []AuditEvent
	for _, ev := range s.events {
		if ev.Action == action {
			out = append(out, ev)
		}
	}
	return out
}


// mockCapture is a hand-rolled Capture collaborator whose Stop/Start
// behavior a test configures up front.
type mockCapture struct {
	mu        sync.Mutex
	started   []string
	clip      *AudioClip
	stopErr   error
	stopDelay time.Duration
	capturing bool
}

func (m *mockCapture) Start(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, sessionID)
	m.capturing = true
	return nil
}

func (m *mockCapture) Stop(ctx context.Context, sessionID string) (*AudioClip, error) {
	if m.stopDelay > 0 {
		select {
		case <-time.After(m.stopDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capturing = false
	return m.clip, m.stopErr
}

func (m *mockCapture) Abort(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.capturing = false
}

func (m *mockCapture) IsCapturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturing
}


// mockASR returns a fixed transcript/error, optionally blocking until
// ctx is done to simulate a slow or barge-in-cancelled call.
type mockASR struct {
	transcript string
	err        error
	block      bool
	calls      int32
	// preReturn, if set, runs right before a non-blocking call returns
	// success, letting a test land a signal in the window between a
	// stage's successful return and the supervisor's next check.
	preReturn func()
}

func (m *mockASR) Transcribe(ctx context.Context, clip *AudioClip, sessionID string) (string, error) {
	m.calls++
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if m.preReturn != nil {
		m.preReturn()
	}
	return m.transcript, m.err
}


type mockAgent struct {
	resp AgentResponse
	err  error
}

func (m *mockAgent) Process(ctx context.Context, transcript string, sessionID string) (AgentResponse, error) {
	return m.resp, m.err
}

// stateRecorder is a StateChangeObserver that records every state
// entered, for asserting a transient state (e.g. Faulted) was visible
// to observers even though the loop moves straight on to Idle.
type stateRecorder struct {
	mu  sync.Mutex
	seq []VoiceState
}

func (r *stateRecorder) observe(prev, next VoiceState, reason *VoiceEndReason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq = append(r.seq, next)
}

func (r *stateRecorder) contains(want VoiceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.seq {
		if s == want {
			return true
		}
	}
	return false
}


type mockPlayback struct {
	mu      sync.Mutex
	err     error
	block   bool
	playing bool
}

func (m *mockPlayback) Play(ctx context.Context, text string, sessionID string) error {
	m.mu.Lock()
	m.playing = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.playing = false
		m.mu.Unlock()
	}()
	if m.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return m.err
}

func (m *mockPlayback) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.playing = false
}

func (m *mockPlayback) IsPlaying() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playing
}


func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AsrTimeout = 200 * time.Millisecond
	cfg.AgentTimeout = 200 * time.Millisecond
	cfg.SpeakingTimeout = 200 * time.Millisecond
	cfg.QueueDrainTimeout = 500 * time.Millisecond
	return cfg
}

// waitForState polls until o.State() == want or the deadline elapses.
func waitForState(t *testing.T, o *Orchestrator, want VoiceState, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if o.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, got %s", want, o.State())
}


func TestHappyPathEndsIdleWithComplete(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2, 3, 4}}}
	asr := &mockASR{transcript: "hello there"}
	agent := &mockAgent{resp: AgentResponse{Text: "hi", Success: true}}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)

	o.EnqueueMicUp()
	waitForState(t, o, StateIdle, time.Second)

	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 {
		t.Fatalf("expected exactly one session-ended event, got %d", len(ended))
	}
	if ended[0].Details["reason"] != string(ReasonComplete) {
		t.Fatalf("expected Complete reason, got %v", ended[0].Details["reason"])
	}
}

func TestDoubleMicDownIgnoredWhileListening(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{block: true}
	agent := &mockAgent{resp: AgentResponse{Text: "hi", Success: true}}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)

	o.EnqueueMicDown()
	time.Sleep(20 * time.Millisecond)

	if o.State() != StateListening {
		t.Fatalf("expected state to remain Listening, got %s", o.State())
	}
	if len(sink.find(AuditMicDownIgnored)) != 1 {
		t.Fatalf("expected one ignored mic-down audit event")
	}
}

func TestStrayMicUpIgnoredWhileIdle(t *testing.T) {
	capture := &mockCapture{}
	asr := &mockASR{}
	agent := &mockAgent{}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicUp()
	time.Sleep(20 * time.Millisecond)

	if o.State() != StateIdle {
		t.Fatalf("expected state to remain Idle, got %s", o.State())
	}
	if len(sink.find(AuditMicUpIgnored)) != 1 {
		t.Fatalf("expected one ignored mic-up audit event")
	}
}

func TestStopDuringSpeakingEndsWithReasonStop(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{transcript: "hello"}
	agent := &mockAgent{resp: AgentResponse{Text: "a long response", Success: true}}
	playback := &mockPlayback{block: true}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateSpeaking, time.Second)

	o.EnqueueStop()
	waitForState(t, o, StateIdle, time.Second)

	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 || ended[0].Details["reason"] != string(ReasonStop) {
		t.Fatalf("expected session to end with reason Stop, got %+v", ended)
	}
}

func TestBargeInPreemptsStaleASRResult(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{block: true}
	agent := &mockAgent{resp: AgentResponse{Text: "hi", Success: true}}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateTranscribing, time.Second)

	// Barge in: a new MicDown cancels the in-flight ASR call (mockASR
	// blocks on ctx.Done and returns ctx.Err()), so the old turn ends
	// without a transcript and a fresh session begins.
	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)

	if o.State() != StateListening {
		t.Fatalf("expected new session to be Listening after barge-in, got %s", o.State())
	}
}

func TestFaultEndsSessionAndReturnsToIdle(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{block: true}
	agent := &mockAgent{}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)

	o.EnqueueFault("hardware error")
	waitForState(t, o, StateIdle, time.Second)

	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 || ended[0].Details["reason"] != string(ReasonFault) {
		t.Fatalf("expected session to end with reason Fault, got %+v", ended)
	}
}

func TestASRTimeoutEndsSessionWithReasonTimeout(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{block: true}
	agent := &mockAgent{}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	cfg := testConfig()
	cfg.AsrTimeout = 30 * time.Millisecond

	o := NewWithLogger(capture, asr, agent, playback, cfg, nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()

	waitForState(t, o, StateIdle, time.Second)

	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 || ended[0].Details["reason"] != string(ReasonTimeout) {
		t.Fatalf("expected session to end with reason Timeout, got %+v", ended)
	}
}

func TestEmptyClipEndsSessionWithoutCallingASR(t *testing.T) {
	capture := &mockCapture{clip: nil}
	asr := &mockASR{transcript: "should not be reached"}
	agent := &mockAgent{}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateIdle, time.Second)

	if asr.calls != 0 {
		t.Fatalf("expected ASR not to be called for an empty clip, got %d calls", asr.calls)
	}
	if len(sink.find(AuditEmptyClip)) != 1 {
		t.Fatalf("expected one empty-clip audit event")
	}
}

func TestAgentUnsuccessfulWithErrorEndsWithFault(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{transcript: "hello"}
	agent := &mockAgent{resp: AgentResponse{Success: false, Err: errors.New("boom")}}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateIdle, time.Second)

	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 || ended[0].Details["reason"] != string(ReasonFault) {
		t.Fatalf("expected Fault reason on unsuccessful agent response with error, got %+v", ended)
	}
}

func TestAgentUnsuccessfulWithoutErrorEndsWithComplete(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{transcript: "hello"}
	agent := &mockAgent{resp: AgentResponse{Success: false}}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateIdle, time.Second)

	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 || ended[0].Details["reason"] != string(ReasonComplete) {
		t.Fatalf("expected Complete reason on unsuccessful agent response without error, got %+v", ended)
	}
}

func TestCaptureStopErrorEndsWithFaultNotComplete(t *testing.T) {
	capture := &mockCapture{stopErr: errors.New("device i/o error")}
	asr := &mockASR{transcript: "should not be reached"}
	agent := &mockAgent{}
	playback := &mockPlayback{}
	sink := &recordingSink{}
	recorder := &stateRecorder{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.OnStateChanged(recorder.observe)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateIdle, time.Second)

	if asr.calls != 0 {
		t.Fatalf("expected ASR not to be called when capture.Stop fails, got %d calls", asr.calls)
	}
	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 || ended[0].Details["reason"] != string(ReasonFault) {
		t.Fatalf("expected capture.Stop error to end the session with reason Fault, got %+v", ended)
	}
	if !recorder.contains(StateFaulted) {
		t.Fatalf("expected a visible Faulted transition, got sequence %v", recorder.seq)
	}
}

func TestStageTimeoutTransitionsThroughFaulted(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{block: true}
	agent := &mockAgent{}
	playback := &mockPlayback{}
	sink := &recordingSink{}
	recorder := &stateRecorder{}

	cfg := testConfig()
	cfg.AsrTimeout = 30 * time.Millisecond

	o := NewWithLogger(capture, asr, agent, playback, cfg, nil, sink, nil)
	o.OnStateChanged(recorder.observe)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateIdle, time.Second)

	if !recorder.contains(StateFaulted) {
		t.Fatalf("expected a visible Faulted transition on ASR timeout, got sequence %v", recorder.seq)
	}
}

func TestStageTransportErrorTransitionsThroughFaulted(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	asr := &mockASR{transcript: "hello"}
	agent := &mockAgent{err: errors.New("upstream 500")}
	playback := &mockPlayback{}
	sink := &recordingSink{}
	recorder := &stateRecorder{}

	o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	o.OnStateChanged(recorder.observe)
	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateIdle, time.Second)

	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 || ended[0].Details["reason"] != string(ReasonFault) {
		t.Fatalf("expected agent transport error to end the session with reason Fault, got %+v", ended)
	}
	if !recorder.contains(StateFaulted) {
		t.Fatalf("expected a visible Faulted transition on agent transport error, got sequence %v", recorder.seq)
	}
}

func TestStopRightAfterStageSuccessEndsWithReasonStop(t *testing.T) {
	capture := &mockCapture{clip: &AudioClip{Data: []byte{1, 2}}}
	agent := &mockAgent{resp: AgentResponse{Text: "hi", Success: true}}
	playback := &mockPlayback{}
	sink := &recordingSink{}

	var o *Orchestrator
	asr := &mockASR{transcript: "hello"}
	o = NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
	// Land EnqueueStop in the window between ASR.Transcribe returning
	// successfully and the supervisor's post-stage pending-cancel check,
	// simulating a Stop that arrives just after a stage already
	// succeeded rather than during it.
	asr.preReturn = func() { o.EnqueueStop() }

	o.Start()
	defer o.Stop(time.Second)

	o.EnqueueMicDown()
	waitForState(t, o, StateListening, time.Second)
	o.EnqueueMicUp()
	waitForState(t, o, StateIdle, time.Second)

	ended := sink.find(AuditSessionEnded)
	if len(ended) != 1 || ended[0].Details["reason"] != string(ReasonStop) {
		t.Fatalf("expected a Stop landing right after a successful stage to end the session with reason Stop, got %+v", ended)
	}
}

func TestFinalStateIsAlwaysIdleAfterStop(t *testing.T) {
	scenarios := []struct {
		name  string
		build func() (*mockCapture, *mockASR, *mockAgent, *mockPlayback)
	}{
		{"happy", func() (*mockCapture, *mockASR, *mockAgent, *mockPlayback) {
			return &mockCapture{clip: &AudioClip{Data: []byte{1}}}, &mockASR{transcript: "hi"}, &mockAgent{resp: AgentResponse{Text: "hey", Success: true}}, &mockPlayback{}
		}},
		{"asr-error", func() (*mockCapture, *mockASR, *mockAgent, *mockPlayback) {
			return &mockCapture{clip: &AudioClip{Data: []byte{1}}}, &mockASR{err: errors.New("boom")}, &mockAgent{}, &mockPlayback{}
		}},
		{"empty-clip", func() (*mockCapture, *mockASR, *mockAgent, *mockPlayback) {
			return &mockCapture{clip: nil}, &mockASR{}, &mockAgent{}, &mockPlayback{}
		}},
	}

	for _, sc := range scenarios {
		t.Run(sc.name, func(t *testing.T) {
			capture, asr, agent, playback := sc.build()
			sink := &recordingSink{}
			o := NewWithLogger(capture, asr, agent, playback, testConfig(), nil, sink, nil)
			o.Start()

			o.EnqueueMicDown()
			waitForState(t, o, StateListening, time.Second)
			o.EnqueueMicUp()
			waitForState(t, o, StateIdle, time.Second)

			o.Stop(time.Second)
			if o.State() != StateIdle {
				t.Fatalf("%s: expected final state Idle, got %s", sc.name, o.State())
			}
		})
	}
}
