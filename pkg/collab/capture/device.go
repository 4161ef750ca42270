// Package capture adapts a malgo audio-in device to orchestrator.Capture.
package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/voicesession/orchestrator/pkg/orchestrator"
)

// Device owns one malgo capture device for its lifetime. Only one
// session may record at a time, matching the single-writer audio
// device policy the core's single-writer event loop assumes: Start
// fails fast if a recording is already in progress instead of mixing
// two sessions' audio.
type Device struct {
	mctx   *malgo.AllocatedContext
	device *malgo.Device
	Meter  *LevelMeter

	mu        sync.Mutex
	recording bool
	sessionID string
	buf       []byte
}

// NewDevice allocates the malgo context and capture device.
func NewDevice(sampleRate, channels int) (*Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	d := &Device{Meter: &LevelMeter{}}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: d.onSamples,
	})
	if err != nil {
		mctx.Uninit()
		return nil, err
	}

	d.mctx = mctx
	d.device = device
	return d, nil
}

func (d *Device) onSamples(pOutput, pInput []byte, frameCount uint32) {
	if pInput == nil {
		return
	}
	d.Meter.observe(pInput)

	d.mu.Lock()
	if d.recording {
		d.buf = append(d.buf, pInput...)
	}
	d.mu.Unlock()
}

// Start begins recording for sessionID. Returns ErrDeviceUnavailable
// if another session is already recording.
func (d *Device) Start(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	if d.recording {
		d.mu.Unlock()
		return fmt.Errorf("%w: capture already in progress for session %s", orchestrator.ErrDeviceUnavailable, d.sessionID)
	}
	d.recording = true
	d.sessionID = sessionID
	d.buf = nil
	d.mu.Unlock()

	if err := d.device.Start(); err != nil {
		d.mu.Lock()
		d.recording = false
		d.mu.Unlock()
		return fmt.Errorf("%w: %v", orchestrator.ErrDeviceUnavailable, err)
	}
	return nil
}

// Stop finalizes the recording for sessionID and returns the captured
// PCM clip. Returns a nil clip if nothing was recorded, or if
// sessionID does not match the in-progress recording (a stale Stop
// call racing a newer Start).
func (d *Device) Stop(ctx context.Context, sessionID string) (*orchestrator.AudioClip, error) {
	d.mu.Lock()
	if !d.recording || d.sessionID != sessionID {
		d.mu.Unlock()
		return nil, nil
	}
	data := d.buf
	d.buf = nil
	d.recording = false
	d.mu.Unlock()

	if err := d.device.Stop(); err != nil {
		return nil, fmt.Errorf("%w: %v", orchestrator.ErrDeviceUnavailable, err)
	}

	if len(data) == 0 {
		return nil, nil
	}
	return &orchestrator.AudioClip{
		Data:          data,
		ContentType:   "audio/pcm",
		SampleRate:    44100,
		Channels:      1,
		BitsPerSample: 16,
	}, nil
}

// Abort unconditionally stops recording and discards any buffered
// audio for sessionID. Never fails: errors from the underlying device
// are swallowed since the caller is already tearing down.
func (d *Device) Abort(sessionID string) {
	d.mu.Lock()
	if !d.recording || d.sessionID != sessionID {
		d.mu.Unlock()
		return
	}
	d.recording = false
	d.buf = nil
	d.mu.Unlock()
	_ = d.device.Stop()
}

// IsCapturing is observational.
func (d *Device) IsCapturing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

// Close releases the underlying malgo device and context. Not part of
// the Capture contract; called once at process shutdown.
func (d *Device) Close() {
	d.device.Uninit()
	d.mctx.Uninit()
}
