package playback

import (
	"context"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// Device is the malgo-backed audio-out collaborator satisfying
// orchestrator.Playback. It owns one playback-only malgo device for
// its lifetime: a byte buffer drained by the device callback, topped
// up with synthesized chunks as the streaming TTS call emits them.
type Device struct {
	client *lokutorClient

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	mu       sync.Mutex
	buf      []byte
	playing  bool
	aborted  bool
	finished chan struct{}
}

// NewDevice allocates the malgo context and playback device. sampleRate
// and channels must match the TTS vendor's output format.
func NewDevice(apiKey string, sampleRate, channels int) (*Device, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, err
	}

	d := &Device{client: newLokutorClient(apiKey)}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(channels)
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
	d.mu.Lock()
	n := copy(pOutput, d.buf)
	d.buf = d.buf[n:]
	drained := len(d.buf) == 0
	fin := d.finished
	d.mu.Unlock()

	if n < len(pOutput) {
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}
	if drained && fin != nil {
		select {
		case <-fin:
		default:
			close(fin)
		}
	}
}

// Play streams text to the TTS vendor and blocks until every chunk
// has been fully played out, or ctx is cancelled, in which case the
// device falls silent immediately.
func (d *Device) Play(ctx context.Context, text string, sessionID string) error {
	if err := d.device.Start(); err != nil {
		return err
	}

	d.mu.Lock()
	d.buf = nil
	d.playing = true
	d.aborted = false
	d.finished = make(chan struct{})
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.playing = false
		d.mu.Unlock()
	}()

	streamErr := make(chan error, 1)
	go func() {
		streamErr <- d.client.streamSynthesize(ctx, text, func(chunk []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			d.mu.Lock()
			aborted := d.aborted
			d.buf = append(d.buf, chunk...)
			d.mu.Unlock()
			if aborted {
				return ctx.Err()
			}
			return nil
		})
	}()

	select {
	case err := <-streamErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		d.silence()
		return ctx.Err()
	}

	// All chunks enqueued; wait for the device callback to drain them
	// or for a barge-in to cancel ctx mid-playout. A fresh finished
	// channel is armed only now, so a buffer that ran dry between
	// chunks (closing the earlier channel) does not count as the end
	// of playout.
	d.mu.Lock()
	remaining := len(d.buf)
	fin := make(chan struct{})
	d.finished = fin
	d.mu.Unlock()
	if remaining == 0 {
		return nil
	}

	select {
	case <-fin:
		return nil
	case <-ctx.Done():
		d.silence()
		return ctx.Err()
	case <-time.After(time.Minute):
		d.silence()
		return ctx.Err()
	}
}

// Stop is uncancellable and idempotent: it silences the device
// immediately regardless of whether a Play call is in flight.
func (d *Device) Stop() {
	d.silence()
	d.client.close()
}

func (d *Device) silence() {
	d.mu.Lock()
	d.buf = nil
	d.aborted = true
	d.playing = false
	d.mu.Unlock()
}

// IsPlaying is observational.
func (d *Device) IsPlaying() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.playing
}

// Close releases the underlying malgo device and context. Not part of
// the Playback contract; called once at process shutdown.
func (d *Device) Close() {
	d.device.Uninit()
	d.mctx.Uninit()
}
