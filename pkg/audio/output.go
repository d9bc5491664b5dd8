// Package audio drives the single persistent playback device the daemon
// serializes all speech through, grounded in the teacher's malgo-based
// duplex device setup (cmd/agent/main.go), adapted to playback-only output
// plus the write/drain/kill lifecycle pkg/daemon.AudioSink describes.
package audio

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
)

// drainPollInterval is how often WritePCM checks whether the device has
// consumed its buffer and whether skipFlag is set: small enough that a skip
// reacts quickly, large enough not to busy-poll.
const drainPollInterval = 5 * time.Millisecond

// OutputStream is a persistent malgo playback device. The device stays open
// across the utterances of a batch; Kill closes it and the next WritePCM
// (or EnsureRunning) reopens it. WritePCM blocks until its bytes have been
// handed to the hardware (or a skip/context-cancel interrupts it), giving
// callers a natural way to serialize clause-by-clause playback.
type OutputStream struct {
	sampleRate int
	deviceName string

	onChunk func([]byte) // broadcasts each buffer handed to the device, if set

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	buffer  []byte
	running bool
}

// New returns an OutputStream at sampleRate. The underlying device isn't
// opened until EnsureRunning (or the first WritePCM) is called.
func New(sampleRate int, onChunk func([]byte)) *OutputStream {
	return &OutputStream{sampleRate: sampleRate, onChunk: onChunk}
}

// EnsureRunning opens the malgo context and device if not already running.
func (o *OutputStream) EnsureRunning(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.startLocked()
}

func (o *OutputStream) startLocked() error {
	if o.running {
		return nil
	}

	if o.mctx == nil {
		mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("audio: init context: %w", err)
		}
		o.mctx = mctx
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.Playback.DeviceID = unsafe.Pointer(deviceIDFromName(o.deviceName))
	deviceConfig.SampleRate = uint32(o.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		o.mu.Lock()
		n := copy(pOutput, o.buffer)
		o.buffer = o.buffer[n:]
		o.mu.Unlock()
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}

	device, err := malgo.InitDevice(o.mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return fmt.Errorf("audio: init device: %w", err)
	}
	if err := device.Start(); err != nil {
		return fmt.Errorf("audio: start device: %w", err)
	}

	o.device = device
	o.running = true
	return nil
}

// WritePCM appends pcm (16-bit little-endian mono samples) to the device's
// ring and blocks until the device has consumed it, skipFlag reports true,
// or ctx is cancelled. The returned duration is the wall-clock time spent
// waiting, including when a skip or cancellation cut the wait short.
func (o *OutputStream) WritePCM(ctx context.Context, pcm []byte, skipFlag func() bool) (time.Duration, error) {
	if len(pcm) == 0 {
		return 0, nil
	}

	o.mu.Lock()
	if err := o.startLocked(); err != nil {
		o.mu.Unlock()
		return 0, err
	}
	o.buffer = append(o.buffer, pcm...)
	o.mu.Unlock()

	if o.onChunk != nil {
		o.onChunk(pcm)
	}

	start := time.Now()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		o.mu.Lock()
		remaining := len(o.buffer)
		o.mu.Unlock()
		if remaining == 0 {
			return time.Since(start), nil
		}

		select {
		case <-ctx.Done():
			return time.Since(start), ctx.Err()
		case <-ticker.C:
			if skipFlag != nil && skipFlag() {
				o.mu.Lock()
				o.buffer = nil
				o.mu.Unlock()
				return time.Since(start), nil
			}
		}
	}
}

// Kill stops playback. force=true discards whatever's left in the buffer
// immediately (used on skip); force=false is the graceful stop issued once
// the queue drains, by which point WritePCM has already returned with
// nothing left buffered. Either way the device is closed, and the next
// WritePCM or EnsureRunning reopens it on the current device name.
func (o *OutputStream) Kill(ctx context.Context, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if force {
		o.buffer = nil
	}
	if o.device != nil {
		o.device.Uninit()
		o.device = nil
	}
	o.running = false
	return nil
}

// deviceIDFromName turns an ALSA device string (e.g. "plughw:1,0") into a
// malgo.DeviceID, or nil for "" / "default" meaning the system default.
func deviceIDFromName(name string) *malgo.DeviceID {
	if name == "" || strings.EqualFold(name, "default") {
		return nil
	}
	var id malgo.DeviceID
	copy(id[:], name)
	return &id
}

// SetDevice reinitializes output on the named playback device, tearing
// down the current one first.
func (o *OutputStream) SetDevice(ctx context.Context, device string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.device != nil {
		o.device.Uninit()
		o.device = nil
		o.running = false
	}
	if o.mctx == nil {
		mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return fmt.Errorf("audio: init context: %w", err)
		}
		o.mctx = mctx
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.Playback.DeviceID = unsafe.Pointer(deviceIDFromName(device))
	deviceConfig.SampleRate = uint32(o.sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	onSamples := func(pOutput, pInput []byte, frameCount uint32) {
		o.mu.Lock()
		n := copy(pOutput, o.buffer)
		o.buffer = o.buffer[n:]
		o.mu.Unlock()
		for i := n; i < len(pOutput); i++ {
			pOutput[i] = 0
		}
	}

	newDevice, err := malgo.InitDevice(o.mctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onSamples})
	if err != nil {
		return fmt.Errorf("audio: init device: %w", err)
	}
	if err := newDevice.Start(); err != nil {
		return fmt.Errorf("audio: start device: %w", err)
	}

	o.device = newDevice
	o.deviceName = device
	o.running = true
	return nil
}

// ListDevices enumerates playback device names the host exposes, for the
// "list_devices" command. Opens a context of its own when one isn't already
// running, since enumeration doesn't require an active device.
func (o *OutputStream) ListDevices() ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.mctx == nil {
		mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return nil, fmt.Errorf("audio: init context: %w", err)
		}
		o.mctx = mctx
	}

	infos, err := o.mctx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("audio: enumerate devices: %w", err)
	}
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name()
	}
	return names, nil
}

// IsAlive reports whether the device is currently open and running.
func (o *OutputStream) IsAlive() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Close tears the device and context down entirely, for process shutdown.
func (o *OutputStream) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.device != nil {
		o.device.Uninit()
		o.device = nil
	}
	if o.mctx != nil {
		o.mctx.Uninit()
		o.mctx = nil
	}
	o.running = false
	return nil
}
