// SPDX-License-Identifier: MIT
package capture

// DataFunc receives raw interleaved bytes from the platform audio thread.
// The slice is only valid for the duration of the call.
type DataFunc func(raw []byte)

// StopFunc is invoked by a backend when a stream ends without being asked to,
// for example when the device is unplugged. err may be nil.
type StopFunc func(err error)

// StreamConfig is what the pipeline asks a backend for. Backends may deliver a
// different format; the pipeline reads the actual one from Stream.Format.
type StreamConfig struct {
	SampleRate   int
	Channels     int
	PeriodFrames int
}

// Backend abstracts a platform audio API able to capture what a render
// device is playing.
type Backend interface {
	// Name identifies the backend in logs and device listings.
	Name() string
	// Devices lists active render devices that can be captured.
	Devices() ([]Device, error)
	// DefaultDevice returns the system default render device.
	DefaultDevice() (Device, error)
	// Open prepares a loopback stream on dev. The stream is not started.
	Open(dev Device, cfg StreamConfig, onData DataFunc, onStop StopFunc) (Stream, error)
	// Close releases backend-wide resources.
	Close() error
}

// Stream is an opened capture session.
type Stream interface {
	Format() AudioFormat
	Start() error
	// Stop halts callbacks. Requested stops must not invoke the StopFunc.
	Stop() error
	Close() error
}
