// SPDX-License-Identifier: MIT
package audio

import (
	"errors"

	"loopviz/internal/buffer"
	"loopviz/internal/capture"
	"loopviz/internal/recorder"
)

// StartRecording writes captured audio to a WAV file at path until
// StopRecording. Recording may start before or during capture.
func (e *Engine) StartRecording(path string, opts recorder.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rec.Load() != nil {
		return errors.New("already recording")
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = e.analyzer.Config().SampleRate
	}
	r, err := recorder.New(path, opts)
	if err != nil {
		return err
	}
	e.rec.Store(r)
	return nil
}

// StopRecording finalizes the current recording. It is a no-op when not
// recording.
func (e *Engine) StopRecording() error {
	r := e.rec.Swap(nil)
	if r == nil {
		return nil
	}
	return r.Close()
}

// Recording reports whether a recording is in progress.
func (e *Engine) Recording() bool {
	return e.rec.Load() != nil
}

// record is the engine's AudioDataAvailable listener.
func (e *Engine) record(batch *buffer.SampleBatch, source capture.AudioFormat) {
	if r := e.rec.Load(); r != nil {
		r.Write(batch, source)
	}
}
