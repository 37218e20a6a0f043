// SPDX-License-Identifier: MIT

/*
Package recorder writes captured loopback audio to a WAV file.

Thread Safety:
  - Write is an AudioDataAvailable listener and runs on the capture thread. It
    copies the batch into a pooled chunk, queues it and returns. It never does
    file I/O and never blocks; a full queue drops the chunk.
  - A single writer goroutine owns the file and the WAV encoder.
*/
package recorder

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"loopviz/internal/buffer"
	"loopviz/internal/capture"
	"loopviz/internal/log"
	"loopviz/internal/queue"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
)

const (
	DefaultBitDepth    = 16
	DefaultChunkFrames = 8192
	DefaultQueueSize   = 64
	DefaultSampleRate  = 48000

	wavFormatPCM = 1
	flushEvery   = 20 * time.Millisecond
)

// Options configures a recording. Zero values take the defaults above.
type Options struct {
	BitDepth    int // 16, 24 or 32 bit integer PCM.
	ChunkFrames int // Samples per pooled chunk.
	QueueSize   int // Chunks buffered between capture and the writer.
	// SampleRate is written to the header when no audio arrives before Close.
	// Otherwise the rate of the first batch is used.
	SampleRate int
}

func (o Options) withDefaults() Options {
	if o.BitDepth == 0 {
		o.BitDepth = DefaultBitDepth
	}
	if o.ChunkFrames <= 0 {
		o.ChunkFrames = DefaultChunkFrames
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultSampleRate
	}
	return o
}

// Stats reports recorder counters.
type Stats struct {
	Path    string
	Samples int64
	Dropped int64
}

// Recorder streams mono normalized samples into a WAV file.
type Recorder struct {
	path string
	opts Options
	log  zerolog.Logger

	file *os.File
	enc  *wav.Encoder
	buf  *audio.IntBuffer
	rate int

	chunks *buffer.SamplePool
	queue  *queue.Queue[*buffer.SampleBatch]
	wake   chan struct{}
	quit   chan struct{}
	done   chan struct{}

	recording atomic.Bool
	closeOnce sync.Once
	closeErr  error
	writeErr  error

	samples atomic.Int64
	dropped atomic.Int64
}

// New creates path and starts the writer goroutine.
func New(path string, opts Options) (*Recorder, error) {
	opts = opts.withDefaults()
	switch opts.BitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("unsupported recording bit depth %d", opts.BitDepth)
	}

	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}

	q := queue.New[*buffer.SampleBatch](opts.QueueSize)
	r := &Recorder{
		path:   path,
		opts:   opts,
		log:    log.Component("recorder").With().Str("path", path).Logger(),
		file:   file,
		chunks: buffer.NewSamplePool(q.Cap()+2, opts.ChunkFrames),
		queue:  q,
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1},
			SourceBitDepth: opts.BitDepth,
			Data:           make([]int, opts.ChunkFrames),
		},
	}
	r.recording.Store(true)
	go r.run()

	r.log.Info().Int("bit_depth", opts.BitDepth).Msg("recording started")
	return r, nil
}

// Path returns the file being written.
func (r *Recorder) Path() string {
	return r.path
}

// Write queues a copy of batch. It matches capture.AudioListener.
func (r *Recorder) Write(batch *buffer.SampleBatch, _ capture.AudioFormat) {
	if !r.recording.Load() {
		return
	}
	src := batch.Valid()
	for len(src) > 0 {
		c := r.chunks.Acquire()
		n := copy(c.Samples, src)
		c.Len = n
		c.SampleRate = batch.SampleRate
		c.Timestamp = batch.Timestamp
		src = src[n:]

		if !r.queue.TryEnqueue(c) {
			r.chunks.Release(c)
			r.dropped.Add(1)
		}
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			r.queue.Drain(r.writeChunk)
			return
		case <-r.wake:
		case <-ticker.C:
		}
		for {
			c, ok := r.queue.TryDequeue()
			if !ok {
				break
			}
			r.writeChunk(c)
		}
	}
}

func (r *Recorder) writeChunk(c *buffer.SampleBatch) {
	defer r.chunks.Release(c)
	if r.writeErr != nil {
		return
	}
	if r.enc == nil {
		r.open(c.SampleRate)
	} else if c.SampleRate != 0 && c.SampleRate != r.rate {
		r.log.Warn().Int("file_rate", r.rate).Int("batch_rate", c.SampleRate).Msg("sample rate changed mid-recording")
	}

	full := float64(int64(1)<<(r.opts.BitDepth-1) - 1)
	data := r.buf.Data[:c.Len]
	for i, s := range c.Valid() {
		data[i] = int(math.Round(float64(s) * full))
	}
	r.buf.Data = data
	if err := r.enc.Write(r.buf); err != nil {
		r.writeErr = err
		r.log.Error().Err(err).Msg("recording write failed")
		return
	}
	r.buf.Data = r.buf.Data[:cap(r.buf.Data)]
	r.samples.Add(int64(c.Len))
}

func (r *Recorder) open(rate int) {
	if rate <= 0 {
		rate = r.opts.SampleRate
	}
	r.rate = rate
	r.buf.Format.SampleRate = rate
	r.enc = wav.NewEncoder(r.file, rate, r.opts.BitDepth, 1, wavFormatPCM)
}

// Close flushes queued audio, finalizes the WAV header and closes the file.
// Audio arriving after Close is ignored. It is idempotent.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.recording.Store(false)
		close(r.quit)
		<-r.done

		err := r.writeErr
		if r.enc == nil {
			// The encoder only emits a header on the first write.
			r.open(0)
			r.buf.Data = r.buf.Data[:0]
			if werr := r.enc.Write(r.buf); werr != nil {
				err = errors.Join(err, fmt.Errorf("write wav header: %w", werr))
			}
		}
		if cerr := r.enc.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("finalize wav: %w", cerr))
		}
		if cerr := r.file.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close recording: %w", cerr))
		}
		r.closeErr = err

		st := r.Stats()
		r.log.Info().Int64("samples", st.Samples).Int64("dropped", st.Dropped).Msg("recording stopped")
	})
	return r.closeErr
}

// Stats returns recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{Path: r.path, Samples: r.samples.Load(), Dropped: r.dropped.Load()}
}
