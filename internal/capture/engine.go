package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/observability"
	"github.com/rohit-iwnl/EchoMind/internal/queue"
)

var (
	// ErrInvalidFormat means the input device reported an unusable native format
	ErrInvalidFormat = errors.New("invalid input format")
	// ErrFileCreation means the side file could not be created
	ErrFileCreation = errors.New("side file creation failed")
)

// Tap receives every chunk the device captures. It runs on the device's
// real-time callback and must return quickly.
type Tap func(chunk *audio.Chunk)

// Device is an audio input the engine can tap
type Device interface {
	NativeFormat() (audio.Format, error)
	// Open installs tap for chunks in format without starting the hardware
	Open(format audio.Format, tap Tap) error
	Start() error
	// Pause halts the hardware but keeps the tap installed
	Pause() error
	Close() error
}

type engineState int

const (
	stateIdle engineState = iota
	stateRunning
	statePaused
	stateStopped
)

// Engine captures audio from a Device, persisting every chunk to a side file
// while publishing it on a FIFO queue for transcription
type Engine struct {
	device    Device
	path      string
	converter *audio.Converter
	logger    zerolog.Logger

	mu         sync.Mutex
	state      engineState
	format     audio.Format
	sideFormat audio.Format
	writer     *audio.WAVWriter
	writerErr  error
	chunks     *queue.Queue[*audio.Chunk]
	side       *queue.Queue[*audio.Chunk]
	writerDone chan struct{}
}

// NewEngine creates an engine that records device into a new file at path
func NewEngine(device Device, path string) *Engine {
	return &Engine{
		device:    device,
		path:      path,
		converter: audio.NewConverter(),
		logger:    observability.Component("capture").With().Str("path", path).Logger(),
		chunks:    queue.New[*audio.Chunk](),
		side:      queue.New[*audio.Chunk](),
	}
}

// Path returns the side file path
func (e *Engine) Path() string { return e.path }

// Format returns the capture format of the current run
func (e *Engine) Format() audio.Format {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.format
}

// Start validates the device format, creates the side file and engages the tap
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateIdle {
		return fmt.Errorf("capture engine already started")
	}

	native, err := e.device.NativeFormat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	if native.SampleRate <= 0 || native.Channels <= 0 {
		return fmt.Errorf("%w: %d Hz, %d channels", ErrInvalidFormat, native.SampleRate, native.Channels)
	}
	if native.Sample == audio.SampleUnknown {
		// no usable sample description; ask the device for canonical PCM-16
		native = audio.PCM16(native.SampleRate, native.Channels)
	}

	sideFormat := audio.PCM16(native.SampleRate, native.Channels)
	writer, err := audio.CreateWAV(e.path, sideFormat)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileCreation, err)
	}

	e.format = native
	e.sideFormat = sideFormat
	e.writer = writer
	e.writerDone = make(chan struct{})
	go e.writeSideFile()

	if err := e.device.Open(native, e.tap); err != nil {
		e.abort()
		return fmt.Errorf("open input device: %w", err)
	}
	if err := e.device.Start(); err != nil {
		e.device.Close()
		e.abort()
		return fmt.Errorf("start input device: %w", err)
	}

	e.state = stateRunning
	e.logger.Info().Str("format", native.String()).Msg("Capture started")
	return nil
}

// abort unwinds a partially started run; caller holds mu
func (e *Engine) abort() {
	e.state = stateStopped
	e.side.Close()
	e.chunks.Close()
	<-e.writerDone
}

// tap runs on the device callback: it only validates and enqueues
func (e *Engine) tap(chunk *audio.Chunk) {
	if chunk.IsEmpty() {
		return
	}
	if chunk.Format() != e.format {
		observability.RecordChunkDropped("format_mismatch")
		return
	}
	observability.RecordChunkCaptured(chunk.Frames())
	e.side.Enqueue(chunk)
	if !e.chunks.Enqueue(chunk) {
		observability.RecordChunkDropped("stopped")
	}
}

// writeSideFile is the single writer of the side file
func (e *Engine) writeSideFile() {
	defer close(e.writerDone)
	ctx := context.Background()

	for {
		chunk, ok := e.side.Dequeue(ctx)
		if !ok {
			break
		}
		if chunk.Format() != e.sideFormat {
			converted, err := e.converter.Convert(chunk, e.sideFormat)
			if err != nil {
				e.logger.Warn().Err(err).Msg("Failed to convert chunk for side file")
				observability.RecordChunkDropped("side_file")
				continue
			}
			chunk = converted
		}
		if err := e.writer.Write(chunk); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to write chunk to side file")
			observability.RecordChunkDropped("side_file")
			observability.RecordError("side_file_write", "capture")
		}
	}

	if err := e.writer.Close(); err != nil {
		e.logger.Error().Err(err).Msg("Failed to close side file")
		e.writerErr = err
	}
}

// Pause halts the device. Pausing twice is a no-op.
func (e *Engine) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateRunning {
		return nil
	}
	if err := e.device.Pause(); err != nil {
		return fmt.Errorf("pause input device: %w", err)
	}
	e.state = statePaused
	return nil
}

// Resume re-engages a paused device. Resuming without a pause is a no-op.
func (e *Engine) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != statePaused {
		return nil
	}
	if err := e.device.Start(); err != nil {
		return fmt.Errorf("resume input device: %w", err)
	}
	e.state = stateRunning
	return nil
}

// Paused reports whether capture is paused
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == statePaused
}

// Stop tears down the tap, ends the chunk sequence and closes the side file.
// Chunks already queued remain readable through Next.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateStopped:
		return nil
	case stateIdle:
		e.state = stateStopped
		e.chunks.Close()
		e.side.Close()
		return nil
	}

	deviceErr := e.device.Close()
	e.state = stateStopped
	e.chunks.Close()
	e.side.Close()
	<-e.writerDone

	if deviceErr != nil {
		e.logger.Warn().Err(deviceErr).Msg("Failed to close input device")
	}
	e.logger.Info().Int("frames", e.writer.Frames()).Msg("Capture stopped")
	return e.writerErr
}

// Next returns the next captured chunk in arrival order. It reports false
// once the engine is stopped and every chunk has been consumed, or ctx ends.
func (e *Engine) Next(ctx context.Context) (*audio.Chunk, bool) {
	return e.chunks.Dequeue(ctx)
}

// Pending returns how many captured chunks are waiting in the queue
func (e *Engine) Pending() int {
	return e.chunks.Len()
}
