// Package device adapts PortAudio input and output streams to the capture
// engine. Callers must call Init once before using any device and Terminate
// when done.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
	"github.com/rohit-iwnl/EchoMind/internal/capture"
)

var (
	_ capture.Device = (*PortAudioInput)(nil)
	_ capture.Output = (*PortAudioOutput)(nil)
)

// Init initializes the PortAudio library
func Init() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio init failed: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio library
func Terminate() error {
	return portaudio.Terminate()
}

// PortAudioInput taps the default input device
type PortAudioInput struct {
	channels        int
	framesPerBuffer int

	mu     sync.Mutex
	stream *portaudio.Stream
}

// NewPortAudioInput creates an input with a preferred channel count, capped
// by what the device offers
func NewPortAudioInput(channels, framesPerBuffer int) *PortAudioInput {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 4096
	}
	return &PortAudioInput{channels: channels, framesPerBuffer: framesPerBuffer}
}

// NativeFormat reports the default input device's rate as interleaved PCM-16
func (p *PortAudioInput) NativeFormat() (audio.Format, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return audio.Format{}, fmt.Errorf("no default input device: %w", err)
	}
	channels := p.channels
	if channels <= 0 || channels > dev.MaxInputChannels {
		channels = dev.MaxInputChannels
	}
	return audio.Format{
		SampleRate:  int(dev.DefaultSampleRate),
		Channels:    channels,
		Sample:      audio.SampleInt16,
		Interleaved: true,
	}, nil
}

// Open opens the default input stream with a callback that forwards each
// buffer to tap as a chunk
func (p *PortAudioInput) Open(format audio.Format, tap capture.Tap) error {
	if format.Sample != audio.SampleInt16 || !format.Interleaved {
		return fmt.Errorf("%w: portaudio input delivers interleaved pcm16, got %s", audio.ErrFormatUnsupported, format)
	}

	callback := func(in []int16) {
		chunk, err := audio.NewInt16Chunk(format, in)
		if err != nil {
			return
		}
		tap(chunk)
	}

	stream, err := portaudio.OpenDefaultStream(format.Channels, 0, float64(format.SampleRate), p.framesPerBuffer, callback)
	if err != nil {
		return fmt.Errorf("open stream failed: %w", err)
	}

	p.mu.Lock()
	p.stream = stream
	p.mu.Unlock()
	return nil
}

func (p *PortAudioInput) Start() error {
	stream, err := p.current()
	if err != nil {
		return err
	}
	return stream.Start()
}

// Pause stops the stream; it can be started again
func (p *PortAudioInput) Pause() error {
	stream, err := p.current()
	if err != nil {
		return err
	}
	return stream.Stop()
}

func (p *PortAudioInput) Close() error {
	p.mu.Lock()
	stream := p.stream
	p.stream = nil
	p.mu.Unlock()
	if stream == nil {
		return nil
	}

	stopErr := stream.Stop()
	closeErr := stream.Close()
	return errors.Join(stopErr, closeErr)
}

func (p *PortAudioInput) current() (*portaudio.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil, errors.New("input stream not open")
	}
	return p.stream, nil
}

// PortAudioOutput plays chunks on the default output device
type PortAudioOutput struct {
	framesPerBuffer int
}

// NewPortAudioOutput creates an output device
func NewPortAudioOutput(framesPerBuffer int) *PortAudioOutput {
	if framesPerBuffer <= 0 {
		framesPerBuffer = 1024
	}
	return &PortAudioOutput{framesPerBuffer: framesPerBuffer}
}

// Play writes chunk to the default output with blocking writes until it is
// fully played or ctx is done
func (o *PortAudioOutput) Play(ctx context.Context, chunk *audio.Chunk) error {
	format := chunk.Format()
	if format.Sample != audio.SampleInt16 || !format.Interleaved {
		return fmt.Errorf("%w: playback needs interleaved pcm16, got %s", audio.ErrFormatUnsupported, format)
	}

	buf := make([]int16, o.framesPerBuffer*format.Channels)
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), o.framesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("open output stream failed: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream failed: %w", err)
	}
	defer stream.Stop()

	samples := chunk.Int16Samples()
	for offset := 0; offset < len(samples); offset += len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := copy(buf, samples[offset:])
		clear(buf[n:])
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write output stream failed: %w", err)
		}
	}
	return nil
}
