package audio

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Chunk is an immutable block of samples captured in one device callback.
// Constructors copy the caller's slice and accessors hand out copies.
type Chunk struct {
	format   Format
	frames   int
	i16      []int16
	f32      []float32
	captured time.Time
}

// NewInt16Chunk wraps 16-bit samples laid out according to format
func NewInt16Chunk(format Format, samples []int16) (*Chunk, error) {
	if format.Sample != SampleInt16 {
		return nil, fmt.Errorf("int16 samples with %s format", format.Sample)
	}
	frames, err := frameCount(format, len(samples))
	if err != nil {
		return nil, err
	}
	data := make([]int16, len(samples))
	copy(data, samples)
	return &Chunk{format: format, frames: frames, i16: data, captured: time.Now()}, nil
}

// NewFloat32Chunk wraps float samples laid out according to format
func NewFloat32Chunk(format Format, samples []float32) (*Chunk, error) {
	if format.Sample != SampleFloat32 {
		return nil, fmt.Errorf("float32 samples with %s format", format.Sample)
	}
	frames, err := frameCount(format, len(samples))
	if err != nil {
		return nil, err
	}
	data := make([]float32, len(samples))
	copy(data, samples)
	return &Chunk{format: format, frames: frames, f32: data, captured: time.Now()}, nil
}

func frameCount(format Format, samples int) (int, error) {
	if format.Channels <= 0 {
		return 0, fmt.Errorf("%w: channel count %d", ErrFormatUnsupported, format.Channels)
	}
	if samples%format.Channels != 0 {
		return 0, fmt.Errorf("sample count %d is not a multiple of %d channels", samples, format.Channels)
	}
	return samples / format.Channels, nil
}

// Format returns the chunk's format
func (c *Chunk) Format() Format { return c.format }

// Frames returns the number of frames (samples per channel)
func (c *Chunk) Frames() int { return c.frames }

// IsEmpty reports whether the chunk carries no frames
func (c *Chunk) IsEmpty() bool { return c == nil || c.frames == 0 }

// CapturedAt returns when the chunk was created
func (c *Chunk) CapturedAt() time.Time { return c.captured }

// Duration returns the playback duration of the chunk
func (c *Chunk) Duration() time.Duration { return c.format.FrameDuration(c.frames) }

func (c *Chunk) index(frame, channel int) int {
	if c.format.Interleaved {
		return frame*c.format.Channels + channel
	}
	return channel*c.frames + frame
}

// Sample returns one sample normalized to [-1, 1]
func (c *Chunk) Sample(frame, channel int) float64 {
	i := c.index(frame, channel)
	if c.i16 != nil {
		return float64(c.i16[i]) / 32768.0
	}
	return float64(c.f32[i])
}

// Int16Samples returns a copy of the raw samples of an int16 chunk
func (c *Chunk) Int16Samples() []int16 {
	out := make([]int16, len(c.i16))
	copy(out, c.i16)
	return out
}

// Float32Samples returns a copy of the raw samples of a float32 chunk
func (c *Chunk) Float32Samples() []float32 {
	out := make([]float32, len(c.f32))
	copy(out, c.f32)
	return out
}

// PCM16Bytes encodes an interleaved int16 chunk as little-endian bytes
func (c *Chunk) PCM16Bytes() ([]byte, error) {
	if c.format.Sample != SampleInt16 || !c.format.Interleaved {
		return nil, fmt.Errorf("%w: %s is not interleaved pcm16", ErrFormatUnsupported, c.format)
	}
	out := make([]byte, len(c.i16)*2)
	for i, s := range c.i16 {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out, nil
}
