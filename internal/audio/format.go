package audio

import (
	"fmt"
	"time"
)

// SampleType identifies how a single sample is encoded
type SampleType int

const (
	SampleUnknown SampleType = iota
	SampleInt16              // signed 16-bit linear PCM
	SampleFloat32            // 32-bit float in [-1, 1]
)

func (s SampleType) String() string {
	switch s {
	case SampleInt16:
		return "int16"
	case SampleFloat32:
		return "float32"
	default:
		return "unknown"
	}
}

// BitDepth returns the number of bits per sample
func (s SampleType) BitDepth() int {
	switch s {
	case SampleInt16:
		return 16
	case SampleFloat32:
		return 32
	default:
		return 0
	}
}

// Format describes the layout of an audio chunk
type Format struct {
	SampleRate  int
	Channels    int
	Sample      SampleType
	Interleaved bool // false means planar: channel 0 samples, then channel 1, ...
}

// DefaultRecognitionFormat is used when a recognition engine reports no preferred format
var DefaultRecognitionFormat = Format{
	SampleRate:  16000,
	Channels:    1,
	Sample:      SampleInt16,
	Interleaved: true,
}

// PCM16 returns the canonical interleaved 16-bit format for a rate and channel count
func PCM16(sampleRate, channels int) Format {
	return Format{SampleRate: sampleRate, Channels: channels, Sample: SampleInt16, Interleaved: true}
}

// Valid reports whether the format can describe real audio
func (f Format) Valid() bool {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return false
	}
	return f.Sample == SampleInt16 || f.Sample == SampleFloat32
}

// FrameDuration returns the duration of n frames in this format
func (f Format) FrameDuration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(frames) / float64(f.SampleRate) * float64(time.Second))
}

func (f Format) String() string {
	layout := "interleaved"
	if !f.Interleaved {
		layout = "planar"
	}
	return fmt.Sprintf("%dHz/%dch/%s/%s", f.SampleRate, f.Channels, f.Sample, layout)
}
