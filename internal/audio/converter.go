package audio

import (
	"errors"
	"fmt"
	"math"
)

// ErrFormatUnsupported is returned when no conversion path exists between two formats
var ErrFormatUnsupported = errors.New("audio format unsupported")

// Converter transforms chunks between formats. It holds no state, so a single
// instance may be shared; callers converting one stream should still convert
// chunks in emission order.
type Converter struct{}

// NewConverter creates a converter
func NewConverter() *Converter {
	return &Converter{}
}

// Convert returns chunk re-encoded in target format.
// Channel mapping supports N->N, N->1 (average) and 1->N (duplicate).
func (c *Converter) Convert(chunk *Chunk, target Format) (*Chunk, error) {
	if chunk == nil {
		return nil, fmt.Errorf("%w: nil chunk", ErrFormatUnsupported)
	}
	src := chunk.Format()
	if !src.Valid() {
		return nil, fmt.Errorf("%w: source %s", ErrFormatUnsupported, src)
	}
	if !target.Valid() {
		return nil, fmt.Errorf("%w: target %s", ErrFormatUnsupported, target)
	}
	if !channelsMappable(src.Channels, target.Channels) {
		return nil, fmt.Errorf("%w: cannot map %d channels to %d", ErrFormatUnsupported, src.Channels, target.Channels)
	}
	if src == target {
		return chunk, nil
	}

	planes := make([][]float64, src.Channels)
	for ch := range planes {
		plane := make([]float64, chunk.Frames())
		for f := range plane {
			plane[f] = chunk.Sample(f, ch)
		}
		planes[ch] = plane
	}

	planes = mixChannels(planes, target.Channels)

	outFrames := chunk.Frames()
	if src.SampleRate != target.SampleRate {
		outFrames = int(math.Round(float64(chunk.Frames()) * float64(target.SampleRate) / float64(src.SampleRate)))
		for ch := range planes {
			planes[ch] = resample(planes[ch], src.SampleRate, target.SampleRate, outFrames)
		}
	}

	return encode(planes, outFrames, target)
}

func channelsMappable(from, to int) bool {
	return from == to || from == 1 || to == 1
}

func mixChannels(planes [][]float64, channels int) [][]float64 {
	if len(planes) == channels {
		return planes
	}
	if channels == 1 {
		frames := len(planes[0])
		mono := make([]float64, frames)
		for f := 0; f < frames; f++ {
			sum := 0.0
			for _, plane := range planes {
				sum += plane[f]
			}
			mono[f] = sum / float64(len(planes))
		}
		return [][]float64{mono}
	}
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = planes[0]
	}
	return out
}

// resample performs linear interpolation resampling to exactly outputLength frames
func resample(samples []float64, inputRate, outputRate, outputLength int) []float64 {
	output := make([]float64, outputLength)
	if len(samples) == 0 {
		return output
	}

	ratio := float64(outputRate) / float64(inputRate)
	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := srcPos - float64(idx0)
		if fraction > 1 {
			fraction = 1
		}
		output[i] = samples[idx0]*(1.0-fraction) + samples[idx1]*fraction
	}

	return output
}

func encode(planes [][]float64, frames int, target Format) (*Chunk, error) {
	n := frames * target.Channels
	index := func(f, ch int) int {
		if target.Interleaved {
			return f*target.Channels + ch
		}
		return ch*frames + f
	}

	switch target.Sample {
	case SampleInt16:
		out := make([]int16, n)
		for ch, plane := range planes {
			for f := 0; f < frames; f++ {
				out[index(f, ch)] = floatToInt16(plane[f])
			}
		}
		return NewInt16Chunk(target, out)
	case SampleFloat32:
		out := make([]float32, n)
		for ch, plane := range planes {
			for f := 0; f < frames; f++ {
				out[index(f, ch)] = float32(plane[f])
			}
		}
		return NewFloat32Chunk(target, out)
	}
	return nil, fmt.Errorf("%w: sample type %s", ErrFormatUnsupported, target.Sample)
}

func floatToInt16(v float64) int16 {
	scaled := math.Round(v * 32768.0)
	if scaled > math.MaxInt16 {
		return math.MaxInt16
	}
	if scaled < math.MinInt16 {
		return math.MinInt16
	}
	return int16(scaled)
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
