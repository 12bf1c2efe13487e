package audio

import (
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavFormatPCM = 1

// WAVWriter appends interleaved PCM-16 chunks to a WAV container
type WAVWriter struct {
	file   *os.File
	enc    *wav.Encoder
	format Format
	frames int
}

// CreateWAV creates a new WAV file at path. Existing files are never overwritten.
func CreateWAV(path string, format Format) (*WAVWriter, error) {
	if !format.Valid() || format.Sample != SampleInt16 || !format.Interleaved {
		return nil, fmt.Errorf("%w: wav side file needs interleaved pcm16, got %s", ErrFormatUnsupported, format)
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	return &WAVWriter{
		file:   file,
		enc:    wav.NewEncoder(file, format.SampleRate, 16, format.Channels, wavFormatPCM),
		format: format,
	}, nil
}

// Format returns the format the file was created with
func (w *WAVWriter) Format() Format { return w.format }

// Frames returns the number of frames written so far
func (w *WAVWriter) Frames() int { return w.frames }

// Path returns the file path
func (w *WAVWriter) Path() string { return w.file.Name() }

// Write appends a chunk; its format must match the file's
func (w *WAVWriter) Write(chunk *Chunk) error {
	if chunk.Format() != w.format {
		return fmt.Errorf("%w: chunk %s does not match file %s", ErrFormatUnsupported, chunk.Format(), w.format)
	}
	if err := w.enc.Write(intBuffer(chunk)); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	w.frames += chunk.Frames()
	return nil
}

// Close finalizes the header and closes the file
func (w *WAVWriter) Close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	return fileErr
}

// EncodeWAV writes a single interleaved PCM-16 chunk as a complete WAV stream
func EncodeWAV(w io.WriteSeeker, chunk *Chunk) error {
	f := chunk.Format()
	if f.Sample != SampleInt16 || !f.Interleaved {
		return fmt.Errorf("%w: %s", ErrFormatUnsupported, f)
	}
	enc := wav.NewEncoder(w, f.SampleRate, 16, f.Channels, wavFormatPCM)
	if err := enc.Write(intBuffer(chunk)); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV loads a whole WAV file as one interleaved PCM-16 chunk
func ReadWAV(path string) (*Chunk, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a valid wav file", ErrFormatUnsupported, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}

	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = toInt16(v, int(dec.BitDepth))
	}
	return NewInt16Chunk(PCM16(int(dec.SampleRate), int(dec.NumChans)), samples)
}

func intBuffer(chunk *Chunk) *goaudio.IntBuffer {
	samples := chunk.Int16Samples()
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	f := chunk.Format()
	return &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
}

func toInt16(v, bitDepth int) int16 {
	switch bitDepth {
	case 8:
		return int16((v - 128) << 8)
	case 24:
		return int16(v >> 8)
	case 32:
		return int16(v >> 16)
	default:
		return int16(v)
	}
}
