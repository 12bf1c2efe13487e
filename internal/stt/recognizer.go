package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/rohit-iwnl/EchoMind/internal/audio"
)

// Recognition is the text a Recognizer produced for one utterance
type Recognition struct {
	Text       string
	Confidence float64
}

// RecognizeRequest is one utterance handed to a Recognizer
type RecognizeRequest struct {
	Audio  *audio.Chunk
	Locale string
	Final  bool
}

// Recognizer turns a complete or in-progress utterance into text
type Recognizer interface {
	Recognize(ctx context.Context, req RecognizeRequest) (Recognition, error)
}

// ExecRecognizer runs an external recognizer command once per request. The
// command receives --audio <wav> [--model <path>] --language <locale>
// [--partial] and prints {"text": ..., "confidence": ...} on stdout.
type ExecRecognizer struct {
	cmd       []string
	modelPath func(locale string) string
	tmpDir    string
	mu        sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecRecognizer parses command with shell quoting rules. modelPath may be
// nil when the command locates its own models.
func NewExecRecognizer(command string, modelPath func(locale string) string) (*ExecRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &ExecRecognizer{cmd: args, modelPath: modelPath, tmpDir: os.TempDir()}, nil
}

// Recognize writes the utterance to a temporary WAV and runs the command on it
func (r *ExecRecognizer) Recognize(ctx context.Context, req RecognizeRequest) (Recognition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp(r.tmpDir, "echomind_stt_*.wav")
	if err != nil {
		return Recognition{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := audio.EncodeWAV(file, req.Audio); err != nil {
		return Recognition{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.modelPath != nil {
		if path := r.modelPath(req.Locale); path != "" {
			args = append(args, "--model", path)
		}
	}
	if req.Locale != "" {
		args = append(args, "--language", req.Locale)
	}
	if !req.Final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Recognition{}, fmt.Errorf("stt command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Recognition{}, fmt.Errorf("decode stt response: %w", err)
	}
	return Recognition{Text: resp.Text, Confidence: resp.Confidence}, nil
}

// MockRecognizer describes the utterance instead of recognizing it
type MockRecognizer struct{}

// NewMockRecognizer creates a MockRecognizer
func NewMockRecognizer() *MockRecognizer {
	return &MockRecognizer{}
}

func (m *MockRecognizer) Recognize(_ context.Context, req RecognizeRequest) (Recognition, error) {
	mode := "partial"
	if req.Final {
		mode = "final"
	}
	return Recognition{
		Text:       fmt.Sprintf("[%s transcript frames=%d]", mode, req.Audio.Frames()),
		Confidence: 0,
	}, nil
}
