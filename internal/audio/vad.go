package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Number of consecutive silence frames to mark as end of speech
	FrameSize       int     // Number of samples per frame
}

// DefaultVADConfig returns a default VAD configuration for 16kHz mono audio
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   25,  // 500ms of silence (25 frames * 20ms)
		FrameSize:       320, // 20ms at 16kHz
	}
}

// FrameSizeFor returns the number of samples in a frame of frameMs at sampleRate
func FrameSizeFor(sampleRate, frameMs int) int {
	return sampleRate * frameMs / 1000
}

// VADResult is the outcome of processing one frame
type VADResult struct {
	Speaking bool // speech is ongoing after this frame
	Started  bool // this frame opened a speech window
	Ended    bool // this frame closed a speech window
}

// VADDetector performs energy based Voice Activity Detection
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
	pending        []int16
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// ProcessFrame classifies a single frame
func (v *VADDetector) ProcessFrame(samples []int16) VADResult {
	var result VADResult

	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		if !v.isSpeaking {
			result.Started = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
			result.Ended = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	result.Speaking = v.isSpeaking
	return result
}

// Frames splits samples into whole frames of the configured size, carrying
// any remainder over to the next call
func (v *VADDetector) Frames(samples []int16) [][]int16 {
	size := v.config.FrameSize
	if size <= 0 {
		return [][]int16{samples}
	}

	buf := append(v.pending, samples...)
	var frames [][]int16
	for len(buf) >= size {
		frame := make([]int16, size)
		copy(frame, buf[:size])
		frames = append(frames, frame)
		buf = buf[size:]
	}
	v.pending = append([]int16(nil), buf...)
	return frames
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
	v.pending = nil
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// DetectSilence detects if audio samples represent silence
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}
