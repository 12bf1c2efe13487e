package audio

import (
	"testing"
)

func constantFrame(size int, value int16) []int16 {
	samples := make([]int16, size)
	for i := range samples {
		samples[i] = value
	}
	return samples
}

func testVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,
		FrameSize:       320,
	}
}

func TestVADDetector_ProcessFrame_Speech(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constantFrame(320, 5000)

	for i := 0; i < 5; i++ {
		result := vad.ProcessFrame(samples)
		if !result.Speaking {
			t.Errorf("Expected speech detection on frame %d", i)
		}
		if i == 0 && !result.Started {
			t.Error("Expected speech to start on first frame")
		}
		if i > 0 && result.Started {
			t.Errorf("Expected no new start on frame %d", i)
		}
	}
}

func TestVADDetector_ProcessFrame_Silence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	samples := constantFrame(320, 10)

	for i := 0; i < 15; i++ {
		result := vad.ProcessFrame(samples)
		if result.Speaking || result.Started || result.Ended {
			t.Errorf("Expected silence on frame %d, got %+v", i, result)
		}
	}
}

func TestVADDetector_ProcessFrame_SpeechToSilence(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	high := constantFrame(320, 5000)
	low := constantFrame(320, 10)

	for i := 0; i < 5; i++ {
		vad.ProcessFrame(high)
	}

	endedAt := -1
	for i := 0; i < 15; i++ {
		if vad.ProcessFrame(low).Ended {
			endedAt = i
			break
		}
	}

	if endedAt != 9 {
		t.Errorf("Expected speech to end on silence frame 9, got %d", endedAt)
	}
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after end")
	}
}

func TestVADDetector_Threshold(t *testing.T) {
	low := NewVADDetector(&VADConfig{EnergyThreshold: 100.0, SilenceFrames: 10, FrameSize: 320})
	high := NewVADDetector(&VADConfig{EnergyThreshold: 5000.0, SilenceFrames: 10, FrameSize: 320})
	samples := constantFrame(320, 1000)

	if !low.ProcessFrame(samples).Speaking {
		t.Error("Expected low threshold to detect speech")
	}
	if high.ProcessFrame(samples).Speaking {
		t.Error("Expected high threshold to not detect speech")
	}
}

func TestVADDetector_Frames(t *testing.T) {
	vad := NewVADDetector(testVADConfig())

	frames := vad.Frames(make([]int16, 500))
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}

	// 180 carried over + 460 new = 640 = 2 frames
	frames = vad.Frames(make([]int16, 460))
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	for _, f := range frames {
		if len(f) != 320 {
			t.Errorf("Expected frame size 320, got %d", len(f))
		}
	}
}

func TestVADDetector_Reset(t *testing.T) {
	vad := NewVADDetector(testVADConfig())
	vad.ProcessFrame(constantFrame(320, 5000))
	vad.Frames(make([]int16, 100))

	if !vad.IsSpeaking() {
		t.Fatal("Expected speech to be detected")
	}

	vad.Reset()
	if vad.IsSpeaking() {
		t.Error("Expected speech state to be false after reset")
	}
	if frames := vad.Frames(make([]int16, 300)); len(frames) != 0 {
		t.Errorf("Expected pending samples to be discarded, got %d frames", len(frames))
	}
}

func TestDefaultVADConfig(t *testing.T) {
	config := DefaultVADConfig()
	if config.EnergyThreshold != 500.0 {
		t.Errorf("Expected default EnergyThreshold 500.0, got %f", config.EnergyThreshold)
	}
	if config.FrameSize != FrameSizeFor(16000, 20) {
		t.Errorf("Expected default FrameSize %d, got %d", FrameSizeFor(16000, 20), config.FrameSize)
	}
}

func TestDetectSilence(t *testing.T) {
	if DetectSilence([]int16{5000, 5000, 5000}, 1000.0) {
		t.Error("Expected high energy samples to not be silence")
	}
	if !DetectSilence([]int16{10, 10, 10}, 1000.0) {
		t.Error("Expected low energy samples to be silence")
	}
}
