package session

import (
	"math"
	"path/filepath"
	"testing"
	"time"
)

// sineSamples секунда синуса заданной частоты
func sineSamples(freq float64, seconds float64) []float32 {
	n := int(float64(SampleRate) * seconds)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.5 * float32(math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return samples
}

// TestArchiveRoundTrip записанный архив декодируется обратно
// собственным ридером — иначе Tier-2 никогда не получит аудио
func TestArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.mp3")

	archive, err := NewAudioArchive(path, SampleRate)
	if err != nil {
		t.Fatalf("NewAudioArchive: %v", err)
	}

	written := sineSamples(440, 2.0)
	// Несколько вызовов Write, включая не кратные размеру блока
	for off := 0; off < len(written); off += 7000 {
		end := off + 7000
		if end > len(written) {
			end = len(written)
		}
		if err := archive.Write(written[off:end]); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := archive.Duration(); got < 1900*time.Millisecond || got > 2100*time.Millisecond {
		t.Errorf("unexpected duration %v", got)
	}

	decoded, rate, err := ReadArchive(path, SampleRate)
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if rate != SampleRate {
		t.Errorf("expected rate %d, got %d", SampleRate, rate)
	}
	// MP3 добавляет кадры задержки и дополнение, сверяем с допуском
	if len(decoded) < len(written)*9/10 {
		t.Fatalf("decoded %d samples, written %d", len(decoded), len(written))
	}

	// Сигнал не должен выродиться в тишину
	var rms float64
	for _, s := range decoded {
		rms += float64(s) * float64(s)
	}
	rms = math.Sqrt(rms / float64(len(decoded)))
	if rms < 0.1 {
		t.Errorf("decoded signal too quiet: rms=%.4f", rms)
	}
}

// TestArchiveWriteAfterClose запись в закрытый архив отклоняется
func TestArchiveWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.mp3")
	archive, err := NewAudioArchive(path, SampleRate)
	if err != nil {
		t.Fatalf("NewAudioArchive: %v", err)
	}
	if err := archive.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := archive.Write(sineSamples(440, 0.1)); err == nil {
		t.Error("expected error writing to closed archive")
	}
}
