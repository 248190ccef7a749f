package providers

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"meetscribe/session"
)

// SherpaDiarizerConfig конфигурация офлайн-диаризации
type SherpaDiarizerConfig struct {
	SegmentationModelPath string // pyannote сегментация
	EmbeddingModelPath    string // wespeaker/3dspeaker эмбеддинги
	NumThreads            int
	ClusteringThreshold   float32 // Порог кластеризации (0.0-1.0)
	MinDurationOn         float32 // Минимальная длительность речи (сек)
	MinDurationOff        float32 // Минимальная длительность паузы (сек)
	Provider              string  // cpu, cuda, coreml, auto
}

// detectBestProvider определяет лучший ONNX provider для платформы
func detectBestProvider() string {
	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		return "coreml"
	}
	return "cpu"
}

// DefaultSherpaDiarizerConfig конфигурация по умолчанию
func DefaultSherpaDiarizerConfig(segmentationPath, embeddingPath string) SherpaDiarizerConfig {
	return SherpaDiarizerConfig{
		SegmentationModelPath: segmentationPath,
		EmbeddingModelPath:    embeddingPath,
		NumThreads:            4,
		ClusteringThreshold:   0.5,
		MinDurationOn:         0.3,
		MinDurationOff:        0.5,
		Provider:              "auto",
	}
}

// SherpaDiarizer полнозаписная диаризация через sherpa-onnx.
// Используется Tier-2, где время не критично
type SherpaDiarizer struct {
	config      SherpaDiarizerConfig
	diarizer    *sherpa.OfflineSpeakerDiarization
	mu          sync.Mutex
	initialized bool
}

// NewSherpaDiarizer создаёт диаризатор
func NewSherpaDiarizer(config SherpaDiarizerConfig) (*SherpaDiarizer, error) {
	if _, err := os.Stat(config.SegmentationModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("segmentation model not found: %s", config.SegmentationModelPath)
	}
	if _, err := os.Stat(config.EmbeddingModelPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("embedding model not found: %s", config.EmbeddingModelPath)
	}

	provider := config.Provider
	if provider == "auto" || provider == "" {
		provider = detectBestProvider()
	}
	log.Printf("[Diarizer] Using provider=%s (requested=%s)", provider, config.Provider)

	sherpaConfig := &sherpa.OfflineSpeakerDiarizationConfig{
		Segmentation: sherpa.OfflineSpeakerSegmentationModelConfig{
			Pyannote: sherpa.OfflineSpeakerSegmentationPyannoteModelConfig{
				Model: config.SegmentationModelPath,
			},
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Embedding: sherpa.SpeakerEmbeddingExtractorConfig{
			Model:      config.EmbeddingModelPath,
			NumThreads: config.NumThreads,
			Debug:      0,
			Provider:   provider,
		},
		Clustering: sherpa.FastClusteringConfig{
			NumClusters: -1, // Количество спикеров определяется автоматически
			Threshold:   config.ClusteringThreshold,
		},
		MinDurationOn:  config.MinDurationOn,
		MinDurationOff: config.MinDurationOff,
	}

	diarizer := sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
	if diarizer == nil {
		if provider != "cpu" {
			log.Printf("[Diarizer] %s provider failed, falling back to CPU", provider)
			sherpaConfig.Segmentation.Provider = "cpu"
			sherpaConfig.Embedding.Provider = "cpu"
			diarizer = sherpa.NewOfflineSpeakerDiarization(sherpaConfig)
			if diarizer == nil {
				return nil, fmt.Errorf("failed to create sherpa-onnx diarizer (tried %s and cpu)", provider)
			}
			provider = "cpu"
		} else {
			return nil, fmt.Errorf("failed to create sherpa-onnx diarizer")
		}
	}

	config.Provider = provider
	return &SherpaDiarizer{
		config:      config,
		diarizer:    diarizer,
		initialized: true,
	}, nil
}

// DiarizeBatch размечает запись по спикерам. Локальные метки вида
// "s0", "s1"... — глобальная идентичность назначается позже
func (d *SherpaDiarizer) DiarizeBatch(ctx context.Context, samples []float32, sampleRate int) ([]session.DiarizedSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.initialized || d.diarizer == nil {
		return nil, fmt.Errorf("diarizer not initialized")
	}
	if len(samples) == 0 {
		return nil, nil
	}
	if sampleRate != d.diarizer.SampleRate() {
		return nil, fmt.Errorf("sample rate mismatch: have %d, diarizer expects %d",
			sampleRate, d.diarizer.SampleRate())
	}

	raw := d.diarizer.Process(samples)
	if len(raw) == 0 {
		return nil, nil
	}

	// Детерминированные ID: повторный прогон по той же записи даёт
	// идентичный результат
	segments := make([]session.DiarizedSegment, 0, len(raw))
	for i, seg := range raw {
		segments = append(segments, session.DiarizedSegment{
			ID:           fmt.Sprintf("bseg-%04d", i),
			LocalSpeaker: fmt.Sprintf("s%d", seg.Speaker),
			StartMs:      int64(seg.Start * 1000),
			EndMs:        int64(seg.End * 1000),
		})
	}

	log.Printf("[Diarizer] Batch diarization: %d segments, %d speakers",
		len(segments), countSpeakers(segments))
	return segments, nil
}

func countSpeakers(segments []session.DiarizedSegment) int {
	seen := make(map[string]struct{})
	for _, seg := range segments {
		seen[seg.LocalSpeaker] = struct{}{}
	}
	return len(seen)
}

// Close освобождает ресурсы sherpa-onnx
func (d *SherpaDiarizer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.diarizer != nil {
		sherpa.DeleteOfflineSpeakerDiarization(d.diarizer)
		d.diarizer = nil
	}
	d.initialized = false
}
