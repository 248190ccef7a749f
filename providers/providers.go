// Package providers определяет интерфейсы вычислительных провайдеров
// (эмбеддинги, батч-транскрипция, батч-диаризация, генерация отчётов)
// и реестр, связывающий их в единый набор на время жизни сессии
package providers

import (
	"context"
	"fmt"

	"meetscribe/session"
)

// EmbeddingExtractor извлекает голосовой вектор из аудиосегмента
type EmbeddingExtractor interface {
	// Extract возвращает L2-нормализованный вектор (512-d) для
	// моно PCM 16kHz
	Extract(ctx context.Context, samples []float32) ([]float32, error)
	Close()
}

// BatchTranscriber транскрибирует полную запись целиком
// (Tier-2, вне критического пути)
type BatchTranscriber interface {
	TranscribeBatch(ctx context.Context, samples []float32, sampleRate int) ([]session.Utterance, error)
}

// BatchDiarizer размечает полную запись по спикерам
type BatchDiarizer interface {
	DiarizeBatch(ctx context.Context, samples []float32, sampleRate int) ([]session.DiarizedSegment, error)
}

// ReportGenerator создаёт нарративный отчёт по финальному транскрипту
type ReportGenerator interface {
	GenerateReport(ctx context.Context, utterances []session.Utterance, stats []session.SpeakerStats) ([]session.ReportSection, error)
}

// Registry набор провайдеров, разрешённый один раз при старте.
// Вызывающий код не делает строковой диспетчеризации — все ссылки
// конкретные с момента конструирования.
type Registry struct {
	embedder    EmbeddingExtractor
	transcriber BatchTranscriber
	diarizer    BatchDiarizer
	reporter    ReportGenerator
}

// NewRegistry собирает реестр. Генератор отчётов обязателен,
// остальные провайдеры могут отсутствовать (эмбеддинги и Tier-2
// выключаются)
func NewRegistry(embedder EmbeddingExtractor, transcriber BatchTranscriber,
	diarizer BatchDiarizer, reporter ReportGenerator) (*Registry, error) {

	if reporter == nil {
		return nil, fmt.Errorf("report generator is required")
	}
	return &Registry{
		embedder:    embedder,
		transcriber: transcriber,
		diarizer:    diarizer,
		reporter:    reporter,
	}, nil
}

// Embedder возвращает извлекатель эмбеддингов (может быть nil)
func (r *Registry) Embedder() EmbeddingExtractor { return r.embedder }

// Transcriber возвращает батч-транскрайбер (может быть nil)
func (r *Registry) Transcriber() BatchTranscriber { return r.transcriber }

// Diarizer возвращает батч-диаризатор (может быть nil)
func (r *Registry) Diarizer() BatchDiarizer { return r.diarizer }

// Reporter возвращает генератор отчётов
func (r *Registry) Reporter() ReportGenerator { return r.reporter }

// Tier2Capable сообщает, достаточно ли провайдеров для фонового
// уточнения
func (r *Registry) Tier2Capable() bool {
	return r.transcriber != nil && r.diarizer != nil
}
